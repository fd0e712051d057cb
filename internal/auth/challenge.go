package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Scheme is an HTTP authentication scheme named in a WWW-Authenticate header.
type Scheme string

const (
	SchemeBearer Scheme = "Bearer"
	SchemeBasic  Scheme = "Basic"
)

var (
	// ErrUnsupportedScheme is returned when no handler is registered for a
	// challenge's scheme.
	ErrUnsupportedScheme = errors.New("unsupported authentication scheme")

	// ErrMalformedChallenge is returned for headers without a scheme.
	ErrMalformedChallenge = errors.New("malformed authentication challenge")
)

var authParamRegexp = regexp.MustCompile(`([a-zA-Z_]+)="([^"]*)"`)

// Challenge is a parsed WWW-Authenticate header.
type Challenge struct {
	Scheme  Scheme
	Realm   string
	Service string
	Params  map[string]string
}

// ParseChallenge splits header into its scheme and key="value" parameters.
// Scheme names are matched case-insensitively; unknown schemes are kept
// verbatim.
func ParseChallenge(header string) (Challenge, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return Challenge{}, fmt.Errorf("%w: empty header", ErrMalformedChallenge)
	}
	scheme, rest, _ := strings.Cut(trimmed, " ")

	params := make(map[string]string)
	for _, m := range authParamRegexp.FindAllStringSubmatch(rest, -1) {
		params[strings.ToLower(m[1])] = m[2]
	}

	return Challenge{
		Scheme:  canonicalScheme(scheme),
		Realm:   params["realm"],
		Service: params["service"],
		Params:  params,
	}, nil
}

func canonicalScheme(s string) Scheme {
	switch {
	case strings.EqualFold(s, string(SchemeBearer)):
		return SchemeBearer
	case strings.EqualFold(s, string(SchemeBasic)):
		return SchemeBasic
	default:
		return Scheme(s)
	}
}

func (c Challenge) String() string {
	return fmt.Sprintf("scheme=%s realm=%s service=%s", c.Scheme, c.Realm, c.Service)
}
