package reference

import "strings"

// Grammar productions. Each matcher reports whether its whole input belongs
// to the production; Parse uses the production name to attribute failures.
const (
	ProductionReference       = "reference"
	ProductionName            = "name"
	ProductionDomain          = "domain"
	ProductionDomainComponent = "domain-component"
	ProductionPath            = "path"
	ProductionNameComponent   = "name-component"
	ProductionTag             = "tag"
	ProductionDigest          = "digest"
)

const (
	maxTagLength    = 128
	minDigestHexLen = 32
)

// matchDomainComponent: [a-zA-Z0-9] | [a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]
func matchDomainComponent(s string) bool {
	if s == "" || !isAlnum(s[0]) || !isAlnum(s[len(s)-1]) {
		return false
	}
	for i := 1; i < len(s)-1; i++ {
		if !isAlnum(s[i]) && s[i] != '-' {
			return false
		}
	}
	return true
}

// matchDomain accepts dot-separated domain components or a bracketed IPv6
// literal, either optionally followed by :port.
func matchDomain(s string) bool {
	host, port := s, ""
	hasPort := false
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return false
		}
		host = s[:end+1]
		if rest := s[end+1:]; rest != "" {
			if rest[0] != ':' {
				return false
			}
			port, hasPort = rest[1:], true
		}
		if !matchIPv6(host) {
			return false
		}
	} else {
		if i := strings.IndexByte(s, ':'); i >= 0 {
			host, port, hasPort = s[:i], s[i+1:], true
		}
		for _, component := range strings.Split(host, ".") {
			if !matchDomainComponent(component) {
				return false
			}
		}
	}
	if hasPort && !isDigits(port) {
		return false
	}
	return true
}

// matchIPv6: \[[a-fA-F0-9:]+\]
func matchIPv6(s string) bool {
	if len(s) < 3 || s[0] != '[' || s[len(s)-1] != ']' {
		return false
	}
	for i := 1; i < len(s)-1; i++ {
		if !isHex(s[i]) && s[i] != ':' {
			return false
		}
	}
	return true
}

// matchNameComponent: [a-z0-9]+ separated by ".", "_", "__" or a run of "-".
func matchNameComponent(s string) bool {
	if s == "" || !isLowerAlnum(s[0]) || !isLowerAlnum(s[len(s)-1]) {
		return false
	}
	for i := 0; i < len(s); {
		if isLowerAlnum(s[i]) {
			i++
			continue
		}
		j := i
		for j < len(s) && !isLowerAlnum(s[j]) {
			j++
		}
		if !isSeparator(s[i:j]) {
			return false
		}
		i = j
	}
	return true
}

func isSeparator(sep string) bool {
	switch sep {
	case ".", "_", "__":
		return true
	}
	return sep != "" && strings.Trim(sep, "-") == ""
}

// matchPath: name-component ('/' name-component)*
func matchPath(s string) bool {
	if s == "" {
		return false
	}
	for _, component := range strings.Split(s, "/") {
		if !matchNameComponent(component) {
			return false
		}
	}
	return true
}

// matchTag: [A-Za-z0-9_][A-Za-z0-9_.-]{0,127}
func matchTag(s string) bool {
	if s == "" || len(s) > maxTagLength || !isWord(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isWord(s[i]) && s[i] != '.' && s[i] != '-' {
			return false
		}
	}
	return true
}

// matchDigest: [A-Za-z][A-Za-z0-9]*([-_+.][A-Za-z][A-Za-z0-9]*)*:[0-9a-fA-F]{32,}
func matchDigest(s string) bool {
	algo, encoded, ok := strings.Cut(s, ":")
	if !ok || len(encoded) < minDigestHexLen {
		return false
	}
	for i := 0; i < len(encoded); i++ {
		if !isHex(encoded[i]) {
			return false
		}
	}
	expectAlpha := true
	for i := 0; i < len(algo); i++ {
		c := algo[i]
		switch {
		case expectAlpha:
			if !isAlpha(c) {
				return false
			}
			expectAlpha = false
		case c == '-' || c == '_' || c == '+' || c == '.':
			expectAlpha = true
		case !isAlnum(c):
			return false
		}
	}
	return algo != "" && !expectAlpha
}

// matchIdentifier reports whether s is exactly 64 lowercase hex characters,
// the form of a bare image ID.
func matchIdentifier(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) && (s[i] < 'a' || s[i] > 'f') {
			return false
		}
	}
	return true
}

func isAlpha(c byte) bool      { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isAlnum(c byte) bool      { return isAlpha(c) || isDigit(c) }
func isLowerAlnum(c byte) bool { return (c >= 'a' && c <= 'z') || isDigit(c) }
func isWord(c byte) bool       { return isAlnum(c) || c == '_' }
func isHex(c byte) bool        { return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') }

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
