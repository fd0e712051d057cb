// Package auth negotiates registry credentials: it pings the registry,
// parses the WWW-Authenticate challenge and exchanges it for an
// Authorization header scoped to one operation.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BadgerOps/regpull/internal/safety"
)

const (
	// DefaultClientID is sent as client_id to token endpoints.
	DefaultClientID = "regpull"

	maxTokenBodyBytes = 1 << 20
)

// State is a step of the authorization state machine.
type State int

const (
	StateUnauthenticated State = iota
	StatePinged
	StateChallenged
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StatePinged:
		return "pinged"
	case StateChallenged:
		return "challenged"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Credentials are the configured username and password for a registry.
type Credentials struct {
	Username string
	Password string
}

// Authorization is the outcome of Authorize. Header is empty for anonymous
// access.
type Authorization struct {
	State     State
	Challenge *Challenge
	Scope     string
	Header    http.Header
}

// schemeHandler turns a challenge into an Authorization header value.
type schemeHandler func(ctx context.Context, h *Handler, c Challenge, scope Scope) (string, error)

// Option configures a Handler.
type Option func(*Handler)

// WithBasicScheme registers the Basic scheme. Only Bearer is wired by default.
func WithBasicScheme() Option {
	return func(h *Handler) { h.schemes[SchemeBasic] = basicAuthorization }
}

// WithClientID overrides DefaultClientID.
func WithClientID(id string) Option {
	return func(h *Handler) { h.clientID = id }
}

// Handler runs the ping/challenge/token exchange against one registry.
// Tokens are not cached; every Authorize call pings again.
type Handler struct {
	baseURL  string
	creds    Credentials
	client   *http.Client
	logger   *slog.Logger
	clientID string
	schemes  map[Scheme]schemeHandler
	now      func() time.Time
}

// NewHandler creates a Handler for the registry rooted at baseURL
// (e.g. "https://registry-1.docker.io").
func NewHandler(baseURL string, creds Credentials, client *http.Client, logger *slog.Logger, opts ...Option) *Handler {
	if client == nil {
		client = safety.NewHTTPClient(safety.ClientOptions{Timeout: 60 * time.Second})
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		baseURL:  strings.TrimRight(baseURL, "/"),
		creds:    creds,
		client:   client,
		logger:   logger,
		clientID: DefaultClientID,
		schemes: map[Scheme]schemeHandler{
			SchemeBearer: bearerAuthorization,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Ping issues an unauthenticated GET /v2/. A nil challenge means the
// registry allows anonymous access.
func (h *Handler) Ping(ctx context.Context) (*Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/v2/", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ping request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, safety.CheckResponse(resp)
		}
		h.logger.Debug("registry allows anonymous access", "registry", h.baseURL)
		return nil, nil
	}
	c, err := ParseChallenge(header)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("registry challenge", "registry", h.baseURL, "scheme", c.Scheme, "realm", c.Realm, "service", c.Service)
	return &c, nil
}

// Authorize walks the state machine for scope and returns the resulting
// header set. An unsupported challenge scheme is not an error: the handler
// logs it and falls back to anonymous access.
func (h *Handler) Authorize(ctx context.Context, scope Scope) (*Authorization, error) {
	authz := &Authorization{State: StateUnauthenticated, Scope: scope.String(), Header: http.Header{}}

	c, err := h.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping registry: %w", err)
	}
	authz.State = StatePinged
	if c == nil {
		return authz, nil
	}
	authz.State = StateChallenged
	authz.Challenge = c

	fn, err := h.lookup(c.Scheme)
	if errors.Is(err, ErrUnsupportedScheme) {
		h.logger.Warn("unsupported challenge scheme, continuing anonymously", "scheme", c.Scheme, "error", err)
		return authz, nil
	}

	value, err := fn(ctx, h, *c, scope)
	if err != nil {
		return nil, err
	}
	if value != "" {
		authz.Header.Set("Authorization", value)
	}
	authz.State = StateAuthenticated
	return authz, nil
}

// AuthHeader is Authorize reduced to the headers to attach to a request.
func (h *Handler) AuthHeader(ctx context.Context, scope Scope) (http.Header, error) {
	authz, err := h.Authorize(ctx, scope)
	if err != nil {
		return nil, err
	}
	return authz.Header, nil
}

func (h *Handler) lookup(s Scheme) (schemeHandler, error) {
	fn, ok := h.schemes[s]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, s)
	}
	return fn, nil
}

// FetchToken requests a token for scope from the challenge's realm.
// Credentials are sent unless the realm is the public Docker Hub auth
// service, which grants anonymous pull tokens.
func (h *Handler) FetchToken(ctx context.Context, c Challenge, scope Scope) (*Token, error) {
	realm, err := safety.ValidateHTTPURL(c.Realm)
	if err != nil {
		return nil, fmt.Errorf("invalid token realm %q: %w", c.Realm, err)
	}

	q := realm.Query()
	q.Set("scope", scope.String())
	if c.Service != "" {
		q.Set("service", c.Service)
	}
	q.Set("client_id", h.clientID)
	if h.creds.Username != "" {
		q.Set("account", h.creds.Username)
	}
	realm.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	if h.creds.Username != "" && !isOfficialRealm(realm.Hostname()) {
		req.SetBasicAuth(h.creds.Username, h.creds.Password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := safety.CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}

	body, err := safety.ReadAllWithLimit(resp.Body, maxTokenBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.RegistryToken() == "" {
		return nil, fmt.Errorf("token response from %s contains no token", realm.Host)
	}
	if tok.IssuedAt.IsZero() {
		tok.IssuedAt = h.now().UTC()
	}
	h.logger.Debug("obtained registry token", "scope", scope.String(), "expires", tok.Expiration())
	return &tok, nil
}

func bearerAuthorization(ctx context.Context, h *Handler, c Challenge, scope Scope) (string, error) {
	tok, err := h.FetchToken(ctx, c, scope)
	if err != nil {
		return "", err
	}
	return "Bearer " + tok.RegistryToken(), nil
}

func basicAuthorization(_ context.Context, h *Handler, _ Challenge, _ Scope) (string, error) {
	if h.creds.Username == "" {
		return "", nil
	}
	raw := h.creds.Username + ":" + h.creds.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

// isOfficialRealm reports whether host is docker.io or one of its subdomains.
func isOfficialRealm(host string) bool {
	host = strings.ToLower(host)
	return host == "docker.io" || strings.HasSuffix(host, ".docker.io")
}
