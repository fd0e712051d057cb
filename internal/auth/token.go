package auth

import "time"

// defaultExpiresIn is assumed when the token endpoint omits expires_in.
const defaultExpiresIn = 60

// Token is the token endpoint's JSON response.
type Token struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresIn   int       `json:"expires_in,omitempty"`
	IssuedAt    time.Time `json:"issued_at,omitempty"`
}

// RegistryToken prefers access_token over token.
func (t Token) RegistryToken() string {
	if t.AccessToken != "" {
		return t.AccessToken
	}
	return t.Token
}

// Expiration is IssuedAt + ExpiresIn in UTC.
func (t Token) Expiration() time.Time {
	expiresIn := t.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	return t.IssuedAt.UTC().Add(time.Duration(expiresIn) * time.Second)
}
