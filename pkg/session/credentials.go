package session

import (
	"encoding/base64"
	"strings"
)

// Credentials authenticate both the real-time transport and REST calls.
// They are passed explicitly to every component that needs them; nothing
// reads them from ambient storage.
type Credentials struct {
	Username string
	Password string
}

// Token returns the credentials encoded as a base64 "username:password"
// string, the form kept in client-side storage and compared when detecting
// credential changes.
func (c Credentials) Token() string {
	return base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
}

// Validate rejects credentials that are empty after trimming.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" || strings.TrimSpace(c.Password) == "" {
		return newError(KindInvalidCredentials, "username and password required")
	}
	return nil
}

// ParseToken decodes a base64 "username:password" token.
func ParseToken(token string) (Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return Credentials{}, wrapError(KindInvalidCredentials, "malformed credential token", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Credentials{}, newError(KindInvalidCredentials, "credential token missing separator")
	}
	creds := Credentials{Username: user, Password: pass}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// BasicAuthHeader returns the Authorization header value for HTTP requests.
func (c Credentials) BasicAuthHeader() string {
	return "Basic " + c.Token()
}
