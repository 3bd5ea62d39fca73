package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scheme names an authentication strategy. Deployments differ in what the
// archive download accepts, so API and download schemes are chosen separately.
type Scheme string

const (
	SchemeBasic   Scheme = "basic"
	SchemeToken   Scheme = "token"
	SchemeSession Scheme = "session" // log in once, then send the returned key as a token
	SchemeNone    Scheme = "none"
)

// ParseScheme validates a scheme name. Empty means basic.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemeBasic:
		return SchemeBasic, nil
	case SchemeToken:
		return SchemeToken, nil
	case SchemeSession:
		return SchemeSession, nil
	case SchemeNone:
		return SchemeNone, nil
	default:
		return "", fmt.Errorf("unknown auth scheme %q (want basic, token, session or none)", s)
	}
}

// Credentials are held in memory for a single run.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Authenticator decorates outgoing requests with credentials.
type Authenticator interface {
	Authenticate(req *http.Request)
}

// BasicAuth sends HTTP Basic credentials.
type BasicAuth struct {
	Username string
	Password string
}

func (a BasicAuth) Authenticate(req *http.Request) {
	req.SetBasicAuth(a.Username, a.Password)
}

// TokenAuth sends "Authorization: Token <key>".
type TokenAuth struct {
	Token string
}

func (a TokenAuth) Authenticate(req *http.Request) {
	req.Header.Set("Authorization", "Token "+a.Token)
}

// NoAuth leaves requests untouched.
type NoAuth struct{}

func (NoAuth) Authenticate(*http.Request) {}

var errMissingCredentials = errors.New("missing credentials")

// NewAuthenticator builds the Authenticator for scheme. SchemeSession logs in
// through c and reuses the returned key for every later request.
func NewAuthenticator(ctx context.Context, c *Client, scheme Scheme, creds Credentials) (Authenticator, error) {
	switch scheme {
	case SchemeBasic:
		if creds.Username == "" {
			return nil, fmt.Errorf("basic auth: %w: username is required", errMissingCredentials)
		}
		return BasicAuth{Username: creds.Username, Password: creds.Password}, nil
	case SchemeToken:
		if creds.Token == "" {
			return nil, fmt.Errorf("token auth: %w: token is required", errMissingCredentials)
		}
		return TokenAuth{Token: creds.Token}, nil
	case SchemeSession:
		if creds.Username == "" {
			return nil, fmt.Errorf("session auth: %w: username is required", errMissingCredentials)
		}
		key, err := c.Login(ctx, creds.Username, creds.Password)
		if err != nil {
			return nil, fmt.Errorf("session auth: %w", err)
		}
		return TokenAuth{Token: key}, nil
	case SchemeNone:
		return NoAuth{}, nil
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", scheme)
	}
}
