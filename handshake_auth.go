package main

import (
	"errors"
	"net/http"
	"strings"

	"netwire/hub/internal/auth"
)

// handshakeAuthenticator inspects the upgrade request for credentials. A nil
// claims result with a nil error means no token was presented and the client
// must authenticate in-band.
type handshakeAuthenticator interface {
	Authenticate(r *http.Request) (*auth.Claims, error)
}

type tokenHandshakeAuthenticator struct {
	verifier *auth.Verifier
}

func newTokenHandshakeAuthenticator(verifier *auth.Verifier) handshakeAuthenticator {
	return &tokenHandshakeAuthenticator{verifier: verifier}
}

// Authenticate reads the auth_token query parameter or X-Auth-Token header.
func (a *tokenHandshakeAuthenticator) Authenticate(r *http.Request) (*auth.Claims, error) {
	if a == nil || a.verifier == nil {
		return nil, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		//1.- Absent credentials are not an error; in-band auth still applies.
		return nil, nil
	}
	return a.verifier.Verify(token)
}
