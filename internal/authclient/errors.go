package authclient

import "fmt"

// StateMismatchError indicates the callback state does not match the state
// recorded at login start. This is the anti-CSRF defense; the only recovery
// is restarting the login.
type StateMismatchError struct{}

func (e *StateMismatchError) Error() string {
	return "auth: state parameter mismatch, possible CSRF or stale login attempt"
}

// MissingVerifierError indicates no PKCE code verifier is on record: the
// transaction was already consumed or a login was never started.
type MissingVerifierError struct{}

func (e *MissingVerifierError) Error() string {
	return "auth: no code verifier on record, login transaction consumed or never started"
}

// TokenExchangeError wraps a failed token-endpoint response.
type TokenExchangeError struct {
	StatusCode int
	Body       string
}

func (e *TokenExchangeError) Error() string {
	if e == nil {
		return "auth: token exchange failed"
	}
	return fmt.Sprintf("auth: token exchange failed with status %d: %s", e.StatusCode, e.Body)
}

// AuthenticationRequiredError indicates an authenticated operation was
// invoked without a session.
type AuthenticationRequiredError struct{}

func (e *AuthenticationRequiredError) Error() string {
	return "auth: authentication required"
}
