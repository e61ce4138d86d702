// Package store manages the persisted authentication session state: access
// and refresh tokens, the transient PKCE transaction recorded at login start,
// and the OAuth resource scope granted by the counterpart application. It
// offers a file-backed implementation for real sessions and an in-memory one
// for tests, plus an in-process change notification channel so other
// components can react when the session is cleared.
package store

import "sync"

// PKCETransaction captures the transient artifacts of one login attempt. It
// is written when the authorization URL is built and consumed exactly once at
// token-exchange time. A second login before the first callback completes
// overwrites it (last-write-wins).
type PKCETransaction struct {
	CodeVerifier  string `json:"code_verifier,omitempty"`
	State         string `json:"state,omitempty"`
	ResourceScope string `json:"resource_scope,omitempty"`
}

// TokenStore abstracts persistence of session tokens and PKCE artifacts.
// All operations are synchronous local reads and writes; the only shared
// mutable state in the system lives behind this interface.
type TokenStore interface {
	// SetAccessToken stores the access token.
	SetAccessToken(token string) error
	// SetRefreshToken stores the refresh token.
	SetRefreshToken(token string) error
	// AccessToken returns the stored access token, empty when absent.
	AccessToken() string
	// RefreshToken returns the stored refresh token, empty when absent.
	RefreshToken() string
	// IsAuthenticated reports whether an access token is present. Token
	// presence is the sole authentication predicate; validity is the
	// server's call.
	IsAuthenticated() bool
	// SetResourceScope stores the OAuth resource scope granted by the
	// counterpart application.
	SetResourceScope(scope string) error
	// ResourceScope returns the stored resource scope, empty when absent.
	ResourceScope() string
	// SetPKCETransaction records the verifier and state for the login
	// attempt being started, overwriting any previous transaction.
	SetPKCETransaction(verifier, state string) error
	// PKCETransaction returns the current transaction without consuming it.
	PKCETransaction() PKCETransaction
	// ConsumePKCETransaction returns the current transaction and deletes
	// the verifier, state and resource scope in the same step. The second
	// call observes an empty transaction.
	ConsumePKCETransaction() (PKCETransaction, error)
	// ClearAll removes tokens and PKCE artifacts together and emits the
	// auth-state-changed notification.
	ClearAll() error
	// Subscribe returns a channel that receives a signal whenever the
	// authentication state changes.
	Subscribe() <-chan struct{}
}

// notifier fans a change signal out to subscribers. Sends never block; a
// subscriber that has not drained its buffered slot simply coalesces the
// pending signals into one.
type notifier struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (n *notifier) subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
