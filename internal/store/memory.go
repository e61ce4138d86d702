package store

import "sync"

// MemoryStore keeps session state in process memory. It backs tests and
// short-lived CLI invocations that should not persist credentials.
type MemoryStore struct {
	mu       sync.Mutex
	access   string
	refresh  string
	scope    string
	verifier string
	state    string
	notifier notifier
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetAccessToken stores the access token.
func (s *MemoryStore) SetAccessToken(token string) error {
	s.mu.Lock()
	s.access = token
	s.mu.Unlock()
	return nil
}

// SetRefreshToken stores the refresh token.
func (s *MemoryStore) SetRefreshToken(token string) error {
	s.mu.Lock()
	s.refresh = token
	s.mu.Unlock()
	return nil
}

// AccessToken returns the stored access token.
func (s *MemoryStore) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access
}

// RefreshToken returns the stored refresh token.
func (s *MemoryStore) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh
}

// IsAuthenticated reports whether an access token is present.
func (s *MemoryStore) IsAuthenticated() bool {
	return s.AccessToken() != ""
}

// SetResourceScope stores the OAuth resource scope.
func (s *MemoryStore) SetResourceScope(scope string) error {
	s.mu.Lock()
	s.scope = scope
	s.mu.Unlock()
	return nil
}

// ResourceScope returns the stored resource scope.
func (s *MemoryStore) ResourceScope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// SetPKCETransaction records the verifier and state for a new login attempt.
func (s *MemoryStore) SetPKCETransaction(verifier, state string) error {
	s.mu.Lock()
	s.verifier = verifier
	s.state = state
	s.mu.Unlock()
	return nil
}

// PKCETransaction returns the current transaction without consuming it.
func (s *MemoryStore) PKCETransaction() PKCETransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PKCETransaction{CodeVerifier: s.verifier, State: s.state, ResourceScope: s.scope}
}

// ConsumePKCETransaction returns the transaction and deletes its artifacts.
func (s *MemoryStore) ConsumePKCETransaction() (PKCETransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := PKCETransaction{CodeVerifier: s.verifier, State: s.state, ResourceScope: s.scope}
	s.verifier = ""
	s.state = ""
	s.scope = ""
	return txn, nil
}

// ClearAll removes all session state and notifies subscribers.
func (s *MemoryStore) ClearAll() error {
	s.mu.Lock()
	s.access = ""
	s.refresh = ""
	s.scope = ""
	s.verifier = ""
	s.state = ""
	s.mu.Unlock()
	s.notifier.notify()
	return nil
}

// Subscribe returns a channel receiving auth-state-changed signals.
func (s *MemoryStore) Subscribe() <-chan struct{} {
	return s.notifier.subscribe()
}
