package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// sessionFile is the on-disk JSON layout. Five string-valued keys, all
// cleared together on logout.
type sessionFile struct {
	AccessToken   string `json:"access_token,omitempty"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	CodeVerifier  string `json:"pkce_code_verifier,omitempty"`
	State         string `json:"pkce_state,omitempty"`
	ResourceScope string `json:"resource_scope,omitempty"`
}

// FileStore persists session state as a single JSON file on disk. Reads are
// served from an in-memory snapshot; every mutation rewrites the file with
// owner-only permissions.
type FileStore struct {
	mu       sync.Mutex
	path     string
	data     sessionFile
	notifier notifier
}

// NewFileStore creates a file-backed token store at path, loading any
// existing session file. A missing file is an empty session, not an error.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("session filestore: path is empty")
	}
	s := &FileStore{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the session file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session filestore: read failed: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var data sessionFile
	if err = json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("session filestore: unmarshal failed: %w", err)
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// persist writes the current snapshot. Callers must hold s.mu.
func (s *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("session filestore: create dir failed: %w", err)
	}
	raw, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("session filestore: marshal failed: %w", err)
	}
	if err = os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("session filestore: write failed: %w", err)
	}
	return nil
}

// SetAccessToken stores the access token.
func (s *FileStore) SetAccessToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.AccessToken = token
	return s.persist()
}

// SetRefreshToken stores the refresh token.
func (s *FileStore) SetRefreshToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.RefreshToken = token
	return s.persist()
}

// AccessToken returns the stored access token.
func (s *FileStore) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.AccessToken
}

// RefreshToken returns the stored refresh token.
func (s *FileStore) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.RefreshToken
}

// IsAuthenticated reports whether an access token is present.
func (s *FileStore) IsAuthenticated() bool {
	return s.AccessToken() != ""
}

// SetResourceScope stores the OAuth resource scope.
func (s *FileStore) SetResourceScope(scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ResourceScope = scope
	return s.persist()
}

// ResourceScope returns the stored resource scope.
func (s *FileStore) ResourceScope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ResourceScope
}

// SetPKCETransaction records the verifier and state for a new login attempt,
// overwriting any transaction left by an earlier one.
func (s *FileStore) SetPKCETransaction(verifier, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.CodeVerifier = verifier
	s.data.State = state
	return s.persist()
}

// PKCETransaction returns the current transaction without consuming it.
func (s *FileStore) PKCETransaction() PKCETransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PKCETransaction{
		CodeVerifier:  s.data.CodeVerifier,
		State:         s.data.State,
		ResourceScope: s.data.ResourceScope,
	}
}

// ConsumePKCETransaction returns the transaction and deletes the verifier,
// state and resource scope in one step.
func (s *FileStore) ConsumePKCETransaction() (PKCETransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := PKCETransaction{
		CodeVerifier:  s.data.CodeVerifier,
		State:         s.data.State,
		ResourceScope: s.data.ResourceScope,
	}
	s.data.CodeVerifier = ""
	s.data.State = ""
	s.data.ResourceScope = ""
	if err := s.persist(); err != nil {
		return txn, err
	}
	return txn, nil
}

// ClearAll removes all session state and notifies subscribers.
func (s *FileStore) ClearAll() error {
	s.mu.Lock()
	s.data = sessionFile{}
	err := s.persist()
	s.mu.Unlock()
	s.notifier.notify()
	return err
}

// Subscribe returns a channel receiving auth-state-changed signals.
func (s *FileStore) Subscribe() <-chan struct{} {
	return s.notifier.subscribe()
}

// reload re-reads the session file and notifies subscribers. Used by the
// watcher when another process rewrites the file.
func (s *FileStore) reload() error {
	if err := s.load(); err != nil {
		return err
	}
	s.notifier.notify()
	return nil
}
