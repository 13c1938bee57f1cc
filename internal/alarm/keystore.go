package alarm

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// KeyStore resolves device-bound push identifier keys. The second return
// reports whether a key is stored for the identifier at all; errors are
// reserved for storage failures.
type KeyStore interface {
	Key(pushIdentifierID string) ([]byte, bool, error)
}

// FileKeyStore keeps push identifier keys in a JSON file with owner-only
// permissions. Keys are device secrets; they wrap every session key the
// server sends us.
type FileKeyStore struct {
	path string

	mu   sync.Mutex
	keys map[string][]byte
}

// OpenFileKeyStore loads the key file at path, creating an empty store if
// the file does not exist yet.
func OpenFileKeyStore(path string) (*FileKeyStore, error) {
	s := &FileKeyStore{path: path, keys: make(map[string][]byte)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key store: %w", err)
	}
	if err := json.Unmarshal(data, &s.keys); err != nil {
		return nil, fmt.Errorf("failed to parse key store: %w", err)
	}
	return s, nil
}

func (s *FileKeyStore) Key(pushIdentifierID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[pushIdentifierID]
	return key, ok, nil
}

// Put stores a push identifier key and persists the store.
func (s *FileKeyStore) Put(pushIdentifierID string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[pushIdentifierID] = key
	return s.persistLocked()
}

// Remove drops a push identifier key and persists the store. Removing an
// absent key is not an error.
func (s *FileKeyStore) Remove(pushIdentifierID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[pushIdentifierID]; !ok {
		return nil
	}
	delete(s.keys, pushIdentifierID)
	return s.persistLocked()
}

func (s *FileKeyStore) persistLocked() error {
	data, err := json.MarshalIndent(s.keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace key store: %w", err)
	}
	return nil
}
