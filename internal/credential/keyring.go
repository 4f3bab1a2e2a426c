package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"

	"github.com/nhle/helpdesk/internal/model"
)

const serviceName = "helpdesk"

// KeyringStore persists the session in the system keyring.
type KeyringStore struct {
	mu   sync.Mutex
	ring keyring.Keyring
}

// openKeyring returns a configured keyring instance.
func openKeyring(fileDir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("helpdesk-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// NewKeyringStore opens the system keyring. fileDir is used only when the
// encrypted file backend is selected.
func NewKeyringStore(fileDir string) (*KeyringStore, error) {
	ring, err := openKeyring(fileDir)
	if err != nil {
		return nil, err
	}
	return NewKeyringStoreWith(ring), nil
}

// NewKeyringStoreWith wraps an already opened keyring.
func NewKeyringStoreWith(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// Load retrieves the persisted token and user.
func (s *KeyringStore) Load(_ context.Context) (model.PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.get(KeyToken)
	if err != nil {
		return model.PersistedSession{}, err
	}
	user, err := s.get(KeyUser)
	if err != nil {
		return model.PersistedSession{}, err
	}
	return model.PersistedSession{Token: token, User: user}, nil
}

// Save writes both entries. If the second write fails the first is rolled
// back so the pair never diverges.
func (s *KeyringStore) Save(_ context.Context, p model.PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevToken, err := s.get(KeyToken)
	if err != nil {
		return err
	}

	if err := s.set(KeyToken, p.Token); err != nil {
		return err
	}
	if err := s.set(KeyUser, p.User); err != nil {
		if rbErr := s.set(KeyToken, prevToken); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rolling back token: %w", rbErr))
		}
		return err
	}
	return nil
}

// Clear removes both entries.
func (s *KeyringStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Join(s.remove(KeyToken), s.remove(KeyUser))
}

// get retrieves a credential value by key. A missing key is not an error.
func (s *KeyringStore) get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// set stores a credential value by key. An empty value removes the key.
func (s *KeyringStore) set(key string, value string) error {
	if value == "" {
		return s.remove(key)
	}

	err := s.ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// remove deletes a credential by key. A missing key is not an error.
func (s *KeyringStore) remove(key string) error {
	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
