// Package credential persists the session token and the cached user
// profile across restarts.
package credential

import (
	"context"
	"fmt"

	"github.com/nhle/helpdesk/internal/model"
	"github.com/nhle/helpdesk/internal/store"
)

// Entry names shared by every backend.
const (
	KeyToken = "token"
	KeyUser  = "user"
)

// Store is durable storage for the token/user pair. Implementations write
// and clear both entries together. Missing entries load as empty strings.
type Store interface {
	Load(ctx context.Context) (model.PersistedSession, error)
	Save(ctx context.Context, p model.PersistedSession) error
	Clear(ctx context.Context) error
}

// Closer is implemented by backends holding an open resource.
type Closer interface {
	Close() error
}

// Open returns the backend selected by cfg.
func Open(cfg model.CredentialsConfig) (Store, error) {
	switch cfg.Backend {
	case model.CredentialBackendKeyring:
		return NewKeyringStore(cfg.FileDir)
	case model.CredentialBackendSQLite:
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening session database: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown credential backend %q", cfg.Backend)
	}
}
