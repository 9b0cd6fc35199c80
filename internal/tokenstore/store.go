// Package tokenstore keeps per-(user, repository) access tokens used to
// mount remote storage into sessions.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrNotFound is returned when no token is stored for a (user, repo) pair.
var ErrNotFound = errors.New("token not found")

// Store is a key-value store of access tokens keyed by (user, repo).
type Store interface {
	// Get returns the most recently stored token, or ErrNotFound.
	Get(ctx context.Context, user, repo string) (string, error)
	// Set stores token, replacing any previous one for the pair.
	Set(ctx context.Context, user, repo, token string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite         = "sqlite"
	BackendSecretsManager = "secretsmanager"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// StateDir holds the sqlite database and the fallback key file.
	StateDir string
	// Path overrides the sqlite database location.
	Path string
	// Region and Prefix configure the Secrets Manager backend.
	Region string
	Prefix string
}

// Open returns the backend named in opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		path := opts.Path
		if path == "" {
			path = filepath.Join(opts.StateDir, "tokens.db")
		}
		return OpenSQLite(path, opts.StateDir)
	case BackendSecretsManager:
		return NewSecretsManager(ctx, opts.Region, opts.Prefix)
	default:
		return nil, fmt.Errorf("unknown token store backend %q", opts.Backend)
	}
}
