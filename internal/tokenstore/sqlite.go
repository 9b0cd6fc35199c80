package tokenstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/majorcontext/envhub/internal/credential/keyring"
)

// timeLayout is fixed-width so rows sort by their text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps tokens in a local SQLite database, encrypted with
// AES-GCM. Every Set appends a row; Get returns the newest one.
type SQLiteStore struct {
	db  *sql.DB
	gcm cipher.AEAD
	now func() time.Time
}

// OpenSQLite opens or creates the database at path, using the key kept for
// keyDir by the keyring package.
func OpenSQLite(path, keyDir string) (*SQLiteStore, error) {
	key, err := keyring.Load(keyDir)
	if err != nil {
		return nil, fmt.Errorf("loading token key: %w", err)
	}
	return OpenSQLiteWithKey(path, key)
}

// OpenSQLiteWithKey is OpenSQLite with an explicit 32-byte key.
func OpenSQLiteWithKey(path string, key []byte) (*SQLiteStore, error) {
	if len(key) != keyring.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keyring.KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating token store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, gcm: gcm, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS repo_tokens (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			user    TEXT NOT NULL,
			repo    TEXT NOT NULL,
			token   BLOB NOT NULL,
			updated TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_repo_tokens_user_repo ON repo_tokens(user, repo);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// Get returns the newest token for (user, repo).
func (s *SQLiteStore) Get(ctx context.Context, user, repo string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token FROM repo_tokens
		WHERE user = ? AND repo = ?
		ORDER BY updated DESC, id DESC LIMIT 1
	`, user, repo)
	var sealed []byte
	if err := row.Scan(&sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: user %s, repo %s", ErrNotFound, user, repo)
		}
		return "", fmt.Errorf("reading token: %w", err)
	}
	return s.open(sealed)
}

// Set stores token for (user, repo).
func (s *SQLiteStore) Set(ctx context.Context, user, repo, token string) error {
	sealed, err := s.seal(token)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repo_tokens (user, repo, token, updated) VALUES (?, ?, ?, ?)
	`, user, repo, sealed, s.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) seal(token string) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, []byte(token), nil), nil
}

func (s *SQLiteStore) open(sealed []byte) (string, error) {
	n := s.gcm.NonceSize()
	if len(sealed) < n {
		return "", errors.New("stored token is truncated")
	}
	plain, err := s.gcm.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting token (was the key rotated?): %w", err)
	}
	return string(plain), nil
}
