// Package keyring keeps the key that encrypts stored access tokens.
//
// The key lives in the system keychain when one is available. Headless hosts
// (servers, containers) fall back to a 0600 file in the envhub state
// directory. Key creation is serialized across processes with a lock file
// next to the key file so two hub processes starting together agree on one
// key.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/majorcontext/envhub/internal/log"
)

const (
	// DefaultService is the keychain service name. ENVHUB_KEYRING_SERVICE
	// overrides it, mainly so tests do not touch the real entry.
	DefaultService = "envhub"
	// Account is the keychain account holding the key.
	Account = "token-encryption-key"
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// KeyFile is the fallback key file name inside the state directory.
	KeyFile = "token.key"
)

// ErrInsecurePermissions is returned when the key file is readable by
// anyone but its owner.
var ErrInsecurePermissions = errors.New("key file has insecure permissions")

// Backend stores a single key.
type Backend interface {
	Get() ([]byte, error)
	Set(key []byte) error
	Delete() error
	Name() string
}

func service() string {
	if s := os.Getenv("ENVHUB_KEYRING_SERVICE"); s != "" {
		return s
	}
	return DefaultService
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: expected %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Keychain returns the system keychain backend.
func Keychain() Backend { return keychainBackend{} }

type keychainBackend struct{}

func (keychainBackend) Get() ([]byte, error) {
	s, err := keyring.Get(service(), Account)
	if err != nil {
		return nil, fmt.Errorf("keychain get: %w", err)
	}
	return decodeKey(s)
}

// Set does not replace a key another process already stored.
func (keychainBackend) Set(key []byte) error {
	if _, err := keyring.Get(service(), Account); err == nil {
		return nil
	}
	if err := keyring.Set(service(), Account, encodeKey(key)); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

func (keychainBackend) Delete() error {
	if err := keyring.Delete(service(), Account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keychain delete: %w", err)
	}
	return nil
}

func (keychainBackend) Name() string { return "system keychain" }

// File returns a backend storing the key at path.
func File(path string) Backend { return fileBackend{path: path} }

type fileBackend struct {
	path string
}

func (f fileBackend) Get() ([]byte, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o, expected 0600; stored tokens should be treated as exposed",
			ErrInsecurePermissions, f.path, perm)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return decodeKey(string(data))
}

// Set does not replace an existing key file.
func (f fileBackend) Set(key []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	fd, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	if _, err := fd.WriteString(encodeKey(key)); err != nil {
		fd.Close()
		return fmt.Errorf("writing key file: %w", err)
	}
	return fd.Close()
}

func (f fileBackend) Delete() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting key file: %w", err)
	}
	return nil
}

func (f fileBackend) Name() string { return "file (" + f.path + ")" }

func generateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// GetOrCreate returns the existing key from primary or fallback, creating
// and storing a new one when neither has it. The stored key is re-read
// before returning so that a concurrently created key wins.
func GetOrCreate(primary, fallback Backend) ([]byte, error) {
	if key, err := primary.Get(); err == nil {
		return key, nil
	}
	if key, err := fallback.Get(); err == nil {
		return key, nil
	} else if errors.Is(err, ErrInsecurePermissions) {
		return nil, err
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	perr := primary.Set(key)
	if perr == nil {
		return primary.Get()
	}
	log.Info("system keychain unavailable, storing token key on disk", "path", fallback.Name(), "reason", perr)
	if ferr := fallback.Set(key); ferr != nil {
		return nil, fmt.Errorf("storing token key: %w", errors.Join(
			fmt.Errorf("%s: %w", primary.Name(), perr),
			fmt.Errorf("%s: %w", fallback.Name(), ferr),
		))
	}
	return fallback.Get()
}

// Load returns the token encryption key for the state directory dir,
// creating it on first use.
func Load(dir string) ([]byte, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	unlock, err := lockPath(filepath.Join(dir, "key.lock"))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return GetOrCreate(Keychain(), File(filepath.Join(dir, KeyFile)))
}
