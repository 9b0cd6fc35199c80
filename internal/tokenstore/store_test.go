package tokenstore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteWithKey(filepath.Join(t.TempDir(), "tokens.db"), bytes.Repeat([]byte{5}, 32))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	_, err := s.Get(ctx, "alice", "https://rdm.example/abc/")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "alice", "https://rdm.example/abc/", "first"))
	got, err := s.Get(ctx, "alice", "https://rdm.example/abc/")
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	// Other users and repos are independent.
	_, err = s.Get(ctx, "bob", "https://rdm.example/abc/")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "alice", "https://rdm.example/xyz/")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_LatestWins(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	s.now = func() time.Time { step++; return base.Add(time.Duration(step) * time.Second) }

	require.NoError(t, s.Set(ctx, "alice", "repo", "old"))
	require.NoError(t, s.Set(ctx, "alice", "repo", "new"))

	got, err := s.Get(ctx, "alice", "repo")
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestSQLiteStore_EncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	require.NoError(t, s.Set(ctx, "alice", "repo", "plaintext-token"))

	var raw []byte
	require.NoError(t, s.db.QueryRow(`SELECT token FROM repo_tokens`).Scan(&raw))
	assert.NotContains(t, string(raw), "plaintext-token")
}

func TestSQLiteStore_WrongKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	s, err := OpenSQLiteWithKey(path, bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "alice", "repo", "tok"))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteWithKey(path, bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get(ctx, "alice", "repo")
	assert.ErrorContains(t, err, "decrypting token")
}

func TestOpenSQLiteWithKey_BadKey(t *testing.T) {
	_, err := OpenSQLiteWithKey(filepath.Join(t.TempDir(), "tokens.db"), []byte("short"))
	assert.Error(t, err)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "etcd"})
	assert.ErrorContains(t, err, "unknown token store backend")
}

// fakeSecrets is an in-memory SecretsManagerAPI.
type fakeSecrets struct {
	mu      sync.Mutex
	secrets map[string]string
	creates int
	err     error
}

func (f *fakeSecrets) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func (f *fakeSecrets) PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.SecretId)
	if _, ok := f.secrets[id]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	f.secrets[id] = aws.ToString(in.SecretString)
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (f *fakeSecrets) CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.secrets[aws.ToString(in.Name)] = aws.ToString(in.SecretString)
	return &secretsmanager.CreateSecretOutput{Name: in.Name}, nil
}

func TestSecretsManagerStore(t *testing.T) {
	ctx := context.Background()
	fake := &fakeSecrets{secrets: map[string]string{}}
	s := NewSecretsManagerWithClient(fake, "team/envhub")

	_, err := s.Get(ctx, "alice", "https://rdm.example/abc/")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "alice", "https://rdm.example/abc/", "one"))
	require.NoError(t, s.Set(ctx, "alice", "https://rdm.example/abc/", "two"))
	assert.Equal(t, 1, fake.creates)

	got, err := s.Get(ctx, "alice", "https://rdm.example/abc/")
	require.NoError(t, err)
	assert.Equal(t, "two", got)

	for name := range fake.secrets {
		assert.Regexp(t, `^team/envhub/alice/[0-9a-f]{32}$`, name)
	}
}

func TestSecretsManagerStore_OtherErrors(t *testing.T) {
	fake := &fakeSecrets{secrets: map[string]string{}, err: errors.New("throttled")}
	s := NewSecretsManagerWithClient(fake, "")

	_, err := s.Get(context.Background(), "alice", "repo")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorContains(t, err, "throttled")
}
