package tokenstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// DefaultSecretPrefix namespaces envhub's secrets.
const DefaultSecretPrefix = "envhub/tokens/"

// SecretsManagerAPI is the subset of the Secrets Manager client used here
// (enables testing).
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
}

// SecretsManagerStore keeps one secret per (user, repo) in AWS Secrets
// Manager. Secret versions give "latest wins" for free.
type SecretsManagerStore struct {
	client SecretsManagerAPI
	prefix string
}

// NewSecretsManager creates a store using the default AWS credential chain.
func NewSecretsManager(ctx context.Context, region, prefix string) (*SecretsManagerStore, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg), prefix), nil
}

// NewSecretsManagerWithClient creates a store on an existing client.
func NewSecretsManagerWithClient(client SecretsManagerAPI, prefix string) *SecretsManagerStore {
	if prefix == "" {
		prefix = DefaultSecretPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &SecretsManagerStore{client: client, prefix: prefix}
}

// secretName maps (user, repo) to a valid secret name. Repository URLs
// contain characters secret names do not allow, so the repo is hashed.
func (s *SecretsManagerStore) secretName(user, repo string) string {
	sum := sha256.Sum256([]byte(repo))
	return s.prefix + user + "/" + hex.EncodeToString(sum[:16])
}

// Get returns the current secret value for (user, repo).
func (s *SecretsManagerStore) Get(ctx context.Context, user, repo string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretName(user, repo)),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: user %s, repo %s", ErrNotFound, user, repo)
		}
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return aws.ToString(out.SecretString), nil
}

// Set writes a new secret version, creating the secret on first use.
func (s *SecretsManagerStore) Set(ctx context.Context, user, repo, token string) error {
	name := s.secretName(user, repo)
	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(token),
	})
	if err == nil {
		return nil
	}
	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return fmt.Errorf("writing secret: %w", err)
	}

	_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(token),
		Description:  aws.String("envhub access token for " + repo),
		Tags: []types.Tag{
			{Key: aws.String("envhub:user"), Value: aws.String(user)},
		},
	})
	if err != nil {
		return fmt.Errorf("creating secret: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *SecretsManagerStore) Close() error { return nil }
