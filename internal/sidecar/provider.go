package sidecar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/labels"
	"github.com/majorcontext/envhub/internal/tokenstore"
)

// Provider is a storage integration that may attach a sidecar to a session.
// The set is closed: NoProvider and RDMProvider.
type Provider interface {
	// Name is the value of the opt.provider label selecting this provider.
	Name() string
	// prepare returns the sidecar plan for a session, or nil when the
	// provider needs none.
	prepare(ctx context.Context, m *Manager, imageLabels map[string]string, user, session string) (*Plan, error)
}

// ProviderFor selects the provider declared by an image's labels.
func ProviderFor(imageLabels map[string]string) Provider {
	switch imageLabels[labels.OptPrefix+labels.OptProvider] {
	case ProviderRDM:
		return RDMProvider{}
	default:
		return NoProvider{}
	}
}

// NoProvider is used for plain repository builds.
type NoProvider struct{}

func (NoProvider) Name() string { return "" }

func (NoProvider) prepare(context.Context, *Manager, map[string]string, string, string) (*Plan, error) {
	return nil, nil
}

// ProviderRDM is the opt.provider value of images bridging a GakuNin RDM
// project.
const ProviderRDM = "rdm"

// Environment contract of the rdmfs bridge image.
const (
	EnvNodeID    = "RDM_NODE_ID"
	EnvAPIURL    = "RDM_API_URL"
	EnvToken     = "RDM_TOKEN"
	EnvMountPath = "MOUNT_PATH"
)

// RDMProvider mounts an RDM project through the rdmfs bridge.
type RDMProvider struct{}

func (RDMProvider) Name() string { return ProviderRDM }

func (RDMProvider) prepare(ctx context.Context, m *Manager, imageLabels map[string]string, user, session string) (*Plan, error) {
	opt := labels.Optional(imageLabels)
	repo := opt[labels.OptRepo]

	token, err := m.tokens.Get(ctx, user, repo)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return nil, fmt.Errorf("%w for user %s and repository %s", ErrMissingToken, user, repo)
		}
		return nil, fmt.Errorf("looking up access token: %w", err)
	}

	dir := filepath.Join(m.opts.BasePath, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mount directory: %w", err)
	}

	return &Plan{
		Session: session,
		Image:   m.opts.Image,
		Mount: container.MountConfig{
			Source:      dir,
			Target:      MountTarget,
			Propagation: container.PropagationRShared,
		},
		Env: []string{
			EnvNodeID + "=" + opt[labels.OptRDMNodeID],
			EnvAPIURL + "=" + opt[labels.OptRDMAPIURL],
			EnvToken + "=" + token,
			EnvMountPath + "=" + BridgeMountPath,
		},
	}, nil
}
