// Package sidecar manages the filesystem bridge container that runs next to
// a session container when the session's image declares a storage provider.
//
// Per session the lifecycle is: no sidecar, mount prepared (Prepare), sidecar
// running (ReconcileExisting then CreateAndStart), and back to none after
// Teardown. A sidecar is identified only by its name, the session container
// name plus Suffix, so at most one exists per session.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/log"
)

const (
	// Suffix is appended to the session container name to name its sidecar.
	Suffix = "_rdmfs"
	// DefaultImage is the rdmfs bridge image.
	DefaultImage = "gcr.io/nii-ap-ops/rdmfs:2024.12.0"
	// DefaultBasePath is the host directory holding per-session mount points.
	DefaultBasePath = "/mnt/rdmfs"
	// MountTarget is where the host mount directory appears in both the
	// sidecar and the session container.
	MountTarget = "/mnt"
	// BridgeMountPath is where the bridge mounts the remote storage.
	BridgeMountPath = "/mnt/rdm"
)

// ErrMissingToken means the user has no stored access token for the
// repository the image was built from.
var ErrMissingToken = errors.New("no access token stored")

// terminateCmd asks the bridge to unmount and exit.
var terminateCmd = []string{"/bin/sh", "-c", "xattr -w command terminate " + BridgeMountPath}

// TokenSource looks up access tokens. tokenstore.Store implements it.
type TokenSource interface {
	Get(ctx context.Context, user, repo string) (string, error)
}

// Options configures a Manager. Zero fields take the Default* values.
type Options struct {
	Image    string
	BasePath string
}

// Plan is a prepared sidecar: the bind mount shared with the session and
// the bridge environment.
type Plan struct {
	Session string
	Image   string
	Mount   container.MountConfig
	Env     []string
}

// Name returns the sidecar container name.
func (p *Plan) Name() string { return Name(p.Session) }

// Name returns the sidecar container name for a session container name.
func Name(session string) string { return session + Suffix }

// Manager creates and removes sidecars.
type Manager struct {
	rt     container.Runtime
	tokens TokenSource
	opts   Options

	// starting counts in-progress session starts by session name. Sweep
	// leaves their sidecars alone.
	mu       sync.Mutex
	starting map[string]int
}

// New creates a Manager.
func New(rt container.Runtime, tokens TokenSource, opts Options) *Manager {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.BasePath == "" {
		opts.BasePath = DefaultBasePath
	}
	return &Manager{rt: rt, tokens: tokens, opts: opts, starting: make(map[string]int)}
}

// Claim marks session as being started until release is called. A sidecar
// whose session container does not exist yet is not an orphan while its
// session is claimed.
func (m *Manager) Claim(session string) (release func()) {
	m.mu.Lock()
	m.starting[session]++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.starting[session]--; m.starting[session] <= 0 {
				delete(m.starting, session)
			}
		})
	}
}

func (m *Manager) claimed(session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starting[session] > 0
}

// Prepare resolves the provider declared by imageLabels and, if it needs a
// sidecar, looks up the user's token and creates the host mount directory.
// It returns nil when the session needs no sidecar.
func (m *Manager) Prepare(ctx context.Context, imageLabels map[string]string, user, session string) (*Plan, error) {
	p := ProviderFor(imageLabels)
	plan, err := p.prepare(ctx, m, imageLabels, user, session)
	if err != nil {
		return nil, err
	}
	if plan != nil {
		log.Debug("sidecar mount prepared", "provider", p.Name(), "session", session, "dir", plan.Mount.Source)
	}
	return plan, nil
}

// ReconcileExisting removes any sidecar left over from an earlier session
// with the same name.
func (m *Manager) ReconcileExisting(ctx context.Context, session string) error {
	name := Name(session)
	c, err := m.rt.InspectContainer(ctx, name)
	switch {
	case err == nil:
	case container.IsNotFound(err):
		return nil
	case container.IsUnhealthy(err):
		log.Warn("engine error looking up stale sidecar, treating it as gone", "name", name, "error", err)
		return nil
	default:
		return fmt.Errorf("looking up sidecar %s: %w", name, err)
	}
	log.Info("removing stale sidecar", "name", name, "status", c.Status)
	return m.remove(ctx, c.ID, name, true)
}

// CreateAndStart creates and starts the sidecar described by plan and
// returns its container ID.
func (m *Manager) CreateAndStart(ctx context.Context, plan *Plan) (string, error) {
	name := plan.Name()
	id, err := m.rt.CreateContainer(ctx, container.Config{
		Name:       name,
		Image:      plan.Image,
		Env:        plan.Env,
		Mounts:     []container.MountConfig{plan.Mount},
		Privileged: true,
		AutoRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("creating sidecar %s: %w", name, err)
	}
	if err := m.rt.StartContainer(ctx, id); err != nil {
		// Auto-remove only applies after a start, so clean up here.
		_ = m.remove(context.WithoutCancel(ctx), id, name, true)
		return "", fmt.Errorf("starting sidecar %s: %w", name, err)
	}
	log.Info("sidecar started", "name", name, "image", plan.Image)
	return id, nil
}

// Teardown stops the session's sidecar. A running sidecar is asked to
// unmount and exit on its own (it removes itself on exit); a stopped one is
// deleted. A missing sidecar is not an error.
func (m *Manager) Teardown(ctx context.Context, session string) error {
	name := Name(session)
	c, err := m.rt.InspectContainer(ctx, name)
	switch {
	case err == nil:
	case container.IsNotFound(err):
		log.Debug("no sidecar to tear down", "name", name)
		return nil
	case container.IsUnhealthy(err):
		log.Warn("engine error looking up sidecar, treating it as gone", "name", name, "error", err)
		return nil
	default:
		return fmt.Errorf("looking up sidecar %s: %w", name, err)
	}

	if !c.Running {
		return m.remove(ctx, c.ID, name, false)
	}

	if err := m.rt.ExecDetached(ctx, c.ID, terminateCmd); err != nil {
		if benign(err) {
			log.Debug("sidecar went away before terminate", "name", name, "error", err)
			return nil
		}
		return fmt.Errorf("terminating sidecar %s: %w", name, err)
	}
	log.Info("sidecar terminate requested", "name", name)
	return nil
}

// ForceRemove deletes the session's sidecar regardless of state.
func (m *Manager) ForceRemove(ctx context.Context, session string) error {
	name := Name(session)
	return m.remove(ctx, name, name, true)
}

// remove deletes a container, absorbing the races expected during
// teardown: already gone, removal already in progress, or an engine that
// reports an internal error for an object it is discarding.
func (m *Manager) remove(ctx context.Context, id, name string, force bool) error {
	err := m.rt.RemoveContainer(ctx, id, force)
	switch {
	case err == nil:
		log.Debug("sidecar removed", "name", name)
		return nil
	case benign(err):
		log.Debug("sidecar removal raced", "name", name, "error", err)
		return nil
	case container.IsUnhealthy(err):
		log.Warn("engine error removing sidecar", "name", name, "error", err)
		return nil
	default:
		return fmt.Errorf("removing sidecar %s: %w", name, err)
	}
}

func benign(err error) bool {
	return container.IsNotFound(err) || container.IsConflict(err)
}
