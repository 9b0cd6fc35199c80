// Package session starts and stops users' notebook containers, wrapping the
// container calls with per-image resource limits and storage sidecars.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/limits"
	"github.com/majorcontext/envhub/internal/log"
	"github.com/majorcontext/envhub/internal/sidecar"
)

// Defaults for Options.
const (
	DefaultNamePrefix = "jupyter-"
	DefaultPort       = 8888
	DefaultHostIP     = "127.0.0.1"
)

// Labels set on session containers.
const (
	LabelUser = "envhub.user"
	LabelRole = "envhub.role"
	roleValue = "session"
)

// DefaultCmd is the single-user server command.
var DefaultCmd = []string{"jupyterhub-singleuser"}

var (
	// ErrAlreadyRunning is returned by Start when the user's session
	// container is running.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrNoImage is returned by Start when no image was chosen.
	ErrNoImage = errors.New("no image selected")
)

// Options configures a Spawner.
type Options struct {
	Limits     limits.Defaults
	NamePrefix string
	Cmd        []string
	Port       int
	HostIP     string
	// Mounts are added to every session container.
	Mounts []container.MountConfig
}

// Spec is a session start request.
type Spec struct {
	User string
	// Image is the environment image, the form's user_options["image"].
	Image string
	Env   map[string]string
}

// Session describes a started session.
type Session struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	User      string              `json:"user"`
	Image     string              `json:"image"`
	Resources container.Resources `json:"resources"`
	// Sidecar is the bridge container name, empty when there is none.
	Sidecar string `json:"sidecar,omitempty"`
}

// Spawner runs the session lifecycle: resolve limits, prepare and start a
// sidecar if the image asks for one, then start the session container.
// Stop runs the reverse. Calls for one user must not overlap.
type Spawner struct {
	rt       container.Runtime
	sidecars *sidecar.Manager
	opts     Options
}

// New creates a Spawner.
func New(rt container.Runtime, sidecars *sidecar.Manager, opts Options) *Spawner {
	if opts.NamePrefix == "" {
		opts.NamePrefix = DefaultNamePrefix
	}
	if len(opts.Cmd) == 0 {
		opts.Cmd = DefaultCmd
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.HostIP == "" {
		opts.HostIP = DefaultHostIP
	}
	return &Spawner{rt: rt, sidecars: sidecars, opts: opts}
}

// ContainerName returns the session container name for user.
func (s *Spawner) ContainerName(user string) string {
	return s.opts.NamePrefix + escapeName(user)
}

// Start starts a session. Failures before the sidecar exists leave nothing
// behind; failures after it started remove it again.
func (s *Spawner) Start(ctx context.Context, spec Spec) (*Session, error) {
	if spec.User == "" {
		return nil, errors.New("user is required")
	}
	if spec.Image == "" {
		return nil, ErrNoImage
	}
	name := s.ContainerName(spec.User)
	logger := log.ForSession(name, spec.User)

	// Until the session container exists, its sidecar would look orphaned.
	release := s.sidecars.Claim(name)
	defer release()

	if err := s.clearStopped(ctx, name); err != nil {
		return nil, err
	}

	img, err := s.rt.InspectImage(ctx, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("inspecting image %s: %w", spec.Image, err)
	}
	imageLabels := limits.ImageLabels(img)

	res, err := limits.Apply(imageLabels, s.opts.Limits)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", spec.Image, err)
	}

	plan, err := s.sidecars.Prepare(ctx, imageLabels, spec.User, name)
	if err != nil {
		return nil, err
	}

	mounts := append([]container.MountConfig(nil), s.opts.Mounts...)
	sess := &Session{Name: name, User: spec.User, Image: spec.Image, Resources: res}
	if plan != nil {
		if err := s.sidecars.ReconcileExisting(ctx, name); err != nil {
			return nil, err
		}
		if _, err := s.sidecars.CreateAndStart(ctx, plan); err != nil {
			return nil, err
		}
		mounts = append(mounts, plan.Mount)
		sess.Sidecar = plan.Name()
	}

	id, err := s.startContainer(ctx, name, spec, mounts, res)
	if err != nil {
		if plan != nil {
			logger.Warn("session container failed, removing sidecar", "error", err)
			if rerr := s.sidecars.ForceRemove(context.WithoutCancel(ctx), name); rerr != nil {
				logger.Error("failed to remove sidecar after session failure", "error", rerr)
			}
		}
		return nil, err
	}
	sess.ID = id

	logger.Info("session started", "image", spec.Image, "memory", res.Memory, "cpu_quota", res.CPUQuota, "sidecar", sess.Sidecar)
	return sess, nil
}

// clearStopped removes a leftover, non-running session container.
func (s *Spawner) clearStopped(ctx context.Context, name string) error {
	c, err := s.rt.InspectContainer(ctx, name)
	if err != nil {
		if container.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("looking up session container %s: %w", name, err)
	}
	if c.Running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	if err := s.rt.RemoveContainer(ctx, c.ID, true); err != nil && !container.IsNotFound(err) {
		return fmt.Errorf("removing old session container %s: %w", name, err)
	}
	return nil
}

func (s *Spawner) startContainer(ctx context.Context, name string, spec Spec, mounts []container.MountConfig, res container.Resources) (string, error) {
	id, err := s.rt.CreateContainer(ctx, container.Config{
		Name:         name,
		Image:        spec.Image,
		Cmd:          s.opts.Cmd,
		Env:          sessionEnv(spec),
		Labels:       map[string]string{LabelUser: spec.User, LabelRole: roleValue},
		Mounts:       mounts,
		PortBindings: map[int]string{s.opts.Port: s.opts.HostIP},
		Resources:    res,
	})
	if err != nil {
		return "", fmt.Errorf("creating session container %s: %w", name, err)
	}
	if err := s.rt.StartContainer(ctx, id); err != nil {
		_ = s.rt.RemoveContainer(context.WithoutCancel(ctx), id, true)
		return "", fmt.Errorf("starting session container %s: %w", name, err)
	}
	return id, nil
}

// Stop stops and removes the user's session container, then tears down its
// sidecar. A session that is already gone still gets its sidecar torn down.
func (s *Spawner) Stop(ctx context.Context, user string) error {
	name := s.ContainerName(user)
	logger := log.ForSession(name, user)

	c, err := s.rt.InspectContainer(ctx, name)
	switch {
	case err == nil:
		if c.Running {
			if err := s.rt.StopContainer(ctx, c.ID); err != nil && !container.IsNotFound(err) {
				return fmt.Errorf("stopping session container %s: %w", name, err)
			}
		}
		if err := s.rt.RemoveContainer(ctx, c.ID, true); err != nil && !container.IsNotFound(err) && !container.IsConflict(err) {
			return fmt.Errorf("removing session container %s: %w", name, err)
		}
	case container.IsNotFound(err):
		logger.Debug("session container already gone")
	default:
		return fmt.Errorf("looking up session container %s: %w", name, err)
	}

	if err := s.sidecars.Teardown(ctx, name); err != nil {
		return err
	}
	logger.Info("session stopped")
	return nil
}

func sessionEnv(spec Spec) []string {
	env := []string{"JUPYTERHUB_USER=" + spec.User}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return env
}

// escapeName maps a user name onto the characters container names allow.
// Other bytes become "-" followed by their hex value, so distinct names stay
// distinct.
func escapeName(user string) string {
	var b strings.Builder
	for i := 0; i < len(user); i++ {
		c := user[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "-%02x", c)
		}
	}
	return b.String()
}
