// Package builder turns repositories into environment images by running
// repo2docker inside a container, and keeps existing images' labels in step
// with what was most recently requested for them.
package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/labels"
	"github.com/majorcontext/envhub/internal/log"
)

// Defaults for Options.
const (
	DefaultBuilderImage = "quay.io/jupyterhub/repo2docker:main"
	DefaultDockerSocket = "/var/run/docker.sock"
	DefaultUserName     = "jovyan"
	DefaultUserID       = "1100"
)

// logTailLines is how much build output a BuildError keeps.
const logTailLines = 20

// ErrImageNotFound is returned by Remove for unknown images.
var ErrImageNotFound = errors.New("image does not exist")

// BuildError reports a repo2docker run that exited non-zero.
type BuildError struct {
	Repo     string
	Ref      string
	Image    string
	ExitCode int64
	// Output is the tail of the build log, if it could be read.
	Output string
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("building %s (ref %s) as %s: repo2docker exited with code %d", e.Repo, e.Ref, e.Image, e.ExitCode)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

// Options configures a Builder. Zero fields take the Default* values.
type Options struct {
	BuilderImage string
	DockerSocket string
	UserName     string
	UserID       string
}

// Builder builds and relabels environment images.
type Builder struct {
	rt    container.Runtime
	opts  Options
	locks nameLocks
}

// New creates a Builder.
func New(rt container.Runtime, opts Options) *Builder {
	if opts.BuilderImage == "" {
		opts.BuilderImage = DefaultBuilderImage
	}
	if opts.DockerSocket == "" {
		opts.DockerSocket = DefaultDockerSocket
	}
	if opts.UserName == "" {
		opts.UserName = DefaultUserName
	}
	if opts.UserID == "" {
		opts.UserID = DefaultUserID
	}
	return &Builder{rt: rt, opts: opts}
}

// Build makes sure an image for req exists and carries req's labels, and
// returns its name. An existing image is never rebuilt: if its labels differ
// from the requested ones they are patched in place by committing a new
// layer. Otherwise repo2docker runs and Build blocks until it exits.
//
// Calls for the same image name are serialized within this process. A
// concurrent build of the same name by another process surfaces as an
// engine name conflict; Build then waits for that build and checks that it
// produced the image.
func (b *Builder) Build(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	info, err := req.info()
	if err != nil {
		return "", err
	}
	name := info.ImageName

	unlock := b.locks.lock(name)
	defer unlock()

	target := labels.Target(info)

	img, err := b.rt.InspectImage(ctx, name)
	switch {
	case err == nil:
		if err := b.reconcile(ctx, name, img.Labels(), target); err != nil {
			return "", err
		}
		return name, nil
	case !container.IsNotFound(err):
		return "", fmt.Errorf("checking for image %s: %w", name, err)
	}

	if err := b.run(ctx, req, info, target); err != nil {
		return "", err
	}
	return name, nil
}

// reconcile commits a relabeled copy of image name when its labels do not
// already include target.
func (b *Builder) reconcile(ctx context.Context, name string, existing, target map[string]string) error {
	changed := labels.Diff(existing, target)
	if len(changed) == 0 {
		log.Debug("image labels up to date", "image", name)
		return nil
	}

	tmpName := "envhub-relabel-" + uuid.NewString()
	id, err := b.rt.CreateContainer(ctx, container.Config{Name: tmpName, Image: name})
	if err != nil {
		return fmt.Errorf("creating relabel container for %s: %w", name, err)
	}
	defer b.removeQuietly(context.WithoutCancel(ctx), id)

	if _, err := b.rt.Commit(ctx, id, name, labels.Merge(existing, target)); err != nil {
		return fmt.Errorf("relabeling image %s: %w", name, err)
	}
	log.Info("relabeled existing image", "image", name, "labels", changed)
	return nil
}

// run executes repo2docker in a build container and waits for it.
func (b *Builder) run(ctx context.Context, req Request, info labels.BuildInfo, target map[string]string) error {
	cliLabels, _ := labels.BuildLabels(info)
	image := req.BuilderImage
	if image == "" {
		image = b.opts.BuilderImage
	}
	cfg := container.Config{
		Name:   buildContainerName(info.ImageName),
		Image:  image,
		Cmd:    b.command(info, cliLabels, req.ExtraBuildArgs),
		Env:    req.env(),
		Labels: target,
		Binds:  []string{b.opts.DockerSocket + ":" + b.opts.DockerSocket + ":rw"},
	}

	id, err := b.createBuildContainer(ctx, cfg)
	if err != nil {
		if container.IsConflict(err) {
			return b.awaitCompeting(ctx, cfg.Name, info, target)
		}
		return fmt.Errorf("creating build container for %s: %w", info.ImageName, err)
	}
	defer b.removeQuietly(context.WithoutCancel(ctx), id)

	log.Info("building image", "image", info.ImageName, "repo", info.Repo, "ref", info.Ref, "builder", image)
	if err := b.rt.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("starting build container for %s: %w", info.ImageName, err)
	}
	code, err := b.rt.WaitContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("waiting for build of %s: %w", info.ImageName, err)
	}
	if code != 0 {
		berr := &BuildError{Repo: info.Repo, Ref: info.Ref, Image: info.ImageName, ExitCode: code}
		if out, err := b.rt.ContainerLogs(context.WithoutCancel(ctx), id); err == nil {
			berr.Output = tail(string(out), logTailLines)
		}
		log.Error("image build failed", "image", info.ImageName, "repo", info.Repo, "ref", info.Ref, "exit_code", code)
		return berr
	}
	log.Info("image built", "image", info.ImageName)
	return nil
}

// awaitCompeting handles a build container name taken by another process:
// it waits for that build to exit, then requires the image to exist and
// brings its labels up to date with target.
func (b *Builder) awaitCompeting(ctx context.Context, buildName string, info labels.BuildInfo, target map[string]string) error {
	c, err := b.rt.InspectContainer(ctx, buildName)
	switch {
	case err == nil:
		if c.Running {
			log.Info("waiting for concurrent build", "image", info.ImageName, "container", buildName)
		}
		code, err := b.rt.WaitContainer(ctx, c.ID)
		switch {
		case container.IsNotFound(err):
			// Finished and removed while we were looking.
		case err != nil:
			return fmt.Errorf("waiting for concurrent build of %s: %w", info.ImageName, err)
		case code != 0:
			return &BuildError{Repo: info.Repo, Ref: info.Ref, Image: info.ImageName, ExitCode: code}
		}
	case container.IsNotFound(err):
	default:
		return fmt.Errorf("looking up concurrent build of %s: %w", info.ImageName, err)
	}

	img, err := b.rt.InspectImage(ctx, info.ImageName)
	if err != nil {
		if container.IsNotFound(err) {
			return fmt.Errorf("concurrent build did not produce %s: %w", info.ImageName, err)
		}
		return fmt.Errorf("checking for image %s: %w", info.ImageName, err)
	}
	return b.reconcile(ctx, info.ImageName, img.Labels(), target)
}

// createBuildContainer creates the build container. A leftover, stopped
// container with the same name (from a crashed run) is removed and the
// create retried once; a running one means a competing build and the
// conflict is returned.
func (b *Builder) createBuildContainer(ctx context.Context, cfg container.Config) (string, error) {
	id, err := b.rt.CreateContainer(ctx, cfg)
	if err == nil || !container.IsConflict(err) {
		return id, err
	}
	existing, ierr := b.rt.InspectContainer(ctx, cfg.Name)
	if ierr != nil || existing.Running {
		return "", err
	}
	log.Warn("removing stale build container", "name", cfg.Name, "status", existing.Status)
	if rerr := b.rt.RemoveContainer(ctx, existing.ID, true); rerr != nil && !container.IsNotFound(rerr) {
		return "", rerr
	}
	return b.rt.CreateContainer(ctx, cfg)
}

func (b *Builder) command(info labels.BuildInfo, cliLabels, buildArgs []string) []string {
	cmd := []string{
		"jupyter-repo2docker",
		"--ref", info.Ref,
		"--user-name", b.opts.UserName,
		"--user-id", b.opts.UserID,
		"--no-run",
		"--image-name", info.ImageName,
	}
	for _, l := range cliLabels {
		cmd = append(cmd, "--label", l)
	}
	for _, a := range buildArgs {
		cmd = append(cmd, "--build-arg", a)
	}
	return append(cmd, info.Repo)
}

// Remove force-removes an environment image.
func (b *Builder) Remove(ctx context.Context, name string) error {
	if err := b.rt.RemoveImage(ctx, name); err != nil {
		if container.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, name)
		}
		return err
	}
	log.Info("removed image", "image", name)
	return nil
}

func (b *Builder) removeQuietly(ctx context.Context, id string) {
	if err := b.rt.RemoveContainer(ctx, id, true); err != nil && !container.IsNotFound(err) {
		log.Warn("failed to remove helper container", "id", id, "error", err)
	}
}

// buildContainerName derives a container name from an image reference.
// Container names only allow [a-zA-Z0-9_.-].
func buildContainerName(image string) string {
	r := strings.NewReplacer("/", "-", ":", "-", "@", "-")
	return "envhub-build-" + r.Replace(image)
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
