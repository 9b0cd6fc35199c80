package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/majorcontext/envhub/internal/log"
)

// DockerRuntime implements Runtime using the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime creates a Docker runtime from the standard DOCKER_*
// environment, negotiating the API version with the daemon. host, when
// non-empty, overrides DOCKER_HOST.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Ping verifies the Docker daemon is accessible.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// Close releases Docker client resources.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// ListImages returns images matching f.
func (r *DockerRuntime) ListImages(ctx context.Context, f Filter) ([]ImageSummary, error) {
	images, err := r.cli.ImageList(ctx, image.ListOptions{Filters: filterArgs(f)})
	if err != nil {
		return nil, r.wrap("listing images", err)
	}
	result := make([]ImageSummary, 0, len(images))
	for _, img := range images {
		result = append(result, ImageSummary{
			ID:       img.ID,
			RepoTags: img.RepoTags,
			Labels:   img.Labels,
		})
	}
	return result, nil
}

// InspectImage returns the image identified by ref.
func (r *DockerRuntime) InspectImage(ctx context.Context, ref string) (ImageInspect, error) {
	var raw bytes.Buffer
	resp, err := r.cli.ImageInspect(ctx, ref, client.ImageInspectWithRawResponse(&raw))
	if err != nil {
		return ImageInspect{}, r.wrap("inspecting image "+ref, err)
	}
	out := ImageInspect{
		ID:       resp.ID,
		RepoTags: resp.RepoTags,
	}
	if resp.Config != nil {
		out.ConfigLabels = resp.Config.Labels
	}
	// ContainerConfig is gone from the typed response on current API
	// versions but older daemons still send it.
	var legacy struct {
		ContainerConfig *struct {
			Labels map[string]string `json:"Labels"`
		} `json:"ContainerConfig"`
	}
	if raw.Len() > 0 && json.Unmarshal(raw.Bytes(), &legacy) == nil && legacy.ContainerConfig != nil {
		out.ContainerConfigLabels = legacy.ContainerConfig.Labels
	}
	return out, nil
}

// RemoveImage force-removes an image.
func (r *DockerRuntime) RemoveImage(ctx context.Context, ref string) error {
	_, err := r.cli.ImageRemove(ctx, ref, image.RemoveOptions{
		Force:         true,
		PruneChildren: true,
	})
	if err != nil {
		return r.wrap("removing image "+ref, err)
	}
	return nil
}

// ListContainers returns running and stopped containers matching f.
func (r *DockerRuntime) ListContainers(ctx context.Context, f Filter) ([]Summary, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs(f),
	})
	if err != nil {
		return nil, r.wrap("listing containers", err)
	}
	result := make([]Summary, 0, len(containers))
	for _, c := range containers {
		names := make([]string, 0, len(c.Names))
		for _, n := range c.Names {
			// Names have a leading slash, e.g. "/jupyter-alice"
			names = append(names, strings.TrimPrefix(n, "/"))
		}
		result = append(result, Summary{
			ID:     c.ID,
			Names:  names,
			Image:  c.Image,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return result, nil
}

// InspectContainer returns container details by ID or name.
func (r *DockerRuntime) InspectContainer(ctx context.Context, idOrName string) (Inspect, error) {
	resp, err := r.cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		return Inspect{}, r.wrap("inspecting container "+idOrName, err)
	}
	out := Inspect{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.State != nil {
		out.Running = resp.State.Running
		out.Status = string(resp.State.Status)
	}
	if resp.Config != nil {
		out.Image = resp.Config.Image
		out.Labels = resp.Config.Labels
	}
	return out, nil
}

// CreateContainer creates a new Docker container.
func (r *DockerRuntime) CreateContainer(ctx context.Context, cfg Config) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mt := mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		}
		if m.Propagation != "" {
			mt.BindOptions = &mount.BindOptions{Propagation: mount.Propagation(m.Propagation)}
		}
		mounts = append(mounts, mt)
	}

	var exposedPorts nat.PortSet
	var portBindings nat.PortMap
	if len(cfg.PortBindings) > 0 {
		exposedPorts = make(nat.PortSet)
		portBindings = make(nat.PortMap)
		for containerPort, hostIP := range cfg.PortBindings {
			port := nat.Port(strconv.Itoa(containerPort) + "/tcp")
			exposedPorts[port] = struct{}{}
			portBindings[port] = []nat.PortBinding{{HostIP: hostIP}}
		}
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        cfg.Image,
			Cmd:          cfg.Cmd,
			Env:          cfg.Env,
			User:         cfg.User,
			Labels:       cfg.Labels,
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			Binds:        cfg.Binds,
			Mounts:       mounts,
			PortBindings: portBindings,
			Privileged:   cfg.Privileged,
			AutoRemove:   cfg.AutoRemove,
			Resources: container.Resources{
				Memory:    cfg.Resources.Memory,
				CPUPeriod: cfg.Resources.CPUPeriod,
				CPUQuota:  cfg.Resources.CPUQuota,
			},
		},
		nil, // network config
		nil, // platform
		cfg.Name,
	)
	if err != nil {
		return "", r.wrap("creating container", err)
	}
	for _, w := range resp.Warnings {
		log.Warn("container create warning", "name", cfg.Name, "warning", w)
	}
	return resp.ID, nil
}

// StartContainer starts an existing container.
func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return r.wrap("starting container", err)
	}
	return nil
}

// StopContainer stops a running container.
func (r *DockerRuntime) StopContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return r.wrap("stopping container", err)
	}
	return nil
}

// WaitContainer blocks until the container exits.
func (r *DockerRuntime) WaitContainer(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, r.wrap("waiting for container", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("waiting for container: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

// RemoveContainer removes a container.
func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return r.wrap("removing container", err)
	}
	return nil
}

// ContainerLogs returns all logs from a container (does not follow).
func (r *DockerRuntime) ContainerLogs(ctx context.Context, id string) ([]byte, error) {
	reader, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, r.wrap("getting container logs", err)
	}
	defer reader.Close()

	// Containers created here never allocate a TTY, so the stream is
	// always multiplexed.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("demuxing logs: %w", err)
	}
	return append(stdout.Bytes(), stderr.Bytes()...), nil
}

// ExecDetached runs cmd in a container without waiting for it.
func (r *DockerRuntime) ExecDetached(ctx context.Context, id string, cmd []string) error {
	exec, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:    cmd,
		Detach: true,
	})
	if err != nil {
		return r.wrap("creating exec", err)
	}
	if err := r.cli.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return r.wrap("starting exec", err)
	}
	return nil
}

// Commit creates an image from a container, replacing its labels.
func (r *DockerRuntime) Commit(ctx context.Context, id, ref string, labels map[string]string) (string, error) {
	resp, err := r.cli.ContainerCommit(ctx, id, container.CommitOptions{
		Reference: ref,
		Config:    &container.Config{Labels: labels},
	})
	if err != nil {
		return "", r.wrap("committing container", err)
	}
	return resp.ID, nil
}

// wrap adds context to an engine error, marking connection failures as
// ErrUnreachable. The errdefs classification of err survives wrapping.
func (r *DockerRuntime) wrap(what string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w: %w", what, ErrUnreachable, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func filterArgs(f Filter) filters.Args {
	args := filters.NewArgs()
	for _, l := range f.Labels {
		args.Add("label", l)
	}
	if f.Name != "" {
		args.Add("name", f.Name)
	}
	if f.Dangling != nil {
		args.Add("dangling", strconv.FormatBool(*f.Dangling))
	}
	return args
}
