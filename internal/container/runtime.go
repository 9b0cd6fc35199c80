// Package container is envhub's view of the container engine. It exposes only
// the operations the hub orchestrates (list, inspect, create, start, stop,
// wait, delete, exec, commit) and classifies engine errors so callers can
// tell "gone" from "busy" from "broken".
package container

import (
	"context"
)

// Runtime is the interface for container engine operations.
type Runtime interface {
	// Ping verifies the engine is reachable. Failures wrap ErrUnreachable.
	Ping(ctx context.Context) error

	// ListImages returns images matching the filter.
	ListImages(ctx context.Context, f Filter) ([]ImageSummary, error)

	// InspectImage returns an image by reference. Missing images produce an
	// error for which IsNotFound is true.
	InspectImage(ctx context.Context, ref string) (ImageInspect, error)

	// RemoveImage force-removes an image by ID or reference.
	RemoveImage(ctx context.Context, ref string) error

	// ListContainers returns containers in any state matching the filter.
	ListContainers(ctx context.Context, f Filter) ([]Summary, error)

	// InspectContainer returns a container by ID or name.
	InspectContainer(ctx context.Context, idOrName string) (Inspect, error)

	// CreateContainer creates a container without starting it and returns its ID.
	CreateContainer(ctx context.Context, cfg Config) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, id string) error

	// StopContainer stops a running container using the engine's default grace period.
	StopContainer(ctx context.Context, id string) error

	// WaitContainer blocks until the container is no longer running and
	// returns its exit code.
	WaitContainer(ctx context.Context, id string) (int64, error)

	// RemoveContainer deletes a container. Not-found and conflict errors are
	// returned as-is so callers decide whether they are benign.
	RemoveContainer(ctx context.Context, id string, force bool) error

	// ContainerLogs returns the container's combined stdout and stderr.
	ContainerLogs(ctx context.Context, id string) ([]byte, error)

	// ExecDetached starts cmd inside a running container and returns without
	// waiting for it to finish.
	ExecDetached(ctx context.Context, id string, cmd []string) error

	// Commit snapshots a container as a new image layer tagged ref, with
	// labels replacing the image labels. Returns the new image ID.
	Commit(ctx context.Context, id, ref string, labels map[string]string) (string, error)

	// Close releases engine client resources.
	Close() error
}

// Filter selects engine objects. Empty fields match everything.
type Filter struct {
	// Labels are engine label filters: "key" for presence or "key=value".
	Labels []string
	// Name matches container names (engine substring semantics).
	Name string
	// Dangling, when non-nil, restricts images to dangling or non-dangling ones.
	Dangling *bool
}

// Config holds configuration for creating a container.
type Config struct {
	Name         string
	Image        string
	Cmd          []string
	Env          []string
	User         string
	Labels       map[string]string
	Mounts       []MountConfig
	Binds        []string       // host:container[:mode] bind specs
	PortBindings map[int]string // container port -> host IP; host port is engine-assigned
	Privileged   bool
	AutoRemove   bool
	Resources    Resources
}

// Resources are the cgroup limits applied to a container. Zero means unset.
type Resources struct {
	Memory    int64 // bytes
	CPUPeriod int64 // microseconds
	CPUQuota  int64 // microseconds per period
}

// Propagation modes for bind mounts.
const (
	PropagationRShared = "rshared"
)

// MountConfig describes a bind mount.
type MountConfig struct {
	Source      string
	Target      string
	ReadOnly    bool
	Propagation string
}

// ImageSummary is an entry of an image listing.
type ImageSummary struct {
	ID       string
	RepoTags []string
	Labels   map[string]string
}

// ImageInspect is the subset of image inspection envhub reads.
type ImageInspect struct {
	ID       string
	RepoTags []string
	// ConfigLabels are the labels from the image config.
	ConfigLabels map[string]string
	// ContainerConfigLabels are the labels of the legacy ContainerConfig
	// section, which older engines still report.
	ContainerConfigLabels map[string]string
}

// Labels returns the image config labels, falling back to the legacy
// ContainerConfig labels when the config carries none.
func (i ImageInspect) Labels() map[string]string {
	if len(i.ConfigLabels) > 0 {
		return i.ConfigLabels
	}
	return i.ContainerConfigLabels
}

// Summary is an entry of a container listing.
type Summary struct {
	ID     string
	Names  []string
	Image  string
	State  string // "running", "exited", "created", ...
	Labels map[string]string
}

// Inspect is the subset of container inspection envhub reads.
type Inspect struct {
	ID      string
	Name    string
	Image   string
	Running bool
	Status  string
	Labels  map[string]string
}
