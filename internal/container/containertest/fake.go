// Package containertest provides an in-memory container.Runtime for tests.
package containertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/majorcontext/envhub/internal/container"
)

// Image is a fake image.
type Image struct {
	ID     string
	Tags   []string
	Labels map[string]string
	// Legacy, when set, is reported as ContainerConfig labels.
	Legacy map[string]string
}

// Container is a fake container.
type Container struct {
	ID       string
	Config   container.Config
	Running  bool
	Status   string
	ExitCode int64
	Execs    [][]string
}

// Fake is an in-memory engine. The zero value is not usable; call New.
type Fake struct {
	mu         sync.Mutex
	images     map[string]*Image // by ID
	containers map[string]*Container
	seq        int

	// Calls counts invocations per method name.
	Calls map[string]int
	// Fail makes the named method return the error on every call.
	Fail map[string]error
	// OnStart runs after a container is marked running, with the lock released.
	OnStart func(f *Fake, c *Container) error
	// OnExec runs after an exec is recorded, with the lock released.
	OnExec func(f *Fake, c *Container, cmd []string)
	// OnWait runs before WaitContainer reads the exit code, with the lock
	// released. It can call Exit to finish the container.
	OnWait func(f *Fake, c *Container)
}

// New returns an empty fake engine.
func New() *Fake {
	return &Fake{
		images:     make(map[string]*Image),
		containers: make(map[string]*Container),
		Calls:      make(map[string]int),
		Fail:       make(map[string]error),
	}
}

var _ container.Runtime = (*Fake)(nil)

func (f *Fake) enter(method string) error {
	f.Calls[method]++
	return f.Fail[method]
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%04d", prefix, f.seq)
}

// AddImage registers an image under tag with labels and returns its ID.
// An existing image with the same tag loses the tag.
func (f *Fake) AddImage(tag string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addImageLocked(tag, labels)
}

func (f *Fake) addImageLocked(tag string, labels map[string]string) string {
	if tag != "" {
		f.untagLocked(tag)
	}
	img := &Image{ID: f.nextID("sha256:img"), Labels: copyMap(labels)}
	if tag != "" {
		img.Tags = []string{tag}
	}
	f.images[img.ID] = img
	return img.ID
}

// SetLegacyLabels sets ContainerConfig labels on the image tagged tag.
func (f *Fake) SetLegacyLabels(tag string, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if img := f.imageLocked(tag); img != nil {
		img.Legacy = copyMap(labels)
	}
}

// Image returns a copy of the image with the given ID or tag.
func (f *Fake) Image(ref string) (Image, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := f.imageLocked(ref)
	if img == nil {
		return Image{}, false
	}
	return Image{ID: img.ID, Tags: append([]string(nil), img.Tags...), Labels: copyMap(img.Labels)}, true
}

// AddContainer registers a container built from cfg and returns its ID.
func (f *Fake) AddContainer(cfg container.Config, running bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Container{ID: f.nextID("ctr"), Config: cfg, Running: running, Status: "created"}
	if running {
		c.Status = "running"
	}
	f.containers[c.ID] = c
	return c.ID
}

// Container returns a copy of the container with the given ID or name.
func (f *Fake) Container(idOrName string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containerLocked(idOrName)
	if c == nil {
		return Container{}, false
	}
	return *c, true
}

// Containers returns copies of all containers sorted by ID.
func (f *Fake) Containers() []Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Exit marks a container stopped with code, removing it when it was
// created with AutoRemove.
func (f *Fake) Exit(id string, code int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containerLocked(id)
	if c == nil {
		return
	}
	c.Running = false
	c.Status = "exited"
	c.ExitCode = code
	if c.Config.AutoRemove {
		delete(f.containers, c.ID)
	}
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Ping"); err != nil {
		return fmt.Errorf("%w: %v", container.ErrUnreachable, err)
	}
	return nil
}

func (f *Fake) ListImages(ctx context.Context, flt container.Filter) ([]container.ImageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListImages"); err != nil {
		return nil, err
	}
	var out []container.ImageSummary
	for _, img := range f.sortedImagesLocked() {
		if flt.Dangling != nil && (len(img.Tags) == 0) != *flt.Dangling {
			continue
		}
		if !matchLabels(img.Labels, flt.Labels) {
			continue
		}
		out = append(out, container.ImageSummary{ID: img.ID, RepoTags: append([]string(nil), img.Tags...), Labels: copyMap(img.Labels)})
	}
	return out, nil
}

func (f *Fake) InspectImage(ctx context.Context, ref string) (container.ImageInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("InspectImage"); err != nil {
		return container.ImageInspect{}, err
	}
	img := f.imageLocked(ref)
	if img == nil {
		return container.ImageInspect{}, fmt.Errorf("no such image %s: %w", ref, errdefs.ErrNotFound)
	}
	return container.ImageInspect{
		ID:                    img.ID,
		RepoTags:              append([]string(nil), img.Tags...),
		ConfigLabels:          copyMap(img.Labels),
		ContainerConfigLabels: copyMap(img.Legacy),
	}, nil
}

func (f *Fake) RemoveImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RemoveImage"); err != nil {
		return err
	}
	img := f.imageLocked(ref)
	if img == nil {
		return fmt.Errorf("no such image %s: %w", ref, errdefs.ErrNotFound)
	}
	delete(f.images, img.ID)
	return nil
}

func (f *Fake) ListContainers(ctx context.Context, flt container.Filter) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListContainers"); err != nil {
		return nil, err
	}
	var out []container.Summary
	ids := make([]string, 0, len(f.containers))
	for id := range f.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := f.containers[id]
		if flt.Name != "" && !strings.Contains(c.Config.Name, flt.Name) {
			continue
		}
		if !matchLabels(c.Config.Labels, flt.Labels) {
			continue
		}
		state := c.Status
		out = append(out, container.Summary{
			ID:     c.ID,
			Names:  []string{c.Config.Name},
			Image:  c.Config.Image,
			State:  state,
			Labels: copyMap(c.Config.Labels),
		})
	}
	return out, nil
}

func (f *Fake) InspectContainer(ctx context.Context, idOrName string) (container.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("InspectContainer"); err != nil {
		return container.Inspect{}, err
	}
	c := f.containerLocked(idOrName)
	if c == nil {
		return container.Inspect{}, fmt.Errorf("no such container %s: %w", idOrName, errdefs.ErrNotFound)
	}
	return container.Inspect{
		ID:      c.ID,
		Name:    c.Config.Name,
		Image:   c.Config.Image,
		Running: c.Running,
		Status:  c.Status,
		Labels:  copyMap(c.Config.Labels),
	}, nil
}

func (f *Fake) CreateContainer(ctx context.Context, cfg container.Config) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateContainer"); err != nil {
		return "", err
	}
	if cfg.Name != "" && f.containerLocked(cfg.Name) != nil {
		return "", fmt.Errorf("container name %q already in use: %w", cfg.Name, errdefs.ErrConflict)
	}
	c := &Container{ID: f.nextID("ctr"), Config: cfg, Status: "created"}
	f.containers[c.ID] = c
	return c.ID, nil
}

func (f *Fake) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	if err := f.enter("StartContainer"); err != nil {
		f.mu.Unlock()
		return err
	}
	c := f.containerLocked(id)
	if c == nil {
		f.mu.Unlock()
		return fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	c.Running = true
	c.Status = "running"
	hook := f.OnStart
	snapshot := *c
	f.mu.Unlock()

	if hook != nil {
		return hook(f, &snapshot)
	}
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	if err := f.enter("StopContainer"); err != nil {
		f.mu.Unlock()
		return err
	}
	c := f.containerLocked(id)
	f.mu.Unlock()
	if c == nil {
		return fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	f.Exit(c.ID, 0)
	return nil
}

func (f *Fake) WaitContainer(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	if err := f.enter("WaitContainer"); err != nil {
		f.mu.Unlock()
		return -1, err
	}
	c := f.containerLocked(id)
	if c == nil {
		f.mu.Unlock()
		return -1, fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	hook := f.OnWait
	snapshot := *c
	f.mu.Unlock()

	if hook != nil {
		hook(f, &snapshot)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.containers[snapshot.ID]; ok {
		return cur.ExitCode, nil
	}
	// Auto-removed on exit.
	return snapshot.ExitCode, nil
}

func (f *Fake) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RemoveContainer"); err != nil {
		return err
	}
	c := f.containerLocked(id)
	if c == nil {
		return fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	if c.Running && !force {
		return fmt.Errorf("container %s is running: %w", id, errdefs.ErrConflict)
	}
	delete(f.containers, c.ID)
	return nil
}

func (f *Fake) ContainerLogs(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ContainerLogs"); err != nil {
		return nil, err
	}
	c := f.containerLocked(id)
	if c == nil {
		return nil, fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	return []byte(fmt.Sprintf("exit status %d\n", c.ExitCode)), nil
}

func (f *Fake) ExecDetached(ctx context.Context, id string, cmd []string) error {
	f.mu.Lock()
	if err := f.enter("ExecDetached"); err != nil {
		f.mu.Unlock()
		return err
	}
	c := f.containerLocked(id)
	if c == nil {
		f.mu.Unlock()
		return fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	if !c.Running {
		f.mu.Unlock()
		return fmt.Errorf("container %s is not running: %w", id, errdefs.ErrConflict)
	}
	c.Execs = append(c.Execs, cmd)
	hook := f.OnExec
	snapshot := *c
	f.mu.Unlock()

	if hook != nil {
		hook(f, &snapshot, cmd)
	}
	return nil
}

func (f *Fake) Commit(ctx context.Context, id, ref string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Commit"); err != nil {
		return "", err
	}
	c := f.containerLocked(id)
	if c == nil {
		return "", fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	return f.addImageLocked(ref, labels), nil
}

func (f *Fake) Close() error { return nil }

// RunBuilds installs an OnStart hook that emulates repo2docker: a container
// whose command contains "--image-name N" produces image N labeled from its
// "--label k=v" arguments, then exits with code.
func (f *Fake) RunBuilds(code int64) {
	f.OnStart = func(f *Fake, c *Container) error {
		cmd := c.Config.Cmd
		name := ""
		labels := make(map[string]string)
		for i := 0; i < len(cmd)-1; i++ {
			switch cmd[i] {
			case "--image-name":
				name = cmd[i+1]
			case "--label":
				if k, v, ok := strings.Cut(cmd[i+1], "="); ok {
					labels[k] = v
				}
			}
		}
		if name == "" {
			return nil
		}
		if code == 0 {
			// repo2docker adds its own marker labels to the image it builds.
			for k, v := range c.Config.Labels {
				if strings.HasPrefix(k, "repo2docker.") {
					labels[k] = v
				}
			}
			f.AddImage(name, labels)
		}
		f.Exit(c.ID, code)
		return nil
	}
}

func (f *Fake) imageLocked(ref string) *Image {
	if img, ok := f.images[ref]; ok {
		return img
	}
	for _, img := range f.images {
		for _, t := range img.Tags {
			if t == ref {
				return img
			}
		}
	}
	return nil
}

func (f *Fake) untagLocked(tag string) {
	for _, img := range f.images {
		kept := img.Tags[:0]
		for _, t := range img.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		img.Tags = kept
	}
}

func (f *Fake) containerLocked(idOrName string) *Container {
	if c, ok := f.containers[idOrName]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.Config.Name != "" && c.Config.Name == idOrName {
			return c
		}
	}
	return nil
}

func (f *Fake) sortedImagesLocked() []*Image {
	out := make([]*Image, 0, len(f.images))
	for _, img := range f.images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matchLabels(have map[string]string, want []string) bool {
	for _, w := range want {
		k, v, hasValue := strings.Cut(w, "=")
		cur, ok := have[k]
		if !ok || (hasValue && cur != v) {
			return false
		}
	}
	return true
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
