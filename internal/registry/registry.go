// Package registry lists the environments the container engine currently
// knows about: finished images and in-flight build containers.
package registry

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/labels"
	"github.com/majorcontext/envhub/internal/log"
)

// Status values of an Environment.
const (
	StatusBuilt    = "built"
	StatusBuilding = "building"
)

// Environment is one selectable compute setup, rebuilt from engine labels
// on every query.
type Environment struct {
	Provider    string            `json:"provider,omitempty"`
	Repo        string            `json:"repo"`
	Ref         string            `json:"ref"`
	SpawnRef    string            `json:"spawnref"`
	ImageName   string            `json:"image_name"`
	DisplayName string            `json:"display_name"`
	MemLimit    string            `json:"mem_limit"`
	CPULimit    string            `json:"cpu_limit"`
	Status      string            `json:"status"`
	Optional    map[string]string `json:"optional_labels,omitempty"`
}

// Registry queries the engine for managed images and build containers.
type Registry struct {
	rt container.Runtime
}

// New creates a Registry over rt.
func New(rt container.Runtime) *Registry {
	return &Registry{rt: rt}
}

var notDangling = false

// ListImages returns built environments. Images that carry the marker but
// lack tljh_repo2docker.image_name are not fully labeled yet and are left out.
func (r *Registry) ListImages(ctx context.Context) ([]Environment, error) {
	images, err := r.rt.ListImages(ctx, container.Filter{
		Labels:   []string{labels.Ref},
		Dangling: &notDangling,
	})
	if err != nil {
		return nil, fmt.Errorf("listing environment images: %w", err)
	}
	var envs []Environment
	for _, img := range images {
		if _, ok := img.Labels[labels.ImageName]; !ok {
			continue
		}
		env, ok := fromLabels(img.Labels, StatusBuilt, img.ID)
		if !ok {
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// ListContainers returns environments whose build is still running (or
// whose build container has not been cleaned up yet).
func (r *Registry) ListContainers(ctx context.Context) ([]Environment, error) {
	containers, err := r.rt.ListContainers(ctx, container.Filter{
		Labels: []string{labels.Ref},
	})
	if err != nil {
		return nil, fmt.Errorf("listing build containers: %w", err)
	}
	var envs []Environment
	for _, c := range containers {
		if _, ok := c.Labels[labels.Build]; !ok {
			continue
		}
		env, ok := fromLabels(c.Labels, StatusBuilding, c.ID)
		if !ok {
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// List returns built images followed by building containers. The two
// queries run concurrently. A build that just finished may show up in both
// halves; callers must tolerate that.
func (r *Registry) List(ctx context.Context) ([]Environment, error) {
	var images, builds []Environment
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		images, err = r.ListImages(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		builds, err = r.ListContainers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(images, builds...), nil
}

func fromLabels(m map[string]string, status, id string) (Environment, bool) {
	d, err := labels.Decode(m)
	if err != nil {
		log.Debug("skipping unlabeled object", "id", id, "error", err)
		return Environment{}, false
	}
	name := d.ImageName
	if status == StatusBuilding {
		name = d.Build
	}
	return Environment{
		Provider:    d.Provider,
		Repo:        d.Repo,
		Ref:         d.Ref,
		SpawnRef:    labels.SpawnRef(m[labels.Repo], d.Ref),
		ImageName:   name,
		DisplayName: d.DisplayName,
		MemLimit:    d.MemLimit,
		CPULimit:    d.CPULimit,
		Status:      status,
		Optional:    d.Optional,
	}, true
}
