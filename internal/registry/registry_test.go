package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/container/containertest"
	"github.com/majorcontext/envhub/internal/labels"
)

func builtLabels(repo, ref, name string) map[string]string {
	return labels.Target(labels.BuildInfo{
		Repo:        repo,
		Ref:         ref,
		ImageName:   name,
		DisplayName: "env " + name,
		MemoryGB:    2,
		CPU:         1,
	})
}

func TestListImages(t *testing.T) {
	rt := containertest.New()
	rt.AddImage("a-b:HEAD", builtLabels("https://github.com/a/b", "HEAD", "a-b:HEAD"))

	envs, err := New(rt).ListImages(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 1)

	env := envs[0]
	assert.Equal(t, "https://github.com/a/b", env.Repo)
	assert.Equal(t, "HEAD", env.Ref)
	assert.Equal(t, "a-b:HEAD", env.ImageName)
	assert.Equal(t, "env a-b:HEAD", env.DisplayName)
	assert.Equal(t, "2G", env.MemLimit)
	assert.Equal(t, "1", env.CPULimit)
	assert.Equal(t, StatusBuilt, env.Status)
	assert.Equal(t, labels.SpawnRef("https://github.com/a/b", "HEAD"), env.SpawnRef)
	assert.Empty(t, env.Provider)
}

func TestListImages_SkipsPartiallyLabeled(t *testing.T) {
	rt := containertest.New()
	// Built by repo2docker but never labeled by envhub.
	rt.AddImage("raw:HEAD", labels.MarkerLabels("https://github.com/x/raw", "HEAD", "raw:HEAD"))
	// Not managed at all.
	rt.AddImage("ubuntu:22.04", map[string]string{"maintainer": "someone"})
	// Dangling images are filtered by the engine query.
	rt.AddImage("", builtLabels("https://github.com/a/old", "HEAD", "a-old:HEAD"))

	envs, err := New(rt).ListImages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestListImages_Provider(t *testing.T) {
	rt := containertest.New()
	info := labels.BuildInfo{
		Repo:        "https://rdm.example/abcde/files",
		Ref:         "HEAD",
		ImageName:   "rdm-abcde:HEAD",
		DisplayName: "rdm-abcde",
		Optional: map[string]string{
			labels.OptProvider:  "rdm",
			labels.OptRepo:      "https://rdm.example/abcde/",
			labels.OptRDMNodeID: "abcde",
		},
	}
	rt.AddImage(info.ImageName, labels.Target(info))

	envs, err := New(rt).ListImages(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "rdm", envs[0].Provider)
	assert.Equal(t, "abcde", envs[0].Optional[labels.OptRDMNodeID])
}

func TestListContainers(t *testing.T) {
	rt := containertest.New()
	lbls := builtLabels("https://github.com/a/b", "1234567", "a-b:1234567")
	rt.AddContainer(container.Config{Name: "build1", Labels: lbls}, true)
	// Marker without build label is skipped.
	rt.AddContainer(container.Config{Name: "odd", Labels: map[string]string{labels.Ref: "HEAD"}}, true)
	// Unrelated container.
	rt.AddContainer(container.Config{Name: "jupyter-alice"}, true)

	envs, err := New(rt).ListContainers(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, StatusBuilding, envs[0].Status)
	assert.Equal(t, "a-b:1234567", envs[0].ImageName)
}

func TestList_ImagesThenContainers(t *testing.T) {
	rt := containertest.New()
	lbls := builtLabels("https://github.com/a/b", "HEAD", "a-b:HEAD")
	rt.AddImage("a-b:HEAD", lbls)
	rt.AddContainer(container.Config{Name: "build", Labels: lbls}, false)

	envs, err := New(rt).List(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 2, "the same environment may appear once per lifecycle stage")
	assert.Equal(t, StatusBuilt, envs[0].Status)
	assert.Equal(t, StatusBuilding, envs[1].Status)
	assert.Equal(t, envs[0].ImageName, envs[1].ImageName)
}

func TestList_PropagatesEngineErrors(t *testing.T) {
	rt := containertest.New()
	rt.Fail["ListContainers"] = errors.New("engine exploded")

	_, err := New(rt).List(context.Background())
	assert.ErrorContains(t, err, "engine exploded")
}
