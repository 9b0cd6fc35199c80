package sidecar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/container/containertest"
	"github.com/majorcontext/envhub/internal/labels"
	"github.com/majorcontext/envhub/internal/tokenstore"
)

type tokens map[string]string

func (t tokens) Get(_ context.Context, user, repo string) (string, error) {
	if v, ok := t[user+" "+repo]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", tokenstore.ErrNotFound, user)
}

const rdmRepo = "https://rdm.example/abcde/"

func rdmLabels() map[string]string {
	return labels.Target(labels.BuildInfo{
		Repo:      "https://rdm.example/abcde/files",
		Ref:       "HEAD",
		ImageName: "rdm-abcde:HEAD",
		Optional: map[string]string{
			labels.OptProvider:  ProviderRDM,
			labels.OptRepo:      rdmRepo,
			labels.OptRDMNodeID: "abcde",
			labels.OptRDMAPIURL: "https://api.rdm.example/v2/",
		},
	})
}

func newManager(t *testing.T) (*Manager, *containertest.Fake, string) {
	t.Helper()
	rt := containertest.New()
	base := t.TempDir()
	m := New(rt, tokens{"alice " + rdmRepo: "tok-123"}, Options{BasePath: base})
	return m, rt, base
}

func TestProviderFor(t *testing.T) {
	assert.IsType(t, RDMProvider{}, ProviderFor(rdmLabels()))
	assert.IsType(t, NoProvider{}, ProviderFor(nil))
	assert.IsType(t, NoProvider{}, ProviderFor(map[string]string{labels.OptPrefix + labels.OptProvider: "other"}))
}

func TestPrepare_NoProvider(t *testing.T) {
	m, rt, _ := newManager(t)
	plan, err := m.Prepare(context.Background(), map[string]string{labels.Ref: "HEAD"}, "alice", "jupyter-alice")
	require.NoError(t, err)
	assert.Nil(t, plan)
	assert.Empty(t, rt.Calls)
}

func TestPrepare_RDM(t *testing.T) {
	m, _, base := newManager(t)

	plan, err := m.Prepare(context.Background(), rdmLabels(), "alice", "jupyter-alice")
	require.NoError(t, err)
	require.NotNil(t, plan)

	assert.Equal(t, "jupyter-alice_rdmfs", plan.Name())
	assert.Equal(t, DefaultImage, plan.Image)
	assert.Equal(t, container.MountConfig{
		Source:      filepath.Join(base, "jupyter-alice"),
		Target:      "/mnt",
		Propagation: container.PropagationRShared,
	}, plan.Mount)
	assert.Equal(t, []string{
		"RDM_NODE_ID=abcde",
		"RDM_API_URL=https://api.rdm.example/v2/",
		"RDM_TOKEN=tok-123",
		"MOUNT_PATH=/mnt/rdm",
	}, plan.Env)

	info, err := os.Stat(plan.Mount.Source)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Preparing again is idempotent.
	_, err = m.Prepare(context.Background(), rdmLabels(), "alice", "jupyter-alice")
	require.NoError(t, err)
}

func TestPrepare_MissingToken(t *testing.T) {
	m, rt, base := newManager(t)

	_, err := m.Prepare(context.Background(), rdmLabels(), "bob", "jupyter-bob")
	require.ErrorIs(t, err, ErrMissingToken)
	assert.Contains(t, err.Error(), rdmRepo)
	assert.Empty(t, rt.Containers())
	_, statErr := os.Stat(filepath.Join(base, "jupyter-bob"))
	assert.True(t, os.IsNotExist(statErr), "no mount directory without a token")
}

func TestCreateAndStart_AtMostOne(t *testing.T) {
	m, rt, _ := newManager(t)
	ctx := context.Background()
	rt.AddContainer(container.Config{Name: "jupyter-alice_rdmfs"}, true)

	plan, err := m.Prepare(ctx, rdmLabels(), "alice", "jupyter-alice")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.ReconcileExisting(ctx, "jupyter-alice"))
		_, err := m.CreateAndStart(ctx, plan)
		require.NoError(t, err)
	}

	var sidecars []containertest.Container
	for _, c := range rt.Containers() {
		if c.Config.Name == "jupyter-alice_rdmfs" {
			sidecars = append(sidecars, c)
		}
	}
	require.Len(t, sidecars, 1)
	sc := sidecars[0]
	assert.True(t, sc.Running)
	assert.True(t, sc.Config.Privileged)
	assert.True(t, sc.Config.AutoRemove)
	assert.Equal(t, []container.MountConfig{plan.Mount}, sc.Config.Mounts)
	assert.Empty(t, sc.Config.Labels, "sidecars are identified by name only")
}

func TestCreateAndStart_StartFailureCleansUp(t *testing.T) {
	m, rt, _ := newManager(t)
	rt.Fail["StartContainer"] = errors.New("no privileged containers here")

	plan, err := m.Prepare(context.Background(), rdmLabels(), "alice", "jupyter-alice")
	require.NoError(t, err)
	_, err = m.CreateAndStart(context.Background(), plan)
	require.ErrorContains(t, err, "no privileged containers here")
	assert.Empty(t, rt.Containers())
}

func TestTeardown_Missing(t *testing.T) {
	m, _, _ := newManager(t)
	assert.NoError(t, m.Teardown(context.Background(), "jupyter-nobody"))
}

func TestTeardown_Running(t *testing.T) {
	m, rt, _ := newManager(t)
	rt.OnExec = func(f *containertest.Fake, c *containertest.Container, cmd []string) {
		f.Exit(c.ID, 0)
	}
	id := rt.AddContainer(container.Config{Name: "jupyter-alice_rdmfs", AutoRemove: true}, true)

	require.NoError(t, m.Teardown(context.Background(), "jupyter-alice"))
	assert.Equal(t, 1, rt.Calls["ExecDetached"])
	assert.Zero(t, rt.Calls["RemoveContainer"])
	_, ok := rt.Container(id)
	assert.False(t, ok, "bridge exits and auto-removes after terminate")
}

func TestTeardown_TerminateCommand(t *testing.T) {
	m, rt, _ := newManager(t)
	id := rt.AddContainer(container.Config{Name: "jupyter-alice_rdmfs"}, true)

	require.NoError(t, m.Teardown(context.Background(), "jupyter-alice"))
	c, ok := rt.Container(id)
	require.True(t, ok)
	require.Len(t, c.Execs, 1)
	assert.Equal(t, []string{"/bin/sh", "-c", "xattr -w command terminate /mnt/rdm"}, c.Execs[0])
}

func TestTeardown_Stopped(t *testing.T) {
	m, rt, _ := newManager(t)
	id := rt.AddContainer(container.Config{Name: "jupyter-alice_rdmfs"}, false)

	require.NoError(t, m.Teardown(context.Background(), "jupyter-alice"))
	_, ok := rt.Container(id)
	assert.False(t, ok)
	assert.Zero(t, rt.Calls["ExecDetached"])
}

func TestTeardown_BenignRaces(t *testing.T) {
	for name, err := range map[string]error{
		"conflict":  fmt.Errorf("removal in progress: %w", errdefs.ErrConflict),
		"not found": fmt.Errorf("gone: %w", errdefs.ErrNotFound),
		"internal":  fmt.Errorf("node down: %w", errdefs.ErrInternal),
	} {
		t.Run(name, func(t *testing.T) {
			m, rt, _ := newManager(t)
			rt.AddContainer(container.Config{Name: "jupyter-alice_rdmfs"}, false)
			rt.Fail["RemoveContainer"] = err
			assert.NoError(t, m.Teardown(context.Background(), "jupyter-alice"))
		})
	}
}

func TestTeardown_UnexpectedError(t *testing.T) {
	m, rt, _ := newManager(t)
	rt.AddContainer(container.Config{Name: "jupyter-alice_rdmfs"}, false)
	rt.Fail["RemoveContainer"] = errors.New("permission denied")
	assert.ErrorContains(t, m.Teardown(context.Background(), "jupyter-alice"), "permission denied")
}

func TestTeardown_UnhealthyLookup(t *testing.T) {
	m, rt, _ := newManager(t)
	rt.Fail["InspectContainer"] = fmt.Errorf("node down: %w", errdefs.ErrInternal)
	assert.NoError(t, m.Teardown(context.Background(), "jupyter-alice"))
}

func TestForceRemove(t *testing.T) {
	m, rt, _ := newManager(t)
	id := rt.AddContainer(container.Config{Name: "jupyter-alice_rdmfs"}, true)

	require.NoError(t, m.ForceRemove(context.Background(), "jupyter-alice"))
	_, ok := rt.Container(id)
	assert.False(t, ok)
	require.NoError(t, m.ForceRemove(context.Background(), "jupyter-alice"))
}

func TestSweep(t *testing.T) {
	m, rt, _ := newManager(t)
	rt.AddContainer(container.Config{Name: "jupyter-alice"}, true)
	rt.AddContainer(container.Config{Name: "jupyter-alice_rdmfs"}, true)
	rt.AddContainer(container.Config{Name: "jupyter-bob_rdmfs"}, true)
	rt.AddContainer(container.Config{Name: "jupyter-carol_rdmfs_backup"}, false)

	removed, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"jupyter-bob_rdmfs"}, removed)

	_, ok := rt.Container("jupyter-alice_rdmfs")
	assert.True(t, ok)
	_, ok = rt.Container("jupyter-carol_rdmfs_backup")
	assert.True(t, ok)
}

func TestSweep_SkipsClaimedSessions(t *testing.T) {
	m, rt, _ := newManager(t)
	rt.AddContainer(container.Config{Name: "jupyter-bob_rdmfs"}, true)
	ctx := context.Background()

	release := m.Claim("jupyter-bob")
	removed, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)

	release()
	release()
	removed, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jupyter-bob_rdmfs"}, removed)
}

func TestClaim_Nested(t *testing.T) {
	m, _, _ := newManager(t)
	r1 := m.Claim("jupyter-alice")
	r2 := m.Claim("jupyter-alice")
	r1()
	assert.True(t, m.claimed("jupyter-alice"))
	r2()
	assert.False(t, m.claimed("jupyter-alice"))
}

func TestReconcileExisting_UnhealthyLookup(t *testing.T) {
	m, rt, _ := newManager(t)
	rt.Fail["InspectContainer"] = fmt.Errorf("node down: %w", errdefs.ErrInternal)
	assert.NoError(t, m.ReconcileExisting(context.Background(), "jupyter-alice"))
	assert.Zero(t, rt.Calls["RemoveContainer"])
}

func TestReconcileExisting_UnexpectedError(t *testing.T) {
	m, rt, _ := newManager(t)
	rt.Fail["InspectContainer"] = errors.New("permission denied")
	assert.ErrorContains(t, m.ReconcileExisting(context.Background(), "jupyter-alice"), "permission denied")
}

func TestNewSweeper(t *testing.T) {
	m, _, _ := newManager(t)

	_, err := NewSweeper(m, "not a schedule")
	assert.Error(t, err)

	s, err := NewSweeper(m, "")
	require.NoError(t, err)
	s.Start()
	s.Start()
	s.Stop(context.Background())
	s.Stop(context.Background())
}
