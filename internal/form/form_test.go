package form

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/envhub/internal/registry"
)

func TestRender(t *testing.T) {
	r := New(Defaults{MemoryBytes: 2 << 30, CPU: 1})
	out, err := r.Render([]registry.Environment{
		{
			Repo: "https://github.com/a/b", ImageName: "a-b:HEAD", DisplayName: "A <b>",
			SpawnRef: "https%3A%2F%2Fgithub.com%2Fa%2Fb%23HEAD", MemLimit: "4G", CPULimit: "0.5",
			Status: registry.StatusBuilt,
		},
		{
			Repo: "https://github.com/c/d", ImageName: "c-d:HEAD", DisplayName: "c-d",
			Status: registry.StatusBuilt,
		},
	})
	require.NoError(t, err)

	assert.Contains(t, out, `value="a-b:HEAD"`)
	assert.Contains(t, out, `image-data="https%3A%2F%2Fgithub.com%2Fa%2Fb%23HEAD"`)
	assert.Contains(t, out, `id="image-item-1"`)
	assert.Contains(t, out, "A &lt;b&gt;", "display names are escaped")
	assert.Contains(t, out, "<strong>4</strong>")
	assert.Contains(t, out, "<strong>0.5</strong>")
	// Second entry falls back to the defaults.
	assert.Contains(t, out, "<strong>2</strong>")
	assert.Contains(t, out, "<strong>1</strong>")
}

func TestRender_Building(t *testing.T) {
	out, err := New(Defaults{}).Render([]registry.Environment{
		{ImageName: "x:HEAD", DisplayName: "x", Status: registry.StatusBuilding},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")
	assert.Contains(t, out, "(building)")
}

func TestRender_Empty(t *testing.T) {
	out, err := New(Defaults{}).Render(nil)
	require.NoError(t, err)
	assert.Contains(t, out, `id="image-list"`)
	assert.NotContains(t, out, "image-item-")
}

func TestNewFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "form.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{{range .Environments}}[{{.ImageName}} {{.MemLimit}}]{{end}}`), 0o644))

	r, err := NewFromFile(path, Defaults{MemoryBytes: 1 << 30})
	require.NoError(t, err)
	out, err := r.Render([]registry.Environment{{ImageName: "a:b"}})
	require.NoError(t, err)
	assert.Equal(t, "[a:b 1]", out)

	_, err = NewFromFile(filepath.Join(t.TempDir(), "missing"), Defaults{})
	assert.Error(t, err)
}
