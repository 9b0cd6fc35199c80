package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/labels"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		def    Defaults
		want   container.Resources
	}{
		{
			name: "no limits anywhere",
			want: container.Resources{},
		},
		{
			name:   "fractional cpu from image",
			labels: map[string]string{labels.CPULimit: "1.5"},
			want:   container.Resources{CPUPeriod: 100000, CPUQuota: 150000},
		},
		{
			name:   "zero cpu means no quota",
			labels: map[string]string{labels.CPULimit: "0"},
			want:   container.Resources{},
		},
		{
			name:   "empty image labels keep defaults",
			labels: map[string]string{labels.CPULimit: "", labels.MemLimit: ""},
			def:    Defaults{Memory: "1G", CPU: 2},
			want:   container.Resources{Memory: 1 << 30, CPUPeriod: 100000, CPUQuota: 200000},
		},
		{
			name:   "image overrides defaults",
			labels: map[string]string{labels.CPULimit: "0.25", labels.MemLimit: "4G"},
			def:    Defaults{Memory: "1G", CPU: 2},
			want:   container.Resources{Memory: 4 << 30, CPUPeriod: 100000, CPUQuota: 25000},
		},
		{
			name:   "fractional memory",
			labels: map[string]string{labels.MemLimit: "1.5G"},
			want:   container.Resources{Memory: 3 << 29},
		},
		{
			name:   "quota is floored",
			labels: map[string]string{labels.CPULimit: "0.333333"},
			want:   container.Resources{CPUPeriod: 100000, CPUQuota: 33333},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.labels, tt.def)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApply_Invalid(t *testing.T) {
	_, err := Apply(map[string]string{labels.CPULimit: "lots"}, Defaults{})
	assert.ErrorContains(t, err, "invalid cpu limit")

	_, err = Apply(map[string]string{labels.MemLimit: "huge"}, Defaults{})
	assert.ErrorContains(t, err, "invalid memory limit")
}

func TestImageLabels_FallsBackToContainerConfig(t *testing.T) {
	legacy := map[string]string{labels.CPULimit: "1"}
	assert.Equal(t, legacy, ImageLabels(container.ImageInspect{ContainerConfigLabels: legacy}))

	cfg := map[string]string{labels.CPULimit: "2"}
	assert.Equal(t, cfg, ImageLabels(container.ImageInspect{ConfigLabels: cfg, ContainerConfigLabels: legacy}))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "2", FormatMemGB(2<<30))
	assert.Equal(t, "1.5", FormatMemGB(3<<29))
	assert.Equal(t, "", FormatMemGB(0))
	assert.Equal(t, "1", FormatCPU(1))
	assert.Equal(t, "0.5", FormatCPU(0.5))
	assert.Equal(t, "", FormatCPU(0))
}
