// Package limits turns per-image resource labels into the cgroup limits of a
// session container.
package limits

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/labels"
)

// CPUPeriod is the CFS scheduling period applied whenever a CPU limit is set.
const CPUPeriod int64 = 100000

// Defaults are the hub-wide limits used when an image carries none.
type Defaults struct {
	// Memory is a size string such as "2G"; empty means unlimited.
	Memory string
	// CPU is in fractional cores; zero means unlimited.
	CPU float64
}

// ImageLabels returns the labels of an inspected image, falling back to the
// legacy ContainerConfig section reported by older engines.
func ImageLabels(img container.ImageInspect) map[string]string {
	return img.Labels()
}

// Apply computes session resources from image labels, with image values
// overriding defaults.
func Apply(imageLabels map[string]string, def Defaults) (container.Resources, error) {
	var res container.Resources

	mem := def.Memory
	if v := strings.TrimSpace(imageLabels[labels.MemLimit]); v != "" {
		mem = v
	}
	if mem != "" {
		n, err := ParseMemory(mem)
		if err != nil {
			return res, err
		}
		res.Memory = n
	}

	cpu := def.CPU
	if v := strings.TrimSpace(imageLabels[labels.CPULimit]); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || c < 0 {
			return res, fmt.Errorf("invalid cpu limit %q", v)
		}
		cpu = c
	}
	if cpu > 0 {
		res.CPUPeriod = CPUPeriod
		res.CPUQuota = int64(math.Floor(float64(CPUPeriod) * cpu))
	}
	return res, nil
}

// ParseMemory converts a memory size ("2G", "512m", "1.5G", or a bare byte
// count) to bytes. Suffixes are binary.
func ParseMemory(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid memory limit %q", s)
	}
	return n, nil
}

// FormatMemGB renders a byte count in gigabytes for display: whole values
// without decimals, others with up to two.
func FormatMemGB(bytes int64) string {
	if bytes <= 0 {
		return ""
	}
	gb := float64(bytes) / float64(units.GiB)
	return trimFloat(gb)
}

// FormatCPU renders a core count for display, dropping a zero fraction.
func FormatCPU(cpu float64) string {
	if cpu <= 0 {
		return ""
	}
	return trimFloat(cpu)
}

func trimFloat(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(math.Round(f*100)/100, 'f', -1, 64)
}
