package config

import (
	"fmt"
	"strings"

	"github.com/majorcontext/envhub/internal/container"
)

// ParseMount parses a mount string like "/srv/data:/home/jovyan/data:ro".
func ParseMount(s string) (container.MountConfig, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return container.MountConfig{}, fmt.Errorf("invalid mount: %s (expected source:target[:ro])", s)
	}
	m := container.MountConfig{Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return container.MountConfig{}, fmt.Errorf("invalid mount mode %q in %s", parts[2], s)
		}
	}
	return m, nil
}

// SessionMounts parses Session.Mounts.
func (c *Config) SessionMounts() ([]container.MountConfig, error) {
	out := make([]container.MountConfig, 0, len(c.Session.Mounts))
	for _, s := range c.Session.Mounts {
		m, err := ParseMount(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
