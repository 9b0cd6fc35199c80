package sidecar

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/log"
)

// DefaultSweepSchedule is how often orphaned sidecars are looked for.
const DefaultSweepSchedule = "@every 5m"

// Sweep removes sidecars whose session container no longer exists, which
// happens when a session fails to start after its sidecar did or when the
// hub dies between stopping a session and tearing down its sidecar.
// Sessions claimed by a start in progress are skipped. It returns the names
// of the removed sidecars.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	list, err := m.rt.ListContainers(ctx, container.Filter{Name: Suffix})
	if err != nil {
		return nil, fmt.Errorf("listing sidecars: %w", err)
	}

	var removed []string
	for _, c := range list {
		name := sidecarName(c)
		if name == "" {
			continue
		}
		session := strings.TrimSuffix(name, Suffix)
		// Checked before the session lookup: a claim is only released once
		// the session container exists or the sidecar was rolled back.
		if m.claimed(session) {
			log.Debug("skipping sidecar of a session being started", "sidecar", name)
			continue
		}
		_, err := m.rt.InspectContainer(ctx, session)
		if err == nil {
			continue
		}
		if !container.IsNotFound(err) {
			log.Warn("skipping sidecar, cannot inspect its session", "sidecar", name, "error", err)
			continue
		}
		if err := m.remove(ctx, c.ID, name, true); err != nil {
			log.Warn("failed to remove orphaned sidecar", "sidecar", name, "error", err)
			continue
		}
		log.Info("removed orphaned sidecar", "sidecar", name)
		removed = append(removed, name)
	}
	return removed, nil
}

// sidecarName returns the container's name if it is a sidecar name. The
// engine's name filter is a substring match, so the suffix is rechecked.
func sidecarName(c container.Summary) string {
	for _, n := range c.Names {
		n = strings.TrimPrefix(n, "/")
		if strings.HasSuffix(n, Suffix) && len(n) > len(Suffix) {
			return n
		}
	}
	return ""
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	m    *Manager
	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewSweeper schedules m.Sweep. schedule accepts standard five-field cron
// expressions and descriptors such as "@every 5m".
func NewSweeper(m *Manager, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		m:    m,
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	if _, err := s.m.Sweep(context.Background()); err != nil {
		log.Warn("sidecar sweep failed", "error", err)
	}
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to
// end.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
