package monitor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/paths"
)

// Streamer owns the set of running monitors, one per workflow.
type Streamer struct {
	resolver paths.Resolver
	bus      *events.Bus

	mu       sync.Mutex
	monitors map[string]*Monitor
}

func NewStreamer(resolver paths.Resolver, bus *events.Bus) *Streamer {
	return &Streamer{
		resolver: resolver,
		bus:      bus,
		monitors: map[string]*Monitor{},
	}
}

// Start launches a monitor for adwID. Starting an already-monitored
// workflow is refused.
func (s *Streamer) Start(adwID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[adwID]; ok {
		return fmt.Errorf("monitor for %s already running", adwID)
	}

	m := New(adwID, s.resolver, s.bus)
	if err := m.Start(); err != nil {
		return err
	}
	s.monitors[adwID] = m
	return nil
}

// Stop halts the monitor for adwID. Unknown workflows are a no-op.
func (s *Streamer) Stop(adwID string) {
	s.mu.Lock()
	m, ok := s.monitors[adwID]
	delete(s.monitors, adwID)
	s.mu.Unlock()
	if ok {
		m.Stop()
	}
}

// StopAll halts every running monitor.
func (s *Streamer) StopAll() {
	s.mu.Lock()
	current := s.monitors
	s.monitors = map[string]*Monitor{}
	s.mu.Unlock()

	for _, m := range current {
		m.Stop()
	}
}

// Active returns the monitored workflow ids, sorted.
func (s *Streamer) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.monitors))
	for adwID := range s.monitors {
		out = append(out, adwID)
	}
	sort.Strings(out)
	return out
}
