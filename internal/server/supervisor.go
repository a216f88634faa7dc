package server

import (
	"context"
	"time"

	"github.com/zjrosen/adw/internal/log"
	"github.com/zjrosen/adw/internal/store"
)

// Supervisor runs the periodic housekeeping tick: idle-connection reaping,
// the heartbeat broadcast, and optional stuck-workflow detection.
type Supervisor struct {
	manager        *Manager
	store          *store.Store
	interval       time.Duration
	stuckThreshold time.Duration
}

func NewSupervisor(m *Manager, s *store.Store, interval, stuckThreshold time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Supervisor{
		manager:        m,
		store:          s,
		interval:       interval,
		stuckThreshold: stuckThreshold,
	}
}

// Run ticks until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(sv.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.tick(ctx)
		}
	}
}

func (sv *Supervisor) tick(ctx context.Context) {
	if reaped := sv.manager.ReapIdle(); reaped > 0 {
		log.Info(log.CatServer, "reaped idle connections", "count", reaped)
	}
	sv.manager.Heartbeat()

	if sv.stuckThreshold > 0 {
		count, err := sv.store.DetectStuck(ctx, sv.stuckThreshold, "")
		if err != nil {
			log.ErrorErr(log.CatServer, "stuck detection failed", err)
		} else if count > 0 {
			log.Warn(log.CatServer, "flagged stuck workflows", "count", count)
		}
	}
}
