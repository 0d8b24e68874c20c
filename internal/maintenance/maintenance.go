// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package maintenance runs the reducer's periodic background sweeps (spec
// §9: tombstone reporting and cold-archival scheduling) on robfig/cron,
// adapted from internal/agent.Scheduler. Neither sweep touches
// router.Dispatcher's arenas directly from the cron goroutine — spec §5
// reserves that to the event loop goroutine. The tombstone sweep only reads
// the lock-free router.Dispatcher.LatestSnapshot(); the archive sweep just
// raises a signal the event loop drains at its own tick boundary
// (internal/evloop.Reactor.ArchiveSignal).
package maintenance

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/rdcmesh/internal/router"
)

// Scheduler owns the cron jobs and the channel the event loop polls to learn
// an archive sweep was requested.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	archiveSignal chan struct{}
}

// Config names the cron expressions for each sweep (config.MaintenanceConfig
// carries the YAML-facing equivalent; this avoids an import cycle since
// internal/config doesn't need to know about internal/router).
type Config struct {
	TombstoneSweep string
	ArchiveSweep   string
}

// New builds a Scheduler with one cron job per sweep, registered but not yet
// started.
func New(cfg Config, logger *slog.Logger, disp *router.Dispatcher) (*Scheduler, error) {
	s := &Scheduler{
		logger:        logger.With("component", "maintenance"),
		archiveSignal: make(chan struct{}, 1),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(cfg.TombstoneSweep, func() {
		s.reportTombstones(disp)
	}); err != nil {
		return nil, fmt.Errorf("maintenance: adding tombstone sweep %q: %w", cfg.TombstoneSweep, err)
	}

	if _, err := c.AddFunc(cfg.ArchiveSweep, func() {
		s.requestArchive()
	}); err != nil {
		return nil, fmt.Errorf("maintenance: adding archive sweep %q: %w", cfg.ArchiveSweep, err)
	}

	s.cron = c
	return s, nil
}

// Start begins running the registered sweeps.
func (s *Scheduler) Start() {
	s.logger.Info("maintenance scheduler started")
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

// ArchiveSignal is drained by the event loop (internal/evloop.Reactor) once
// per tick to decide whether to call router.Dispatcher.ArchiveAll.
func (s *Scheduler) ArchiveSignal() <-chan struct{} {
	return s.archiveSignal
}

func (s *Scheduler) requestArchive() {
	select {
	case s.archiveSignal <- struct{}{}:
	default:
		// a sweep is already pending for the loop to pick up; coalesce.
	}
}

func (s *Scheduler) reportTombstones(disp *router.Dispatcher) {
	snap := disp.LatestSnapshot()
	tombstoned := 0
	for _, ps := range snap {
		if ps.Tombstoned {
			tombstoned++
		}
	}
	if tombstoned > 0 {
		s.logger.Info("tombstone sweep", "plans_total", len(snap), "tombstoned", tombstoned)
	} else {
		s.logger.Debug("tombstone sweep", "plans_total", len(snap), "tombstoned", 0)
	}
}
