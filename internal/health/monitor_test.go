// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package health

import (
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestStatsFullThreshold(t *testing.T) {
	s := Stats{DiskUsagePercent: 91.5}
	if !s.Full(90) {
		t.Fatalf("expected disk usage 91.5%% to cross a 90%% threshold")
	}
	if s.Full(95) {
		t.Fatalf("did not expect disk usage 91.5%% to cross a 95%% threshold")
	}
}

func TestMonitorStartStopCollectsAtLeastOnce(t *testing.T) {
	m := New(discardLogger(), t.TempDir(), 0)
	m.Start()
	m.Stop()

	s := m.Stats()
	if s.SampledAt.IsZero() {
		t.Fatalf("expected at least one collection before Stop returns")
	}
}
