// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleReducerYAML = `
reducer:
  id: 0
mesh:
  listen: "0.0.0.0:7400"
  members:
    - host: "10.0.0.1"
      port: 7400
      id: 0
    - host: "10.0.0.2"
      port: 7400
      id: 1
plan_queue:
  spill_dir: "/var/lib/rdcmesh/spill"
throttle:
  bytes_per_sec: 0
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reducer.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadReducerConfig_Defaults(t *testing.T) {
	cfg, err := LoadReducerConfig(writeTempConfig(t, sampleReducerYAML))
	if err != nil {
		t.Fatalf("LoadReducerConfig: %v", err)
	}
	if cfg.Reducer.ID != 0 {
		t.Errorf("expected reducer.id 0, got %d", cfg.Reducer.ID)
	}
	if len(cfg.Mesh.Members) != 2 {
		t.Fatalf("expected 2 mesh members, got %d", len(cfg.Mesh.Members))
	}
	if cfg.PlanQueue.MemBudgetRaw != 8*1024*1024 {
		t.Errorf("expected default mem_budget 8mb, got %d bytes", cfg.PlanQueue.MemBudgetRaw)
	}
	if cfg.Maintenance.TombstoneSweep != "@every 5s" {
		t.Errorf("expected default tombstone_sweep, got %q", cfg.Maintenance.TombstoneSweep)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadReducerConfig_RejectsMissingSelfInMembers(t *testing.T) {
	bad := `
reducer:
  id: 9
mesh:
  listen: "0.0.0.0:7400"
  members:
    - host: "10.0.0.1"
      port: 7400
      id: 0
plan_queue:
  spill_dir: "/var/lib/rdcmesh/spill"
`
	_, err := LoadReducerConfig(writeTempConfig(t, bad))
	if err == nil {
		t.Fatalf("expected error when reducer.id is absent from mesh.members")
	}
}

func TestLoadReducerConfig_RequiresAdminCertsWhenListenSet(t *testing.T) {
	bad := `
reducer:
  id: 0
mesh:
  listen: "0.0.0.0:7400"
  members:
    - host: "10.0.0.1"
      port: 7400
      id: 0
admin:
  listen: "127.0.0.1:7401"
plan_queue:
  spill_dir: "/var/lib/rdcmesh/spill"
`
	_, err := LoadReducerConfig(writeTempConfig(t, bad))
	if err == nil {
		t.Fatalf("expected error when admin.listen is set without certificate paths")
	}
}
