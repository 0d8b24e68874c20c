// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReducerConfig representa a configuração completa de um processo reducer
// do reduce-exchange (spec §6, §9).
type ReducerConfig struct {
	Reducer     ReducerInfo       `yaml:"reducer"`
	Mesh        MeshConfig        `yaml:"mesh"`
	Admin       AdminConfig       `yaml:"admin"`
	PlanQueue   PlanQueueConfig   `yaml:"plan_queue"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingInfo       `yaml:"logging"`
}

// ReducerInfo identifica este reducer dentro do grupo da malha.
type ReducerInfo struct {
	ID int `yaml:"id"` // reducer_id (spec §3), também usado como self_id de PortKindReduce
}

// MeshConfig descreve o listener TCP da malha e os membros do grupo.
type MeshConfig struct {
	Listen  string       `yaml:"listen"`  // ex: "0.0.0.0:7400"
	Members []MeshMember `yaml:"members"` // grupo completo, incluindo este reducer
}

// MeshMember é uma entrada da mensagem de bootstrap do grupo (spec §6:
// "count(u32), (host(cstring), port(u32), reducer_id(u64)){count}").
type MeshMember struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	ID   uint64 `yaml:"id"`
}

// AdminConfig configura o canal administrativo mTLS (spec §6, §9).
type AdminConfig struct {
	Listen     string `yaml:"listen"` // ex: "127.0.0.1:7401"
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// PlanQueueConfig configura internal/planqueue.Store (spec §4.7).
type PlanQueueConfig struct {
	SpillDir     string `yaml:"spill_dir"`
	MemBudget    string `yaml:"mem_budget"` // ex: "8mb" (default 8mb)
	MemBudgetRaw int64  `yaml:"-"`

	// S3Archive, quando habilitado, copia para o bucket configurado os
	// segmentos de spill retidos além de RetentionAge; o arquivo local é
	// mantido. O sweep é sinalizado por internal/maintenance e executado no
	// event loop via Dispatcher.ArchiveAll → Store.ArchiveRetired.
	S3Archive    bool          `yaml:"s3_archive"`
	S3Bucket     string        `yaml:"s3_bucket"`
	S3Prefix     string        `yaml:"s3_prefix"`
	S3Region     string        `yaml:"s3_region"`
	RetentionAge time.Duration `yaml:"retention_age"` // default 10m
}

// ThrottleConfig configura internal/throttle.Set.
type ThrottleConfig struct {
	BytesPerSec int64 `yaml:"bytes_per_sec"` // 0 desabilita throttling
}

// MaintenanceConfig configura as varreduras periódicas de internal/maintenance.
type MaintenanceConfig struct {
	TombstoneSweep string        `yaml:"tombstone_sweep"` // cron expr, default "@every 5s"
	ArchiveSweep   string        `yaml:"archive_sweep"`   // cron expr, default "@every 1m"
	HealthInterval time.Duration `yaml:"health_interval"` // default 15s
}

// LoadReducerConfig lê e valida o arquivo YAML de configuração do reducer.
func LoadReducerConfig(path string) (*ReducerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading reducer config: %w", err)
	}

	var cfg ReducerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing reducer config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating reducer config: %w", err)
	}

	return &cfg, nil
}

func (c *ReducerConfig) validate() error {
	if c.Mesh.Listen == "" {
		return fmt.Errorf("mesh.listen is required")
	}
	if len(c.Mesh.Members) == 0 {
		return fmt.Errorf("mesh.members must have at least one entry")
	}
	foundSelf := false
	seenIDs := make(map[uint64]bool, len(c.Mesh.Members))
	for _, m := range c.Mesh.Members {
		if m.Host == "" {
			return fmt.Errorf("mesh.members: host is required")
		}
		if m.Port <= 0 {
			return fmt.Errorf("mesh.members: port must be > 0, got %d", m.Port)
		}
		seenIDs[m.ID] = true
		if int(m.ID) == c.Reducer.ID {
			foundSelf = true
		}
	}
	if !foundSelf {
		return fmt.Errorf("mesh.members must include an entry whose id equals reducer.id (%d)", c.Reducer.ID)
	}
	// mesh.PlanDials indexes the group by reducer_id as a dense 0..N-1 range
	// (the even/odd dial tie-break has no meaning over a sparse id space).
	for i := 0; i < len(c.Mesh.Members); i++ {
		if !seenIDs[uint64(i)] {
			return fmt.Errorf("mesh.members ids must be a dense 0..%d range, missing id %d", len(c.Mesh.Members)-1, i)
		}
	}

	if c.Admin.Listen != "" {
		if c.Admin.CACert == "" || c.Admin.ServerCert == "" || c.Admin.ServerKey == "" {
			return fmt.Errorf("admin.ca_cert, admin.server_cert and admin.server_key are required when admin.listen is set")
		}
	}

	if c.PlanQueue.SpillDir == "" {
		return fmt.Errorf("plan_queue.spill_dir is required")
	}
	if c.PlanQueue.MemBudget == "" {
		c.PlanQueue.MemBudget = "8mb"
	}
	parsed, err := ParseByteSize(c.PlanQueue.MemBudget)
	if err != nil {
		return fmt.Errorf("plan_queue.mem_budget: %w", err)
	}
	c.PlanQueue.MemBudgetRaw = parsed

	if c.PlanQueue.S3Archive {
		if c.PlanQueue.S3Bucket == "" {
			return fmt.Errorf("plan_queue.s3_bucket is required when plan_queue.s3_archive is true")
		}
		if c.PlanQueue.RetentionAge <= 0 {
			c.PlanQueue.RetentionAge = 10 * time.Minute
		}
	}

	if c.Throttle.BytesPerSec < 0 {
		return fmt.Errorf("throttle.bytes_per_sec must be >= 0, got %d", c.Throttle.BytesPerSec)
	}

	if c.Maintenance.TombstoneSweep == "" {
		c.Maintenance.TombstoneSweep = "@every 5s"
	}
	if c.Maintenance.ArchiveSweep == "" {
		c.Maintenance.ArchiveSweep = "@every 1m"
	}
	if c.Maintenance.HealthInterval <= 0 {
		c.Maintenance.HealthInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	return nil
}
