// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package health amostra periodicamente o estado do sistema (CPU, memória,
// disco, carga) que alimentam a resposta ControlPong do canal administrativo
// (internal/admin); Stats.Full expõe um limiar de disco cheio que nenhum
// outro pacote consulta.
// Adaptado de internal/agent/monitor.go (SystemMonitor): mesma goroutine +
// ticker + snapshot protegido por mutex, mas a goroutine nunca chama de
// volta para internal/router — o event loop apenas lê Stats() em pontos de
// sua escolha (spec §5: "communicate with the loop only through atomics/
// channels queried at tick boundaries").
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats é a amostra mais recente do estado do sistema.
type Stats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	DiskFreeBytes    uint64
	LoadAverage1m    float64
	SampledAt        time.Time
}

// Full relata se o disco monitorado cruzou o limiar de cheio configurado —
// o sinal de backpressure que SPEC_FULL §2.2 menciona ("StatusFull-style
// backpressure signals").
func (s Stats) Full(thresholdPercent float64) bool {
	return s.DiskUsagePercent >= thresholdPercent
}

// Monitor amostra o sistema a cada interval em uma goroutine dedicada.
type Monitor struct {
	logger      *slog.Logger
	diskPath    string
	interval    time.Duration
	close       chan struct{}
	wg          sync.WaitGroup
	mu          sync.RWMutex
	stats       Stats
}

// New cria um Monitor para o caminho de disco dado (tipicamente o diretório
// de spill de internal/planqueue).
func New(logger *slog.Logger, diskPath string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		logger:   logger.With("component", "health"),
		diskPath: diskPath,
		interval: interval,
		close:    make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts collection and waits for the goroutine to exit.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Stats returns the most recently collected sample.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	s := Stats{SampledAt: time.Now()}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		s.CPUPercent = percentages[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage(m.diskPath); err == nil {
		s.DiskUsagePercent = d.UsedPercent
		s.DiskFreeBytes = d.Free
	} else {
		m.logger.Debug("failed to collect disk stats", "path", m.diskPath, "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.LoadAverage1m = l.Load1
	} else {
		m.logger.Debug("failed to collect load stats", "error", err)
	}

	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()
}
