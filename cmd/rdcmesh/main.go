// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/rdcmesh/internal/admin"
	"github.com/nishisan-dev/rdcmesh/internal/config"
	"github.com/nishisan-dev/rdcmesh/internal/evloop"
	"github.com/nishisan-dev/rdcmesh/internal/health"
	"github.com/nishisan-dev/rdcmesh/internal/logging"
	"github.com/nishisan-dev/rdcmesh/internal/maintenance"
	"github.com/nishisan-dev/rdcmesh/internal/mesh"
	"github.com/nishisan-dev/rdcmesh/internal/pki"
	"github.com/nishisan-dev/rdcmesh/internal/planqueue"
	"github.com/nishisan-dev/rdcmesh/internal/router"
	"github.com/nishisan-dev/rdcmesh/internal/throttle"
)

// protocolVersion is the handshake version this reducer advertises and
// requires of its mesh peers (internal/mesh's FSM rejects a mismatch).
const protocolVersion uint32 = 1

func main() {
	configPath := flag.String("config", "/etc/rdcmesh/reducer.yaml", "path to reducer config file")
	flag.Parse()

	cfg, err := config.LoadReducerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// LoggingInfo carries no file path field (reused verbatim from
	// internal/config's agent/server configs), so logging always goes to
	// stdout here; NewLogger's closer is a no-op in that case.
	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("reducer error", "error", err)
		os.Exit(1)
	}
}

// run constructs every reducer component and blocks on the event loop until
// ctx is cancelled or the dispatcher raises its interrupt flag.
func run(ctx context.Context, cfg *config.ReducerConfig, logger *slog.Logger) error {
	selfID := mesh.PortId(cfg.Reducer.ID)

	listenHost, listenPortStr, err := net.SplitHostPort(cfg.Mesh.Listen)
	if err != nil {
		return fmt.Errorf("parsing mesh.listen %q: %w", cfg.Mesh.Listen, err)
	}
	listenPort, err := strconv.Atoi(listenPortStr)
	if err != nil {
		return fmt.Errorf("parsing mesh.listen port %q: %w", listenPortStr, err)
	}
	listener, err := mesh.ListenReducer(listenHost, listenPort)
	if err != nil {
		return fmt.Errorf("listening on mesh address %s: %w", cfg.Mesh.Listen, err)
	}

	var archiver planqueue.Archiver
	if cfg.PlanQueue.S3Archive {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.PlanQueue.S3Region))
		if err != nil {
			return fmt.Errorf("loading aws config for plan queue archival: %w", err)
		}
		archiver = planqueue.NewS3Archiver(s3.NewFromConfig(awsCfg), cfg.PlanQueue.S3Bucket, cfg.PlanQueue.S3Prefix)
	}

	newStore := func(planID mesh.PortId) (mesh.RdcStore, error) {
		st, err := planqueue.New(planqueue.Options{
			PlanID:    uint64(planID),
			SpillDir:  cfg.PlanQueue.SpillDir,
			MemBudget: cfg.PlanQueue.MemBudgetRaw,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		if archiver != nil {
			st.ConfigureArchive(archiver, cfg.PlanQueue.RetentionAge)
		}
		return st, nil
	}

	th := throttle.NewSet(cfg.Throttle.BytesPerSec)
	disp := router.New(logger, selfID, len(cfg.Mesh.Members), newStore, th)

	reactor, err := evloop.NewReactor(logger, disp, listener, selfID, protocolVersion)
	if err != nil {
		return fmt.Errorf("starting event loop: %w", err)
	}
	defer reactor.Close()

	// PlanDials reasons over the group as reducer_id 0..N-1, not array
	// position, so members are indexed by id rather than assumed sorted.
	membersByID := make(map[int]config.MeshMember, len(cfg.Mesh.Members))
	for _, m := range cfg.Mesh.Members {
		membersByID[int(m.ID)] = m
	}
	for _, dial := range mesh.PlanDials(len(cfg.Mesh.Members), cfg.Reducer.ID) {
		peer, ok := membersByID[dial]
		if !ok {
			logger.Warn("mesh.members has no entry for reducer_id required by the dial plan", "reducer_id", dial)
			continue
		}
		if err := reactor.DialPeer(peer.Host, peer.Port, mesh.PortId(peer.ID)); err != nil {
			logger.Warn("failed to dial mesh peer", "peer_id", peer.ID, "host", peer.Host, "port", peer.Port, "error", err)
		}
	}

	var monitor *health.Monitor
	if cfg.Maintenance.HealthInterval > 0 {
		monitor = health.New(logger, cfg.PlanQueue.SpillDir, cfg.Maintenance.HealthInterval)
		monitor.Start()
		defer monitor.Stop()
	}

	if cfg.Admin.Listen != "" {
		tlsConfig, err := pki.NewServerTLSConfig(cfg.Admin.CACert, cfg.Admin.ServerCert, cfg.Admin.ServerKey)
		if err != nil {
			return fmt.Errorf("building admin TLS config: %w", err)
		}
		adminSrv := admin.NewServer(logger, tlsConfig, cfg.Admin.Listen, disp, monitor)
		adminSrv.SetMembers(cfg.Mesh.Members)
		go func() {
			if err := adminSrv.Run(ctx); err != nil {
				logger.Error("admin channel stopped", "error", err)
			}
		}()
	}

	maintSched, err := maintenance.New(maintenance.Config{
		TombstoneSweep: cfg.Maintenance.TombstoneSweep,
		ArchiveSweep:   cfg.Maintenance.ArchiveSweep,
	}, logger, disp)
	if err != nil {
		return fmt.Errorf("building maintenance scheduler: %w", err)
	}
	maintSched.Start()
	defer maintSched.Stop()
	reactor.ArchiveSignal = maintSched.ArchiveSignal()

	logger.Info("reducer started", "reducer_id", cfg.Reducer.ID, "listen", cfg.Mesh.Listen)
	return reactor.Run(ctx)
}
