// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package admin implementa o canal administrativo mTLS do reducer (spec §6,
// §9): distribuição da mensagem de bootstrap do grupo, keepalive
// ControlPing/ControlPong (adaptado de internal/protocol/control.go,
// reaproveitando o mesmo formato de frame ControlPong: timestamp, carga e
// disco livre) e o snapshot JSON dos contadores observáveis por plano.
// Roda em sua própria goroutine, inteiramente fora do loop de eventos
// (spec §5, §9): nunca chama métodos de router.Dispatcher diretamente, só lê
// o snapshot publicado por Dispatcher.PublishSnapshot via LatestSnapshot.
package admin

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/rdcmesh/internal/config"
	"github.com/nishisan-dev/rdcmesh/internal/health"
	"github.com/nishisan-dev/rdcmesh/internal/protocol"
	"github.com/nishisan-dev/rdcmesh/internal/router"
)

// Server is the administrative TLS endpoint for one reducer process.
type Server struct {
	logger    *slog.Logger
	tlsConfig *tls.Config
	listen    string
	disp      *router.Dispatcher
	monitor   *health.Monitor

	connsMu     sync.Mutex
	conns       int
	membersList []config.MeshMember
}

// NewServer builds an administrative Server. monitor may be nil, in which
// case ControlPong always reports DiskFree=0.
func NewServer(logger *slog.Logger, tlsConfig *tls.Config, listen string, disp *router.Dispatcher, monitor *health.Monitor) *Server {
	return &Server{
		logger:    logger.With("component", "admin"),
		tlsConfig: tlsConfig,
		listen:    listen,
		disp:      disp,
		monitor:   monitor,
	}
}

// Run listens and serves administrative connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.listen, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("admin: listening on %s: %w", s.listen, err)
	}
	defer ln.Close()

	s.logger.Info("admin channel listening", "address", s.listen)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				consecutiveErrors++
				s.logger.Error("admin: accept failed", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					time.Sleep(time.Second)
				}
				continue
			}
		}
		consecutiveErrors = 0
		go s.handleConn(ctx, conn)
	}
}

// Frame command bytes exchanged over the admin channel, each following the
// 4-byte magic convention of internal/protocol (spec §6 does not mandate a
// byte value for these, only the group bootstrap wire shape; CPNG is reused
// unchanged from the teacher for keepalive).
var (
	magicBootstrap = [4]byte{'G', 'R', 'P', 'B'} // group bootstrap push (admin -> reducer not needed here; reducer -> admin pull)
	magicSnapshot  = [4]byte{'S', 'N', 'A', 'P'} // snapshot request/response
)

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.connsMu.Lock()
	s.conns++
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		s.conns--
		s.connsMu.Unlock()
	}()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var magic [4]byte
		if _, err := io.ReadFull(conn, magic[:]); err != nil {
			if err != io.EOF {
				logger.Debug("admin channel closed", "reason", err)
			}
			return
		}

		switch magic {
		case protocol.MagicControlPing:
			if err := s.handlePing(conn); err != nil {
				logger.Warn("admin: handling ping", "error", err)
				return
			}
		case magicBootstrap:
			if err := s.handleBootstrapRequest(conn); err != nil {
				logger.Warn("admin: handling bootstrap request", "error", err)
				return
			}
		case magicSnapshot:
			if err := s.handleSnapshotRequest(conn); err != nil {
				logger.Warn("admin: handling snapshot request", "error", err)
				return
			}
		default:
			logger.Warn("admin: unknown frame magic", "magic", string(magic[:]))
			return
		}
	}
}

// handlePing reads the 8-byte timestamp that follows the CPNG magic already
// consumed by handleConn's dispatch, and replies with a ControlPong carrying
// this reducer's CPU load and disk-free figures (internal/health).
func (s *Server) handlePing(conn net.Conn) error {
	var tsBuf [8]byte
	if _, err := io.ReadFull(conn, tsBuf[:]); err != nil {
		return fmt.Errorf("reading ping timestamp: %w", err)
	}
	timestamp := int64(binary.BigEndian.Uint64(tsBuf[:]))

	var load float32
	var diskFree uint32
	if s.monitor != nil {
		st := s.monitor.Stats()
		load = float32(st.CPUPercent) / 100.0
		diskFree = uint32(st.DiskFreeBytes / (1024 * 1024))
	}

	return protocol.WriteControlPong(conn, timestamp, load, diskFree)
}

// handleSnapshotRequest writes the JSON-encoded plan counters published by
// the dispatcher's most recent tick (router.Dispatcher.LatestSnapshot).
func (s *Server) handleSnapshotRequest(conn net.Conn) error {
	snap := s.disp.LatestSnapshot()
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	if _, err := conn.Write(lenBuf); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

// handleBootstrapRequest replies with the wire-encoded group bootstrap
// message for the reducer's own configured mesh members (spec §6: "count
// (u32), (host(cstring), port(u32), reducer_id(u64)){count}").
func (s *Server) handleBootstrapRequest(conn net.Conn) error {
	// The dispatcher doesn't own mesh membership (that's config-supplied at
	// startup), so this handler only frames whatever the caller sends back
	// via SetMembers — see Server.SetMembers.
	body := EncodeGroupBootstrap(s.members())
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	if _, err := conn.Write(lenBuf); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

func (s *Server) members() []config.MeshMember {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.membersList
}

// SetMembers updates the group membership returned by bootstrap requests.
// Safe for concurrent use; cmd/rdcmesh calls it once at startup with the
// configured mesh members.
func (s *Server) SetMembers(members []config.MeshMember) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.membersList = members
}

// EncodeGroupBootstrap serializes the group bootstrap message (spec §6).
func EncodeGroupBootstrap(members []config.MeshMember) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(members)))
	for _, m := range members {
		buf = append(buf, []byte(m.Host)...)
		buf = append(buf, 0) // cstring terminator
		portBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(portBuf, uint32(m.Port))
		buf = append(buf, portBuf...)
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, m.ID)
		buf = append(buf, idBuf...)
	}
	return buf
}

// ParseGroupBootstrap decodes the group bootstrap message (spec §6).
func ParseGroupBootstrap(r io.Reader) ([]config.MeshMember, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("reading member count: %w", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	members := make([]config.MeshMember, 0, count)
	for i := uint32(0); i < count; i++ {
		host, err := readCString(r)
		if err != nil {
			return nil, fmt.Errorf("reading member %d host: %w", i, err)
		}
		var portBuf [4]byte
		if _, err := io.ReadFull(r, portBuf[:]); err != nil {
			return nil, fmt.Errorf("reading member %d port: %w", i, err)
		}
		var idBuf [8]byte
		if _, err := io.ReadFull(r, idBuf[:]); err != nil {
			return nil, fmt.Errorf("reading member %d id: %w", i, err)
		}
		members = append(members, config.MeshMember{
			Host: host,
			Port: int(binary.BigEndian.Uint32(portBuf[:])),
			ID:   binary.BigEndian.Uint64(idBuf[:]),
		})
	}
	return members, nil
}

func readCString(r io.Reader) (string, error) {
	var buf []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
}
