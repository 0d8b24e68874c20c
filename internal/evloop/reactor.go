// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

package evloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/nishisan-dev/rdcmesh/internal/mesh"
	"github.com/nishisan-dev/rdcmesh/internal/router"
)

// tickTimeout bounds how long a single epoll_wait call blocks, so the
// reactor notices context cancellation and the interrupt flag promptly
// (spec §4.5 cancellation, §5).
const tickTimeout = 250 * time.Millisecond

// scratchSize is the read buffer size used to drain a readable socket into
// a Port's in-buffer each tick.
const scratchSize = 64 * 1024

// Reactor drives the event loop tick described in spec §4.5 over a single
// mesh listener: it owns the fd-registration bookkeeping the dispatcher
// itself stays agnostic of, and hands every ready fd to either the
// handshake state machine (internal/mesh) or the dispatcher
// (internal/router) depending on the Port's current Status.
type Reactor struct {
	Logger *slog.Logger

	loop     *Loop
	disp     *router.Dispatcher
	listener mesh.Listener
	listenFd int

	selfID  mesh.PortId
	version uint32

	fdHandle map[int]mesh.Handle
	scratch  []byte

	// ArchiveSignal, when set, is polled non-blockingly once per tick; a
	// pending signal runs router.Dispatcher.ArchiveAll from the loop
	// goroutine (spec §5) before the next Wait call.
	ArchiveSignal <-chan struct{}
}

// NewReactor builds a Reactor bound to an already-bound mesh listener and a
// Dispatcher that owns the Port/PlanPort arenas.
func NewReactor(logger *slog.Logger, disp *router.Dispatcher, listener mesh.Listener, selfID mesh.PortId, version uint32) (*Reactor, error) {
	loop, err := New()
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		Logger:   logger,
		loop:     loop,
		disp:     disp,
		listener: listener,
		listenFd: listener.Fd(),
		selfID:   selfID,
		version:  version,
		fdHandle: make(map[int]mesh.Handle),
		scratch:  make([]byte, scratchSize),
	}
	if err := r.loop.Update(r.listenFd, mesh.WaitReadable); err != nil {
		r.loop.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying epoll fd. It does not close the listener or
// any accepted Port — callers own those lifetimes via the Dispatcher arena.
func (r *Reactor) Close() error { return r.loop.Close() }

// DialPeer registers an outbound connection attempt to a mesh peer (spec
// §4.4: dials decided by the even/odd rule). The Port starts in NEEDED and
// is driven to OK by subsequent ticks exactly like an accepted Port.
func (r *Reactor) DialPeer(host string, port int, expectPeerID mesh.PortId) error {
	p, err := mesh.NewDialPort(host, port, mesh.PortKindReduce, r.selfID, r.version)
	if err != nil {
		return err
	}
	p.ExpectPeer(expectPeerID)
	h := r.disp.Ports.Alloc(p)
	// Drive the first synchronous step immediately: NEEDED creates the
	// socket and either completes or starts a nonblocking connect, so the
	// Port has a real fd to register before the next Wait call.
	outcome, stepErr := p.Step()
	if p.Fd() >= 0 {
		r.fdHandle[p.Fd()] = h
	}
	if outcome == mesh.PollFailed {
		r.disp.Ports.Free(h)
		return stepErr
	}
	return nil
}

// Run drives the tick loop described in spec §4.5 until ctx is cancelled or
// the dispatcher's interrupt flag is observed at a tick boundary.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if r.disp.Interrupted {
			return nil
		}
		if err := r.armWantedEvents(); err != nil {
			return err
		}
		events, err := r.loop.Wait(tickTimeout)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Fd == r.listenFd {
				r.acceptAll()
				continue
			}
			r.dispatchEvent(ev)
		}
		r.disp.ReapTombstones()
		r.drainArchiveSignal(ctx)
		r.disp.PublishSnapshot()
	}
}

func (r *Reactor) drainArchiveSignal(ctx context.Context) {
	if r.ArchiveSignal == nil {
		return
	}
	select {
	case <-r.ArchiveSignal:
		r.disp.ArchiveAll(ctx)
	default:
	}
}

// armWantedEvents implements spec §4.5 step 1: recompute and (re)arm every
// tracked Port's desired wait_events ahead of the next Wait call.
func (r *Reactor) armWantedEvents() error {
	var updateErr error
	r.disp.Ports.Each(func(h mesh.Handle, p *mesh.Port) {
		fd := p.Fd()
		if fd < 0 {
			return
		}
		if err := r.loop.Update(fd, p.DesiredEvents()); err != nil && updateErr == nil {
			updateErr = err
		}
	})
	return updateErr
}

// acceptAll drains every pending connection on the mesh listener (level-
// triggered epoll already guarantees re-notification if more remain, but
// draining here avoids a needless extra tick under load).
func (r *Reactor) acceptAll() {
	for {
		p, err := r.listener.AcceptPort(mesh.PortKindReduce, r.selfID, r.version)
		if err != nil {
			if !errors.Is(err, mesh.ErrWouldBlock) {
				r.Logger.Warn("accept failed", "error", err)
			}
			return
		}
		h := r.disp.Ports.Alloc(p)
		r.fdHandle[p.Fd()] = h
	}
}

// dispatchEvent handles one ready fd: handshake progress while the Port is
// not yet OK, or a live dispatch call once it is (spec §4.3, §4.6).
func (r *Reactor) dispatchEvent(ev Event) {
	h, ok := r.fdHandle[ev.Fd]
	if !ok {
		return
	}
	port := r.disp.Ports.Get(h)
	if port == nil || port.IsClosed() {
		delete(r.fdHandle, ev.Fd)
		return
	}

	if ev.Err {
		r.closePort(ev.Fd, h, port)
		return
	}

	if port.Status != mesh.StatusOK {
		r.pumpHandshake(ev, h, port)
		return
	}

	if ev.Readable {
		lost := r.pumpReadable(port)
		if lost {
			r.closePort(ev.Fd, h, port)
			return
		}
		if err := r.disp.HandleRead(h); err != nil {
			r.Logger.Debug("dispatch read failed", "error", err)
		}
	}
	if ev.Writable {
		if err := r.disp.HandleWrite(h); err != nil {
			r.Logger.Debug("dispatch write failed", "error", err)
		}
	}
	if port.IsClosed() {
		r.closePort(ev.Fd, h, port)
	}
}

func (r *Reactor) pumpHandshake(ev Event, h mesh.Handle, port *mesh.Port) {
	if ev.Readable {
		if lost := r.pumpReadable(port); lost {
			r.closePort(ev.Fd, h, port)
			return
		}
	}
	if ev.Writable {
		if _, err := port.FlushOut(); err != nil {
			port.SetErr(err.Error())
			r.closePort(ev.Fd, h, port)
			return
		}
	}
	outcome, err := port.Step()
	if err != nil {
		r.Logger.Debug("handshake failed", "error", err)
	}
	switch outcome {
	case mesh.PollOK:
		r.onAuthenticated(h, port)
	case mesh.PollFailed:
		r.closePort(ev.Fd, h, port)
	}
}

func (r *Reactor) onAuthenticated(h mesh.Handle, port *mesh.Port) {
	switch port.PeerKind {
	case mesh.PortKindReduce:
		r.disp.RegisterReducerPeer(port.PeerID, h)
	case mesh.PortKindPlan:
		if _, err := r.disp.RegisterPlanWorker(port.PeerID, h); err != nil {
			r.Logger.Warn("failed to register plan worker", "plan_id", port.PeerID, "error", err)
			port.Close()
		}
	default:
		r.Logger.Warn("authenticated port has unroutable peer kind", "peer_kind", port.PeerKind)
		port.Close()
	}
}

// pumpReadable drains the socket into port.In until would-block or orderly
// close, reporting lost=true on EOF/hard error (spec §7 "Peer disconnect").
func (r *Reactor) pumpReadable(port *mesh.Port) (lost bool) {
	for {
		n, ok, err := port.ReadInto(r.scratch)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true
			}
			port.SetErr(err.Error())
			return true
		}
		if !ok || n == 0 {
			return false
		}
	}
}

func (r *Reactor) closePort(fd int, h mesh.Handle, port *mesh.Port) {
	if port.PeerKind == mesh.PortKindReduce {
		r.disp.UnregisterReducerPeer(port.PeerID)
	}
	r.loop.Forget(fd)
	delete(r.fdHandle, fd)
	port.Close()
	r.disp.Ports.Free(h)
}
