// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package router implementa o dispatcher do reduce-exchange (spec §4.6):
// roteia frames DATA/EOF/CLOSE entre endpoints de plano e reducers pares,
// mantendo o enfileiramento por plano com spill e a contabilidade de EOF.
// Nenhum tipo aqui é acessado por mais de uma goroutine — somente o event
// loop chama os métodos de Dispatcher (spec §5).
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nishisan-dev/rdcmesh/internal/mesh"
	"github.com/nishisan-dev/rdcmesh/internal/throttle"
	"github.com/nishisan-dev/rdcmesh/internal/wire"
)

// ErrProtocolViolation é retornado (e a Port correspondente fechada) quando
// o dispatcher encontra um frame semanticamente inválido em regime normal
// (spec §4.6, §7).
var ErrProtocolViolation = errors.New("router: dispatch protocol violation")

// StoreFactory constrói a rdcstore (spec §4.7) usada por um PlanPort recém
// criado sob demanda.
type StoreFactory func(planID mesh.PortId) (mesh.RdcStore, error)

// Dispatcher é o roteador/dispatcher central (spec §4.6). Ele mesmo carrega,
// como campos explícitos, o estado que o original mantinha global (spec §9);
// não há um tipo ReducerContext separado.
type Dispatcher struct {
	Logger    *slog.Logger
	SelfID    mesh.PortId
	PeerCount int // tamanho do grupo (spec §3: eof_num == peer_count-1, ver PlanPort.AllPeersEOF)

	Ports     *mesh.Arena[mesh.Port]
	PlanPorts *mesh.Arena[mesh.PlanPort]

	planIndex  map[mesh.PortId]mesh.Handle // plan_id -> handle em PlanPorts
	peerIndex  map[mesh.PortId]mesh.Handle // reducer_id -> handle em Ports (REDUCE)
	workerPlan map[mesh.Handle]mesh.Handle // handle de Port PLAN -> handle do PlanPort dono

	NewStore StoreFactory
	Throttle *throttle.Set

	Interrupted bool

	// snapshotCache holds the last []PlanSnapshot published by PublishSnapshot,
	// read lock-free by internal/admin's own goroutine (spec §5, §9: "the
	// admin channel ... communicates with the loop only through atomics").
	snapshotCache atomic.Value
}

// New cria um Dispatcher vazio pronto para registrar ports.
func New(logger *slog.Logger, selfID mesh.PortId, peerCount int, newStore StoreFactory, th *throttle.Set) *Dispatcher {
	return &Dispatcher{
		Logger:     logger,
		SelfID:     selfID,
		PeerCount:  peerCount,
		Ports:      mesh.NewArena[mesh.Port](),
		PlanPorts:  mesh.NewArena[mesh.PlanPort](),
		planIndex:  make(map[mesh.PortId]mesh.Handle),
		peerIndex:  make(map[mesh.PortId]mesh.Handle),
		workerPlan: make(map[mesh.Handle]mesh.Handle),
		NewStore:   newStore,
		Throttle:   th,
	}
}

// RegisterReducerPeer associa o handle de uma Port REDUCE já autenticada
// (status OK) ao id do reducer remoto, para que o broadcast de P2R possa
// localizá-la (spec §4.6: "enqueue an R2R frame ... on the Port to peer
// reducer rid").
func (d *Dispatcher) RegisterReducerPeer(peerID mesh.PortId, h mesh.Handle) {
	d.peerIndex[peerID] = h
}

// UnregisterReducerPeer remove um peer do índice (conexão perdida) e
// esquece seu limitador de taxa.
func (d *Dispatcher) UnregisterReducerPeer(peerID mesh.PortId) {
	delete(d.peerIndex, peerID)
	d.Throttle.Forget(peerID)
}

// planPortFor localiza o PlanPort do plano dado, criando-o sob demanda
// (spec §4.6: "locate or lazily create the PlanPort") com WorkNum=0 — ainda
// sem workers locais, apenas recebendo tráfego de peers até que um worker
// se conecte.
func (d *Dispatcher) planPortFor(planID mesh.PortId) (*mesh.PlanPort, mesh.Handle, error) {
	if h, ok := d.planIndex[planID]; ok {
		if pp := d.PlanPorts.Get(h); pp != nil {
			return pp, h, nil
		}
	}
	store, err := d.NewStore(planID)
	if err != nil {
		return nil, mesh.InvalidHandle, fmt.Errorf("router: creating rdcstore for plan %d: %w", planID, err)
	}
	pp := mesh.NewPlanPort(planID, store)
	h := d.PlanPorts.Alloc(pp)
	d.planIndex[planID] = h
	return pp, h, nil
}

// RegisterPlanWorker anexa um novo Port PLAN (já autenticado, peer_id ==
// plan_id) ao PlanPort do seu plano, criando-o sob demanda.
func (d *Dispatcher) RegisterPlanWorker(planID mesh.PortId, workerHandle mesh.Handle) (*mesh.PlanPort, error) {
	pp, ppHandle, err := d.planPortFor(planID)
	if err != nil {
		return nil, err
	}
	pp.AddWorker(workerHandle)
	d.workerPlan[workerHandle] = ppHandle
	return pp, nil
}

func (d *Dispatcher) failPort(port *mesh.Port, err error) error {
	if err != nil {
		port.SetErr(err.Error())
	}
	port.Close()
	return err
}

// HandleRead processa todos os frames completos disponíveis no in_buf da
// Port identificada por h (spec §4.5 passo 3: "for each Port reporting
// READABLE, call handle_read(port)").
func (d *Dispatcher) HandleRead(h mesh.Handle) error {
	port := d.Ports.Get(h)
	if port == nil || port.IsClosed() {
		return nil
	}
	switch port.PeerKind {
	case mesh.PortKindPlan:
		return d.handleReadFromPlan(h, port)
	case mesh.PortKindReduce:
		return d.handleReadFromReducer(h, port)
	default:
		return d.failPort(port, fmt.Errorf("%w: unexpected peer kind %v on readable port", ErrProtocolViolation, port.PeerKind))
	}
}

// handleReadFromPlan implementa spec §4.6 "From a worker of a plan".
func (d *Dispatcher) handleReadFromPlan(h mesh.Handle, port *mesh.Port) error {
	planID := port.PeerID // o peer_id registrado durante o handshake é o plan_id (spec §4.6: "plan_id = peer_id of this Port")
	ppHandle, ok := d.workerPlan[h]
	if !ok {
		return d.failPort(port, fmt.Errorf("%w: plan worker port has no registered PlanPort", ErrProtocolViolation))
	}
	pp := d.PlanPorts.Get(ppHandle)
	if pp == nil {
		return d.failPort(port, fmt.Errorf("%w: dangling PlanPort handle for plan %d", ErrProtocolViolation, planID))
	}

	for {
		tag, payload, ok, err := wire.Decode(port.In)
		if err != nil {
			return d.failPort(port, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		}
		if !ok {
			return nil
		}
		pp.RecvFromPln++

		switch tag {
		case wire.TagPlanToReducer:
			pd, err := wire.DecodePlanData(payload)
			if err != nil {
				return d.failPort(port, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			}
			r2r := wire.EncodeReducerData(wire.ReducerData{PlanID: uint64(planID), Data: pd.Data})
			blocked := d.broadcast(wire.TagReducerData, r2r, pd.Targets)
			if blocked {
				// spec §4.6/§5: stop reading this plan worker until the
				// backpressure on the stalled peer clears.
				port.ReadSuspended = true
				return nil
			}
		case wire.TagEOF:
			targets, err := wire.DecodeTargetSet(payload)
			if err != nil {
				return d.failPort(port, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			}
			blocked := d.broadcast(wire.TagEOF, wire.EncodeU64(uint64(planID)), targets)
			if blocked {
				port.ReadSuspended = true
				return nil
			}
		case wire.TagClose:
			targets, err := wire.DecodeTargetSet(payload)
			if err != nil {
				return d.failPort(port, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			}
			d.broadcast(wire.TagClose, wire.EncodeU64(uint64(planID)), targets)
			port.Close()
			pp.CloseWorker()
			return nil
		case wire.TagError:
			msg, _ := wire.DecodeError(payload)
			d.Logger.Warn("plan worker reported error", "plan_id", planID, "message", msg)
		default:
			return d.failPort(port, fmt.Errorf("%w: unexpected tag %v from plan worker", ErrProtocolViolation, tag))
		}
	}
}

// broadcast encaminha um frame (tag, payload) para cada reducer em targets
// exceto o próprio self (spec §4.6, §8 scenario 2: "self excluded from
// broadcast"). Retorna true se qualquer destino ficou bloqueado (backpressure
// não drenada), sinalizando ao chamador para suspender a leitura de origem.
func (d *Dispatcher) broadcast(tag wire.Tag, payload []byte, targets []uint64) (blocked bool) {
	frame := wire.Encode(tag, payload)
	for _, t := range targets {
		rid := mesh.PortId(t)
		if rid == d.SelfID {
			continue
		}
		peerHandle, ok := d.peerIndex[rid]
		if !ok {
			d.Logger.Warn("broadcast target not in mesh", "reducer_id", rid)
			continue
		}
		peerPort := d.Ports.Get(peerHandle)
		if peerPort == nil || peerPort.IsClosed() {
			continue
		}
		peerPort.Out.Append(frame)
		if d.flushPeer(rid, peerPort) {
			blocked = true
		}
	}
	return blocked
}

// flushPeer tenta drenar o out_buf de uma Port REDUCE sem bloquear,
// respeitando o throttle por link (SPEC_FULL §4.6 addition) antes da
// chamada de syscall. Retorna true se o peer permanece com bytes pendentes.
func (d *Dispatcher) flushPeer(peerID mesh.PortId, port *mesh.Port) (stillPending bool) {
	if d.Throttle != nil && port.Out.Remaining() > 0 && !d.Throttle.Allow(peerID, port.Out.Remaining()) {
		return true
	}
	wouldBlock, err := port.FlushOut()
	if err != nil {
		d.failPort(port, err)
		return false
	}
	return wouldBlock
}

// handleReadFromReducer implementa spec §4.6 "From a peer reducer".
func (d *Dispatcher) handleReadFromReducer(h mesh.Handle, port *mesh.Port) error {
	for {
		tag, payload, ok, err := wire.Decode(port.In)
		if err != nil {
			return d.failPort(port, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		}
		if !ok {
			return nil
		}

		switch tag {
		case wire.TagReducerData:
			rd, err := wire.DecodeReducerData(payload)
			if err != nil {
				return d.failPort(port, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			}
			pp, _, err := d.planPortFor(mesh.PortId(rd.PlanID))
			if err != nil {
				return d.failPort(port, err)
			}
			if pp.IsTombstoned() {
				pp.DscdFromRdc++
				continue
			}
			pp.RecvFromRdc++
			r2p := wire.EncodeReducerToPlan(wire.ReducerToPlan{FromRdcID: uint64(port.PeerID), Data: rd.Data})
			if err := pp.Store.PutTuple(wire.Encode(wire.TagReducerToPlan, r2p)); err != nil {
				return d.failPort(port, err)
			}
			d.armWorkers(pp)

		case wire.TagEOF:
			planID, err := wire.DecodeU64(payload)
			if err != nil {
				return d.failPort(port, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			}
			pp, _, err := d.planPortFor(mesh.PortId(planID))
			if err != nil {
				return d.failPort(port, err)
			}
			if pp.IsTombstoned() {
				pp.DscdFromRdc++
				continue
			}
			if dup := pp.MarkEOF(port.PeerID); dup {
				return d.failPort(port, fmt.Errorf("%w: duplicate EOF from reducer %d for plan %d", ErrProtocolViolation, port.PeerID, planID))
			}
			if err := pp.Store.PutTuple(wire.Encode(wire.TagEOF, wire.EncodeU64(uint64(port.PeerID)))); err != nil {
				return d.failPort(port, err)
			}
			d.armWorkers(pp)

		case wire.TagClose:
			planID, err := wire.DecodeU64(payload)
			if err != nil {
				return d.failPort(port, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			}
			pp, _, err := d.planPortFor(mesh.PortId(planID))
			if err != nil {
				return d.failPort(port, err)
			}
			if pp.IsTombstoned() {
				pp.DscdFromRdc++
				continue
			}
			if err := pp.Store.PutTuple(wire.Encode(wire.TagClose, wire.EncodeU64(uint64(port.PeerID)))); err != nil {
				return d.failPort(port, err)
			}
			if dup := pp.MarkEOF(port.PeerID); dup {
				return d.failPort(port, fmt.Errorf("%w: duplicate EOF (via CLOSE) from reducer %d for plan %d", ErrProtocolViolation, port.PeerID, planID))
			}
			d.armWorkers(pp)

		default:
			return d.failPort(port, fmt.Errorf("%w: unexpected tag %v from reducer peer", ErrProtocolViolation, tag))
		}
	}
}

// armWorkers içca PendingDrain em cada worker Port ainda aberto do
// PlanPort dado (spec §4.6: "arm WRITABLE on any live worker of that
// PlanPort").
func (d *Dispatcher) armWorkers(pp *mesh.PlanPort) {
	for _, wh := range pp.WorkPorts {
		if wp := d.Ports.Get(wh); wp != nil && !wp.IsClosed() {
			wp.PendingDrain = true
		}
	}
}

// HandleWrite drena o out_buf de uma Port writable e, para Ports PLAN,
// recarrega da rdcstore do PlanPort dono (spec §4.6 "Draining to plan
// workers" / "Draining to peers").
func (d *Dispatcher) HandleWrite(h mesh.Handle) error {
	port := d.Ports.Get(h)
	if port == nil || port.IsClosed() {
		return nil
	}
	switch port.PeerKind {
	case mesh.PortKindPlan:
		return d.handleWriteToPlan(h, port)
	case mesh.PortKindReduce:
		return d.handleWriteToReducer(port)
	default:
		return d.failPort(port, fmt.Errorf("%w: unexpected peer kind %v on writable port", ErrProtocolViolation, port.PeerKind))
	}
}

// handleWriteToReducer drains a REDUCE peer's out_buf. When the drain
// fully succeeds, whatever backpressure previously stalled a broadcast to
// this peer is gone, so every plan worker parked on ReadSuspended is
// re-armed (spec §5: "resumes when the peer becomes writable again").
// Plan workers aren't tracked against the specific peer that blocked them,
// so this resumes all of them; handleReadFromPlan immediately re-suspends
// any worker whose next broadcast still finds backpressure elsewhere.
func (d *Dispatcher) handleWriteToReducer(port *mesh.Port) error {
	if d.Throttle != nil && port.Out.Remaining() > 0 && !d.Throttle.Allow(port.PeerID, port.Out.Remaining()) {
		return nil // over the link's rate; WRITABLE stays armed via Out.Remaining()
	}
	wouldBlock, err := port.FlushOut()
	if err != nil {
		return d.failPort(port, err)
	}
	if !wouldBlock && port.Out.Remaining() == 0 {
		d.resumeSuspendedPlanWorkers()
	}
	return nil
}

func (d *Dispatcher) resumeSuspendedPlanWorkers() {
	d.Ports.Each(func(_ mesh.Handle, p *mesh.Port) {
		if p.PeerKind == mesh.PortKindPlan && p.ReadSuspended {
			p.ReadSuspended = false
		}
	})
}

// maxFramesPerDrain bounds one gettuple_multi call so a single plan worker
// cannot starve the rest of the tick (spec §4.7: "multi-tuple fetch").
const maxFramesPerDrain = 256

func (d *Dispatcher) handleWriteToPlan(h mesh.Handle, port *mesh.Port) error {
	wouldBlock, err := port.FlushOut()
	if err != nil {
		return d.failPort(port, err)
	}
	if wouldBlock || port.Out.Remaining() > 0 {
		return nil // still backed up; WRITABLE stays armed via Out.Remaining()
	}

	ppHandle, ok := d.workerPlan[h]
	if !ok {
		port.PendingDrain = false
		return nil
	}
	pp := d.PlanPorts.Get(ppHandle)
	if pp == nil || pp.Store == nil {
		port.PendingDrain = false
		return nil
	}

	var primary, overflow []byte
	n, err := pp.Store.GetTupleMulti(&primary, &overflow, maxFramesPerDrain)
	if err != nil {
		return d.failPort(port, err)
	}
	if n == 0 {
		port.PendingDrain = false
		return nil
	}
	pp.SendToPln += uint64(n)
	port.Out.Append(primary)
	port.Out.Append(overflow)

	if _, err := port.FlushOut(); err != nil {
		return d.failPort(port, err)
	}
	if port.Out.Remaining() == 0 && !pp.Store.AtEOF() {
		port.PendingDrain = true
	}
	return nil
}

// ReapTombstones releases PlanPorts whose work_num has become -1 and whose
// rdcstore has nothing left to deliver (spec §4.5 step 4: "Reap tombstoned
// PlanPorts", §5: "retained ... released only when the event loop reaps it
// at a tick boundary").
func (d *Dispatcher) ReapTombstones() {
	for planID, h := range d.planIndex {
		pp := d.PlanPorts.Get(h)
		if pp == nil {
			delete(d.planIndex, planID)
			continue
		}
		if pp.IsTombstoned() && pp.Store.AtEOF() {
			_ = pp.Store.Close()
			d.PlanPorts.Free(h)
			delete(d.planIndex, planID)
		}
	}
}

// Interrupt sets the Interrupted flag (spec §5, §7, §9: replaces
// CHECK_FOR_INTERRUPTS/ereport). evloop.Reactor.Run checks it once per tick,
// before waiting for events; it is not checked between frames inside a tick.
func (d *Dispatcher) Interrupt() { d.Interrupted = true }

// archivableStore is satisfied by internal/planqueue.Store when it has been
// given an Archiver via ConfigureArchive. mesh.RdcStore itself says nothing
// about cold archival, so this is a narrow, local type assertion rather than
// a method on the interface every RdcStore implementation would need.
type archivableStore interface {
	ArchiveRetired(ctx context.Context) (int, error)
}

// ArchiveAll runs the archive-retired-segments sweep across every live
// PlanPort's store. Called from the event loop goroutine in response to a
// signal from internal/maintenance's archive sweep timer (spec §5: stores
// are only ever touched by the loop goroutine).
func (d *Dispatcher) ArchiveAll(ctx context.Context) {
	for planID, h := range d.planIndex {
		pp := d.PlanPorts.Get(h)
		if pp == nil || pp.Store == nil {
			continue
		}
		as, ok := pp.Store.(archivableStore)
		if !ok {
			continue
		}
		if _, err := as.ArchiveRetired(ctx); err != nil {
			d.Logger.Warn("archive sweep failed", "plan_id", planID, "error", err)
		}
	}
}

// PlanSnapshot is one PlanPort's observable counters (spec §6: "Observable
// counters"), exposed read-only for the administrative channel.
type PlanSnapshot struct {
	PlanID      uint64 `json:"plan_id"`
	RecvFromPln uint64 `json:"recv_from_pln"`
	SendToPln   uint64 `json:"send_to_pln"`
	RecvFromRdc uint64 `json:"recv_from_rdc"`
	DscdFromRdc uint64 `json:"dscd_from_rdc"`
	EOFNum      int    `json:"eof_num"`
	WorkNum     int    `json:"work_num"`
	Tombstoned  bool   `json:"tombstoned"`
}

// Snapshot returns a point-in-time copy of every live PlanPort's counters.
// Like every other Dispatcher method, it must only be called from the event
// loop goroutine (spec §5) — use PublishSnapshot/LatestSnapshot to hand the
// result to internal/admin's own goroutine instead of calling this directly
// from there.
func (d *Dispatcher) Snapshot() []PlanSnapshot {
	out := make([]PlanSnapshot, 0, len(d.planIndex))
	for planID, h := range d.planIndex {
		pp := d.PlanPorts.Get(h)
		if pp == nil {
			continue
		}
		out = append(out, PlanSnapshot{
			PlanID:      uint64(planID),
			RecvFromPln: pp.RecvFromPln,
			SendToPln:   pp.SendToPln,
			RecvFromRdc: pp.RecvFromRdc,
			DscdFromRdc: pp.DscdFromRdc,
			EOFNum:      pp.EOFCount(),
			WorkNum:     pp.WorkNum,
			Tombstoned:  pp.IsTombstoned(),
		})
	}
	return out
}

// PublishSnapshot recomputes Snapshot and stores it for lock-free reading by
// LatestSnapshot. Called by evloop.Reactor.Run once per tick.
func (d *Dispatcher) PublishSnapshot() {
	d.snapshotCache.Store(d.Snapshot())
}

// LatestSnapshot returns the most recently published snapshot. Safe to call
// from any goroutine; returns nil before the first PublishSnapshot call.
func (d *Dispatcher) LatestSnapshot() []PlanSnapshot {
	v, _ := d.snapshotCache.Load().([]PlanSnapshot)
	return v
}
