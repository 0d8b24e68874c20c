// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mesh

// RdcStore é a interface que o dispatcher exige da fila de saída por plano
// (spec §4.7). A implementação de produção vive em internal/planqueue;
// este pacote depende apenas da interface, nunca da implementação.
type RdcStore interface {
	// PutTuple anexa um frame já codificado; pode espalhar para disco
	// além do orçamento de memória.
	PutTuple(frame []byte) error
	// GetTupleMulti move até N frames inteiros para dstPrimary, com
	// qualquer frame que ultrapassaria o buffer primário espalhado em
	// dstOverflow; retorna o número de frames movidos.
	GetTupleMulti(dstPrimary, dstOverflow *[]byte, maxFrames int) (int, error)
	// AtEOF relata se a store não tem mais frames para entregar agora.
	AtEOF() bool
	// Close libera os recursos da store (arquivos de spill, handles S3).
	Close() error
}

// PlanPort é um endpoint local de fragmento de plano (spec §3): um ou mais
// workers paralelos (um Port PLAN cada) compartilhando uma fila de saída.
type PlanPort struct {
	PlanID PortId

	// WorkPorts é a sequência ordenada de handles de Port — um por worker
	// paralelo deste fragmento de plano (spec §3).
	WorkPorts []Handle

	// WorkNum é o número de workers ainda abertos; −1 marca um tombstone
	// (spec §3 invariante: válido sse WorkNum > 0).
	WorkNum int

	Store RdcStore

	// RdcEOFs é o conjunto de ids de reducers pares dos quais já foi
	// observado EOF para este plano (spec §3).
	RdcEOFs map[PortId]struct{}

	RecvFromPln uint64
	SendToPln   uint64
	RecvFromRdc uint64
	DscdFromRdc uint64
}

// NewPlanPort cria um PlanPort com WorkNum=0 (sem workers ainda anexados);
// o chamador adiciona workers via AddWorker conforme eles se conectam.
func NewPlanPort(planID PortId, store RdcStore) *PlanPort {
	return &PlanPort{
		PlanID:  planID,
		Store:   store,
		RdcEOFs: make(map[PortId]struct{}),
	}
}

// IsTombstoned relata a invariante do spec §3: WorkNum == −1.
func (pp *PlanPort) IsTombstoned() bool { return pp.WorkNum == -1 }

// IsValid relata a invariante do spec §3: válido sse WorkNum > 0.
func (pp *PlanPort) IsValid() bool { return pp.WorkNum > 0 }

// AddWorker anexa um novo worker Port a este PlanPort.
func (pp *PlanPort) AddWorker(h Handle) {
	pp.WorkPorts = append(pp.WorkPorts, h)
	pp.WorkNum++
}

// CloseWorker decrementa WorkNum; quando chega a zero, transiciona para
// tombstone (spec §3, §4.6 "CLS... decrement work_num; if zero, set it to
// −1").
func (pp *PlanPort) CloseWorker() {
	pp.WorkNum--
	if pp.WorkNum == 0 {
		pp.WorkNum = -1
	}
}

// MarkEOF registra que sender já enviou EOF para este plano; retorna
// (duplicate=true) se o sender já estava no conjunto (spec §4.6: "duplicate
// EOF protocol violation").
func (pp *PlanPort) MarkEOF(sender PortId) (duplicate bool) {
	if _, ok := pp.RdcEOFs[sender]; ok {
		return true
	}
	pp.RdcEOFs[sender] = struct{}{}
	return false
}

// EOFCount retorna |rdc_eofs| (spec §3: eof_num).
func (pp *PlanPort) EOFCount() int { return len(pp.RdcEOFs) }

// AllPeersEOF relata se eof_num == peerCount−1 (spec §4.6).
func (pp *PlanPort) AllPeersEOF(peerCount int) bool {
	return pp.EOFCount() == peerCount-1
}
