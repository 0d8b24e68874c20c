// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package throttle adapta o token-bucket do teacher (internal/agent/throttle.go,
// ThrottledWriter) para o event loop não bloqueante do reduce-exchange: em vez
// de WaitN bloqueante, Allow consulta o bucket sem nunca suspender a
// goroutine única do loop (spec §5 — "All I/O calls are nonblocking").
package throttle

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/rdcmesh/internal/mesh"
)

// maxBurstBytes alinha ao burst do teacher (256KB), tamanho de um lote
// típico de frames de tupla.
const maxBurstBytes = 256 * 1024

// Set é um conjunto de limitadores de taxa, um por peer reducer (spec
// SPEC_FULL §2.2/§4.6: "per-peer-link token-bucket throttle applied to
// REDUCE-kind port flushes"). Acessado apenas pela goroutine do event loop.
type Set struct {
	bytesPerSec int64
	limiters    map[mesh.PortId]*rate.Limiter
}

// NewSet cria um Set com a taxa dada em bytes/segundo por link. bytesPerSec
// <= 0 desativa o throttle (Allow sempre retorna true), espelhando o bypass
// do teacher's NewThrottledWriter.
func NewSet(bytesPerSec int64) *Set {
	return &Set{
		bytesPerSec: bytesPerSec,
		limiters:    make(map[mesh.PortId]*rate.Limiter),
	}
}

// Enabled relata se este Set de fato limita (bytesPerSec > 0).
func (s *Set) Enabled() bool { return s != nil && s.bytesPerSec > 0 }

func (s *Set) limiterFor(peer mesh.PortId) *rate.Limiter {
	if l, ok := s.limiters[peer]; ok {
		return l
	}
	burst := int(s.bytesPerSec)
	if burst > maxBurstBytes {
		burst = maxBurstBytes
	}
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(s.bytesPerSec), burst)
	s.limiters[peer] = l
	return l
}

// Allow consulta, sem bloquear, se n bytes podem ser enviados agora ao peer
// dado. Retorna false quando o bucket está vazio — o chamador deve tratar
// isso como backpressure (re-armar WRITABLE e tentar de novo no próximo
// tick), nunca esperar.
func (s *Set) Allow(peer mesh.PortId, n int) bool {
	if !s.Enabled() {
		return true
	}
	l := s.limiterFor(peer)
	if n > l.Burst() {
		n = l.Burst()
	}
	return l.AllowN(time.Now(), n)
}

// Forget libera o limitador de um peer cuja conexão foi fechada.
func (s *Set) Forget(peer mesh.PortId) {
	if s == nil {
		return
	}
	delete(s.limiters, peer)
}
