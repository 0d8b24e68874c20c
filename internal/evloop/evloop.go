// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

// Package evloop implementa o loop de eventos não bloqueante, single-
// threaded do reduce-exchange (spec §4.5) sobre epoll em modo nível
// (level-triggered), no estilo dos reatores de referência do pacote
// (rcproxy core/eventloop.go, jursonmo-evio/evio_unix.go): um fd por
// socket, uma única goroutine chamando epoll_wait com timeout, sem pool de
// workers — a concorrência real do processo fica inteiramente fora deste
// pacote (internal/throttle, internal/health, internal/maintenance,
// internal/admin).
package evloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/rdcmesh/internal/mesh"
)

// Event é uma notificação de prontidão para um fd, devolvida por Wait.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Err      bool // EPOLLERR/EPOLLHUP: o chamador deve tratar como peer perdido
}

// Loop encapsula um epoll fd e a máscara atualmente armada por fd
// monitorado. Não é seguro para uso concorrente — uma única goroutine
// (spec §5) chama Update/Wait.
type Loop struct {
	epfd   int
	armed  map[int]mesh.WaitEvents
	events []unix.EpollEvent
}

// New cria um Loop com um epoll fd fresco.
func New() (*Loop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("evloop: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:   fd,
		armed:  make(map[int]mesh.WaitEvents),
		events: make([]unix.EpollEvent, 256),
	}, nil
}

// Close libera o epoll fd subjacente.
func (l *Loop) Close() error { return unix.Close(l.epfd) }

func toEpollMask(w mesh.WaitEvents) uint32 {
	var m uint32
	if w.Readable() {
		m |= unix.EPOLLIN
	}
	if w.Writable() {
		m |= unix.EPOLLOUT
	}
	return m
}

// Update garante que fd esteja armado exatamente para a máscara want (spec
// §4.5 passo 1: "compute its desired wait_events"). want == WaitNone
// desregistra o fd. Chamadores registram cada Port uma vez (ADD) e depois
// só precisam chamar Update quando a máscara desejada muda de fato —
// chamar toda vez com a mesma máscara é seguro e não faz syscall: Update
// retorna cedo quando a máscara armada já é want.
func (l *Loop) Update(fd int, want mesh.WaitEvents) error {
	cur, known := l.armed[fd]
	if want == mesh.WaitNone {
		if !known {
			return nil
		}
		delete(l.armed, fd)
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
			return fmt.Errorf("evloop: epoll_ctl(DEL, %d): %w", fd, err)
		}
		return nil
	}

	ev := &unix.EpollEvent{Events: toEpollMask(want), Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !known {
		op = unix.EPOLL_CTL_ADD
	} else if cur == want {
		return nil
	}
	if err := unix.EpollCtl(l.epfd, op, fd, ev); err != nil {
		return fmt.Errorf("evloop: epoll_ctl(%d, fd=%d): %w", op, fd, err)
	}
	l.armed[fd] = want
	return nil
}

// Forget drops bookkeeping for a closed fd without issuing EPOLL_CTL_DEL —
// the kernel already drops the fd from all epoll sets on close(2), so this
// is for the rare case the caller closes the fd itself before calling
// Update one last time.
func (l *Loop) Forget(fd int) { delete(l.armed, fd) }

// Wait bloqueia até que pelo menos um fd armado esteja pronto, o timeout
// expire, ou o syscall seja interrompido por um sinal (EINTR, tratado
// internamente como "sem eventos ainda" — spec §4.3 edge case, generalizado
// aqui ao único ponto de suspensão do loop, spec §5).
func (l *Loop) Wait(timeout time.Duration) ([]Event, error) {
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	for {
		n, err := unix.EpollWait(l.epfd, l.events, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("evloop: epoll_wait: %w", err)
		}
		out := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			raw := l.events[i]
			out = append(out, Event{
				Fd:       int(raw.Fd),
				Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
				Writable: raw.Events&unix.EPOLLOUT != 0,
				Err:      raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
			})
		}
		return out, nil
	}
}
