// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build unix

package mesh

import (
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// unixSocket é a implementação de produção de socket, usada tanto pelo lado
// que disca (dial) quanto pelo lado que aceita (accept). Todos os fds são
// criados não bloqueantes com TCP_NODELAY, SO_KEEPALIVE e close-on-exec
// (spec §6).
type unixSocket struct {
	fd int
}

func applyConnOptions(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("setting nonblocking: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("setting TCP_NODELAY: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("setting SO_KEEPALIVE: %w", err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); errno != 0 {
		return fmt.Errorf("setting close-on-exec: %w", errno)
	}
	return nil
}

func (s *unixSocket) Fd() int { return s.fd }

func (s *unixSocket) Connect() error {
	return nil // the connect() call itself happens at creation time, see unixDialer.DialNonblock
}

func (s *unixSocket) SOError() (int, error) {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0, fmt.Errorf("reading SO_ERROR: %w", err)
	}
	return errno, nil
}

func (s *unixSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	if err == unix.EINTR {
		return 0, ErrWouldBlock // caller's next tick retries
	}
	if err == nil && n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

func (s *unixSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	if err == unix.EINTR {
		return 0, ErrWouldBlock
	}
	return n, err
}

func (s *unixSocket) Close() error {
	return unix.Close(s.fd)
}

// unixDialer cria sockets TCP IPv4 não bloqueantes e inicia connect().
type unixDialer struct{}

func (unixDialer) DialNonblock(addr net.IP, port int) (socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("creating socket: %w", err)
	}
	if err := applyConnOptions(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	var sa unix.SockaddrInet4
	sa.Port = port
	copy(sa.Addr[:], addr.To4())

	err = unix.Connect(fd, &sa)
	switch err {
	case nil:
		return &unixSocket{fd: fd}, nil
	case unix.EINPROGRESS, unix.EAGAIN, unix.EWOULDBLOCK:
		return &unixSocket{fd: fd}, ErrWouldBlock
	default:
		unix.Close(fd)
		return nil, err
	}
}

// unixAcceptor wraps a listening fd; Accept applies the same per-connection
// socket options as the dial side (spec §6).
type unixAcceptor struct {
	fd int
}

func newUnixAcceptor(listenFD int) *unixAcceptor {
	return &unixAcceptor{fd: listenFD}
}

// Listener é um alias exportado para o acceptor concreto devolvido por
// ListenReducer, permitindo que outros pacotes (internal/evloop) o
// mantenham e chamem AcceptPort sem precisar nomear um tipo não exportado.
type Listener = *unixAcceptor

// AcceptPort aceita a próxima conexão pendente e já a devolve embrulhada
// como uma Port em estado ACCEPT (spec §4.3), ou (nil, ErrWouldBlock) se
// nenhuma conexão está pronta agora.
func (a *unixAcceptor) AcceptPort(selfKind PortKind, selfID PortId, version uint32) (*Port, error) {
	sock, err := a.Accept()
	if err != nil {
		return nil, err
	}
	return NewAcceptPort(sock, selfKind, selfID, version), nil
}

func (a *unixAcceptor) Accept() (socket, error) {
	for {
		nfd, _, err := unix.Accept(a.fd)
		switch err {
		case nil:
			if err := applyConnOptions(nfd); err != nil {
				unix.Close(nfd)
				return nil, err
			}
			return &unixSocket{fd: nfd}, nil
		case unix.EINTR:
			continue // spec §4.3: EINTR during accept retries
		case unix.EAGAIN, unix.EWOULDBLOCK:
			return nil, ErrWouldBlock
		default:
			return nil, err
		}
	}
}

// ListenReducer cria o listener TCP da malha (sempre não bloqueante, mesmo
// na fase de accept — spec §5).
func ListenReducer(listenAddr string, port int) (Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("creating listen socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting nonblocking: %w", err)
	}

	ip := net.ParseIP(listenAddr)
	var sa unix.SockaddrInet4
	sa.Port = port
	if ip != nil {
		copy(sa.Addr[:], ip.To4())
	}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding %s:%d: %w", listenAddr, port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listening: %w", err)
	}
	return newUnixAcceptor(fd), nil
}
