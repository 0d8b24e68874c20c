// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mesh

import (
	"errors"
	"net"
)

// ErrWouldBlock é o sentinel retornado por socket.Read/Write/Connect quando
// a chamada não bloqueante não pôde completar imediatamente (EAGAIN,
// EWOULDBLOCK, EINPROGRESS). Nunca é propagado ao chamador externo — o
// event loop sempre o trata rearmando o bit de espera correspondente
// (spec §5, §7).
var ErrWouldBlock = errors.New("mesh: operation would block")

// socket abstrai as chamadas de sistema usadas pela máquina de conexão,
// permitindo testar as transições de estado (spec §4.3) sem um socket real.
// A implementação de produção (socket_unix.go) embrulha golang.org/x/sys/unix.
type socket interface {
	// Connect inicia (ou prossegue) um connect() não bloqueante.
	// Retorna nil em sucesso imediato, ErrWouldBlock se o connect está em
	// progresso, ou um erro definitivo.
	Connect() error
	// SOError consulta SO_ERROR para um socket em progresso de conexão.
	SOError() (int, error)
	// Read lê bytes disponíveis; retorna (0, ErrWouldBlock) sem dado
	// disponível, (0, io.EOF) em fechamento ordeiro pelo peer.
	Read(p []byte) (int, error)
	// Write escreve bytes; retorna (0, ErrWouldBlock) se o socket não
	// aceitaria nenhum byte agora.
	Write(p []byte) (int, error)
	// Close libera o socket subjacente.
	Close() error
	// Fd retorna o descritor de arquivo (para registro no event loop).
	Fd() int
}

// dialer cria, uma a uma, as tentativas de conexão para um endereço
// resolvido — espelhando o "walk the resolved address list" do spec §4.3.
type dialer interface {
	// DialNonblock cria um socket não bloqueante e começa a conectar a addr.
	DialNonblock(addr net.IP, port int) (socket, error)
}

// acceptor envolve um socket aceito por um listener, já com as opções de
// socket exigidas pelo spec §6 aplicadas.
type acceptor interface {
	Accept() (socket, error)
}

// resolveIPv4 resolve host para seus endereços IPv4 (spec §4.3: "for each
// IPv4 address"). Hosts já literais são aceitos sem consulta de DNS.
func resolveIPv4(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return []net.IP{v4}, nil
		}
		return nil, errors.New("mesh: host resolves only to a non-IPv4 address")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	var v4s []net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			v4s = append(v4s, v4)
		}
	}
	if len(v4s) == 0 {
		return nil, errors.New("mesh: no IPv4 address found for host")
	}
	return v4s, nil
}
