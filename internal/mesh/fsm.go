// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mesh

import (
	"errors"
	"fmt"
	"io"

	"github.com/nishisan-dev/rdcmesh/internal/wire"
)

// ErrProtocolViolation é retornado (e a Port movida para BAD) quando o
// handshake recebe um frame malformado ou semanticamente inválido
// (spec §4.3, §7).
var ErrProtocolViolation = errors.New("mesh: handshake protocol violation")

// ErrNoAddresses é retornado quando todas as tentativas de conexão para os
// endereços resolvidos de um host falharam (spec §4.3: "if no addresses
// remain, transition BAD").
var ErrNoAddresses = errors.New("mesh: all resolved addresses failed to connect")

// Step avança a Port em um passo da máquina de conexão (spec §4.3) e
// retorna o resultado ({OK, READING, WRITING, FAILED}) que o event loop usa
// para decidir qual bit armar a seguir. Step nunca bloqueia.
func (p *Port) Step() (PollOutcome, error) {
	switch p.Status {
	case StatusNeeded:
		return p.stepNeeded()
	case StatusStarted:
		return p.stepStarted()
	case StatusMade:
		return p.stepMade()
	case StatusAwaitingResponse:
		return p.stepAwaitingResponse()
	case StatusAccept:
		return p.stepAccept()
	case StatusSendingResponse:
		return p.stepSendingResponse()
	case StatusAuthOK:
		return p.stepAuthOK()
	case StatusOK:
		return PollOK, nil
	case StatusBad:
		return PollFailed, nil
	default:
		// Status fora do conjunto legal: classe "memory-corruption" fatal (spec §7).
		invalid := p.Status
		p.Status = StatusBad
		return PollFailed, fmt.Errorf("mesh: invalid status %v", invalid)
	}
}

func (p *Port) fail(err error) (PollOutcome, error) {
	p.Status = StatusBad
	if err != nil {
		p.SetErr(err.Error())
	}
	return PollFailed, err
}

// stepNeeded percorre a lista de endereços resolvidos tentando conectar
// (spec §4.3).
func (p *Port) stepNeeded() (PollOutcome, error) {
	for p.addrCursor < len(p.addrs) {
		addr := p.addrs[p.addrCursor]
		sock, err := p.dial.DialNonblock(addr, p.dialPort)
		switch {
		case err == nil:
			p.sock = sock
			p.Status = StatusStarted
			return p.stepStarted()
		case errors.Is(err, ErrWouldBlock):
			p.sock = sock
			p.Status = StatusStarted
			p.Wait = WaitWritable
			return PollWriting, nil
		default:
			p.addrCursor++
			continue
		}
	}
	return p.fail(ErrNoAddresses)
}

// stepStarted consulta SO_ERROR para saber se o connect() em progresso
// completou (spec §4.3).
func (p *Port) stepStarted() (PollOutcome, error) {
	errno, err := p.sock.SOError()
	if err != nil {
		return p.fail(err)
	}
	if errno != 0 {
		_ = p.sock.Close()
		p.sock = nil
		p.addrCursor++
		if p.addrCursor < len(p.addrs) {
			p.Status = StatusNeeded
			return p.stepNeeded()
		}
		return p.fail(fmt.Errorf("mesh: connect failed: errno %d", errno))
	}
	p.Status = StatusMade
	p.Wait = WaitWritable
	return p.stepMade()
}

// stepMade compõe o STARTUP_REQUEST (spec §4.3: MADE).
func (p *Port) stepMade() (PollOutcome, error) {
	payload := wire.EncodeStartupRequest(wire.StartupRequest{
		Version:  p.Version,
		SelfKind: uint32(p.SelfKind),
		SelfID:   uint64(p.SelfID),
	})
	p.Out.Append(wire.Encode(wire.TagStartupRequest, payload))
	p.Status = StatusAwaitingResponse
	p.Wait = WaitReadable
	return PollReading, nil
}

// stepAwaitingResponse decodifica o RSP do server e valida versão e
// identidade contra o que foi discado (spec §4.3).
func (p *Port) stepAwaitingResponse() (PollOutcome, error) {
	tag, payload, ok, err := wire.Decode(p.In)
	if err != nil {
		return p.fail(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	if !ok {
		return PollReading, nil
	}

	switch tag {
	case wire.TagError:
		msg, _ := wire.DecodeError(payload)
		return p.fail(fmt.Errorf("mesh: peer rejected handshake: %s", msg))
	case wire.TagStartupResponse:
		resp, err := wire.DecodeStartupResponse(payload)
		if err != nil {
			return p.fail(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		}
		if resp.Version != p.Version {
			return p.fail(fmt.Errorf("%w: version mismatch (want %d, got %d)", ErrProtocolViolation, p.Version, resp.Version))
		}
		if p.expectPeerSet && PortId(resp.PeerID) != p.expectPeerID {
			return p.fail(fmt.Errorf("%w: identity mismatch (dialed %d, got %d)", ErrProtocolViolation, p.expectPeerID, resp.PeerID))
		}
		p.PeerKind = PortKind(resp.PeerKind)
		p.PeerID = PortId(resp.PeerID)
		p.Status = StatusAuthOK
		return p.stepAuthOK()
	default:
		return p.fail(fmt.Errorf("%w: unexpected tag %v during handshake", ErrProtocolViolation, tag))
	}
}

// stepAccept aplica as opções de socket (já feito pelo acceptor) e aguarda
// o RQT do client (spec §4.3: ACCEPT).
func (p *Port) stepAccept() (PollOutcome, error) {
	tag, payload, ok, err := wire.Decode(p.In)
	if err != nil {
		return p.fail(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	if !ok {
		p.Wait = WaitReadable
		return PollReading, nil
	}
	if tag != wire.TagStartupRequest {
		return p.fail(fmt.Errorf("%w: expected RQT, got %v", ErrProtocolViolation, tag))
	}
	req, err := wire.DecodeStartupRequest(payload)
	if err != nil {
		return p.fail(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	if req.Version != p.Version {
		return p.fail(fmt.Errorf("%w: version mismatch (want %d, got %d)", ErrProtocolViolation, p.Version, req.Version))
	}
	p.PeerKind = PortKind(req.SelfKind)
	p.PeerID = PortId(req.SelfID)

	respPayload := wire.EncodeStartupResponse(wire.StartupResponse{
		Version:  p.Version,
		PeerKind: uint32(p.SelfKind),
		PeerID:   uint64(p.SelfID),
	})
	p.Out.Append(wire.Encode(wire.TagStartupResponse, respPayload))
	p.Status = StatusSendingResponse
	p.Wait = WaitWritable
	return p.stepSendingResponse()
}

// stepSendingResponse aguarda o STARTUP_RESPONSE esvaziar do out-buffer
// antes de considerar o handshake autenticado (spec §4.3).
func (p *Port) stepSendingResponse() (PollOutcome, error) {
	if p.Out.Remaining() > 0 {
		p.Wait = WaitWritable
		return PollWriting, nil
	}
	p.Status = StatusAuthOK
	return p.stepAuthOK()
}

// stepAuthOK libera recursos de handshake e marca a Port pronta para
// tráfego normal (spec §4.3: "free the address list, clear out/err
// buffers, request READABLE, become OK").
func (p *Port) stepAuthOK() (PollOutcome, error) {
	p.addrs = nil
	p.Err.Reset()
	p.Status = StatusOK
	p.Wait = WaitReadable
	return PollOK, nil
}

// ReadInto lê bytes disponíveis do socket diretamente no buffer de entrada
// da Port, tratando EAGAIN/EWOULDBLOCK/EINTR como "sem progresso" em vez de
// erro (spec §5, §7). Retorna ok=false em fechamento ordeiro do peer.
func (p *Port) ReadInto(scratch []byte) (n int, ok bool, err error) {
	n, err = p.sock.Read(scratch)
	if errors.Is(err, ErrWouldBlock) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, io.EOF
	}
	p.In.Append(scratch[:n])
	return n, true, nil
}

// FlushOut escreve o máximo possível do out-buffer para o socket,
// consumindo o que foi escrito. Retorna wouldBlock=true se o socket não
// aceitou mais bytes agora (o event loop deve manter WRITABLE armado).
func (p *Port) FlushOut() (wouldBlock bool, err error) {
	for p.Out.Remaining() > 0 {
		n, werr := p.sock.Write(p.Out.Bytes())
		if errors.Is(werr, ErrWouldBlock) {
			return true, nil
		}
		if werr != nil {
			return false, werr
		}
		p.Out.Consume(n)
		if n == 0 {
			return true, nil
		}
	}
	return false, nil
}
