// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mesh

import (
	"net"

	"github.com/nishisan-dev/rdcmesh/internal/buffer"
)

// Port é um endpoint TCP único, usado uniformemente para ligações
// plano↔reducer e reducer↔reducer (spec §3).
type Port struct {
	sock socket
	dial dialer

	PeerKind PortKind
	PeerID   PortId
	SelfKind PortKind
	SelfID   PortId

	Status  Status
	Version uint32
	Wait    WaitEvents
	Flags   Flags
	Noblock bool
	Active  bool // true se esta Port foi iniciada por nós (dial)

	In  *buffer.Buffer
	Out *buffer.Buffer
	Err *buffer.Buffer

	// Usado apenas durante o dial (spec §3: "resolved address list with cursor").
	addrs      []net.IP
	addrCursor int
	dialHost   string
	dialPort   int

	localAddr string
	errMsg    string

	expectPeerID  PortId
	expectPeerSet bool

	// PendingDrain é içado pelo dispatcher (spec §4.6: "arm WRITABLE on any
	// live worker of that PlanPort") quando uma nova tupla chega na
	// rdcstore de um PlanPort e este Port é um de seus workers — força
	// WRITABLE mesmo com out_buf vazio, para que handle_write puxe da
	// store na próxima volta do loop. HandleWrite limpa a flag assim que
	// a store fica sem frames para entregar.
	PendingDrain bool

	// ReadSuspended é içado pelo dispatcher (spec §4.6, §5: "stop reading
	// this plan worker until the backpressure clears") quando um frame
	// P2R não pôde ser totalmente encaminhado a um peer. Enquanto true,
	// DesiredEvents não solicita READABLE para este Port. Limpo quando o
	// peer REDUCE bloqueado volta a ficar writable, não por este Port.
	ReadSuspended bool
}

// ExpectPeer records the reducer id this Port was dialed to reach, so
// AWAITING_RESPONSE can reject a STARTUP_RESPONSE from the wrong peer
// (spec §4.3: "peer identity disagrees with what we dialed").
func (p *Port) ExpectPeer(id PortId) {
	p.expectPeerID = id
	p.expectPeerSet = true
}

// NewDialPort cria uma Port em estado NEEDED, que tentará discar host:port
// assim que Step for chamado (spec §4.3).
func NewDialPort(host string, port int, selfKind PortKind, selfID PortId, version uint32) (*Port, error) {
	addrs, err := resolveIPv4(host)
	if err != nil {
		return nil, err
	}
	return &Port{
		dial:     unixDialerOrFake(),
		SelfKind: selfKind,
		SelfID:   selfID,
		Version:  version,
		Status:   StatusNeeded,
		Flags:    FlagValid,
		Active:   true,
		In:       buffer.New(),
		Out:      buffer.New(),
		Err:      buffer.New(),
		addrs:    addrs,
		dialHost: host,
		dialPort: port,
	}, nil
}

// NewAcceptPort cria uma Port em estado ACCEPT a partir de um socket já
// aceito (spec §4.3).
func NewAcceptPort(sock socket, selfKind PortKind, selfID PortId, version uint32) *Port {
	return &Port{
		sock:     sock,
		SelfKind: selfKind,
		SelfID:   selfID,
		Version:  version,
		Status:   StatusAccept,
		Flags:    FlagValid,
		Active:   false,
		In:       buffer.New(),
		Out:      buffer.New(),
		Err:      buffer.New(),
	}
}

// unixDialerOrFake é sobrescrita por testes para injetar um dialer falso.
var unixDialerOrFake = func() dialer { return unixDialer{} }

// Fd retorna o descritor associado ao socket, ou -1 se a Port ainda não tem
// socket (NEEDED antes da primeira tentativa) ou já foi fechada.
func (p *Port) Fd() int {
	if p.Flags&FlagClosed != 0 || p.sock == nil {
		return -1
	}
	return p.sock.Fd()
}

// IsClosed relata a invariante do spec §3/§8: flags=CLOSED ⇒ socket=INVALID
// ∧ wait_events={}.
func (p *Port) IsClosed() bool { return p.Flags&FlagClosed != 0 }

// Close fecha o socket subjacente (se houver) e marca a Port como fechada,
// satisfazendo a invariante do spec §8 imediatamente.
func (p *Port) Close() {
	if p.sock != nil {
		_ = p.sock.Close()
		p.sock = nil
	}
	p.Flags = (p.Flags &^ FlagValid) | FlagClosed
	p.Wait = WaitNone
}

// SetErr substitui o conteúdo do buffer de erro (spec §9: apenas replace,
// nunca append — a única semântica que algum chamador de fato usava).
func (p *Port) SetErr(msg string) {
	p.errMsg = msg
	p.Err.Reset()
	p.Err.Append([]byte(msg))
}

// ErrMessage retorna a última mensagem de erro registrada nesta Port.
func (p *Port) ErrMessage() string { return p.errMsg }

// DesiredEvents calcula a máscara de wait_events que esta Port deve
// contribuir ao event loop nesta tick (spec §4.5 passo 1): portas em
// handshake contribuem conforme seu estado; qualquer porta com bytes
// pendentes de envio contribui WRITABLE.
func (p *Port) DesiredEvents() WaitEvents {
	if p.IsClosed() {
		return WaitNone
	}
	var w WaitEvents
	if p.Out.Remaining() > 0 || p.PendingDrain {
		w |= WaitWritable
	}
	switch p.Status {
	case StatusNeeded:
		// sem socket ainda; nada a armar até o primeiro Step() síncrono.
	case StatusStarted:
		w |= WaitWritable
	case StatusMade:
		w |= WaitWritable
	case StatusAwaitingResponse:
		w |= WaitReadable
	case StatusAccept:
		w |= WaitReadable
	case StatusSendingResponse:
		w |= WaitWritable
	case StatusAuthOK:
		w |= WaitReadable
	case StatusOK:
		if !p.ReadSuspended {
			w |= WaitReadable
		}
	}
	return w
}
