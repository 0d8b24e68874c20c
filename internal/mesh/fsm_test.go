// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mesh

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/nishisan-dev/rdcmesh/internal/buffer"
	"github.com/nishisan-dev/rdcmesh/internal/wire"
)

// fakeSocket é um par de buffers em memória que satisfaz a interface socket,
// permitindo conduzir o handshake sem um fd real.
type fakeSocket struct {
	peer    *fakeSocket
	readBuf []byte
	soErr   int
	closed  bool
	connErr error
	eof     bool
}

func newFakePair() (a, b *fakeSocket) {
	a = &fakeSocket{}
	b = &fakeSocket{}
	a.peer = b
	b.peer = a
	return a, b
}

func (s *fakeSocket) Connect() error { return s.connErr }

func (s *fakeSocket) SOError() (int, error) { return s.soErr, nil }

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.readBuf) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.peer == nil || s.closed {
		return 0, errors.New("fakeSocket: no peer")
	}
	s.peer.readBuf = append(s.peer.readBuf, p...)
	return len(p), nil
}

func (s *fakeSocket) Close() error { s.closed = true; return nil }
func (s *fakeSocket) Fd() int      { return 0 }

// fakeDialer returns a pre-built fakeSocket pair's dial side, ignoring the
// requested address — used only to drive the NEEDED->STARTED transition in
// tests that don't care about address resolution.
type fakeDialer struct {
	sock *fakeSocket
	err  error
}

func (d fakeDialer) DialNonblock(addr net.IP, port int) (socket, error) {
	return d.sock, d.err
}

func newHandshakePair(t *testing.T) (dial *Port, accept *Port) {
	t.Helper()
	dialSock, acceptSock := newFakePair()

	dial = &Port{
		dial:     fakeDialer{sock: dialSock},
		SelfKind: PortKindReduce,
		SelfID:   1,
		Version:  1,
		Status:   StatusNeeded,
		Flags:    FlagValid,
		Active:   true,
		In:       buffer.New(),
		Out:      buffer.New(),
		Err:      buffer.New(),
		addrs:    []net.IP{net.ParseIP("127.0.0.1")},
	}
	accept = NewAcceptPort(acceptSock, PortKindReduce, 2, 1)
	return dial, accept
}

// pump drains src's Out buffer onto the wire and reads whatever arrived into
// dst's In buffer, emulating one tick of the event loop's read/write phases
// between Step calls.
func pump(src, dst *Port) {
	if _, err := src.FlushOut(); err != nil {
		panic(err)
	}
	scratch := make([]byte, 4096)
	for {
		n, ok, err := dst.ReadInto(scratch)
		if err != nil {
			panic(err)
		}
		if !ok || n == 0 {
			return
		}
	}
}

func TestHandshakeReachesOKOnBothSides(t *testing.T) {
	dial, accept := newHandshakePair(t)
	dial.ExpectPeer(2)

	// NEEDED -> STARTED -> MADE -> AWAITING_RESPONSE (composes RQT)
	outcome, err := dial.Step()
	if err != nil {
		t.Fatalf("dial.Step (initial): %v", err)
	}
	if dial.Status != StatusAwaitingResponse {
		t.Fatalf("expected AWAITING_RESPONSE after first step, got %v", dial.Status)
	}
	if outcome != PollReading {
		t.Fatalf("expected READING, got %v", outcome)
	}

	// Flush the RQT onto the wire into accept's In buffer.
	pump(dial, accept)

	// ACCEPT -> SENDING_RESPONSE (RSP queued, waiting for the out-buffer to drain)
	outcome, err = accept.Step()
	if err != nil {
		t.Fatalf("accept.Step: %v", err)
	}
	if outcome != PollWriting {
		t.Fatalf("expected accept side WRITING while the RSP is queued, got %v", outcome)
	}

	// Flush the RSP back to the dial side.
	pump(accept, dial)

	// SENDING_RESPONSE -> AUTH_OK -> OK
	outcome, err = accept.Step()
	if err != nil {
		t.Fatalf("accept.Step (after flush): %v", err)
	}
	if outcome != PollOK {
		t.Fatalf("expected accept side OK, got %v", outcome)
	}
	if accept.Status != StatusOK {
		t.Fatalf("expected accept Status OK, got %v", accept.Status)
	}
	if accept.PeerID != 1 || accept.PeerKind != PortKindReduce {
		t.Fatalf("accept did not record dialer identity: %+v", accept)
	}

	outcome, err = dial.Step()
	if err != nil {
		t.Fatalf("dial.Step (final): %v", err)
	}
	if outcome != PollOK {
		t.Fatalf("expected dial side OK, got %v", outcome)
	}
	if dial.Status != StatusOK {
		t.Fatalf("expected dial Status OK, got %v", dial.Status)
	}
	if dial.PeerID != 2 || dial.PeerKind != PortKindReduce {
		t.Fatalf("dial did not record accepter identity: %+v", dial)
	}
}

func TestAwaitingResponseRejectsVersionMismatch(t *testing.T) {
	dial, accept := newHandshakePair(t)
	accept.Version = 2 // peer speaks a different protocol version

	if _, err := dial.Step(); err != nil {
		t.Fatalf("dial.Step: %v", err)
	}
	pump(dial, accept)
	// The accepting side rejects the version-1 RQT itself.
	if _, err := accept.Step(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected accept side to reject the version mismatch, got %v", err)
	}
	// Deliver a version-2 RSP to the dial side directly, as a peer that
	// answers anyway would.
	dial.In.Append(wire.Encode(wire.TagStartupResponse, wire.EncodeStartupResponse(wire.StartupResponse{
		Version: 2, PeerKind: uint32(PortKindReduce), PeerID: 2,
	})))

	_, err := dial.Step()
	if err == nil || !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if dial.Status != StatusBad {
		t.Fatalf("expected BAD after version mismatch, got %v", dial.Status)
	}
}

func TestAwaitingResponseRejectsIdentityMismatch(t *testing.T) {
	dial, accept := newHandshakePair(t)
	dial.ExpectPeer(99) // we dialed expecting reducer 99, not 2

	if _, err := dial.Step(); err != nil {
		t.Fatalf("dial.Step: %v", err)
	}
	pump(dial, accept)
	if _, err := accept.Step(); err != nil {
		t.Fatalf("accept.Step: %v", err)
	}
	pump(accept, dial)

	_, err := dial.Step()
	if err == nil || !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation for identity mismatch, got %v", err)
	}
	if dial.Status != StatusBad {
		t.Fatalf("expected BAD after identity mismatch, got %v", dial.Status)
	}
}

func TestAcceptRejectsBadTag(t *testing.T) {
	_, accept := newHandshakePair(t)

	// Inject a well-formed frame carrying the wrong tag for ACCEPT.
	bogus := wire.Encode(wire.TagEOF, wire.EncodeU64(7))
	accept.In.Append(bogus)

	_, err := accept.Step()
	if err == nil || !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation for bad tag, got %v", err)
	}
	if accept.Status != StatusBad {
		t.Fatalf("expected BAD after bad tag, got %v", accept.Status)
	}
}

func TestAcceptRejectsTruncatedFrameWithoutAdvancing(t *testing.T) {
	_, accept := newHandshakePair(t)

	full := wire.Encode(wire.TagStartupRequest, wire.EncodeStartupRequest(wire.StartupRequest{
		Version: 1, SelfKind: uint32(PortKindReduce), SelfID: 9,
	}))
	accept.In.Append(full[:len(full)-2])

	outcome, err := accept.Step()
	if err != nil {
		t.Fatalf("expected no error on partial frame, got %v", err)
	}
	if outcome != PollReading {
		t.Fatalf("expected READING while frame incomplete, got %v", outcome)
	}
	if accept.Status != StatusAccept {
		t.Fatalf("expected to remain in ACCEPT on partial frame, got %v", accept.Status)
	}
}

func TestNeededFailsWhenAllAddressesExhausted(t *testing.T) {
	dial := &Port{
		dial:     fakeDialer{err: errors.New("connection refused")},
		SelfKind: PortKindReduce,
		SelfID:   1,
		Version:  1,
		Status:   StatusNeeded,
		Flags:    FlagValid,
		Active:   true,
		In:       buffer.New(),
		Out:      buffer.New(),
		Err:      buffer.New(),
		addrs:    []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("127.0.0.2")},
	}

	outcome, err := dial.Step()
	if !errors.Is(err, ErrNoAddresses) {
		t.Fatalf("expected ErrNoAddresses, got %v", err)
	}
	if outcome != PollFailed {
		t.Fatalf("expected FAILED, got %v", outcome)
	}
	if dial.Status != StatusBad {
		t.Fatalf("expected BAD, got %v", dial.Status)
	}
}

func TestReadIntoBlocksOnEmptySocketAndReportsEOFOnClose(t *testing.T) {
	dial, _ := newHandshakePair(t)
	dial.sock = &fakeSocket{}

	n, ok, err := dial.ReadInto(make([]byte, 16))
	if n != 0 || !ok || err != nil {
		t.Fatalf("expected would-block on empty buffer, got n=%d ok=%v err=%v", n, ok, err)
	}

	dial.sock.(*fakeSocket).eof = true
	n, ok, err = dial.ReadInto(make([]byte, 16))
	if n != 0 || ok || !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on orderly close, got n=%d ok=%v err=%v", n, ok, err)
	}
}
