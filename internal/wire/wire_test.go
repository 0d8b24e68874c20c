// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/nishisan-dev/rdcmesh/internal/buffer"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		tag  Tag
		enc  []byte
	}{
		{"startup request", TagStartupRequest, EncodeStartupRequest(StartupRequest{Version: 1, SelfKind: 2, SelfID: 42})},
		{"startup response", TagStartupResponse, EncodeStartupResponse(StartupResponse{Version: 1, PeerKind: 3, PeerID: 99})},
		{"error", TagError, EncodeError("boom")},
		{"plan data", TagPlanToReducer, EncodePlanData(PlanData{Data: []byte("hello"), Targets: []uint64{1, 2, 3}})},
		{"reducer data", TagReducerData, EncodeReducerData(ReducerData{PlanID: 7, Data: []byte("x")})},
		{"reducer to plan", TagReducerToPlan, EncodeReducerToPlan(ReducerToPlan{FromRdcID: 5, Data: []byte("y")})},
		{"target set", TagEOF, EncodeTargetSet([]uint64{9, 10})},
		{"u64", TagEOF, EncodeU64(123456789)},
		{"empty target set", TagEOF, EncodeTargetSet(nil)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			frame := Encode(c.tag, c.enc)
			buf := buffer.New()
			buf.Append(frame)

			tag, payload, ok, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !ok {
				t.Fatalf("expected a complete frame to decode")
			}
			if tag != c.tag {
				t.Fatalf("expected tag %v, got %v", c.tag, tag)
			}
			if !reflect.DeepEqual(payload, c.enc) {
				t.Fatalf("expected payload %v, got %v", c.enc, payload)
			}
			if buf.Remaining() != 0 {
				t.Fatalf("expected buffer fully consumed, %d bytes remain", buf.Remaining())
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	pd := PlanData{Data: []byte("abc"), Targets: []uint64{1, 2}}
	got, err := DecodePlanData(EncodePlanData(pd))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, pd) {
		t.Fatalf("expected %+v, got %+v", pd, got)
	}

	rd := ReducerData{PlanID: 42, Data: []byte("payload")}
	gotRD, err := DecodeReducerData(EncodeReducerData(rd))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(gotRD, rd) {
		t.Fatalf("expected %+v, got %+v", rd, gotRD)
	}

	targets := []uint64{5, 6, 7}
	gotTargets, err := DecodeTargetSet(EncodeTargetSet(targets))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(gotTargets, targets) {
		t.Fatalf("expected %v, got %v", targets, gotTargets)
	}
}

// TestDecodeNeverAdvancesCursorOnPartialFrame é o teste de propriedade
// exigido pela spec §8: truncamentos aleatórios de um frame válido nunca
// fazem o cursor avançar além do último frame completo.
func TestDecodeNeverAdvancesCursorOnPartialFrame(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	full := Encode(TagPlanToReducer, EncodePlanData(PlanData{Data: []byte("0123456789"), Targets: []uint64{1, 2, 3}}))

	for i := 0; i < 200; i++ {
		cut := rnd.Intn(len(full)) // 0..len-1, always a partial frame
		buf := buffer.New()
		buf.Append(full[:cut])

		_, _, ok, err := Decode(buf)
		if ok {
			t.Fatalf("cut=%d: expected incomplete frame, got ok=true", cut)
		}
		if err != nil {
			t.Fatalf("cut=%d: expected no error on partial frame, got %v", cut, err)
		}
		if buf.Cursor() != 0 {
			t.Fatalf("cut=%d: expected cursor to stay at 0, got %d", cut, buf.Cursor())
		}
		if buf.Remaining() != cut {
			t.Fatalf("cut=%d: expected all %d bytes still pending, got %d remaining", cut, cut, buf.Remaining())
		}
	}
}

func TestDecodeRejectsLengthBelowMinimum(t *testing.T) {
	buf := buffer.New()
	frame := []byte{byte(TagEOF), 0, 0, 0, 3} // L=3 < minFrameLen
	buf.Append(frame)

	_, _, ok, err := Decode(buf)
	if ok {
		t.Fatal("expected decode to reject L < 4")
	}
	if err != ErrTruncatedLength {
		t.Fatalf("expected ErrTruncatedLength, got %v", err)
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	buf := buffer.New()
	frame := make([]byte, headerLen)
	frame[0] = byte(TagEOF)
	for i := 1; i < 5; i++ {
		frame[i] = 0xff
	}
	buf.Append(frame)

	_, _, ok, err := Decode(buf)
	if ok {
		t.Fatal("expected decode to reject an oversized frame")
	}
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeDrainsMultipleFramesFromBuffer(t *testing.T) {
	buf := buffer.New()
	buf.Append(Encode(TagEOF, EncodeU64(1)))
	buf.Append(Encode(TagEOF, EncodeU64(2)))

	_, p1, ok, err := Decode(buf)
	if !ok || err != nil {
		t.Fatalf("first decode: ok=%v err=%v", ok, err)
	}
	v1, _ := DecodeU64(p1)

	_, p2, ok, err := Decode(buf)
	if !ok || err != nil {
		t.Fatalf("second decode: ok=%v err=%v", ok, err)
	}
	v2, _ := DecodeU64(p2)

	if v1 != 1 || v2 != 2 {
		t.Fatalf("expected 1 then 2, got %d then %d", v1, v2)
	}
	if buf.Remaining() != 0 {
		t.Fatalf("expected buffer drained, %d remain", buf.Remaining())
	}
}
