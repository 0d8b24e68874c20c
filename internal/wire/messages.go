// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
)

// StartupRequest é o payload de RQT: ver(u32) self_kind(u32) self_id(u64).
type StartupRequest struct {
	Version  uint32
	SelfKind uint32
	SelfID   uint64
}

// EncodeStartupRequest serializa o payload de um frame RQT.
func EncodeStartupRequest(m StartupRequest) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint32(b[0:4], m.Version)
	binary.BigEndian.PutUint32(b[4:8], m.SelfKind)
	binary.BigEndian.PutUint64(b[8:16], m.SelfID)
	return b
}

// DecodeStartupRequest desserializa o payload de um frame RQT.
func DecodeStartupRequest(p []byte) (StartupRequest, error) {
	if len(p) != 16 {
		return StartupRequest{}, fmt.Errorf("wire: bad RQT payload length %d", len(p))
	}
	return StartupRequest{
		Version:  binary.BigEndian.Uint32(p[0:4]),
		SelfKind: binary.BigEndian.Uint32(p[4:8]),
		SelfID:   binary.BigEndian.Uint64(p[8:16]),
	}, nil
}

// StartupResponse é o payload de RSP: ver(u32) peer_kind(u32) peer_id(u64).
type StartupResponse struct {
	Version  uint32
	PeerKind uint32
	PeerID   uint64
}

// EncodeStartupResponse serializa o payload de um frame RSP.
func EncodeStartupResponse(m StartupResponse) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint32(b[0:4], m.Version)
	binary.BigEndian.PutUint32(b[4:8], m.PeerKind)
	binary.BigEndian.PutUint64(b[8:16], m.PeerID)
	return b
}

// DecodeStartupResponse desserializa o payload de um frame RSP.
func DecodeStartupResponse(p []byte) (StartupResponse, error) {
	if len(p) != 16 {
		return StartupResponse{}, fmt.Errorf("wire: bad RSP payload length %d", len(p))
	}
	return StartupResponse{
		Version:  binary.BigEndian.Uint32(p[0:4]),
		PeerKind: binary.BigEndian.Uint32(p[4:8]),
		PeerID:   binary.BigEndian.Uint64(p[8:16]),
	}, nil
}

// EncodeError serializa o payload de um frame ERR: uma cstring.
func EncodeError(message string) []byte {
	return writeCString(message)
}

// DecodeError desserializa o payload de um frame ERR.
func DecodeError(p []byte) (string, error) {
	msg, rest, err := readCString(p)
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", fmt.Errorf("wire: trailing bytes after ERR message")
	}
	return msg, nil
}

// PlanData é o payload de P2R: datalen(u32) data target_count(u32) target_ids(u64...).
type PlanData struct {
	Data    []byte
	Targets []uint64
}

// EncodePlanData serializa o payload de um frame P2R.
func EncodePlanData(m PlanData) []byte {
	b := make([]byte, 4+len(m.Data)+4+8*len(m.Targets))
	off := 0
	binary.BigEndian.PutUint32(b[off:off+4], uint32(len(m.Data)))
	off += 4
	copy(b[off:off+len(m.Data)], m.Data)
	off += len(m.Data)
	binary.BigEndian.PutUint32(b[off:off+4], uint32(len(m.Targets)))
	off += 4
	for _, id := range m.Targets {
		binary.BigEndian.PutUint64(b[off:off+8], id)
		off += 8
	}
	return b
}

// DecodePlanData desserializa o payload de um frame P2R.
func DecodePlanData(p []byte) (PlanData, error) {
	if len(p) < 4 {
		return PlanData{}, fmt.Errorf("wire: truncated P2R datalen")
	}
	dataLen := binary.BigEndian.Uint32(p[0:4])
	off := 4
	if uint32(len(p)-off) < dataLen {
		return PlanData{}, fmt.Errorf("wire: truncated P2R data")
	}
	data := make([]byte, dataLen)
	copy(data, p[off:off+int(dataLen)])
	off += int(dataLen)

	if len(p)-off < 4 {
		return PlanData{}, fmt.Errorf("wire: truncated P2R target_count")
	}
	targetCount := binary.BigEndian.Uint32(p[off : off+4])
	off += 4

	want := int(targetCount) * 8
	if len(p)-off != want {
		return PlanData{}, fmt.Errorf("wire: bad P2R target_ids length")
	}
	targets := make([]uint64, targetCount)
	for i := range targets {
		targets[i] = binary.BigEndian.Uint64(p[off : off+8])
		off += 8
	}
	return PlanData{Data: data, Targets: targets}, nil
}

// ReducerData é o payload de R2R: plan_id(u64) data.
type ReducerData struct {
	PlanID uint64
	Data   []byte
}

// EncodeReducerData serializa o payload de um frame R2R.
func EncodeReducerData(m ReducerData) []byte {
	b := make([]byte, 8+len(m.Data))
	binary.BigEndian.PutUint64(b[0:8], m.PlanID)
	copy(b[8:], m.Data)
	return b
}

// DecodeReducerData desserializa o payload de um frame R2R.
func DecodeReducerData(p []byte) (ReducerData, error) {
	if len(p) < 8 {
		return ReducerData{}, fmt.Errorf("wire: truncated R2R plan_id")
	}
	data := make([]byte, len(p)-8)
	copy(data, p[8:])
	return ReducerData{PlanID: binary.BigEndian.Uint64(p[0:8]), Data: data}, nil
}

// ReducerToPlan é o payload de R2P: from_rdc_id(u64) data.
type ReducerToPlan struct {
	FromRdcID uint64
	Data      []byte
}

// EncodeReducerToPlan serializa o payload de um frame R2P.
func EncodeReducerToPlan(m ReducerToPlan) []byte {
	b := make([]byte, 8+len(m.Data))
	binary.BigEndian.PutUint64(b[0:8], m.FromRdcID)
	copy(b[8:], m.Data)
	return b
}

// DecodeReducerToPlan desserializa o payload de um frame R2P.
func DecodeReducerToPlan(p []byte) (ReducerToPlan, error) {
	if len(p) < 8 {
		return ReducerToPlan{}, fmt.Errorf("wire: truncated R2P from_rdc_id")
	}
	data := make([]byte, len(p)-8)
	copy(data, p[8:])
	return ReducerToPlan{FromRdcID: binary.BigEndian.Uint64(p[0:8]), Data: data}, nil
}

// EncodeTargetSet serializa um conjunto de reducer ids alvo: count(u32) ids(u64...).
// Usado pelo payload de EOF/CLS no sentido plan → reducer (spec §4.2).
func EncodeTargetSet(targets []uint64) []byte {
	b := make([]byte, 4+8*len(targets))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(targets)))
	off := 4
	for _, id := range targets {
		binary.BigEndian.PutUint64(b[off:off+8], id)
		off += 8
	}
	return b
}

// DecodeTargetSet desserializa um conjunto de reducer ids alvo.
func DecodeTargetSet(p []byte) ([]uint64, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("wire: truncated target_count")
	}
	count := binary.BigEndian.Uint32(p[0:4])
	off := 4
	if len(p)-off != int(count)*8 {
		return nil, fmt.Errorf("wire: bad target_ids length")
	}
	targets := make([]uint64, count)
	for i := range targets {
		targets[i] = binary.BigEndian.Uint64(p[off : off+8])
		off += 8
	}
	return targets, nil
}

// EncodeU64 serializa um único uint64. Usado para o payload de EOF/CLS no
// sentido reducer → reducer (plan_id) e reducer → plan (rdc_id).
func EncodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// DecodeU64 desserializa um único uint64.
func DecodeU64(p []byte) (uint64, error) {
	if len(p) != 8 {
		return 0, fmt.Errorf("wire: bad u64 payload length %d", len(p))
	}
	return binary.BigEndian.Uint64(p), nil
}
