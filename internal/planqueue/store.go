// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package planqueue implementa a store de spill por plano exigida pela
// interface rdcstore do spec (spec §4.7): um ring em memória com orçamento
// de bytes, espalhando frames inteiros para segmentos em disco comprimidos
// com zstd quando o orçamento estoura. Nenhum tipo aqui é tocado por mais
// de uma goroutine: a store é manipulada exclusivamente pela goroutine do
// event loop (spec §5).
package planqueue

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// segmentHeaderLen é o tamanho do prefixo de comprimento antes de cada frame
// dentro de um segmento de spill (u32 big-endian, não inclui a si mesmo,
// ao contrário do framing do wire — este é um formato puramente interno).
const segmentHeaderLen = 4

// Store é a implementação padrão de mesh.RdcStore (spec §4.7).
type Store struct {
	planID   uint64
	dir      string
	memBudget int64

	ring     [][]byte
	ringSize int64

	segments []string // caminhos de segmentos de spill, mais antigo primeiro
	logger   *slog.Logger

	// Arquivamento a frio opcional (archive.go), configurado via
	// ConfigureArchive. archiver == nil desliga completamente o recurso.
	archiver     Archiver
	retentionAge time.Duration
	segmentAge   map[string]time.Time
	archived     map[string]bool
}

// Options configura uma Store.
type Options struct {
	PlanID    uint64
	SpillDir  string // diretório para segmentos de spill deste plano
	MemBudget int64  // orçamento de bytes do ring em memória antes de espalhar
	Logger    *slog.Logger
}

// New cria uma Store para um plano, criando SpillDir se necessário.
func New(opts Options) (*Store, error) {
	if opts.MemBudget <= 0 {
		opts.MemBudget = 8 << 20 // 8MiB, alinhado ao teacher's AssemblerPendingMem default de 8mb
	}
	if err := os.MkdirAll(opts.SpillDir, 0755); err != nil {
		return nil, fmt.Errorf("planqueue: creating spill dir %s: %w", opts.SpillDir, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		planID:    opts.PlanID,
		dir:       opts.SpillDir,
		memBudget: opts.MemBudget,
		logger:    logger.With("plan_id", opts.PlanID, "component", "planqueue"),
	}, nil
}

// PutTuple implementa mesh.RdcStore.
func (s *Store) PutTuple(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.ring = append(s.ring, cp)
	s.ringSize += int64(len(cp))

	if s.ringSize <= s.memBudget {
		return nil
	}
	return s.spillOldest()
}

// spillOldest escreve a metade mais antiga do ring para um novo segmento
// comprimido em disco, liberando memória até voltar abaixo do orçamento.
func (s *Store) spillOldest() error {
	seq := len(s.segments)
	path := filepath.Join(s.dir, fmt.Sprintf("plan-%d-seg-%d.zst", s.planID, seq))
	for {
		if _, err := os.Stat(path); err != nil {
			break // nome livre: nenhum segmento ainda não consumido é sobrescrito
		}
		seq++
		path = filepath.Join(s.dir, fmt.Sprintf("plan-%d-seg-%d.zst", s.planID, seq))
	}
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("planqueue: creating spill segment: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("planqueue: creating zstd writer: %w", err)
	}

	spilled := 0
	for s.ringSize > s.memBudget/2 && len(s.ring) > 0 {
		frame := s.ring[0]
		s.ring = s.ring[1:]
		s.ringSize -= int64(len(frame))

		var hdr [segmentHeaderLen]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
		if _, err := zw.Write(hdr[:]); err != nil {
			zw.Close()
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("planqueue: writing segment header: %w", err)
		}
		if _, err := zw.Write(frame); err != nil {
			zw.Close()
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("planqueue: writing segment frame: %w", err)
		}
		spilled++
	}

	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("planqueue: closing zstd writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("planqueue: closing spill segment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("planqueue: committing spill segment: %w", err)
	}

	s.segments = append(s.segments, path)
	if s.segmentAge != nil {
		s.segmentAge[path] = time.Now()
	}
	s.logger.Debug("spilled frames to disk", "segment", path, "frames", spilled)
	return nil
}

// GetTupleMulti implementa mesh.RdcStore. spillOldest sempre espalha a
// extremidade mais antiga do ring, então qualquer segmento em disco contém
// frames estritamente mais antigos que o que sobrou em memória: o segmento
// mais antigo precisa ser drenado por completo (para dstOverflow) antes que
// o ring (dstPrimary) seja tocado, preservando FIFO por (plan_id,
// sender_reducer) (spec §4.7/§4.6 "frames are delivered ... FIFO").
func (s *Store) GetTupleMulti(dstPrimary, dstOverflow *[]byte, maxFrames int) (int, error) {
	if len(s.segments) > 0 {
		path := s.segments[0]
		n, err := s.readSegmentInto(path, dstOverflow, math.MaxInt)
		if err != nil {
			return 0, err
		}
		s.segments = s.segments[1:]
		delete(s.segmentAge, path)
		delete(s.archived, path)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove consumed spill segment", "segment", path, "error", err)
		}
		return n, nil
	}

	moved := 0
	for moved < maxFrames && len(s.ring) > 0 {
		frame := s.ring[0]
		s.ring = s.ring[1:]
		s.ringSize -= int64(len(frame))
		*dstPrimary = append(*dstPrimary, frame...)
		moved++
	}
	return moved, nil
}

func (s *Store) readSegmentInto(path string, dst *[]byte, maxFrames int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("planqueue: opening spill segment: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return 0, fmt.Errorf("planqueue: creating zstd reader: %w", err)
	}
	defer zr.Close()

	n := 0
	var hdr [segmentHeaderLen]byte
	for n < maxFrames {
		if _, err := readFull(zr, hdr[:]); err != nil {
			break // EOF do segmento
		}
		l := binary.BigEndian.Uint32(hdr[:])
		frame := make([]byte, l)
		if _, err := readFull(zr, frame); err != nil {
			return n, fmt.Errorf("planqueue: truncated spill segment %s: %w", path, err)
		}
		*dst = append(*dst, frame...)
		n++
	}
	return n, nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// AtEOF implementa mesh.RdcStore: não há mais frames para entregar agora.
func (s *Store) AtEOF() bool {
	return len(s.ring) == 0 && len(s.segments) == 0
}

// Close implementa mesh.RdcStore: remove segmentos de spill remanescentes.
func (s *Store) Close() error {
	for _, seg := range s.segments {
		if err := os.Remove(seg); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove spill segment on close", "segment", seg, "error", err)
		}
	}
	s.segments = nil
	s.ring = nil
	s.ringSize = 0
	return nil
}

// RetiredSegments lista, em ordem do mais antigo para o mais novo, os
// caminhos de segmentos de spill ainda não consumidos pelo dispatcher.
// O sweep de arquivamento (ArchiveRetired) percorre s.segments diretamente.
func (s *Store) RetiredSegments() []string {
	out := make([]string, len(s.segments))
	copy(out, s.segments)
	return out
}
