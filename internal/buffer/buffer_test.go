// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package buffer

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestAppendConsume(t *testing.T) {
	b := New()
	b.Append([]byte("hello"))
	b.Append([]byte(" world"))

	if b.Remaining() != len("hello world") {
		t.Fatalf("expected remaining %d, got %d", len("hello world"), b.Remaining())
	}

	b.Consume(6)
	if !bytes.Equal(b.Bytes(), []byte("world")) {
		t.Fatalf("expected %q, got %q", "world", b.Bytes())
	}
}

func TestConsumeToEndResetsCursor(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	b.Consume(3)

	if b.Cursor() != 0 || b.Len() != 0 {
		t.Fatalf("expected cursor and len reset to 0, got cursor=%d len=%d", b.Cursor(), b.Len())
	}
}

func TestCompactLeftJustifies(t *testing.T) {
	b := New()
	b.Append([]byte("abcdef"))
	b.Consume(3)
	b.Compact()

	if b.Cursor() != 0 {
		t.Fatalf("expected cursor 0 after compact, got %d", b.Cursor())
	}
	if !bytes.Equal(b.Bytes(), []byte("def")) {
		t.Fatalf("expected %q, got %q", "def", b.Bytes())
	}
}

func TestGrowthIsAmortizedDoubling(t *testing.T) {
	b := New()
	if cap(b.data) != initialCap {
		t.Fatalf("expected initial capacity %d, got %d", initialCap, cap(b.data))
	}

	b.Grow(initialCap + 1)
	if cap(b.data) != initialCap*2 {
		t.Fatalf("expected capacity to double to %d, got %d", initialCap*2, cap(b.data))
	}
}

func TestConsumePanicsOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic consuming beyond Remaining")
		}
	}()
	b := New()
	b.Append([]byte("x"))
	b.Consume(2)
}

func TestCursorNeverExceedsLen(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	b := New()
	for i := 0; i < 1000; i++ {
		b.Append(make([]byte, rnd.Intn(32)))
		if b.Remaining() > 0 {
			n := rnd.Intn(b.Remaining() + 1)
			b.Consume(n)
		}
		if b.Cursor() > b.Len() {
			t.Fatalf("cursor %d exceeded len %d", b.Cursor(), b.Len())
		}
	}
}
