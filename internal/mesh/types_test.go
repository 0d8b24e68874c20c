// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mesh

import "testing"

func TestArenaAllocGetFree(t *testing.T) {
	a := NewArena[int]()
	x, y := 1, 2

	hx := a.Alloc(&x)
	hy := a.Alloc(&y)

	if *a.Get(hx) != 1 || *a.Get(hy) != 2 {
		t.Fatalf("unexpected values: %v %v", a.Get(hx), a.Get(hy))
	}

	a.Free(hx)
	if a.Get(hx) != nil {
		t.Fatalf("expected freed slot to return nil")
	}

	z := 3
	hz := a.Alloc(&z)
	if hz != hx {
		t.Fatalf("expected freed slot %d to be reused, got %d", hx, hz)
	}
	if a.Len() != 2 {
		t.Fatalf("expected 2 live slots, got %d", a.Len())
	}
}

func TestArenaEachSkipsFreedSlots(t *testing.T) {
	a := NewArena[string]()
	s1, s2, s3 := "a", "b", "c"
	h1 := a.Alloc(&s1)
	a.Alloc(&s2)
	a.Alloc(&s3)
	a.Free(h1)

	var got []string
	a.Each(func(h Handle, v *string) { got = append(got, *v) })

	if len(got) != 2 {
		t.Fatalf("expected 2 live entries, got %v", got)
	}
}
