// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import "testing"

func TestParseByteSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"8mb":  8 * 1024 * 1024,
		"1gb":  1024 * 1024 * 1024,
		"64kb": 64 * 1024,
		"512b": 512,
		"1024": 1024,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): unexpected error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSizeRejectsGarbage(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected an error for an unparseable size string")
	}
	if _, err := ParseByteSize(""); err == nil {
		t.Fatal("expected an error for an empty size string")
	}
}
