// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mesh

import "testing"

// TestPlanDialsCoversFullMeshExactlyOnce é a propriedade de fronteira da
// spec §8: sobre N ∈ [2,16], exatamente N·(N-1)/2 discagens no total, e
// nenhum par discado duas vezes.
func TestPlanDialsCoversFullMeshExactlyOnce(t *testing.T) {
	for n := 2; n <= 16; n++ {
		seen := map[[2]int]int{}
		total := 0
		for s := 0; s < n; s++ {
			for _, o := range PlanDials(n, s) {
				if o == s {
					t.Fatalf("n=%d: self-dial from %d", n, s)
				}
				pair := pairKey(s, o)
				seen[pair]++
				total++
			}
		}

		want := n * (n - 1) / 2
		if total != want {
			t.Fatalf("n=%d: expected %d total dials, got %d", n, want, total)
		}
		for pair, count := range seen {
			if count != 1 {
				t.Fatalf("n=%d: pair %v dialed %d times, want 1", n, pair, count)
			}
		}

		// Every unordered pair must be covered by exactly one side.
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				if seen[[2]int{a, b}] != 1 {
					t.Fatalf("n=%d: pair (%d,%d) not covered exactly once", n, a, b)
				}
			}
		}
	}
}

func pairKey(a, b int) [2]int {
	if a < b {
		return [2]int{a, b}
	}
	return [2]int{b, a}
}

func TestPlanDialsNeverDialsSelf(t *testing.T) {
	for n := 1; n <= 8; n++ {
		for s := 0; s < n; s++ {
			for _, o := range PlanDials(n, s) {
				if o == s {
					t.Fatalf("n=%d s=%d: dialed self", n, s)
				}
			}
		}
	}
}
