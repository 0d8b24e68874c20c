// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mesh

// PlanDials decide, para um grupo de groupSize membros indexados 0..N-1 e o
// índice local self, quais outros índices devem ser discados por este
// reducer (spec §4.4).
//
// A regra par/ímpar garante que cada par não ordenado {s, o} seja coberto
// por exatamente um lado: o outro lado chega via accept. Isso evita a
// corrida de "conexão dupla" sem qualquer coordenação entre os processos.
func PlanDials(groupSize, self int) []int {
	var dials []int
	for o := 0; o < groupSize; o++ {
		if o == self {
			continue
		}
		if shouldDial(self, o) {
			dials = append(dials, o)
		}
	}
	return dials
}

func shouldDial(s, o int) bool {
	sEven, oEven := s%2 == 0, o%2 == 0
	switch {
	case sEven && oEven:
		return o > s
	case sEven && !oEven:
		return o < s
	case !sEven && !oEven:
		return o > s
	default: // odd(s) && even(o)
		return o < s
	}
}
