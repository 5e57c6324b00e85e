package eval

import "math"

// Partition quality metrics
//
// When a reference labeling exists (synthetic corpora, annotated
// benchmarks), the engine's learned group assignment over identities can
// be scored as a clustering. Two standard measures:
//
//   ARI — Adjusted Rand Index, chance-corrected pairwise agreement.
//         Range [-1, 1]; 1 = identical partitions, 0 = random.
//   VI  — Variation of Information, H(C|C') + H(C'|C).
//         Lower is better; 0 = identical partitions.
//
// Both instantly expose group collapse (everything merged into one
// pattern) and fragmentation (every identity its own pattern), which raw
// surprise numbers can hide.

// contingency builds the n_ij matrix plus row/column sums for two
// parallel label slices.
type contingency struct {
	nij     [][]int
	rowSums []int
	colSums []int
	n       int
}

func buildContingency(predicted, reference []int) *contingency {
	n := len(predicted)
	if n != len(reference) || n < 2 {
		return nil
	}

	predIndex := indexLabels(predicted)
	refIndex := indexLabels(reference)

	nij := make([][]int, len(predIndex))
	for i := range nij {
		nij[i] = make([]int, len(refIndex))
	}
	for k := 0; k < n; k++ {
		nij[predIndex[predicted[k]]][refIndex[reference[k]]]++
	}

	rowSums := make([]int, len(predIndex))
	colSums := make([]int, len(refIndex))
	for i := range nij {
		for j := range nij[i] {
			rowSums[i] += nij[i][j]
			colSums[j] += nij[i][j]
		}
	}

	return &contingency{nij: nij, rowSums: rowSums, colSums: colSums, n: n}
}

// AdjustedRandIndex computes the chance-corrected pairwise agreement
// between a predicted group assignment and a reference labeling.
func AdjustedRandIndex(predicted, reference []int) float64 {
	c := buildContingency(predicted, reference)
	if c == nil {
		return 0
	}

	sumNijC2 := 0.0
	for i := range c.nij {
		for j := range c.nij[i] {
			sumNijC2 += comb2(c.nij[i][j])
		}
	}
	sumAiC2 := 0.0
	for _, a := range c.rowSums {
		sumAiC2 += comb2(a)
	}
	sumBjC2 := 0.0
	for _, b := range c.colSums {
		sumBjC2 += comb2(b)
	}

	nC2 := comb2(c.n)
	if nC2 == 0 {
		return 0
	}

	expected := (sumAiC2 * sumBjC2) / nC2
	maxIndex := 0.5 * (sumAiC2 + sumBjC2)

	denom := maxIndex - expected
	if math.Abs(denom) < 1e-12 {
		return 1 // both partitions degenerate the same way
	}
	return (sumNijC2 - expected) / denom
}

// VariationOfInformation computes the information distance between a
// predicted group assignment and a reference labeling.
func VariationOfInformation(predicted, reference []int) float64 {
	c := buildContingency(predicted, reference)
	if c == nil {
		return 0
	}
	nf := float64(c.n)

	vi := 0.0
	for i := range c.nij {
		for j := range c.nij[i] {
			nij := c.nij[i][j]
			if nij == 0 {
				continue
			}
			pij := float64(nij) / nf
			// H(C|C') term against column sums, H(C'|C) against rows.
			vi -= pij * math.Log2(float64(nij)/float64(c.colSums[j]))
			vi -= pij * math.Log2(float64(nij)/float64(c.rowSums[i]))
		}
	}
	return vi
}

// comb2 computes C(n, 2).
func comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}

// indexLabels maps each distinct label to a dense index.
func indexLabels(labels []int) map[int]int {
	index := make(map[int]int)
	for _, l := range labels {
		if _, seen := index[l]; !seen {
			index[l] = len(index)
		}
	}
	return index
}
