package model

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// probabilities converts a raw output row into a distribution summing to 1.
func probabilities(raw []float32, kind OutputKind) ([]float64, error) {
	p := make([]float64, len(raw))
	for i, v := range raw {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite score %v at index %d", v, i)
		}
		p[i] = f
	}

	if kind == OutputProbabilities {
		for i := range p {
			p[i] = math.Max(p[i], 0)
		}
		sum := floats.Sum(p)
		if sum == 0 {
			for i := range p {
				p[i] = 1 / float64(len(p))
			}
			return p, nil
		}
		floats.Scale(1/sum, p)
		return p, nil
	}

	lse := floats.LogSumExp(p)
	for i := range p {
		p[i] = math.Exp(p[i] - lse)
	}
	return p, nil
}

func percent(p float64) int {
	v := int(math.Round(p * 100))
	return min(max(v, 0), 100)
}

// labelOrder returns the indices of labels sorted by label ascending.
func labelOrder(labels []string) []int {
	idx := make([]int, len(labels))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return labels[idx[a]] < labels[idx[b]] })
	return idx
}

// scores pairs each label with its probability, in the given order. Top is
// the highest probability; ties go to the label that sorts first.
func scores(labels []string, probs []float64, order []int) ([]Score, Score) {
	out := make([]Score, len(order))
	top := 0
	for n, i := range order {
		out[n] = Score{
			Label:       labels[i],
			Probability: probs[i],
			Percent:     percent(probs[i]),
		}
		if probs[i] > out[top].Probability {
			top = n
		}
	}
	return out, out[top]
}
