package handlers

import (
	"encoding/json"

	"github.com/Brownie44l1/classifier-api/internal/model"
)

// Pair encodes as a two-element JSON array: [label, value].
type Pair[T any] struct {
	Label string
	Value T
}

func (p Pair[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Label, p.Value})
}

type AnalyzeResponse struct {
	// Results carries rounded percentages, sorted by label.
	Results []Pair[int] `json:"results"`
	// Predictions carries the unrounded probabilities in the same order.
	Predictions []Pair[float64] `json:"predictions"`
	Top         string          `json:"top"`
	ElapsedMS   int64           `json:"elapsed_ms"`
}

func NewAnalyzeResponse(p *model.Prediction) AnalyzeResponse {
	resp := AnalyzeResponse{
		Results:     make([]Pair[int], len(p.Scores)),
		Predictions: make([]Pair[float64], len(p.Scores)),
		Top:         p.Top.Label,
		ElapsedMS:   p.Elapsed.Milliseconds(),
	}
	for i, s := range p.Scores {
		resp.Results[i] = Pair[int]{Label: s.Label, Value: s.Percent}
		resp.Predictions[i] = Pair[float64]{Label: s.Label, Value: s.Probability}
	}
	return resp
}
