package model

import (
	"context"
	"time"
)

// OutputKind says how to read the raw output row of the model.
type OutputKind string

const (
	OutputLogits        OutputKind = "logits"
	OutputProbabilities OutputKind = "probabilities"
)

// Metadata describes the model's inputs, outputs and label vocabulary. It is
// read from the ONNX custom metadata map and optionally from a sidecar JSON
// file of the same shape.
type Metadata struct {
	InputShape  []int64    `json:"input_shape,omitempty"`
	OutputShape []int64    `json:"output_shape,omitempty"`
	InputName   string     `json:"input_name,omitempty"`
	OutputName  string     `json:"output_name,omitempty"`
	Classes     []string   `json:"classes"`
	ImageSize   int        `json:"image_size,omitempty"`
	Mean        []float32  `json:"mean,omitempty"`
	Std         []float32  `json:"std,omitempty"`
	Output      OutputKind `json:"output,omitempty"`
	RequiresGPU bool       `json:"requires_gpu,omitempty"`
	Device      string     `json:"device,omitempty"`
	Producer    string     `json:"producer,omitempty"`
}

// Score is the model's confidence in one label.
type Score struct {
	Label string
	// Probability is the unrounded softmax output in [0, 1].
	Probability float64
	// Percent is Probability*100 rounded to the nearest integer.
	Percent int
}

// Prediction holds one score per label, sorted by label ascending.
type Prediction struct {
	Scores  []Score
	Top     Score
	Elapsed time.Duration
}

// Predictor is the request-time view of the inference service. Close
// releases the runtime session and is called once, at shutdown.
type Predictor interface {
	Predict(ctx context.Context, data []byte) (*Prediction, error)
	Labels() []string
	Close() error
}
