package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/classifier-api/internal/metrics"
)

const defaultImageSize = 224

// Runner executes one forward pass. Implementations must be safe for
// concurrent use; the classifier holds no lock around Run.
type Runner interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// Classifier is the process-wide, read-only inference service. Nothing in it
// changes after construction.
type Classifier struct {
	runner    Runner
	labels    []string
	order     []int
	imageSize int
	mean      [3]float32
	std       [3]float32
	output    OutputKind
	timeout   time.Duration
}

func NewClassifier(runner Runner, meta Metadata, timeout time.Duration) (*Classifier, error) {
	if runner == nil {
		return nil, errors.New("nil runner")
	}
	if len(meta.Classes) == 0 {
		return nil, errors.New("model has no labels")
	}
	seen := make(map[string]bool, len(meta.Classes))
	for _, l := range meta.Classes {
		if l == "" || seen[l] {
			return nil, fmt.Errorf("invalid label vocabulary %q", meta.Classes)
		}
		seen[l] = true
	}

	c := &Classifier{
		runner:    runner,
		labels:    append([]string(nil), meta.Classes...),
		imageSize: meta.ImageSize,
		mean:      [3]float32{0, 0, 0},
		std:       [3]float32{1, 1, 1},
		output:    meta.Output,
		timeout:   timeout,
	}
	if c.imageSize <= 0 {
		c.imageSize = defaultImageSize
	}
	if c.output == "" {
		c.output = OutputLogits
	}
	if len(meta.Mean) == 3 {
		copy(c.mean[:], meta.Mean)
	}
	if len(meta.Std) == 3 {
		for i, s := range meta.Std {
			if s <= 0 {
				return nil, fmt.Errorf("std[%d] must be positive, got %v", i, s)
			}
		}
		copy(c.std[:], meta.Std)
	}
	c.order = labelOrder(c.labels)
	return c, nil
}

// Labels returns the label vocabulary in model order.
func (c *Classifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

func (c *Classifier) ImageSize() int { return c.imageSize }

// Predict decodes data, runs one forward pass and returns a score per label
// sorted by label. It is safe to call from many goroutines at once.
func (c *Classifier) Predict(ctx context.Context, data []byte) (*Prediction, error) {
	start := time.Now()
	pred, err := c.predict(ctx, data)
	elapsed := time.Since(start)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrDecode):
		outcome = "decode_error"
	case errors.Is(err, ErrInferenceTimeout):
		outcome = "timeout"
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	case err != nil:
		outcome = "inference_error"
	}
	metrics.ObserveInference(outcome, elapsed.Seconds())

	if err != nil {
		return nil, err
	}
	pred.Elapsed = elapsed
	metrics.RecordPrediction(pred.Top.Label)
	return pred, nil
}

type runResult struct {
	out []float32
	err error
}

func (c *Classifier) predict(ctx context.Context, data []byte) (*Prediction, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	img, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	input := tensorize(img, c.imageSize, c.mean, c.std)

	// The forward pass cannot be interrupted; on timeout the caller is
	// released and the pass finishes in the background.
	done := make(chan runResult, 1)
	go func() {
		out, err := c.runner.Run(input)
		done <- runResult{out: out, err: err}
	}()

	var res runResult
	select {
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		log.WithField("timeout", c.timeout).Warn("inference abandoned")
		return nil, fmt.Errorf("%w: %v", ErrInferenceTimeout, ctx.Err())
	case res = <-done:
	}

	if res.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, res.err)
	}
	if len(res.out) != len(c.labels) {
		return nil, fmt.Errorf("%w: model returned %d scores for %d labels", ErrInference, len(res.out), len(c.labels))
	}

	probs, err := probabilities(res.out, c.output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	all, top := scores(c.labels, probs, c.order)
	return &Prediction{Scores: all, Top: top}, nil
}

func (c *Classifier) Close() error {
	return c.runner.Close()
}
