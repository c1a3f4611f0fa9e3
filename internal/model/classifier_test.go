package model

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// channelRunner scores an image by its mean red, green and blue intensity.
type channelRunner struct{}

func (channelRunner) Run(input []float32) ([]float32, error) {
	plane := len(input) / 3
	out := make([]float32, 3)
	for c := 0; c < 3; c++ {
		var sum float32
		for _, v := range input[c*plane : (c+1)*plane] {
			sum += v
		}
		out[c] = 10 * sum / float32(plane)
	}
	return out, nil
}

func (channelRunner) Close() error { return nil }

type funcRunner func([]float32) ([]float32, error)

func (f funcRunner) Run(in []float32) ([]float32, error) { return f(in) }
func (f funcRunner) Close() error                        { return nil }

var rgbMeta = Metadata{Classes: []string{"red", "green", "blue"}, ImageSize: 16}

func solidPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newRGBClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(channelRunner{}, rgbMeta, time.Second)
	require.NoError(t, err)
	return c
}

func TestPredictKnownClass(t *testing.T) {
	c := newRGBClassifier(t)

	pred, err := c.Predict(context.Background(), solidPNG(t, color.RGBA{R: 250, G: 10, B: 10, A: 255}))
	require.NoError(t, err)

	require.Len(t, pred.Scores, 3)
	assert.Equal(t, "red", pred.Top.Label)
	assert.Equal(t, []string{"blue", "green", "red"}, labelsOf(pred.Scores))

	var sum float64
	for _, s := range pred.Scores {
		assert.GreaterOrEqual(t, s.Percent, 0)
		assert.LessOrEqual(t, s.Percent, 100)
		assert.Equal(t, int(math.Round(s.Probability*100)), s.Percent)
		sum += s.Probability
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.True(t, pred.Elapsed > 0)
}

func TestPredictDeterministic(t *testing.T) {
	c := newRGBClassifier(t)
	img := solidPNG(t, color.RGBA{R: 30, G: 200, B: 90, A: 255})

	first, err := c.Predict(context.Background(), img)
	require.NoError(t, err)
	second, err := c.Predict(context.Background(), img)
	require.NoError(t, err)

	assert.Equal(t, first.Scores, second.Scores)
	assert.Equal(t, "green", first.Top.Label)
}

func TestPredictAcceptsJPEG(t *testing.T) {
	c := newRGBClassifier(t)

	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 5, 5, 240, 255
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	pred, err := c.Predict(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "blue", pred.Top.Label)
}

func TestPredictDecodeError(t *testing.T) {
	c := newRGBClassifier(t)

	for name, data := range map[string][]byte{
		"empty":     nil,
		"text":      []byte("definitely not an image"),
		"truncated": solidPNG(t, color.White)[:40],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Predict(context.Background(), data)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}

	// The shared classifier is unaffected.
	_, err := c.Predict(context.Background(), solidPNG(t, color.White))
	assert.NoError(t, err)
}

func TestPredictInferenceErrors(t *testing.T) {
	img := solidPNG(t, color.White)

	tests := map[string]Runner{
		"runner error": funcRunner(func([]float32) ([]float32, error) { return nil, errors.New("boom") }),
		"short output": funcRunner(func([]float32) ([]float32, error) { return []float32{1, 2}, nil }),
		"nan output": funcRunner(func([]float32) ([]float32, error) {
			return []float32{1, float32(math.NaN()), 0}, nil
		}),
	}
	for name, r := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := NewClassifier(r, rgbMeta, time.Second)
			require.NoError(t, err)
			_, err = c.Predict(context.Background(), img)
			assert.ErrorIs(t, err, ErrInference)
		})
	}
}

func TestPredictTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := funcRunner(func([]float32) ([]float32, error) {
		<-release
		return []float32{0, 0, 0}, nil
	})

	c, err := NewClassifier(slow, rgbMeta, 20*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Predict(context.Background(), solidPNG(t, color.White))
	assert.ErrorIs(t, err, ErrInferenceTimeout)
	assert.True(t, time.Since(start) < 2*time.Second)
}

func TestPredictCancelledIsNotTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := funcRunner(func([]float32) ([]float32, error) {
		<-release
		return []float32{0, 0, 0}, nil
	})

	c, err := NewClassifier(slow, rgbMeta, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = c.Predict(ctx, solidPNG(t, color.White))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrInferenceTimeout)
}

func TestPredictCallerDeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := funcRunner(func([]float32) ([]float32, error) {
		<-release
		return []float32{0, 0, 0}, nil
	})

	c, err := NewClassifier(slow, rgbMeta, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Predict(ctx, solidPNG(t, color.White))
	assert.ErrorIs(t, err, ErrInferenceTimeout)
}

func TestPredictConcurrent(t *testing.T) {
	c := newRGBClassifier(t)
	inputs := map[string][]byte{
		"red":   solidPNG(t, color.RGBA{R: 255, A: 255}),
		"green": solidPNG(t, color.RGBA{G: 255, A: 255}),
		"blue":  solidPNG(t, color.RGBA{B: 255, A: 255}),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 60)
	for i := 0; i < 20; i++ {
		for want, data := range inputs {
			wg.Add(1)
			go func(want string, data []byte) {
				defer wg.Done()
				pred, err := c.Predict(context.Background(), data)
				if err != nil {
					errs <- err
					return
				}
				if pred.Top.Label != want {
					errs <- errors.New("got " + pred.Top.Label + ", want " + want)
				}
			}(want, data)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestNewClassifierValidation(t *testing.T) {
	_, err := NewClassifier(channelRunner{}, Metadata{}, 0)
	assert.Error(t, err)

	_, err = NewClassifier(channelRunner{}, Metadata{Classes: []string{"a", "a"}}, 0)
	assert.Error(t, err)

	_, err = NewClassifier(channelRunner{}, Metadata{Classes: []string{"a"}, Std: []float32{1, 0, 1}}, 0)
	assert.Error(t, err)

	c, err := NewClassifier(channelRunner{}, Metadata{Classes: []string{"b", "a"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, defaultImageSize, c.ImageSize())
	assert.Equal(t, []string{"b", "a"}, c.Labels())
}

func labelsOf(scores []Score) []string {
	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.Label
	}
	return out
}
