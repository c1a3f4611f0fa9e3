package model

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCustomMetadata(t *testing.T) {
	meta, err := parseCustomMetadata(map[string]string{
		"classes":    `["cataract","glaucoma","normal","retina_disease"]`,
		"image_size": "224",
		"mean":       "[0.485, 0.456, 0.406]",
		"std":        "[0.229, 0.224, 0.225]",
		"output":     "Logits",
		"device":     "cpu",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"cataract", "glaucoma", "normal", "retina_disease"}, meta.Classes)
	assert.Equal(t, 224, meta.ImageSize)
	assert.Equal(t, []float32{0.485, 0.456, 0.406}, meta.Mean)
	assert.Equal(t, OutputLogits, meta.Output)
	assert.False(t, meta.RequiresGPU)
	assert.False(t, acceleratorDevice(meta.Device))
}

func TestParseCustomMetadataCommaLabels(t *testing.T) {
	meta, err := parseCustomMetadata(map[string]string{"labels": "cat, dog,bird "})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog", "bird"}, meta.Classes)
}

func TestParseCustomMetadataErrors(t *testing.T) {
	for name, custom := range map[string]map[string]string{
		"bad size":   {"image_size": "big"},
		"bad mean":   {"mean": "[1,2]"},
		"bad output": {"output": "scores"},
		"bad gpu":    {"requires_gpu": "maybe"},
		"bad json":   {"classes": `["a",`},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseCustomMetadata(custom)
			assert.Error(t, err)
		})
	}
}

func TestReadMetadataFileAndMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"input_shape": [1, 3, 48, 48],
		"output_shape": [1, 7],
		"classes": ["angry","disgust","fear","happy","neutral","sad","surprise"],
		"image_size": 48
	}`), 0o644))

	sidecar, err := readMetadataFile(path)
	require.NoError(t, err)

	merged := mergeMetadata(Metadata{Output: OutputProbabilities}, sidecar)
	assert.Len(t, merged.Classes, 7)
	assert.Equal(t, 48, merged.ImageSize)
	assert.Equal(t, OutputProbabilities, merged.Output)

	embeddedWins := mergeMetadata(Metadata{Classes: []string{"x"}}, sidecar)
	assert.Equal(t, []string{"x"}, embeddedWins.Classes)
}

func TestBindTensorInfo(t *testing.T) {
	t.Run("static shapes", func(t *testing.T) {
		meta := Metadata{Classes: []string{"a", "b", "c", "d"}}
		err := bindTensorInfo(&meta,
			tensorInfo{"input", []int64{-1, 3, 224, 224}},
			tensorInfo{"output", []int64{-1, 4}})
		require.NoError(t, err)
		assert.Equal(t, 224, meta.ImageSize)
		assert.Equal(t, []int64{1, 3, 224, 224}, meta.InputShape)
		assert.Equal(t, []int64{1, 4}, meta.OutputShape)
		assert.Equal(t, "input", meta.InputName)
		assert.Equal(t, "output", meta.OutputName)
	})

	t.Run("dynamic spatial dims use image size", func(t *testing.T) {
		meta := Metadata{Classes: []string{"a", "b"}, ImageSize: 128}
		require.NoError(t, bindTensorInfo(&meta,
			tensorInfo{"x", []int64{-1, 3, -1, -1}},
			tensorInfo{"y", []int64{-1, -1}}))
		assert.Equal(t, []int64{1, 3, 128, 128}, meta.InputShape)
		assert.Equal(t, []int64{1, 2}, meta.OutputShape)
	})

	t.Run("label count mismatch", func(t *testing.T) {
		meta := Metadata{Classes: []string{"a", "b"}}
		err := bindTensorInfo(&meta,
			tensorInfo{"x", []int64{1, 3, 64, 64}},
			tensorInfo{"y", []int64{1, 5}})
		assert.Error(t, err)
	})

	t.Run("image size disagrees with model", func(t *testing.T) {
		meta := Metadata{Classes: []string{"a"}, ImageSize: 96}
		err := bindTensorInfo(&meta,
			tensorInfo{"x", []int64{1, 3, 64, 64}},
			tensorInfo{"y", []int64{1, 1}})
		assert.Error(t, err)
	})

	t.Run("not an image model", func(t *testing.T) {
		meta := Metadata{Classes: []string{"a"}}
		assert.Error(t, bindTensorInfo(&meta,
			tensorInfo{"x", []int64{1, 10}},
			tensorInfo{"y", []int64{1, 1}}))
	})
}

func TestClassifyRuntimeError(t *testing.T) {
	tests := map[string]LoadErrorKind{
		"CUDA execution provider is not available":                         KindIncompatibleRuntime,
		"Unsupported model IR version: 10, max supported IR version: 8":    KindIncompatibleRuntime,
		"Could not find an implementation for FusedConv(1) node with name": KindIncompatibleRuntime,
		"Load model from x.onnx failed: No such file or directory":         KindIOFailure,
		"Protobuf parsing failed":                                          KindCorrupt,
	}
	for msg, want := range tests {
		assert.Equal(t, want, classifyRuntimeError(errors.New(msg)), msg)
	}
}

func TestLoadErrorMessages(t *testing.T) {
	err := error(&LoadError{Kind: KindIncompatibleRuntime, Path: "export.onnx", Err: errors.New("cuda")})
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.Contains(t, err.Error(), "requires a GPU-capable runtime and must be re-exported")

	err = &LoadError{Kind: KindCorrupt, Path: "export.onnx", Err: errors.New("bad proto")}
	assert.Contains(t, err.Error(), "corrupt")
}

func TestLoadMissingArtifact(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.onnx"), LoadOptions{})
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, KindIOFailure, le.Kind)
}

func TestProbabilities(t *testing.T) {
	p, err := probabilities([]float32{1000, 1000, 1000}, OutputLogits)
	require.NoError(t, err)
	for _, v := range p {
		assert.InDelta(t, 1.0/3, v, 1e-12)
	}

	p, err = probabilities([]float32{0.2, 0.2, 0.6}, OutputProbabilities)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, p[2], 1e-6)

	p, err = probabilities([]float32{0, 0}, OutputProbabilities)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.5}, p)

	_, err = probabilities([]float32{float32(math.Inf(1)), 0}, OutputLogits)
	assert.Error(t, err)
}

func TestScoresSortedWithRoundedPercent(t *testing.T) {
	labels := []string{"normal", "cataract", "glaucoma"}
	probs := []float64{0.125, 0.8705, 0.0045}

	all, top := scores(labels, probs, labelOrder(labels))
	assert.Equal(t, []string{"cataract", "glaucoma", "normal"}, labelsOf(all))
	assert.Equal(t, []int{87, 0, 13}, []int{all[0].Percent, all[1].Percent, all[2].Percent})
	assert.Equal(t, 0.8705, all[0].Probability)
	assert.Equal(t, "cataract", top.Label)
}

func TestApplyOptionsKeepsModelOutputKind(t *testing.T) {
	declared := Metadata{Classes: []string{"a", "b", "c"}, Output: OutputProbabilities}

	meta := applyOptions(declared, LoadOptions{})
	assert.Equal(t, OutputProbabilities, meta.Output)

	probs, err := probabilities([]float32{0.9, 0.05, 0.05}, meta.Output)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, probs[0], 1e-6)

	meta = applyOptions(declared, LoadOptions{Output: OutputLogits})
	assert.Equal(t, OutputLogits, meta.Output)
}

func TestApplyOptionsLabelPrecedence(t *testing.T) {
	fallback := []string{"x", "y"}

	meta := applyOptions(Metadata{Classes: []string{"a", "b"}}, LoadOptions{DefaultLabels: fallback})
	assert.Equal(t, []string{"a", "b"}, meta.Classes)

	meta = applyOptions(Metadata{Classes: []string{"a", "b"}}, LoadOptions{Labels: []string{"c", "d"}, DefaultLabels: fallback})
	assert.Equal(t, []string{"a", "b"}, meta.Classes)

	meta = applyOptions(Metadata{}, LoadOptions{Labels: []string{"c", "d"}, DefaultLabels: fallback})
	assert.Equal(t, []string{"c", "d"}, meta.Classes)

	meta = applyOptions(Metadata{}, LoadOptions{DefaultLabels: fallback})
	assert.Equal(t, fallback, meta.Classes)
}
