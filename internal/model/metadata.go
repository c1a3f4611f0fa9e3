package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Keys read from the ONNX custom metadata map.
const (
	keyClasses     = "classes"
	keyLabels      = "labels"
	keyImageSize   = "image_size"
	keyMean        = "mean"
	keyStd         = "std"
	keyOutput      = "output"
	keyRequiresGPU = "requires_gpu"
	keyDevice      = "device"
)

func parseCustomMetadata(custom map[string]string) (Metadata, error) {
	var meta Metadata

	raw, ok := custom[keyClasses]
	if !ok {
		raw, ok = custom[keyLabels]
	}
	if ok {
		classes, err := parseList(raw)
		if err != nil {
			return Metadata{}, fmt.Errorf("metadata %s: %w", keyClasses, err)
		}
		meta.Classes = classes
	}

	if v, ok := custom[keyImageSize]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return Metadata{}, fmt.Errorf("metadata %s: invalid value %q", keyImageSize, v)
		}
		meta.ImageSize = n
	}

	for key, dst := range map[string]*[]float32{keyMean: &meta.Mean, keyStd: &meta.Std} {
		v, ok := custom[key]
		if !ok {
			continue
		}
		var vals []float32
		if err := json.Unmarshal([]byte(v), &vals); err != nil || len(vals) != 3 {
			return Metadata{}, fmt.Errorf("metadata %s: want a JSON array of 3 numbers, got %q", key, v)
		}
		*dst = vals
	}

	if v, ok := custom[keyOutput]; ok {
		kind := OutputKind(strings.ToLower(strings.TrimSpace(v)))
		if kind != OutputLogits && kind != OutputProbabilities {
			return Metadata{}, fmt.Errorf("metadata %s: unknown output kind %q", keyOutput, v)
		}
		meta.Output = kind
	}

	if v, ok := custom[keyRequiresGPU]; ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Metadata{}, fmt.Errorf("metadata %s: %w", keyRequiresGPU, err)
		}
		meta.RequiresGPU = b
	}
	meta.Device = strings.TrimSpace(custom[keyDevice])

	return meta, nil
}

// parseList accepts a JSON string array or a comma-separated list.
func parseList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func readMetadataFile(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, nil
}

// mergeMetadata fills fields unset in primary from secondary.
func mergeMetadata(primary, secondary Metadata) Metadata {
	m := primary
	if len(m.Classes) == 0 {
		m.Classes = secondary.Classes
	}
	if m.ImageSize == 0 {
		m.ImageSize = secondary.ImageSize
	}
	if len(m.Mean) == 0 {
		m.Mean = secondary.Mean
	}
	if len(m.Std) == 0 {
		m.Std = secondary.Std
	}
	if m.Output == "" {
		m.Output = secondary.Output
	}
	if m.Device == "" {
		m.Device = secondary.Device
	}
	m.RequiresGPU = m.RequiresGPU || secondary.RequiresGPU
	if len(m.InputShape) == 0 {
		m.InputShape = secondary.InputShape
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = secondary.OutputShape
	}
	return m
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type tensorInfo struct {
	Name string
	Dims []int64
}

// bindTensorInfo fixes the concrete tensor shapes for a batch of one from
// the model's declared inputs and outputs. Dynamic dimensions (<= 0) are
// filled from the image size and the label count.
func bindTensorInfo(meta *Metadata, in, out tensorInfo) error {
	if len(in.Dims) != 4 {
		return fmt.Errorf("input %q: want NCHW, got shape %v", in.Name, in.Dims)
	}
	if c := in.Dims[1]; c > 0 && c != 3 {
		return fmt.Errorf("input %q: want 3 channels, got %d", in.Name, c)
	}

	h, w := in.Dims[2], in.Dims[3]
	switch {
	case h > 0 && w > 0 && h != w:
		return fmt.Errorf("input %q: only square inputs are supported, got %dx%d", in.Name, h, w)
	case h > 0 && meta.ImageSize == 0:
		meta.ImageSize = int(h)
	case h > 0 && int64(meta.ImageSize) != h:
		return fmt.Errorf("input %q: model expects %dx%d, image_size is %d", in.Name, h, w, meta.ImageSize)
	}
	if meta.ImageSize == 0 {
		meta.ImageSize = defaultImageSize
	}
	size := int64(meta.ImageSize)

	if len(out.Dims) == 0 {
		return fmt.Errorf("output %q: scalar output", out.Name)
	}
	classes := out.Dims[len(out.Dims)-1]
	switch {
	case classes > 0 && len(meta.Classes) > 0 && classes != int64(len(meta.Classes)):
		return fmt.Errorf("output %q: model has %d classes but %d labels", out.Name, classes, len(meta.Classes))
	case classes <= 0:
		classes = int64(len(meta.Classes))
	}
	outShape := make([]int64, len(out.Dims))
	for i := range outShape {
		outShape[i] = 1
	}
	outShape[len(outShape)-1] = classes

	meta.InputName = in.Name
	meta.OutputName = out.Name
	meta.InputShape = []int64{1, 3, size, size}
	meta.OutputShape = outShape
	return nil
}

func acceleratorDevice(device string) bool {
	d := strings.ToLower(device)
	for _, p := range []string{"cuda", "gpu", "rocm", "tensorrt", "mps"} {
		if strings.HasPrefix(d, p) {
			return true
		}
	}
	return false
}

// classifyRuntimeError maps an onnxruntime error onto a LoadErrorKind. The C
// API reports failures as text only, so this is the one place that reads it.
func classifyRuntimeError(err error) LoadErrorKind {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"cuda",
		"executionprovider",
		"execution provider",
		"unsupported model ir version",
		"opset",
		"could not find an implementation",
	} {
		if strings.Contains(msg, marker) {
			return KindIncompatibleRuntime
		}
	}
	for _, marker := range []string{"no such file", "permission denied", "load_library", "shared library"} {
		if strings.Contains(msg, marker) {
			return KindIOFailure
		}
	}
	return KindCorrupt
}
