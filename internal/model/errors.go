package model

import (
	"errors"
	"fmt"
)

var (
	// ErrModelLoad matches every *LoadError.
	ErrModelLoad = errors.New("model load failed")

	ErrDecode           = errors.New("not a decodable image")
	ErrInference        = errors.New("inference failed")
	ErrInferenceTimeout = errors.New("inference timed out")
)

// LoadErrorKind classifies why an artifact could not become a model.
type LoadErrorKind int

const (
	// KindIOFailure: the artifact or the runtime library could not be read.
	KindIOFailure LoadErrorKind = iota
	// KindCorrupt: the artifact was read but is not a usable model.
	KindCorrupt
	// KindIncompatibleRuntime: the artifact targets an accelerator or a newer
	// runtime and cannot run on this CPU-only runtime.
	KindIncompatibleRuntime
)

func (k LoadErrorKind) String() string {
	switch k {
	case KindIOFailure:
		return "io_failure"
	case KindCorrupt:
		return "corrupt"
	case KindIncompatibleRuntime:
		return "incompatible_runtime"
	default:
		return "unknown"
	}
}

const incompatibleRuntimeHint = "artifact requires a GPU-capable runtime and must be re-exported for CPU inference " +
	"(export the model on CPU with a supported opset, then replace the artifact)"

type LoadError struct {
	Kind LoadErrorKind
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Kind == KindIncompatibleRuntime {
		return fmt.Sprintf("load model %s: %s: %v", e.Path, incompatibleRuntimeHint, e.Err)
	}
	return fmt.Sprintf("load model %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrModelLoad }
