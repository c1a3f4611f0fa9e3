package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

type LoadOptions struct {
	// MetadataPath is an optional sidecar JSON file with the Metadata shape.
	MetadataPath string
	// Labels are used when neither the model nor the sidecar has any. A
	// non-empty list that disagrees with the model's is reported.
	Labels []string
	// DefaultLabels is the last resort when Labels is empty too.
	DefaultLabels []string
	// ImageSize and Output override what the model declares when set.
	ImageSize int
	Output    OutputKind
	// Threads bounds intra-op parallelism per forward pass; 0 lets the
	// runtime decide.
	Threads     int
	LibraryPath string
	Timeout     time.Duration
}

var envMu sync.Mutex

func initEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// Load deserializes the ONNX artifact at path into a CPU-only session and
// wraps it in a Classifier. Every failure is a *LoadError.
func Load(path string, opts LoadOptions) (*Classifier, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &LoadError{Kind: KindIOFailure, Path: path, Err: err}
	}

	if err := initEnvironment(opts.LibraryPath); err != nil {
		return nil, &LoadError{Kind: KindIOFailure, Path: path, Err: err}
	}

	meta, err := resolveMetadata(path, opts)
	if err != nil {
		return nil, err
	}
	if meta.RequiresGPU || acceleratorDevice(meta.Device) {
		return nil, &LoadError{
			Kind: KindIncompatibleRuntime,
			Path: path,
			Err:  fmt.Errorf("model declares device %q (requires_gpu=%t)", meta.Device, meta.RequiresGPU),
		}
	}

	runner, err := newORTRunner(path, meta, opts.Threads)
	if err != nil {
		return nil, err
	}

	c, err := NewClassifier(runner, meta, opts.Timeout)
	if err != nil {
		runner.Close()
		return nil, &LoadError{Kind: KindCorrupt, Path: path, Err: err}
	}

	log.WithFields(log.Fields{
		"path":       path,
		"classes":    meta.Classes,
		"image_size": c.ImageSize(),
		"output":     c.output,
		"producer":   meta.Producer,
	}).Info("model loaded")
	return c, nil
}

var _ Runner = (*ortRunner)(nil)

// ortRunner owns one session. Tensors are allocated per call so concurrent
// Run calls share nothing but the session, which onnxruntime allows.
type ortRunner struct {
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
}

func newORTRunner(path string, meta Metadata, threads int) (*ortRunner, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, &LoadError{Kind: KindIOFailure, Path: path, Err: err}
	}
	defer options.Destroy()

	// No execution provider is appended: sessions always run on the CPU
	// provider, whatever hardware the artifact was exported on.
	if threads > 0 {
		if err := options.SetIntraOpNumThreads(threads); err != nil {
			return nil, &LoadError{Kind: KindIOFailure, Path: path, Err: err}
		}
		if err := options.SetInterOpNumThreads(1); err != nil {
			return nil, &LoadError{Kind: KindIOFailure, Path: path, Err: err}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{meta.InputName}, []string{meta.OutputName}, options)
	if err != nil {
		return nil, &LoadError{Kind: classifyRuntimeError(err), Path: path, Err: fmt.Errorf("failed to create ONNX session: %w", err)}
	}

	return &ortRunner{
		session:     session,
		inputShape:  ort.NewShape(meta.InputShape...),
		outputShape: ort.NewShape(meta.OutputShape...),
	}, nil
}

func (r *ortRunner) Run(input []float32) ([]float32, error) {
	inputTensor, err := ort.NewTensor(r.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](r.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := r.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, err
	}

	return append([]float32(nil), outputTensor.GetData()...), nil
}

func (r *ortRunner) Close() error {
	var errs []error
	if r.session != nil {
		errs = append(errs, r.session.Destroy())
	}
	errs = append(errs, ort.DestroyEnvironment())
	return errors.Join(errs...)
}

// resolveMetadata merges, in order of precedence, the model's own metadata,
// the sidecar file and the load options, then checks the result against the
// model's declared inputs and outputs.
func resolveMetadata(path string, opts LoadOptions) (Metadata, error) {
	embedded, err := readEmbeddedMetadata(path)
	if err != nil {
		return Metadata{}, &LoadError{Kind: classifyRuntimeError(err), Path: path, Err: err}
	}
	meta := embedded

	if opts.MetadataPath != "" {
		sidecar, err := readMetadataFile(opts.MetadataPath)
		if errors.Is(err, fs.ErrNotExist) {
			log.WithField("path", opts.MetadataPath).Warn("metadata file not found, using model metadata only")
		} else if err != nil {
			return Metadata{}, &LoadError{Kind: KindCorrupt, Path: path, Err: err}
		} else {
			meta = mergeMetadata(meta, sidecar)
		}
	}

	meta = applyOptions(meta, opts)

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return Metadata{}, &LoadError{Kind: classifyRuntimeError(err), Path: path, Err: err}
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return Metadata{}, &LoadError{Kind: KindCorrupt, Path: path, Err: errors.New("model declares no inputs or outputs")}
	}
	if err := bindTensorInfo(&meta, tensorInfo{inputs[0].Name, inputs[0].Dimensions}, tensorInfo{outputs[0].Name, outputs[0].Dimensions}); err != nil {
		return Metadata{}, &LoadError{Kind: KindCorrupt, Path: path, Err: err}
	}
	return meta, nil
}

func readEmbeddedMetadata(path string) (Metadata, error) {
	md, err := ort.GetModelMetadata(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read model metadata: %w", err)
	}
	defer md.Destroy()

	keys, err := md.GetCustomMetadataMapKeys()
	if err != nil {
		return Metadata{}, fmt.Errorf("read model metadata keys: %w", err)
	}
	custom := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := md.LookupCustomMetadataMap(k)
		if err != nil {
			return Metadata{}, fmt.Errorf("read model metadata %q: %w", k, err)
		}
		if ok {
			custom[k] = v
		}
	}

	meta, err := parseCustomMetadata(custom)
	if err != nil {
		return Metadata{}, err
	}
	if producer, err := md.GetProducerName(); err == nil {
		meta.Producer = producer
	}
	return meta, nil
}

// applyOptions layers operator settings over the model's own metadata. The
// model's labels always win; its output kind wins unless one is configured.
func applyOptions(meta Metadata, opts LoadOptions) Metadata {
	switch {
	case len(meta.Classes) == 0 && len(opts.Labels) > 0:
		meta.Classes = opts.Labels
	case len(meta.Classes) == 0:
		meta.Classes = opts.DefaultLabels
	case len(opts.Labels) > 0 && !equalLabels(meta.Classes, opts.Labels):
		log.WithFields(log.Fields{
			"model":      meta.Classes,
			"configured": opts.Labels,
		}).Warn("configured labels differ from the model's, using the model's")
	}
	if opts.ImageSize > 0 {
		meta.ImageSize = opts.ImageSize
	}
	if opts.Output != "" {
		meta.Output = opts.Output
	}
	return meta
}
