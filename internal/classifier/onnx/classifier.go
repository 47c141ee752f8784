// Package onnx classifies images in-process with ONNX Runtime.
//
// Models live under <model_dir>/<model_id>/<revision>/ as model.onnx plus
// metadata.json. The loaded session is swapped whenever a request names a
// different identity, so a registry reload takes effect on the next job
// without restarting the worker.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/timamz/SmartScale/internal/config"
	"github.com/timamz/SmartScale/pkg/models"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Classifier implements models.Classifier with ONNX Runtime.
type Classifier struct {
	modelDir string
	load     func(dir string, ref models.ModelRef) (*loadedModel, error)

	mu      sync.Mutex // guards current, loads and reference counts
	current *loadedModel
	loads   map[models.ModelRef]*pendingLoad
	closed  bool
}

// pendingLoad is a session being built. Callers asking for the same identity
// wait on done instead of loading it again.
type pendingLoad struct {
	done chan struct{}
	err  error
}

// New initializes the ONNX Runtime environment once per process.
func New(cfg config.ONNXConfig) (*Classifier, error) {
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return &Classifier{modelDir: cfg.ModelDir, load: loadModel}, nil
}

func (c *Classifier) Name() string { return "onnx" }

// modelPath resolves a model identity to its directory, rejecting identities
// that would escape modelDir.
func modelPath(root string, ref models.ModelRef) (string, error) {
	for _, part := range []string{ref.ID, ref.Revision} {
		if part == "" || strings.Contains(part, "..") || filepath.IsAbs(part) {
			return "", fmt.Errorf("invalid model identity %s", ref)
		}
	}
	return filepath.Join(root, filepath.FromSlash(ref.ID), filepath.FromSlash(ref.Revision)), nil
}

type loadedModel struct {
	ref    models.ModelRef
	meta   Metadata
	run    func(input []float32) ([]float32, error)
	close  func()
	runMu  sync.Mutex // sessions bind one input/output tensor pair
	refs   int
	retire bool
}

func loadModel(root string, ref models.ModelRef) (*loadedModel, error) {
	dir, err := modelPath(root, ref)
	if err != nil {
		return nil, err
	}
	meta, err := readMetadata(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, err
	}
	modelFile := filepath.Join(dir, "model.onnx")
	if _, err := os.Stat(modelFile); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelFile,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &loadedModel{
		ref:  ref,
		meta: meta,
		run: func(data []float32) ([]float32, error) {
			copy(input.GetData(), data)
			if err := session.Run(); err != nil {
				return nil, err
			}
			out := output.GetData()
			res := make([]float32, len(out))
			copy(res, out)
			return res, nil
		},
		close: func() {
			session.Destroy()
			input.Destroy()
			output.Destroy()
		},
	}, nil
}

// acquire returns the model for ref, loading it and retiring the previous one
// if the identity changed. Loading happens outside the lock; a caller whose
// ctx ends first gives up while the load completes for the next job. Callers
// must release the result.
func (c *Classifier) acquire(ctx context.Context, ref models.ModelRef) (*loadedModel, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: classifier closed", models.ErrModelUnavailable)
		}
		if c.current != nil && c.current.ref == ref {
			c.current.refs++
			c.mu.Unlock()
			return c.current, nil
		}
		if c.loads == nil {
			c.loads = make(map[models.ModelRef]*pendingLoad)
		}
		l, ok := c.loads[ref]
		if !ok {
			l = &pendingLoad{done: make(chan struct{})}
			c.loads[ref] = l
			go c.finishLoad(ref, l)
		}
		c.mu.Unlock()

		select {
		case <-l.done:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: loading %s", models.ErrInferenceTimeout, ref)
			}
			return nil, ctx.Err()
		}
		if l.err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", models.ErrModelUnavailable, ref, l.err)
		}
		// Another identity may have been installed since; look again.
	}
}

func (c *Classifier) finishLoad(ref models.ModelRef, l *pendingLoad) {
	m, err := c.load(c.modelDir, ref)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loads, ref)
	l.err = err
	close(l.done)
	if err != nil {
		return
	}
	if c.closed {
		m.close()
		return
	}
	if old := c.current; old != nil {
		old.retire = true
		if old.refs == 0 {
			old.close()
		}
	}
	c.current = m
}

func (c *Classifier) release(m *loadedModel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m.refs--
	if m.retire && m.refs == 0 {
		m.close()
	}
}

type runResult struct {
	out []float32
	err error
}

func (c *Classifier) Classify(ctx context.Context, ref models.ModelRef, image []byte, topK int) (models.Classification, error) {
	m, err := c.acquire(ctx, ref)
	if err != nil {
		return models.Classification{}, err
	}

	input, err := preprocess(image, m.meta)
	if err != nil {
		c.release(m)
		return models.Classification{}, err
	}

	// Session.Run cannot be interrupted; on timeout the goroutine finishes in
	// the background and releases the model itself.
	done := make(chan runResult, 1)
	go func() {
		defer c.release(m)
		m.runMu.Lock()
		defer m.runMu.Unlock()
		out, err := m.run(input)
		done <- runResult{out: out, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.Classification{}, fmt.Errorf("%w: %s", models.ErrInferenceTimeout, ref)
		}
		return models.Classification{}, ctx.Err()
	}
	if res.err != nil {
		return models.Classification{}, fmt.Errorf("run %s: %w", ref, res.err)
	}

	return interpret(res.out, m.meta, topK)
}

// interpret turns raw output values into a ranked classification.
func interpret(out []float32, meta Metadata, topK int) (models.Classification, error) {
	if len(out) < len(meta.Classes) {
		return models.Classification{}, fmt.Errorf("%w: %d outputs for %d classes",
			models.ErrInvalidResponse, len(out), len(meta.Classes))
	}
	out = out[:len(meta.Classes)]

	var scores []float64
	if meta.ApplySoftmax {
		scores = softmax(out)
	} else {
		scores = make([]float64, len(out))
		for i, v := range out {
			if v < 0 || v > 1 {
				return models.Classification{}, fmt.Errorf("%w: score %v outside [0, 1]", models.ErrInvalidResponse, v)
			}
			scores[i] = float64(v)
		}
	}

	ranked := rank(scores, meta.Classes, topK)
	return models.Classification{
		Label:      ranked[0].Label,
		Confidence: ranked[0].Confidence,
		TopK:       ranked,
	}, nil
}

// Close releases the loaded session and the ONNX Runtime environment.
func (c *Classifier) Close() error {
	c.mu.Lock()
	c.closed = true
	if m := c.current; m != nil {
		m.retire = true
		if m.refs == 0 {
			m.close()
		}
		c.current = nil
	}
	c.mu.Unlock()
	return ort.DestroyEnvironment()
}

var _ models.Classifier = (*Classifier)(nil)
