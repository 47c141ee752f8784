package onnx

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes a model directory's tensors and labels. It is read from
// metadata.json next to model.onnx.
type Metadata struct {
	InputName    string    `json:"input_name"`
	OutputName   string    `json:"output_name"`
	InputShape   []int64   `json:"input_shape"`
	OutputShape  []int64   `json:"output_shape"`
	Classes      []string  `json:"classes"`
	ImageSize    int       `json:"image_size"`
	Mean         []float32 `json:"mean"`
	Std          []float32 `json:"std"`
	ApplySoftmax bool      `json:"apply_softmax"`
}

func readMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if err := m.validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func (m Metadata) validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fmt.Errorf("input_shape must be [1, C, H, W], got %v", m.InputShape)
	}
	if c := m.InputShape[1]; c != 1 && c != 3 {
		return fmt.Errorf("input_shape channels must be 1 or 3, got %d", c)
	}
	if m.ImageSize <= 0 || m.InputShape[2] != int64(m.ImageSize) || m.InputShape[3] != int64(m.ImageSize) {
		return fmt.Errorf("image_size %d does not match input_shape %v", m.ImageSize, m.InputShape)
	}
	if len(m.Classes) == 0 {
		return fmt.Errorf("classes must not be empty")
	}
	if n := elements(m.OutputShape); n < int64(len(m.Classes)) {
		return fmt.Errorf("output_shape %v has fewer values than %d classes", m.OutputShape, len(m.Classes))
	}
	channels := int(m.InputShape[1])
	if len(m.Mean) != 0 && len(m.Mean) != channels {
		return fmt.Errorf("mean must have %d values, got %d", channels, len(m.Mean))
	}
	if len(m.Std) != 0 && len(m.Std) != channels {
		return fmt.Errorf("std must have %d values, got %d", channels, len(m.Std))
	}
	for _, s := range m.Std {
		if s == 0 {
			return fmt.Errorf("std values must be non-zero")
		}
	}
	return nil
}

func elements(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
