// Package models contains shared data models used across the SmartScale codebase.
package models

import (
	"context"
	"errors"
)

// Classifier is the contract every image classification backend implements.
// Callers depend on this interface, never on a concrete backend.
type Classifier interface {
	// Classify runs the model identified by ref on the encoded image and
	// returns at most topK ranked labels.
	Classify(ctx context.Context, ref ModelRef, image []byte, topK int) (Classification, error)
	// Name returns the backend identifier (e.g., "remote", "onnx").
	Name() string
}

// ModelRef identifies one revision of a classification model.
type ModelRef struct {
	ID       string `json:"model_id"`
	Revision string `json:"model_revision"`
}

func (r ModelRef) String() string {
	return r.ID + "@" + r.Revision
}

// Classification is the output of a single Classify call. TopK is ordered by
// descending confidence and its first element matches Label.
type Classification struct {
	Label      string
	Confidence float64
	TopK       []LabelScore
}

// Sentinel errors returned by Classifier implementations.
var (
	ErrInvalidImage     = errors.New("classifier rejected image")
	ErrInferenceTimeout = errors.New("classifier inference timeout")
	ErrModelUnavailable = errors.New("classifier model unavailable")
	ErrInvalidResponse  = errors.New("classifier returned invalid response")
)
