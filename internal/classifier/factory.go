// Package classifier selects the image classification backend.
package classifier

import (
	"fmt"

	"github.com/timamz/SmartScale/internal/classifier/onnx"
	"github.com/timamz/SmartScale/internal/classifier/remote"
	"github.com/timamz/SmartScale/internal/config"
	"github.com/timamz/SmartScale/pkg/models"
)

// New constructs the backend named by cfg.Provider. Called once at worker
// startup.
func New(cfg config.ClassifierConfig) (models.Classifier, error) {
	switch cfg.Provider {
	case "remote":
		return remote.New(cfg.Remote), nil
	case "onnx":
		return onnx.New(cfg.ONNX)
	default:
		return nil, fmt.Errorf("unknown classifier provider %q: must be one of remote, onnx", cfg.Provider)
	}
}
