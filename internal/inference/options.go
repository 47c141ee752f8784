package inference

import (
	"github.com/timamz/SmartScale/internal/config"
	"github.com/timamz/SmartScale/pkg/models"
)

// IntakeOptionsFromConfig maps intake settings onto Service options.
func IntakeOptionsFromConfig(cfg *config.Config) IntakeOptions {
	return IntakeOptions{
		MaxImageBytes: cfg.Intake.MaxUploadBytes,
		DefaultTopK:   cfg.Intake.DefaultTopK,
		MaxTopK:       cfg.Intake.MaxTopK,
	}
}

// WorkerOptionsFromConfig maps worker settings onto Processor options.
func WorkerOptionsFromConfig(cfg *config.Config) WorkerOptions {
	return WorkerOptions{
		ID:                  cfg.Worker.ID,
		InferenceTimeout:    cfg.Classifier.InferenceTimeout,
		ClaimLease:          cfg.Worker.ClaimLease,
		PersistRetries:      cfg.Worker.PersistRetries,
		PersistBackoff:      cfg.Worker.PersistBackoff,
		ConfidenceThreshold: cfg.Intake.ConfidenceThreshold,
		DefaultModel: models.ModelRef{
			ID:       cfg.Model.DefaultID,
			Revision: cfg.Model.DefaultRevision,
		},
	}
}
