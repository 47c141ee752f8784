package mock

import (
	"context"
	"sync"

	"github.com/timamz/SmartScale/pkg/models"
)

// Call records one Classify invocation.
type Call struct {
	Ref  models.ModelRef
	TopK int
}

// MockClassifier satisfies models.Classifier for testing.
type MockClassifier struct {
	Name_        string
	ClassifyFunc func(ctx context.Context, ref models.ModelRef, image []byte, topK int) (models.Classification, error)

	mu    sync.Mutex
	calls []Call
}

func (m *MockClassifier) Name() string { return m.Name_ }

func (m *MockClassifier) Classify(ctx context.Context, ref models.ModelRef, image []byte, topK int) (models.Classification, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Ref: ref, TopK: topK})
	m.mu.Unlock()

	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, ref, image, topK)
	}
	return models.Classification{}, nil
}

// Calls returns a copy of every recorded invocation.
func (m *MockClassifier) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// NewMockClassifier returns a MockClassifier that always predicts label with
// the given confidence.
func NewMockClassifier(label string, confidence float64) *MockClassifier {
	return &MockClassifier{
		Name_: "mock",
		ClassifyFunc: func(_ context.Context, _ models.ModelRef, _ []byte, topK int) (models.Classification, error) {
			top := []models.LabelScore{{Label: label, Confidence: confidence}}
			if topK > 1 {
				top = append(top, models.LabelScore{Label: "Other", Confidence: 1 - confidence})
			}
			return models.Classification{Label: label, Confidence: confidence, TopK: top}, nil
		},
	}
}

// NewByRevisionClassifier answers with a different label per model revision,
// which makes the revision used for a job observable in tests.
func NewByRevisionClassifier(labels map[string]string) *MockClassifier {
	return &MockClassifier{
		Name_: "mock-by-revision",
		ClassifyFunc: func(_ context.Context, ref models.ModelRef, _ []byte, _ int) (models.Classification, error) {
			label, ok := labels[ref.Revision]
			if !ok {
				return models.Classification{}, models.ErrModelUnavailable
			}
			return models.Classification{
				Label:      label,
				Confidence: 0.9,
				TopK:       []models.LabelScore{{Label: label, Confidence: 0.9}},
			}, nil
		},
	}
}

// NewFailingClassifier returns a MockClassifier that always returns the given error.
func NewFailingClassifier(err error) *MockClassifier {
	return &MockClassifier{
		Name_: "mock-failing",
		ClassifyFunc: func(_ context.Context, _ models.ModelRef, _ []byte, _ int) (models.Classification, error) {
			return models.Classification{}, err
		},
	}
}

// NewTimeoutClassifier returns a MockClassifier that blocks until context is cancelled.
func NewTimeoutClassifier() *MockClassifier {
	return &MockClassifier{
		Name_: "mock-timeout",
		ClassifyFunc: func(ctx context.Context, _ models.ModelRef, _ []byte, _ int) (models.Classification, error) {
			<-ctx.Done()
			return models.Classification{}, models.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockClassifier implements Classifier.
var _ models.Classifier = (*MockClassifier)(nil)
