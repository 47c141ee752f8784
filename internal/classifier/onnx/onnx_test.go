package onnx

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timamz/SmartScale/pkg/models"
)

func testMeta() Metadata {
	return Metadata{
		InputName:   "input",
		OutputName:  "output",
		InputShape:  []int64{1, 3, 4, 4},
		OutputShape: []int64{1, 3},
		Classes:     []string{"Apple", "Banana", "Dragonfruit"},
		ImageSize:   4,
	}
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestReadMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"input_shape": [1, 3, 224, 224],
		"output_shape": [1, 2],
		"classes": ["Apple", "Banana"],
		"image_size": 224,
		"mean": [0.485, 0.456, 0.406],
		"std": [0.229, 0.224, 0.225],
		"apply_softmax": true
	}`), 0o644))

	m, err := readMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "input", m.InputName)
	assert.Equal(t, "output", m.OutputName)
	assert.True(t, m.ApplySoftmax)
	assert.Len(t, m.Classes, 2)
}

func TestMetadataValidate(t *testing.T) {
	cases := map[string]func(m *Metadata){
		"bad rank":      func(m *Metadata) { m.InputShape = []int64{3, 4, 4} },
		"bad channels":  func(m *Metadata) { m.InputShape = []int64{1, 2, 4, 4} },
		"size mismatch": func(m *Metadata) { m.ImageSize = 8 },
		"no classes":    func(m *Metadata) { m.Classes = nil },
		"short output":  func(m *Metadata) { m.OutputShape = []int64{1, 2} },
		"bad mean":      func(m *Metadata) { m.Mean = []float32{0.5} },
		"zero std":      func(m *Metadata) { m.Std = []float32{1, 0, 1} },
	}
	for name, mutate := range cases {
		m := testMeta()
		mutate(&m)
		assert.Error(t, m.validate(), name)
	}
	assert.NoError(t, testMeta().validate())
}

func TestPreprocess_CHWLayout(t *testing.T) {
	meta := testMeta()
	raw := pngBytes(t, 10, 6, color.RGBA{R: 255, G: 0, B: 255, A: 255})

	out, err := preprocess(raw, meta)
	require.NoError(t, err)
	require.Len(t, out, 3*4*4)

	plane := 16
	assert.InDelta(t, 1.0, out[0], 1e-3)
	assert.InDelta(t, 0.0, out[plane], 1e-3)
	assert.InDelta(t, 1.0, out[2*plane], 1e-3)
}

func TestPreprocess_Normalizes(t *testing.T) {
	meta := testMeta()
	meta.Mean = []float32{0.5, 0.5, 0.5}
	meta.Std = []float32{0.5, 0.5, 0.5}
	raw := pngBytes(t, 4, 4, color.RGBA{R: 255, G: 0, B: 255, A: 255})

	out, err := preprocess(raw, meta)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out[0], 1e-3)
	assert.InDelta(t, -1.0, out[16], 1e-3)
}

func TestPreprocess_Grayscale(t *testing.T) {
	meta := testMeta()
	meta.InputShape = []int64{1, 1, 4, 4}
	raw := pngBytes(t, 4, 4, color.White)

	out, err := preprocess(raw, meta)
	require.NoError(t, err)
	require.Len(t, out, 16)
	assert.InDelta(t, 1.0, out[5], 1e-3)
}

func TestPreprocess_InvalidImage(t *testing.T) {
	_, err := preprocess([]byte("definitely not an image"), testMeta())
	assert.ErrorIs(t, err, models.ErrInvalidImage)
}

func TestSoftmax(t *testing.T) {
	p := softmax([]float32{1, 2, 3})
	var sum float64
	for _, v := range p {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, p[2], p[1])
	assert.Greater(t, p[1], p[0])

	// Large logits must not overflow.
	p = softmax([]float32{1000, 1000})
	assert.InDelta(t, 0.5, p[0], 1e-9)
}

func TestRank(t *testing.T) {
	ranked := rank([]float64{0.2, 0.7, 0.1}, []string{"Apple", "Banana", "Dragonfruit"}, 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, "Banana", ranked[0].Label)
	assert.Equal(t, "Apple", ranked[1].Label)

	// Ties keep class order.
	ranked = rank([]float64{0.5, 0.5}, []string{"Apple", "Banana"}, 5)
	assert.Equal(t, "Apple", ranked[0].Label)
	assert.Len(t, ranked, 2)
}

func TestInterpret(t *testing.T) {
	meta := testMeta()
	res, err := interpret([]float32{0.1, 0.85, 0.05}, meta, 3)
	require.NoError(t, err)
	assert.Equal(t, "Banana", res.Label)
	assert.InDelta(t, 0.85, res.Confidence, 1e-6)
	assert.Len(t, res.TopK, 3)

	_, err = interpret([]float32{0.1}, meta, 3)
	assert.ErrorIs(t, err, models.ErrInvalidResponse)

	_, err = interpret([]float32{4.2, -1, 0}, meta, 3)
	assert.ErrorIs(t, err, models.ErrInvalidResponse)

	meta.ApplySoftmax = true
	res, err = interpret([]float32{4.2, -1, 0}, meta, 1)
	require.NoError(t, err)
	assert.Equal(t, "Apple", res.Label)
	assert.Len(t, res.TopK, 1)
}

func TestModelPath(t *testing.T) {
	p, err := modelPath("/models", models.ModelRef{ID: "Adriana213/vgg16-fruit-classifier", Revision: "main"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/models", "Adriana213", "vgg16-fruit-classifier", "main"), p)

	for _, ref := range []models.ModelRef{
		{ID: "../etc", Revision: "main"},
		{ID: "fruit", Revision: ""},
		{ID: "/abs", Revision: "v1"},
	} {
		_, err := modelPath("/models", ref)
		assert.Error(t, err, ref.String())
	}
}

// fakeLoader builds loadedModels whose run func returns fixed scores and
// counts how many times each model was closed.
type fakeLoader struct {
	mu     sync.Mutex
	loads  map[models.ModelRef]int
	closed map[models.ModelRef]int
	scores map[string][]float32
	blocks map[string]chan struct{}
	gates  map[string]chan struct{}
	fail   bool
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		loads:  map[models.ModelRef]int{},
		closed: map[models.ModelRef]int{},
		scores: map[string][]float32{
			"v1": {0.9, 0.05, 0.05},
			"v2": {0.05, 0.9, 0.05},
		},
		blocks: map[string]chan struct{}{},
		gates:  map[string]chan struct{}{},
	}
}

func (f *fakeLoader) load(_ string, ref models.ModelRef) (*loadedModel, error) {
	f.mu.Lock()
	gate := f.gates[ref.Revision]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, os.ErrNotExist
	}
	f.loads[ref]++
	scores := f.scores[ref.Revision]
	block := f.blocks[ref.Revision]
	return &loadedModel{
		ref:  ref,
		meta: testMeta(),
		run: func([]float32) ([]float32, error) {
			if block != nil {
				<-block
			}
			return scores, nil
		},
		close: func() {
			f.mu.Lock()
			f.closed[ref]++
			f.mu.Unlock()
		},
	}, nil
}

func (f *fakeLoader) loadCount(ref models.ModelRef) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[ref]
}

func (f *fakeLoader) closedCount(ref models.ModelRef) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[ref]
}

func TestClassify_CachesAndSwapsOnReload(t *testing.T) {
	fl := newFakeLoader()
	c := &Classifier{modelDir: "/models", load: fl.load}
	img := pngBytes(t, 8, 8, color.White)
	v1 := models.ModelRef{ID: "fruit", Revision: "v1"}
	v2 := models.ModelRef{ID: "fruit", Revision: "v2"}

	res, err := c.Classify(context.Background(), v1, img, 3)
	require.NoError(t, err)
	assert.Equal(t, "Apple", res.Label)

	_, err = c.Classify(context.Background(), v1, img, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, fl.loads[v1], "same identity must reuse the session")

	res, err = c.Classify(context.Background(), v2, img, 3)
	require.NoError(t, err)
	assert.Equal(t, "Banana", res.Label)
	assert.Equal(t, 1, fl.closedCount(v1), "previous session released after swap")
	assert.Equal(t, 0, fl.closedCount(v2))
}

func TestClassify_InFlightKeepsOldSession(t *testing.T) {
	fl := newFakeLoader()
	release := make(chan struct{})
	fl.blocks["v1"] = release
	c := &Classifier{modelDir: "/models", load: fl.load}
	img := pngBytes(t, 8, 8, color.White)
	v1 := models.ModelRef{ID: "fruit", Revision: "v1"}
	v2 := models.ModelRef{ID: "fruit", Revision: "v2"}

	type out struct {
		res models.Classification
		err error
	}
	first := make(chan out, 1)
	go func() {
		res, err := c.Classify(context.Background(), v1, img, 3)
		first <- out{res, err}
	}()

	// Wait for v1 to be loaded and in use, then switch identity.
	require.Eventually(t, func() bool {
		fl.mu.Lock()
		defer fl.mu.Unlock()
		return fl.loads[v1] == 1
	}, time.Second, 5*time.Millisecond)

	second := make(chan out, 1)
	go func() {
		res, err := c.Classify(context.Background(), v2, img, 3)
		second <- out{res, err}
	}()

	r2 := <-second
	require.NoError(t, r2.err)
	assert.Equal(t, "Banana", r2.res.Label)
	assert.Equal(t, 0, fl.closedCount(v1), "v1 still running")

	close(release)
	r1 := <-first
	require.NoError(t, r1.err)
	assert.Equal(t, "Apple", r1.res.Label, "in-flight job finishes on the revision it started with")
	assert.Eventually(t, func() bool { return fl.closedCount(v1) == 1 }, time.Second, 5*time.Millisecond)
}

func TestClassify_Timeout(t *testing.T) {
	fl := newFakeLoader()
	release := make(chan struct{})
	fl.blocks["v1"] = release
	defer close(release)
	c := &Classifier{modelDir: "/models", load: fl.load}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Classify(ctx, models.ModelRef{ID: "fruit", Revision: "v1"}, pngBytes(t, 4, 4, color.White), 3)
	assert.ErrorIs(t, err, models.ErrInferenceTimeout)
}

func TestClassify_LoadFailure(t *testing.T) {
	fl := newFakeLoader()
	fl.fail = true
	c := &Classifier{modelDir: "/models", load: fl.load}

	_, err := c.Classify(context.Background(), models.ModelRef{ID: "fruit", Revision: "v9"}, pngBytes(t, 4, 4, color.White), 3)
	assert.ErrorIs(t, err, models.ErrModelUnavailable)
}

func TestClassify_InvalidImage(t *testing.T) {
	fl := newFakeLoader()
	c := &Classifier{modelDir: "/models", load: fl.load}
	v1 := models.ModelRef{ID: "fruit", Revision: "v1"}

	_, err := c.Classify(context.Background(), v1, []byte("nope"), 3)
	assert.ErrorIs(t, err, models.ErrInvalidImage)

	// The failed call released its reference; a swap closes v1 immediately.
	_, err = c.Classify(context.Background(), models.ModelRef{ID: "fruit", Revision: "v2"}, pngBytes(t, 4, 4, color.White), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, fl.closedCount(v1))
}

func TestClassify_SlowLoadHonorsDeadline(t *testing.T) {
	fl := newFakeLoader()
	gate := make(chan struct{})
	fl.gates["v2"] = gate
	c := &Classifier{modelDir: "/models", load: fl.load}
	img := pngBytes(t, 8, 8, color.White)
	v1 := models.ModelRef{ID: "fruit", Revision: "v1"}
	v2 := models.ModelRef{ID: "fruit", Revision: "v2"}

	_, err := c.Classify(context.Background(), v1, img, 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.Classify(ctx, v2, img, 3)
	assert.ErrorIs(t, err, models.ErrInferenceTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// The loaded session keeps serving while v2 is still loading.
	res, err := c.Classify(context.Background(), v1, img, 3)
	require.NoError(t, err)
	assert.Equal(t, "Apple", res.Label)

	close(gate)
	res, err = c.Classify(context.Background(), v2, img, 3)
	require.NoError(t, err)
	assert.Equal(t, "Banana", res.Label)
	assert.Equal(t, 1, fl.loadCount(v2), "the abandoned load is reused")
}

func TestClassify_ConcurrentCallersShareOneLoad(t *testing.T) {
	fl := newFakeLoader()
	gate := make(chan struct{})
	fl.gates["v2"] = gate
	c := &Classifier{modelDir: "/models", load: fl.load}
	img := pngBytes(t, 8, 8, color.White)
	v2 := models.ModelRef{ID: "fruit", Revision: "v2"}

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := c.Classify(context.Background(), v2, img, 3)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 1, fl.loadCount(v2))
}

func TestClassify_AfterClose(t *testing.T) {
	fl := newFakeLoader()
	c := &Classifier{modelDir: "/models", load: fl.load, closed: true}

	_, err := c.Classify(context.Background(), models.ModelRef{ID: "fruit", Revision: "v1"}, pngBytes(t, 4, 4, color.White), 3)
	assert.ErrorIs(t, err, models.ErrModelUnavailable)
	assert.Equal(t, 0, fl.loadCount(models.ModelRef{ID: "fruit", Revision: "v1"}))
}
