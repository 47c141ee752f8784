package onnx

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sort"

	"github.com/nfnt/resize"
	"github.com/timamz/SmartScale/pkg/models"
)

// preprocess decodes raw image bytes and lays them out as a CHW float32
// tensor scaled to [0, 1] and then normalized with the metadata mean/std.
func preprocess(raw []byte, meta Metadata) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidImage, err)
	}

	size := uint(meta.ImageSize)
	resized := resize.Resize(size, size, img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	channels := int(meta.InputShape[1])
	plane := width * height
	out := make([]float32, channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rgb := [3]float32{float32(r) / 65535.0, float32(g) / 65535.0, float32(b) / 65535.0}
			idx := y*width + x
			if channels == 1 {
				out[idx] = normalize(0.299*rgb[0]+0.587*rgb[1]+0.114*rgb[2], 0, meta)
				continue
			}
			for c := 0; c < 3; c++ {
				out[c*plane+idx] = normalize(rgb[c], c, meta)
			}
		}
	}
	return out, nil
}

func normalize(v float32, channel int, meta Metadata) float32 {
	if len(meta.Mean) > channel {
		v -= meta.Mean[channel]
	}
	if len(meta.Std) > channel {
		v /= meta.Std[channel]
	}
	return v
}

func softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxV := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > maxV {
			maxV = float64(v)
		}
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// rank pairs scores with class names and returns the k best, highest first.
// Equal scores keep class order.
func rank(scores []float64, classes []string, k int) []models.LabelScore {
	ranked := make([]models.LabelScore, 0, len(classes))
	for i, name := range classes {
		if i >= len(scores) {
			break
		}
		ranked = append(ranked, models.LabelScore{Label: name, Confidence: scores[i]})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
