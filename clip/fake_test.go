package clip

import (
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"sync/atomic"
)

// fakeEncoder derives features from the mean color of the image and a hash of the text.
type fakeEncoder struct {
	dim       int
	textCalls atomic.Int32
	err       error
}

func (f *fakeEncoder) Dim() int { return f.dim }

func (f *fakeEncoder) EncodeImage(_ context.Context, pixels []float32) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float32, f.dim)
	plane := len(pixels) / 3
	for c := range 3 {
		var sum float32
		for _, p := range pixels[c*plane : (c+1)*plane] {
			sum += p
		}
		out[c%f.dim] += sum / float32(plane)
	}
	for i := 3; i < f.dim; i++ {
		out[i] = 0.5
	}
	return out, nil
}

func (f *fakeEncoder) EncodeText(_ context.Context, text string) ([]float32, error) {
	f.textCalls.Add(1)
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	out := make([]float32, f.dim)
	for i := range out {
		out[i] = float32(int64(seed>>(i*8)&0xff)-128) / 128
	}
	return out, nil
}

func solidImage(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 32, 48))
	for y := range 48 {
		for x := range 32 {
			img.Set(x, y, c)
		}
	}
	return img
}
