package service

import (
	"bytes"
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/krau/wardrobeclip/clip"
)

const testDim = 8

// hashEncoder turns mean channel values and text hashes into deterministic features.
type hashEncoder struct{}

func (hashEncoder) Dim() int { return testDim }

func (hashEncoder) EncodeImage(_ context.Context, pixels []float32) ([]float32, error) {
	out := make([]float32, testDim)
	plane := len(pixels) / 3
	for c := range 3 {
		var sum float32
		for _, p := range pixels[c*plane : (c+1)*plane] {
			sum += p
		}
		out[c] = sum / float32(plane)
	}
	for i := 3; i < testDim; i++ {
		out[i] = 0.25 * float32(i)
	}
	return out, nil
}

func (hashEncoder) EncodeText(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	out := make([]float32, testDim)
	for i := range out {
		out[i] = float32(int64(seed>>(i*8)&0xff)-128) / 128
	}
	return out, nil
}

func newTestModel(t *testing.T) *clip.Model {
	t.Helper()
	m, err := clip.NewModel(hashEncoder{}, clip.NewHead(testDim, 100), 64)
	require.NoError(t, err)
	return m
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := range 30 {
		for x := range 40 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// newImageServer serves a red PNG at /red.png, a blue one at /blue.png, text at /text and 404 elsewhere.
func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	red := pngBytes(t, color.RGBA{220, 20, 30, 255})
	blue := pngBytes(t, color.RGBA{20, 40, 220, 255})
	mux := http.NewServeMux()
	mux.HandleFunc("/red.png", func(w http.ResponseWriter, _ *http.Request) { w.Write(red) })
	mux.HandleFunc("/blue.png", func(w http.ResponseWriter, _ *http.Request) { w.Write(blue) })
	mux.HandleFunc("/text", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("not an image")) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}
