package clip

import (
	"context"
	"errors"
)

const (
	ImageSize     = 224
	ContextLength = 77
)

var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

var (
	ErrEmptyInput     = errors.New("clip: at least one text is required")
	ErrDimMismatch    = errors.New("clip: feature dimension does not match head")
	ErrNotInitialized = errors.New("clip: model not initialized")
)

// Encoder is the frozen backbone: it maps preprocessed pixels and raw text to
// unnormalized projected features of Dim() length.
type Encoder interface {
	Dim() int
	EncodeImage(ctx context.Context, pixels []float32) ([]float32, error)
	EncodeText(ctx context.Context, text string) ([]float32, error)
}

// Features are backbone outputs for one image and N texts.
type Features struct {
	Image []float32
	Texts [][]float32
}

// Output mirrors what a CLIP forward pass reports for one image and N texts.
type Output struct {
	ImageEmbeds    [][]float32
	TextEmbeds     [][]float32
	LogitsPerImage [][]float32
}
