package service

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/krau/wardrobeclip/clip"
)

type Embedder interface {
	Embed(ctx context.Context, img image.Image, texts []string) (*clip.Output, error)
}

// Analyzer scores one image against candidate keywords.
type Analyzer struct {
	fetcher ImageFetcher
	model   Embedder
	timeout time.Duration
}

func NewAnalyzer(fetcher ImageFetcher, model Embedder, fetchTimeout time.Duration) *Analyzer {
	return &Analyzer{fetcher: fetcher, model: model, timeout: fetchTimeout}
}

func (a *Analyzer) Analyze(ctx context.Context, imageURL string, keywords []string) (map[string]float32, error) {
	if len(keywords) == 0 {
		return nil, clip.ErrEmptyInput
	}

	fetchCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	img, err := a.fetcher.Fetch(fetchCtx, imageURL)
	if err != nil {
		return nil, err
	}

	out, err := a.model.Embed(ctx, img, keywords)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(out.ImageEmbeds) != 1 || len(out.TextEmbeds) != len(keywords) {
		return nil, fmt.Errorf("embed: got %d image and %d text embeddings for %d keywords",
			len(out.ImageEmbeds), len(out.TextEmbeds), len(keywords))
	}
	return Score(out.ImageEmbeds[0], out.TextEmbeds, keywords), nil
}
