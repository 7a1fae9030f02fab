package service

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/krau/wardrobeclip/clip"
	"github.com/krau/wardrobeclip/store"
)

type RatingsReader interface {
	ReadAll(ctx context.Context) ([]store.Rating, error)
}

// TrainableModel is the part of clip.Model the trainer needs.
type TrainableModel interface {
	Features(ctx context.Context, img image.Image, texts []string) (clip.Features, error)
	Head() *clip.Head
	Publish(h *clip.Head)
}

type TrainerConfig struct {
	LearningRate float64
	WeightDecay  float64
	SaveDir      string
	FetchTimeout time.Duration
	Preprocessor clip.PreprocessorConfig
}

// RowResult is the outcome of one rating row: applied with its pre-update loss, or skipped with a reason.
type RowResult struct {
	RatingID int64
	ImageURL string
	Keyword  string
	Applied  bool
	Loss     float64
	Err      error
}

type SweepResult struct {
	Rows     []RowResult
	Applied  int
	Skipped  int
	SaveDir  string
	Duration time.Duration
}

// Empty reports whether there was nothing to train on.
func (r *SweepResult) Empty() bool {
	return len(r.Rows) == 0
}

// Trainer runs fine-tuning sweeps over every stored rating. Sweeps are serialized.
// Each sweep trains a clone of the published head in id order and publishes it only after
// the snapshot is persisted, so inference never sees a half-trained head.
type Trainer struct {
	logger  *zap.Logger
	ratings RatingsReader
	fetcher ImageFetcher
	model   TrainableModel
	cfg     TrainerConfig

	mu sync.Mutex
}

func NewTrainer(logger *zap.Logger, ratings RatingsReader, fetcher ImageFetcher, model TrainableModel, cfg TrainerConfig) *Trainer {
	return &Trainer{
		logger:  logger,
		ratings: ratings,
		fetcher: fetcher,
		model:   model,
		cfg:     cfg,
	}
}

func (t *Trainer) Sweep(ctx context.Context) (*SweepResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	rows, err := t.ratings.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ratings: %w", err)
	}
	res := &SweepResult{}
	if len(rows) == 0 {
		return res, nil
	}

	head := t.model.Head().Clone()
	opt := clip.NewAdamW(t.cfg.LearningRate, t.cfg.WeightDecay)

	res.Rows = make([]RowResult, 0, len(rows))
	for _, r := range rows {
		rr := t.trainRow(ctx, head, opt, r)
		if rr.Applied {
			res.Applied++
		} else {
			res.Skipped++
			t.logger.Warn("skipping rating",
				zap.Int64("rating_id", r.ID),
				zap.String("image_url", r.ImageURL),
				zap.Error(rr.Err),
			)
		}
		res.Rows = append(res.Rows, rr)
	}

	if err := clip.SaveSnapshot(t.cfg.SaveDir, head, t.cfg.Preprocessor); err != nil {
		return nil, fmt.Errorf("save model: %w", err)
	}
	t.model.Publish(head)

	res.SaveDir = t.cfg.SaveDir
	res.Duration = time.Since(start)
	t.logger.Info("training sweep finished",
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.String("save_dir", res.SaveDir),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (t *Trainer) trainRow(ctx context.Context, head *clip.Head, opt *clip.AdamW, r store.Rating) RowResult {
	rr := RowResult{RatingID: r.ID, ImageURL: r.ImageURL, Keyword: r.Keyword}

	fetchCtx, cancel := context.WithTimeout(ctx, t.cfg.FetchTimeout)
	img, err := t.fetcher.Fetch(fetchCtx, r.ImageURL)
	cancel()
	if err != nil {
		rr.Err = err
		return rr
	}

	f, err := t.model.Features(ctx, img, []string{r.Keyword})
	if err != nil {
		rr.Err = fmt.Errorf("embed: %w", err)
		return rr
	}

	target := float64(r.Rating) / 5.0
	loss, err := head.TrainStep(opt, f.Image, f.Texts[0], target)
	if err != nil {
		rr.Err = fmt.Errorf("train step: %w", err)
		return rr
	}
	rr.Applied = true
	rr.Loss = loss
	return rr
}
