package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/krau/wardrobeclip/clip"
	"github.com/krau/wardrobeclip/config"
	"github.com/krau/wardrobeclip/onnx"
	"github.com/krau/wardrobeclip/service"
	"github.com/krau/wardrobeclip/store"
)

// App is the wired service. Close releases the encoder sessions and the ratings store.
type App struct {
	Handler http.Handler

	encoder *clip.ONNXEncoder
	store   store.Store
}

// Init loads the model files, the fine-tuned head and the ratings store, and builds the router.
// The ONNX Runtime environment must already be initialized.
func Init(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	imagePath := filepath.Join(cfg.ModelDir, cfg.ImageModelFile)
	textPath := filepath.Join(cfg.ModelDir, cfg.TextModelFile)
	vocabPath := filepath.Join(cfg.ModelDir, cfg.VocabFile)
	mergesPath := filepath.Join(cfg.ModelDir, cfg.MergesFile)
	if err := clip.EnsureFiles(ctx, logger,
		clip.RemoteFile{Path: imagePath, URL: cfg.ImageModelUrl},
		clip.RemoteFile{Path: textPath, URL: cfg.TextModelUrl},
		clip.RemoteFile{Path: vocabPath, URL: cfg.VocabUrl},
		clip.RemoteFile{Path: mergesPath, URL: cfg.MergesUrl},
	); err != nil {
		return nil, fmt.Errorf("failed to prepare model files: %w", err)
	}

	tok, err := clip.LoadTokenizer(vocabPath, mergesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	opts, device, err := onnx.NewSessionOptions(cfg.Device, logger)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()
	logger.Info("loading encoders", zap.String("device", device), zap.Int("pool_size", cfg.EncoderPoolSize))

	enc, err := clip.NewONNXEncoder(clip.ONNXConfig{
		ImageModelPath: imagePath,
		TextModelPath:  textPath,
		Tokenizer:      tok,
		PoolSize:       cfg.EncoderPoolSize,
		Options:        opts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	head, err := loadHead(cfg, enc.Dim(), logger)
	if err != nil {
		enc.Close()
		return nil, err
	}
	model, err := clip.NewModel(enc, head, cfg.TextCacheSize)
	if err != nil {
		enc.Close()
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to open ratings store: %w", err)
	}

	fetcher := service.NewFetcher(&http.Client{}, cfg.MaxImageBytes, cfg.MaxImagePixels)
	analyzer := service.NewAnalyzer(fetcher, model, cfg.FetchTimeout.Duration)
	trainer := service.NewTrainer(logger, st, fetcher, model, service.TrainerConfig{
		LearningRate: cfg.LearningRate,
		WeightDecay:  cfg.WeightDecay,
		SaveDir:      cfg.SaveDir,
		FetchTimeout: cfg.TrainFetchTimeout.Duration,
		Preprocessor: clip.DefaultPreprocessorConfig(enc.Dim(), cfg.VocabFile, cfg.MergesFile),
	})

	metrics := NewMetrics()
	h := NewHandler(logger, analyzer, st, trainer, metrics)
	return &App{
		Handler: NewRouter(logger, h, metrics),
		encoder: enc,
		store:   st,
	}, nil
}

// loadHead returns the snapshot in save_dir when resuming, or a fresh identity head.
func loadHead(cfg config.Config, dim int, logger *zap.Logger) (*clip.Head, error) {
	if !cfg.Resume {
		return clip.NewHead(dim, cfg.LogitScale), nil
	}
	head, _, err := clip.LoadSnapshot(cfg.SaveDir)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no snapshot to resume from, starting from the pretrained model", zap.String("save_dir", cfg.SaveDir))
		return clip.NewHead(dim, cfg.LogitScale), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot from %s: %w", cfg.SaveDir, err)
	}
	if head.Dim != dim {
		return nil, fmt.Errorf("snapshot in %s has dim %d, encoder has %d", cfg.SaveDir, head.Dim, dim)
	}
	logger.Info("resumed fine-tuned head", zap.String("save_dir", cfg.SaveDir))
	return head, nil
}

func (a *App) Close() error {
	a.encoder.Close()
	return a.store.Close()
}
