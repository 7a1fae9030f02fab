package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Host     string `toml:"host" env:"HOST"`
	Port     string `toml:"port" env:"PORT"`
	LogLevel string `toml:"log_level" env:"LOG_LEVEL"`

	DatabaseDriver string `toml:"database_driver" env:"DATABASE_DRIVER"`
	DatabaseURL    string `toml:"database_url" env:"DATABASE_URL"`

	Libonnx string `toml:"libonnx" env:"LIBONNX"`
	Device  string `toml:"device" env:"DEVICE"`

	ModelDir       string `toml:"model_dir" env:"MODEL_DIR"`
	ImageModelFile string `toml:"image_model_file" env:"IMAGE_MODEL_FILE"`
	TextModelFile  string `toml:"text_model_file" env:"TEXT_MODEL_FILE"`
	VocabFile      string `toml:"vocab_file" env:"VOCAB_FILE"`
	MergesFile     string `toml:"merges_file" env:"MERGES_FILE"`
	ImageModelUrl  string `toml:"image_model_url" env:"IMAGE_MODEL_URL"`
	TextModelUrl   string `toml:"text_model_url" env:"TEXT_MODEL_URL"`
	VocabUrl       string `toml:"vocab_url" env:"VOCAB_URL"`
	MergesUrl      string `toml:"merges_url" env:"MERGES_URL"`

	SaveDir      string  `toml:"save_dir" env:"SAVE_DIR"`
	Resume       bool    `toml:"resume" env:"RESUME"`
	LearningRate float64 `toml:"learning_rate" env:"LEARNING_RATE"`
	WeightDecay  float64 `toml:"weight_decay" env:"WEIGHT_DECAY"`
	LogitScale   float64 `toml:"logit_scale" env:"LOGIT_SCALE"`

	FetchTimeout      Duration `toml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	TrainFetchTimeout Duration `toml:"train_fetch_timeout" env:"TRAIN_FETCH_TIMEOUT"`
	MaxImageBytes     int64    `toml:"max_image_bytes" env:"MAX_IMAGE_BYTES"`
	MaxImagePixels    int64    `toml:"max_image_pixels" env:"MAX_IMAGE_PIXELS"`

	TextCacheSize   int `toml:"text_cache_size" env:"TEXT_CACHE_SIZE"`
	EncoderPoolSize int `toml:"encoder_pool_size" env:"ENCODER_POOL_SIZE"`
}

// Duration accepts "5s"-style strings from both TOML and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

const envPrefix = "WARDROBE_"

func Default() Config {
	return Config{
		Host:     "0.0.0.0",
		Port:     "8000",
		LogLevel: "info",

		DatabaseDriver: "sqlite3",
		DatabaseURL:    "ratings.db",

		Device: "auto",

		ModelDir:       "models",
		ImageModelFile: "clip_vision.onnx",
		TextModelFile:  "clip_text.onnx",
		VocabFile:      "vocab.json",
		MergesFile:     "merges.txt",
		ImageModelUrl:  "https://huggingface.co/Xenova/clip-vit-base-patch32/resolve/main/onnx/vision_model.onnx?download=true",
		TextModelUrl:   "https://huggingface.co/Xenova/clip-vit-base-patch32/resolve/main/onnx/text_model.onnx?download=true",
		VocabUrl:       "https://huggingface.co/openai/clip-vit-base-patch32/resolve/main/vocab.json?download=true",
		MergesUrl:      "https://huggingface.co/openai/clip-vit-base-patch32/resolve/main/merges.txt?download=true",

		SaveDir:      "fine_tuned_clip",
		LearningRate: 5e-6,
		WeightDecay:  0.01,
		LogitScale:   100,

		FetchTimeout:      Duration{30 * time.Second},
		TrainFetchTimeout: Duration{5 * time.Second},
		MaxImageBytes:     20 << 20,
		MaxImagePixels:    178956970,

		TextCacheSize:   1024,
		EncoderPoolSize: 1,
	}
}

var (
	cfg      = Default()
	loadErr  error
	loadOnce sync.Once
)

// Load reads config.toml (if present), then .env (if present), then WARDROBE_* environment variables.
// Later sources override earlier ones. The result is loaded once per process.
func Load() (Config, error) {
	loadOnce.Do(func() {
		loadErr = loadInto(&cfg, "config.toml")
	})
	return cfg, loadErr
}

func loadInto(c *Config, path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return c.Validate()
}

func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unknown database_driver %q", c.DatabaseDriver)
	}
	switch c.Device {
	case "auto", "cuda", "cpu":
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}
	if c.DatabaseURL == "" {
		return errors.New("database_url is required")
	}
	if c.SaveDir == "" {
		return errors.New("save_dir is required")
	}
	if c.LearningRate <= 0 {
		return errors.New("learning_rate must be positive")
	}
	if c.WeightDecay < 0 {
		return errors.New("weight_decay must not be negative")
	}
	if c.LogitScale <= 0 {
		return errors.New("logit_scale must be positive")
	}
	if c.FetchTimeout.Duration < 0 || c.TrainFetchTimeout.Duration <= 0 {
		return errors.New("fetch timeouts must be positive")
	}
	if c.MaxImageBytes <= 0 || c.MaxImagePixels <= 0 {
		return errors.New("max_image_bytes and max_image_pixels must be positive")
	}
	if c.TextCacheSize <= 0 || c.EncoderPoolSize <= 0 {
		return errors.New("text_cache_size and encoder_pool_size must be positive")
	}
	return nil
}
