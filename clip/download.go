package clip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// RemoteFile is a model asset expected at Path, downloadable from URL when absent.
type RemoteFile struct {
	Path string
	URL  string
}

// EnsureFiles downloads every missing file that has a URL. A missing file without a URL is an error.
func EnsureFiles(ctx context.Context, logger *zap.Logger, files ...RemoteFile) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = leveledZap{logger.Sugar()}

	for _, f := range files {
		if _, err := os.Stat(f.Path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", f.Path, err)
		}
		if f.URL == "" {
			return fmt.Errorf("%s is missing and no download url is configured", f.Path)
		}
		logger.Info("downloading model file", zap.String("path", f.Path), zap.String("url", f.URL))
		if err := download(ctx, client, f); err != nil {
			return fmt.Errorf("download %s: %w", f.Path, err)
		}
	}
	return nil
}

func download(ctx context.Context, client *retryablehttp.Client, f RemoteFile) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

type leveledZap struct {
	s *zap.SugaredLogger
}

func (l leveledZap) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledZap) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledZap) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledZap) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
