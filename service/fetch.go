package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/krau/wardrobeclip/clip"
)

// FetchError reports a network failure or a non-2xx response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError reports a body that is not a supported image.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errTooLarge      = errors.New("image exceeds size limit")
	errTooManyPixels = errors.New("image dimensions exceed pixel limit")
)

type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (image.Image, error)
}

// Fetcher downloads an image once (no retries) and decodes it into an RGB bitmap.
// maxBytes caps the encoded body and maxPixels the decoded width*height; zero disables a limit.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	maxPixels int64
}

func NewFetcher(client *http.Client, maxBytes, maxPixels int64) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, maxBytes: maxBytes, maxPixels: maxPixels}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = &limitedReader{r: resp.Body, n: f.maxBytes}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	// the header is checked first so a small body cannot declare a huge bitmap
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{URL: url, Err: err}
	}
	if f.maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > f.maxPixels {
		return nil, &DecodeError{URL: url, Err: fmt.Errorf("%w: %dx%d", errTooManyPixels, cfg.Width, cfg.Height)}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{URL: url, Err: err}
	}
	return clip.ToRGB(img), nil
}

// limitedReader fails instead of truncating once more than n bytes are read.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		return 0, errTooLarge
	}
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		return n, errTooLarge
	}
	return n, err
}
