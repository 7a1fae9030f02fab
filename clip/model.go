package clip

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/krau/wardrobeclip/cache"
)

// Model combines the frozen encoder with the current fine-tuned head.
// The head is published copy-on-write: readers always see a complete snapshot,
// and training works on a private clone until it calls Publish.
type Model struct {
	enc   Encoder
	texts *cache.Cache[[]float32]
	head  atomic.Pointer[Head]
}

func NewModel(enc Encoder, head *Head, textCacheSize int) (*Model, error) {
	if enc == nil || head == nil {
		return nil, ErrNotInitialized
	}
	if head.Dim != enc.Dim() {
		return nil, fmt.Errorf("%w: encoder %d, head %d", ErrDimMismatch, enc.Dim(), head.Dim)
	}
	texts, err := cache.New[[]float32](textCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create text feature cache: %w", err)
	}
	m := &Model{enc: enc, texts: texts}
	m.head.Store(head)
	return m, nil
}

// Head returns the published head. Callers must not mutate it.
func (m *Model) Head() *Head {
	return m.head.Load()
}

func (m *Model) Publish(h *Head) {
	m.head.Store(h)
}

// Features runs the frozen backbone. Text features are cached per string since they never change.
func (m *Model) Features(ctx context.Context, img image.Image, texts []string) (Features, error) {
	if len(texts) == 0 {
		return Features{}, ErrEmptyInput
	}
	imgF, err := m.enc.EncodeImage(ctx, Preprocess(img))
	if err != nil {
		return Features{}, err
	}
	f := Features{Image: imgF, Texts: make([][]float32, len(texts))}
	for i, t := range texts {
		f.Texts[i], _, err = m.texts.Get(ctx, t, m.enc.EncodeText)
		if err != nil {
			return Features{}, err
		}
	}
	return f, nil
}

// Embed runs a full forward pass against the published head.
func (m *Model) Embed(ctx context.Context, img image.Image, texts []string) (*Output, error) {
	f, err := m.Features(ctx, img, texts)
	if err != nil {
		return nil, err
	}
	return m.Head().Forward(f)
}
