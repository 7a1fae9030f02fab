package clip

import (
	"context"
	"errors"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModelValidates(t *testing.T) {
	_, err := NewModel(nil, NewHead(8, 100), 16)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = NewModel(&fakeEncoder{dim: 8}, NewHead(4, 100), 16)
	assert.ErrorIs(t, err, ErrDimMismatch)
}

func TestEmbedCachesTextFeatures(t *testing.T) {
	enc := &fakeEncoder{dim: 8}
	m, err := NewModel(enc, NewHead(8, 100), 16)
	require.NoError(t, err)
	img := solidImage(color.RGBA{10, 200, 30, 255})

	out, err := m.Embed(context.Background(), img, []string{"green shirt", "red dress"})
	require.NoError(t, err)
	require.Len(t, out.TextEmbeds, 2)

	_, err = m.Embed(context.Background(), img, []string{"red dress"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, enc.textCalls.Load())
}

func TestEmbedEmptyTexts(t *testing.T) {
	m, err := NewModel(&fakeEncoder{dim: 8}, NewHead(8, 100), 16)
	require.NoError(t, err)

	_, err = m.Embed(context.Background(), solidImage(color.White), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestEmbedEncoderError(t *testing.T) {
	boom := errors.New("boom")
	m, err := NewModel(&fakeEncoder{dim: 8, err: boom}, NewHead(8, 100), 16)
	require.NoError(t, err)

	_, err = m.Embed(context.Background(), solidImage(color.White), []string{"x"})
	assert.ErrorIs(t, err, boom)
}

func TestPublishSwapsHead(t *testing.T) {
	m, err := NewModel(&fakeEncoder{dim: 8}, NewHead(8, 100), 16)
	require.NoError(t, err)
	img := solidImage(color.RGBA{90, 90, 200, 255})

	before, err := m.Embed(context.Background(), img, []string{"navy"})
	require.NoError(t, err)

	next := m.Head().Clone()
	next.LogLogitScale[0] = 0
	m.Publish(next)

	after, err := m.Embed(context.Background(), img, []string{"navy"})
	require.NoError(t, err)
	assert.InDelta(t, before.LogitsPerImage[0][0]/100, after.LogitsPerImage[0][0], 1e-4)
	assert.Same(t, next, m.Head())
}
