package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krau/wardrobeclip/clip"
)

func TestAnalyzeScoresEveryKeyword(t *testing.T) {
	srv := newImageServer(t)
	a := NewAnalyzer(NewFetcher(srv.Client(), 1<<20, 1<<20), newTestModel(t), time.Second)

	scores, err := a.Analyze(context.Background(), srv.URL+"/red.png", []string{"red dress", "blue jeans"})
	require.NoError(t, err)

	require.Len(t, scores, 2)
	for _, kw := range []string{"red dress", "blue jeans"} {
		s, ok := scores[kw]
		require.True(t, ok, kw)
		assert.GreaterOrEqual(t, s, float32(-1))
		assert.LessOrEqual(t, s, float32(1))
	}
}

func TestAnalyzeOrderAndDuplicates(t *testing.T) {
	srv := newImageServer(t)
	a := NewAnalyzer(NewFetcher(srv.Client(), 1<<20, 1<<20), newTestModel(t), time.Second)
	url := srv.URL + "/blue.png"

	forward, err := a.Analyze(context.Background(), url, []string{"a", "b", "c"})
	require.NoError(t, err)
	backward, err := a.Analyze(context.Background(), url, []string{"c", "b", "a", "a"})
	require.NoError(t, err)

	require.Len(t, backward, 3)
	for k, v := range forward {
		assert.InDelta(t, v, backward[k], 1e-6, k)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	srv := newImageServer(t)
	a := NewAnalyzer(NewFetcher(srv.Client(), 1<<20, 1<<20), newTestModel(t), time.Second)

	_, err := a.Analyze(context.Background(), srv.URL+"/red.png", nil)
	assert.ErrorIs(t, err, clip.ErrEmptyInput)

	_, err = a.Analyze(context.Background(), srv.URL+"/nope.png", []string{"x"})
	var fe *FetchError
	assert.True(t, errors.As(err, &fe))

	_, err = a.Analyze(context.Background(), srv.URL+"/text", []string{"x"})
	var de *DecodeError
	assert.True(t, errors.As(err, &de))
}
