package service

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/krau/wardrobeclip/clip"
	"github.com/krau/wardrobeclip/store"
)

type memRatings struct {
	rows []store.Rating
	err  error
}

func (m *memRatings) ReadAll(context.Context) ([]store.Rating, error) {
	return m.rows, m.err
}

func newTestTrainer(t *testing.T, srv *httptest.Server, ratings RatingsReader, model TrainableModel, saveDir string) (*Trainer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	tr := NewTrainer(zap.New(core), ratings, NewFetcher(srv.Client(), 1<<20, 1<<20), model, TrainerConfig{
		LearningRate: 1e-3,
		WeightDecay:  0.01,
		SaveDir:      saveDir,
		FetchTimeout: time.Second,
		Preprocessor: clip.DefaultPreprocessorConfig(testDim, "vocab.json", "merges.txt"),
	})
	return tr, logs
}

func TestSweepEmptyStore(t *testing.T) {
	saveDir := filepath.Join(t.TempDir(), "fine_tuned_clip")
	model := newTestModel(t)
	head := model.Head()
	tr, _ := newTestTrainer(t, newImageServer(t), &memRatings{}, model, saveDir)

	res, err := tr.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Empty(t, res.SaveDir)

	_, err = os.Stat(saveDir)
	assert.True(t, os.IsNotExist(err), "save dir must not be created")
	assert.Same(t, head, model.Head())
}

func TestSweepSkipsUnreachableRows(t *testing.T) {
	srv := newImageServer(t)
	saveDir := filepath.Join(t.TempDir(), "fine_tuned_clip")
	ratings := &memRatings{rows: []store.Rating{
		{ID: 1, OutfitID: "o1", ImageURL: "http://127.0.0.1:1/unreachable.jpg", Keyword: "red dress", Rating: 4},
		{ID: 2, OutfitID: "o1", ImageURL: srv.URL + "/missing.png", Keyword: "red dress", Rating: 4},
		{ID: 3, OutfitID: "o2", ImageURL: srv.URL + "/red.png", Keyword: "red dress", Rating: 5},
		{ID: 4, OutfitID: "o3", ImageURL: srv.URL + "/text", Keyword: "blue jeans", Rating: 1},
	}}
	model := newTestModel(t)
	before := model.Head()
	tr, logs := newTestTrainer(t, srv, ratings, model, saveDir)

	res, err := tr.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 3, res.Skipped)
	require.Len(t, res.Rows, 4)
	assert.True(t, res.Rows[2].Applied)
	assert.EqualValues(t, 3, res.Rows[2].RatingID)
	for _, i := range []int{0, 1, 3} {
		assert.False(t, res.Rows[i].Applied)
		assert.Error(t, res.Rows[i].Err)
	}
	assert.Equal(t, 3, logs.FilterMessage("skipping rating").Len())

	assert.Equal(t, saveDir, res.SaveDir)
	saved, _, err := clip.LoadSnapshot(saveDir)
	require.NoError(t, err)
	assert.Equal(t, model.Head(), saved)
	assert.NotSame(t, before, model.Head())
	assert.NotEqual(t, before.ImageProj, model.Head().ImageProj)
}

func TestSweepSecondPassLowersLoss(t *testing.T) {
	srv := newImageServer(t)
	ratings := &memRatings{rows: []store.Rating{
		{ID: 1, OutfitID: "o1", ImageURL: srv.URL + "/red.png", Keyword: "red dress", Rating: 5},
	}}
	tr, _ := newTestTrainer(t, srv, ratings, newTestModel(t), t.TempDir())

	first, err := tr.Sweep(context.Background())
	require.NoError(t, err)
	second, err := tr.Sweep(context.Background())
	require.NoError(t, err)

	require.True(t, first.Rows[0].Applied)
	require.True(t, second.Rows[0].Applied)
	assert.Less(t, second.Rows[0].Loss, first.Rows[0].Loss)
}

func TestSweepReadError(t *testing.T) {
	boom := errors.New("disk gone")
	model := newTestModel(t)
	tr, _ := newTestTrainer(t, newImageServer(t), &memRatings{err: boom}, model, t.TempDir())

	_, err := tr.Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSweepPersistErrorKeepsPublishedHead(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	srv := newImageServer(t)
	ratings := &memRatings{rows: []store.Rating{
		{ID: 1, ImageURL: srv.URL + "/red.png", Keyword: "red dress", Rating: 5},
	}}
	model := newTestModel(t)
	head := model.Head()
	tr, _ := newTestTrainer(t, srv, ratings, model, filepath.Join(blocker, "snapshot"))

	_, err := tr.Sweep(context.Background())
	assert.Error(t, err)
	assert.Same(t, head, model.Head())
}

func TestSweepWhileAnalyzing(t *testing.T) {
	srv := newImageServer(t)
	var rows []store.Rating
	for i := range 20 {
		url, kw, rating := srv.URL+"/red.png", "red dress", 5
		if i%2 == 1 {
			url, kw, rating = srv.URL+"/blue.png", "red dress", 1
		}
		rows = append(rows, store.Rating{ID: int64(i + 1), ImageURL: url, Keyword: kw, Rating: rating})
	}
	model := newTestModel(t)
	before := model.Head()
	tr, _ := newTestTrainer(t, srv, &memRatings{rows: rows}, model, t.TempDir())
	a := NewAnalyzer(NewFetcher(srv.Client(), 1<<20, 1<<20), model, time.Second)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				scores, err := a.Analyze(context.Background(), srv.URL+"/red.png", []string{"red dress", "blue jeans"})
				if !assert.NoError(t, err) {
					return
				}
				for _, s := range scores {
					assert.GreaterOrEqual(t, s, float32(-1))
					assert.LessOrEqual(t, s, float32(1))
				}
			}
		}()
	}

	res, err := tr.Sweep(context.Background())
	close(done)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, 20, res.Applied)
	assert.NotSame(t, before, model.Head())
	assert.Equal(t, before, clip.NewHead(testDim, 100), "published heads are never mutated")
}
