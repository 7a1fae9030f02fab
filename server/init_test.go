package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/krau/wardrobeclip/clip"
	"github.com/krau/wardrobeclip/config"
)

func TestLoadHead(t *testing.T) {
	cfg := config.Default()
	cfg.SaveDir = t.TempDir()

	t.Run("fresh", func(t *testing.T) {
		h, err := loadHead(cfg, 4, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, clip.NewHead(4, cfg.LogitScale), h)
	})

	cfg.Resume = true
	t.Run("resume without snapshot", func(t *testing.T) {
		h, err := loadHead(cfg, 4, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, 4, h.Dim)
	})

	saved := clip.NewHead(4, 50)
	saved.ImageProj[1] = 0.5
	require.NoError(t, clip.SaveSnapshot(cfg.SaveDir, saved, clip.DefaultPreprocessorConfig(4, "vocab.json", "merges.txt")))

	t.Run("resume", func(t *testing.T) {
		h, err := loadHead(cfg, 4, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, saved, h)
	})

	t.Run("dim mismatch", func(t *testing.T) {
		_, err := loadHead(cfg, 8, zap.NewNop())
		assert.Error(t, err)
	})
}
