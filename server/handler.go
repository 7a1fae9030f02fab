package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/krau/wardrobeclip/clip"
	"github.com/krau/wardrobeclip/service"
	"github.com/krau/wardrobeclip/store"
)

type Analyzer interface {
	Analyze(ctx context.Context, imageURL string, keywords []string) (map[string]float32, error)
}

type RatingWriter interface {
	Append(ctx context.Context, r store.Rating) (int64, error)
}

type Trainer interface {
	Sweep(ctx context.Context) (*service.SweepResult, error)
}

type Handler struct {
	logger   *zap.Logger
	analyzer Analyzer
	ratings  RatingWriter
	trainer  Trainer
	metrics  *Metrics
}

func NewHandler(logger *zap.Logger, analyzer Analyzer, ratings RatingWriter, trainer Trainer, metrics *Metrics) *Handler {
	return &Handler{
		logger:   logger,
		analyzer: analyzer,
		ratings:  ratings,
		trainer:  trainer,
		metrics:  metrics,
	}
}

type analyzeRequest struct {
	OutfitID string   `json:"outfit_id" binding:"required"`
	ImageURL string   `json:"image_url" binding:"required"`
	Keywords []string `json:"keywords" binding:"required,min=1"`
}

type analyzeResponse struct {
	OutfitID string             `json:"outfit_id"`
	Scores   map[string]float32 `json:"scores"`
}

// Analyze handles POST /analyze.
func (h *Handler) Analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	scores, err := h.analyzer.Analyze(c.Request.Context(), req.ImageURL, req.Keywords)
	if err != nil {
		h.fail(c, err, "analysis failed")
		return
	}
	c.JSON(http.StatusOK, analyzeResponse{OutfitID: req.OutfitID, Scores: scores})
}

type rateRequest struct {
	OutfitID string `json:"outfit_id" binding:"required"`
	ImageURL string `json:"image_url" binding:"required"`
	Keyword  string `json:"keyword" binding:"required"`
	Rating   int    `json:"rating" binding:"required,min=1,max=5"`
}

// Rate handles POST /rate.
func (h *Handler) Rate(c *gin.Context) {
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	id, err := h.ratings.Append(c.Request.Context(), store.Rating{
		OutfitID: req.OutfitID,
		ImageURL: req.ImageURL,
		Keyword:  req.Keyword,
		Rating:   req.Rating,
	})
	if err != nil {
		h.fail(c, err, "could not save rating")
		return
	}
	h.metrics.RecordRatingSaved()
	requestLogger(h.logger, c).Debug("rating saved", zap.Int64("rating_id", id), zap.String("outfit_id", req.OutfitID))
	c.JSON(http.StatusOK, gin.H{"message": "Rating saved"})
}

// Train handles POST /train. The sweep is detached from the request context: a client
// disconnecting does not abort it.
func (h *Handler) Train(c *gin.Context) {
	res, err := h.trainer.Sweep(context.WithoutCancel(c.Request.Context()))
	h.metrics.RecordSweep(res, err)
	if err != nil {
		h.fail(c, err, "training failed")
		return
	}
	if res.Empty() {
		c.JSON(http.StatusOK, gin.H{"message": "No ratings to train on"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "Model trained and saved",
		"save_dir": res.SaveDir,
		"applied":  res.Applied,
		"skipped":  res.Skipped,
	})
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	requestLogger(h.logger, c).Warn("invalid request", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
}

// fail maps service errors to status codes. Client-caused failures carry the error text;
// everything else is logged and answered with msg.
func (h *Handler) fail(c *gin.Context, err error, msg string) {
	var (
		fetchErr  *service.FetchError
		decodeErr *service.DecodeError
	)
	switch {
	case errors.Is(err, clip.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &fetchErr):
		requestLogger(h.logger, c).Warn("image fetch failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.As(err, &decodeErr):
		requestLogger(h.logger, c).Warn("image decode failed", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		requestLogger(h.logger, c).Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
