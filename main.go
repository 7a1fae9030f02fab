package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/krau/wardrobeclip/config"
	"github.com/krau/wardrobeclip/onnx"
	"github.com/krau/wardrobeclip/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("starting wardrobeclip")

	destroy, err := onnx.Init(cfg.Libonnx, logger)
	if err != nil {
		logger.Fatal("failed to initialize onnx runtime", zap.Error(err))
	}
	defer destroy()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	app, err := server.Init(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize server", zap.Error(err))
		return
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:           app.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("listening", zap.String("address", srv.Addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
