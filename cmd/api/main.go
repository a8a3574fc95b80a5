package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentcall/internal/app"
	"agentcall/internal/auth"
	"agentcall/internal/config"
	"agentcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := app.Build(rootCtx, cfg, log)
	if err != nil {
		log.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/metrics"))

	registerRoutes(r, a, auth.RequireAccessToken(a.Auth))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := a.Sweeper.Start(rootCtx); err != nil {
		log.Error("sweeper start failed", "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(rootCtx)
	if a.Poller != nil {
		g.Go(func() error {
			a.Poller.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "mock_mode", cfg.Calls.MockMode, "dispatcher", cfg.Dispatcher.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
			return err
		}
		return nil
	})

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	a.Sweeper.Stop(shutdownCtx)
	if err := g.Wait(); err != nil {
		log.Error("background task failed", "err", err)
	}
}
