// Package main запускает HTTP-сервер магазина.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FNZ-Store/virus/internal/config"
	"github.com/FNZ-Store/virus/internal/handler"
	"github.com/FNZ-Store/virus/internal/kvstore"
	"github.com/FNZ-Store/virus/internal/middleware"
	"github.com/FNZ-Store/virus/internal/qris"
	"github.com/FNZ-Store/virus/internal/repository"
	"github.com/FNZ-Store/virus/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var store kvstore.Store
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresStore(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		store = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory store: state is lost on restart")
		store = kvstore.NewMemoryStore()
	}

	provider := qris.NewClient(cfg.QRISAPIAddress, cfg.QRISAPIKey)

	svc := service.NewService(store, provider, logger, service.Options{
		DefaultExpiryMinutes: cfg.ExpiryMinutes,
		SweepInterval:        time.Duration(cfg.SweepIntervalSeconds) * time.Second,
	})
	defer svc.Close()

	auth := middleware.NewGatewayAuth(cfg.GatewaySecret)
	h := handler.NewHandler(svc, logger, auth)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой очистки просроченных счетов
	g.Go(func() error {
		svc.StartExpirySweep(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting store server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
