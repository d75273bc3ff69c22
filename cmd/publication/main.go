// Package main запускает HTTP-сервер сервиса публикации приглашений.
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

	"github.com/invitaly/publication-system/internal/config"
	"github.com/invitaly/publication-system/internal/gateway"
	"github.com/invitaly/publication-system/internal/handler"
	"github.com/invitaly/publication-system/internal/middleware"
	"github.com/invitaly/publication-system/internal/render"
	"github.com/invitaly/publication-system/internal/repository"
	"github.com/invitaly/publication-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var gatewayClient *gateway.Client
	if cfg.GatewayAddress != "" {
		gatewayClient = gateway.NewClient(cfg.GatewayAddress, cfg.GatewayAccessToken)
	}
	verifier := gateway.NewWebhookVerifier(cfg.GatewayWebhookSecret)

	store, err := render.NewFSStore(cfg.ArtifactDir)
	if err != nil {
		sugar.Fatalw("artifact store initialization error", "error", err.Error())
	}
	renderer := render.NewSnapshotRenderer(render.NoopAssetResolver{})

	svc := service.NewService(repo, gatewayClient, renderer, store, cfg.Checkout, cfg.PublicBaseURL, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, verifier, logger, authMiddleware)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновые обходы: архивация просроченных публикаций и чистка корзины
	g.Go(func() error {
		svc.StartSweepers(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting publication server", "addr", cfg.RunAddress)
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
