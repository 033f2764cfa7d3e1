package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/auth"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/config"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/database"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/logging"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/metrics"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP API and the reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	defaults := config.NewViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.Flags().String("client-secret", "", "Shared sync client secret (overrides env)")
	cmd.Flags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Client token TTL in minutes")
	cmd.Flags().Int("sync-page-size", defaults.GetInt("sync.page_size"), "Maximum log entries per delta page")
	cmd.Flags().Duration("reconcile-interval", defaults.GetDuration("reconcile.interval"), "Interval between reconciler catch-up passes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.client_secret", "client-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.page_size", "sync-page-size")
	bindFlag(cmd, "reconcile.interval", "reconcile-interval")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "server")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.Database, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		ClientSecret:  []byte(appConfig.ClientSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	blacklistService, err := blacklist.NewService(blacklist.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("blacklist"),
		Recorder: collector,
		PageSize: appConfig.SyncPageSize,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:     tokenManager,
		BlacklistService: blacklistService,
		Metrics:          collector,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		runReconciler(signalCtx, blacklistService, collector, appConfig.ReconcileInterval, logger)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		<-reconcilerDone
		return shutdownErr
	case err := <-errCh:
		stop()
		<-reconcilerDone
		return err
	}
}

// runReconciler replays the log into the snapshot until ctx ends, repairing
// entries whose apply failed after their append committed.
func runReconciler(ctx context.Context, service *blacklist.Service, collector *metrics.Collector, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := service.CatchUp(ctx)
		if ctx.Err() != nil {
			return
		}
		collector.ObserveCatchUp(err)
		if err != nil {
			logger.Warn("reconciler catch-up failed", zap.Error(err))
		} else if result.Applied > 0 {
			logger.Info("reconciler repaired snapshot",
				zap.Int("applied", result.Applied),
				zap.Int("stale", result.Stale),
				zap.Int64("cursor", result.Cursor.Int64()))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
