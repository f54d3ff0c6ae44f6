package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rundownlab/rundown/internal/audit"
	"github.com/rundownlab/rundown/internal/auth"
	"github.com/rundownlab/rundown/internal/backup"
	"github.com/rundownlab/rundown/internal/cache"
	"github.com/rundownlab/rundown/internal/config"
	"github.com/rundownlab/rundown/internal/database"
	"github.com/rundownlab/rundown/internal/logging"
	"github.com/rundownlab/rundown/internal/posts"
	"github.com/rundownlab/rundown/internal/ratelimit"
	"github.com/rundownlab/rundown/internal/reference"
	"github.com/rundownlab/rundown/internal/server"
	"github.com/rundownlab/rundown/internal/syncing"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rundown-api",
		Short: "Rundown synchronization backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("shared-secret", "", "Shared API secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Replica token TTL in minutes")
	cmd.PersistentFlags().Int("rate-limit", defaults.GetInt("ratelimit.max_requests"), "Accepted requests per rate-limit window")
	cmd.PersistentFlags().Int("rate-window-seconds", defaults.GetInt("ratelimit.window_seconds"), "Rate-limit window in seconds")
	cmd.PersistentFlags().Int("cache-ttl-seconds", defaults.GetInt("cache.ttl_seconds"), "Cache TTL in seconds")
	cmd.PersistentFlags().StringSlice("webhook-target", defaults.GetStringSlice("webhook.targets"), "Webhook subscriber URL (repeatable)")
	cmd.PersistentFlags().String("safety-export-dir", defaults.GetString("export.safety_dir"), "Directory for pre-restore safety exports")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.shared_secret", "shared-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "ratelimit.max_requests", "rate-limit")
	bindFlag(cmd, "ratelimit.window_seconds", "rate-window-seconds")
	bindFlag(cmd, "cache.ttl_seconds", "cache-ttl-seconds")
	bindFlag(cmd, "webhook.targets", "webhook-target")
	bindFlag(cmd, "export.safety_dir", "safety-export-dir")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := posts.NewStore(posts.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: audit.NewUUIDProvider(),
		Logger:     logger,
	})

	readCache := cache.New(cache.Config{TTL: appConfig.CacheTTL})
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: appConfig.RateLimitMax,
		Window:      appConfig.RateLimitWindow,
	})
	dispatcher := syncing.NewDispatcher()
	notifier := syncing.NewWebhookNotifier(syncing.WebhookConfig{
		Targets: appConfig.WebhookTargets,
		Logger:  logger,
	})

	coordinator, err := syncing.NewCoordinator(syncing.CoordinatorConfig{
		Store:      store,
		Database:   db,
		Audit:      recorder,
		Cache:      readCache,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	referenceService, err := reference.NewService(reference.ServiceConfig{
		Database: db,
		Cache:    readCache,
	})
	if err != nil {
		return err
	}

	backupService, err := backup.NewService(backup.ServiceConfig{
		Database:  db,
		Clock:     time.Now,
		Logger:    logger,
		Audit:     recorder,
		SafetyDir: appConfig.SafetyExportDir,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SharedSecret),
		Issuer:        "rundown-auth",
		Audience:      "rundown-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Coordinator: coordinator,
		Store:       store,
		Reference:   referenceService,
		Backup:      backupService,
		Dispatcher:  dispatcher,
		Cache:       readCache,
		Limiter:     limiter,
		Secret:      auth.NewSharedSecret(appConfig.SharedSecret),
		Tokens:      tokenIssuer,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
