package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devcircle/backend/internal/auth"
	"github.com/devcircle/backend/internal/config"
	"github.com/devcircle/backend/internal/database"
	"github.com/devcircle/backend/internal/feed"
	"github.com/devcircle/backend/internal/ids"
	"github.com/devcircle/backend/internal/logging"
	"github.com/devcircle/backend/internal/messages"
	"github.com/devcircle/backend/internal/metrics"
	"github.com/devcircle/backend/internal/notifications"
	"github.com/devcircle/backend/internal/realtime"
	"github.com/devcircle/backend/internal/server"
	"github.com/devcircle/backend/internal/social"
	"github.com/devcircle/backend/internal/threads"
	"github.com/devcircle/backend/internal/users"
	"github.com/devcircle/backend/internal/votes"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "devcircle-api",
		Short: "DevCircle engagement and realtime delivery service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newMigrateCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and apply pending data migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			return closeDatabase(db)
		},
	}
}

func newIssueTokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a bearer credential for a user (development helper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.Issue(userID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to issue the credential for")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Credential TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Credential signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the cross-instance realtime backplane")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "realtime.redis_url", "redis-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

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

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
}

func closeDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db) //nolint:errcheck

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	idProvider := ids.NewUUIDProvider()

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	notificationStore, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	messageStore, err := messages.NewService(messages.ServiceConfig{
		Database:   db,
		Users:      directory,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backplane, closeBackplane, err := newBackplane(signalCtx, appConfig.Realtime, logger)
	if err != nil {
		return err
	}
	defer closeBackplane()

	hub, err := realtime.NewHub(realtime.HubConfig{
		Verifier:      verifier,
		Messages:      messageStore,
		Notifications: notificationStore,
		Backplane:     backplane,
		Metrics:       metrics.NewRealtimeMetrics(registry),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := hub.Start(signalCtx); err != nil {
		return err
	}
	defer hub.Close() //nolint:errcheck

	voteService, err := votes.NewService(votes.ServiceConfig{
		Database:   db,
		Notifier:   hub,
		Metrics:    metrics.NewVoteMetrics(registry),
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	threadService, err := threads.NewService(threads.ServiceConfig{
		Database:   db,
		Scores:     voteService,
		Notifier:   hub,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	feedService, err := feed.NewService(feed.ServiceConfig{
		Database:     db,
		Scores:       voteService,
		Users:        directory,
		Metrics:      metrics.NewFeedMetrics(registry),
		CandidateCap: appConfig.Feed.CandidateCap,
		DefaultLimit: appConfig.Feed.DefaultLimit,
		MaxLimit:     appConfig.Feed.MaxLimit,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	socialService, err := social.NewService(social.ServiceConfig{
		Database: db,
		Notifier: hub,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:      verifier,
		Votes:         voteService,
		Threads:       threadService,
		Feed:          feedService,
		Social:        socialService,
		Notifications: notificationStore,
		Messages:      messageStore,
		Hub:           hub,
		Session: realtime.SessionConfig{
			SendBuffer:      appConfig.Realtime.SendBuffer,
			EventsPerSecond: appConfig.Realtime.EventsPerSecond,
			EventBurst:      appConfig.Realtime.EventBurst,
		},
		AllowedOrigins: appConfig.Realtime.AllowedOrigins,
		Metrics:        registry,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

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

// newBackplane selects Redis fan-out when a URL is configured and the
// in-process backplane otherwise.
func newBackplane(ctx context.Context, cfg config.RealtimeConfig, logger *zap.Logger) (realtime.Backplane, func(), error) {
	if cfg.RedisURL == "" {
		return realtime.NewLocalBackplane(), func() {}, nil
	}
	client, err := realtime.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("realtime backplane using redis")
	return realtime.NewRedisBackplane(client, logger), func() { _ = client.Close() }, nil
}
