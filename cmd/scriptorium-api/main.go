package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/scriptorium-app/scriptorium/backend/internal/ai"
	"github.com/scriptorium-app/scriptorium/backend/internal/auth"
	"github.com/scriptorium-app/scriptorium/backend/internal/cache"
	"github.com/scriptorium-app/scriptorium/backend/internal/config"
	"github.com/scriptorium-app/scriptorium/backend/internal/database"
	"github.com/scriptorium-app/scriptorium/backend/internal/events"
	"github.com/scriptorium-app/scriptorium/backend/internal/logging"
	"github.com/scriptorium-app/scriptorium/backend/internal/rooms"
	"github.com/scriptorium-app/scriptorium/backend/internal/server"
	"github.com/scriptorium-app/scriptorium/backend/internal/users"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "scriptorium-api",
		Short: "Scriptorium collaborative document backend",
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
	cmd.PersistentFlags().String("provider-audience", defaults.GetString("provider.audience"), "Identity provider OAuth client ID")
	cmd.PersistentFlags().String("provider-jwks-url", defaults.GetString("provider.jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address (empty disables cache and event bridge)")
	cmd.PersistentFlags().String("ai-api-key", "", "Generative AI API key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "provider.audience", "provider-audience")
	bindFlag(cmd, "provider.jwks_url", "provider-jwks-url")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "ai.api_key", "ai-api-key")
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()

	var roomCache rooms.Cache = cache.NewNoop()
	if appConfig.RedisEnabled() {
		redisCache, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:     appConfig.RedisAddr,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
			TTL:      appConfig.CacheTTL,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer redisCache.Close()
		roomCache = redisCache

		bridge, err := events.NewRedisBridge(events.RedisBridgeConfig{
			Client:     redisCache.Client(),
			Bus:        bus,
			InstanceID: uuid.NewString(),
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := bridge.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event bridge stopped", zap.Error(err))
			}
		}()
	}

	verifier, err := auth.NewProviderVerifier(auth.ProviderVerifierConfig{
		Audience:       appConfig.ProviderAudience,
		JWKSURL:        appConfig.ProviderJWKSURL,
		AllowedIssuers: appConfig.ProviderIssuers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "scriptorium-auth",
		Audience:      "scriptorium-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	roomService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: rooms.NewUUIDProvider(),
		Publisher:  bus,
		Cache:      roomCache,
		Directory:  directory,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	assistant := ai.NewAssistant(ai.Config{
		APIKey:   appConfig.AIAPIKey,
		Endpoint: appConfig.AIEndpoint,
		Model:    appConfig.AIModel,
		Logger:   logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:    verifier,
		Tokens:      tokenManager,
		RoomService: roomService,
		Identities:  directory,
		Assistant:   assistant,
		Bus:         bus,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
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
