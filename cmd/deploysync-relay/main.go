package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/config"
	"github.com/MarcoPoloResearchLab/deploysync/internal/database"
	"github.com/MarcoPoloResearchLab/deploysync/internal/logging"
	"github.com/MarcoPoloResearchLab/deploysync/internal/merge"
	"github.com/MarcoPoloResearchLab/deploysync/internal/relay"
	"github.com/MarcoPoloResearchLab/deploysync/internal/server"
	"github.com/MarcoPoloResearchLab/deploysync/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout  = 10 * time.Second
	redisPingTimeout = 5 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deploysync-relay",
		Short: "Deployment checklist relay server",
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
	cmd.PersistentFlags().String("relay-path", defaults.GetString("relay.path"), "WebSocket endpoint path")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("relay.allowed_origins"), "Comma-separated allowed browser origins (empty allows all)")
	cmd.PersistentFlags().Int("send-buffer", defaults.GetInt("relay.send_buffer"), "Outbound frames buffered per peer")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("relay.central_store.driver"), "Central store driver (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("store-dsn", defaults.GetString("relay.central_store.dsn"), "Central store DSN (empty disables archiving)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("relay.redis.address"), "Redis address for multi-instance relaying (empty disables)")
	cmd.PersistentFlags().String("redis-channel", defaults.GetString("relay.redis.channel"), "Redis pub/sub channel")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "relay.path", "relay-path")
	bindFlag(cmd, "relay.allowed_origins", "allowed-origins")
	bindFlag(cmd, "relay.send_buffer", "send-buffer")
	bindFlag(cmd, "relay.central_store.driver", "store-driver")
	bindFlag(cmd, "relay.central_store.dsn", "store-dsn")
	bindFlag(cmd, "relay.redis.address", "redis-address")
	bindFlag(cmd, "relay.redis.channel", "redis-channel")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	config.LoadDotEnv(".")

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
	relayConfig, err := config.LoadRelay(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(relayConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	hubConfig := relay.HubConfig{
		SendBuffer: relayConfig.SendBuffer,
		Logger:     logger,
	}

	if relayConfig.ArchiveEnabled() {
		db, err := database.Open(relayConfig.StoreDriver, relayConfig.StoreDSN, logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		centralStore := store.New(store.Config{Database: db, Logger: logger})
		hubConfig.Archive = merge.NewApplier(centralStore, logger)
	}

	if relayConfig.BridgeEnabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: relayConfig.RedisAddress})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}

		bridge, err := relay.NewRedisBridge(redisClient, relayConfig.RedisChannel, logger)
		if err != nil {
			return err
		}
		hubConfig.Bridge = bridge
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(hubConfig)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(signalCtx); err != nil {
			logger.Error("relay hub stopped", zap.Error(err))
		}
	}()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:            hub,
		RelayPath:      relayConfig.RelayPath,
		AllowedOrigins: relayConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    relayConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting",
			zap.String("address", relayConfig.HTTPAddress),
			zap.String("path", relayConfig.RelayPath),
			zap.Bool("archive", relayConfig.ArchiveEnabled()),
			zap.Bool("bridge", relayConfig.BridgeEnabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		<-hubDone
		return err
	case err := <-errCh:
		stop()
		<-hubDone
		return err
	}
}
