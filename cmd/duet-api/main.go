package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duetchat/backend/internal/auth"
	"github.com/duetchat/backend/internal/chat"
	"github.com/duetchat/backend/internal/config"
	"github.com/duetchat/backend/internal/database"
	"github.com/duetchat/backend/internal/gateway"
	"github.com/duetchat/backend/internal/logging"
	"github.com/duetchat/backend/internal/push"
	"github.com/duetchat/backend/internal/server"
	"github.com/duetchat/backend/internal/storage"
	"github.com/duetchat/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "duet-api",
		Short: "Duet two-party chat backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newAddUserCommand())

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
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Login token TTL in minutes")
	cmd.PersistentFlags().Int("handshake-timeout-seconds", defaults.GetInt("auth.handshake_timeout_seconds"), "Websocket authentication deadline in seconds")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("vapid-public-key", defaults.GetString("push.vapid_public_key"), "VAPID public key for web push")
	cmd.PersistentFlags().String("vapid-private-key", "", "VAPID private key for web push (overrides env)")
	cmd.PersistentFlags().String("storage-endpoint", defaults.GetString("storage.endpoint"), "S3-compatible endpoint for avatar storage")
	cmd.PersistentFlags().String("storage-bucket", defaults.GetString("storage.bucket"), "Avatar storage bucket")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.handshake_timeout_seconds", "handshake-timeout-seconds")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "push.vapid_public_key", "vapid-public-key")
	bindFlag(cmd, "push.vapid_private_key", "vapid-private-key")
	bindFlag(cmd, "storage.endpoint", "storage-endpoint")
	bindFlag(cmd, "storage.bucket", "storage-bucket")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "duet-api",
		Audience:      "duet-clients",
		TokenTTL:      appConfig.TokenTTL,
	})

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:  db,
		Users:     userService,
		Clock:     time.Now,
		Logger:    logger,
		PageLimit: appConfig.MessagePageLimit,
	})
	if err != nil {
		return err
	}

	var pushChannel push.Channel = push.NopChannel{}
	if appConfig.PushConfigured() {
		pushChannel, err = push.NewWebPushChannel(push.WebPushConfig{
			VAPIDPublicKey:  appConfig.VAPIDPublicKey,
			VAPIDPrivateKey: appConfig.VAPIDPrivateKey,
			Subscriber:      appConfig.VAPIDSubscriber,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("push notifications disabled: VAPID keys not configured")
	}

	pushDispatcher, err := push.NewDispatcher(push.DispatcherConfig{
		Users:   userService,
		Channel: pushChannel,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	chatGateway, err := gateway.New(gateway.Config{
		Users:            userService,
		Messages:         chatService,
		Verifier:         tokenIssuer,
		Push:             pushDispatcher,
		HandshakeTimeout: appConfig.HandshakeTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	var avatarStorage server.AvatarStorage
	if appConfig.StorageConfigured() {
		store, err := storage.NewAvatarStore(storage.AvatarStoreConfig{
			Endpoint:  appConfig.StorageEndpoint,
			AccessKey: appConfig.StorageAccessKey,
			SecretKey: appConfig.StorageSecretKey,
			Bucket:    appConfig.StorageBucket,
			UseSSL:    appConfig.StorageUseSSL,
			URLExpiry: appConfig.AvatarURLExpiry,
		})
		if err != nil {
			return err
		}
		avatarStorage = store
	} else {
		logger.Warn("avatar storage disabled: object store not configured")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:   tokenIssuer,
		Users:    userService,
		Messages: chatService,
		Gateway:  chatGateway,
		Push:     pushDispatcher,
		Avatars:  avatarStorage,
		Logger:   logger,
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

func newAddUserCommand() *cobra.Command {
	var phone string
	var name string

	cmd := &cobra.Command{
		Use:   "adduser",
		Short: "Register a chat participant",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
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

			userService, err := users.NewService(users.ServiceConfig{
				Database: db,
				Clock:    time.Now,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			user, err := userService.Create(cmd.Context(), phone, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s)\n", user.ID, user.Phone)
			return nil
		},
	}

	cmd.Flags().StringVar(&phone, "phone", "", "Phone number in E.164 format")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	if err := cmd.MarkFlagRequired("phone"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}
