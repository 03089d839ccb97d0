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

	"github.com/scanforge/scanforge/internal/aifix"
	"github.com/scanforge/scanforge/internal/auth"
	"github.com/scanforge/scanforge/internal/config"
	"github.com/scanforge/scanforge/internal/database"
	"github.com/scanforge/scanforge/internal/identity"
	"github.com/scanforge/scanforge/internal/logging"
	"github.com/scanforge/scanforge/internal/oauth"
	"github.com/scanforge/scanforge/internal/scans"
	"github.com/scanforge/scanforge/internal/server"
	"github.com/scanforge/scanforge/internal/vault"
	"github.com/scanforge/scanforge/internal/workspace"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "scanforge-api",
		Short: "ScanForge code-security backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMaintenanceCommand())

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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("encryption-secret", "", "Token vault secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.encryption_secret", "encryption-secret")
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

	tokenVault, err := vault.New(vault.Config{Secret: appConfig.EncryptionSecret})
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, tokenVault, logger)
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
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	providers := oauth.NewRegistry(
		oauth.NewGitHubProvider(appConfig.GitHub, nil),
		oauth.NewGitLabProvider(appConfig.GitLab, nil),
		oauth.NewGoogleProvider(appConfig.Google, nil),
		oauth.NewBitbucketProvider(appConfig.Bitbucket, nil),
	)

	identityService, err := identity.NewService(identity.ServiceConfig{
		Database: db,
		Vault:    tokenVault,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	workspaceService, err := workspace.NewService(workspace.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	scanStore, err := scans.NewStore(scans.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	fixer := aifix.NewClient(aifix.ClientConfig{
		Config: appConfig,
		Logger: logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Providers:      providers,
		Identity:       identityService,
		Tokens:         tokenManager,
		Workspaces:     workspaceService,
		Scans:          scanStore,
		Fixer:          fixer,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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

func newMaintenanceCommand() *cobra.Command {
	maintenanceCmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Operational maintenance tasks",
	}

	var olderThan time.Duration
	failStuckCmd := &cobra.Command{
		Use:   "fail-stuck-scans",
		Short: "Force-fail scans stuck in pending or running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFailStuckScans(cmd.Context(), olderThan)
		},
	}
	failStuckCmd.Flags().DurationVar(&olderThan, "older-than", 2*time.Hour, "Age beyond which an unfinished scan is considered stuck")

	maintenanceCmd.AddCommand(failStuckCmd)
	return maintenanceCmd
}

func runFailStuckScans(ctx context.Context, olderThan time.Duration) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tokenVault, err := vault.New(vault.Config{Secret: appConfig.EncryptionSecret})
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, tokenVault, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	scanStore, err := scans.NewStore(scans.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	count, err := scanStore.FailStuckScans(ctx, olderThan)
	if err != nil {
		return err
	}
	logger.Info("maintenance complete", zap.Int64("scans_failed", count))
	return nil
}
