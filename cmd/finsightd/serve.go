package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/agent/providers"
	"github.com/finsight-ai/finsight/internal/auth"
	"github.com/finsight-ai/finsight/internal/config"
	"github.com/finsight-ai/finsight/internal/gateway"
	routing "github.com/finsight-ai/finsight/internal/models"
	"github.com/finsight-ai/finsight/internal/observability"
	"github.com/finsight-ai/finsight/internal/sessions"
	"github.com/finsight-ai/finsight/internal/tools/charts"
	"github.com/finsight-ai/finsight/internal/tools/financesearch"
	"github.com/finsight-ai/finsight/internal/tools/sandbox"
	"github.com/finsight-ai/finsight/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the FinSight agent server",
		Long: `Start the agent server.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Open the session store (memory, sqlite, or postgres)
3. Register the finance search, code sandbox, and chart tools
4. Start the HTTP/WebSocket gateway with metrics and health endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (anonymous mode, in-memory sessions)
  finsightd serve

  # Start with a config file
  finsightd serve --config /etc/finsight/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	sweeper := sessions.NewSweeper(store, cfg.Sessions.Retention, cfg.Sessions.SweepSchedule, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start session sweeper: %w", err)
	}
	defer sweeper.Stop()

	localProvider, err := providers.NewLocalProvider(providers.LocalConfig{
		BaseURL: cfg.LLM.Local.BaseURL,
		APIKey:  cfg.LLM.Local.APIKey,
	})
	if err != nil {
		return fmt.Errorf("local provider: %w", err)
	}

	providerMap := map[routing.Provider]agent.LLMProvider{
		routing.ProviderLocal: localProvider,
	}
	if cfg.LLM.Cloud.APIKey != "" {
		cloud, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.LLM.Cloud.APIKey,
			BaseURL:      cfg.LLM.Cloud.BaseURL,
			DefaultModel: cfg.LLM.Cloud.DefaultModel,
		})
		if err != nil {
			return fmt.Errorf("cloud provider: %w", err)
		}
		providerMap[routing.ProviderAnthropic] = cloud
	}

	cloudModel := ""
	if cfg.LLM.Cloud.APIKey != "" {
		cloudModel = cfg.LLM.Cloud.DefaultModel
	}
	resolver := routing.NewResolver(localProvider, cfg.LLM.Local.ProbeTimeout,
		cfg.LLM.PreferredModels, cloudModel, logger)

	registry, cleanup, err := buildRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	defer cleanup()

	authResolver, err := buildAuth(cfg)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Options{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Resolver:  resolver,
		Providers: providerMap,
		Registry:  registry,
		Store:     store,
		Auth:      authResolver,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("finsight.yaml"); err == nil {
			path = "finsight.yaml"
		} else {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Sessions.Backend {
	case "memory", "":
		return sessions.NewMemoryStore(), nil
	case "sqlite":
		return sessions.NewSQLiteStore(cfg.Sessions.SQLitePath)
	case "postgres":
		pgCfg := sessions.DefaultPostgresConfig()
		pgCfg.MaxOpenConns = cfg.Sessions.MaxConnections
		pgCfg.ConnMaxLifetime = cfg.Sessions.ConnMaxLifetime
		return sessions.NewPostgresStore(cfg.Sessions.PostgresURL, pgCfg)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Sessions.Backend)
	}
}

func buildRegistry(cfg *config.Config, logger *observability.Logger) (*agent.Registry, func(), error) {
	registry := agent.NewRegistry()
	cleanup := func() {}

	if err := charts.Register(registry); err != nil {
		return nil, cleanup, err
	}

	if cfg.Tools.FinanceSearch.Enabled {
		search := financesearch.New(financesearch.Config{
			BaseURL: cfg.Tools.FinanceSearch.BaseURL,
			APIKey:  cfg.Tools.FinanceSearch.APIKey,
			Timeout: cfg.Tools.Timeout,
		})
		if err := search.Register(registry); err != nil {
			return nil, cleanup, err
		}
	}

	if cfg.Tools.Sandbox.Enabled {
		pool := sandbox.NewPool(func() (sandbox.Runner, error) {
			return sandbox.NewProcessRunner("python3", cfg.Tools.Sandbox.Timeout)
		}, sandbox.PoolConfig{MaxSize: cfg.Tools.Sandbox.PoolSize}, logger)
		if err := sandbox.NewTool(pool).Register(registry); err != nil {
			return nil, cleanup, err
		}
		cleanup = pool.Close
	}

	return registry, cleanup, nil
}

func buildAuth(cfg *config.Config) (*auth.Resolver, error) {
	if cfg.Auth.Mode != "jwt" {
		return auth.NewResolver(auth.ModeAnonymous, nil), nil
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required in jwt mode")
	}
	return auth.NewResolver(auth.ModeJWT,
		auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)), nil
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		email      string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a jwt-mode deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			if userID == "" {
				return errors.New("--user is required")
			}

			svc := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
			token, err := svc.Generate(&models.User{ID: userID, Email: email, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "Subject user id")
	cmd.Flags().StringVar(&email, "email", "", "User email claim")
	cmd.Flags().StringVar(&name, "name", "", "User display name claim")
	return cmd
}
