// Command agentcore runs the agent orchestration runtime as an HTTP service.
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

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/agentcore/checkpoint"
	"github.com/hupe1980/agentcore/config"
	"github.com/hupe1980/agentcore/engine"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/provider"
	"github.com/hupe1980/agentcore/provider/anthropic"
	"github.com/hupe1980/agentcore/provider/openai"
	"github.com/hupe1980/agentcore/server"
	"github.com/hupe1980/agentcore/tool"
	"github.com/hupe1980/agentcore/verify"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "Agent orchestration runtime",
	Long: `Agentcore turns one user request into a bounded sequence of model
reasoning steps and tool invocations, with durable checkpointing, circuit
breaking around tools and tiered multi-provider routing.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Logging)

	store, err := newStore(cfg.Checkpoint, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry := tool.NewRegistry(func(o *tool.RegistryOptions) { o.Logger = logger })

	router := provider.NewRouter(func(o *provider.RouterOptions) {
		o.Logger = logger
		o.GenerateTimeout = cfg.Provider.GenerateTimeout
		o.MaxConsecutiveFailures = cfg.Provider.MaxFailures
		o.UnhealthyCooldown = cfg.Provider.Cooldown
	})
	if err := registerProviders(router, cfg.Provider); err != nil {
		return err
	}

	eng := engine.New(store, registry, router, func(o *engine.Options) {
		o.MaxIterations = cfg.Engine.MaxIterations
		o.ContextWindow = cfg.Engine.ContextWindow
		o.ErrorWindow = cfg.Engine.ErrorWindow
		o.Logger = logger
		if cfg.Engine.SystemPrompt != "" {
			o.Instructions = cfg.Engine.SystemPrompt
		}
		if cfg.Verify.Enabled {
			o.VerifyFinal = true
			o.Verifier = verify.NewVerifier(func(vo *verify.Options) {
				vo.Samples = cfg.Verify.Samples
				vo.Logger = logger
			})
			o.VerifySamples = cfg.Verify.Samples
			o.EscalationPolicy = verify.ThresholdPolicy(cfg.Verify.Threshold)
		}
	})

	// Threads interrupted by a previous crash resume on their next request.
	if resumable, err := store.Resumable(ctx); err == nil && len(resumable) > 0 {
		logger.Info("recovery scan found resumable threads", "count", len(resumable))
	}

	srv := server.New(eng, store, registry, router, func(o *server.Options) { o.Logger = logger })
	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LoggingConfig) logging.Logger {
	level := logging.LogLevelInfo
	switch cfg.Level {
	case "debug":
		level = logging.LogLevelDebug
	case "warn":
		level = logging.LogLevelWarn
	case "error":
		level = logging.LogLevelError
	}
	return logging.NewSlogLogger(level, cfg.Format, false)
}

func newStore(cfg config.CheckpointConfig, logger logging.Logger) (checkpoint.Store, error) {
	if cfg.Backend == "memory" {
		return checkpoint.NewInMemoryStore(), nil
	}
	return checkpoint.NewSQLiteStore(cfg.Path, func(o *checkpoint.SQLiteOptions) {
		o.Logger = logger
	})
}

// registerProviders wires the configured endpoints into per-tier fallback
// chains, in the order the config lists them.
func registerProviders(router *provider.Router, cfg config.ProviderConfig) error {
	for tierName, chain := range cfg.Chains {
		tier, err := provider.ParseTier(tierName)
		if err != nil {
			return err
		}
		for _, name := range chain {
			ep := cfg.Endpoints[name]
			model, err := newModel(ep)
			if err != nil {
				return fmt.Errorf("endpoint %q: %w", name, err)
			}
			if err := router.Register(name, tier, model); err != nil {
				return err
			}
		}
	}
	return nil
}

func newModel(ep config.EndpointConfig) (provider.Model, error) {
	switch ep.Vendor {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if ep.Model != "" {
				o.Model = ep.Model
			}
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if ep.Model != "" {
				o.Model = anthropicsdk.Model(ep.Model)
			}
		}), nil
	case "mock":
		return provider.NewMockModel(ep.Model), nil
	default:
		return nil, fmt.Errorf("unknown vendor %q", ep.Vendor)
	}
}
