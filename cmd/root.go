package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/config"
	"github.com/JakeFAU/article-batch-orchestrator/internal/logging"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/server"
)

type envKeyType string

const envKey envKeyType = "env"

// env carries what subcommands share: loaded config and a logger.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

// Factories are variables so tests can inject in-memory backends.
var (
	openStore = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (server.Store, func(context.Context) error, error) {
		return server.OpenStore(ctx, cfg, logger)
	}
	openArtifacts = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (orchestrator.ArtifactStore, func(context.Context) error, error) {
		return server.OpenArtifacts(ctx, cfg, logger)
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Fan-out/fan-in orchestrator for batched article extraction.",
		Long: `orchestrator submits every URL of a batch to the extraction service, reconciles
completions by polling and push, and once all URLs of a batch are settled renders
one PDF artifact and publishes it to durable storage.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: &cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the ORCHESTRATOR_ prefix")

	cmd.AddCommand(newServeCmd(), newSubmitCmd(), newBatchCmd(), newArtifactsCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, fn func(e *env, s server.Store) error) error {
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	s, closeFn, err := openStore(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(context.WithoutCancel(ctx)); cerr != nil {
			e.logger.Warn("close store failed", zap.Error(cerr))
		}
	}()
	return fn(e, s)
}

// withArtifacts opens the configured blob store for the duration of fn.
func withArtifacts(ctx context.Context, fn func(e *env, s orchestrator.ArtifactStore) error) error {
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	s, closeFn, err := openArtifacts(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(context.WithoutCancel(ctx)); cerr != nil {
			e.logger.Warn("close artifact store failed", zap.Error(cerr))
		}
	}()
	return fn(e, s)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
