package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/article-batch-orchestrator/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, push consumers and HTTP server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), e.cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run application: %w", err)
			}
			return nil
		},
	}
}
