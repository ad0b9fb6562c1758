package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
)

func newArtifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List and delete published artifacts",
	}
	cmd.AddCommand(newArtifactsListCmd(), newArtifactsDeleteCmd())
	return cmd
}

func newArtifactsListCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts under a prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withArtifacts(cmd.Context(), func(_ *env, s orchestrator.ArtifactStore) error {
				objects, err := s.List(cmd.Context(), prefix)
				if err != nil {
					return fmt.Errorf("list artifacts: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tSIZE\tLAST MODIFIED")
				for _, o := range objects {
					fmt.Fprintf(w, "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.UTC().Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix, e.g. pdfs/<owner>/")
	return cmd
}

func newArtifactsDeleteCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete every artifact under a prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if prefix == "" {
				return errors.New("--prefix is required")
			}
			return withArtifacts(cmd.Context(), func(e *env, s orchestrator.ArtifactStore) error {
				n, err := s.Delete(cmd.Context(), prefix)
				if err != nil {
					return fmt.Errorf("delete artifacts: %w", err)
				}
				e.logger.Info("artifacts deleted", zap.String("prefix", prefix), zap.Int("count", n))
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d artifact(s)\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix to delete (required)")
	return cmd
}
