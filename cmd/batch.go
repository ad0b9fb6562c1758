package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/server"
	"github.com/JakeFAU/article-batch-orchestrator/internal/store"
)

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Inspect and repair batches",
	}
	cmd.AddCommand(newBatchStatusCmd(), newBatchRequeueCmd())
	return cmd
}

type taskView struct {
	Index     int                    `json:"index"`
	URL       string                 `json:"url"`
	State     orchestrator.TaskState `json:"state"`
	Attempts  int                    `json:"attempts,omitempty"`
	Requeues  int                    `json:"requeues,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
}

type batchView struct {
	ID                string                         `json:"id"`
	OwnerProject      string                         `json:"owner_project"`
	Kind              orchestrator.ArtifactKind      `json:"kind"`
	SubmittedAt       time.Time                      `json:"submitted_at"`
	Counts            map[orchestrator.TaskState]int `json:"counts"`
	AllTasksTerminal  bool                           `json:"all_tasks_terminal"`
	ArtifactStored    bool                           `json:"artifact_stored"`
	ArtifactLocation  string                         `json:"artifact_location,omitempty"`
	ResultsCleaned    bool                           `json:"results_cleaned"`
	ArtifactPublished bool                           `json:"artifact_published"`
	NeedsAttention    bool                           `json:"needs_attention"`
	AttentionReason   string                         `json:"attention_reason,omitempty"`
	Tasks             []taskView                     `json:"tasks"`
}

func viewOf(b orchestrator.Batch) batchView {
	v := batchView{
		ID:                b.ID,
		OwnerProject:      b.OwnerProject,
		Kind:              b.Kind,
		SubmittedAt:       b.SubmittedAt,
		Counts:            b.Counts(),
		AllTasksTerminal:  b.AllTasksTerminal,
		ArtifactStored:    b.ArtifactStored,
		ArtifactLocation:  b.ArtifactLocation,
		ResultsCleaned:    b.ResultsCleaned,
		ArtifactPublished: b.ArtifactPublished,
		NeedsAttention:    b.NeedsAttention,
		AttentionReason:   b.AttentionReason,
		Tasks:             make([]taskView, 0, len(b.Tasks)),
	}
	for _, t := range b.Tasks {
		v.Tasks = append(v.Tasks, taskView{
			Index:     t.Index,
			URL:       t.URL,
			State:     t.State,
			Attempts:  t.Attempts,
			Requeues:  t.Requeues,
			LastError: t.LastError,
		})
	}
	return v
}

func newBatchStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status BATCH_ID",
		Short: "Print a batch with its task states as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *env, s server.Store) error {
				b, err := s.GetBatch(cmd.Context(), args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("batch %s not found", args[0])
				}
				if err != nil {
					return fmt.Errorf("get batch: %w", err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(viewOf(b))
			})
		},
	}
}

func newBatchRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue BATCH_ID",
		Short: "Reset the failed tasks of a batch to waiting and clear its attention flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(e *env, s server.Store) error {
				n, err := s.RequeueFailedTasks(cmd.Context(), args[0], time.Now().UTC())
				switch {
				case errors.Is(err, store.ErrNotFound):
					return fmt.Errorf("batch %s not found", args[0])
				case errors.Is(err, store.ErrConflict):
					return fmt.Errorf("batch %s has passed the barrier and cannot be requeued", args[0])
				case err != nil:
					return fmt.Errorf("requeue batch: %w", err)
				}
				e.logger.Info("batch requeued", zap.String("batch_id", args[0]), zap.Int("tasks", n))
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "requeued %d task(s)\n", n)
				return err
			})
		},
	}
}
