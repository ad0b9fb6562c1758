package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/server"
)

// batchIDs issues batch ids; UUIDv7 keeps them in submission order.
var batchIDs orchestrator.IDGenerator = uuid.New()

func newSubmitCmd() *cobra.Command {
	var (
		owner string
		kind  string
		file  string
	)
	cmd := &cobra.Command{
		Use:   "submit [flags] URL...",
		Short: "Create a batch whose tasks all start waiting",
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := append([]string(nil), args...)
			if file != "" {
				fromFile, err := readURLFile(file)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			batch, err := buildBatch(owner, kind, urls, time.Now().UTC())
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(e *env, s server.Store) error {
				if err := s.CreateBatch(cmd.Context(), batch); err != nil {
					return fmt.Errorf("create batch: %w", err)
				}
				e.logger.Info("batch submitted",
					zap.String("batch_id", batch.ID),
					zap.String("owner", batch.OwnerProject),
					zap.String("kind", string(batch.Kind)),
					zap.Int("tasks", len(batch.Tasks)))
				_, err := fmt.Fprintln(cmd.OutOrStdout(), batch.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owning project")
	cmd.Flags().StringVar(&kind, "kind", string(orchestrator.KindFullConversion), "artifact kind: full_conversion or text_only")
	cmd.Flags().StringVar(&file, "file", "", "read URLs from a file, one per line")
	return cmd
}

func buildBatch(owner, rawKind string, urls []string, now time.Time) (orchestrator.Batch, error) {
	if strings.TrimSpace(owner) == "" {
		return orchestrator.Batch{}, errors.New("--owner is required")
	}
	kind, ok := orchestrator.ParseArtifactKind(rawKind)
	if !ok {
		return orchestrator.Batch{}, fmt.Errorf("unknown kind %q", rawKind)
	}
	if len(urls) == 0 {
		return orchestrator.Batch{}, errors.New("at least one URL required")
	}
	tasks := make([]orchestrator.UrlTask, 0, len(urls))
	for _, raw := range urls {
		u, err := url.ParseRequestURI(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return orchestrator.Batch{}, fmt.Errorf("invalid URL %q", raw)
		}
		tasks = append(tasks, orchestrator.UrlTask{
			Index: len(tasks),
			URL:   u.String(),
			State: orchestrator.TaskWaiting,
		})
	}
	id, err := batchIDs.NewID()
	if err != nil {
		return orchestrator.Batch{}, err
	}
	return orchestrator.Batch{
		ID:           id,
		OwnerProject: strings.TrimSpace(owner),
		Kind:         kind,
		SubmittedAt:  now,
		Tasks:        tasks,
	}, nil
}

func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return parseURLList(f)
}

// parseURLList reads one URL per line, skipping blank lines and # comments.
func parseURLList(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return out, nil
}
