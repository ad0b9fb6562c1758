package extraction

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
)

func TestArticlePayload(t *testing.T) {
	t.Parallel()

	raw := `{
		"title": "  Rates Rise Again ",
		"content": "<p>Body</p>",
		"ingress": "Lead",
		"authors": [{"name": "Ada"}, {"name": " "}, {"name": "Grace"}],
		"keywords": ["rates"],
		"images": [{"url": "https://img/1.jpg", "caption": "Chart"}, {"url": ""}],
		"datePublished": {"dateline": "2024-03-01T10:00:00+02:00"}
	}`
	var a Article
	require.NoError(t, json.Unmarshal([]byte(raw), &a))

	p := a.Payload()
	require.Equal(t, "Rates Rise Again", p.Title)
	require.Equal(t, "<p>Body</p>", p.Body)
	require.Equal(t, "Lead", p.Summary)
	require.Equal(t, []string{"Ada", "Grace"}, p.Authors)
	require.Equal(t, []orchestrator.Media{{URL: "https://img/1.jpg", Caption: "Chart"}}, p.Media)
	require.NotNil(t, p.PublishedAt)
	require.True(t, p.PublishedAt.Equal(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)))
}

func TestArticlePayloadUnparsableDate(t *testing.T) {
	t.Parallel()

	var a Article
	a.DatePublished.Dateline = "yesterday"
	require.Nil(t, a.Payload().PublishedAt)
}

func TestResultFailed(t *testing.T) {
	t.Parallel()

	require.True(t, Result{Status: "FAILED"}.Failed())
	require.True(t, Result{Status: "error"}.Failed())
	require.False(t, Result{Status: "running"}.Failed())
	require.Equal(t, "paywall", Result{Status: "failed", Error: "paywall"}.FailureReason())
	require.Equal(t, "job error", Result{Status: "Error"}.FailureReason())
}

func TestSubmitResponseJobID(t *testing.T) {
	t.Parallel()

	var nested, flat SubmitResponse
	require.NoError(t, json.Unmarshal([]byte(`{"request":{"id":"job-1"}}`), &nested))
	require.NoError(t, json.Unmarshal([]byte(`{"id":"job-2"}`), &flat))
	require.Equal(t, "job-1", nested.JobID())
	require.Equal(t, "job-2", flat.JobID())
}
