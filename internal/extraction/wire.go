// Package extraction holds the wire format of the external extraction service,
// shared by the HTTP client and the push consumers.
package extraction

import (
	"strings"
	"time"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
)

// ArticleType is the only job type this orchestrator submits.
const ArticleType = "ARTICLE"

// ClientData is echoed back by the service on every notification.
type ClientData struct {
	ClientID           string `json:"clientId"`
	ListeningAttribute string `json:"listeningAttribute"`
	BatchID            string `json:"batchId,omitempty"`
	TaskIndex          *int   `json:"taskIndex,omitempty"`
}

// SubmitBody is the request body of a job submission.
type SubmitBody struct {
	URL        string     `json:"url"`
	Type       string     `json:"type"`
	ClientData ClientData `json:"clientData"`
}

// SubmitResponse accepts both the flat and the nested id layouts.
type SubmitResponse struct {
	ID      string `json:"id"`
	Request struct {
		ID string `json:"id"`
	} `json:"request"`
}

// JobID returns the correlation id carried by the response.
func (r SubmitResponse) JobID() string {
	if r.Request.ID != "" {
		return r.Request.ID
	}
	return r.ID
}

// Author is one article author.
type Author struct {
	Name string `json:"name"`
}

// Image is one media reference.
type Image struct {
	URL     string `json:"url"`
	Caption string `json:"caption"`
}

// Article is the extracted content.
type Article struct {
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Ingress       string   `json:"ingress"`
	Authors       []Author `json:"authors"`
	Keywords      []string `json:"keywords"`
	Images        []Image  `json:"images"`
	DatePublished struct {
		Dateline string `json:"dateline"`
	} `json:"datePublished"`
}

// Result is the document returned by GET /{id}/result and embedded in push events.
type Result struct {
	Status  string   `json:"status,omitempty"`
	Error   string   `json:"error,omitempty"`
	Article *Article `json:"article,omitempty"`
}

// Failed reports whether the service declared the job itself failed.
func (r Result) Failed() bool {
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "failed", "error":
		return true
	}
	return false
}

// FailureReason returns a human readable reason for a failed job.
func (r Result) FailureReason() string {
	if r.Error != "" {
		return r.Error
	}
	if r.Status != "" {
		return "job " + strings.ToLower(r.Status)
	}
	return "job failed"
}

// Payload converts the article into the stored extraction payload.
func (a Article) Payload() orchestrator.ExtractionPayload {
	out := orchestrator.ExtractionPayload{
		Title:    strings.TrimSpace(a.Title),
		Body:     a.Content,
		Summary:  a.Ingress,
		Keywords: a.Keywords,
	}
	for _, author := range a.Authors {
		if name := strings.TrimSpace(author.Name); name != "" {
			out.Authors = append(out.Authors, name)
		}
	}
	for _, img := range a.Images {
		if img.URL == "" {
			continue
		}
		out.Media = append(out.Media, orchestrator.Media{URL: img.URL, Caption: img.Caption})
	}
	if ts, ok := parseDateline(a.DatePublished.Dateline); ok {
		out.PublishedAt = &ts
	}
	return out
}

var datelineLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseDateline(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range datelineLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
