// Package httpclient implements orchestrator.ExtractionClient over the
// extraction service's HTTP API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/article-batch-orchestrator/internal/extraction"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
)

const maxBodyBytes = 8 << 20

// Config controls the client.
type Config struct {
	BaseURL            string        `mapstructure:"base_url"`
	ClientID           string        `mapstructure:"client_id"`
	ListeningAttribute string        `mapstructure:"listening_attribute"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RPS                float64       `mapstructure:"rps"`
	Burst              int           `mapstructure:"burst"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// Client talks to the extraction service.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("extraction base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse extraction base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Transport: newHTTPTransport()},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("extraction"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ClientData returns the identity echoed back on notifications.
func (c *Client) ClientData() extraction.ClientData {
	return extraction.ClientData{ClientID: c.cfg.ClientID, ListeningAttribute: c.cfg.ListeningAttribute}
}

// Submit posts a new extraction job and returns its correlation id.
func (c *Client) Submit(ctx context.Context, req orchestrator.SubmitRequest) (string, error) {
	clientData := c.ClientData()
	clientData.BatchID = req.BatchID
	idx := req.TaskIndex
	clientData.TaskIndex = &idx
	body, err := json.Marshal(extraction.SubmitBody{URL: req.URL, Type: extraction.ArticleType, ClientData: clientData})
	if err != nil {
		return "", fmt.Errorf("marshal submit body: %w", err)
	}

	status, data, err := c.do(ctx, http.MethodPost, c.base.String()+"/", bytes.NewReader(body))
	if err != nil {
		return "", orchestrator.Transient("submit", err)
	}
	if status < 200 || status > 299 {
		return "", classifyStatus("submit", status, data)
	}
	var resp extraction.SubmitResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	id := resp.JobID()
	if id == "" {
		return "", errors.New("submit response carries no job id")
	}
	return id, nil
}

// FetchResult pulls the result of a job. It returns orchestrator.ErrNotReady while
// the job runs and a *orchestrator.TerminalTaskError when the job failed.
func (c *Client) FetchResult(ctx context.Context, correlationID string) (orchestrator.ExtractionPayload, error) {
	endpoint := c.base.String() + "/" + url.PathEscape(correlationID) + "/result"
	status, data, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return orchestrator.ExtractionPayload{}, orchestrator.Transient("fetch result", err)
	}
	switch {
	case status == http.StatusAccepted, status == http.StatusNotFound:
		return orchestrator.ExtractionPayload{}, orchestrator.ErrNotReady
	case status == http.StatusGone, status == http.StatusUnprocessableEntity:
		return orchestrator.ExtractionPayload{}, &orchestrator.TerminalTaskError{Reason: statusReason(status, data)}
	case status != http.StatusOK:
		return orchestrator.ExtractionPayload{}, classifyStatus("fetch result", status, data)
	}

	var doc extraction.Result
	if err := json.Unmarshal(data, &doc); err != nil {
		return orchestrator.ExtractionPayload{}, orchestrator.Transient("decode result", err)
	}
	if doc.Failed() {
		return orchestrator.ExtractionPayload{}, &orchestrator.TerminalTaskError{Reason: doc.FailureReason()}
	}
	if doc.Article == nil {
		return orchestrator.ExtractionPayload{}, orchestrator.ErrNotReady
	}
	return doc.Article.Payload(), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("wait for rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func classifyStatus(op string, status int, data []byte) error {
	err := fmt.Errorf("unexpected status %s", statusReason(status, data))
	if status == http.StatusTooManyRequests || status >= 500 {
		return orchestrator.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusReason(status int, data []byte) string {
	snippet := strings.TrimSpace(string(data))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	if snippet == "" {
		return fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	return fmt.Sprintf("%d %s: %s", status, http.StatusText(status), snippet)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
