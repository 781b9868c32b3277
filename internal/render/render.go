// Package render talks to the external document renderer that turns report
// metrics into PDF and Word files.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/metrics"
	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/risk"
)

// maxDocumentSize caps a single rendered document.
const maxDocumentSize = 64 << 20

// Document is the metrics object sent to the renderer. It is opaque to the renderer's caller.
type Document struct {
	ProjectID       string                         `json:"projectId"`
	Version         int                            `json:"version"`
	TaxonomyVersion string                         `json:"taxonomyVersion"`
	Lang            string                         `json:"lang"`
	Classification  risk.Classification            `json:"classification"`
	Thresholds      []risk.Band                    `json:"thresholds"`
	Combined        *risk.ScoreRecord              `json:"combined"`
	ByQuestionnaire map[string]*risk.ScoreRecord   `json:"byQuestionnaire"`
	PrincipleLabels map[string]risk.Classification `json:"principleLabels"`
	Shortfalls      []model.Shortfall              `json:"shortfalls,omitempty"`
	GeneratedAt     time.Time                      `json:"generatedAt"`
}

// Renderer produces one document format from a metrics document.
type Renderer interface {
	Render(ctx context.Context, format model.ArtifactFormat, doc *Document) ([]byte, error)
}

// Client calls a renderer service at POST {baseURL}/render/{format}.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxTries   uint
}

// NewClient creates a Client. timeout bounds each attempt.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxTries:   3,
	}
}

// Render posts doc and returns the document bytes. Server errors are retried with
// exponential backoff; client errors fail at once. Every failure wraps apperr.ErrRenderingFailed.
func (c *Client) Render(ctx context.Context, format model.ArtifactFormat, doc *Document) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}
	url := c.baseURL + "/render/" + string(format)

	start := time.Now()
	out, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.post(ctx, url, body)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	metrics.RenderDuration.WithLabelValues(string(format)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("render %s for project %s v%d: %w: %w",
			format, doc.ProjectID, doc.Version, apperr.ErrRenderingFailed, err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("renderer request failed", "url", url, "error", err)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 500:
		slog.Warn("renderer server error", "url", url, "status", resp.StatusCode)
		return nil, fmt.Errorf("renderer returned %d: %s", resp.StatusCode, snippet(data))
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("renderer returned %d: %s", resp.StatusCode, snippet(data)))
	case len(data) > maxDocumentSize:
		return nil, backoff.Permanent(fmt.Errorf("rendered document exceeds %d bytes", maxDocumentSize))
	case len(data) == 0:
		return nil, backoff.Permanent(errors.New("renderer returned an empty document"))
	}
	return data, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// RenderAll renders every format concurrently. The first failure cancels the others.
func RenderAll(ctx context.Context, r Renderer, doc *Document, formats ...model.ArtifactFormat) (map[model.ArtifactFormat][]byte, error) {
	results := make([][]byte, len(formats))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range formats {
		g.Go(func() error {
			data, err := r.Render(gctx, f, doc)
			if err != nil {
				return err
			}
			results[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[model.ArtifactFormat][]byte, len(formats))
	for i, f := range formats {
		out[f] = results[i]
	}
	return out, nil
}
