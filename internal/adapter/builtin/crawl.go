// Package builtin provides the in-process executors: crawl, analyze and
// benchmark.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/SwarmForge/internal/domain"
	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/port/executor"
)

const (
	userAgent       = "SwarmForge-Worker/1.0"
	maxCrawlBody    = 10 << 20
	defaultCrawlTTL = 10 * time.Second
)

// Crawler fetches a URL and reports what came back. Transport errors are
// reported inside the data, not as an execution failure.
type Crawler struct {
	client *http.Client
	now    func() time.Time
}

var _ executor.Executor = (*Crawler)(nil)

// NewCrawler returns a crawler using client, or a client with a 10s timeout
// when nil.
func NewCrawler(client *http.Client) *Crawler {
	if client == nil {
		client = &http.Client{Timeout: defaultCrawlTTL}
	}
	return &Crawler{client: client, now: time.Now}
}

// Execute performs a GET on params["url"].
func (c *Crawler) Execute(ctx context.Context, req executor.Request) (map[string]any, error) {
	url, _ := req.Params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("crawl: missing url: %w", domain.ErrValidation)
	}
	depth := intParam(req.Params, "depth", 1)

	out := map[string]any{"url": url, "depth": depth}
	status, length, headers, err := c.fetch(ctx, url)
	out["crawled_at"] = task.FormatTimestamp(c.now())
	if err != nil {
		out["error"] = err.Error()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		slog.Debug("crawl request failed", "task_id", req.TaskID, "url", url, "error", err)
		return out, nil
	}
	out["status_code"] = status
	out["content_length"] = length
	out["headers"] = headers
	return out, nil
}

func (c *Crawler) fetch(ctx context.Context, url string) (int, int64, map[string]string, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("create request: %w", err)
	}
	r.Header.Set("User-Agent", userAgent)
	r.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.client.Do(r)
	if err != nil {
		return 0, 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxCrawlBody))
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, 0, nil, fmt.Errorf("read body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return resp.StatusCode, n, headers, nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
