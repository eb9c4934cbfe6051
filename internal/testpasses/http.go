package testpasses

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/roughmap/pkg/logger"
)

// Submission outcomes.
const (
	resultAccepted  = "accepted"
	resultDuplicate = "duplicate"
	resultFailed    = "failed"
)

// HTTPClient wraps http.Client with timeout
type HTTPClient struct {
	client *http.Client
}

// newHTTPClient creates a new HTTP client with timeout
func newHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

// Get performs a GET request
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.client.Do(req)
}

// Post performs a POST request with JSON body
func (c *HTTPClient) Post(ctx context.Context, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

// getJSON decodes a 200 response into v. Any other status is an error that
// carries the status code.
func (c *HTTPClient) getJSON(ctx context.Context, url string, v any) (int, error) {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(v)
}

// payload builds the request path and body of p for the configured mode.
func payload(mode string, p Pass) (string, any) {
	if mode == ModeTraces {
		body := traceBody{
			ID:        p.ID,
			CityID:    p.CityID,
			CellID:    p.CellID,
			CreatedAt: p.CreatedAt,
			Samples:   p.Samples,
		}
		body.Geometry.Centroid.Lat = p.CentroidLat
		body.Geometry.Centroid.Lng = p.CentroidLng
		return "/traces", body
	}
	scored := p
	scored.Samples = nil
	return "/passes", scored
}

// submitPasses submits every pass and then the duplicate resubmissions
// concurrently using a worker pool.
func submitPasses(ctx context.Context, config *Config, plan *Plan, stats *Stats) error {
	log := logger.Get().Named("submit")
	jobs := make([]Pass, 0, len(plan.Passes)+len(plan.Duplicates))
	jobs = append(jobs, plan.Passes...)
	for _, i := range plan.Duplicates {
		jobs = append(jobs, plan.Passes[i])
	}
	log.Info(ctx, "submitting passes",
		logger.Int("jobs", len(jobs)),
		logger.Int("workers", config.Workers),
		logger.String("mode", config.Mode))

	client := newHTTPClient(config.Timeout)

	var (
		accepted  int64
		duplicate int64
		failed    int64
		submitted int64
	)

	// First submissions finish before any resubmission starts so every
	// duplicate hits a stored pass.
	run := func(batch []Pass) {
		ch := make(chan Pass, config.Workers*WorkerChannelMultiplier)
		var wg sync.WaitGroup
		for i := 0; i < config.Workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for p := range ch {
					res := submitSinglePass(ctx, client, config, p)
					n := atomic.AddInt64(&submitted, 1)
					switch res {
					case resultAccepted:
						atomic.AddInt64(&accepted, 1)
					case resultDuplicate:
						atomic.AddInt64(&duplicate, 1)
					default:
						atomic.AddInt64(&failed, 1)
					}
					if config.Verbose && n%1000 == 0 {
						log.Info(ctx, "progress",
							logger.Int64("submitted", n),
							logger.Int64("accepted", atomic.LoadInt64(&accepted)),
							logger.Int64("duplicate", atomic.LoadInt64(&duplicate)),
							logger.Int64("failed", atomic.LoadInt64(&failed)))
					}
				}
			}()
		}
	feed:
		for _, p := range batch {
			select {
			case <-ctx.Done():
				break feed
			case ch <- p:
			}
		}
		close(ch)
		wg.Wait()
	}
	run(jobs[:len(plan.Passes)])
	run(jobs[len(plan.Passes):])

	stats.PassesSubmitted = int(atomic.LoadInt64(&submitted))
	stats.PassesAccepted = int(atomic.LoadInt64(&accepted))
	stats.PassesDuplicate = int(atomic.LoadInt64(&duplicate))
	stats.PassesFailed = int(atomic.LoadInt64(&failed))

	log.Info(ctx, "submission completed",
		logger.Int("accepted", stats.PassesAccepted),
		logger.Int("duplicate", stats.PassesDuplicate),
		logger.Int("failed", stats.PassesFailed))
	return ctx.Err()
}

// submitSinglePass posts one pass and classifies the answer.
func submitSinglePass(ctx context.Context, client *HTTPClient, config *Config, p Pass) string {
	path, body := payload(config.Mode, p)
	resp, err := client.Post(ctx, config.BaseURL+path, body)
	if err != nil {
		return resultFailed
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return resultAccepted
	case http.StatusOK:
		return resultDuplicate
	default:
		if config.Verbose {
			logger.Get().Warn(ctx, "pass rejected",
				logger.String("passId", p.ID),
				logger.Int("status", resp.StatusCode))
		}
		return resultFailed
	}
}
