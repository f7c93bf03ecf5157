package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"reimportd/internal/reimport"
	"reimportd/internal/task/engine"
)

const elasticDateLayout = "2006-01-02"

type ElasticOptions struct {
	URL        string
	Index      string
	DateField  string
	Query      string // optional query_string, e.g. "(source:SICAM)"
	Username   string
	Password   string
	RatePerSec int
	Timeout    time.Duration
	Client     *http.Client
}

// ElasticCounter counts documents whose date field equals the day.
type ElasticCounter struct {
	endpoint string
	opt      ElasticOptions
	client   *http.Client
	limiter  *rate.Limiter
}

func NewElasticCounter(opt ElasticOptions) (*ElasticCounter, error) {
	base := strings.TrimRight(strings.TrimSpace(opt.URL), "/")
	if base == "" || strings.TrimSpace(opt.Index) == "" {
		return nil, errors.New("elastic counter: url and index are required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("elastic counter: %w", err)
	}
	if opt.DateField == "" {
		opt.DateField = "_source_last_update"
	}
	client := opt.Client
	if client == nil {
		timeout := opt.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	c := &ElasticCounter{
		endpoint: base + "/" + url.PathEscape(opt.Index) + "/_search",
		opt:      opt,
		client:   client,
	}
	if opt.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opt.RatePerSec), opt.RatePerSec)
	}
	return c, nil
}

func (c *ElasticCounter) body(day reimport.Day) ([]byte, error) {
	filter := []any{
		map[string]any{"term": map[string]any{c.opt.DateField: day.Format(elasticDateLayout)}},
	}
	if q := strings.TrimSpace(c.opt.Query); q != "" {
		filter = append(filter, map[string]any{"query_string": map[string]any{"query": q}})
	}
	return json.Marshal(map[string]any{
		"size":             0,
		"track_total_hits": true,
		"query":            map[string]any{"bool": map[string]any{"filter": filter}},
	})
}

// Count returns hits.total for the day. A 429 or 503 is retryable with the
// server's Retry-After hint; other non-200 answers are not retried.
func (c *ElasticCounter) Count(ctx context.Context, day reimport.Day) (int64, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}
	body, err := c.body(day)
	if err != nil {
		return 0, engine.NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?size=0", bytes.NewReader(body))
	if err != nil {
		return 0, engine.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opt.Username != "" {
		req.SetBasicAuth(c.opt.Username, c.opt.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("downstream count %s: %w", day, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("downstream count %s: %w", day, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		err := fmt.Errorf("downstream count %s: status %d", day, resp.StatusCode)
		return 0, engine.RetryAfter(err, retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("downstream count %s: status %d", day, resp.StatusCode)
	default:
		return 0, engine.NoRetry(fmt.Errorf("downstream count %s: status %d: %s", day, resp.StatusCode, snippet(raw)))
	}

	var out struct {
		Hits struct {
			Total json.RawMessage `json:"total"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, engine.NoRetry(fmt.Errorf("downstream count %s: decode: %w", day, err))
	}
	n, err := parseTotal(out.Hits.Total)
	if err != nil {
		return 0, engine.NoRetry(fmt.Errorf("downstream count %s: %w", day, err))
	}
	return n, nil
}

// parseTotal accepts both the pre-7.0 number and the {"value": n} object.
func parseTotal(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, errors.New("hits.total missing")
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var obj struct {
		Value *int64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Value == nil {
		return 0, fmt.Errorf("hits.total: unexpected %s", snippet(raw))
	}
	return *obj.Value, nil
}

func retryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
