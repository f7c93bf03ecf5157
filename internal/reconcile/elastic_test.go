package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reimportd/internal/reimport"
	"reimportd/internal/task/engine"
)

func TestElasticCounterRequest(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/crossing_index/_search" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "secret" {
			t.Errorf("basic auth=%q/%q ok=%v", u, p, ok)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		_, _ = io.WriteString(w, `{"hits":{"total":{"value":42,"relation":"eq"}}}`)
	}))
	defer srv.Close()

	c, err := NewElasticCounter(ElasticOptions{
		URL: srv.URL, Index: "crossing_index", Query: "(source:SICAM)",
		Username: "admin", Password: "secret", RatePerSec: 100,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n, err := c.Count(context.Background(), reimport.NewDay(2017, time.November, 7))
	if err != nil || n != 42 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	filter := gotBody["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]any)
	term := filter[0].(map[string]any)["term"].(map[string]any)
	if term["_source_last_update"] != "2017-11-07" {
		t.Fatalf("term=%v", term)
	}
	if len(filter) != 2 {
		t.Fatalf("filter=%v", filter)
	}
}

func TestElasticCounterResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		header    string
		want      int64
		wantErr   bool
		noRetry   bool
		retryHint time.Duration
	}{
		{name: "legacy total", status: 200, body: `{"hits":{"total":7}}`, want: 7},
		{name: "object total", status: 200, body: `{"hits":{"total":{"value":0}}}`, want: 0},
		{name: "missing total", status: 200, body: `{"hits":{}}`, wantErr: true, noRetry: true},
		{name: "bad request", status: 400, body: `{"error":"bad"}`, wantErr: true, noRetry: true},
		{name: "throttled", status: 429, header: "3", wantErr: true, retryHint: 3 * time.Second},
		{name: "server error", status: 502, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c, err := NewElasticCounter(ElasticOptions{URL: srv.URL, Index: "idx"})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			n, err := c.Count(context.Background(), reimport.NewDay(2024, 3, 1))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v", err)
			}
			if !tt.wantErr {
				if n != tt.want {
					t.Fatalf("n=%d want %d", n, tt.want)
				}
				return
			}
			if engine.IsNoRetry(err) != tt.noRetry {
				t.Fatalf("no-retry=%v for %v", engine.IsNoRetry(err), err)
			}
			var ra engine.RetryAfterError
			if tt.retryHint > 0 && (!errors.As(err, &ra) || ra.RetryAfter() != tt.retryHint) {
				t.Fatalf("retry hint missing in %v", err)
			}
		})
	}
}

func TestNewElasticCounterValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewElasticCounter(ElasticOptions{URL: "http://x"}); err == nil {
		t.Fatalf("missing index accepted")
	}
}
