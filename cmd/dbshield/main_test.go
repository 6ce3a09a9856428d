package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonwraymond/dbshield/docdb/memdb"
	"github.com/jonwraymond/dbshield/health"
	"github.com/jonwraymond/dbshield/perf"
	"github.com/jonwraymond/dbshield/pool"
	"github.com/jonwraymond/dbshield/resilience"
	"github.com/jonwraymond/dbshield/shield"
)

func newTestServer(t *testing.T) (*httptest.Server, *memdb.Store) {
	t.Helper()
	store := memdb.New("userId")
	seedDemo(store)

	svc, err := shield.New(context.Background(), store, shield.Config{
		Pool: pool.Config{
			MinSize:             1,
			MaxSize:             2,
			HealthCheckInterval: -1,
			ShutdownTimeout:     100 * time.Millisecond,
			OpenRetry:           resilience.RetryConfig{MaxAttempts: 1},
			Breaker:             resilience.CircuitBreakerConfig{FailureThreshold: 1},
		},
		Monitor: perf.Config{AggregationInterval: -1},
	})
	if err != nil {
		t.Fatalf("shield.New() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	agg := health.NewAggregator()
	agg.Register("pool", svc.HealthChecker())

	srv := httptest.NewServer(newRouter(svc, agg, time.Hour))
	t.Cleanup(srv.Close)
	return srv, store
}

type itemsResponse struct {
	Items     []map[string]any `json:"items"`
	FromCache bool             `json:"from_cache"`
	Cost      float64          `json:"cost"`
}

func getItems(t *testing.T, srv *httptest.Server, query string) (int, itemsResponse) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/items?" + query)
	if err != nil {
		t.Fatalf("GET /items error = %v", err)
	}
	defer resp.Body.Close()

	var body itemsResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error = %v", err)
		}
	}
	return resp.StatusCode, body
}

func TestRouter_ItemsServedFromCache(t *testing.T) {
	srv, store := newTestServer(t)

	code, first := getItems(t, srv, "type=THREAD&userId=123")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(first.Items) != 2 || first.FromCache {
		t.Fatalf("first = %+v, want 2 uncached items", first)
	}

	_, second := getItems(t, srv, "userId=123&type=THREAD")
	if !second.FromCache || second.Cost != 0 {
		t.Errorf("second = %+v, want cached with zero cost", second)
	}
	if store.QueryCount() != 1 {
		t.Errorf("QueryCount() = %d, want 1", store.QueryCount())
	}
}

func TestRouter_ItemsRejectsBadFieldName(t *testing.T) {
	srv, _ := newTestServer(t)

	code, _ := getItems(t, srv, "c.type%3D1=x")
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestRouter_UnavailableWhenBreakerOpen(t *testing.T) {
	srv, store := newTestServer(t)
	store.FailNext(1, errors.New("down"))

	if code, _ := getItems(t, srv, "type=THREAD"); code != http.StatusInternalServerError {
		t.Fatalf("first status = %d, want 500", code)
	}

	resp, err := http.Get(srv.URL + "/items?type=MESSAGE")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestRouter_DeleteInvalidates(t *testing.T) {
	srv, store := newTestServer(t)
	getItems(t, srv, "type=THREAD&userId=123")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/items/t2?partitionKey=123&type=THREAD", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	_, after := getItems(t, srv, "type=THREAD&userId=123")
	if after.FromCache || len(after.Items) != 1 {
		t.Errorf("after delete = %+v, want 1 fresh item", after)
	}
	if store.QueryCount() != 2 {
		t.Errorf("QueryCount() = %d, want 2", store.QueryCount())
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/items/t2?partitionKey=123", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestRouter_InvalidateAndReports(t *testing.T) {
	srv, _ := newTestServer(t)
	getItems(t, srv, "type=THREAD&userId=123")

	resp, err := http.Post(srv.URL+"/invalidate?pattern=THREAD", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	var removed map[string]int
	_ = json.NewDecoder(resp.Body).Decode(&removed)
	resp.Body.Close()
	if removed["removed"] != 1 {
		t.Errorf("removed = %v, want 1", removed)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/report", "Query cache"},
		{"/stats", `"pool"`},
		{"/health", `"pool"`},
		{"/healthz", ""},
		{"/metrics", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			var buf bytes.Buffer
			_, _ = buf.ReadFrom(resp.Body)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("body = %q, want it to contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestRun_BadFlags(t *testing.T) {
	var stderr bytes.Buffer
	if err := run(context.Background(), []string{"-nope"}, &stderr); err == nil {
		t.Fatal("run() error = nil, want flag error")
	}
}

func TestRun_MissingConfig(t *testing.T) {
	var stderr bytes.Buffer
	err := run(context.Background(), []string{"-config", t.TempDir() + "/missing.yaml"}, &stderr)
	if err == nil {
		t.Fatal("run() error = nil, want read error")
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-addr", "127.0.0.1:0"}, &bytes.Buffer{})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
