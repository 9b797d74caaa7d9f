package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gftdcojp/agentchan/internal/types"
)

func TestClientSendsIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Agent-ID") != "agent-7" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := &client{addr: srv.URL, agent: "agent-7", token: "tok", http: srv.Client()}
	var out map[string]string
	if err := c.do("GET", "/v1/status", nil, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Fatalf("unexpected response: %v", out)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited","kind":"rate_limited","retry_after_seconds":42}`))
	}))
	defer srv.Close()

	c := &client{addr: srv.URL, http: srv.Client()}
	err := c.do("POST", "/v1/boards/b/threads", map[string]string{"message": "hi"}, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.Kind != "rate_limited" || apiErr.RetryAfter != 42 {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "retry in 42s") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestClientEmptyErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := &client{addr: srv.URL, http: srv.Client()}
	err := c.do("GET", "/v1/boards", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "Bad Gateway") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSummaryTruncates(t *testing.T) {
	got := summary(&types.Post{Message: strings.Repeat("é", 100)})
	if n := len([]rune(got)); n != 60 || !strings.HasSuffix(got, "...") {
		t.Fatalf("summary = %q (%d runes)", got, n)
	}
	if got := summary(&types.Post{Subject: "hello", Message: "body"}); got != "hello" {
		t.Errorf("summary = %q, want subject", got)
	}
}
