package mcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-45000, "-45,000"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClientGetAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/status":
			w.Write([]byte(`{"progress":{"status":"running"}}`))
		case "/ready":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not_ready"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	raw, err := c.Get(context.Background(), "/v1/status")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !strings.Contains(string(raw), "running") {
		t.Errorf("body = %s", raw)
	}

	raw, err = c.Get(context.Background(), "/ready")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected HTTPError 503, got %v", err)
	}
	if !strings.Contains(string(raw), "not_ready") {
		t.Errorf("error response body not returned: %s", raw)
	}

	if _, err := c.Delete(context.Background(), "/v1/runs/x"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestFormatStatus(t *testing.T) {
	raw := []byte(`{
		"progress": {"runId": "r1", "mode": "full", "status": "running", "phase": "vote",
			"window": 3, "windows": 10, "successes": 1200, "failures": 4, "critical": 0, "gasUsed": 96000000},
		"metrics": {
			"transactions": [{"kind": "vote", "confirmed": 1200, "reverted": 4, "timedOut": 0, "failed": 0, "gasUsed": 96000000,
				"latency": {"count": 1200, "p50": 1500, "p95": 4200, "max": 9000}}],
			"votes": {"success": 1200, "rejected:already_voted": 4},
			"probes": {"none": 30}
		}
	}`)
	out := formatStatus(raw)
	for _, want := range []string{
		"## Run Status",
		"3 / 10",
		"1,200",
		"96,000,000",
		"## Vote Outcomes",
		"rejected:already_voted",
		"## Security Probes",
		"## Transactions: vote",
		"4200.0ms",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	if out := formatStatus([]byte(`{"progress":{}}`)); !strings.Contains(out, "idle") {
		t.Errorf("empty progress should read idle:\n%s", out)
	}
	if out := formatStatus([]byte(`not json`)); !strings.HasPrefix(out, "Error parsing") {
		t.Errorf("invalid JSON output = %q", out)
	}
}

func TestFormatHealth(t *testing.T) {
	out := formatHealth([]byte(`{"status":"not_ready","checks":[
		{"name":"rpc","status":"ok","latency_ms":3},
		{"name":"backend","status":"failed","latency_ms":5000,"error":"timeout"}]}`))
	if !strings.Contains(out, "NOT READY") || !strings.Contains(out, "backend") || !strings.Contains(out, "- timeout") {
		t.Errorf("unexpected health output:\n%s", out)
	}
}

func TestFormatRuns(t *testing.T) {
	if out := formatRuns([]byte(`{"runs":[],"total":0}`)); !strings.Contains(out, "No runs found.") {
		t.Errorf("empty output:\n%s", out)
	}

	out := formatRuns([]byte(`{"total":1,"runs":[{"id":"abc","mode":"vote","status":"completed",
		"startedAt":"2026-10-19T12:00:00Z","totals":{"successes":5,"failures":1,"critical":0}}]}`))
	for _, want := range []string{"### abc", "2026-10-19 12:00:00", "completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("runs output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatRunDetail(t *testing.T) {
	raw := []byte(`{
		"id": "abc", "mode": "full", "status": "completed", "chainId": 31337, "contract": "0x1",
		"phases": [{"phase": "fund", "skipped": true}, {"phase": "vote", "successes": 2, "failures": 1, "duration": 1500000000}],
		"attempts": [{"outcome": "success"}, {"outcome": "success"}, {"outcome": "rejected", "reason": "already_voted"}],
		"probes": [
			{"severity": "none", "actual": "denied"},
			{"severity": "critical", "actual": "vote_accepted", "voterAddress": "0xbad", "electionUuid": "e1"}
		],
		"verification": [
			{"electionUuid": "e1", "position": 0, "totalVotes": 2, "expected": 2, "match": true},
			{"electionUuid": "e1", "position": 1, "totalVotes": 1, "expected": 2, "match": false}
		],
		"totals": {"successes": 2, "failures": 1, "critical": 1}
	}`)
	out := formatRunDetail(raw)
	for _, want := range []string{
		"## Run: abc",
		"fund       skipped",
		"vote       2 ok, 1 failed (1.5s)",
		"rejected (already_voted)",
		"CRITICAL Findings (1)",
		"0xbad on e1: vote_accepted",
		"Verification Mismatches (1)",
		"e1 position 1: 1 on chain, 2 expected",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("detail output missing %q:\n%s", want, out)
		}
	}

	if out := formatRunDetail([]byte(`{}`)); out != "Run not found" {
		t.Errorf("missing id output = %q", out)
	}
}
