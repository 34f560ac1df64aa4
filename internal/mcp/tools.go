package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/gjson"
)

// RegisterTools registers all harness tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerRuns(s, client)
	registerRunDetail(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebot_status",
		gomcp.WithDescription("Current run status: phase, batch window, vote and probe counters, transaction outcomes and confirmation latency."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Status server unreachable: %v\n\nWas the run started with --listen?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebot_health",
		gomcp.WithDescription("Readiness of the harness: chain RPC and election backend connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		var httpErr *HTTPError
		if err != nil && !errors.As(err, &httpErr) {
			return gomcp.NewToolResultError(fmt.Sprintf("Status server unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerRuns(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebot_runs",
		gomcp.WithDescription("List persisted runs, newest first, with success, failure and critical finding totals (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing runs failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebot_run_detail",
		gomcp.WithDescription("Full report of one run: phases, vote outcome breakdown, security findings and verification mismatches."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/runs/"+url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("votebot_delete_run",
		gomcp.WithDescription("Delete a persisted run with its attempts and probes. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/runs/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

func formatStatus(raw json.RawMessage) string {
	if !gjson.ValidBytes(raw) {
		return "Error parsing status: invalid JSON"
	}
	doc := gjson.ParseBytes(raw)
	p := doc.Get("progress")

	status := p.Get("status").String()
	if status == "" {
		status = "idle"
	}
	lines := joinLines(
		section("Run Status"),
		kv("Run", p.Get("runId").String()),
		kv("Mode", p.Get("mode").String()),
		kv("Status", status),
		kv("Phase", p.Get("phase").String()),
		kv("Window", fmt.Sprintf("%d / %d", p.Get("window").Int(), p.Get("windows").Int())),
		kv("Successes", formatNumber(p.Get("successes").Int())),
		kv("Failures", formatNumber(p.Get("failures").Int())),
		kv("Critical", formatNumber(p.Get("critical").Int())),
		kv("Gas Used", formatNumber(p.Get("gasUsed").Int())),
	)

	lines += counterSection("Vote Outcomes", doc.Get("metrics.votes"))
	lines += counterSection("Security Probes", doc.Get("metrics.probes"))

	doc.Get("metrics.transactions").ForEach(func(_, tx gjson.Result) bool {
		lines += "\n\n" + joinLines(
			section("Transactions: "+tx.Get("kind").String()),
			kv("Confirmed", formatNumber(tx.Get("confirmed").Int())),
			kv("Reverted", formatNumber(tx.Get("reverted").Int())),
			kv("Timed Out", formatNumber(tx.Get("timedOut").Int())),
			kv("Failed", formatNumber(tx.Get("failed").Int())),
			kv("Gas Used", formatNumber(tx.Get("gasUsed").Int())),
		)
		if lat := tx.Get("latency"); lat.Exists() && lat.Get("count").Int() > 0 {
			lines += "\n" + joinLines(
				kv("Latency P50", formatMs(lat.Get("p50").Float())),
				kv("Latency P95", formatMs(lat.Get("p95").Float())),
				kv("Latency Max", formatMs(lat.Get("max").Float())),
			)
		}
		return true
	})

	return lines
}

func formatHealth(raw json.RawMessage) string {
	if !gjson.ValidBytes(raw) {
		return "Error parsing health: invalid JSON"
	}
	doc := gjson.ParseBytes(raw)

	state := "READY"
	if doc.Get("status").String() != "ready" {
		state = "NOT READY"
	}
	lines := section("Harness Health: " + state)

	doc.Get("checks").ForEach(func(_, c gjson.Result) bool {
		line := fmt.Sprintf("  %-15s %s (%dms)", c.Get("name").String(), c.Get("status").String(), c.Get("latency_ms").Int())
		if msg := c.Get("error").String(); msg != "" {
			line += " - " + msg
		}
		lines += "\n" + line
		return true
	})
	return lines
}

func formatRuns(raw json.RawMessage) string {
	if !gjson.ValidBytes(raw) {
		return "Error parsing runs: invalid JSON"
	}
	doc := gjson.ParseBytes(raw)

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(doc.Get("total").Int())),
	) + "\n\n"

	runs := doc.Get("runs").Array()
	if len(runs) == 0 {
		return lines + "No runs found."
	}
	for _, r := range runs {
		lines += fmt.Sprintf("### %s\n", r.Get("id").String())
		lines += joinLines(
			kv("Mode", r.Get("mode").String()),
			kv("Status", r.Get("status").String()),
			kv("Started", formatTime(r.Get("startedAt").String())),
			kv("Successes", formatNumber(r.Get("totals.successes").Int())),
			kv("Failures", formatNumber(r.Get("totals.failures").Int())),
			kv("Critical", formatNumber(r.Get("totals.critical").Int())),
		)
		lines += "\n\n"
	}
	return strings.TrimRight(lines, "\n")
}

const maxListed = 20

func formatRunDetail(raw json.RawMessage) string {
	if !gjson.ValidBytes(raw) {
		return "Error parsing run: invalid JSON"
	}
	run := gjson.ParseBytes(raw)
	if !run.Get("id").Exists() {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+run.Get("id").String()),
		kv("Mode", run.Get("mode").String()),
		kv("Status", run.Get("status").String()),
		kv("Chain", run.Get("chainId").String()),
		kv("Contract", run.Get("contract").String()),
		kv("Started", formatTime(run.Get("startedAt").String())),
		kv("Finished", formatTime(run.Get("finishedAt").String())),
		kv("Successes", formatNumber(run.Get("totals.successes").Int())),
		kv("Failures", formatNumber(run.Get("totals.failures").Int())),
		kv("Retries", formatNumber(run.Get("totals.retries").Int())),
		kv("Critical", formatNumber(run.Get("totals.critical").Int())),
		kv("Gas Used", formatNumber(run.Get("totals.gasUsed").Int())),
	)
	if msg := run.Get("error").String(); msg != "" {
		lines += "\n" + kv("Error", msg)
	}

	lines += "\n\n" + section("Phases")
	run.Get("phases").ForEach(func(_, ph gjson.Result) bool {
		if ph.Get("skipped").Bool() {
			lines += fmt.Sprintf("\n  %-10s skipped", ph.Get("phase").String())
			return true
		}
		lines += fmt.Sprintf("\n  %-10s %d ok, %d failed (%s)",
			ph.Get("phase").String(), ph.Get("successes").Int(), ph.Get("failures").Int(),
			time.Duration(ph.Get("duration").Int()).Round(time.Millisecond))
		return true
	})

	if attempts := run.Get("attempts").Array(); len(attempts) > 0 {
		counts := make(map[string]int64)
		for _, a := range attempts {
			key := a.Get("outcome").String()
			if reason := a.Get("reason").String(); reason != "" {
				key += " (" + reason + ")"
			}
			counts[key]++
		}
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines += "\n\n" + section("Vote Outcomes")
		for _, k := range keys {
			lines += "\n" + kv(k, formatNumber(counts[k]))
		}
	}

	critical := run.Get(`probes.#(severity=="critical")#`).Array()
	if len(critical) > 0 {
		lines += "\n\n" + section(fmt.Sprintf("CRITICAL Findings (%d)", len(critical)))
		for i, p := range critical {
			if i == maxListed {
				lines += fmt.Sprintf("\n... and %d more", len(critical)-maxListed)
				break
			}
			lines += fmt.Sprintf("\n  %s on %s: %s", p.Get("voterAddress").String(), p.Get("electionUuid").String(), p.Get("actual").String())
		}
	}

	var mismatches []gjson.Result
	for _, v := range run.Get("verification").Array() {
		if !v.Get("match").Bool() {
			mismatches = append(mismatches, v)
		}
	}
	if len(mismatches) > 0 {
		lines += "\n\n" + section(fmt.Sprintf("Verification Mismatches (%d)", len(mismatches)))
		for i, v := range mismatches {
			if i == maxListed {
				lines += fmt.Sprintf("\n... and %d more", len(mismatches)-maxListed)
				break
			}
			lines += fmt.Sprintf("\n  %s position %d: %d on chain, %d expected",
				v.Get("electionUuid").String(), v.Get("position").Int(), v.Get("totalVotes").Int(), v.Get("expected").Int())
		}
	}

	return lines
}

// counterSection renders a JSON object of counters, keys sorted.
func counterSection(title string, obj gjson.Result) string {
	m := obj.Map()
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "\n\n" + section(title)
	for _, k := range keys {
		out += "\n" + kv(k, formatNumber(m[k].Int()))
	}
	return out
}

func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return s
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
