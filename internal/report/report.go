// Package report renders run reports for operators: a coloured terminal
// summary and a JSON export.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/gateway-fm/votebot/pkg/types"
)

var (
	green     = color.New(color.FgGreen).SprintFunc()
	red       = color.New(color.FgRed).SprintFunc()
	yellow    = color.New(color.FgYellow).SprintFunc()
	bold      = color.New(color.Bold).SprintFunc()
	boldRed   = color.New(color.Bold, color.FgRed).SprintFunc()
	checkMark = green("✓")
	crossMark = red("✗")
	skipMark  = yellow("○")
	warnMark  = yellow("!")
)

// Exit codes for a finished run.
const (
	ExitOK       = 0
	ExitFailures = 1
	ExitCritical = 2
)

// ExitCode grades a report: critical findings dominate, then a failed or
// cancelled run or any agent failure.
func ExitCode(rep *types.RunReport) int {
	switch {
	case rep.Totals.Critical > 0:
		return ExitCritical
	case rep.Status != types.RunCompleted, rep.Totals.Failures > 0:
		return ExitFailures
	}
	return ExitOK
}

// WriteJSON writes rep as indented JSON.
func WriteJSON(w io.Writer, rep *types.RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// Print writes the terminal summary of rep.
func Print(w io.Writer, rep *types.RunReport) {
	p := &printer{w: w}

	p.line("%s %s (%s)", bold("Run"), rep.ID, rep.Mode)
	p.line("  chain %d, contract %s", rep.ChainID, rep.Contract)
	if !rep.FinishedAt.IsZero() {
		p.line("  took %s", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	}
	p.line("")

	p.line("%s", bold("Phases"))
	for _, ph := range rep.Phases {
		p.phase(ph)
	}

	if rep.Funding != nil {
		p.line("")
		p.funding(rep.Funding)
	}

	if len(rep.Attempts) > 0 {
		p.line("")
		p.line("%s", bold("Votes"))
		for _, rc := range ReasonCounts(rep.Attempts) {
			mark := crossMark
			if rc.Key == string(types.OutcomeSuccess) {
				mark = checkMark
			}
			p.line("  %s %-36s %d", mark, rc.Key, rc.Count)
		}
	}

	if len(rep.Probes) > 0 {
		p.line("")
		p.line("%s", bold("Security probes"))
		p.probes(rep.Probes)
	}

	if len(rep.Verification) > 0 {
		p.line("")
		p.line("%s", bold("Verification"))
		for _, v := range rep.Verification {
			if v.Match {
				p.line("  %s %s position %d: %d on chain, %d expected", checkMark, v.ElectionUUID, v.Position, v.TotalVotes, v.Expected)
				continue
			}
			detail := ""
			if v.Error != "" {
				detail = " (" + v.Error + ")"
			}
			p.line("  %s %s position %d: %d on chain, %d expected%s", warnMark, v.ElectionUUID, v.Position, v.TotalVotes, v.Expected, detail)
		}
	}

	t := rep.Totals
	p.line("")
	switch {
	case t.Critical > 0:
		p.line("%s %d critical security finding(s)", boldRed("CRITICAL"), t.Critical)
	case rep.Status == types.RunCompleted && t.Failures == 0:
		p.line("%s %s", bold("PASSED"), checkMark)
	default:
		p.line("%s run %s", bold("FAILED"), rep.Status)
	}
	p.line("  %d successes, %d failures, %d retries, %d warnings, %d gas", t.Successes, t.Failures, t.Retries, t.Warnings, t.GasUsed)
	if rep.Error != "" {
		p.line("  %s", red(rep.Error))
	}
}

// PrintFunding writes the result of a funding pass.
func PrintFunding(w io.Writer, f *types.FundingReport) {
	(&printer{w: w}).funding(f)
}

// IdentityRow is one line of the identity listing.
type IdentityRow struct {
	Role    types.Role
	Index   int
	Address string
	Funded  bool
	// Balance is nil when it was not requested or the lookup failed.
	Balance *big.Int
}

// PrintIdentities writes the identity pool, one identity per line.
func PrintIdentities(w io.Writer, chainID uint64, rows []IdentityRow) {
	if len(rows) == 0 {
		fmt.Fprintf(w, "no identities for chain %d\n", chainID)
		return
	}
	funded := 0
	for _, r := range rows {
		mark := skipMark
		if r.Funded {
			mark = checkMark
			funded++
		}
		line := fmt.Sprintf("%s %-10s %3d  %s", mark, r.Role, r.Index, r.Address)
		if r.Balance != nil {
			line += "  " + r.Balance.String() + " wei"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%d identities on chain %d, %d funded\n", len(rows), chainID, funded)
}

// PrintRuns writes one line per persisted run, newest first as given.
func PrintRuns(w io.Writer, runs []types.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	for _, r := range runs {
		mark := checkMark
		switch {
		case r.Totals.Critical > 0:
			mark = boldRed("!!")
		case r.Status != types.RunCompleted || r.Totals.Failures > 0:
			mark = crossMark
		}
		fmt.Fprintf(w, "%s %s  %-9s %-9s %s  ok=%d fail=%d crit=%d\n",
			mark, r.ID, r.Mode, r.Status, r.StartedAt.Format(time.RFC3339),
			r.Totals.Successes, r.Totals.Failures, r.Totals.Critical)
	}
}

// Count is one row of a breakdown.
type Count struct {
	Key   string
	Count int
}

// ReasonCounts groups attempts by outcome and reason, largest first.
func ReasonCounts(attempts []types.VoteAttempt) []Count {
	m := make(map[string]int)
	for _, a := range attempts {
		key := string(a.Outcome)
		if a.Reason != "" {
			key += " (" + a.Reason + ")"
		}
		m[key]++
	}
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

type printer struct {
	w io.Writer
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) funding(f *types.FundingReport) {
	p.line("%s", bold("Funding"))
	p.line("  %d funded, %d skipped, %d failed (sent %s of %s wei)", f.Successful, f.Skipped, f.Failed, f.Sent, f.Required)
	for _, ff := range f.Failures {
		p.line("   %s %s[%d] %s: %s", crossMark, ff.Role, ff.Index, ff.Address, ff.Error)
	}
}

func (p *printer) phase(ph types.PhaseReport) {
	if ph.Skipped {
		p.line(" %s %s [skipped]", skipMark, ph.Phase)
		return
	}
	mark := checkMark
	if len(ph.Errors) > 0 || ph.Failures > 0 {
		mark = crossMark
	}
	parts := []string{fmt.Sprintf("%d ok", ph.Successes)}
	if ph.Failures > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", ph.Failures))
	}
	if ph.Retries > 0 {
		parts = append(parts, fmt.Sprintf("%d retries", ph.Retries))
	}
	if ph.Windows > 0 {
		parts = append(parts, fmt.Sprintf("%d windows", ph.Windows))
	}
	if ph.GasUsed > 0 {
		parts = append(parts, fmt.Sprintf("%d gas", ph.GasUsed))
	}
	p.line(" %s %-10s %s (%s)", mark, ph.Phase, strings.Join(parts, ", "), ph.Duration.Round(time.Millisecond))
	const maxErrors = 5
	for i, e := range ph.Errors {
		if i == maxErrors {
			p.line("   ... %d more", len(ph.Errors)-maxErrors)
			break
		}
		p.line("   %s", e)
	}
}

func (p *printer) probes(probes []types.SecurityProbe) {
	var denied, warnings int
	var critical []types.SecurityProbe
	for _, pr := range probes {
		switch pr.Severity {
		case types.SeverityCritical:
			critical = append(critical, pr)
		case types.SeverityWarning:
			warnings++
		default:
			if pr.Actual == types.ProbeDenied {
				denied++
			}
		}
	}
	p.line("  %s %d denied", checkMark, denied)
	if warnings > 0 {
		p.line("  %s %d unexpected responses", warnMark, warnings)
	}
	for _, c := range critical {
		detail := c.Actual
		if c.TxHash != "" {
			detail += " tx " + c.TxHash
		}
		p.line("  %s %s on %s: %s", boldRed("CRITICAL"), c.VoterAddress, c.ElectionUUID, detail)
	}
}
