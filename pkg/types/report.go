package types

import (
	"fmt"
	"time"
)

// Outcome is the terminal classification of a vote attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRejected         Outcome = "rejected"
	OutcomeTransientFailure Outcome = "transient_failure"
)

// Rejection reasons carried by Rejected vote attempts.
const (
	ReasonAlreadyVoted    = "already_voted"
	ReasonNotEligible     = "not_eligible"
	ReasonNotStarted      = "not_started"
	ReasonEnded           = "election_ended"
	ReasonNoKey           = "no_voter_key"
	ReasonInvalidInput    = "invalid_input"
	ReasonInvalidElection = "invalid_election"
	ReasonReverted        = "reverted"
	ReasonNoOnChainID     = "no_onchain_id"
	ReasonError           = "error"
	ReasonRetriesExceeded = "retries_exhausted"
	ReasonCancelled       = "cancelled"
)

// VoteAttempt records the final state of one voter's attempt on one election.
// AttemptNumber counts how many times the workflow ran (1 means no retries).
type VoteAttempt struct {
	ElectionUUID  string    `json:"electionUuid"`
	VoterAddress  string    `json:"voterAddress"`
	Selections    [][]int   `json:"selections,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	Error         string    `json:"error,omitempty"`
	TxHash        string    `json:"txHash,omitempty"`
	BlockNumber   uint64    `json:"blockNumber,omitempty"`
	GasUsed       uint64    `json:"gasUsed,omitempty"`
	AttemptNumber int       `json:"attemptNumber"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// Retries returns the number of retries after the first attempt.
func (a *VoteAttempt) Retries() int {
	if a.AttemptNumber <= 1 {
		return 0
	}
	return a.AttemptNumber - 1
}

// Severity grades a security probe result.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Probe results observed by ineligible voters.
const (
	ProbeDenied            = "denied"
	ProbeVoterDataReturned = "voter_data_returned"
	ProbeVoteAccepted      = "vote_accepted"
	ProbeUnexpectedError   = "unexpected_error"
	ProbeCancelled         = "cancelled"
)

// SecurityProbe is the outcome of an ineligible identity trying to obtain
// voting access. Expected is always a rejection.
type SecurityProbe struct {
	ElectionUUID string    `json:"electionUuid"`
	VoterAddress string    `json:"voterAddress"`
	Expected     Outcome   `json:"expected"`
	Actual       string    `json:"actual"`
	Severity     Severity  `json:"severity"`
	Detail       string    `json:"detail,omitempty"`
	TxHash       string    `json:"txHash,omitempty"`
	Attempts     int       `json:"attempts"`
	ObservedAt   time.Time `json:"observedAt"`
}

// AgentStats are the per-agent counters collected by the orchestrator.
type AgentStats struct {
	Role      Role            `json:"role"`
	Address   string          `json:"address"`
	Successes int             `json:"successes"`
	Failures  int             `json:"failures"`
	Retries   int             `json:"retries"`
	GasUsed   uint64          `json:"gasUsed"`
	Elections []ElectionSpec  `json:"elections,omitempty"`
	Attempts  []VoteAttempt   `json:"attempts,omitempty"`
	Probes    []SecurityProbe `json:"probes,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
}

// Phase names an orchestrator phase.
type Phase string

const (
	PhaseInitialize Phase = "initialize"
	PhaseProvision  Phase = "provision"
	PhaseFund       Phase = "fund"
	PhaseCreate     Phase = "create"
	PhaseVote       Phase = "vote"
	PhaseSecurity   Phase = "security"
	PhaseVerify     Phase = "verify"
	PhaseSummary    Phase = "report"
)

// RunMode selects which agent phases execute.
type RunMode string

const (
	ModeFull     RunMode = "full"
	ModeCreate   RunMode = "create"
	ModeVote     RunMode = "vote"
	ModeSecurity RunMode = "security"
)

// ParseRunMode validates a mode name. An empty name means full.
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(s) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeCreate, ModeVote, ModeSecurity:
		return RunMode(s), nil
	}
	return "", fmt.Errorf("unknown run mode %q (full, create, vote, security)", s)
}

// Includes reports whether the phase runs in mode m. Initialize, provision and
// report always run; fund is controlled separately by the skip flag.
func (m RunMode) Includes(p Phase) bool {
	switch p {
	case PhaseCreate:
		return m == ModeFull || m == ModeCreate
	case PhaseVote:
		return m == ModeFull || m == ModeVote
	case PhaseSecurity:
		return m == ModeFull || m == ModeSecurity
	case PhaseVerify:
		return m == ModeFull || m == ModeVote
	}
	return true
}

// PhaseReport aggregates one phase.
type PhaseReport struct {
	Phase     Phase         `json:"phase"`
	Skipped   bool          `json:"skipped,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Windows   int           `json:"windows,omitempty"`
	Agents    int           `json:"agents,omitempty"`
	Successes int           `json:"successes"`
	Failures  int           `json:"failures"`
	Retries   int           `json:"retries,omitempty"`
	GasUsed   uint64        `json:"gasUsed,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
}

// FundingFailure is one identity the provisioner could not fund.
type FundingFailure struct {
	Role    Role   `json:"role"`
	Index   int    `json:"index"`
	Address string `json:"address"`
	Error   string `json:"error"`
}

// FundingReport summarizes one funding pass. Amounts are decimal wei strings.
type FundingReport struct {
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Failures   []FundingFailure `json:"failures,omitempty"`
	Required   string           `json:"required"`
	Sent       string           `json:"sent"`
	Duration   time.Duration    `json:"duration"`
}

// VerificationResult compares on-chain tallies with the votes recorded in a run.
type VerificationResult struct {
	ElectionUUID string   `json:"electionUuid"`
	OnChainID    uint64   `json:"onChainId"`
	Position     int      `json:"position"`
	Candidates   []string `json:"candidates,omitempty"`
	Votes        []uint64 `json:"votes,omitempty"`
	TotalVotes   uint64   `json:"totalVotes"`
	Expected     int      `json:"expected"`
	Match        bool     `json:"match"`
	Error        string   `json:"error,omitempty"`
}

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// RunTotals sums successes, failures and gas across all phases.
type RunTotals struct {
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	Retries   int    `json:"retries"`
	GasUsed   uint64 `json:"gasUsed"`
	Critical  int    `json:"critical"`
	Warnings  int    `json:"warnings"`
}

// RunReport is the structured end-of-run report.
type RunReport struct {
	ID           string               `json:"id"`
	Mode         RunMode              `json:"mode"`
	Status       RunStatus            `json:"status"`
	ChainID      uint64               `json:"chainId"`
	Contract     string               `json:"contract"`
	StartedAt    time.Time            `json:"startedAt"`
	FinishedAt   time.Time            `json:"finishedAt"`
	Phases       []PhaseReport        `json:"phases"`
	Funding      *FundingReport       `json:"funding,omitempty"`
	Elections    []ElectionSpec       `json:"elections,omitempty"`
	Attempts     []VoteAttempt        `json:"attempts,omitempty"`
	Probes       []SecurityProbe      `json:"probes,omitempty"`
	Verification []VerificationResult `json:"verification,omitempty"`
	Totals       RunTotals            `json:"totals"`
	Error        string               `json:"error,omitempty"`
}

// CriticalProbes returns the probes with Critical severity.
func (r *RunReport) CriticalProbes() []SecurityProbe {
	var out []SecurityProbe
	for _, p := range r.Probes {
		if p.Severity == SeverityCritical {
			out = append(out, p)
		}
	}
	return out
}

// Phase returns the report for p, or nil when the phase did not run.
func (r *RunReport) Phase(p Phase) *PhaseReport {
	for i := range r.Phases {
		if r.Phases[i].Phase == p {
			return &r.Phases[i]
		}
	}
	return nil
}

// Summarize recomputes Totals from the phase reports and probes.
func (r *RunReport) Summarize() {
	var t RunTotals
	for _, p := range r.Phases {
		t.Successes += p.Successes
		t.Failures += p.Failures
		t.Retries += p.Retries
		t.GasUsed += p.GasUsed
	}
	for _, p := range r.Probes {
		switch p.Severity {
		case SeverityCritical:
			t.Critical++
		case SeverityWarning:
			t.Warnings++
		}
	}
	for _, v := range r.Verification {
		if !v.Match {
			t.Warnings++
		}
	}
	r.Totals = t
}

// RunSummary is the list view of a persisted run.
type RunSummary struct {
	ID         string    `json:"id"`
	Mode       RunMode   `json:"mode"`
	Status     RunStatus `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Totals     RunTotals `json:"totals"`
}

// Progress is the live view of a running orchestrator, served by the status API.
type Progress struct {
	RunID     string    `json:"runId,omitempty"`
	Mode      RunMode   `json:"mode,omitempty"`
	Status    RunStatus `json:"status,omitempty"`
	Phase     Phase     `json:"phase,omitempty"`
	Window    int       `json:"window"`
	Windows   int       `json:"windows"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	Critical  int       `json:"critical"`
	GasUsed   uint64    `json:"gasUsed"`
	UpdatedAt time.Time `json:"updatedAt"`
}
