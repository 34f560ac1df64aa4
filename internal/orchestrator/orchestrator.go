// Package orchestrator sequences a harness run: it provisions and funds
// identities, drives creator, voter and probe agents in bounded windows,
// verifies tallies and aggregates everything into one report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/votebot/internal/agent"
	"github.com/gateway-fm/votebot/internal/chain"
	"github.com/gateway-fm/votebot/internal/retry"
	"github.com/gateway-fm/votebot/internal/storage"
	"github.com/gateway-fm/votebot/internal/verification"
	"github.com/gateway-fm/votebot/internal/wallet"
	"github.com/gateway-fm/votebot/pkg/types"
)

// Provisioner produces and funds the identity pool.
type Provisioner interface {
	EnsurePool(ctx context.Context, counts types.RoleCounts) (*wallet.Pool, error)
	Fund(ctx context.Context, pool *wallet.Pool, amount *big.Int) (*types.FundingReport, error)
}

// Backend is the service client surface used by a run.
type Backend interface {
	agent.Backend
	ListElections(ctx context.Context) ([]types.ElectionSpec, error)
	GetElection(ctx context.Context, uuid string) (*types.ElectionSpec, error)
}

// Chain is the chain client surface used by a run.
type Chain interface {
	agent.Chain
	VerifyDeployment(ctx context.Context) error
	GetElectionResults(ctx context.Context, onChainID uint64, position int) (*chain.PositionResult, error)
}

// Observer receives live run events. Calls are made from agent goroutines
// and must not block.
type Observer interface {
	Progress(p types.Progress)
	PhaseDone(p types.PhaseReport)
	Attempt(a types.VoteAttempt)
	Probe(p types.SecurityProbe)
}

// RunStore records run history.
type RunStore interface {
	CreateRun(ctx context.Context, report *types.RunReport) error
	CompleteRun(ctx context.Context, report *types.RunReport) error
}

var (
	_ Provisioner = (*wallet.Manager)(nil)
	_ Chain       = (*chain.Client)(nil)
	_ RunStore    = storage.RunStore(nil)
)

// ErrNoElections is returned by discovery when nothing matches the filter.
var ErrNoElections = errors.New("no elections to target")

// Config wires the orchestrator.
type Config struct {
	Provisioner Provisioner
	Backend     Backend
	Chain       Chain
	// Store persists run history. Nil disables persistence.
	Store     RunStore
	Observers []Observer

	ChainID  uint64
	Contract string

	Counts        types.RoleCounts
	FundingAmount *big.Int

	// BatchSize is the concurrency limit of one window.
	BatchSize  int
	BatchDelay time.Duration
	Retry      retry.Policy

	VotersPerElection int
	StartDelay        time.Duration
	Duration          time.Duration
	// MaxStartWait bounds how long the vote phase waits for elections to open.
	MaxStartWait time.Duration

	AttemptVote  bool
	RequireProof bool

	Now    func() time.Time
	Logger *slog.Logger
}

// RunOptions select what one run does.
type RunOptions struct {
	Mode types.RunMode
	// Counts overrides Config.Counts when set.
	Counts      *types.RoleCounts
	SkipFunding bool
	// ElectionUUID restricts voting and probing to one election.
	ElectionUUID string
	// ActiveOnly restricts discovered elections to those open now.
	ActiveOnly bool
}

// Orchestrator runs harness runs one at a time.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	runMu sync.Mutex

	mu       sync.RWMutex
	progress types.Progress
}

// New validates cfg and creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Provisioner == nil || cfg.Backend == nil || cfg.Chain == nil {
		return nil, fmt.Errorf("orchestrator requires provisioner, backend and chain")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "orchestrator")),
	}, nil
}

// Progress returns a snapshot of the current or last run.
func (o *Orchestrator) Progress() types.Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress
}

// run is the mutable state of one Run call.
type run struct {
	opts   RunOptions
	counts types.RoleCounts
	report *types.RunReport
	pool   *wallet.Pool

	created []*types.ElectionSpec
	targets []*types.ElectionSpec
	// discovered is set once targets were resolved.
	discovered bool
}

// Run executes one run. The returned report is never nil: a cancelled or
// failed run still yields the phases that completed. The error is the cause
// of a failed run, or ctx.Err() for a cancelled one.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*types.RunReport, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if opts.Mode == "" {
		opts.Mode = types.ModeFull
	}
	counts := o.cfg.Counts
	if opts.Counts != nil {
		counts = *opts.Counts
	}

	r := &run{
		opts:   opts,
		counts: counts,
		report: &types.RunReport{
			ID:        uuid.NewString(),
			Mode:      opts.Mode,
			Status:    types.RunRunning,
			ChainID:   o.cfg.ChainID,
			Contract:  o.cfg.Contract,
			StartedAt: o.cfg.Now(),
		},
	}
	o.updateProgress(func(p *types.Progress) {
		*p = types.Progress{RunID: r.report.ID, Mode: opts.Mode, Status: types.RunRunning}
	})
	o.logger.Info("run started",
		slog.String("run", r.report.ID),
		slog.String("mode", string(opts.Mode)),
		slog.Int("creators", counts.Creators),
		slog.Int("eligible", counts.Eligible),
		slog.Int("ineligible", counts.Ineligible))

	persistCtx := context.WithoutCancel(ctx)
	if o.cfg.Store != nil {
		if err := o.cfg.Store.CreateRun(persistCtx, r.report); err != nil {
			o.logger.Warn("failed to persist run start", slog.String("err", err.Error()))
		}
	}

	err := o.execute(ctx, r)

	rep := r.report
	switch {
	case err == nil:
		rep.Status = types.RunCompleted
	case ctx.Err() != nil:
		rep.Status = types.RunCancelled
		rep.Error = err.Error()
	default:
		rep.Status = types.RunFailed
		rep.Error = err.Error()
	}
	o.reportPhase(r)
	rep.FinishedAt = o.cfg.Now()

	if o.cfg.Store != nil {
		if perr := o.cfg.Store.CompleteRun(persistCtx, rep); perr != nil {
			o.logger.Warn("failed to persist run report", slog.String("err", perr.Error()))
		}
	}
	o.updateProgress(func(p *types.Progress) { p.Status = rep.Status })

	o.logger.Info("run finished",
		slog.String("run", rep.ID),
		slog.String("status", string(rep.Status)),
		slog.Int("successes", rep.Totals.Successes),
		slog.Int("failures", rep.Totals.Failures),
		slog.Int("critical", rep.Totals.Critical),
		slog.Uint64("gas_used", rep.Totals.GasUsed),
		slog.Duration("duration", rep.FinishedAt.Sub(rep.StartedAt)))
	return rep, err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	mode := r.opts.Mode
	steps := []struct {
		phase types.Phase
		skip  bool
		fn    func(context.Context, *run, *types.PhaseReport) error
	}{
		{types.PhaseInitialize, false, o.initialize},
		{types.PhaseProvision, false, o.provision},
		{types.PhaseFund, r.opts.SkipFunding, o.fund},
		{types.PhaseCreate, !mode.Includes(types.PhaseCreate), o.create},
		{types.PhaseVote, !mode.Includes(types.PhaseVote), o.vote},
		{types.PhaseSecurity, !mode.Includes(types.PhaseSecurity), o.security},
		{types.PhaseVerify, !mode.Includes(types.PhaseVerify), o.verify},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.phase(ctx, r, s.phase, s.skip, s.fn); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// phase runs fn as phase p and records its report.
func (o *Orchestrator) phase(ctx context.Context, r *run, p types.Phase, skip bool, fn func(context.Context, *run, *types.PhaseReport) error) error {
	pr := types.PhaseReport{Phase: p, StartedAt: o.cfg.Now(), Skipped: skip}
	o.updateProgress(func(pg *types.Progress) {
		pg.Phase = p
		pg.Window, pg.Windows = 0, 0
	})

	var err error
	if skip {
		o.logger.Debug("phase skipped", slog.String("phase", string(p)))
	} else {
		o.logger.Info("phase started", slog.String("phase", string(p)))
		err = fn(ctx, r, &pr)
		if err != nil {
			pr.Errors = append(pr.Errors, err.Error())
		}
	}
	pr.Duration = o.cfg.Now().Sub(pr.StartedAt)
	r.report.Phases = append(r.report.Phases, pr)
	for _, obs := range o.cfg.Observers {
		obs.PhaseDone(pr)
	}

	if !skip {
		o.logger.Info("phase finished",
			slog.String("phase", string(p)),
			slog.Int("successes", pr.Successes),
			slog.Int("failures", pr.Failures),
			slog.Int("windows", pr.Windows),
			slog.Duration("duration", pr.Duration))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	return nil
}

func (o *Orchestrator) initialize(ctx context.Context, _ *run, pr *types.PhaseReport) error {
	if err := o.cfg.Chain.VerifyDeployment(ctx); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) provision(ctx context.Context, r *run, pr *types.PhaseReport) error {
	pool, err := o.cfg.Provisioner.EnsurePool(ctx, r.counts)
	if err != nil {
		return err
	}
	r.pool = pool
	pr.Agents = pool.Len()
	return nil
}

func (o *Orchestrator) fund(ctx context.Context, r *run, pr *types.PhaseReport) error {
	fr, err := o.cfg.Provisioner.Fund(ctx, r.pool, o.cfg.FundingAmount)
	if fr != nil {
		r.report.Funding = fr
		pr.Agents = fr.Successful + fr.Failed + fr.Skipped
		pr.Successes = fr.Successful
		pr.Failures = fr.Failed
		for _, f := range fr.Failures {
			pr.Errors = append(pr.Errors, fmt.Sprintf("%s: %s", f.Address, f.Error))
		}
	}
	if err != nil {
		return err
	}
	if fr != nil && fr.Failed > 0 {
		o.logger.Warn("continuing with partially funded pool", slog.Int("failed", fr.Failed))
	}
	return nil
}

func (o *Orchestrator) deps() agent.Deps {
	return agent.Deps{
		Backend: o.cfg.Backend,
		Chain:   o.cfg.Chain,
		Retry:   o.cfg.Retry,
		Now:     o.cfg.Now,
		Logger:  o.cfg.Logger,
	}
}

func (o *Orchestrator) create(ctx context.Context, r *run, pr *types.PhaseReport) error {
	ids := r.pool.ByRole(types.RoleCreator)
	cfg := agent.CreatorConfig{
		Voters:            r.pool.Addresses(types.RoleEligibleVoter),
		VotersPerElection: o.cfg.VotersPerElection,
		StartDelay:        o.cfg.StartDelay,
		Duration:          o.cfg.Duration,
		ChainID:           o.cfg.ChainID,
		Contract:          o.cfg.Contract,
	}
	creators := make([]*agent.Creator, len(ids))
	for i, id := range ids {
		creators[i] = agent.NewCreator(id, o.deps(), cfg)
	}

	pr.Agents = len(creators)
	pr.Windows = o.runWindows(ctx, len(creators), func(ctx context.Context, i int) {
		// Creation failures are recorded in the creator's stats.
		_ = creators[i].Run(ctx)
		o.addAgentProgress(creators[i].Stats())
	})

	for _, c := range creators {
		addStats(pr, c.Stats())
		if e := c.Election(); e != nil {
			r.created = append(r.created, e)
			r.report.Elections = append(r.report.Elections, *e)
		}
	}
	return nil
}

func (o *Orchestrator) vote(ctx context.Context, r *run, pr *types.PhaseReport) error {
	targets, err := o.resolveTargets(ctx, r)
	if err != nil {
		return err
	}
	targets, err = o.awaitStart(ctx, targets)
	if err != nil {
		return err
	}

	ids := r.pool.ByRole(types.RoleEligibleVoter)
	voters := make([]*agent.EligibleVoter, len(ids))
	for i, id := range ids {
		voters[i] = agent.NewEligibleVoter(id, o.deps(), agent.VoterConfig{RequireProof: o.cfg.RequireProof})
	}

	pr.Agents = len(voters)
	pr.Windows = o.runWindows(ctx, len(voters), func(ctx context.Context, i int) {
		v := voters[i]
		_ = v.Run(ctx, electionsFor(ids[i].Hex(), targets))
		st := v.Stats()
		for _, a := range st.Attempts {
			for _, obs := range o.cfg.Observers {
				obs.Attempt(a)
			}
		}
		o.addAgentProgress(st)
	})

	for _, v := range voters {
		st := v.Stats()
		addStats(pr, st)
		r.report.Attempts = append(r.report.Attempts, st.Attempts...)
	}
	return nil
}

func (o *Orchestrator) security(ctx context.Context, r *run, pr *types.PhaseReport) error {
	targets, err := o.resolveTargets(ctx, r)
	if err != nil {
		return err
	}

	ids := r.pool.ByRole(types.RoleIneligibleVoter)
	probers := make([]*agent.IneligibleVoter, len(ids))
	for i, id := range ids {
		probers[i] = agent.NewIneligibleVoter(id, o.deps(), agent.ProbeConfig{AttemptVote: o.cfg.AttemptVote})
	}

	pr.Agents = len(probers)
	pr.Windows = o.runWindows(ctx, len(probers), func(ctx context.Context, i int) {
		p := probers[i]
		_ = p.Run(ctx, targets)
		st := p.Stats()
		for _, sp := range st.Probes {
			for _, obs := range o.cfg.Observers {
				obs.Probe(sp)
			}
		}
		o.addAgentProgress(st)
	})

	for _, p := range probers {
		st := p.Stats()
		addStats(pr, st)
		r.report.Probes = append(r.report.Probes, st.Probes...)
	}
	if crit := r.report.CriticalProbes(); len(crit) > 0 {
		o.logger.Error("ineligible identities obtained voting access", slog.Int("critical", len(crit)))
	}
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, r *run, pr *types.PhaseReport) error {
	targets, err := o.resolveTargets(ctx, r)
	if err != nil {
		return err
	}
	v := verification.NewVerifier(o.cfg.Chain, o.cfg.Logger)
	results := v.Verify(ctx, targets, r.report.Attempts, func(done, total int) {
		o.updateProgress(func(p *types.Progress) { p.Window, p.Windows = done, total })
	})
	for _, res := range results {
		if res.Match {
			pr.Successes++
		} else {
			pr.Failures++
		}
	}
	r.report.Verification = results
	return nil
}

// reportPhase aggregates the totals and records the final phase.
func (o *Orchestrator) reportPhase(r *run) {
	start := o.cfg.Now()
	r.report.Phases = append(r.report.Phases, types.PhaseReport{Phase: types.PhaseSummary, StartedAt: start})
	r.report.Summarize()
	last := &r.report.Phases[len(r.report.Phases)-1]
	last.Duration = o.cfg.Now().Sub(start)

	o.updateProgress(func(p *types.Progress) {
		p.Phase = types.PhaseSummary
		p.Successes = r.report.Totals.Successes
		p.Failures = r.report.Totals.Failures
		p.Critical = r.report.Totals.Critical
		p.GasUsed = r.report.Totals.GasUsed
	})
	for _, obs := range o.cfg.Observers {
		obs.PhaseDone(*last)
	}
}

// resolveTargets returns the elections voters and probers act on. Elections
// created in this run are used when the create phase ran; otherwise the
// backend is queried, honoring the election filter.
func (o *Orchestrator) resolveTargets(ctx context.Context, r *run) ([]*types.ElectionSpec, error) {
	if r.discovered {
		return r.targets, nil
	}

	createRan := r.opts.Mode.Includes(types.PhaseCreate) && r.counts.Creators > 0
	switch {
	case r.opts.ElectionUUID != "":
		e, err := o.cfg.Backend.GetElection(ctx, r.opts.ElectionUUID)
		if err != nil {
			return nil, fmt.Errorf("discover election: %w", err)
		}
		for _, c := range r.created {
			if c.UUID == e.UUID {
				e = c
			}
		}
		r.targets = []*types.ElectionSpec{e}
	case createRan:
		r.targets = r.created
		if len(r.targets) == 0 {
			o.logger.Warn("no elections were created in this run")
		}
	default:
		list, err := o.cfg.Backend.ListElections(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover elections: %w", err)
		}
		now := o.cfg.Now()
		for i := range list {
			e := &list[i]
			if r.opts.ActiveOnly && !e.IsOpen(now) {
				continue
			}
			r.targets = append(r.targets, e)
		}
		if len(r.targets) == 0 {
			return nil, ErrNoElections
		}
		o.logger.Info("discovered elections", slog.Int("count", len(r.targets)))
	}
	r.discovered = true

	if !createRan || r.opts.ElectionUUID != "" {
		for _, e := range r.targets {
			r.report.Elections = appendUnique(r.report.Elections, *e)
		}
	}
	return r.targets, nil
}

// awaitStart drops elections opening later than MaxStartWait and sleeps until
// the latest remaining one has started.
func (o *Orchestrator) awaitStart(ctx context.Context, targets []*types.ElectionSpec) ([]*types.ElectionSpec, error) {
	now := o.cfg.Now()
	var (
		kept   []*types.ElectionSpec
		latest time.Time
	)
	for _, e := range targets {
		wait := e.StartTime.Sub(now)
		if wait > o.cfg.MaxStartWait {
			o.logger.Warn("election opens too late, skipping",
				slog.String("election", e.UUID),
				slog.Time("start", e.StartTime),
				slog.Duration("max_wait", o.cfg.MaxStartWait))
			continue
		}
		kept = append(kept, e)
		if e.StartTime.After(latest) {
			latest = e.StartTime
		}
	}
	if wait := latest.Sub(now); wait > 0 {
		o.logger.Info("waiting for elections to open", slog.Duration("wait", wait))
		if err := retry.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

// electionsFor returns the elections address is registered in. Elections
// with an unknown voter set are attempted by every voter.
func electionsFor(address string, elections []*types.ElectionSpec) []*types.ElectionSpec {
	var out []*types.ElectionSpec
	for _, e := range elections {
		if len(e.Voters) == 0 || e.IsRegistered(address) {
			out = append(out, e)
		}
	}
	return out
}

func (o *Orchestrator) runWindows(ctx context.Context, n int, fn func(ctx context.Context, i int)) int {
	return RunWindows(ctx, n, o.cfg.BatchSize, o.cfg.BatchDelay, fn, func(k, total int) {
		o.updateProgress(func(p *types.Progress) { p.Window, p.Windows = k, total })
		o.logger.Info("window settled", slog.Int("window", k), slog.Int("windows", total))
	})
}

func (o *Orchestrator) addAgentProgress(st types.AgentStats) {
	critical := 0
	for _, p := range st.Probes {
		if p.Severity == types.SeverityCritical {
			critical++
		}
	}
	o.updateProgress(func(p *types.Progress) {
		p.Successes += st.Successes
		p.Failures += st.Failures
		p.GasUsed += st.GasUsed
		p.Critical += critical
	})
}

func (o *Orchestrator) updateProgress(fn func(p *types.Progress)) {
	o.mu.Lock()
	fn(&o.progress)
	o.progress.UpdatedAt = o.cfg.Now()
	snap := o.progress
	o.mu.Unlock()

	for _, obs := range o.cfg.Observers {
		obs.Progress(snap)
	}
}

func addStats(pr *types.PhaseReport, st types.AgentStats) {
	pr.Successes += st.Successes
	pr.Failures += st.Failures
	pr.Retries += st.Retries
	pr.GasUsed += st.GasUsed
	pr.Errors = append(pr.Errors, st.Errors...)
}

func appendUnique(list []types.ElectionSpec, e types.ElectionSpec) []types.ElectionSpec {
	for _, x := range list {
		if x.UUID == e.UUID {
			return list
		}
	}
	return append(list, e)
}
