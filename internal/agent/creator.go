package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/votebot/internal/backend"
	"github.com/gateway-fm/votebot/internal/wallet"
	"github.com/gateway-fm/votebot/pkg/types"
)

// CreatorConfig configures election generation.
type CreatorConfig struct {
	// Voters is the eligible-voter address pool to draw registrations from.
	Voters []string
	// VotersPerElection is the registered subset size. Zero registers every voter.
	VotersPerElection int
	// StartDelay and Duration define the synthetic voting window relative to creation.
	StartDelay time.Duration
	Duration   time.Duration
	// ChainID and Contract are reported to the backend on deployment sync.
	ChainID  uint64
	Contract string
}

// Creator registers one synthetic election in the backend and on chain.
// Failures are terminal for the run.
type Creator struct {
	id     *wallet.Identity
	deps   Deps
	cfg    CreatorConfig
	logger *slog.Logger

	stats    types.AgentStats
	election *types.ElectionSpec
}

func NewCreator(id *wallet.Identity, deps Deps, cfg CreatorConfig) *Creator {
	if cfg.Duration <= 0 {
		cfg.Duration = time.Hour
	}
	return &Creator{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: deps.logger("creator", id),
		stats:  types.AgentStats{Role: types.RoleCreator, Address: id.Hex()},
	}
}

// Run creates one election. The created election is available from Election
// once Run returns nil.
func (c *Creator) Run(ctx context.Context) error {
	spec := c.generate()
	err := c.create(ctx, spec)
	if err != nil {
		c.stats.Failures++
		c.stats.Errors = append(c.stats.Errors, err.Error())
		c.logger.Error("election creation failed", slog.String("uuid", spec.UUID), slog.String("err", err.Error()))
		return err
	}
	c.stats.Successes++
	c.stats.Elections = append(c.stats.Elections, *spec)
	c.election = spec
	return nil
}

func (c *Creator) create(ctx context.Context, spec *types.ElectionSpec) error {
	if len(spec.Voters) == 0 {
		return fmt.Errorf("no eligible voters to register")
	}

	err := c.deps.Backend.CreateElection(ctx, backend.CreateElectionRequest{
		UUID:        spec.UUID,
		Title:       spec.Title,
		Positions:   spec.Positions,
		StartTime:   spec.StartTime,
		EndTime:     spec.EndTime,
		TotalVoters: spec.TotalVoters,
		Creator:     spec.Creator,
	})
	if err != nil {
		return fmt.Errorf("register election: %w", err)
	}

	root, err := c.deps.Backend.GenerateVoterKeys(ctx, spec.UUID, spec.Voters)
	if err != nil {
		return fmt.Errorf("generate voter keys: %w", err)
	}
	spec.MerkleRoot = root

	res, err := c.deps.Chain.CreateElection(ctx, c.id, spec)
	if err != nil {
		return err
	}
	c.stats.GasUsed += res.GasUsed
	onChainID := res.OnChainID
	spec.OnChainID = &onChainID
	spec.TxHash = res.TxHash

	// voters read the id from the spec, so a failed sync only affects the backend
	err = c.deps.Backend.SyncDeployment(ctx, backend.DeploymentSync{
		ElectionUUID:    spec.UUID,
		OnChainID:       onChainID,
		TxHash:          res.TxHash,
		ContractAddress: c.cfg.Contract,
		ChainID:         c.cfg.ChainID,
		BlockNumber:     res.BlockNumber,
	})
	if err != nil {
		c.logger.Warn("deployment sync failed", slog.String("uuid", spec.UUID), slog.String("err", err.Error()))
	}

	c.logger.Info("election created",
		slog.String("uuid", spec.UUID),
		slog.Uint64("on_chain_id", onChainID),
		slog.Int("voters", len(spec.Voters)),
		slog.Time("start", spec.StartTime))
	return nil
}

// Election returns the election created by the last successful Run.
func (c *Creator) Election() *types.ElectionSpec {
	return c.election
}

func (c *Creator) Stats() types.AgentStats {
	return c.stats
}

var (
	electionTopics = []string{"Board of Directors", "Annual Budget", "Community Council", "Student Union", "Technical Committee", "Treasury Grants"}
	positionTitles = []string{"Chair", "Vice Chair", "Treasurer", "Secretary", "Delegate", "Auditor"}
	candidateNames = []string{"Alice", "Bob", "Carol", "Dave", "Erin", "Frank", "Grace", "Heidi", "Ivan", "Judy"}
)

// generate builds a synthetic election with 1-3 positions of 2-4 candidates
// and a random registered voter subset.
func (c *Creator) generate() *types.ElectionSpec {
	now := c.deps.now()
	start := now.Add(c.cfg.StartDelay).Truncate(time.Second)

	positions := make([]types.Position, 1+rand.IntN(3))
	titles := rand.Perm(len(positionTitles))
	for i := range positions {
		names := rand.Perm(len(candidateNames))[:2+rand.IntN(3)]
		candidates := make([]string, len(names))
		for j, n := range names {
			candidates[j] = candidateNames[n]
		}
		positions[i] = types.Position{
			Title:         positionTitles[titles[i]],
			Candidates:    candidates,
			MaxSelections: 1,
		}
	}

	voters := selectVoters(c.cfg.Voters, c.cfg.VotersPerElection)
	return &types.ElectionSpec{
		UUID:        uuid.NewString(),
		Title:       fmt.Sprintf("%s %s", electionTopics[rand.IntN(len(electionTopics))], now.Format("2006-01-02 15:04")),
		Positions:   positions,
		StartTime:   start,
		EndTime:     start.Add(c.cfg.Duration),
		TotalVoters: len(voters),
		Creator:     c.id.Hex(),
		Voters:      voters,
	}
}

// selectVoters returns a random subset of n addresses, or all of them when
// n is zero or exceeds the pool.
func selectVoters(pool []string, n int) []string {
	if n <= 0 || n >= len(pool) {
		out := make([]string, len(pool))
		copy(out, pool)
		return out
	}
	out := make([]string, 0, n)
	for _, i := range rand.Perm(len(pool))[:n] {
		out = append(out, pool[i])
	}
	return out
}
