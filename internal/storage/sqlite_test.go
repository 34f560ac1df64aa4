package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/votebot/pkg/types"
)

// createTestStorage creates a new SQLite storage with a temporary database.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	storage, err := NewSQLiteStorage(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := createTestStorage(t)
	if storage.db == nil {
		t.Fatal("expected db to be non-nil")
	}
	for _, table := range []string{"identities", "runs", "vote_attempts", "security_probes"} {
		if !storage.columnExists(table, "id") && !storage.columnExists(table, "chain_id") {
			t.Errorf("expected table %s to exist", table)
		}
	}
	if !storage.columnExists("runs", "warnings") {
		t.Error("expected migration to add runs.warnings")
	}
}

func TestNewSQLiteStorage_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "votebot.db")
	storage, err := NewSQLiteStorage(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	defer storage.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Errorf("expected directory to be created: %v", err)
	}
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"identities", true},
		{"funding_tx", true},
		{"", false},
		{"runs; DROP TABLE runs", false},
		{"a'b", false},
	}
	for _, tt := range tests {
		if got := isValidIdentifier(tt.in); got != tt.want {
			t.Errorf("isValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func testIdentities(chainID uint64) []IdentityRecord {
	return []IdentityRecord{
		{ChainID: chainID, Role: types.RoleCreator, Index: 0, Address: "0xAAAA000000000000000000000000000000000001", Secret: "s0"},
		{ChainID: chainID, Role: types.RoleEligibleVoter, Index: 0, Address: "0xaaaa000000000000000000000000000000000002", Secret: "s1"},
		{ChainID: chainID, Role: types.RoleEligibleVoter, Index: 1, Address: "0xaaaa000000000000000000000000000000000003", Secret: "s2", Funded: true, FundingTx: "0xf1"},
		{ChainID: chainID, Role: types.RoleIneligibleVoter, Index: 0, Address: "0xaaaa000000000000000000000000000000000004", Secret: "s3"},
	}
}

func TestIdentities_RoundTrip(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	if err := storage.SaveIdentities(ctx, testIdentities(31337)); err != nil {
		t.Fatalf("SaveIdentities() error = %v", err)
	}

	loaded, err := storage.LoadIdentities(ctx, 31337)
	if err != nil {
		t.Fatalf("LoadIdentities() error = %v", err)
	}
	if len(loaded) != 4 {
		t.Fatalf("expected 4 identities, got %d", len(loaded))
	}

	funded := 0
	for _, r := range loaded {
		if r.Secret == "" {
			t.Errorf("identity %s/%d lost its secret", r.Role, r.Index)
		}
		if r.Funded {
			funded++
			if r.FundingTx != "0xf1" || r.FundedAt == nil {
				t.Errorf("funded identity missing receipt: %+v", r)
			}
		}
	}
	if funded != 1 {
		t.Errorf("expected 1 funded identity, got %d", funded)
	}

	// Different chain is isolated.
	other, err := storage.LoadIdentities(ctx, 1)
	if err != nil {
		t.Fatalf("LoadIdentities() error = %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no identities for chain 1, got %d", len(other))
	}
}

func TestIdentities_FundedNeverCleared(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	records := testIdentities(1)
	if err := storage.SaveIdentities(ctx, records); err != nil {
		t.Fatalf("SaveIdentities() error = %v", err)
	}

	// Re-save with all funded flags false: stored funded flags must survive.
	for i := range records {
		records[i].Funded = false
		records[i].FundingTx = ""
	}
	if err := storage.SaveIdentities(ctx, records); err != nil {
		t.Fatalf("SaveIdentities() error = %v", err)
	}

	loaded, _ := storage.LoadIdentities(ctx, 1)
	funded := 0
	for _, r := range loaded {
		if r.Funded {
			funded++
		}
	}
	if funded != 1 {
		t.Errorf("expected funded flag to survive re-save, got %d funded", funded)
	}
}

func TestIdentities_MarkFunded(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	_ = storage.SaveIdentities(ctx, testIdentities(1))

	if err := storage.MarkFunded(ctx, 1, "0xAAAA000000000000000000000000000000000002", "0xabc"); err != nil {
		t.Fatalf("MarkFunded() error = %v", err)
	}
	// Second mark keeps the first receipt.
	if err := storage.MarkFunded(ctx, 1, "0xaaaa000000000000000000000000000000000002", "0xdef"); err != nil {
		t.Fatalf("MarkFunded() error = %v", err)
	}

	loaded, _ := storage.LoadIdentities(ctx, 1)
	for _, r := range loaded {
		if r.Index == 0 && r.Role == types.RoleEligibleVoter {
			if !r.Funded || r.FundingTx != "0xabc" {
				t.Errorf("unexpected record after MarkFunded: %+v", r)
			}
		}
	}

	err := storage.MarkFunded(ctx, 1, "0x0000000000000000000000000000000000000009", "0x1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown address, got %v", err)
	}
}

func TestIdentities_Delete(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	_ = storage.SaveIdentities(ctx, testIdentities(1))

	if err := storage.DeleteIdentities(ctx, 1); err != nil {
		t.Fatalf("DeleteIdentities() error = %v", err)
	}
	loaded, _ := storage.LoadIdentities(ctx, 1)
	if len(loaded) != 0 {
		t.Errorf("expected 0 identities after delete, got %d", len(loaded))
	}
}

func testReport(id string, started time.Time) *types.RunReport {
	return &types.RunReport{
		ID:        id,
		Mode:      types.ModeFull,
		Status:    types.RunRunning,
		ChainID:   31337,
		Contract:  "0xc0ffee",
		StartedAt: started,
	}
}

func TestRuns_Lifecycle(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	r := testReport("run-1", time.Now().Add(-time.Minute))
	if err := storage.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	// A running run is readable from its row alone.
	got, err := storage.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != types.RunRunning || got.ChainID != 31337 {
		t.Errorf("unexpected running report %+v", got)
	}

	r.Status = types.RunCompleted
	r.FinishedAt = time.Now()
	r.Phases = []types.PhaseReport{{Phase: types.PhaseVote, Successes: 2, Failures: 1, GasUsed: 300}}
	r.Attempts = []types.VoteAttempt{
		{ElectionUUID: "e1", VoterAddress: "0x1", Outcome: types.OutcomeSuccess, TxHash: "0xa", AttemptNumber: 1},
		{ElectionUUID: "e1", VoterAddress: "0x2", Outcome: types.OutcomeRejected, Reason: types.ReasonAlreadyVoted, AttemptNumber: 1},
	}
	r.Probes = []types.SecurityProbe{
		{ElectionUUID: "e1", VoterAddress: "0x9", Expected: types.OutcomeRejected, Actual: types.ProbeDenied, Severity: types.SeverityNone, Attempts: 1},
		{ElectionUUID: "e1", VoterAddress: "0x8", Expected: types.OutcomeRejected, Actual: types.ProbeVoterDataReturned, Severity: types.SeverityCritical, Attempts: 1},
	}
	r.Summarize()

	if err := storage.CompleteRun(ctx, r); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}
	// Completing twice must not duplicate attempts or probes.
	if err := storage.CompleteRun(ctx, r); err != nil {
		t.Fatalf("CompleteRun() second call error = %v", err)
	}

	got, err = storage.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != types.RunCompleted || len(got.Attempts) != 2 || got.Totals.Critical != 1 {
		t.Errorf("unexpected completed report: status=%s attempts=%d critical=%d",
			got.Status, len(got.Attempts), got.Totals.Critical)
	}

	critical, err := storage.ListProbes(ctx, ProbeFilter{RunID: "run-1", Severity: types.SeverityCritical})
	if err != nil {
		t.Fatalf("ListProbes() error = %v", err)
	}
	if len(critical) != 1 || critical[0].VoterAddress != "0x8" {
		t.Errorf("expected one critical probe for 0x8, got %+v", critical)
	}

	all, _ := storage.ListProbes(ctx, ProbeFilter{RunID: "run-1"})
	if len(all) != 2 {
		t.Errorf("expected 2 probes, got %d", len(all))
	}
}

func TestRuns_CompleteWithoutCreate(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	r := testReport("run-x", time.Now())
	r.Status = types.RunCancelled
	if err := storage.CompleteRun(ctx, r); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}
	got, err := storage.GetRun(ctx, "run-x")
	if err != nil || got.Status != types.RunCancelled {
		t.Errorf("GetRun() = %+v, %v", got, err)
	}
}

func TestRuns_ListAndDelete(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		r := testReport(id, base.Add(time.Duration(i)*time.Minute))
		r.Status = types.RunCompleted
		r.Totals.Successes = i
		if err := storage.CompleteRun(ctx, r); err != nil {
			t.Fatalf("CompleteRun(%s) error = %v", id, err)
		}
	}

	page, err := storage.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if page.Total != 3 || len(page.Runs) != 2 {
		t.Fatalf("expected total=3 len=2, got total=%d len=%d", page.Total, len(page.Runs))
	}
	if page.Runs[0].ID != "new" || page.Runs[1].ID != "mid" {
		t.Errorf("expected newest first, got %s, %s", page.Runs[0].ID, page.Runs[1].ID)
	}
	if page.Runs[0].Totals.Successes != 2 {
		t.Errorf("expected summary totals, got %+v", page.Runs[0].Totals)
	}

	if err := storage.DeleteRun(ctx, "old"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := storage.GetRun(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
