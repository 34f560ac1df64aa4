package verification

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gateway-fm/votebot/internal/chain"
	"github.com/gateway-fm/votebot/pkg/types"
)

type fakeReader struct {
	tallies map[string]*chain.PositionResult // "id/pos"
	calls   int
}

func (f *fakeReader) GetElectionResults(_ context.Context, id uint64, pos int) (*chain.PositionResult, error) {
	f.calls++
	r, ok := f.tallies[fmt.Sprintf("%d/%d", id, pos)]
	if !ok {
		return nil, errors.New("execution reverted: invalid position")
	}
	return r, nil
}

func election(uuid string, onChainID *uint64, candidates ...[]string) *types.ElectionSpec {
	e := &types.ElectionSpec{UUID: uuid, OnChainID: onChainID}
	for i, c := range candidates {
		e.Positions = append(e.Positions, types.Position{Title: fmt.Sprintf("p%d", i), Candidates: c})
	}
	return e
}

func ptr(v uint64) *uint64 { return &v }

func success(uuid string) types.VoteAttempt {
	return types.VoteAttempt{ElectionUUID: uuid, Outcome: types.OutcomeSuccess}
}

func TestVerify(t *testing.T) {
	reader := &fakeReader{tallies: map[string]*chain.PositionResult{
		"1/0": {Candidates: []string{"Ann", "Bob"}, Votes: []uint64{2, 1}, Total: 3},
		"1/1": {Candidates: []string{"Cid", "Dee"}, Votes: []uint64{3, 0}, Total: 3},
		"2/0": {Candidates: []string{"Yes", "No"}, Votes: []uint64{1, 0}, Total: 1},
		"3/0": {Candidates: []string{"X"}, Votes: []uint64{5}, Total: 5},
	}}
	v := NewVerifier(reader, nil)

	elections := []*types.ElectionSpec{
		election("match", ptr(1), []string{"Ann", "Bob"}, []string{"Cid", "Dee"}),
		election("short", ptr(2), []string{"Yes", "No"}),
		election("shape", ptr(3), []string{"X", "Y"}),
		election("undeployed", nil, []string{"A"}),
		election("unreadable", ptr(9), []string{"A"}),
	}
	attempts := []types.VoteAttempt{
		success("match"), success("match"), success("match"),
		success("short"), success("short"),
		{ElectionUUID: "short", Outcome: types.OutcomeRejected},
	}

	var progressCalls int
	results := v.Verify(context.Background(), elections, attempts, func(done, total int) {
		progressCalls++
		if total != 4 {
			t.Errorf("total = %d, want 4 deployed elections", total)
		}
	})

	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	if progressCalls != 4 {
		t.Errorf("progress called %d times, want 4", progressCalls)
	}

	byKey := map[string]types.VerificationResult{}
	for _, r := range results {
		byKey[fmt.Sprintf("%s/%d", r.ElectionUUID, r.Position)] = r
	}

	tests := []struct {
		key      string
		match    bool
		expected int
		hasError bool
	}{
		{"match/0", true, 3, false},
		{"match/1", true, 3, false},
		{"short/0", false, 2, false},
		{"shape/0", false, 0, true},
		{"unreadable/0", false, 0, true},
	}
	for _, tt := range tests {
		r, ok := byKey[tt.key]
		if !ok {
			t.Errorf("%s: missing result", tt.key)
			continue
		}
		if r.Match != tt.match {
			t.Errorf("%s: match = %v, want %v", tt.key, r.Match, tt.match)
		}
		if r.Expected != tt.expected {
			t.Errorf("%s: expected = %d, want %d", tt.key, r.Expected, tt.expected)
		}
		if (r.Error != "") != tt.hasError {
			t.Errorf("%s: error = %q, want error %v", tt.key, r.Error, tt.hasError)
		}
	}

	mismatches := Mismatches(results)
	if len(mismatches) != 3 {
		t.Fatalf("got %d mismatches, want 3", len(mismatches))
	}
	if mismatches[0].ElectionUUID != "shape" || mismatches[2].ElectionUUID != "unreadable" {
		t.Errorf("mismatches not sorted: %+v", mismatches)
	}
}

func TestVerifyStopsWhenCancelled(t *testing.T) {
	reader := &fakeReader{tallies: map[string]*chain.PositionResult{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewVerifier(reader, nil).Verify(ctx, []*types.ElectionSpec{election("e", ptr(1), []string{"A"})}, nil, nil)
	if len(results) != 0 || reader.calls != 0 {
		t.Errorf("cancelled verify read %d tallies, returned %d results", reader.calls, len(results))
	}
}

func TestCountSuccesses(t *testing.T) {
	got := CountSuccesses([]types.VoteAttempt{
		success("a"), success("a"), success("b"),
		{ElectionUUID: "b", Outcome: types.OutcomeTransientFailure},
	})
	if got["a"] != 2 || got["b"] != 1 || len(got) != 2 {
		t.Errorf("CountSuccesses = %v", got)
	}
}
