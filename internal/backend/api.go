package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"

	"github.com/gateway-fm/votebot/pkg/types"
)

// ErrMalformedResponse is returned when a 2xx body lacks a required field.
var ErrMalformedResponse = errors.New("malformed backend response")

// CreateElectionRequest is the record registered for a new election.
type CreateElectionRequest struct {
	UUID        string           `json:"uuid"`
	Title       string           `json:"title"`
	Positions   []types.Position `json:"positions"`
	StartTime   time.Time        `json:"startTime"`
	EndTime     time.Time        `json:"endTime"`
	TotalVoters int              `json:"totalVoters"`
	Creator     string           `json:"creator"`
}

// RecordVoteRequest reports a confirmed vote to the backend.
type RecordVoteRequest struct {
	VoterAddress string  `json:"voterAddress"`
	TxHash       string  `json:"txHash"`
	OnChainID    uint64  `json:"onChainId"`
	Selections   [][]int `json:"selections"`
	BlockNumber  uint64  `json:"blockNumber,omitempty"`
}

// DeploymentSync links a backend election to its on-chain id.
type DeploymentSync struct {
	ElectionUUID    string `json:"electionUuid"`
	OnChainID       uint64 `json:"onChainId"`
	TxHash          string `json:"txHash"`
	ContractAddress string `json:"contractAddress"`
	ChainID         uint64 `json:"chainId"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
}

func electionPath(uuid string, rest ...string) string {
	p := "/elections/" + url.PathEscape(uuid)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// CreateElection registers the election record.
func (c *Client) CreateElection(ctx context.Context, req CreateElectionRequest) error {
	if _, err := c.Request(ctx, http.MethodPost, "/elections", req); err != nil {
		return fmt.Errorf("create election %s: %w", req.UUID, err)
	}
	return nil
}

// GenerateVoterKeys registers the voter set and returns the Merkle root of the issued keys.
func (c *Client) GenerateVoterKeys(ctx context.Context, uuid string, voters []string) (string, error) {
	resp, err := c.Request(ctx, http.MethodPost, electionPath(uuid, "voters"), map[string]any{"voters": voters})
	if err != nil {
		return "", fmt.Errorf("generate voter keys for %s: %w", uuid, err)
	}
	root := firstOf(resp.Data(), "merkleRoot", "root", "merkle_root").String()
	if root == "" {
		return "", fmt.Errorf("generate voter keys for %s: no merkle root: %w", uuid, ErrMalformedResponse)
	}
	return root, nil
}

// GetVoterData fetches the key material issued to address. A 404 is the
// normal "not eligible" answer and yields eligible=false with a nil error.
func (c *Client) GetVoterData(ctx context.Context, uuid, address string) (data *types.VoterData, eligible bool, err error) {
	resp, err := c.Request(ctx, http.MethodGet, electionPath(uuid, "voters", address), nil)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get voter data: %w", err)
	}
	d := resp.Data()
	vd := &types.VoterData{
		VoterKey:   firstOf(d, "voterKey", "voter_key", "key").String(),
		MerkleRoot: firstOf(d, "merkleRoot", "root").String(),
	}
	for _, p := range firstOf(d, "proof", "merkleProof").Array() {
		vd.Proof = append(vd.Proof, p.String())
	}
	return vd, true, nil
}

// HasVoted reports whether the backend has a vote recorded for address.
func (c *Client) HasVoted(ctx context.Context, uuid, address string) (bool, error) {
	resp, err := c.Request(ctx, http.MethodGet, electionPath(uuid, "votes", address), nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has voted: %w", err)
	}
	return firstOf(resp.Data(), "hasVoted", "voted").Bool(), nil
}

// GetOnChainID returns the contract-assigned id. ok is false while the
// election has not been deployed. Known ids are cached for the process lifetime.
func (c *Client) GetOnChainID(ctx context.Context, uuid string) (id uint64, ok bool, err error) {
	key := "onchain:" + uuid
	if v, found := c.cache.Get(key); found {
		return v.(uint64), true, nil
	}
	resp, err := c.Request(ctx, http.MethodGet, electionPath(uuid, "onchain-id"), nil)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get on-chain id: %w", err)
	}
	r := firstOf(resp.Data(), "onChainId", "onchainId", "id")
	if !r.Exists() || r.Type == gjson.Null {
		return 0, false, nil
	}
	id, err = parseUint(r)
	if err != nil {
		return 0, false, fmt.Errorf("get on-chain id for %s: %w", uuid, err)
	}
	c.cache.Set(key, id, gocache.NoExpiration)
	return id, true, nil
}

// RecordVote reports a vote. Callers treat failures as non-fatal.
func (c *Client) RecordVote(ctx context.Context, uuid string, req RecordVoteRequest) error {
	if _, err := c.Request(ctx, http.MethodPost, electionPath(uuid, "votes"), req); err != nil {
		return fmt.Errorf("record vote: %w", err)
	}
	return nil
}

// SyncDeployment links an election to its on-chain id and primes the id cache.
func (c *Client) SyncDeployment(ctx context.Context, sync DeploymentSync) error {
	if _, err := c.Request(ctx, http.MethodPost, "/deployments/sync", sync); err != nil {
		return fmt.Errorf("sync deployment %s: %w", sync.ElectionUUID, err)
	}
	c.cache.Set("onchain:"+sync.ElectionUUID, sync.OnChainID, gocache.NoExpiration)
	return nil
}

// ListElections returns every election the backend knows.
func (c *Client) ListElections(ctx context.Context) ([]types.ElectionSpec, error) {
	resp, err := c.Request(ctx, http.MethodGet, "/elections", nil)
	if err != nil {
		return nil, fmt.Errorf("list elections: %w", err)
	}
	list := resp.Data()
	if !list.IsArray() {
		list = firstOf(list, "elections", "items")
	}
	var out []types.ElectionSpec
	for _, r := range list.Array() {
		e, err := parseElection(r)
		if err != nil {
			return nil, fmt.Errorf("list elections: %w", err)
		}
		c.cache.SetDefault("election:"+e.UUID, e)
		out = append(out, e)
	}
	return out, nil
}

// GetElection returns one election, served from cache when fresh.
func (c *Client) GetElection(ctx context.Context, uuid string) (*types.ElectionSpec, error) {
	if v, ok := c.cache.Get("election:" + uuid); ok {
		e := v.(types.ElectionSpec)
		return &e, nil
	}
	resp, err := c.Request(ctx, http.MethodGet, electionPath(uuid), nil)
	if err != nil {
		return nil, fmt.Errorf("get election %s: %w", uuid, err)
	}
	d := resp.Data()
	if e := d.Get("election"); e.IsObject() {
		d = e
	}
	e, err := parseElection(d)
	if err != nil {
		return nil, fmt.Errorf("get election %s: %w", uuid, err)
	}
	c.cache.SetDefault("election:"+uuid, e)
	return &e, nil
}

// parseElection reads an election record. Times may be RFC 3339 strings or
// unix timestamps in seconds or milliseconds.
func parseElection(r gjson.Result) (types.ElectionSpec, error) {
	e := types.ElectionSpec{
		UUID:        firstOf(r, "uuid", "id").String(),
		Title:       r.Get("title").String(),
		TotalVoters: int(firstOf(r, "totalVoters", "total_voters").Int()),
		MerkleRoot:  firstOf(r, "merkleRoot", "merkle_root").String(),
		Creator:     r.Get("creator").String(),
	}
	if e.UUID == "" {
		return e, fmt.Errorf("election without uuid: %w", ErrMalformedResponse)
	}
	var err error
	if e.StartTime, err = parseTime(firstOf(r, "startTime", "start_time")); err != nil {
		return e, fmt.Errorf("election %s start time: %w", e.UUID, err)
	}
	if e.EndTime, err = parseTime(firstOf(r, "endTime", "end_time")); err != nil {
		return e, fmt.Errorf("election %s end time: %w", e.UUID, err)
	}
	for _, p := range r.Get("positions").Array() {
		pos := types.Position{
			Title:         p.Get("title").String(),
			MaxSelections: int(firstOf(p, "maxSelections", "max_selections").Int()),
		}
		for _, cand := range p.Get("candidates").Array() {
			// candidates are either plain names or {"name": ...} objects
			name := cand.String()
			if cand.IsObject() {
				name = firstOf(cand, "name", "title").String()
			}
			pos.Candidates = append(pos.Candidates, name)
		}
		e.Positions = append(e.Positions, pos)
	}
	if id := firstOf(r, "onChainId", "onchainId"); id.Exists() && id.Type != gjson.Null {
		v, err := parseUint(id)
		if err == nil {
			e.OnChainID = &v
		}
	}
	return e, nil
}

func parseTime(r gjson.Result) (time.Time, error) {
	switch r.Type {
	case gjson.Number:
		v := r.Int()
		if v > 1e12 {
			return time.UnixMilli(v).UTC(), nil
		}
		return time.Unix(v, 0).UTC(), nil
	case gjson.String:
		return time.Parse(time.RFC3339, r.String())
	}
	return time.Time{}, fmt.Errorf("missing time: %w", ErrMalformedResponse)
}

func parseUint(r gjson.Result) (uint64, error) {
	if r.Type == gjson.Number {
		return r.Uint(), nil
	}
	s := strings.TrimSpace(r.String())
	if strings.HasPrefix(s, "0x") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// firstOf returns the first existing field among paths.
func firstOf(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
