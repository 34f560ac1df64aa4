// Package wallet provisions, persists and funds the identities the agents act as.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/votebot/internal/rpc"
	"github.com/gateway-fm/votebot/pkg/types"
)

// RoleOperator marks the funding identity. It never appears in a Pool.
const RoleOperator types.Role = "operator"

// Identity is a key pair bound to a role slot. Key material is never logged.
type Identity struct {
	Role    types.Role
	Index   int
	Address common.Address

	key *ecdsa.PrivateKey

	funded atomic.Bool
	mu     sync.Mutex
	fundTx string
	nonce  uint64
}

// NewIdentity binds key to a role slot.
func NewIdentity(role types.Role, index int, key *ecdsa.PrivateKey) *Identity {
	return &Identity{
		Role:    role,
		Index:   index,
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}
}

// NewIdentityFromHex parses a hex private key, with or without 0x prefix.
func NewIdentityFromHex(role types.Role, index int, hexKey string) (*Identity, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewIdentity(role, index, key), nil
}

// Generate creates an identity with fresh key material.
func Generate(role types.Role, index int) (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewIdentity(role, index, key), nil
}

// PrivateKey returns the signing key.
func (id *Identity) PrivateKey() *ecdsa.PrivateKey {
	return id.key
}

// SecretHex returns the hex-encoded private key for persistence and export.
func (id *Identity) SecretHex() string {
	return hex.EncodeToString(crypto.FromECDSA(id.key))
}

// Hex returns the checksummed address.
func (id *Identity) Hex() string {
	return id.Address.Hex()
}

func (id *Identity) String() string {
	return fmt.Sprintf("%s[%d] %s", id.Role, id.Index, id.Address.Hex())
}

// Funded reports whether a funding transfer for this identity has been confirmed.
func (id *Identity) Funded() bool {
	return id.funded.Load()
}

// FundingTx returns the hash of the confirmed funding transfer, if known.
func (id *Identity) FundingTx() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.fundTx
}

// markFunded sets the funded flag. The flag is never cleared.
func (id *Identity) markFunded(txHash string) {
	id.mu.Lock()
	if txHash != "" {
		id.fundTx = txHash
	}
	id.mu.Unlock()
	id.funded.Store(true)
}

// Nonce is a reserved nonce that must be committed or rolled back.
type Nonce struct {
	value     uint64
	owner     *Identity
	committed atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as used. Idempotent.
func (n *Nonce) Commit() {
	n.committed.Store(true)
}

// Rollback returns the nonce if it was not committed. Idempotent.
func (n *Nonce) Rollback() {
	if n.committed.Swap(true) {
		return
	}
	n.owner.rollback(n.value)
}

// ReserveNonce reserves the next local nonce.
//
//	n := id.ReserveNonce()
//	defer n.Rollback()
//	if err := send(n.Value()); err != nil {
//	    return err
//	}
//	n.Commit()
func (id *Identity) ReserveNonce() *Nonce {
	id.mu.Lock()
	v := id.nonce
	id.nonce++
	id.mu.Unlock()
	return &Nonce{value: v, owner: id}
}

// rollback only rewinds when nonce was the most recently issued one.
func (id *Identity) rollback(nonce uint64) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.nonce == nonce+1 {
		id.nonce = nonce
	}
}

// Resync raises the local nonce to the chain's pending nonce. It never lowers it.
func (id *Identity) Resync(ctx context.Context, client rpc.Client) error {
	n, err := client.GetNonce(ctx, id.Address.Hex())
	if err != nil {
		return err
	}
	id.mu.Lock()
	if n > id.nonce {
		id.nonce = n
	}
	id.mu.Unlock()
	return nil
}

// ResetNonce forces the local nonce to the chain's pending nonce, discarding
// reservations that never reached the node.
func (id *Identity) ResetNonce(ctx context.Context, client rpc.Client) error {
	n, err := client.GetNonce(ctx, id.Address.Hex())
	if err != nil {
		return err
	}
	id.SetNonce(n)
	return nil
}

// SetNonce sets the local nonce.
func (id *Identity) SetNonce(n uint64) {
	id.mu.Lock()
	id.nonce = n
	id.mu.Unlock()
}

// PeekNonce returns the next nonce without reserving it.
func (id *Identity) PeekNonce() uint64 {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.nonce
}
