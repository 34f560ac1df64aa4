package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/gateway-fm/votebot/internal/rpc"
	"github.com/gateway-fm/votebot/internal/txbuilder"
)

var (
	// ErrInvalidInput is returned before submission when arguments are malformed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrEventMissing is returned when a creation receipt lacks ElectionCreated.
	ErrEventMissing = errors.New("ElectionCreated event missing from receipt")
	// ErrReverted matches every contract revert.
	ErrReverted = errors.New("execution reverted")

	ErrAlreadyVoted   = errors.New("already voted")
	ErrNotEligible    = errors.New("not eligible")
	ErrElectionClosed = errors.New("election not active")

	// ErrConfirmationTimeout matches ConfirmationTimeoutError.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrNoContract is returned when no code exists at the contract address.
	ErrNoContract = errors.New("no contract code at address")
)

// ConfirmationTimeoutError means a transaction was sent but not confirmed in
// time. Its on-chain fate is unknown; check TxHash before resubmitting, and
// resubmit only as a replacement at Nonce.
type ConfirmationTimeoutError struct {
	TxHash  string
	Nonce   uint64
	Price   txbuilder.Price
	Timeout time.Duration
}

// Pending returns the timed-out transaction for VoteRequest.Replace.
func (e *ConfirmationTimeoutError) Pending() *PendingTx {
	return &PendingTx{Hash: e.TxHash, Nonce: e.Nonce, Price: e.Price}
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("tx %s not confirmed within %s", e.TxHash, e.Timeout)
}

// IsRetryable is true: the caller may retry after checking TxHash.
func (e *ConfirmationTimeoutError) IsRetryable() bool { return true }

func (e *ConfirmationTimeoutError) Is(target error) bool {
	return target == ErrConfirmationTimeout
}

// RevertError is a decoded contract revert.
type RevertError struct {
	// Reason is the custom error name or the Error(string) message.
	Reason string
	kind   error
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// Unwrap exposes both the specific kind and ErrReverted.
func (e *RevertError) Unwrap() []error {
	if e.kind == nil || e.kind == ErrReverted {
		return []error{ErrReverted}
	}
	return []error{e.kind, ErrReverted}
}

// IsRetryable is false: the same call reverts the same way.
func (e *RevertError) IsRetryable() bool { return false }

var customErrorKinds = map[string]error{
	"AlreadyVoted":       ErrAlreadyVoted,
	"NotEligible":        ErrNotEligible,
	"InvalidProof":       ErrNotEligible,
	"ElectionNotStarted": ErrElectionClosed,
	"ElectionEnded":      ErrElectionClosed,
	"ElectionNotActive":  ErrElectionClosed,
}

// reasonKinds maps Error(string) fragments to kinds. This is the only place
// revert text is inspected.
var reasonKinds = []struct {
	fragments []string
	kind      error
}{
	{[]string{"already voted", "alreadyvoted", "vote already cast"}, ErrAlreadyVoted},
	{[]string{"not eligible", "invalid proof", "invalid voter", "not registered", "not authorized"}, ErrNotEligible},
	{[]string{"not started", "not active", "ended", "closed", "voting period"}, ErrElectionClosed},
}

// decodeRevert turns revert data into a RevertError.
func decodeRevert(data []byte) *RevertError {
	if len(data) < 4 {
		return &RevertError{kind: ErrReverted}
	}
	for name, e := range contractABI.Errors {
		if bytes.Equal(data[:4], e.ID[:4]) {
			kind, ok := customErrorKinds[name]
			if !ok {
				kind = ErrReverted
			}
			return &RevertError{Reason: name, kind: kind}
		}
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return &RevertError{Reason: fmt.Sprintf("0x%x", data[:4]), kind: ErrReverted}
	}
	return &RevertError{Reason: reason, kind: kindForReason(reason)}
}

func kindForReason(reason string) error {
	r := strings.ToLower(reason)
	for _, k := range reasonKinds {
		for _, f := range k.fragments {
			if strings.Contains(r, f) {
				return k.kind
			}
		}
	}
	return ErrReverted
}

// asRevert converts a node error carrying revert data into a RevertError.
// Other errors are returned unchanged.
func asRevert(err error) error {
	if err == nil {
		return nil
	}
	data, ok := rpc.RevertData(err)
	if !ok {
		return err
	}
	if len(data) == 0 {
		// some nodes only put the reason in the message
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			msg := strings.TrimPrefix(strings.TrimPrefix(rpcErr.Message, "execution reverted"), ":")
			msg = strings.TrimSpace(msg)
			return &RevertError{Reason: msg, kind: kindForReason(msg)}
		}
	}
	return decodeRevert(data)
}

// knownRevert reports whether err is a revert with a specific kind.
func knownRevert(err error) bool {
	return errors.Is(err, ErrAlreadyVoted) || errors.Is(err, ErrNotEligible) || errors.Is(err, ErrElectionClosed)
}
