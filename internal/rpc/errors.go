package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NodeError is a kind of node-side rejection. Kinds are sentinels compared
// with errors.Is; *RPCError unwraps to its kind.
type NodeError struct {
	Kind string
}

func (e *NodeError) Error() string { return e.Kind }

var (
	ErrNonceTooLow       = &NodeError{Kind: "nonce too low"}
	ErrUnderpriced       = &NodeError{Kind: "transaction underpriced"}
	ErrAlreadyKnown      = &NodeError{Kind: "already known"}
	ErrInsufficientFunds = &NodeError{Kind: "insufficient funds"}
	ErrExecutionReverted = &NodeError{Kind: "execution reverted"}
	ErrGasLimitExceeded  = &NodeError{Kind: "gas limit exceeded"}
	ErrServerUnavailable = &NodeError{Kind: "server unavailable"}
	errUnclassifiedNode  = &NodeError{Kind: "node error"}
)

// nodeErrorPatterns maps node message fragments to kinds. This is the only
// place where node error text is inspected.
var nodeErrorPatterns = []struct {
	fragments []string
	kind      *NodeError
}{
	{[]string{"nonce too low", "nonce is too low", "invalid nonce"}, ErrNonceTooLow},
	{[]string{"underpriced", "fee too low", "max fee per gas less than block base fee"}, ErrUnderpriced},
	{[]string{"already known", "known transaction", "already imported"}, ErrAlreadyKnown},
	{[]string{"insufficient funds"}, ErrInsufficientFunds},
	{[]string{"execution reverted", "reverted", "vm exception"}, ErrExecutionReverted},
	{[]string{"exceeds block gas limit", "gas required exceeds", "intrinsic gas too low"}, ErrGasLimitExceeded},
}

// RPCError is a JSON-RPC error returned by the node.
type RPCError struct {
	Code    int
	Message string
	// Data is the raw error payload, e.g. ABI-encoded revert data.
	Data []byte
	kind *NodeError
}

func newRPCError(e *JSONRPCError) *RPCError {
	rpcErr := &RPCError{
		Code:    e.Code,
		Message: e.Message,
		Data:    decodeErrorData(e.Data),
	}
	rpcErr.kind = classifyNodeError(rpcErr.Code, rpcErr.Message)
	return rpcErr
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Unwrap returns the node error kind.
func (e *RPCError) Unwrap() error {
	if e.kind == nil {
		return classifyNodeError(e.Code, e.Message)
	}
	return e.kind
}

// IsRetryable reports whether resending may succeed: stale nonces and price
// rejections are fixed by resync/repricing, and server-range errors are transient.
func (e *RPCError) IsRetryable() bool {
	switch e.Unwrap() {
	case ErrNonceTooLow, ErrUnderpriced, ErrServerUnavailable:
		return true
	}
	return false
}

func classifyNodeError(code int, message string) *NodeError {
	msg := strings.ToLower(message)
	for _, p := range nodeErrorPatterns {
		for _, f := range p.fragments {
			if strings.Contains(msg, f) {
				return p.kind
			}
		}
	}
	// -32603 internal error, -32005 limit exceeded
	if code == -32603 || code == -32005 {
		return ErrServerUnavailable
	}
	if code == 3 {
		return ErrExecutionReverted
	}
	return errUnclassifiedNode
}

// decodeErrorData extracts revert bytes from the error data field, which nodes
// send either as a hex string or as an object with a "data" member.
func decodeErrorData(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil
		}
		return b
	}
	var obj struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Data != "" {
		b, err := hexutil.Decode(obj.Data)
		if err != nil {
			return nil
		}
		return b
	}
	return nil
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// RevertData returns the revert payload carried by err, if any.
func RevertData(err error) ([]byte, bool) {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || !errors.Is(rpcErr, ErrExecutionReverted) {
		return nil, false
	}
	return rpcErr.Data, true
}

// NewError builds an RPCError as if the node had returned it.
func NewError(code int, message string, data []byte) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
		kind:    classifyNodeError(code, message),
	}
}
