package evm

import (
	"fmt"
	"math/big"
)

// RPCError wraps a failure from a single RPC endpoint
type RPCError struct {
	Endpoint string
	Err      error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc endpoint %s: %v", e.Endpoint, e.Err)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// RPCUnavailableError indicates every configured endpoint for a network failed
// during an operation. Err holds the last per-endpoint failure.
type RPCUnavailableError struct {
	Network string
	Op      string
	Err     error
}

func (e *RPCUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("all RPC endpoints failed for network %s during %s: %v", e.Network, e.Op, e.Err)
	}
	return fmt.Sprintf("all RPC endpoints failed for network %s during %s", e.Network, e.Op)
}

func (e *RPCUnavailableError) Unwrap() error {
	return e.Err
}

// NonceUsedError indicates the authorization nonce was already consumed
// on-chain. Nonce is the opaque backend-issued form, not its keccak hash.
type NonceUsedError struct {
	Nonce string
}

func (e *NonceUsedError) Error() string {
	return fmt.Sprintf("authorization nonce already used on-chain: %s", e.Nonce)
}

// ValueExceedsMaxError indicates a transfer value above the requirement's
// maximum
type ValueExceedsMaxError struct {
	Value *big.Int
	Max   *big.Int
}

func (e *ValueExceedsMaxError) Error() string {
	return fmt.Sprintf("transfer value %s exceeds maximum required %s", e.Value, e.Max)
}
