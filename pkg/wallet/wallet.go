package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP-1193 provider error codes surfaced by wallets
const (
	CodeUserRejected   = 4001
	CodeUnauthorized   = 4100
	CodeDisconnected   = 4900
	CodeChainNotAdded  = 4902
	CodeRequestPending = -32002
)

var (
	// ErrUserRejected indicates the user declined a wallet prompt. An attempt
	// that hits it must not re-prompt with the same nonce.
	ErrUserRejected = errors.New("user rejected the wallet request")

	// ErrChainNotAdded indicates the wallet does not know the requested chain
	// and it must be registered before switching.
	ErrChainNotAdded = errors.New("chain is not registered with the wallet")

	// ErrRequestPending indicates a second prompt was issued while one was
	// still open. Wallets allow only one pending prompt at a time.
	ErrRequestPending = errors.New("a wallet request is already pending")

	// ErrSessionClosed indicates an operation on a closed session
	ErrSessionClosed = errors.New("wallet session is closed")
)

// ProviderError is a wallet-originated error with its EIP-1193 code preserved
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("wallet error %d: %s", e.Code, e.Message)
}

// Is maps well-known provider codes onto the package sentinels so callers can
// branch with errors.Is
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrUserRejected:
		return e.Code == CodeUserRejected
	case ErrChainNotAdded:
		return e.Code == CodeChainNotAdded
	case ErrRequestPending:
		return e.Code == CodeRequestPending
	}
	return false
}

// AddChainParams is the metadata a wallet needs to register a chain
type AddChainParams struct {
	ChainID           int64
	ChainName         string
	RPCURLs           []string
	NativeCurrency    NativeCurrency
	BlockExplorerURLs []string
}

// NativeCurrency is the gas token shown by the wallet for an added chain
type NativeCurrency struct {
	Name     string
	Symbol   string
	Decimals int
}

// TypedDataSigner is the signing capability the authorization flow depends
// on. Implementations prompt the user (or sign directly for key-backed
// wallets) and return the 65-byte r||s||v signature with v in 27/28 form.
type TypedDataSigner interface {
	Address() string
	SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error)
}

// Session is one live connection to a wallet. A session is bound to the chain
// it was connected on: after a chain switch it must be discarded and rebuilt
// through Provider.Connect, never reused.
type Session interface {
	TypedDataSigner

	ChainID(ctx context.Context) (int64, error)
	SwitchChain(ctx context.Context, chainID int64) error
	AddChain(ctx context.Context, params AddChainParams) error
	Close() error
}

// Provider hands out wallet sessions. It is the single injected dependency
// through which all wallet interaction flows.
type Provider interface {
	Connect(ctx context.Context) (Session, error)
}
