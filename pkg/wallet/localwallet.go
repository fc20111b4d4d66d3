package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// LocalWallet is a key-backed Provider for headless use and tests. It signs
// without prompting and keeps its own record of which chains are registered,
// so the switch/add flow behaves like a real wallet.
type LocalWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu     sync.Mutex
	active int64
	known  map[int64]bool
}

var _ Provider = (*LocalWallet)(nil)

// NewLocalWallet builds a local wallet from a hex private key, starting on
// chainID with only that chain registered
func NewLocalWallet(privateKeyHex string, chainID int64) (*LocalWallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &LocalWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		active:  chainID,
		known:   map[int64]bool{chainID: true},
	}, nil
}

// Connect opens a session bound to the wallet's current active chain
func (w *LocalWallet) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return &localSession{wallet: w, chainID: w.active}, nil
}

// Address returns the wallet's account address
func (w *LocalWallet) Address() string {
	return w.address.Hex()
}

func (w *LocalWallet) switchChain(chainID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.known[chainID] {
		return &ProviderError{Code: CodeChainNotAdded, Message: fmt.Sprintf("unrecognized chain id %d", chainID)}
	}
	w.active = chainID
	return nil
}

func (w *LocalWallet) addChain(params AddChainParams) error {
	if params.ChainID == 0 {
		return &ProviderError{Code: CodeUnauthorized, Message: "chain id is required"}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[params.ChainID] = true
	return nil
}

// localSession reports the chain it was connected on. Switching retargets the
// wallet, not the session; callers rebuild through Connect to observe the new
// chain.
type localSession struct {
	wallet  *LocalWallet
	chainID int64

	mu     sync.Mutex
	closed bool
}

var _ Session = (*localSession)(nil)

func (s *localSession) Address() string {
	return s.wallet.Address()
}

func (s *localSession) ChainID(ctx context.Context) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return s.chainID, nil
}

func (s *localSession) SwitchChain(ctx context.Context, chainID int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.wallet.switchChain(chainID)
}

func (s *localSession) AddChain(ctx context.Context, params AddChainParams) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.wallet.addChain(params)
}

func (s *localSession) SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	digest, err := TypedDataDigest(typedData)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, s.wallet.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign typed data: %w", err)
	}

	// Convert v from recovery id to ethereum format (27/28)
	if len(signature) == 65 {
		signature[64] += 27
	}

	return signature, nil
}

func (s *localSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *localSession) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// TypedDataDigest computes the EIP-712 signing digest
// keccak256("\x19\x01" || domainSeparator || structHash)
func TypedDataDigest(typedData apitypes.TypedData) ([]byte, error) {
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data message: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash EIP712 domain: %w", err)
	}

	return crypto.Keccak256([]byte("\x19\x01"), domainSeparator, typedDataHash), nil
}
