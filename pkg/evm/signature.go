package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	x402types "github.com/coinbase/x402/go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/signalhouse/agentpay/pkg/metrics"
	"github.com/signalhouse/agentpay/pkg/networks"
	"github.com/signalhouse/agentpay/pkg/types"
	"github.com/signalhouse/agentpay/pkg/wallet"
)

// NonceHash derives the on-chain bytes32 nonce from the opaque nonce string
// issued by the agent backend. The backend tracks the opaque form; the chain
// only ever sees this hash.
func NonceHash(nonce string) common.Hash {
	return crypto.Keccak256Hash([]byte(nonce))
}

// SplitSignature splits a 65-byte ECDSA signature into its v, r, s components,
// normalizing v to the 27/28 form transferWithAuthorization expects
func SplitSignature(signature []byte) (uint8, common.Hash, common.Hash, error) {
	if len(signature) != 65 {
		return 0, common.Hash{}, common.Hash{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}

	r := common.BytesToHash(signature[:32])
	s := common.BytesToHash(signature[32:64])
	v := signature[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, common.Hash{}, common.Hash{}, fmt.Errorf("invalid recovery id: %d", signature[64])
	}

	return v, r, s, nil
}

// NonceChecker reads EIP-3009 authorization consumption state. *RPCClient is
// the production implementation.
type NonceChecker interface {
	IsNonceAlreadyUsed(ctx context.Context, nonce, authorizer, asset string) (bool, error)
}

var _ NonceChecker = (*RPCClient)(nil)

// AuthorizationSigner turns payment requirements into signed EIP-3009 transfer
// authorizations. It refuses to prompt the wallet when the authorization could
// never settle: a consumed nonce or a value above the requirement's maximum
// fails before any signing request reaches the user.
type AuthorizationSigner struct {
	registry *networks.Registry
	logger   *slog.Logger
	recorder metrics.Recorder
	checker  NonceChecker
}

// SignerOption configures an AuthorizationSigner
type SignerOption func(*AuthorizationSigner)

// WithSignerLogger sets the logger
func WithSignerLogger(logger *slog.Logger) SignerOption {
	return func(s *AuthorizationSigner) {
		s.logger = logger
	}
}

// WithSignerMetrics sets the metrics recorder
func WithSignerMetrics(recorder metrics.Recorder) SignerOption {
	return func(s *AuthorizationSigner) {
		s.recorder = recorder
	}
}

// WithNonceChecker overrides the on-chain nonce lookup. Without it the signer
// dials the network's RPC endpoints per call.
func WithNonceChecker(checker NonceChecker) SignerOption {
	return func(s *AuthorizationSigner) {
		s.checker = checker
	}
}

// NewAuthorizationSigner creates a signer backed by the given network registry
func NewAuthorizationSigner(registry *networks.Registry, opts ...SignerOption) *AuthorizationSigner {
	s := &AuthorizationSigner{
		registry: registry,
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign produces a transfer authorization for the given requirement, signed by
// the wallet. A nil value authorizes the requirement's full maxAmountRequired.
//
// The nonce is checked on-chain before the wallet is prompted: a consumed
// nonce returns NonceUsedError and an unreachable network returns
// RPCUnavailableError, both without any signing request.
func (s *AuthorizationSigner) Sign(ctx context.Context, requirements *x402types.PaymentRequirements, extra *types.RequirementExtra, value *big.Int, signer wallet.TypedDataSigner) (*types.Authorization, error) {
	if extra == nil {
		return nil, errors.New("requirement extra data is required")
	}

	cfg, err := s.registry.Get(requirements.Network)
	if err != nil {
		return nil, err
	}

	maxAmount, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("invalid maxAmountRequired: %s", requirements.MaxAmountRequired)
	}
	if value == nil {
		value = maxAmount
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("transfer value must be positive, got %s", value)
	}
	if value.Cmp(maxAmount) > 0 {
		return nil, &ValueExceedsMaxError{Value: value, Max: maxAmount}
	}

	asset := requirements.Asset
	if asset == "" {
		asset = cfg.USDCAddress
	}

	nonceHash := NonceHash(extra.Nonce)

	checker := s.checker
	if checker == nil {
		checker = NewRPCClient(cfg)
	}
	used, err := checker.IsNonceAlreadyUsed(ctx, nonceHash.Hex(), signer.Address(), asset)
	if err != nil {
		var unavailable *RPCUnavailableError
		if errors.As(err, &unavailable) {
			return nil, err
		}
		return nil, &RPCUnavailableError{Network: requirements.Network, Op: "authorizationState", Err: err}
	}
	if used {
		s.recorder.IncCounter(metrics.CounterNonceUsed, map[string]string{"network": requirements.Network})
		return nil, &NonceUsedError{Nonce: extra.Nonce}
	}

	domainName := extra.Name
	if domainName == "" {
		domainName = cfg.AssetName
	}
	domainVersion := extra.Version
	if domainVersion == "" {
		domainVersion = cfg.AssetVersion
	}

	from := strings.ToLower(signer.Address())
	to := strings.ToLower(requirements.PayTo)
	validAfter := strconv.FormatInt(extra.ValidAfter, 10)
	validBefore := strconv.FormatInt(extra.ValidBefore, 10)

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(cfg.ChainID),
			VerifyingContract: strings.ToLower(asset),
		},
		Message: apitypes.TypedDataMessage{
			"from":        from,
			"to":          to,
			"value":       value.String(),
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       nonceHash.Hex(),
		},
	}

	start := time.Now()
	signature, err := signer.SignTypedData(ctx, typedData)
	s.recorder.ObserveLatency(metrics.OpSign, time.Since(start), map[string]string{"network": requirements.Network})
	if err != nil {
		if errors.Is(err, wallet.ErrUserRejected) {
			s.recorder.IncCounter(metrics.CounterUserRejected, map[string]string{"network": requirements.Network})
		}
		return nil, fmt.Errorf("wallet signing failed: %w", err)
	}

	v, sigR, sigS, err := SplitSignature(signature)
	if err != nil {
		return nil, err
	}

	auth := &types.Authorization{
		From:        from,
		To:          to,
		Value:       value.String(),
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonceHash.Hex(),
		V:           v,
		R:           sigR.Hex(),
		S:           sigS.Hex(),
	}

	s.recorder.IncCounter(metrics.CounterAuthorizationSigned, map[string]string{"network": requirements.Network})
	s.logger.Debug("authorization signed",
		"network", requirements.Network,
		"from", from,
		"to", to,
		"value", value.String(),
		"nonce", nonceHash.Hex())

	return auth, nil
}
