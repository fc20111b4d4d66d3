package evm

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/signalhouse/agentpay/pkg/constants"
	"github.com/signalhouse/agentpay/pkg/metrics"
	"github.com/signalhouse/agentpay/pkg/networks"
)

// BalanceCheck is the outcome of a pre-flight USDC balance verification
type BalanceCheck struct {
	// Balance is the on-chain balance in atomic units, nil when unverified
	Balance *big.Int
	// Needed is the amount the check compared against
	Needed *big.Int
	// Sufficient reports whether Balance covers Needed
	Sufficient bool
	// Verified is false when no RPC endpoint could answer. Sufficient is
	// meaningless then and callers should proceed and let the chain decide.
	Verified bool
}

// BalanceVerifier answers pre-flight balance checks against on-chain USDC
// state
type BalanceVerifier struct {
	registry *networks.Registry
	logger   *slog.Logger
	recorder metrics.Recorder
}

// VerifierOption configures a BalanceVerifier
type VerifierOption func(*BalanceVerifier)

// WithVerifierLogger sets the logger
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *BalanceVerifier) {
		v.logger = logger
	}
}

// WithVerifierMetrics sets the metrics recorder
func WithVerifierMetrics(recorder metrics.Recorder) VerifierOption {
	return func(v *BalanceVerifier) {
		v.recorder = recorder
	}
}

// NewBalanceVerifier creates a balance verifier backed by the given network
// registry
func NewBalanceVerifier(registry *networks.Registry, opts ...VerifierOption) *BalanceVerifier {
	v := &BalanceVerifier{
		registry: registry,
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CheckBalance reports whether userAddress holds at least needed USDC on the
// given network. A nil needed falls back to the minimum run price. RPC
// failures never fail the check: the result comes back unverified so the
// payment flow can proceed and let the chain be the final arbiter.
func (v *BalanceVerifier) CheckBalance(ctx context.Context, userAddress, network string, needed *big.Int) BalanceCheck {
	if needed == nil {
		needed = big.NewInt(constants.MinimumRunPrice)
	}
	check := BalanceCheck{Needed: needed}

	cfg, err := v.registry.Get(network)
	if err != nil {
		v.logger.Warn("balance check skipped", "network", network, "error", err)
		return check
	}

	start := time.Now()
	balance, err := NewRPCClient(cfg).BalanceOf(ctx, cfg.USDCAddress, userAddress)
	v.recorder.ObserveLatency(metrics.OpBalanceCheck, time.Since(start), map[string]string{"network": network})
	if err != nil {
		v.logger.Warn("balance check unverified",
			"network", network,
			"user_address", userAddress,
			"error", err)
		return check
	}

	check.Balance = balance
	check.Sufficient = balance.Cmp(needed) >= 0
	check.Verified = true

	if !check.Sufficient {
		v.recorder.IncCounter(metrics.CounterBalanceInsufficient, map[string]string{"network": network})
		v.logger.Info("balance insufficient",
			"network", network,
			"user_address", userAddress,
			"balance", balance.String(),
			"needed", needed.String())
	}

	return check
}
