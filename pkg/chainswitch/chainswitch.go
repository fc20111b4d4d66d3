package chainswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalhouse/agentpay/pkg/constants"
	"github.com/signalhouse/agentpay/pkg/metrics"
	"github.com/signalhouse/agentpay/pkg/networks"
	"github.com/signalhouse/agentpay/pkg/wallet"
)

// Stage is a step of the chain switch flow
type Stage int

const (
	StageUnknown Stage = iota
	StageChecking
	StageSwitching
	StageAdding
	StageVerified
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageChecking:
		return "checking"
	case StageSwitching:
		return "switching"
	case StageAdding:
		return "adding"
	case StageVerified:
		return "verified"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChainSwitchError indicates the wallet ended up on the wrong chain after a
// switch that the provider reported as successful
type ChainSwitchError struct {
	Want  int64
	Got   int64
	Stage Stage
}

func (e *ChainSwitchError) Error() string {
	return fmt.Sprintf("chain switch failed at %s: wallet is on chain %d, want %d", e.Stage, e.Got, e.Want)
}

// Coordinator drives the wallet onto a required chain before signing.
//
// The flow is switch, with a one-shot add fallback when the wallet does not
// know the chain (EIP-1193 code 4902), then a rebuild of the session handle.
// Session handles are bound to their connect-time chain, so the handle that
// performed the switch is closed and a fresh one is connected before the
// result is verified.
type Coordinator struct {
	provider    wallet.Provider
	registry    *networks.Registry
	logger      *slog.Logger
	recorder    metrics.Recorder
	settleDelay time.Duration
	onStage     func(Stage)
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder metrics.Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = recorder
	}
}

// WithSettleDelay overrides the pause between a chain switch and the
// verification read, giving the provider time to propagate the change
func WithSettleDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.settleDelay = d
	}
}

// WithStageObserver registers a callback invoked on every stage transition,
// for surfacing switch progress in a UI
func WithStageObserver(fn func(Stage)) Option {
	return func(c *Coordinator) {
		c.onStage = fn
	}
}

// NewCoordinator creates a coordinator that rebuilds sessions through provider
func NewCoordinator(provider wallet.Provider, registry *networks.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		provider:    provider,
		registry:    registry,
		logger:      slog.Default(),
		recorder:    metrics.NoopRecorder{},
		settleDelay: constants.ChainSwitchSettleDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ensure returns a session whose wallet is on chainID. When the wallet is
// already there the given session is returned untouched. Otherwise the wallet
// is switched (adding the chain first if it is unknown), the stale session is
// closed, and a freshly connected session is verified and returned.
func (c *Coordinator) Ensure(ctx context.Context, session wallet.Session, chainID int64) (wallet.Session, error) {
	start := time.Now()
	c.setStage(StageChecking)

	current, err := session.ChainID(ctx)
	if err != nil {
		c.setStage(StageFailed)
		return nil, fmt.Errorf("failed to read wallet chain: %w", err)
	}
	if current == chainID {
		c.setStage(StageVerified)
		return session, nil
	}

	cfg, err := c.registry.GetByChainID(chainID)
	if err != nil {
		c.setStage(StageFailed)
		return nil, err
	}

	c.logger.Info("switching wallet chain",
		"from_chain_id", current,
		"to_chain_id", chainID,
		"network", cfg.Network)

	c.setStage(StageSwitching)
	switchErr := session.SwitchChain(ctx, chainID)
	if errors.Is(switchErr, wallet.ErrChainNotAdded) {
		c.setStage(StageAdding)
		c.logger.Info("chain unknown to wallet, adding", "chain_id", chainID, "network", cfg.Network)
		if err := session.AddChain(ctx, addChainParams(cfg)); err != nil {
			c.setStage(StageFailed)
			return nil, fmt.Errorf("failed to add chain %d to wallet: %w", chainID, err)
		}
		c.setStage(StageSwitching)
		switchErr = session.SwitchChain(ctx, chainID)
	}
	if switchErr != nil {
		if errors.Is(switchErr, wallet.ErrUserRejected) {
			c.recorder.IncCounter(metrics.CounterUserRejected, map[string]string{"network": cfg.Network})
		}
		c.setStage(StageFailed)
		return nil, fmt.Errorf("failed to switch wallet to chain %d: %w", chainID, switchErr)
	}

	// The old handle still reports the chain it was connected on
	if err := session.Close(); err != nil {
		c.logger.Warn("failed to close stale wallet session", "error", err)
	}

	if err := c.settle(ctx); err != nil {
		c.setStage(StageFailed)
		return nil, err
	}

	fresh, err := c.provider.Connect(ctx)
	if err != nil {
		c.setStage(StageFailed)
		return nil, fmt.Errorf("failed to reconnect wallet after chain switch: %w", err)
	}

	got, err := fresh.ChainID(ctx)
	if err != nil {
		_ = fresh.Close()
		c.setStage(StageFailed)
		return nil, fmt.Errorf("failed to read wallet chain after switch: %w", err)
	}
	if got != chainID {
		_ = fresh.Close()
		c.setStage(StageFailed)
		return nil, &ChainSwitchError{Want: chainID, Got: got, Stage: StageSwitching}
	}

	c.setStage(StageVerified)
	c.recorder.IncCounter(metrics.CounterChainSwitched, map[string]string{"network": cfg.Network})
	c.recorder.ObserveLatency(metrics.OpChainSwitch, time.Since(start), map[string]string{"network": cfg.Network})
	c.logger.Info("wallet chain switched", "chain_id", chainID, "network", cfg.Network)

	return fresh, nil
}

// settle waits out the provider's propagation window, honoring cancellation
func (c *Coordinator) settle(ctx context.Context) error {
	if c.settleDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(c.settleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Coordinator) setStage(stage Stage) {
	if c.onStage != nil {
		c.onStage(stage)
	}
}

func addChainParams(cfg networks.NetworkConfig) wallet.AddChainParams {
	params := wallet.AddChainParams{
		ChainID:   cfg.ChainID,
		ChainName: cfg.Network,
		RPCURLs:   cfg.RPCURLs,
		NativeCurrency: wallet.NativeCurrency{
			Name:     cfg.NativeCurrency.Name,
			Symbol:   cfg.NativeCurrency.Symbol,
			Decimals: cfg.NativeCurrency.Decimals,
		},
	}
	if cfg.ExplorerURL != "" {
		params.BlockExplorerURLs = []string{cfg.ExplorerURL}
	}
	return params
}
