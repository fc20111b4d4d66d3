package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	x402types "github.com/coinbase/x402/go/pkg/types"
	"github.com/google/uuid"
	"github.com/signalhouse/agentpay/pkg/agentapi"
	"github.com/signalhouse/agentpay/pkg/chainswitch"
	"github.com/signalhouse/agentpay/pkg/constants"
	"github.com/signalhouse/agentpay/pkg/evm"
	"github.com/signalhouse/agentpay/pkg/metrics"
	"github.com/signalhouse/agentpay/pkg/networks"
	"github.com/signalhouse/agentpay/pkg/types"
	"github.com/signalhouse/agentpay/pkg/wallet"
)

// Orchestrator drives the x402 payment handshake end to end: request a run,
// gate on balance, align the wallet chain, sign the transfer authorization,
// and submit the paid execution. It is the only component applications need
// to call.
//
// Every step is a hard gate. The first failure aborts the attempt, and a new
// attempt must start over with a fresh payment requirement and nonce.
type Orchestrator struct {
	backend  *agentapi.Client
	provider wallet.Provider
	registry *networks.Registry
	verifier *evm.BalanceVerifier
	switcher *chainswitch.Coordinator
	signer   *evm.AuthorizationSigner

	network string
	asset   string

	mode     SettlementMode
	executor *evm.SettlementExecutor
	settler  *FacilitatorSettler

	logger   *slog.Logger
	recorder metrics.Recorder
	now      func() time.Time
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithRegistry overrides the default network registry
func WithRegistry(registry *networks.Registry) OrchestratorOption {
	return func(o *Orchestrator) {
		o.registry = registry
	}
}

// WithNetwork sets the network named in run requests. Defaults to base.
func WithNetwork(network string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.network = network
	}
}

// WithAsset sets an explicit asset contract for run requests. When unset the
// backend picks the network's canonical stablecoin.
func WithAsset(asset string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.asset = asset
	}
}

// WithLogger overrides the default logger
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder metrics.Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.recorder = recorder
	}
}

// WithNow injects the clock used for expiry checks
func WithNow(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithDirectSettlement makes the orchestrator submit each signed
// authorization on-chain through the given executor and report the
// transaction to the backend. Mutually exclusive with facilitator settlement.
func WithDirectSettlement(executor *evm.SettlementExecutor) OrchestratorOption {
	return func(o *Orchestrator) {
		o.executor = executor
	}
}

// WithFacilitatorSettlement makes the orchestrator drive verify and settle
// through the given facilitator settler and report the transaction to the
// backend. Mutually exclusive with direct settlement.
func WithFacilitatorSettlement(settler *FacilitatorSettler) OrchestratorOption {
	return func(o *Orchestrator) {
		o.settler = settler
	}
}

// NewOrchestrator wires the payment flow around a backend client and a wallet
// provider. Without a settlement option the backend's facilitator redeems the
// authorization and the client performs no settlement of its own.
func NewOrchestrator(backend *agentapi.Client, provider wallet.Provider, opts ...OrchestratorOption) (*Orchestrator, error) {
	if backend == nil {
		return nil, errors.New("backend client is required")
	}
	if provider == nil {
		return nil, errors.New("wallet provider is required")
	}

	o := &Orchestrator{
		backend:  backend,
		provider: provider,
		network:  constants.NetworkBase,
		mode:     SettlementFacilitated,
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.executor != nil && o.settler != nil {
		return nil, errors.New("settlement modes are mutually exclusive: configure direct or facilitator settlement, not both")
	}
	switch {
	case o.executor != nil:
		o.mode = SettlementDirect
	case o.settler != nil:
		o.mode = SettlementClientFacilitator
	}

	if o.registry == nil {
		o.registry = networks.Default()
	}
	o.verifier = evm.NewBalanceVerifier(o.registry,
		evm.WithVerifierLogger(o.logger),
		evm.WithVerifierMetrics(o.recorder))
	o.switcher = chainswitch.NewCoordinator(provider, o.registry,
		chainswitch.WithLogger(o.logger),
		chainswitch.WithMetrics(o.recorder))
	o.signer = evm.NewAuthorizationSigner(o.registry,
		evm.WithSignerLogger(o.logger),
		evm.WithSignerMetrics(o.recorder))

	return o, nil
}

// Mode returns the active settlement mode
func (o *Orchestrator) Mode() SettlementMode {
	return o.mode
}

// RunAgentWithX402 runs one paid agent query end to end and returns the
// agent's result. The attempt is identified by a correlation id that appears
// in every log line and in the returned error.
func (o *Orchestrator) RunAgentWithX402(ctx context.Context, agentID, query, userAddress string) (*types.RunResult, error) {
	attemptID := uuid.NewString()
	logger := o.logger.With("attempt_id", attemptID, "agent_id", agentID)

	o.recorder.IncCounter(metrics.CounterRunRequested, map[string]string{"network": o.network})
	start := o.now()

	result, err := o.run(ctx, logger, agentID, query, userAddress)
	if err != nil {
		o.recorder.IncCounter(metrics.CounterRunFailed, map[string]string{"network": o.network})
		logger.ErrorContext(ctx, "agent run failed", "error", err)
		return nil, fmt.Errorf("attempt %s: %w", attemptID, err)
	}

	o.recorder.IncCounter(metrics.CounterRunCompleted, map[string]string{"network": o.network})
	o.recorder.ObserveLatency(metrics.OpRun, o.now().Sub(start), map[string]string{"network": o.network})
	logger.InfoContext(ctx, "agent run completed", "transaction_id", result.TransactionID)

	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, agentID, query, userAddress string) (*types.RunResult, error) {
	// Step 1: request the run; the only acceptable answer is 402 with a
	// payment requirement.
	paymentRequired, err := o.backend.RequestRun(ctx, &types.RunRequest{
		AgentID:     agentID,
		Query:       query,
		UserAddress: userAddress,
		Network:     o.network,
		Asset:       o.asset,
	})
	if err != nil {
		return nil, err
	}
	issuedAt := o.now()
	o.recorder.IncCounter(metrics.CounterPaymentRequired, map[string]string{"network": o.network})

	requirement, err := paymentRequired.Requirement()
	if err != nil {
		return nil, err
	}
	extra, err := types.ParseRequirementExtra(requirement)
	if err != nil {
		return nil, fmt.Errorf("invalid payment requirement: %w", err)
	}

	network := requirement.Network
	if network == "" {
		network = o.network
	}
	cfg, err := o.registry.Get(network)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "payment requirement received",
		"network", network,
		"max_amount", requirement.MaxAmountRequired,
		"pay_to", requirement.PayTo,
		"nonce", extra.Nonce)

	// Step 2: balance gate. Runs before any wallet interaction so an
	// underfunded account never sees a prompt.
	needed, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("invalid maxAmountRequired in payment requirement: %s", requirement.MaxAmountRequired)
	}
	check := o.verifier.CheckBalance(ctx, userAddress, network, needed)
	if check.Verified && !check.Sufficient {
		return nil, &InsufficientBalanceError{Have: check.Balance, Need: needed}
	}

	// Step 3: align the wallet chain. The coordinator may rebuild the
	// session; all later wallet calls use the returned handle.
	session, err := o.provider.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet connection failed: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil && !errors.Is(cerr, wallet.ErrSessionClosed) {
			logger.WarnContext(ctx, "failed to close wallet session", "error", cerr)
		}
	}()

	switched, err := o.switcher.Ensure(ctx, session, cfg.ChainID)
	if err != nil {
		return nil, err
	}
	session = switched

	if !strings.EqualFold(session.Address(), userAddress) {
		return nil, fmt.Errorf("wallet address %s does not match requested user address %s", session.Address(), userAddress)
	}

	// Step 4: refuse to sign outside the requirement's validity window, then
	// obtain the transfer authorization.
	if err := o.checkRequirementWindow(extra, issuedAt, requirement.MaxTimeoutSeconds); err != nil {
		return nil, err
	}

	auth, err := o.signer.Sign(ctx, requirement, extra, nil, session)
	if err != nil {
		return nil, err
	}

	// Step 5: submit the paid execution. The nonce is treated as consumed
	// from here on whatever the outcome; a retry needs a fresh requirement.
	execStart := o.now()
	result, err := o.backend.Execute(ctx, &types.ExecuteRequest{
		AgentID:                agentID,
		Query:                  query,
		UserAddress:            userAddress,
		TransactionID:          extra.Nonce,
		AuthorizationSignature: auth,
		Network:                network,
	})
	if err != nil {
		return nil, err
	}
	o.recorder.ObserveLatency(metrics.OpExecute, o.now().Sub(execStart), map[string]string{"network": network})

	// Step 6: settlement, only when a client-side mode is configured
	if err := o.settleResult(ctx, logger, result, auth, requirement, extra, network); err != nil {
		return nil, err
	}

	return result, nil
}

// checkRequirementWindow enforces validAfter <= now <= validBefore and the
// requirement's maxTimeoutSeconds deadline measured from issuance.
func (o *Orchestrator) checkRequirementWindow(extra *types.RequirementExtra, issuedAt time.Time, maxTimeoutSeconds int) error {
	now := o.now()

	if extra.ValidAfter > 0 && now.Unix() < extra.ValidAfter {
		return fmt.Errorf("payment requirement not yet valid: validAfter %d, now %d", extra.ValidAfter, now.Unix())
	}
	if now.Unix() > extra.ValidBefore {
		return &RequirementExpiredError{ValidBefore: extra.ValidBefore, Now: now.Unix()}
	}
	if maxTimeoutSeconds > 0 {
		deadline := issuedAt.Add(time.Duration(maxTimeoutSeconds) * time.Second)
		if now.After(deadline) {
			return &RequirementExpiredError{ValidBefore: deadline.Unix(), Now: now.Unix()}
		}
	}
	return nil
}

// settleResult runs the configured client-side settlement path and attaches
// the settlement to the run result. In the default facilitated mode it does
// nothing.
func (o *Orchestrator) settleResult(ctx context.Context, logger *slog.Logger, result *types.RunResult, auth *types.Authorization, requirement *x402types.PaymentRequirements, extra *types.RequirementExtra, network string) error {
	switch o.mode {
	case SettlementFacilitated:
		return nil

	case SettlementDirect:
		receipt, err := o.executor.Execute(ctx, auth, network)
		if err != nil {
			return fmt.Errorf("run succeeded but direct settlement failed: %w", err)
		}
		result.Settlement = &types.SettlementInfo{
			TxHash:      receipt.TxHash,
			BlockNumber: receipt.BlockNumber,
			Network:     network,
		}
		o.reportSettlement(ctx, logger, extra.Nonce, receipt.TxHash, receipt.BlockNumber)
		return nil

	case SettlementClientFacilitator:
		settleResp, err := o.settler.Settle(ctx, auth, requirement)
		if err != nil {
			return fmt.Errorf("run succeeded but facilitator settlement failed: %w", err)
		}
		result.Settlement = &types.SettlementInfo{
			TxHash:  settleResp.Transaction,
			Network: network,
		}
		o.reportSettlement(ctx, logger, extra.Nonce, settleResp.Transaction, 0)
		return nil

	default:
		return fmt.Errorf("unknown settlement mode %s", o.mode)
	}
}

// reportSettlement tells the backend about a client-side settlement. The
// money has already moved, so a failed report is logged and not fatal.
func (o *Orchestrator) reportSettlement(ctx context.Context, logger *slog.Logger, transactionID, txHash string, blockNumber uint64) {
	_, err := o.backend.Settle(ctx, &types.SettleRequest{
		TransactionID: transactionID,
		TxHash:        txHash,
		BlockNumber:   blockNumber,
	})
	if err != nil {
		logger.WarnContext(ctx, "settlement report failed",
			"transaction_id", transactionID,
			"tx_hash", txHash,
			"error", err)
		return
	}
	logger.InfoContext(ctx, "settlement reported",
		"transaction_id", transactionID,
		"tx_hash", txHash)
}
