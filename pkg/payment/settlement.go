package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coinbase/x402/go/pkg/coinbasefacilitator"
	"github.com/coinbase/x402/go/pkg/facilitatorclient"
	x402types "github.com/coinbase/x402/go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/signalhouse/agentpay/pkg/constants"
	"github.com/signalhouse/agentpay/pkg/evm"
	"github.com/signalhouse/agentpay/pkg/metrics"
	"github.com/signalhouse/agentpay/pkg/networks"
	"github.com/signalhouse/agentpay/pkg/types"
	"github.com/signalhouse/agentpay/pkg/utils"
)

// SettlementMode selects who redeems a signed authorization on-chain.
type SettlementMode int

const (
	// SettlementFacilitated leaves redemption to the backend's facilitator.
	// This is the default: the client signs, submits, and walks away.
	SettlementFacilitated SettlementMode = iota

	// SettlementDirect submits the authorization on-chain through a relayer
	// key and reports the transaction back to the backend.
	SettlementDirect

	// SettlementClientFacilitator drives verify then settle against a
	// configured facilitator list, then reports to the backend.
	SettlementClientFacilitator
)

func (m SettlementMode) String() string {
	switch m {
	case SettlementFacilitated:
		return "facilitated"
	case SettlementDirect:
		return "direct"
	case SettlementClientFacilitator:
		return "client-facilitator"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// FacilitatorSettler drives client-side payment redemption against one or
// more x402 facilitators, falling over to the next facilitator on retryable
// errors. Verify must pass before settle is attempted.
type FacilitatorSettler struct {
	configs          []*x402types.FacilitatorConfig
	registry         *networks.Registry
	logger           *slog.Logger
	recorder         metrics.Recorder
	skipVerification bool
}

// SettlerOption configures a FacilitatorSettler
type SettlerOption func(*FacilitatorSettler)

// WithSettlerLogger overrides the default logger
func WithSettlerLogger(logger *slog.Logger) SettlerOption {
	return func(s *FacilitatorSettler) {
		s.logger = logger
	}
}

// WithSettlerMetrics sets the metrics recorder
func WithSettlerMetrics(recorder metrics.Recorder) SettlerOption {
	return func(s *FacilitatorSettler) {
		s.recorder = recorder
	}
}

// WithSettlerRegistry overrides the network registry used for on-chain
// receipt verification
func WithSettlerRegistry(registry *networks.Registry) SettlerOption {
	return func(s *FacilitatorSettler) {
		s.registry = registry
	}
}

// WithCDPCredentials replaces the facilitator list with the Coinbase CDP
// facilitator authenticated by the given API key pair.
func WithCDPCredentials(keyID, keySecret string) SettlerOption {
	return func(s *FacilitatorSettler) {
		if keyID != "" && keySecret != "" {
			s.configs = []*x402types.FacilitatorConfig{
				coinbasefacilitator.CreateFacilitatorConfig(keyID, keySecret),
			}
		}
	}
}

// WithoutReceiptVerification disables the on-chain receipt check after a
// facilitator reports success.
func WithoutReceiptVerification() SettlerOption {
	return func(s *FacilitatorSettler) {
		s.skipVerification = true
	}
}

// NewFacilitatorSettler creates a settler over the given facilitator URLs,
// tried in order. Plain HTTP URLs are rejected except for localhost.
func NewFacilitatorSettler(facilitatorURLs []string, opts ...SettlerOption) (*FacilitatorSettler, error) {
	configs := make([]*x402types.FacilitatorConfig, 0, len(facilitatorURLs))
	for _, url := range facilitatorURLs {
		if err := utils.ValidateEndpointURL(url); err != nil {
			return nil, err
		}
		configs = append(configs, &x402types.FacilitatorConfig{URL: url})
	}

	s := &FacilitatorSettler{
		configs:  configs,
		registry: networks.Default(),
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if len(s.configs) == 0 {
		return nil, errors.New("at least one facilitator URL or a CDP key pair is required")
	}
	return s, nil
}

// Settle verifies and settles a signed authorization, trying each configured
// facilitator in turn. Non-retryable failures stop the failover immediately.
func (s *FacilitatorSettler) Settle(ctx context.Context, auth *types.Authorization, requirements *x402types.PaymentRequirements) (*x402types.SettleResponse, error) {
	payload := utils.WrapExactEvmPayload(auth.ToExactEvmPayload(), requirements.Network)

	start := time.Now()
	var lastErr error
	for i, config := range s.configs {
		s.logger.InfoContext(ctx, "trying facilitator",
			"index", i+1,
			"total", len(s.configs),
			"url", config.URL,
			"network", requirements.Network)

		client := utils.NewFacilitatorClient(config, utils.CreateHTTPClientWithTimeouts(constants.FacilitatorTimeout))

		settleResp, err := s.trySettle(ctx, client, payload, requirements)
		if err == nil {
			if !s.skipVerification {
				if verifyErr := s.verifyOnChain(ctx, settleResp, auth, requirements); verifyErr != nil {
					return nil, verifyErr
				}
			}
			s.logger.InfoContext(ctx, "facilitator settlement succeeded",
				"url", config.URL,
				"tx_hash", settleResp.Transaction)
			s.recorder.IncCounter(metrics.CounterSettlementSubmitted, map[string]string{
				"network": requirements.Network,
				"mode":    SettlementClientFacilitator.String(),
			})
			s.recorder.ObserveLatency(metrics.OpSettle, time.Since(start), map[string]string{
				"network": requirements.Network,
			})
			return settleResp, nil
		}

		s.logger.WarnContext(ctx, "facilitator attempt failed",
			"url", config.URL,
			"error", err,
			"will_retry", shouldRetryWithNextFacilitator(err))

		lastErr = err

		// Don't retry for validation/client errors
		if !shouldRetryWithNextFacilitator(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("all facilitators failed, last error: %w", lastErr)
}

// Supported queries the facilitators for the scheme and network combinations
// they can settle, returning the first answer. Lets callers check that a
// facilitator covers a network before paying on it.
func (s *FacilitatorSettler) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	var lastErr error
	for _, config := range s.configs {
		headers := map[string]string{}
		if config.CreateAuthHeaders != nil {
			authHeaders, err := config.CreateAuthHeaders()
			if err != nil {
				return nil, fmt.Errorf("failed to create auth headers: %w", err)
			}
			for key, value := range authHeaders["supported"] {
				headers[key] = value
			}
		}

		resp, err := utils.MakeJSONRequest[types.SupportedResponse](
			ctx,
			utils.CreateHTTPClientWithTimeouts(constants.FacilitatorTimeout),
			http.MethodGet,
			fmt.Sprintf("%s/supported", config.URL),
			nil,
			headers,
		)
		if err != nil {
			s.logger.WarnContext(ctx, "supported query failed", "url", config.URL, "error", err)
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("no facilitator answered the supported query: %w", lastErr)
}

// trySettle runs the verify then settle sequence against one facilitator
func (s *FacilitatorSettler) trySettle(ctx context.Context, client *facilitatorclient.FacilitatorClient, payload *x402types.PaymentPayload, requirements *x402types.PaymentRequirements) (*x402types.SettleResponse, error) {
	logAttrs := []any{"network", payload.Network}
	if payload.Payload != nil && payload.Payload.Authorization != nil {
		logAttrs = append(logAttrs,
			"from", payload.Payload.Authorization.From,
			"to", payload.Payload.Authorization.To,
			"value", payload.Payload.Authorization.Value)
	}
	s.logger.InfoContext(ctx, "starting payment verification with facilitator", logAttrs...)

	verifyResp, err := client.Verify(payload, requirements)
	if err != nil {
		return nil, fmt.Errorf("payment verification failed: %w", err)
	}
	if !verifyResp.IsValid {
		reason := "unknown"
		if verifyResp.InvalidReason != nil {
			reason = *verifyResp.InvalidReason
		}
		return nil, fmt.Errorf("payment verification failed: %s", reason)
	}

	s.logger.InfoContext(ctx, "starting payment settlement")

	settleResp, err := client.Settle(payload, requirements)
	if err != nil {
		return nil, fmt.Errorf("payment settlement failed: %w", err)
	}
	if !settleResp.Success {
		reason := "unknown"
		if settleResp.ErrorReason != nil {
			reason = *settleResp.ErrorReason
		}
		return nil, fmt.Errorf("payment settlement failed: %s", reason)
	}

	return settleResp, nil
}

// verifyOnChain confirms that the transaction a facilitator reports actually
// moved the authorized amount, via the network's own RPC endpoints.
func (s *FacilitatorSettler) verifyOnChain(ctx context.Context, settleResp *x402types.SettleResponse, auth *types.Authorization, requirements *x402types.PaymentRequirements) error {
	if settleResp.Network != requirements.Network {
		return fmt.Errorf("network mismatch: settle response has %s but payment requirements has %s",
			settleResp.Network, requirements.Network)
	}
	if settleResp.Transaction == "" {
		return fmt.Errorf("settle response missing transaction hash")
	}

	cfg, err := s.registry.Get(requirements.Network)
	if err != nil {
		return err
	}

	receipt, err := evm.NewRPCClient(cfg).TransactionReceipt(ctx, settleResp.Transaction)
	if err != nil {
		return fmt.Errorf("blockchain verification failed: %w", err)
	}
	if !receipt.IsSuccessful() {
		return fmt.Errorf("settlement transaction %s reverted", settleResp.Transaction)
	}

	asset := requirements.Asset
	if asset == "" {
		asset = cfg.USDCAddress
	}
	if err := evm.VerifyTransfer(receipt, auth, common.HexToAddress(asset)); err != nil {
		return fmt.Errorf("transaction validation failed: %w", err)
	}
	return nil
}

// shouldRetryWithNextFacilitator determines if we should try the next facilitator
func shouldRetryWithNextFacilitator(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	// Retry on network/infrastructure errors
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "context deadline exceeded") {
		return true
	}

	// Retry on HTTP 5xx server errors
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return true
	}

	// Retry on authentication failures (bad API keys)
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") {
		return true
	}

	// Don't retry on client errors (invalid requests, insufficient funds, etc.)
	return false
}
