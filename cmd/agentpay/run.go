package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalhouse/agentpay/pkg/agentapi"
	"github.com/signalhouse/agentpay/pkg/evm"
	"github.com/signalhouse/agentpay/pkg/networks"
	"github.com/signalhouse/agentpay/pkg/payment"
	"github.com/signalhouse/agentpay/pkg/wallet"
	"github.com/spf13/cobra"
)

var (
	agentID         string
	privateKey      string
	apiKey          string
	timeout         time.Duration
	relayerKey      string
	facilitatorURLs []string
	cdpKeyID        string
	cdpKeySecret    string
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run a paid agent query",
	Long: `Run sends one query to an agent and pays for it in-band. The backend
answers with a price quote, the wallet signs a USDC transfer authorization
covering it, and the agent executes once the payment is accepted.

By default the backend's facilitator redeems the authorization on-chain.
Pass --relayer-key to broadcast the transfer yourself, or --facilitator to
settle through an x402 facilitator of your choice.`,
	Example: `  agentpay run --agent alpha-signals "Will the Fed cut rates in September?"
  agentpay run --agent alpha-signals --network base-sepolia --relayer-key $RELAYER_KEY "Who wins the election?"`,
	Args: cobra.ExactArgs(1),
	RunE: runAgent,
}

func init() {
	runCmd.Flags().StringVar(&agentID, "agent", "", "agent to query (required)")
	runCmd.Flags().StringVar(&privateKey, "key", "", "wallet private key hex (defaults to AGENTPAY_PRIVATE_KEY)")
	runCmd.Flags().StringVar(&apiKey, "api-key", "", "backend API key (defaults to AGENTPAY_API_KEY)")
	runCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline for the run")
	runCmd.Flags().StringVar(&relayerKey, "relayer-key", "", "relayer private key for direct on-chain settlement")
	runCmd.Flags().StringArrayVar(&facilitatorURLs, "facilitator", nil, "facilitator URL for client-side settlement (repeatable)")
	runCmd.Flags().StringVar(&cdpKeyID, "cdp-key-id", "", "Coinbase CDP API key ID for the hosted facilitator")
	runCmd.Flags().StringVar(&cdpKeySecret, "cdp-key-secret", "", "Coinbase CDP API key secret")
	_ = runCmd.MarkFlagRequired("agent")
}

func runAgent(cmd *cobra.Command, args []string) error {
	query := args[0]

	key := privateKey
	if key == "" {
		key = os.Getenv("AGENTPAY_PRIVATE_KEY")
	}
	if key == "" {
		return errors.New("a wallet private key is required: pass --key or set AGENTPAY_PRIVATE_KEY")
	}

	registry := networks.Default()
	cfg, err := registry.Get(network)
	if err != nil {
		return err
	}

	w, err := wallet.NewLocalWallet(key, cfg.ChainID)
	if err != nil {
		return fmt.Errorf("invalid wallet key: %w", err)
	}

	backendKey := apiKey
	if backendKey == "" {
		backendKey = os.Getenv("AGENTPAY_API_KEY")
	}
	clientOpts := []agentapi.Option{agentapi.WithLogger(logger)}
	if backendKey != "" {
		clientOpts = append(clientOpts, agentapi.WithAPIKey(backendKey))
	}
	backend, err := agentapi.NewClient(backendURL, clientOpts...)
	if err != nil {
		return err
	}

	opts := []payment.OrchestratorOption{
		payment.WithNetwork(network),
		payment.WithLogger(logger),
	}
	switch {
	case relayerKey != "":
		executor, err := evm.NewSettlementExecutor(registry, relayerKey, evm.WithExecutorLogger(logger))
		if err != nil {
			return fmt.Errorf("invalid relayer key: %w", err)
		}
		opts = append(opts, payment.WithDirectSettlement(executor))
	case len(facilitatorURLs) > 0:
		settlerOpts := []payment.SettlerOption{payment.WithSettlerLogger(logger)}
		if cdpKeyID != "" && cdpKeySecret != "" {
			settlerOpts = append(settlerOpts, payment.WithCDPCredentials(cdpKeyID, cdpKeySecret))
		}
		settler, err := payment.NewFacilitatorSettler(facilitatorURLs, settlerOpts...)
		if err != nil {
			return err
		}
		opts = append(opts, payment.WithFacilitatorSettlement(settler))
	}

	orchestrator, err := payment.NewOrchestrator(backend, w, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Info("running agent", "agent_id", agentID, "network", cfg.Network, "address", w.Address(), "settlement", orchestrator.Mode())

	result, err := orchestrator.RunAgentWithX402(ctx, agentID, query, w.Address())
	if err != nil {
		var insufficient *payment.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			logger.Error("wallet cannot cover the quoted price", "have", insufficient.Have, "need", insufficient.Need, "asset", cfg.USDCAddress)
		}
		return err
	}

	if result.Settlement != nil {
		logger.Info("payment settled on-chain",
			"tx_hash", result.Settlement.TxHash,
			"block_number", result.Settlement.BlockNumber,
			"network", result.Settlement.Network)
	}

	fmt.Println(string(result.Output))
	return nil
}
