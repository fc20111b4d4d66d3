package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/signalhouse/agentpay/pkg/constants"
	"github.com/signalhouse/agentpay/pkg/metrics"
	"github.com/signalhouse/agentpay/pkg/networks"
	"github.com/signalhouse/agentpay/pkg/types"
)

// SettlementReceipt describes a mined settlement transaction
type SettlementReceipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// SettlementExecutor submits signed transfer authorizations on-chain from a
// relayer account, paying gas on the user's behalf
type SettlementExecutor struct {
	registry    *networks.Registry
	key         *ecdsa.PrivateKey
	address     common.Address
	logger      *slog.Logger
	recorder    metrics.Recorder
	waitTimeout time.Duration
}

// ExecutorOption configures a SettlementExecutor
type ExecutorOption func(*SettlementExecutor)

// WithExecutorLogger sets the logger
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *SettlementExecutor) {
		e.logger = logger
	}
}

// WithExecutorMetrics sets the metrics recorder
func WithExecutorMetrics(recorder metrics.Recorder) ExecutorOption {
	return func(e *SettlementExecutor) {
		e.recorder = recorder
	}
}

// WithWaitTimeout bounds how long Execute waits for the settlement
// transaction to mine
func WithWaitTimeout(d time.Duration) ExecutorOption {
	return func(e *SettlementExecutor) {
		e.waitTimeout = d
	}
}

// NewSettlementExecutor creates an executor from a relayer private key in hex
func NewSettlementExecutor(registry *networks.Registry, relayerKey string, opts ...ExecutorOption) (*SettlementExecutor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(relayerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid relayer key: %w", err)
	}

	e := &SettlementExecutor{
		registry:    registry,
		key:         key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		logger:      slog.Default(),
		recorder:    metrics.NoopRecorder{},
		waitTimeout: constants.SettlementWaitTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Address returns the relayer account that submits settlement transactions
func (e *SettlementExecutor) Address() string {
	return e.address.Hex()
}

// Execute submits the authorization via transferWithAuthorization and waits
// for it to mine. Endpoint failover stops once a transaction has been
// broadcast: the EIP-3009 nonce makes a second broadcast pointless.
func (e *SettlementExecutor) Execute(ctx context.Context, auth *types.Authorization, network string) (*SettlementReceipt, error) {
	cfg, err := e.registry.Get(network)
	if err != nil {
		return nil, err
	}
	if err := auth.Validate(); err != nil {
		return nil, fmt.Errorf("invalid authorization: %w", err)
	}
	if len(cfg.RPCURLs) == 0 {
		return nil, &RPCUnavailableError{Network: network, Op: "transferWithAuthorization", Err: fmt.Errorf("no RPC endpoints configured")}
	}

	data, err := packTransferWithAuthorization(auth)
	if err != nil {
		return nil, err
	}
	asset := common.HexToAddress(cfg.USDCAddress)

	startIdx := rand.Intn(len(cfg.RPCURLs))
	var lastErr error

	for i := 0; i < len(cfg.RPCURLs); i++ {
		if i > 0 {
			delay := time.Duration(i*constants.DelayBetweenRPCCalls) * time.Millisecond
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		endpoint := cfg.RPCURLs[(startIdx+i)%len(cfg.RPCURLs)]

		client, err := ethclient.Dial(endpoint)
		if err != nil {
			lastErr = &RPCError{Endpoint: endpoint, Err: err}
			continue
		}

		receipt, broadcast, err := e.submit(ctx, client, cfg.ChainID, asset, data, auth)
		client.Close()

		if err == nil {
			e.recorder.IncCounter(metrics.CounterSettlementSubmitted, map[string]string{"network": network})
			e.logger.Info("settlement mined",
				"network", network,
				"tx_hash", receipt.TxHash,
				"block_number", receipt.BlockNumber,
				"gas_used", receipt.GasUsed)
			return receipt, nil
		}
		if broadcast {
			// The transaction is out there, retrying elsewhere cannot help
			return nil, err
		}

		lastErr = &RPCError{Endpoint: endpoint, Err: err}
	}

	return nil, &RPCUnavailableError{Network: network, Op: "transferWithAuthorization", Err: lastErr}
}

// submit builds, signs, broadcasts, and waits out one settlement attempt. The
// returned bool reports whether the transaction was broadcast, after which the
// caller must not fail over to another endpoint.
func (e *SettlementExecutor) submit(ctx context.Context, client *ethclient.Client, chainID int64, asset common.Address, data []byte, auth *types.Authorization) (*SettlementReceipt, bool, error) {
	nonce, err := client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch relayer nonce: %w", err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: e.address,
		To:   &asset,
		Data: data,
	})
	if err != nil {
		// Estimation reverting means the authorization cannot settle
		return nil, false, fmt.Errorf("settlement would revert: %w", err)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &asset,
		Gas:      gasLimit + gasLimit/5, // 20% headroom over the estimate
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(big.NewInt(chainID)), e.key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to sign settlement transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, false, fmt.Errorf("failed to broadcast settlement transaction: %w", err)
	}

	txHash := signed.Hash().Hex()
	e.logger.Info("settlement transaction broadcast", "tx_hash", txHash, "relayer", e.address.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, e.waitTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, client, signed)
	if err != nil {
		return nil, true, fmt.Errorf("settlement transaction %s not mined: %w", txHash, err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, true, fmt.Errorf("settlement transaction %s reverted", txHash)
	}
	if err := VerifyTransfer(NewReceipt(receipt), auth, asset); err != nil {
		return nil, true, fmt.Errorf("settlement transaction %s: %w", txHash, err)
	}

	return &SettlementReceipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, true, nil
}

// packTransferWithAuthorization encodes the transferWithAuthorization calldata
// from a signed authorization
func packTransferWithAuthorization(auth *types.Authorization) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization validBefore: %s", auth.ValidBefore)
	}

	return usdcABI.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		[32]byte(common.HexToHash(auth.Nonce)),
		auth.V,
		[32]byte(common.HexToHash(auth.R)),
		[32]byte(common.HexToHash(auth.S)),
	)
}

// VerifyTransfer checks that the mined receipt actually moved the authorized
// amount from the authorizer to the payee on the expected token contract
func VerifyTransfer(receipt *Receipt, auth *types.Authorization, asset common.Address) error {
	event, err := receipt.GetTransferEvent()
	if err != nil {
		return fmt.Errorf("no transfer event in settlement: %w", err)
	}

	if !strings.EqualFold(event.From, auth.From) {
		return fmt.Errorf("transfer from mismatch: got %s, expected %s", event.From, auth.From)
	}
	if !strings.EqualFold(event.To, auth.To) {
		return fmt.Errorf("transfer to mismatch: got %s, expected %s", event.To, auth.To)
	}

	want, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	got, ok := new(big.Int).SetString(event.Value, 10)
	if !ok {
		return fmt.Errorf("invalid transfer event value: %s", event.Value)
	}
	if got.Cmp(want) != 0 {
		return fmt.Errorf("transfer value mismatch: got %s, expected %s", got, want)
	}

	if !strings.EqualFold(event.Asset, asset.Hex()) {
		return fmt.Errorf("transfer asset mismatch: got %s, expected %s", event.Asset, asset.Hex())
	}

	return nil
}
