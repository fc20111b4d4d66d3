package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/signalhouse/agentpay/pkg/constants"
	"github.com/signalhouse/agentpay/pkg/networks"
)

// usdcABIJSON covers the USDC surface the client touches: balance reads,
// EIP-3009 authorization state, and the gasless transfer entrypoint.
const usdcABIJSON = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"inputs":[{"internalType":"address","name":"authorizer","type":"address"},{"internalType":"bytes32","name":"nonce","type":"bytes32"}],"name":"authorizationState","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},{"inputs":[{"internalType":"address","name":"from","type":"address"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"},{"internalType":"uint256","name":"validAfter","type":"uint256"},{"internalType":"uint256","name":"validBefore","type":"uint256"},{"internalType":"bytes32","name":"nonce","type":"bytes32"},{"internalType":"uint8","name":"v","type":"uint8"},{"internalType":"bytes32","name":"r","type":"bytes32"},{"internalType":"bytes32","name":"s","type":"bytes32"}],"name":"transferWithAuthorization","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var usdcABI = mustParseABI(usdcABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid USDC ABI: %v", err))
	}
	return parsed
}

// RPCClient executes read calls against a network's RPC endpoints with
// failover. A fresh connection is dialed per attempt; clients are cheap to
// construct and hold no connections themselves.
type RPCClient struct {
	network   string
	chainID   int64
	endpoints []string
}

// NewRPCClient creates an RPC client for a network config
func NewRPCClient(cfg networks.NetworkConfig) *RPCClient {
	return &RPCClient{
		network:   cfg.Network,
		chainID:   cfg.ChainID,
		endpoints: cfg.RPCURLs,
	}
}

// BalanceOf returns the ERC-20 balance of holder on the given token contract
func (r *RPCClient) BalanceOf(ctx context.Context, token, holder string) (*big.Int, error) {
	data, err := usdcABI.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := r.callContract(ctx, token, data)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	if err := usdcABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, fmt.Errorf("failed to decode balanceOf result: %w", err)
	}

	return balance, nil
}

// IsNonceAlreadyUsed reports whether an EIP-3009 authorization nonce has been
// consumed on-chain. The nonce is the keccak-256 form that appears in the
// signed authorization, not the opaque identifier it was derived from.
func (r *RPCClient) IsNonceAlreadyUsed(ctx context.Context, nonce, authorizer, asset string) (bool, error) {
	if nonce == "" {
		return false, errors.New("authorization nonce is empty")
	}

	data, err := usdcABI.Pack("authorizationState", common.HexToAddress(authorizer), common.HexToHash(nonce))
	if err != nil {
		return false, fmt.Errorf("failed to pack authorizationState call: %w", err)
	}

	result, err := r.callContract(ctx, asset, data)
	if err != nil {
		return false, err
	}

	var used bool
	if err := usdcABI.UnpackIntoInterface(&used, "authorizationState", result); err != nil {
		return false, fmt.Errorf("failed to decode authorizationState result: %w", err)
	}

	return used, nil
}

// TransactionReceipt fetches a mined transaction receipt with RPC failover
func (r *RPCClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if len(r.endpoints) == 0 {
		return nil, &RPCUnavailableError{Network: r.network, Op: "eth_getTransactionReceipt", Err: errors.New("no RPC endpoints configured")}
	}

	// Start at a random position for load balancing
	startIdx := rand.Intn(len(r.endpoints))
	var lastErr error

	for i := 0; i < len(r.endpoints); i++ {
		if i > 0 {
			delay := time.Duration((i+1)*constants.DelayBetweenRPCCalls) * time.Millisecond
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		// Wrap around using modulo for round-robin
		endpoint := r.endpoints[(startIdx+i)%len(r.endpoints)]

		client, err := ethclient.Dial(endpoint)
		if err != nil {
			lastErr = &RPCError{Endpoint: endpoint, Err: err}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, constants.TransactionReceiptTimeout)
		receipt, err := patchedTransactionReceipt(callCtx, client, common.HexToHash(txHash))
		client.Close()
		cancel()

		if err != nil {
			lastErr = &RPCError{Endpoint: endpoint, Err: err}
			continue
		}

		return &Receipt{receipt: receipt}, nil
	}

	return nil, &RPCUnavailableError{Network: r.network, Op: "eth_getTransactionReceipt", Err: lastErr}
}

// callContract makes an eth_call with RPC failover.
// Uses random start position for load balancing across RPC endpoints.
func (r *RPCClient) callContract(ctx context.Context, contractAddress string, data []byte) ([]byte, error) {
	if len(r.endpoints) == 0 {
		return nil, &RPCUnavailableError{Network: r.network, Op: "eth_call", Err: errors.New("no RPC endpoints configured")}
	}

	startIdx := rand.Intn(len(r.endpoints))
	var lastErr error

	for i := 0; i < len(r.endpoints); i++ {
		if i > 0 {
			delay := time.Duration(i*constants.DelayBetweenRPCCalls) * time.Millisecond
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		endpoint := r.endpoints[(startIdx+i)%len(r.endpoints)]

		client, err := ethclient.Dial(endpoint)
		if err != nil {
			lastErr = &RPCError{Endpoint: endpoint, Err: err}
			continue
		}

		msg := map[string]interface{}{
			"to":   contractAddress,
			"data": "0x" + common.Bytes2Hex(data),
		}

		callCtx, cancel := context.WithTimeout(ctx, constants.CallContractTimeout)
		var result string
		err = client.Client().CallContext(callCtx, &result, "eth_call", msg, "latest")
		client.Close()
		cancel()

		if err != nil {
			lastErr = &RPCError{Endpoint: endpoint, Err: err}
			continue
		}

		return common.FromHex(result), nil
	}

	return nil, &RPCUnavailableError{Network: r.network, Op: "eth_call", Err: lastErr}
}

// sleepWithContext pauses between failover attempts without outliving the
// caller
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// patchedTransactionReceipt gets a transaction receipt working around the
// extra blockTimestamp log field some chains (Base among them) return, which
// older receipt decoders choke on
func patchedTransactionReceipt(ctx context.Context, client *ethclient.Client, txHash common.Hash) (*ethtypes.Receipt, error) {
	var raw json.RawMessage
	err := client.Client().CallContext(ctx, &raw, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, errors.New("not found")
	}

	cleaned, err := stripBlockTimestampFromLogs(raw)
	if err != nil {
		return nil, err
	}

	var receipt ethtypes.Receipt
	if err := json.Unmarshal(cleaned, &receipt); err != nil {
		return nil, err
	}

	return &receipt, nil
}

// stripBlockTimestampFromLogs removes the blockTimestamp field from
// transaction logs
func stripBlockTimestampFromLogs(raw json.RawMessage) ([]byte, error) {
	var receiptMap map[string]interface{}
	if err := json.Unmarshal(raw, &receiptMap); err != nil {
		return nil, err
	}

	logs, ok := receiptMap["logs"].([]interface{})
	if ok {
		for _, log := range logs {
			logMap, ok := log.(map[string]interface{})
			if ok {
				delete(logMap, "blockTimestamp")
			}
		}
	}

	return json.Marshal(receiptMap)
}

// Receipt wraps a mined EVM transaction receipt with the helpers the
// settlement flow needs
type Receipt struct {
	receipt *ethtypes.Receipt
}

// NewReceipt wraps a raw receipt
func NewReceipt(receipt *ethtypes.Receipt) *Receipt {
	return &Receipt{receipt: receipt}
}

// IsSuccessful reports whether the transaction executed without reverting
func (r *Receipt) IsSuccessful() bool {
	return r.receipt.Status == ethtypes.ReceiptStatusSuccessful
}

// TxHash returns the transaction hash
func (r *Receipt) TxHash() string {
	return r.receipt.TxHash.Hex()
}

// BlockNumber returns the block the transaction was mined in, or 0 when the
// receipt does not carry one
func (r *Receipt) BlockNumber() uint64 {
	if r.receipt.BlockNumber == nil {
		return 0
	}
	return r.receipt.BlockNumber.Uint64()
}

// GasUsed returns the gas consumed by the transaction
func (r *Receipt) GasUsed() uint64 {
	return r.receipt.GasUsed
}

// TransferEvent is an ERC-20 Transfer log decoded from a receipt
type TransferEvent struct {
	From  string
	To    string
	Value string
	Asset string
}

// GetTransferEvent extracts the first ERC-20 Transfer log from the receipt
func (r *Receipt) GetTransferEvent() (*TransferEvent, error) {
	// Transfer(address indexed from, address indexed to, uint256 value)
	transferEventSignature := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

	for _, log := range r.receipt.Logs {
		if len(log.Topics) >= 3 && log.Topics[0] == transferEventSignature {
			from := common.HexToAddress(log.Topics[1].Hex())
			to := common.HexToAddress(log.Topics[2].Hex())
			value := common.BytesToHash(log.Data).Big()

			return &TransferEvent{
				From:  from.Hex(),
				To:    to.Hex(),
				Value: value.String(),
				Asset: log.Address.Hex(),
			}, nil
		}
	}

	return nil, errors.New("no transfer event found")
}
