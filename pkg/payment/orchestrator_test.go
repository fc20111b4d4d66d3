package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	x402types "github.com/coinbase/x402/go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
	"github.com/signalhouse/agentpay/pkg/agentapi"
	"github.com/signalhouse/agentpay/pkg/evm"
	"github.com/signalhouse/agentpay/pkg/metrics"
	"github.com/signalhouse/agentpay/pkg/networks"
	"github.com/signalhouse/agentpay/pkg/types"
	"github.com/signalhouse/agentpay/pkg/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUserAddress  = "0x9965507D1a55bcC2695C58ba16FB37d819B0A4dc"
	testPayToAddress = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testUSDCAddress  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testSignerKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testRelayerKey   = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	transferTopic    = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

func defaultExtra() map[string]interface{} {
	return map[string]interface{}{
		"name":        "USD Coin",
		"version":     "2",
		"nonce":       "abc",
		"validAfter":  0,
		"validBefore": 1893456000,
	}
}

// requirementJSON builds the 402 body the run endpoint answers with
func requirementJSON(t *testing.T, network string, extra map[string]interface{}) []byte {
	t.Helper()

	raw, err := json.Marshal(extra)
	require.NoError(t, err)
	rawMsg := json.RawMessage(raw)

	body := types.PaymentRequiredResponse{
		X402Version: 1,
		Error:       "X-PAYMENT header is required",
		PaymentRequired: &types.PaymentRequiredBody{
			X402Version: 1,
			Accepts: []*x402types.PaymentRequirements{{
				Scheme:            "exact",
				Network:           network,
				MaxAmountRequired: "200000",
				Resource:          "https://api.signalhouse.io/api/v1/agents/run",
				Description:       "Prediction market agent run",
				MimeType:          "application/json",
				PayTo:             testPayToAddress,
				MaxTimeoutSeconds: 600,
				Asset:             testUSDCAddress,
				Extra:             &rawMsg,
			}},
		},
	}

	out, err := json.Marshal(body)
	require.NoError(t, err)
	return out
}

// stubBackend serves the three agent endpoints with scriptable outcomes and
// records what the client sent
type stubBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	requirement   []byte
	runStatus     int // non-zero overrides the 402 answer
	runBody       string
	executeStatus int
	executeDetail string
	output        string
	settleStatus  int
	runs          int
	executes      int
	settles       int
	lastExecute   map[string]interface{}
	lastSettle    map[string]interface{}
}

func newStubBackend(t *testing.T) *stubBackend {
	t.Helper()

	b := &stubBackend{
		t:             t,
		requirement:   requirementJSON(t, "devnet", defaultExtra()),
		executeStatus: http.StatusOK,
		settleStatus:  http.StatusOK,
		output:        `{"prediction":"yes","confidence":0.64}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents/run", b.handleRun)
	mux.HandleFunc("/api/v1/agents/execute", b.handleExecute)
	mux.HandleFunc("/api/v1/agents/settle", b.handleSettle)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *stubBackend) client(t *testing.T) *agentapi.Client {
	t.Helper()
	client, err := agentapi.NewClient(b.srv.URL)
	require.NoError(t, err)
	return client
}

func (b *stubBackend) setRequirement(body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requirement = body
}

func (b *stubBackend) setRunResponse(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runStatus = status
	b.runBody = body
}

func (b *stubBackend) setExecuteFailure(status int, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executeStatus = status
	b.executeDetail = detail
}

func (b *stubBackend) setSettleStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settleStatus = status
}

func (b *stubBackend) counts() (runs, executes, settles int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs, b.executes, b.settles
}

func (b *stubBackend) lastExecuteBody() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastExecute
}

func (b *stubBackend) lastSettleBody() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSettle
}

func (b *stubBackend) handleRun(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs++

	if b.runStatus != 0 {
		w.WriteHeader(b.runStatus)
		_, _ = w.Write([]byte(b.runBody))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = w.Write(b.requirement)
}

func (b *stubBackend) handleExecute(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executes++

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.lastExecute = body

	w.Header().Set("Content-Type", "application/json")
	if b.executeStatus != http.StatusOK {
		w.WriteHeader(b.executeStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": b.executeDetail})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"agentId":        body["agentId"],
		"transaction_id": body["transaction_id"],
		"output":         json.RawMessage(b.output),
	})
}

func (b *stubBackend) handleSettle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settles++

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.lastSettle = body

	w.Header().Set("Content-Type", "application/json")
	if b.settleStatus != http.StatusOK {
		w.WriteHeader(b.settleStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "settlement record rejected"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
}

// chainStub answers the JSON-RPC surface a payment attempt touches: balance
// and authorization state reads, and for direct settlement the relayer nonce,
// gas, broadcast, and receipt calls
type chainStub struct {
	srv *httptest.Server

	mu         sync.Mutex
	balance    *big.Int
	balanceErr bool
	nonceUsed  bool
	tx         *ethtypes.Transaction
	receiptFor func(tx *ethtypes.Transaction) interface{}
}

func newChainStub(t *testing.T, balance *big.Int) *chainStub {
	t.Helper()

	c := &chainStub{balance: balance}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		result, err := c.dispatch(req.Method, req.Params)
		if err != nil {
			resp["error"] = map[string]interface{}{"code": -32000, "message": err.Error()}
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *chainStub) dispatch(method string, params []json.RawMessage) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch method {
	case "eth_call":
		var msg map[string]string
		if len(params) > 0 {
			if err := json.Unmarshal(params[0], &msg); err != nil {
				return nil, err
			}
		}
		switch {
		case strings.HasPrefix(msg["data"], "0x70a08231"): // balanceOf
			if c.balanceErr {
				return nil, errors.New("overloaded")
			}
			return uint256Hex(c.balance), nil
		case strings.HasPrefix(msg["data"], "0xe94a0102"): // authorizationState
			return boolHex(c.nonceUsed), nil
		}
		return nil, fmt.Errorf("unexpected eth_call data %s", msg["data"])
	case "eth_getTransactionCount":
		return "0x0", nil
	case "eth_gasPrice":
		return "0x3b9aca00", nil
	case "eth_estimateGas":
		return "0x15f90", nil
	case "eth_sendRawTransaction":
		var rawHex string
		if err := json.Unmarshal(params[0], &rawHex); err != nil {
			return nil, err
		}
		tx := new(ethtypes.Transaction)
		if err := tx.UnmarshalBinary(common.FromHex(rawHex)); err != nil {
			return nil, err
		}
		c.tx = tx
		return tx.Hash().Hex(), nil
	case "eth_getTransactionReceipt":
		if c.receiptFor == nil {
			return nil, nil
		}
		return c.receiptFor(c.tx), nil
	default:
		return nil, fmt.Errorf("unexpected method %s", method)
	}
}

func (c *chainStub) setBalanceErr(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceErr = fail
}

func (c *chainStub) setReceiptFor(fn func(tx *ethtypes.Transaction) interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptFor = fn
}

func (c *chainStub) broadcastTx() *ethtypes.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

func uint256Hex(n *big.Int) string {
	return fmt.Sprintf("0x%064x", n)
}

func boolHex(b bool) string {
	if b {
		return "0x" + strings.Repeat("0", 63) + "1"
	}
	return "0x" + strings.Repeat("0", 64)
}

func addressTopic(addr string) string {
	return "0x000000000000000000000000" + strings.TrimPrefix(strings.ToLower(addr), "0x")
}

// transferReceiptJSON builds an eth_getTransactionReceipt result carrying one
// ERC-20 Transfer log
func transferReceiptJSON(txHash, status, from, to, token string, value *big.Int) map[string]interface{} {
	return map[string]interface{}{
		"status":            status,
		"cumulativeGasUsed": "0x5208",
		"gasUsed":           "0xcf08",
		"logsBloom":         "0x" + strings.Repeat("0", 512),
		"logs": []interface{}{map[string]interface{}{
			"address":          token,
			"topics":           []string{transferTopic, addressTopic(from), addressTopic(to)},
			"data":             uint256Hex(value),
			"blockNumber":      "0x10",
			"transactionHash":  txHash,
			"transactionIndex": "0x0",
			"blockHash":        "0x" + strings.Repeat("ab", 32),
			"logIndex":         "0x0",
			"removed":          false,
		}},
		"transactionHash":   txHash,
		"blockNumber":       "0x10",
		"blockHash":         "0x" + strings.Repeat("ab", 32),
		"transactionIndex":  "0x0",
		"type":              "0x0",
		"effectiveGasPrice": "0x3b9aca00",
	}
}

// newDevnetRegistry registers the devnet chain backed by the given RPC stub
func newDevnetRegistry(t *testing.T, rpcURL string) *networks.Registry {
	t.Helper()

	registry := networks.NewRegistry()
	require.NoError(t, registry.Register(networks.NetworkConfig{
		Network:      "devnet",
		ChainID:      31337,
		RPCURLs:      []string{rpcURL},
		USDCAddress:  testUSDCAddress,
		AssetName:    "USD Coin",
		AssetVersion: "2",
	}))
	return registry
}

// stubWallet is a scriptable provider: one active chain shared by all
// sessions, counted connects and signature prompts
type stubWallet struct {
	mu        sync.Mutex
	address   string
	chain     int64
	connects  int
	signs     int
	signErr   error
	onConnect func()
}

func newStubWallet(chain int64) *stubWallet {
	return &stubWallet{address: testUserAddress, chain: chain}
}

func (w *stubWallet) Connect(ctx context.Context) (wallet.Session, error) {
	w.mu.Lock()
	w.connects++
	hook := w.onConnect
	chain := w.chain
	w.mu.Unlock()

	if hook != nil {
		hook()
	}
	return &stubSession{wallet: w, chain: chain}, nil
}

func (w *stubWallet) connectCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connects
}

func (w *stubWallet) signCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.signs
}

type stubSession struct {
	wallet *stubWallet
	chain  int64
	closed bool
}

func (s *stubSession) Address() string {
	return s.wallet.address
}

func (s *stubSession) SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error) {
	w := s.wallet
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signs++
	if w.signErr != nil {
		return nil, w.signErr
	}
	return make([]byte, 65), nil
}

func (s *stubSession) ChainID(ctx context.Context) (int64, error) {
	return s.chain, nil
}

func (s *stubSession) SwitchChain(ctx context.Context, chainID int64) error {
	w := s.wallet
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chain = chainID
	return nil
}

func (s *stubSession) AddChain(ctx context.Context, params wallet.AddChainParams) error {
	return nil
}

func (s *stubSession) Close() error {
	s.closed = true
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
	timings  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters: make(map[string]int),
		timings:  make(map[string]int),
	}
}

func (r *recordingMetrics) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
}

func (r *recordingMetrics) ObserveLatency(name string, duration time.Duration, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings[name]++
}

func (r *recordingMetrics) counter(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

func (r *recordingMetrics) timing(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timings[name]
}

func TestNewOrchestratorValidation(t *testing.T) {
	backend := newStubBackend(t).client(t)
	provider := newStubWallet(31337)

	executor, err := evm.NewSettlementExecutor(networks.NewRegistry(), testRelayerKey)
	require.NoError(t, err)
	settler, err := NewFacilitatorSettler([]string{"https://x402.org/facilitator"})
	require.NoError(t, err)

	tests := []struct {
		name          string
		backend       *agentapi.Client
		provider      wallet.Provider
		opts          []OrchestratorOption
		errorContains string
	}{
		{
			name:          "nil backend",
			provider:      provider,
			errorContains: "backend client is required",
		},
		{
			name:          "nil provider",
			backend:       backend,
			errorContains: "wallet provider is required",
		},
		{
			name:     "both settlement modes",
			backend:  backend,
			provider: provider,
			opts: []OrchestratorOption{
				WithDirectSettlement(executor),
				WithFacilitatorSettlement(settler),
			},
			errorContains: "mutually exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOrchestrator(tt.backend, tt.provider, tt.opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

func TestOrchestratorSettlementModeSelection(t *testing.T) {
	backend := newStubBackend(t).client(t)
	provider := newStubWallet(31337)

	o, err := NewOrchestrator(backend, provider)
	require.NoError(t, err)
	assert.Equal(t, SettlementFacilitated, o.Mode())

	executor, err := evm.NewSettlementExecutor(networks.NewRegistry(), testRelayerKey)
	require.NoError(t, err)
	o, err = NewOrchestrator(backend, provider, WithDirectSettlement(executor))
	require.NoError(t, err)
	assert.Equal(t, SettlementDirect, o.Mode())

	settler, err := NewFacilitatorSettler([]string{"https://x402.org/facilitator"})
	require.NoError(t, err)
	o, err = NewOrchestrator(backend, provider, WithFacilitatorSettlement(settler))
	require.NoError(t, err)
	assert.Equal(t, SettlementClientFacilitator, o.Mode())
}

func TestRunAgentEndToEnd(t *testing.T) {
	backend := newStubBackend(t)
	chain := newChainStub(t, big.NewInt(500000))
	registry := newDevnetRegistry(t, chain.srv.URL)
	recorder := newRecordingMetrics()

	w, err := wallet.NewLocalWallet(testSignerKey, 31337)
	require.NoError(t, err)
	userAddress := w.Address()

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"),
		WithMetrics(recorder))
	require.NoError(t, err)

	result, err := o.RunAgentWithX402(context.Background(), "alpha-signals", "Will the Fed cut rates in September?", userAddress)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "abc", result.TransactionID)
	assert.JSONEq(t, `{"prediction":"yes","confidence":0.64}`, string(result.Output))
	assert.Nil(t, result.Settlement)

	runs, executes, settles := backend.counts()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, executes)
	assert.Equal(t, 0, settles)

	// The execute request carries the opaque nonce as transaction id and a
	// signed authorization over the full required amount
	body := backend.lastExecuteBody()
	require.NotNil(t, body)
	assert.Equal(t, "alpha-signals", body["agentId"])
	assert.Equal(t, "Will the Fed cut rates in September?", body["query"])
	assert.Equal(t, userAddress, body["userAddress"])
	assert.Equal(t, "abc", body["transaction_id"])
	assert.Equal(t, "devnet", body["network"])

	auth, ok := body["authorization_signature"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "200000", auth["value"])
	assert.Equal(t, strings.ToLower(userAddress), auth["from"])
	assert.Equal(t, strings.ToLower(testPayToAddress), auth["to"])
	assert.Equal(t, evm.NonceHash("abc").Hex(), auth["nonce"])
	assert.Equal(t, "0", auth["validAfter"])
	assert.Contains(t, []interface{}{float64(27), float64(28)}, auth["v"])

	assert.Equal(t, 1, recorder.counter(metrics.CounterRunRequested))
	assert.Equal(t, 1, recorder.counter(metrics.CounterPaymentRequired))
	assert.Equal(t, 1, recorder.counter(metrics.CounterRunCompleted))
	assert.Equal(t, 0, recorder.counter(metrics.CounterRunFailed))
	assert.Equal(t, 1, recorder.timing(metrics.OpRun))
	assert.Equal(t, 1, recorder.timing(metrics.OpExecute))
}

func TestRunAgentInsufficientBalance(t *testing.T) {
	backend := newStubBackend(t)
	chain := newChainStub(t, big.NewInt(50000))
	registry := newDevnetRegistry(t, chain.srv.URL)
	w := newStubWallet(31337)

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"))
	require.NoError(t, err)

	_, err = o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.Error(t, err)

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(50000), insufficient.Have.Int64())
	assert.Equal(t, int64(200000), insufficient.Need.Int64())

	// An underfunded account never sees a wallet prompt
	assert.Equal(t, 0, w.connectCount())
	_, executes, _ := backend.counts()
	assert.Equal(t, 0, executes)

	// The correlation id prefixes the error
	id := strings.SplitN(strings.TrimPrefix(err.Error(), "attempt "), ":", 2)[0]
	_, parseErr := uuid.Parse(id)
	assert.NoError(t, parseErr)
}

func TestRunAgentProceedsWhenBalanceUnverified(t *testing.T) {
	backend := newStubBackend(t)
	chain := newChainStub(t, nil)
	chain.setBalanceErr(true)
	registry := newDevnetRegistry(t, chain.srv.URL)
	w := newStubWallet(31337)

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"))
	require.NoError(t, err)

	// When no RPC endpoint can answer, the chain is left to enforce the
	// balance and the run goes ahead
	result, err := o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.NoError(t, err)
	require.NotNil(t, result)

	_, executes, _ := backend.counts()
	assert.Equal(t, 1, executes)
}

func TestRunAgentRejectsNonPaymentRunResponse(t *testing.T) {
	backend := newStubBackend(t)
	backend.setRunResponse(http.StatusOK, `{"prediction":"free lunch"}`)
	chain := newChainStub(t, big.NewInt(500000))
	registry := newDevnetRegistry(t, chain.srv.URL)
	w := newStubWallet(31337)

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"))
	require.NoError(t, err)

	_, err = o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.Error(t, err)

	var protocolErr *agentapi.ProtocolError
	require.ErrorAs(t, err, &protocolErr)
	assert.Equal(t, http.StatusOK, protocolErr.StatusCode)
	assert.Contains(t, protocolErr.Detail, "free lunch")

	// Fails before any balance or wallet interaction
	assert.Equal(t, 0, w.connectCount())
}

func TestRunAgentMalformedRequirementExtra(t *testing.T) {
	backend := newStubBackend(t)
	extra := defaultExtra()
	delete(extra, "nonce")
	backend.setRequirement(requirementJSON(t, "devnet", extra))

	chain := newChainStub(t, big.NewInt(500000))
	registry := newDevnetRegistry(t, chain.srv.URL)
	w := newStubWallet(31337)

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"))
	require.NoError(t, err)

	_, err = o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payment requirement")
	assert.Equal(t, 0, w.connectCount())
}

func TestRunAgentUnknownNetwork(t *testing.T) {
	backend := newStubBackend(t)
	backend.setRequirement(requirementJSON(t, "moonnet", defaultExtra()))
	chain := newChainStub(t, big.NewInt(500000))
	registry := newDevnetRegistry(t, chain.srv.URL)
	w := newStubWallet(31337)

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"))
	require.NoError(t, err)

	_, err = o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.Error(t, err)

	var unsupported *networks.UnsupportedNetworkError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "moonnet", unsupported.Network)
	assert.Equal(t, 0, w.connectCount())
}

func TestRunAgentExpiredRequirement(t *testing.T) {
	backend := newStubBackend(t)
	extra := defaultExtra()
	extra["validBefore"] = 1700000000 // long past
	backend.setRequirement(requirementJSON(t, "devnet", extra))

	chain := newChainStub(t, big.NewInt(500000))
	registry := newDevnetRegistry(t, chain.srv.URL)
	w := newStubWallet(31337)

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"))
	require.NoError(t, err)

	_, err = o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.Error(t, err)

	var expired *RequirementExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, int64(1700000000), expired.ValidBefore)

	// Expired requirements are refused before the wallet is prompted
	assert.Equal(t, 0, w.signCount())
	_, executes, _ := backend.counts()
	assert.Equal(t, 0, executes)
}

func TestRunAgentMaxTimeoutExceeded(t *testing.T) {
	backend := newStubBackend(t)
	chain := newChainStub(t, big.NewInt(500000))
	registry := newDevnetRegistry(t, chain.srv.URL)

	clock := &fakeClock{t: time.Unix(1756000000, 0)}
	issued := clock.Now()

	w := newStubWallet(31337)
	// The requirement allows 600 seconds from issuance; stall past that
	// between wallet connect and signing
	w.onConnect = func() { clock.Advance(700 * time.Second) }

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"),
		WithNow(clock.Now))
	require.NoError(t, err)

	_, err = o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.Error(t, err)

	var expired *RequirementExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, issued.Unix()+600, expired.ValidBefore)
	assert.Equal(t, issued.Unix()+700, expired.Now)
	assert.Equal(t, 0, w.signCount())
}

func TestRunAgentUserRejectsSignature(t *testing.T) {
	backend := newStubBackend(t)
	chain := newChainStub(t, big.NewInt(500000))
	registry := newDevnetRegistry(t, chain.srv.URL)

	w := newStubWallet(31337)
	w.signErr = &wallet.ProviderError{Code: wallet.CodeUserRejected, Message: "User rejected the request."}

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"))
	require.NoError(t, err)

	_, err = o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.Error(t, err)
	assert.ErrorIs(t, err, wallet.ErrUserRejected)

	// Nothing was submitted, so the nonce is still fresh server-side
	assert.Equal(t, 1, w.signCount())
	_, executes, _ := backend.counts()
	assert.Equal(t, 0, executes)
}

func TestRunAgentExecuteRejectionSurfacedVerbatim(t *testing.T) {
	backend := newStubBackend(t)
	backend.setExecuteFailure(http.StatusConflict, "authorization nonce already used")
	chain := newChainStub(t, big.NewInt(500000))
	registry := newDevnetRegistry(t, chain.srv.URL)
	w := newStubWallet(31337)

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"))
	require.NoError(t, err)

	_, err = o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authorization nonce already used")

	var protocolErr *agentapi.ProtocolError
	require.ErrorAs(t, err, &protocolErr)
	assert.Equal(t, http.StatusConflict, protocolErr.StatusCode)
}

func TestRunAgentWalletAddressMismatch(t *testing.T) {
	backend := newStubBackend(t)
	chain := newChainStub(t, big.NewInt(500000))
	registry := newDevnetRegistry(t, chain.srv.URL)

	w := newStubWallet(31337)
	w.address = testPayToAddress // connected account differs from the payer

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"))
	require.NoError(t, err)

	_, err = o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
	assert.Equal(t, 0, w.signCount())
}

func TestRunAgentAdoptsRebuiltSession(t *testing.T) {
	backend := newStubBackend(t)
	chain := newChainStub(t, big.NewInt(500000))
	registry := newDevnetRegistry(t, chain.srv.URL)

	// Wallet starts on Ethereum mainnet and must be moved to the payment
	// chain; the coordinator rebuilds the session afterwards
	w := newStubWallet(1)

	o, err := NewOrchestrator(backend.client(t), w,
		WithRegistry(registry),
		WithNetwork("devnet"))
	require.NoError(t, err)

	result, err := o.RunAgentWithX402(context.Background(), "alpha-signals", "query", testUserAddress)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 2, w.connectCount())
	assert.Equal(t, 1, w.signCount())

	_, executes, _ := backend.counts()
	assert.Equal(t, 1, executes)
}
