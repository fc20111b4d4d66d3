package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/signalhouse/agentpay/pkg/constants"
	"github.com/signalhouse/agentpay/pkg/types"
	"github.com/signalhouse/agentpay/pkg/utils"
)

// DefaultBaseURL is the default URL for the SignalHouse agents API
const DefaultBaseURL = "https://api.signalhouse.io"

// ProtocolError reports an HTTP exchange that fell outside the x402
// handshake: the run endpoint answering anything but 402, or the execute
// endpoint rejecting a paid submission. Detail carries the backend's
// response body or error detail verbatim.
type ProtocolError struct {
	StatusCode int
	Detail     string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned unexpected status %d: %s", e.StatusCode, e.Detail)
}

// Client talks to the agents API: the run/execute pair of the x402 handshake
// plus the optional settle report. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	apiKey   string
	keyMutex sync.RWMutex
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger overrides the default logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithAPIKey sets the bearer token sent with every request
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// NewClient creates an agents API client for the given base URL. An empty
// baseURL selects DefaultBaseURL. Plain HTTP is rejected except for
// localhost.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if err := utils.ValidateEndpointURL(baseURL); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: utils.CreateHTTPClientWithTimeouts(constants.BackendTimeout),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the backend base URL the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RequestRun posts the initial run request. The only answer the handshake
// accepts is HTTP 402 with a payment requirement in the body; any other
// status, success included, comes back as a *ProtocolError.
func (c *Client) RequestRun(ctx context.Context, req *types.RunRequest) (*types.PaymentRequiredResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/agents/run", c.baseURL)
	resp, err := rawRequest(ctx, c.httpClient, http.MethodPost, url, req, c.authHeaders())
	if err != nil {
		return nil, fmt.Errorf("run request failed: %w", err)
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, &ProtocolError{
			StatusCode: resp.StatusCode,
			Detail:     strings.TrimSpace(string(resp.Body)),
		}
	}

	var paymentRequired types.PaymentRequiredResponse
	if err := json.Unmarshal(resp.Body, &paymentRequired); err != nil {
		return nil, &ProtocolError{
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf("malformed payment-required body: %v", err),
		}
	}
	if _, err := paymentRequired.Requirement(); err != nil {
		return nil, &ProtocolError{
			StatusCode: resp.StatusCode,
			Detail:     err.Error(),
		}
	}

	c.logger.DebugContext(ctx, "payment requirement received",
		"agent_id", req.AgentID,
		"network", req.Network)

	return &paymentRequired, nil
}

// Execute submits the paid run carrying the signed authorization. A non-2xx
// response surfaces the backend's error detail verbatim as a *ProtocolError.
func (c *Client) Execute(ctx context.Context, req *types.ExecuteRequest) (*types.RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid execute request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/agents/execute", c.baseURL)
	var result types.RunResult
	if err := httpRequest(ctx, c.httpClient, http.MethodPost, url, req, c.authHeaders(), &result); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			detail := httpErr.Detail()
			if detail == "" {
				detail = strings.TrimSpace(string(httpErr.Body))
			}
			return nil, &ProtocolError{
				StatusCode: httpErr.StatusCode,
				Detail:     detail,
			}
		}
		return nil, fmt.Errorf("execute request failed: %w", err)
	}

	c.logger.DebugContext(ctx, "execute accepted",
		"agent_id", req.AgentID,
		"transaction_id", req.TransactionID)

	return &result, nil
}

// Settle reports a client-side settlement back to the backend
func (c *Client) Settle(ctx context.Context, req *types.SettleRequest) (*types.SettleAck, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settle request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/agents/settle", c.baseURL)
	var ack types.SettleAck
	if err := httpRequest(ctx, c.httpClient, http.MethodPost, url, req, c.authHeaders(), &ack); err != nil {
		return nil, fmt.Errorf("settle report failed: %w", err)
	}

	c.logger.DebugContext(ctx, "settlement reported",
		"transaction_id", req.TransactionID,
		"tx_hash", req.TxHash)

	return &ack, nil
}
