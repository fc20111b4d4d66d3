package types

import (
	"encoding/json"
	"fmt"
	"strings"

	x402types "github.com/coinbase/x402/go/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// RunRequest is the body of the initial agent run request. The backend
// answers it with HTTP 402 and a payment requirement.
type RunRequest struct {
	AgentID     string `json:"agentId" validate:"required"`
	Query       string `json:"query" validate:"required"`
	UserAddress string `json:"userAddress" validate:"required,eth_addr"`
	Network     string `json:"network" validate:"required"`
	Asset       string `json:"asset,omitempty"`
}

// Validate checks the request against its struct tags
func (r *RunRequest) Validate() error {
	return validate.Struct(r)
}

// PaymentRequiredResponse is the JSON body of a 402 response from the run
// endpoint
type PaymentRequiredResponse struct {
	X402Version     int                  `json:"x402Version"`
	Error           string               `json:"error,omitempty"`
	PaymentRequired *PaymentRequiredBody `json:"payment_required"`
}

// PaymentRequiredBody carries the accepted payment requirements.
// accepts[0] is the requirement the client acts on.
type PaymentRequiredBody struct {
	X402Version int                              `json:"x402Version"`
	Accepts     []*x402types.PaymentRequirements `json:"accepts"`
}

// Requirement returns the first accepted payment requirement
func (p *PaymentRequiredResponse) Requirement() (*x402types.PaymentRequirements, error) {
	if p.PaymentRequired == nil || len(p.PaymentRequired.Accepts) == 0 {
		return nil, fmt.Errorf("402 response carries no payment requirement")
	}
	return p.PaymentRequired.Accepts[0], nil
}

// RequirementExtra is the decoded Extra object of a payment requirement.
// It carries the backend-issued nonce, the validity window, and the EIP-712
// domain name/version of the asset when the backend knows them.
type RequirementExtra struct {
	Name        string          `json:"name,omitempty"`
	Version     string          `json:"version,omitempty"`
	Nonce       string          `json:"nonce" validate:"required"`
	ValidAfter  int64           `json:"validAfter"`
	ValidBefore int64           `json:"validBefore" validate:"required"`
	ChainID     int64           `json:"chainId,omitempty"`
	AgentID     string          `json:"agentId,omitempty"`
	UserAddress string          `json:"userAddress,omitempty"`
	AmountUsd   decimal.Decimal `json:"amountUsd,omitempty"`
}

// ParseRequirementExtra decodes and validates the Extra object of a payment
// requirement
func ParseRequirementExtra(requirements *x402types.PaymentRequirements) (*RequirementExtra, error) {
	if requirements.Extra == nil {
		return nil, fmt.Errorf("payment requirement carries no extra data")
	}

	var extra RequirementExtra
	if err := json.Unmarshal(*requirements.Extra, &extra); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extra data: %w", err)
	}

	if err := validate.Struct(&extra); err != nil {
		return nil, fmt.Errorf("invalid extra data: %w", err)
	}

	return &extra, nil
}

// Authorization is the signed EIP-3009 transfer authorization produced by the
// signing step. Nonce is the 32-byte on-chain form (keccak of the opaque
// requirement nonce), not the requirement nonce itself.
type Authorization struct {
	From        string `json:"from" validate:"required,eth_addr"`
	To          string `json:"to" validate:"required,eth_addr"`
	Value       string `json:"value" validate:"required"`
	ValidAfter  string `json:"validAfter" validate:"required"`
	ValidBefore string `json:"validBefore" validate:"required"`
	Nonce       string `json:"nonce" validate:"required"`
	V           uint8  `json:"v"`
	R           string `json:"r" validate:"required"`
	S           string `json:"s" validate:"required"`
}

// Validate checks the authorization against its struct tags
func (a *Authorization) Validate() error {
	return validate.Struct(a)
}

// Signature reassembles the compact 65-byte r||s||v hex signature
func (a *Authorization) Signature() string {
	r := strings.TrimPrefix(a.R, "0x")
	s := strings.TrimPrefix(a.S, "0x")
	return fmt.Sprintf("0x%s%s%02x", r, s, a.V)
}

// ToExactEvmPayload converts the authorization into the x402 wire payload
// used by facilitator verify/settle requests
func (a *Authorization) ToExactEvmPayload() *x402types.ExactEvmPayload {
	return &x402types.ExactEvmPayload{
		Signature: a.Signature(),
		Authorization: &x402types.ExactEvmPayloadAuthorization{
			From:        strings.ToLower(a.From),
			To:          strings.ToLower(a.To),
			Value:       a.Value,
			ValidAfter:  a.ValidAfter,
			ValidBefore: a.ValidBefore,
			Nonce:       a.Nonce,
		},
	}
}

// ExecuteRequest is the body of the paid run submission
type ExecuteRequest struct {
	AgentID                string         `json:"agentId" validate:"required"`
	Query                  string         `json:"query" validate:"required"`
	UserAddress            string         `json:"userAddress" validate:"required,eth_addr"`
	TransactionID          string         `json:"transaction_id" validate:"required"`
	AuthorizationSignature *Authorization `json:"authorization_signature" validate:"required"`
	Network                string         `json:"network" validate:"required"`
}

// Validate checks the request against its struct tags
func (r *ExecuteRequest) Validate() error {
	return validate.Struct(r)
}

// RunResult is the agent result payload returned by a successful execute call
type RunResult struct {
	AgentID       string          `json:"agentId"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Output        json.RawMessage `json:"output"`
	Settlement    *SettlementInfo `json:"settlement,omitempty"`
}

// SettlementInfo identifies an on-chain settlement of an authorization
type SettlementInfo struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Network     string `json:"network"`
}

// ErrorDetail is the body of a non-2xx execute response. Detail is surfaced
// to the caller verbatim.
type ErrorDetail struct {
	Detail string `json:"detail"`
}

// SettleRequest reports a client-side settlement back to the backend
type SettleRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	TxHash        string `json:"tx_hash" validate:"required"`
	BlockNumber   uint64 `json:"block_number"`
}

// Validate checks the request against its struct tags
func (r *SettleRequest) Validate() error {
	return validate.Struct(r)
}

// SettleAck is the backend acknowledgement of a settle report
type SettleAck struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// SupportedResponse represents the supported networks and payment schemes
// Matches x402 protocol specification
type SupportedResponse struct {
	Kinds []NetworkKind `json:"kinds"`
}

// NetworkKind contains information about a supported scheme/network combination
type NetworkKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`  // Payment scheme (e.g., "exact")
	Network     string `json:"network"` // Network name (e.g., "base", "base-sepolia")
}
