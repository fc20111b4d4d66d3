package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coinbase/x402/go/pkg/facilitatorclient"
	x402types "github.com/coinbase/x402/go/pkg/types"
	"github.com/signalhouse/agentpay/pkg/constants"
)

// CreateHTTPClientWithTimeouts builds an HTTP client with transport-level
// timeouts suitable for talking to backends and facilitators. Redirects are
// disabled to prevent redirect-based SSRF.
func CreateHTTPClientWithTimeouts(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   constants.TLSHandshakeTimeout,
			ResponseHeaderTimeout: constants.ResponseHeaderTimeout,
			ExpectContinueTimeout: constants.ExpectContinueTimeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ValidateEndpointURL validates that a remote endpoint URL is secure.
// Returns error if URL doesn't use HTTPS (except for localhost/127.0.0.1 for testing)
func ValidateEndpointURL(url string) error {
	if !strings.HasPrefix(url, "https://") {
		// Allow http://localhost and http://127.0.0.1 for testing
		if strings.HasPrefix(url, "http://localhost") ||
			strings.HasPrefix(url, "http://127.0.0.1") ||
			strings.HasPrefix(url, "http://[::1]") {
			return nil
		}
		return fmt.Errorf("endpoint URL must use HTTPS: %s", url)
	}
	return nil
}

func NewFacilitatorClient(config *x402types.FacilitatorConfig, httpClient *http.Client) *facilitatorclient.FacilitatorClient {
	client := facilitatorclient.NewFacilitatorClient(config)
	client.HTTPClient = httpClient
	return client
}

func WrapExactEvmPayload(payload *x402types.ExactEvmPayload, network string) *x402types.PaymentPayload {
	return &x402types.PaymentPayload{
		X402Version: constants.X402Version,
		Scheme:      constants.SchemeExact,
		Network:     network,
		Payload:     payload,
	}
}

// MakeJSONRequest is a generic helper for making HTTP requests with JSON payloads
// It handles marshaling, extra headers, and response decoding
func MakeJSONRequest[T any](
	ctx context.Context,
	client *http.Client,
	method string,
	url string,
	requestBody any,
	headers map[string]string,
) (*T, error) {
	// Marshal request body
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	// Create HTTP request
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	// Execute request
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	limitedReader := io.LimitReader(resp.Body, int64(constants.MaxResponseBodySize))

	// Check status code
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(limitedReader)
		return nil, fmt.Errorf("request to %s failed with status %d: %s", url, resp.StatusCode, string(body))
	}

	// Decode response
	var result T
	if err := json.NewDecoder(limitedReader).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", url, err)
	}

	return &result, nil
}
