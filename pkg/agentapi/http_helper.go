package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/signalhouse/agentpay/pkg/constants"
)

// rawResponse is an HTTP response reduced to what the client needs: the
// status and a size-capped body. The run endpoint inspects the status itself
// because 402 is its success case.
type rawResponse struct {
	StatusCode int
	Status     string
	Body       []byte
}

// rawRequest executes a JSON request and returns the response without
// interpreting the status code.
func rawRequest(ctx context.Context, client *http.Client, method, url string, body interface{}, headers map[string]string) (*rawResponse, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set default Content-Type
	req.Header.Set("Content-Type", "application/json")

	// Add custom headers
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	limitedReader := io.LimitReader(resp.Body, int64(constants.MaxResponseBodySize))
	bodyBytes, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &rawResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       bodyBytes,
	}, nil
}

// httpRequest is a shared helper for making HTTP requests with consistent
// error handling. Non-2xx responses come back as *HTTPError with the body
// preserved.
func httpRequest(ctx context.Context, client *http.Client, method, url string, body interface{}, headers map[string]string, result interface{}) error {
	resp, err := rawRequest(ctx, client, method, url, body, headers)
	if err != nil {
		return err
	}

	// Handle non-2xx status codes
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       resp.Body,
		}
	}

	// Decode response if result is provided
	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// HTTPError represents an HTTP error with status code and response body
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	if len(e.Body) > 0 {
		if detail := e.Detail(); detail != "" {
			return fmt.Sprintf("HTTP %d: %s", e.StatusCode, detail)
		}
		return fmt.Sprintf("HTTP %d: %s - %s", e.StatusCode, e.Status, string(e.Body))
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Detail extracts the error detail from the response body. It understands
// both the {"detail": ...} shape of the agents API and the
// {"error", "details"} shape used by facilitators. Returns "" when the body
// carries neither.
func (e *HTTPError) Detail() string {
	var errResp struct {
		Detail  string `json:"detail"`
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(e.Body, &errResp); err == nil {
		if errResp.Detail != "" {
			return errResp.Detail
		}
		if errResp.Details != "" {
			return fmt.Sprintf("%s - %s", errResp.Error, errResp.Details)
		}
		if errResp.Error != "" {
			return errResp.Error
		}
	}
	return ""
}

// IsUnauthorized returns true if the error is a 401 Unauthorized error
func (e *HTTPError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsForbidden returns true if the error is a 403 Forbidden error
func (e *HTTPError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}
