package agentapi

import "fmt"

// SetAPIKey stores the bearer token sent with backend requests (thread-safe)
func (c *Client) SetAPIKey(key string) {
	c.keyMutex.Lock()
	defer c.keyMutex.Unlock()
	c.apiKey = key
}

// APIKey retrieves the stored bearer token (thread-safe)
func (c *Client) APIKey() string {
	c.keyMutex.RLock()
	defer c.keyMutex.RUnlock()
	return c.apiKey
}

// ClearAPIKey removes the stored bearer token (thread-safe)
func (c *Client) ClearAPIKey() {
	c.keyMutex.Lock()
	defer c.keyMutex.Unlock()
	c.apiKey = ""
}

// IsAuthenticated returns true if a bearer token is set
func (c *Client) IsAuthenticated() bool {
	c.keyMutex.RLock()
	defer c.keyMutex.RUnlock()
	return c.apiKey != ""
}

// authHeaders builds the Authorization header for the stored token, or nil
// when the client is anonymous
func (c *Client) authHeaders() map[string]string {
	token := c.APIKey()
	if token == "" {
		return nil
	}
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}
