package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// TunnelClient calls the tunnel manager to map public hostnames to instance ports
type TunnelClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewTunnelClient creates a new tunnel manager client
func NewTunnelClient(baseURL, apiKey string) *TunnelClient {
	return &TunnelClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateRouteRequest is the request to create an ingress route
type CreateRouteRequest struct {
	Hostname string `json:"hostname"`
	Target   string `json:"target"` // http://<address>:<port>
}

// RouteInfo contains route details
type RouteInfo struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname"`
	Target    string `json:"target"`
	Token     string `json:"token,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

func (c *TunnelClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}
	return httpReq, nil
}

// CreateRoute creates an ingress route in the tunnel manager
func (c *TunnelClient) CreateRoute(ctx context.Context, req *CreateRouteRequest) (*RouteInfo, error) {
	log.Printf("[TunnelClient] Creating route %s -> %s", req.Hostname, req.Target)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, "POST", "/api/routes", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result RouteInfo
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errMsg := result.Error
		if errMsg == "" {
			errMsg = string(respBody)
		}
		return nil, fmt.Errorf("tunnel-manager returned status %d: %s", resp.StatusCode, errMsg)
	}
	if result.ID == "" {
		return nil, fmt.Errorf("tunnel-manager returned no route id")
	}

	log.Printf("[TunnelClient] Route created: %s", result.ID)
	return &result, nil
}

// DeleteRoute deletes a route; a route that is already gone counts as deleted
func (c *TunnelClient) DeleteRoute(ctx context.Context, routeID string) error {
	log.Printf("[TunnelClient] Deleting route: %s", routeID)

	httpReq, err := c.newRequest(ctx, "DELETE", "/api/routes/"+routeID, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tunnel-manager returned status %d: %s", resp.StatusCode, string(respBody))
	}

	log.Printf("[TunnelClient] Route deleted: %s", routeID)
	return nil
}
