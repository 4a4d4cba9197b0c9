package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vaultsync-server/internal/domain"
)

// APIClient is the agent's view of the server: grant exchange on first
// registration, key wrap for an already-authenticated session.
type APIClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIClient) SetAccessToken(token string) {
	c.accessToken = token
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *APIClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 || !envelope.Success {
		if envelope.Error != "" {
			return fmt.Errorf("server rejected request (%d): %s", resp.StatusCode, envelope.Error)
		}
		return fmt.Errorf("server rejected request with status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}

	return nil
}

// ExchangeDeviceToken redeems a one-time grant code for tokens, a device id
// and the wrapped key material.
func (c *APIClient) ExchangeDeviceToken(ctx context.Context, grantCode, publicKeyPEM, deviceName string) (*domain.DeviceTokenResponse, error) {
	var out domain.DeviceTokenResponse
	err := c.post(ctx, "/api/v1/auth/device-token", &domain.DeviceTokenRequest{
		GrantCode:    grantCode,
		PublicKeyPEM: publicKeyPEM,
		DeviceName:   deviceName,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// WrapKey requests a wrap for the current session. Requires an access token.
func (c *APIClient) WrapKey(ctx context.Context, publicKeyPEM string) (string, error) {
	var out domain.WrapKeyResponse
	err := c.post(ctx, "/api/v1/keys/wrap", &domain.WrapKeyRequest{PublicKeyPEM: publicKeyPEM}, &out)
	if err != nil {
		return "", err
	}
	return out.WrappedUserKey, nil
}
