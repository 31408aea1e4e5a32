package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a VerifAI server.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Optional, sent as X-Admin-Secret for admin tools
}

// VerifAIClient is a pure HTTP client for the VerifAI decision API.
type VerifAIClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewVerifAIClient creates a new client for the VerifAI API.
func NewVerifAIClient(cfg Config) *VerifAIClient {
	return &VerifAIClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TransactionInput is the subset of transaction fields exposed to tools.
type TransactionInput struct {
	ID               string    `json:"id,omitempty"`
	UserID           string    `json:"userId"`
	Amount           float64   `json:"amount"`
	Merchant         string    `json:"merchant"`
	MerchantCategory string    `json:"merchantCategory,omitempty"`
	DeviceType       string    `json:"deviceType,omitempty"`
	DeviceIP         string    `json:"deviceIp,omitempty"`
	Email            string    `json:"email,omitempty"`
	Location         *Location `json:"location,omitempty"`
	IsNewDevice      bool      `json:"isNewDevice,omitempty"`
}

// Location is a latitude/longitude pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// doRequest makes an HTTP request to the server and returns the response body.
func (c *VerifAIClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ProcessTransaction runs a transaction through the decision pipeline.
func (c *VerifAIClient) ProcessTransaction(ctx context.Context, tx TransactionInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/transactions/process", nil, tx)
}

// VerifyTransaction records the user's answer to a verification request.
func (c *VerifAIClient) VerifyTransaction(ctx context.Context, txID string, userConfirmed bool) (json.RawMessage, error) {
	body := map[string]bool{"user_confirmed": userConfirmed}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/transactions/verify/"+url.PathEscape(txID), nil, body)
}

// GetTransaction returns the assessment, feedback and audit trail for a transaction.
func (c *VerifAIClient) GetTransaction(ctx context.Context, txID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(txID), nil, nil)
}

// GetUserHistory returns the user's retained transaction history.
func (c *VerifAIClient) GetUserHistory(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/history", nil, nil)
}

// GetFreezeStatus reports whether the user's account is frozen.
func (c *VerifAIClient) GetFreezeStatus(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/freeze", nil, nil)
}

// GetLearningLog returns one page of learning records.
func (c *VerifAIClient) GetLearningLog(ctx context.Context, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/learning", q, nil)
}

// UnfreezeAccount lifts a freeze. Requires AdminSecret.
func (c *VerifAIClient) UnfreezeAccount(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodDelete, "/api/v1/admin/users/"+url.PathEscape(userID)+"/freeze", nil, nil)
}
