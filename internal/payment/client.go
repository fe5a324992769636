package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://developer.worldcoin.org"

// Transaction is the payment record reported by the developer portal.
type Transaction struct {
	Reference         string `json:"reference"`
	TransactionStatus string `json:"transaction_status"`
	TransactionID     string `json:"transaction_id"`
	TransactionHash   string `json:"transaction_hash"`
	FromWalletAddress string `json:"from_wallet_address"`
	RecipientAddress  string `json:"recipient_address"`
	InputToken        string `json:"input_token"`
	InputTokenAmount  string `json:"input_token_amount"`
	Chain             string `json:"chain"`
	UpdatedAt         string `json:"updated_at"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment api returned %d: %s", e.Code, e.Body)
}

// Client talks to the World App developer portal transaction endpoint.
type Client struct {
	BaseURL    string
	AppID      string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, appID, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		AppID:   appID,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) Transaction(ctx context.Context, txID string) (*Transaction, error) {
	endpoint := fmt.Sprintf("%s/api/v2/minikit/transaction/%s?%s",
		c.BaseURL,
		url.PathEscape(txID),
		url.Values{"app_id": {c.AppID}, "type": {"payment"}}.Encode(),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment api request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read payment api response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tx Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("decode payment api response: %w", err)
	}
	return &tx, nil
}
