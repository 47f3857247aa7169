package entitlement

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/rebalancer/internal/utils"
)

// AutomationSettings are the per-user preferences held by the remote
// access-control service.
type AutomationSettings struct {
	AutoRebalance bool `json:"auto_rebalance"`
	NotifyOnError bool `json:"notify_on_error"`
}

// ExecutionRecord reports one automated reposition to the remote service.
type ExecutionRecord struct {
	Address      string  `json:"address"`
	PositionRef  string  `json:"position_ref"`
	Success      bool    `json:"success"`
	CostEstimate float64 `json:"cost_estimate"`
	Mode         string  `json:"mode"`
}

// Client talks to the remote access-control service. All requests carry a
// short timeout; a hung entitlement check must never stall the scan.
type Client struct {
	http   *utils.HTTPClient
	logger zerolog.Logger
}

// NewClient creates a client for the access-control service at baseURL.
func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return &Client{
		http: utils.NewHTTPClient(
			utils.WithBaseURL(baseURL),
			utils.WithTimeout(5*time.Second),
			utils.WithDefaultHeaders(headers),
			utils.WithRetries(1, 300*time.Millisecond),
		),
		logger: logger.With().Str("component", "access_client").Logger(),
	}
}

// GetLinkedAccount resolves the user's linked external wallet address.
// Returns an empty address when the user has none linked.
func (c *Client) GetLinkedAccount(ctx context.Context, userKey string) (string, error) {
	resp, err := c.http.Get(ctx, "/v1/users/"+url.PathEscape(userKey)+"/linked-account", nil)
	if err != nil {
		if httpErr, ok := err.(*utils.Error); ok && httpErr.StatusCode == 404 {
			return "", nil
		}
		return "", fmt.Errorf("failed to get linked account: %w", err)
	}

	var body struct {
		Address string `json:"address"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return "", fmt.Errorf("failed to decode linked account response: %w", err)
	}
	return body.Address, nil
}

// CheckSubscription returns whether the address holds an active subscription.
func (c *Client) CheckSubscription(ctx context.Context, address string) (bool, error) {
	resp, err := c.http.Get(ctx, "/v1/subscriptions/"+url.PathEscape(address), nil)
	if err != nil {
		if httpErr, ok := err.(*utils.Error); ok && httpErr.StatusCode == 404 {
			return false, nil
		}
		return false, fmt.Errorf("failed to check subscription: %w", err)
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return false, fmt.Errorf("failed to decode subscription response: %w", err)
	}
	return body.Active, nil
}

// GetCreditBalance returns the address's prepaid credit balance.
func (c *Client) GetCreditBalance(ctx context.Context, address string) (float64, error) {
	resp, err := c.http.Get(ctx, "/v1/credits/"+url.PathEscape(address), nil)
	if err != nil {
		if httpErr, ok := err.(*utils.Error); ok && httpErr.StatusCode == 404 {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get credit balance: %w", err)
	}

	var body struct {
		Balance float64 `json:"balance"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return 0, fmt.Errorf("failed to decode credit balance response: %w", err)
	}
	return body.Balance, nil
}

// GetAutomationSettings returns the user's automation preferences. A user
// with no stored settings gets automation enabled by default.
func (c *Client) GetAutomationSettings(ctx context.Context, userKey string) (AutomationSettings, error) {
	resp, err := c.http.Get(ctx, "/v1/users/"+url.PathEscape(userKey)+"/settings", nil)
	if err != nil {
		if httpErr, ok := err.(*utils.Error); ok && httpErr.StatusCode == 404 {
			return AutomationSettings{AutoRebalance: true, NotifyOnError: true}, nil
		}
		return AutomationSettings{}, fmt.Errorf("failed to get automation settings: %w", err)
	}

	var settings AutomationSettings
	if err := resp.DecodeJSON(&settings); err != nil {
		return AutomationSettings{}, fmt.Errorf("failed to decode settings response: %w", err)
	}
	return settings, nil
}

// UpdateAutomationSettings applies a settings patch for the user.
func (c *Client) UpdateAutomationSettings(ctx context.Context, userKey string, patch AutomationSettings) error {
	if _, err := c.http.Patch(ctx, "/v1/users/"+url.PathEscape(userKey)+"/settings", patch); err != nil {
		return fmt.Errorf("failed to update automation settings: %w", err)
	}
	return nil
}

// UseCredits deducts count credits from the address. The refID makes the
// deduction idempotent server-side; callers must invoke this at most once
// per successful reposition.
func (c *Client) UseCredits(ctx context.Context, address string, count int, refID, note string) error {
	body := map[string]interface{}{
		"count":  count,
		"ref_id": refID,
		"note":   note,
	}
	if _, err := c.http.Post(ctx, "/v1/credits/"+url.PathEscape(address)+"/use", body); err != nil {
		return fmt.Errorf("failed to use credits: %w", err)
	}
	return nil
}

// RecordExecution reports a completed automation run for usage accounting.
func (c *Client) RecordExecution(ctx context.Context, record ExecutionRecord) error {
	if _, err := c.http.Post(ctx, "/v1/executions", record); err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}
