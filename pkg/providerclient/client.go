/**
 * @description
 * This package provides a client for the banking data provider's API. It
 * encapsulates authenticated HTTP calls for token exchange, the cursor-based
 * incremental transaction feed, balance reads, token revocation, and fetching
 * webhook verification keys.
 *
 * Key features:
 * - Bounded request timeouts; a timeout surfaces as a plain transport error and
 *   is classified as transient by the caller, never as a data event.
 * - Provider error responses decode into APIError so callers can distinguish
 *   auth-class failures from transient ones.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Monetary amounts on the wire.
 */
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const defaultTimeout = 30 * time.Second

// Client is a client for the provider API.
type Client struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
}

// NewClient creates a new provider API client. A non-positive timeout falls
// back to the default.
func NewClient(baseURL, clientID, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:  baseURL,
		clientID: clientID,
		secret:   secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a structured error response from the provider.
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorType  string `json:"error_type"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"error_message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error (status %d): %s/%s: %s", e.StatusCode, e.ErrorType, e.ErrorCode, e.Message)
}

// AsAPIError unwraps err into an *APIError if one is present.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// ExchangeTokenResponse is the result of exchanging a public token after link.
type ExchangeTokenResponse struct {
	AccessToken     string `json:"access_token"`
	ItemID          string `json:"item_id"`
	InstitutionName string `json:"institution_name"`
}

// ExchangeToken exchanges the short-lived public token produced by the link
// flow for a long-lived access token and the provider's item id.
func (c *Client) ExchangeToken(ctx context.Context, publicToken string) (*ExchangeTokenResponse, error) {
	req := map[string]string{"public_token": publicToken}
	var resp ExchangeTokenResponse
	if err := c.do(ctx, http.MethodPost, "/item/public_token/exchange", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeToken invalidates an access token at the provider. Callers treat
// failures as best-effort; local deletion proceeds regardless.
func (c *Client) RevokeToken(ctx context.Context, accessToken string) error {
	req := map[string]string{"access_token": accessToken}
	return c.do(ctx, http.MethodPost, "/item/remove", req, nil)
}

// WireTransaction is one added or modified transaction on the delta feed.
// Amount keeps the provider sign convention (positive = debit).
type WireTransaction struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Date          string          `json:"date"` // 2006-01-02
	Name          string          `json:"name"`
	MerchantName  string          `json:"merchant_name"`
	Category      string          `json:"personal_finance_category"`
	Pending       bool            `json:"pending"`
}

// RemovedTransaction identifies a transaction the provider has removed.
type RemovedTransaction struct {
	TransactionID string `json:"transaction_id"`
}

// TransactionsPage is one page of the incremental feed.
type TransactionsPage struct {
	Added      []WireTransaction    `json:"added"`
	Modified   []WireTransaction    `json:"modified"`
	Removed    []RemovedTransaction `json:"removed"`
	NextCursor string               `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
}

// PullTransactions requests one page of the incremental transaction feed. A
// nil cursor requests the feed from the beginning (initial full pull).
func (c *Client) PullTransactions(ctx context.Context, accessToken string, cursor *string) (*TransactionsPage, error) {
	req := map[string]any{"access_token": accessToken}
	if cursor != nil && *cursor != "" {
		req["cursor"] = *cursor
	}
	var resp TransactionsPage
	if err := c.do(ctx, http.MethodPost, "/transactions/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AccountBalance is the provider's current view of one account.
type AccountBalance struct {
	AccountID        string           `json:"account_id"`
	Name             string           `json:"name"`
	Type             string           `json:"type"`
	Subtype          string           `json:"subtype"`
	CurrentBalance   decimal.Decimal  `json:"current_balance"`
	AvailableBalance decimal.Decimal  `json:"available_balance"`
	CreditLimit      *decimal.Decimal `json:"credit_limit,omitempty"`
}

type balancesResponse struct {
	Accounts []AccountBalance `json:"accounts"`
}

// GetBalances fetches fresh balances for every account on the item.
func (c *Client) GetBalances(ctx context.Context, accessToken string) ([]AccountBalance, error) {
	req := map[string]string{"access_token": accessToken}
	var resp balancesResponse
	if err := c.do(ctx, http.MethodPost, "/accounts/balance/get", req, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// WebhookKey is a rotating webhook-signing key, addressed by key id.
type WebhookKey struct {
	Kid       string `json:"kid"`
	Alg       string `json:"alg"`
	Crv       string `json:"crv"`
	X         string `json:"x"`
	Y         string `json:"y"`
	ExpiredAt *int64 `json:"expired_at,omitempty"`
}

type webhookKeyResponse struct {
	Key WebhookKey `json:"key"`
}

// GetWebhookVerificationKey fetches the signing key identified by keyID.
func (c *Client) GetWebhookVerificationKey(ctx context.Context, keyID string) (*WebhookKey, error) {
	req := map[string]string{"key_id": keyID}
	var resp webhookKeyResponse
	if err := c.do(ctx, http.MethodPost, "/webhook_verification_key/get", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Key, nil
}

// do performs an authenticated JSON request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PROVIDER-CLIENT-ID", c.clientID)
	req.Header.Set("PROVIDER-SECRET", c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
