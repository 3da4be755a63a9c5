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

const requestTimeout = 30 * time.Second

// Config holds the connection settings for the Spendgate API.
type Config struct {
	APIURL       string // base URL, e.g. "http://localhost:8080"
	APIKey       string // bearer key ("sk_...")
	AgentAddress string // principal the tools act as ("0x...")
}

// SpendgateClient is a pure HTTP client for the Spendgate API.
type SpendgateClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSpendgateClient creates a new client for the Spendgate API.
func NewSpendgateClient(cfg Config) *SpendgateClient {
	return &SpendgateClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// APIError is a non-2xx response from the gate. Handlers inspect Status and
// Code to tell a policy refusal apart from a transport or server failure.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// doRequest makes an HTTP request to the gate and returns the response body.
func (c *SpendgateClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	target := c.cfg.APIURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	status, respBody, err := c.send(req)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, decodeAPIError(status, respBody)
	}
	return json.RawMessage(respBody), nil
}

// send executes the request and drains the body so the underlying
// connection can be reused.
func (c *SpendgateClient) send(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// decodeAPIError lifts the gate's {"error","message"} shape into an APIError,
// keeping the raw body as the message when the shape doesn't match.
func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Message: string(body)}
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		apiErr.Code = parsed.Error
		apiErr.Message = parsed.Message
	}
	return apiErr
}

// SimulatePayment runs the policy decision without moving value or writing
// the audit log.
func (c *SpendgateClient) SimulatePayment(ctx context.Context, recipient, amount string) (json.RawMessage, error) {
	body := map[string]string{
		"sender":    c.cfg.AgentAddress,
		"recipient": recipient,
		"amount":    amount,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/simulate", nil, body)
}

// SendPayment authorizes and settles a direct payment in one call.
func (c *SpendgateClient) SendPayment(ctx context.Context, recipient, amount string) (json.RawMessage, error) {
	body := map[string]string{
		"sender":    c.cfg.AgentAddress,
		"recipient": recipient,
		"amount":    amount,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/payments", nil, body)
}

// RegisterIntent declares a payment for review before execution.
func (c *SpendgateClient) RegisterIntent(ctx context.Context, recipient, amount, memo, validFor string) (json.RawMessage, error) {
	body := map[string]string{
		"sender":    c.cfg.AgentAddress,
		"recipient": recipient,
		"amount":    amount,
	}
	if memo != "" {
		body["memo"] = memo
	}
	if validFor != "" {
		body["validFor"] = validFor
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/intents", nil, body)
}

// GetIntent returns one intent by ID.
func (c *SpendgateClient) GetIntent(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/intents/"+id, nil, nil)
}

// CancelIntent withdraws a pending or approved intent.
func (c *SpendgateClient) CancelIntent(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/intents/"+id+"/cancel", nil, nil)
}

// ExecuteIntent settles an approved intent. Amount restates the intent's
// amount and must match it exactly.
func (c *SpendgateClient) ExecuteIntent(ctx context.Context, id, amount string) (json.RawMessage, error) {
	body := map[string]string{
		"sender": c.cfg.AgentAddress,
		"amount": amount,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/intents/"+id+"/execute", nil, body)
}

// RemainingBudget returns what the agent may still spend in the current
// daily window.
func (c *SpendgateClient) RemainingBudget(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/policy/budget/" + c.cfg.AgentAddress
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListAuditEvents returns the agent's authorization history, newest first.
func (c *SpendgateClient) ListAuditEvents(ctx context.Context, kind string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/audit/" + c.cfg.AgentAddress
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// GetBalance returns the agent's balance on the settlement backend.
func (c *SpendgateClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/ledger/balance/" + c.cfg.AgentAddress
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}
