package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPClient is a thin JSON transport for the exchange's RPC-style API.
// Request signing and rate limiting live outside this package; callers that
// need them wrap the Transport interface.
type HTTPClient struct {
	baseURL      string
	subAccountID int64
	http         *http.Client
	log          *zap.Logger
	authHeader   string
	authValue    string
}

func NewHTTPClient(baseURL string, subAccountID int64, timeout time.Duration, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		subAccountID: subAccountID,
		http:         &http.Client{Timeout: timeout},
		log:          log,
	}
}

// SetAuthHeader installs a static header pair attached to every request,
// e.g. a session token minted by an external auth layer.
func (c *HTTPClient) SetAuthHeader(name, value string) {
	c.authHeader = name
	c.authValue = value
}

func (c *HTTPClient) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	direction := "sell"
	if req.IsBuy {
		direction = "buy"
	}
	payload := map[string]any{
		"instrument_name": req.ExchangeSymbol,
		"amount":          req.Amount.String(),
		"limit_price":     req.LimitPrice.String(),
		"direction":       direction,
		"order_type":      req.OrderType,
		"label":           req.ClientOrderID,
		"subaccount_id":   c.subAccountID,
	}
	result, err := c.post(ctx, "submit_order", "/private/order", payload)
	if err != nil {
		return OrderAck{}, err
	}
	order, ok := result["order"].(map[string]any)
	if !ok {
		return OrderAck{}, Unknown("submit_order", errors.New("order missing in response"))
	}
	ack := OrderAck{
		ExchangeOrderID: jsonString(order["order_id"]),
		AcceptedAtMS:    jsonInt64(order["creation_timestamp"]),
	}
	if ack.ExchangeOrderID == "" {
		return OrderAck{}, Unknown("submit_order", errors.New("order id missing in response"))
	}
	return ack, nil
}

func (c *HTTPClient) CancelOrder(ctx context.Context, req CancelRequest) (bool, error) {
	payload := map[string]any{
		"instrument_name": req.ExchangeSymbol,
		"order_id":        req.ExchangeOrderID,
		"subaccount_id":   c.subAccountID,
	}
	result, err := c.post(ctx, "cancel_order", "/private/cancel", payload)
	if err != nil {
		return false, err
	}
	return jsonString(result["order_status"]) == "cancelled", nil
}

func (c *HTTPClient) FetchOrderStatus(ctx context.Context, exchangeOrderID string) (any, error) {
	result, err := c.post(ctx, "fetch_order_status", "/private/get_order", map[string]any{
		"subaccount_id": c.subAccountID,
		"order_id":      exchangeOrderID,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) FetchTradeHistory(ctx context.Context) (any, error) {
	result, err := c.post(ctx, "fetch_trade_history", "/private/get_trade_history", map[string]any{
		"subaccount_id": c.subAccountID,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) FetchBalances(ctx context.Context) (any, error) {
	result, err := c.post(ctx, "fetch_balances", "/private/get_subaccount", map[string]any{
		"subaccount_id": c.subAccountID,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) FetchPositions(ctx context.Context) (any, error) {
	result, err := c.post(ctx, "fetch_positions", "/private/get_positions", map[string]any{
		"subaccount_id": c.subAccountID,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) FetchFundingHistory(ctx context.Context, exchangeSymbol string, startTimeMS int64) (any, error) {
	result, err := c.post(ctx, "fetch_funding_history", "/private/get_funding_history", map[string]any{
		"instrument_name": exchangeSymbol,
		"start_timestamp": startTimeMS,
		"subaccount_id":   c.subAccountID,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) FetchTradingRules(ctx context.Context) (any, error) {
	result, err := c.post(ctx, "fetch_trading_rules", "/public/get_all_instruments", map[string]any{
		"instrument_type": "perp",
		"expired":         false,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) post(ctx context.Context, op, path string, req any) (map[string]any, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, Unknown(op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, Unknown(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authHeader != "" {
		httpReq.Header.Set(c.authHeader, c.authValue)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, Transient(op, fmt.Errorf("http %d: %s", resp.StatusCode, string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, Unknown(op, fmt.Errorf("http %d: %s", resp.StatusCode, string(body)))
	}
	var envelope map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, Unknown(op, err)
	}
	if rawErr, ok := envelope["error"].(map[string]any); ok {
		return nil, classifyEnvelope(op, jsonString(rawErr["message"]))
	}
	result, ok := envelope["result"].(map[string]any)
	if !ok {
		return nil, Unknown(op, errors.New("result missing in response"))
	}
	return result, nil
}

// classifyEnvelope maps the exchange's error message onto the error
// taxonomy. The substrings match the wording the exchange actually uses.
func classifyEnvelope(op, message string) *Error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "does not exist"), strings.Contains(lower, "not found"):
		return NotFound(op, message)
	case strings.Contains(lower, "reject"),
		strings.Contains(lower, "self-crossing"),
		strings.Contains(lower, "insufficient"):
		return Rejected(op, message)
	default:
		return &Error{Kind: KindUnknown, Op: op, Reason: message}
	}
}

func jsonString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return fmt.Sprintf("%.0f", val)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func jsonInt64(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case int64:
		return val
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return i
		}
	}
	return 0
}
