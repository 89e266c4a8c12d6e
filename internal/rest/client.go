// Package rest is the HTTP client for the trading backend's private API.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/marketdesk/desk/errs"
	"github.com/marketdesk/desk/internal/schema"
	"github.com/marketdesk/desk/internal/ticker"
)

const component = "rest"

// Client calls the backend REST API with static bearer authentication.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient builds a REST client for the backend at baseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		httpc:   &http.Client{Timeout: timeout},
	}
}

// AccountInfo is the backend account summary.
type AccountInfo struct {
	Balances []schema.Balance `json:"balances"`
	CanTrade bool             `json:"canTrade"`
	TS       int64            `json:"ts"`
}

// PlaceOrderRequest describes a new order submission.
type PlaceOrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
}

// CancelOrderRequest identifies an order to cancel.
type CancelOrderRequest struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId,omitempty"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

// BotStatus reports the server-side strategy runner state.
type BotStatus struct {
	Running  bool   `json:"running"`
	Strategy string `json:"strategy"`
	Symbol   string `json:"symbol"`
	SinceTS  int64  `json:"sinceTs"`
}

// BotLogEntry is one strategy runner log line.
type BotLogEntry struct {
	TS      int64  `json:"ts"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Kline is one backend candle.
type Kline struct {
	OpenTime  int64           `json:"openTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime int64           `json:"closeTime"`
}

// Account fetches the current account summary.
func (c *Client) Account(ctx context.Context) (AccountInfo, error) {
	var out AccountInfo
	err := c.do(ctx, http.MethodGet, "/api/account", nil, nil, &out)
	return out, err
}

// OpenOrders fetches all currently open orders.
func (c *Client) OpenOrders(ctx context.Context) ([]schema.Order, error) {
	var out []schema.Order
	err := c.do(ctx, http.MethodGet, "/api/orders/open", nil, nil, &out)
	return out, err
}

// OrderHistory fetches up to limit recent terminal orders.
func (c *Client) OrderHistory(ctx context.Context, limit int) ([]schema.Order, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []schema.Order
	err := c.do(ctx, http.MethodGet, "/api/orders/history", query, nil, &out)
	return out, err
}

// PlaceOrder submits a new order and returns the backend's acknowledgement.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (schema.Order, error) {
	var out schema.Order
	err := c.do(ctx, http.MethodPost, "/api/order", nil, req, &out)
	return out, err
}

// TestOrder validates an order without submitting it.
func (c *Client) TestOrder(ctx context.Context, req PlaceOrderRequest) error {
	return c.do(ctx, http.MethodPost, "/api/order/test", nil, req, nil)
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, req CancelOrderRequest) error {
	return c.do(ctx, http.MethodDelete, "/api/order", nil, req, nil)
}

// GetBotStatus fetches the strategy runner state.
func (c *Client) GetBotStatus(ctx context.Context) (BotStatus, error) {
	var out BotStatus
	err := c.do(ctx, http.MethodGet, "/api/bot/status", nil, nil, &out)
	return out, err
}

// StartBot starts the server-side strategy runner.
func (c *Client) StartBot(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/bot/start", nil, nil, nil)
}

// StopBot stops the server-side strategy runner.
func (c *Client) StopBot(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/bot/stop", nil, nil, nil)
}

// BotLogs fetches up to limit recent strategy runner log lines.
func (c *Client) BotLogs(ctx context.Context, limit int) ([]BotLogEntry, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []BotLogEntry
	err := c.do(ctx, http.MethodGet, "/api/bot/logs", query, nil, &out)
	return out, err
}

// BotConfig fetches the strategy runner configuration document.
func (c *Client) BotConfig(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/bot/config", nil, nil, &out)
	return out, err
}

// SetBotConfig replaces the strategy runner configuration document.
func (c *Client) SetBotConfig(ctx context.Context, cfg map[string]any) error {
	return c.do(ctx, http.MethodPut, "/api/bot/config", nil, cfg, nil)
}

type exchangeSymbol struct {
	Symbol      string          `json:"symbol"`
	QuoteAsset  string          `json:"quoteAsset"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
}

// ExchangeInfo fetches the tradable symbol universe with 24h quote volumes,
// the input for ticker subscription allocation.
func (c *Client) ExchangeInfo(ctx context.Context) ([]ticker.SymbolVolume, error) {
	var raw struct {
		Symbols []exchangeSymbol `json:"symbols"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/exchange-info", nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]ticker.SymbolVolume, 0, len(raw.Symbols))
	for _, s := range raw.Symbols {
		out = append(out, ticker.SymbolVolume{
			Symbol:      s.Symbol,
			QuoteAsset:  s.QuoteAsset,
			QuoteVolume: s.QuoteVolume,
		})
	}
	return out, nil
}

// Klines fetches up to limit candles for the symbol and interval.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []Kline
	err := c.do(ctx, http.MethodGet, "/api/klines", query, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.New(component, errs.CodeInvalid,
				errs.WithMessage("marshal request body"), errs.WithCause(err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Timeout(component, fmt.Sprintf("%s %s canceled", method, path))
		}
		return errs.New(component, errs.CodeTransport,
			errs.WithMessage(fmt.Sprintf("%s %s", method, path)), errs.WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.New(component, errs.CodeTransport,
			errs.WithMessage("read response body"), errs.WithCause(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(method, path, resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.New(component, errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("decode %s %s response", method, path)),
			errs.WithCause(err))
	}
	return nil
}

func newStatusError(method, path string, status int, raw []byte) error {
	message := fmt.Sprintf("%s %s failed", method, path)
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		if envelope.Error != "" {
			message = envelope.Error
		} else if envelope.Message != "" {
			message = envelope.Message
		}
	}

	code := errs.CodeApplication
	switch {
	case status == http.StatusBadRequest:
		code = errs.CodeInvalid
	case status == http.StatusNotFound:
		code = errs.CodeNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = errs.CodeTimeout
	case status >= 500:
		code = errs.CodeUnavailable
	}
	return errs.New(component, code,
		errs.WithMessage(message),
		errs.WithHTTP(status),
		errs.WithRawBody(string(raw)))
}
