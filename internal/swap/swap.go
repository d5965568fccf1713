// Package swap creates exchanges that convert the host wallet's funds into
// the recipient's payout currency.
package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const apiKeyHeader = "x-changenow-api-key"

// ErrNotConfigured is returned when no API key is configured.
var ErrNotConfigured = errors.New("swap: api key not configured")

// Pair names both legs of an exchange.
type Pair struct {
	FromCurrency string
	FromNetwork  string
	ToCurrency   string
	ToNetwork    string
}

// Direct reports whether no conversion is needed.
func (p Pair) Direct() bool {
	return strings.EqualFold(p.FromCurrency, p.ToCurrency) && strings.EqualFold(p.FromNetwork, p.ToNetwork)
}

// Estimate is the expected output of an exchange.
type Estimate struct {
	Pair
	FromAmount    decimal.Decimal
	ToAmount      decimal.Decimal
	DepositFee    decimal.Decimal
	WithdrawalFee decimal.Decimal
}

// CreateRequest asks for a new exchange paying out to Address.
type CreateRequest struct {
	Pair
	FromAmount decimal.Decimal
	Address    string
	// Reference is echoed back by the exchange and used for support lookups.
	Reference string
}

// Exchange is a created or tracked exchange.
type Exchange struct {
	ID           string
	Status       string
	PayinAddress string
	FromAmount   decimal.Decimal
	ToAmount     decimal.Decimal
	PayoutHash   string
}

// Exchanger creates exchanges.
type Exchanger interface {
	Create(ctx context.Context, req CreateRequest) (Exchange, error)
}

// Options configure Client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to a ChangeNow v2 compatible exchange API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewClient constructs a Client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.changenow.io/v2"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  opts.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "swap_client").Logger(),
	}
}

// Estimate returns the expected output for sending amount across pair.
func (c *Client) Estimate(ctx context.Context, pair Pair, amount decimal.Decimal) (Estimate, error) {
	q := url.Values{}
	q.Set("fromCurrency", strings.ToLower(pair.FromCurrency))
	q.Set("toCurrency", strings.ToLower(pair.ToCurrency))
	q.Set("fromNetwork", strings.ToLower(pair.FromNetwork))
	q.Set("toNetwork", strings.ToLower(pair.ToNetwork))
	q.Set("fromAmount", amount.String())
	q.Set("flow", "standard")
	q.Set("type", "direct")

	var res estimateResponse
	if err := c.do(ctx, http.MethodGet, "/exchange/estimated-amount?"+q.Encode(), nil, &res); err != nil {
		return Estimate{}, err
	}
	return Estimate{
		Pair:          pair,
		FromAmount:    res.FromAmount.orZero(),
		ToAmount:      res.ToAmount.orZero(),
		DepositFee:    res.DepositFee.orZero(),
		WithdrawalFee: res.WithdrawalFee.orZero(),
	}, nil
}

// Create opens an exchange and returns the address the host wallet must pay.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Exchange, error) {
	if !req.FromAmount.IsPositive() {
		return Exchange{}, errors.New("invalid amount: must be positive")
	}
	if req.Address == "" {
		return Exchange{}, errors.New("invalid address: payout address is empty")
	}

	body := createRequest{
		FromCurrency: strings.ToLower(req.FromCurrency),
		ToCurrency:   strings.ToLower(req.ToCurrency),
		FromNetwork:  strings.ToLower(req.FromNetwork),
		ToNetwork:    strings.ToLower(req.ToNetwork),
		FromAmount:   req.FromAmount.String(),
		Address:      req.Address,
		UserID:       req.Reference,
		Flow:         "standard",
		Type:         "direct",
	}

	var res exchangeResponse
	if err := c.do(ctx, http.MethodPost, "/exchange", body, &res); err != nil {
		return Exchange{}, err
	}
	if res.ID == "" || res.PayinAddress == "" {
		return Exchange{}, errors.New("swap: exchange response missing id or payin address")
	}

	c.logger.Info().Str("exchange_id", res.ID).
		Str("from", body.FromCurrency).
		Str("to", body.ToCurrency).
		Str("from_amount", body.FromAmount).
		Msg("exchange created")
	return res.toExchange(), nil
}

// Status fetches an exchange by id.
func (c *Client) Status(ctx context.Context, id string) (Exchange, error) {
	var res exchangeResponse
	if err := c.do(ctx, http.MethodGet, "/exchange/by-id?id="+url.QueryEscape(id), nil, &res); err != nil {
		return Exchange{}, err
	}
	return res.toExchange(), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal swap request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode swap response: %w", err)
	}
	return nil
}

// amount accepts JSON numbers, numeric strings and null.
type amount struct {
	value decimal.Decimal
	set   bool
}

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	a.value, a.set = d, true
	return nil
}

func (a amount) orZero() decimal.Decimal {
	if !a.set {
		return decimal.Zero
	}
	return a.value
}

type createRequest struct {
	FromCurrency string `json:"fromCurrency"`
	ToCurrency   string `json:"toCurrency"`
	FromNetwork  string `json:"fromNetwork"`
	ToNetwork    string `json:"toNetwork"`
	FromAmount   string `json:"fromAmount"`
	Address      string `json:"address"`
	UserID       string `json:"userId,omitempty"`
	Flow         string `json:"flow"`
	Type         string `json:"type"`
}

type estimateResponse struct {
	FromAmount    amount `json:"fromAmount"`
	ToAmount      amount `json:"toAmount"`
	DepositFee    amount `json:"depositFee"`
	WithdrawalFee amount `json:"withdrawalFee"`
}

type exchangeResponse struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	PayinAddress     string `json:"payinAddress"`
	FromAmount       amount `json:"fromAmount"`
	ToAmount         amount `json:"toAmount"`
	ExpectedToAmount amount `json:"expectedAmountTo"`
	PayoutHash       string `json:"payoutHash"`
}

func (r exchangeResponse) toExchange() Exchange {
	to := r.ToAmount
	if !to.set {
		to = r.ExpectedToAmount
	}
	return Exchange{
		ID:           r.ID,
		Status:       r.Status,
		PayinAddress: r.PayinAddress,
		FromAmount:   r.FromAmount.orZero(),
		ToAmount:     to.orZero(),
		PayoutHash:   r.PayoutHash,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	prefix := fmt.Sprintf("swap api error (%d)", status)
	if status == http.StatusTooManyRequests {
		prefix = fmt.Sprintf("swap api rate limit (%d)", status)
	}
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%s: %s", prefix, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%s: %s", prefix, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s: %s", prefix, strings.TrimSpace(string(payload)))
	}
	return errors.New(prefix)
}

var _ Exchanger = (*Client)(nil)
