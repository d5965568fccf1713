package pricing

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

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
	appCode        = "payrelay"
)

// ErrUnknownAsset is returned for an asset with no configured token address.
var ErrUnknownAsset = errors.New("pricing: unknown asset")

// Asset locates a priced token on CoW Protocol.
type Asset struct {
	Address  string
	Decimals int32
}

// CowOptions parameterise the CoW Protocol quoter.
type CowOptions struct {
	BaseURL      string
	PriceQuality string
	Timeout      time.Duration
	UserAgent    string
	// QuoteToken is the USD stablecoin sold in every quote.
	QuoteToken    string
	QuoteDecimals int32
	Assets        map[string]Asset
}

// Cow fetches sell quotes from CoW Protocol: QuoteToken in, asset out.
type Cow struct {
	opts    CowOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewCow constructs a CoW Protocol quoter.
func NewCow(opts CowOptions, logger zerolog.Logger) *Cow {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cow.fi/mainnet/api/v1"
	}

	assets := make(map[string]Asset, len(opts.Assets))
	for symbol, a := range opts.Assets {
		if a.Decimals == 0 {
			a.Decimals = 18
		}
		assets[strings.ToLower(symbol)] = a
	}
	opts.Assets = assets

	return &Cow{
		opts:    opts,
		logger:  logger.With().Str("component", "cow_quoter").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Quote sells usd worth of the quote token for asset and returns the amount bought.
func (c *Cow) Quote(ctx context.Context, asset string, usd decimal.Decimal) (Quote, error) {
	if !usd.IsPositive() {
		return Quote{}, errors.New("usd amount must be greater than zero")
	}
	target, ok := c.opts.Assets[strings.ToLower(asset)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if c.opts.QuoteToken == "" || target.Address == "" {
		return Quote{}, errors.New("sellToken and buyToken addresses required")
	}

	sellAtoms := usd.Shift(c.opts.QuoteDecimals).Round(0)
	if sellAtoms.IsZero() {
		return Quote{}, errors.New("sell amount rounded to zero")
	}

	reqPayload := quoteRequest{
		SellToken:           c.opts.QuoteToken,
		BuyToken:            target.Address,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             fmt.Sprintf(`{"version":"0.7.0","appCode":"%s","metadata":{}}`, appCode),
		PriceQuality:        c.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(c.now().Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Quote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+cowQuotePath, bytes.NewReader(body))
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", appCode+"/1.0")
	}
	req.Header.Set("X-AppId", appCode)

	resp, err := c.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payloadBytes, &quoteRes); err != nil {
		return Quote{}, err
	}

	buyAtoms, err := decimal.NewFromString(quoteRes.Quote.BuyAmount)
	if err != nil {
		return Quote{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if buyAtoms.IsZero() {
		return Quote{}, errors.New("buy amount returned zero")
	}

	amount := buyAtoms.Shift(-target.Decimals)
	quality := quoteRes.PriceQuality
	if quality == "" {
		quality = c.opts.PriceQuality
	}

	c.logger.Debug().Str("asset", asset).
		Str("usd", usd.String()).
		Str("amount", amount.String()).
		Str("quality", quality).
		Msg("quote received")

	return Quote{
		Asset:   strings.ToLower(asset),
		USD:     usd,
		Amount:  amount,
		Rate:    amount.Div(usd),
		Quality: quality,
		Raw:     json.RawMessage(payloadBytes),
	}, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
		SellToken  string `json:"sellToken"`
		BuyToken   string `json:"buyToken"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	prefix := fmt.Sprintf("cow api error (%d)", status)
	if status == http.StatusTooManyRequests {
		prefix = fmt.Sprintf("cow api rate limit (%d)", status)
	}
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Description, apiErr.Message, apiErr.ErrorType} {
			if msg != "" {
				return fmt.Errorf("%s: %s", prefix, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s: %s", prefix, strings.TrimSpace(string(payload)))
	}
	return errors.New(prefix)
}

var _ Quoter = (*Cow)(nil)
