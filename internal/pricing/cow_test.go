package pricing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testOptions(baseURL string) CowOptions {
	return CowOptions{
		BaseURL:       baseURL,
		PriceQuality:  "optimal",
		Timeout:       time.Second,
		UserAgent:     "test",
		QuoteToken:    "0xusdc",
		QuoteDecimals: 6,
		Assets:        map[string]Asset{"ETH": {Address: "0xweth"}},
	}
}

func TestCowQuoteUnknownAsset(t *testing.T) {
	c := NewCow(testOptions("http://unused"), zerolog.Nop())
	if _, err := c.Quote(context.Background(), "doge", decimal.NewFromInt(1)); err == nil {
		t.Fatal("未配置的资产应返回错误")
	}
}

func TestCowQuoteRejectsNonPositive(t *testing.T) {
	c := NewCow(testOptions("http://unused"), zerolog.Nop())
	if _, err := c.Quote(context.Background(), "eth", decimal.Zero); err == nil {
		t.Fatal("金额为零时应返回错误")
	}
}

func TestCowQuoteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "SellAmountDoesNotCoverFee"})
	}))
	defer srv.Close()

	c := NewCow(testOptions(srv.URL), zerolog.Nop())
	_, err := c.Quote(context.Background(), "eth", decimal.NewFromInt(1))
	if err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
	if !strings.Contains(err.Error(), "SellAmountDoesNotCoverFee") {
		t.Fatalf("错误信息应包含 errorType: %v", err)
	}
}

func TestCowQuoteRateLimitIsClassifiable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewCow(testOptions(srv.URL), zerolog.Nop()).Quote(context.Background(), "eth", decimal.NewFromInt(1))
	if err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Fatalf("429 应返回 rate limit 错误, 实际 %v", err)
	}
}

func TestCowQuoteSuccess(t *testing.T) {
	var got quoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote": map[string]string{
				"sellAmount": "25000000",
				"buyAmount":  "10000000000000000",
				"feeAmount":  "0",
			},
			"priceQuality": "verified",
		})
	}))
	defer srv.Close()

	c := NewCow(testOptions(srv.URL), zerolog.Nop())
	q, err := c.Quote(context.Background(), "ETH", decimal.NewFromInt(25))
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if got.SellAmountBeforeFee != "25000000" || got.BuyToken != "0xweth" || got.SellToken != "0xusdc" {
		t.Fatalf("请求体不正确: %+v", got)
	}
	if !q.Amount.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("期望 0.01 ETH, 实际 %s", q.Amount)
	}
	if !q.Rate.Equal(decimal.RequireFromString("0.0004")) {
		t.Fatalf("期望汇率 0.0004, 实际 %s", q.Rate)
	}
	if q.Quality != "verified" || q.Asset != "eth" {
		t.Fatalf("应返回响应中的 priceQuality: %+v", q)
	}
}
