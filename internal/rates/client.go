package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/transport"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrRateUnavailable is returned when no usable rate could be fetched.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

const maxBackoff = 30 * time.Second

// Config holds settings for the price API.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Coins        []models.Coin
}

// Client fetches spot prices from a CoinGecko compatible simple/price endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient http.Client
	maxRetries int
	backoff    time.Duration
	ids        map[string]string
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rates base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	httpClient, err := transport.NewHttpClient(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create http client: %w", err)
	}

	ids := map[string]string{
		"BTC":  "bitcoin",
		"ETH":  "ethereum",
		"LTC":  "litecoin",
		"USDT": "tether",
		"USDC": "usd-coin",
		"TRX":  "tron",
		"SOL":  "solana",
		"DOGE": "dogecoin",
	}
	for _, c := range cfg.Coins {
		if c.RateId != "" {
			ids[strings.ToUpper(c.Symbol)] = c.RateId
		}
	}

	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		maxRetries: cfg.MaxRetries,
		backoff:    backoff,
		ids:        ids,
	}, nil
}

// GetRate returns how many units of quote one unit of base is worth.
func (c *Client) GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	id := c.coinId(base)
	vs := strings.ToLower(quote)

	for attempt := 0; ; attempt++ {
		rate, retry, err := c.fetch(ctx, id, vs)
		if err == nil {
			zap.L().Debug("Exchange rate fetched",
				zap.String("base", base),
				zap.String("quote", quote),
				zap.String("rate", rate.String()))
			return rate, nil
		}
		if !retry || attempt >= c.maxRetries {
			return decimal.Zero, fmt.Errorf("%w: %s/%s: %v", ErrRateUnavailable, base, quote, err)
		}

		wait := calculateBackoff(attempt, c.backoff)
		zap.L().Warn("Rate request failed, retrying after backoff",
			zap.String("base", base),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return decimal.Zero, fmt.Errorf("%w: %s/%s: %v", ErrRateUnavailable, base, quote, ctx.Err())
		}
	}
}

func (c *Client) fetch(ctx context.Context, id, vs string) (decimal.Decimal, bool, error) {
	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=%s", c.baseURL, url.QueryEscape(id), url.QueryEscape(vs))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("creating request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, shouldRetry(err), fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, true, fmt.Errorf("reading response body failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, shouldRetryStatusCode(resp.StatusCode), fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var prices map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &prices); err != nil {
		return decimal.Zero, false, fmt.Errorf("parsing JSON response failed: %w", err)
	}
	rate, ok := prices[id][vs]
	if !ok {
		return decimal.Zero, false, fmt.Errorf("no %s price for %s", vs, id)
	}
	if !rate.IsPositive() {
		return decimal.Zero, false, fmt.Errorf("non-positive %s price for %s: %s", vs, id, rate)
	}
	return rate, false, nil
}

func (c *Client) coinId(symbol string) string {
	if id, ok := c.ids[strings.ToUpper(symbol)]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

func shouldRetry(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func shouldRetryStatusCode(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

func calculateBackoff(attempt int, base time.Duration) time.Duration {
	backoff := base << attempt
	if backoff <= 0 || backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
