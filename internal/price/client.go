package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	defaultTimeout = 5 * time.Second
)

// CoinGeckoClient fetches spot prices from the CoinGecko simple-price API.
type CoinGeckoClient struct {
	httpClient *http.Client
	baseURL    string
}

// ClientOption configures a CoinGeckoClient.
type ClientOption func(*CoinGeckoClient)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(u string) ClientOption {
	return func(c *CoinGeckoClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *CoinGeckoClient) { c.httpClient.Timeout = d }
}

// NewCoinGeckoClient creates a CoinGecko API client with a bounded timeout.
func NewCoinGeckoClient(opts ...ClientOption) *CoinGeckoClient {
	c := &CoinGeckoClient{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    defaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetPriceUSD fetches the USD spot price for a CoinGecko asset ID.
// Transient failures are retried with exponential backoff, bounded so the
// whole lookup stays inside the caller's deadline.
func (c *CoinGeckoClient) GetPriceUSD(ctx context.Context, coinID string) (float64, error) {
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(coinID))

	var price float64
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			err := errors.Errorf("coingecko returned status %d: %s", resp.StatusCode, string(body))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}

		var parsed map[string]map[string]float64
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to decode coingecko response"))
		}

		quote, ok := parsed[coinID]
		if !ok {
			return backoff.Permanent(errors.Errorf("no price data for asset %s", coinID))
		}
		usd, ok := quote["usd"]
		if !ok {
			return backoff.Permanent(errors.Errorf("no usd quote for asset %s", coinID))
		}
		price = usd
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 3 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return 0, errors.Wrapf(err, "failed to fetch price for %s", coinID)
	}
	return price, nil
}
