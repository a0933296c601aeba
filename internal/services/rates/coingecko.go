package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	defaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price?ids=usd-coin&vs_currencies=%s"
	fetchTimeout        = 5 * time.Second
)

// CoinGecko fetches the fiat price of the settlement asset and inverts it
// into a fiat -> asset conversion rate.
type CoinGecko struct {
	baseCurrency string
	url          string
	client       *http.Client
}

// NewCoinGecko creates a live rate source for the given fiat base currency.
// An empty url uses the public CoinGecko simple-price endpoint.
func NewCoinGecko(baseCurrency, url string) *CoinGecko {
	vs := strings.ToLower(baseCurrency)
	if url == "" {
		url = fmt.Sprintf(defaultCoinGeckoURL, vs)
	}
	return &CoinGecko{
		baseCurrency: vs,
		url:          url,
		client:       &http.Client{Timeout: fetchTimeout},
	}
}

// FetchRate returns how many settlement asset units one fiat unit buys.
func (c *CoinGecko) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "build rate request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "fetch rate")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, errors.Errorf("rate source responded %d", resp.StatusCode)
	}

	var payload map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, errors.Wrap(err, "decode rate response")
	}

	fiatPerAsset := payload["usd-coin"][c.baseCurrency]
	if fiatPerAsset.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.New("invalid rate in response")
	}

	return decimal.NewFromInt(1).Div(fiatPerAsset), nil
}
