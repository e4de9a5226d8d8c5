package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Fetcher retrieves a spot price for asset in quote currency.
type Fetcher interface {
	FetchPrice(ctx context.Context, asset, quote string) (float64, error)
	Name() string
}

// SimplePriceFetcher implements Fetcher against a CoinGecko-style
// /simple/price endpoint returning {asset: {quote: price}}.
type SimplePriceFetcher struct {
	Endpoint string
	Client   *http.Client
}

// NewSimplePriceFetcher creates a fetcher with optional proxy support.
func NewSimplePriceFetcher(endpoint string, timeout time.Duration, proxyURL string) *SimplePriceFetcher {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SimplePriceFetcher{
		Endpoint: endpoint,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func (f *SimplePriceFetcher) Name() string { return "simple-price" }

func (f *SimplePriceFetcher) FetchPrice(ctx context.Context, asset, quote string) (float64, error) {
	u, err := url.Parse(f.Endpoint)
	if err != nil {
		return 0, newError("parse endpoint", err)
	}
	q := u.Query()
	q.Set("ids", asset)
	q.Set("vs_currencies", quote)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, newError("build request", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return 0, newError("request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, newError("request", fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body)))
	}

	var payload map[string]map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, newError("decode payload", err)
	}
	raw, ok := payload[asset][quote]
	if !ok {
		return 0, newError("invalid payload", fmt.Errorf("%s/%s price missing", asset, quote))
	}
	var price float64
	if err := json.Unmarshal(raw, &price); err != nil {
		return 0, newError("invalid payload", fmt.Errorf("%s/%s price is not numeric: %s", asset, quote, string(raw)))
	}
	if price <= 0 {
		return 0, newError("invalid payload", fmt.Errorf("%s/%s price %v is not positive", asset, quote, price))
	}
	return price, nil
}
