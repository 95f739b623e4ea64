package coinmarketcap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpulse/dataprovider"
	"coinpulse/utilities"
)

const quotesPayload = `{
	"status": {"timestamp": "2024-01-01T00:00:05.000Z", "error_code": 0, "credit_count": 1},
	"data": {
		"BTC": {
			"id": 1,
			"name": "Bitcoin",
			"symbol": "BTC",
			"date_added": "2013-04-28T00:00:00.000Z",
			"circulating_supply": 19600000,
			"last_updated": "2024-01-01T00:00:00.000Z",
			"quote": {
				"USD": {
					"price": 65000.5,
					"volume_24h": 30000000000,
					"percent_change_24h": 1.2,
					"market_cap": 1300000000000,
					"last_updated": "2024-01-01T00:00:00.000Z"
				}
			}
		}
	}
}`

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	budget := dataprovider.NewBudget()
	budget.Configure(providerName, dataprovider.Policy{
		Kind: dataprovider.PolicyWeightPerMinute, WeightPerMinute: 1000, Cooldown: time.Minute,
	})
	c, err := NewClient(&utilities.CoinmarketcapConfig{
		BaseURL: baseURL,
		APIKey:  "test-key",
	}, budget, utilities.NewLogger(utilities.Error))
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(&utilities.CoinmarketcapConfig{}, dataprovider.NewBudget(), utilities.NewLogger(utilities.Error))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestFetch_QuotesHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, endpointQuotes, r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-CMC_PRO_API_KEY"))
		assert.Equal(t, "BTC", r.URL.Query().Get("symbol"))
		assert.Equal(t, "USD", r.URL.Query().Get("convert"))
		w.Write([]byte(quotesPayload))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res := c.Fetch(context.Background(), dataprovider.FetchRequest{Symbols: []string{"BTC"}, Currency: "USD"})

	require.Equal(t, dataprovider.ResultSnapshot, res.Kind)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, "BTC", rec.Symbol)
	assert.Equal(t, "Bitcoin", rec.Name)
	assert.Equal(t, 65000.5, rec.Price)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", rec.LastUpdated)
	assert.Equal(t, "2013-04-28T00:00:00.000Z", rec.DateAdded)
	require.NotNil(t, rec.PriceChange24h)
	assert.Equal(t, 1.2, *rec.PriceChange24h)
}

func TestFetch_QuotesBatchSplit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		symbols := strings.Split(r.URL.Query().Get("symbol"), ",")
		assert.LessOrEqual(t, len(symbols), 100)

		var entries []string
		for _, sym := range symbols {
			entries = append(entries, fmt.Sprintf(`"%s": {
				"name": "%s", "symbol": "%s",
				"last_updated": "2024-01-01T00:00:00.000Z",
				"quote": {"USD": {"price": 1.5, "last_updated": "2024-01-01T00:00:00.000Z"}}
			}`, sym, sym, sym))
		}
		fmt.Fprintf(w, `{"status": {"error_code": 0}, "data": {%s}}`, strings.Join(entries, ","))
	}))
	defer srv.Close()

	symbols := make([]string, 250)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("C%03d", i)
	}

	c := newTestClient(t, srv.URL)
	res := c.Fetch(context.Background(), dataprovider.FetchRequest{Symbols: symbols, Currency: "USD"})

	require.Equal(t, dataprovider.ResultSnapshot, res.Kind)
	assert.Len(t, res.Records, 250)
	assert.Equal(t, int32(3), calls.Load(), "250 symbols at max batch 100 is three calls")
}

func TestFetch_RateLimitSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res := c.Fetch(context.Background(), dataprovider.FetchRequest{Symbols: []string{"BTC"}, Currency: "USD"})

	require.Equal(t, dataprovider.ResultRateLimited, res.Kind)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestFetch_APIErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status": {"error_code": 1002, "error_message": "API key missing"}, "data": {}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res := c.Fetch(context.Background(), dataprovider.FetchRequest{Symbols: []string{"BTC"}, Currency: "USD"})

	require.Equal(t, dataprovider.ResultPermanent, res.Kind)
	assert.Contains(t, res.Err.Error(), "API key missing")
}

func TestFetch_ListingsCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, endpointListings, r.URL.Path)
		w.Write([]byte(`{"status": {"error_code": 0}, "data": [
			{"name": "Bitcoin", "symbol": "BTC", "last_updated": "2024-01-01T00:00:00.000Z",
			 "quote": {"USD": {"price": 65000.5, "last_updated": "2024-01-01T00:00:00.000Z"}}}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	for i := 0; i < 3; i++ {
		res := c.Fetch(context.Background(), dataprovider.FetchRequest{Currency: "USD"})
		require.Equal(t, dataprovider.ResultSnapshot, res.Kind)
		require.Len(t, res.Records, 1)
	}
	assert.Equal(t, int32(1), calls.Load(), "listings within the TTL are served from cache")
}

func TestFetch_MissingSymbolSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(quotesPayload))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res := c.Fetch(context.Background(), dataprovider.FetchRequest{Symbols: []string{"BTC", "NOPE"}, Currency: "USD"})

	require.Equal(t, dataprovider.ResultSnapshot, res.Kind)
	assert.Len(t, res.Records, 1)
}
