package bitvavo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpulse/dataprovider"
	"coinpulse/utilities"
)

const marketsPayload = `[
	{"market": "BTC-EUR", "status": "trading", "base": "BTC", "quote": "EUR"},
	{"market": "ETH-EUR", "status": "trading", "base": "ETH", "quote": "EUR"},
	{"market": "DOGE-EUR", "status": "halted", "base": "DOGE", "quote": "EUR"},
	{"market": "BTC-USDC", "status": "trading", "base": "BTC", "quote": "USDC"}
]`

const ticker24hPayload = `[
	{"market": "BTC-EUR", "open": "60000", "last": "61200", "volume": "1234.5", "timestamp": 1704067200000},
	{"market": "ETH-EUR", "open": "3400", "last": "3400", "volume": "9876.5", "timestamp": 1704067200000},
	{"market": "DOGE-EUR", "open": "0.1", "last": "0.11", "volume": "5", "timestamp": 1704067200000},
	{"market": "BTC-USDC", "open": "64000", "last": "65000", "volume": "10", "timestamp": 1704067200000}
]`

func newTestClient(t *testing.T, baseURL string) (*Client, *dataprovider.Budget) {
	t.Helper()
	budget := dataprovider.NewBudget()
	budget.Configure(providerName, dataprovider.Policy{
		Kind: dataprovider.PolicyWeightPerMinute, WeightPerMinute: 1000, Cooldown: time.Minute,
	})
	c, err := NewClient(&utilities.BitvavoConfig{BaseURL: baseURL}, budget, utilities.NewLogger(utilities.Error))
	require.NoError(t, err)
	return c, budget
}

func TestFetch_UniverseFiltersToTradingEURPairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case endpointMarkets:
			w.Write([]byte(marketsPayload))
		case endpointTicker24h:
			w.Write([]byte(ticker24hPayload))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	res := c.Fetch(context.Background(), dataprovider.FetchRequest{Currency: "EUR"})

	require.Equal(t, dataprovider.ResultSnapshot, res.Kind)
	require.Len(t, res.Records, 2, "halted and non-EUR markets are dropped")

	bySymbol := map[string]dataprovider.RawRecord{}
	for _, r := range res.Records {
		bySymbol[r.Symbol] = r
	}
	btc := bySymbol["BTC"]
	assert.Equal(t, 61200.0, btc.Price)
	assert.Equal(t, "2024-01-01 00:00:00", btc.LastUpdated)
	require.NotNil(t, btc.PriceChange24h)
	assert.InDelta(t, 2.0, *btc.PriceChange24h, 0.001)
}

func TestFetch_WeightHeaderSyncsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("bitvavo-ratelimit-remaining", "50")
		switch r.URL.Path {
		case endpointMarkets:
			w.Write([]byte(marketsPayload))
		case endpointTicker24h:
			w.Write([]byte(ticker24hPayload))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, budget := newTestClient(t, srv.URL)
	res := c.Fetch(context.Background(), dataprovider.FetchRequest{Currency: "EUR"})
	require.Equal(t, dataprovider.ResultSnapshot, res.Kind)

	tokens, _, _ := budget.Remaining(providerName)
	assert.InDelta(t, 50, tokens, 1, "local estimate follows the server-reported weight")
}

func TestFetch_BookMidpointPerSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/BTC-EUR/book":
			assert.Equal(t, "1", r.URL.Query().Get("depth"))
			w.Write([]byte(`{"market": "BTC-EUR", "nonce": 1, "bids": [["61000", "0.2"]], "asks": [["61400", "0.1"]]}`))
		case "/v2/NOPE-EUR/book":
			http.Error(w, `{"errorCode": 205, "error": "market does not exist"}`, http.StatusBadRequest)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	res := c.Fetch(context.Background(), dataprovider.FetchRequest{Symbols: []string{"btc", "NOPE"}})

	require.Equal(t, dataprovider.ResultSnapshot, res.Kind)
	require.Len(t, res.Records, 1, "unknown market is skipped, not fatal")
	assert.Equal(t, "BTC", res.Records[0].Symbol)
	assert.Equal(t, 61200.0, res.Records[0].Price)
	assert.NotEmpty(t, res.Records[0].LastUpdated)
}

func TestFetch_MarketsCachedBetweenPolls(t *testing.T) {
	marketCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case endpointMarkets:
			marketCalls++
			w.Write([]byte(marketsPayload))
		case endpointTicker24h:
			w.Write([]byte(ticker24hPayload))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		res := c.Fetch(context.Background(), dataprovider.FetchRequest{Currency: "EUR"})
		require.Equal(t, dataprovider.ResultSnapshot, res.Kind)
	}
	assert.Equal(t, 1, marketCalls)
}
