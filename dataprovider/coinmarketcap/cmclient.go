// File: dataprovider/coinmarketcap/cmclient.go
package coinmarketcap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coinpulse/dataprovider"
	utils "coinpulse/utilities"
)

const (
	providerName = "coinmarketcap"

	endpointListings = "/v1/cryptocurrency/listings/latest"
	endpointQuotes   = "/v1/cryptocurrency/quotes/latest"

	defaultMaxBatch = 100
)

// Client polls the CoinMarketCap Pro API. Listings are served from a TTL
// cache between refreshes; quotes are fetched in symbol batches with the
// shared Budget consulted before every HTTP call.
type Client struct {
	BaseURL          string
	APIKeyHeaderName string
	APIKey           string
	HTTPClient       *http.Client
	budget           *dataprovider.Budget
	cache            *dataprovider.ResponseCache
	logger           *utils.Logger
	quoteCurrency    string
	maxBatch         int
	listingsTTL      time.Duration
}

// --- CMC API Response Structs ---

type cmcStatus struct {
	Timestamp    string `json:"timestamp"`
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreditCount  int    `json:"credit_count"`
}

type cmcPriceQuote struct {
	Price            float64  `json:"price"`
	Volume24h        *float64 `json:"volume_24h"`
	PercentChange24h *float64 `json:"percent_change_24h"`
	MarketCap        *float64 `json:"market_cap"`
	LastUpdated      string   `json:"last_updated"`
}

type cmcCoinData struct {
	ID                int                      `json:"id"`
	Name              string                   `json:"name"`
	Symbol            string                   `json:"symbol"`
	DateAdded         string                   `json:"date_added"`
	CirculatingSupply *float64                 `json:"circulating_supply"`
	LastUpdated       string                   `json:"last_updated"`
	Quote             map[string]cmcPriceQuote `json:"quote"`
}

type cmcListingsResponse struct {
	Data   []cmcCoinData `json:"data"`
	Status cmcStatus     `json:"status"`
}

type cmcQuotesResponse struct {
	Data   map[string]cmcCoinData `json:"data"` // keyed by requested symbol
	Status cmcStatus              `json:"status"`
}

// NewClient builds the adapter from its config section. A missing API key
// disables the adapter, which the caller treats as "not configured".
func NewClient(cfg *utils.CoinmarketcapConfig, budget *dataprovider.Budget, logger *utils.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("coinmarketcap client: config section is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://pro-api.coinmarketcap.com"
	}
	if cfg.APIKey == "" {
		return nil, errors.New("coinmarketcap client: API key is required")
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	ttlMin := cfg.ListingsCacheTTLMin
	if ttlMin <= 0 {
		ttlMin = 15
	}
	quote := cfg.QuoteCurrency
	if quote == "" {
		quote = "USD"
	}

	client := &Client{
		BaseURL:          cfg.BaseURL,
		APIKeyHeaderName: "X-CMC_PRO_API_KEY",
		APIKey:           cfg.APIKey,
		HTTPClient:       utils.NewHTTPClient(cfg.RequestTimeoutSec),
		budget:           budget,
		cache:            dataprovider.NewResponseCache(),
		logger:           logger,
		quoteCurrency:    strings.ToUpper(quote),
		maxBatch:         maxBatch,
		listingsTTL:      time.Duration(ttlMin) * time.Minute,
	}
	logger.LogInfo("CoinMarketCap client initialized. BaseURL: %s, MaxBatch: %d, ListingsTTL: %s", client.BaseURL, maxBatch, client.listingsTTL)
	return client, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) Capabilities() dataprovider.Capabilities {
	return dataprovider.Capabilities{
		Scope:      dataprovider.ScopeBySymbol,
		Currencies: []string{"USD", "EUR"},
		MaxBatch:   c.maxBatch,
	}
}

// Fetch serves the provider universe via listings/latest, or a symbol batch
// via quotes/latest. Symbol requests are split into batches of maxBatch;
// the Budget is re-consulted between batches.
func (c *Client) Fetch(ctx context.Context, req dataprovider.FetchRequest) dataprovider.AdapterResult {
	currency := req.Currency
	if currency == "" {
		currency = c.quoteCurrency
	}
	currency = strings.ToUpper(currency)

	if len(req.Symbols) == 0 {
		return c.fetchListings(ctx, currency)
	}
	return c.fetchQuotes(ctx, req.Symbols, currency)
}

func (c *Client) fetchListings(ctx context.Context, currency string) dataprovider.AdapterResult {
	params := url.Values{"convert": {currency}, "limit": {"5000"}}
	if cached, ok := c.cache.Get(endpointListings, params.Encode()); ok {
		c.logger.LogDebug("CMC listings served from cache (%d records)", len(cached))
		return dataprovider.Snapshot(cached)
	}

	if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
		return f.Result()
	}

	var response cmcListingsResponse
	if f := c.makeAPICall(ctx, endpointListings, params, &response); f != nil {
		return f.Result()
	}
	if response.Status.ErrorCode != 0 {
		return dataprovider.Permanent(fmt.Errorf("cmc listings API error: %s (code %d)", response.Status.ErrorMessage, response.Status.ErrorCode))
	}

	records := make([]dataprovider.RawRecord, 0, len(response.Data))
	for _, data := range response.Data {
		if rec, ok := toRawRecord(data, currency); ok {
			records = append(records, rec)
		}
	}
	c.cache.Put(endpointListings, params.Encode(), c.listingsTTL, records)
	return dataprovider.Snapshot(records)
}

func (c *Client) fetchQuotes(ctx context.Context, symbols []string, currency string) dataprovider.AdapterResult {
	merged := make([]dataprovider.RawRecord, 0, len(symbols))

	for start := 0; start < len(symbols); start += c.maxBatch {
		end := utils.MinInt(start+c.maxBatch, len(symbols))
		batch := symbols[start:end]

		if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
			return f.Result()
		}

		params := url.Values{
			"symbol":  {strings.Join(batch, ",")},
			"convert": {currency},
		}
		var response cmcQuotesResponse
		if f := c.makeAPICall(ctx, endpointQuotes, params, &response); f != nil {
			return f.Result()
		}
		if response.Status.ErrorCode != 0 {
			return dataprovider.Permanent(fmt.Errorf("cmc quotes API error: %s (code %d)", response.Status.ErrorMessage, response.Status.ErrorCode))
		}

		for _, sym := range batch {
			data, ok := response.Data[strings.ToUpper(sym)]
			if !ok {
				c.logger.LogDebug("CMC quotes: no data for symbol %s", sym)
				continue
			}
			if rec, ok := toRawRecord(data, currency); ok {
				merged = append(merged, rec)
			}
		}
	}
	return dataprovider.Snapshot(merged)
}

func (c *Client) makeAPICall(ctx context.Context, endpoint string, params url.Values, result interface{}) *dataprovider.CallFailure {
	parsedURL, err := url.Parse(c.BaseURL + endpoint)
	if err != nil {
		return &dataprovider.CallFailure{Kind: dataprovider.ResultPermanent, Err: fmt.Errorf("cmc: bad url %s: %w", c.BaseURL+endpoint, err)}
	}
	parsedURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsedURL.String(), nil)
	if err != nil {
		return &dataprovider.CallFailure{Kind: dataprovider.ResultPermanent, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(c.APIKeyHeaderName, c.APIKey)

	c.logger.LogDebug("CMC Request: GET %s", req.URL.String())
	_, failure := dataprovider.Call(ctx, c.HTTPClient, req, result)
	return failure
}

func toRawRecord(data cmcCoinData, currency string) (dataprovider.RawRecord, bool) {
	quote, ok := data.Quote[currency]
	if !ok {
		return dataprovider.RawRecord{}, false
	}
	lastUpdated := quote.LastUpdated
	if lastUpdated == "" {
		lastUpdated = data.LastUpdated
	}
	return dataprovider.RawRecord{
		Symbol:            data.Symbol,
		Name:              data.Name,
		Price:             quote.Price,
		PriceChange24h:    quote.PercentChange24h,
		MarketCap:         quote.MarketCap,
		Volume24h:         quote.Volume24h,
		CirculatingSupply: data.CirculatingSupply,
		LastUpdated:       lastUpdated,
		DateAdded:         data.DateAdded,
	}, true
}
