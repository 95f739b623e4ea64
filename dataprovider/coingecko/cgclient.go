// File: dataprovider/coingecko/cgclient.go
package coingecko

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
	providerName = "coingecko"

	endpointCoinsList = "/api/v3/coins/list"
)

// Client polls the CoinGecko API. The coins list (id/symbol/name reference)
// is cached; per-coin detail reads are budget-gated one call per coin.
type Client struct {
	BaseURL       string
	APIKey        string
	HTTPClient    *http.Client
	budget        *dataprovider.Budget
	cache         *dataprovider.ResponseCache
	logger        *utils.Logger
	quoteCurrency string
	listTTL       time.Duration
}

type cgListEntry struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

type cgCoinDetail struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	GenesisDate string `json:"genesis_date"`
	MarketData  struct {
		CurrentPrice             map[string]float64 `json:"current_price"`
		PriceChangePercentage24h *float64           `json:"price_change_percentage_24h"`
		MarketCap                map[string]float64 `json:"market_cap"`
		TotalVolume              map[string]float64 `json:"total_volume"`
		CirculatingSupply        *float64           `json:"circulating_supply"`
		LastUpdated              string             `json:"last_updated"`
	} `json:"market_data"`
	LastUpdated string `json:"last_updated"`
}

// NewClient builds the adapter. The API key is optional for the public tier.
func NewClient(cfg *utils.CoingeckoConfig, budget *dataprovider.Budget, logger *utils.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("coingecko client: config section is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coingecko.com"
	}
	ttlMin := cfg.ListCacheTTLMin
	if ttlMin <= 0 {
		ttlMin = 15
	}
	quote := cfg.QuoteCurrency
	if quote == "" {
		quote = "USD"
	}
	client := &Client{
		BaseURL:       cfg.BaseURL,
		APIKey:        cfg.APIKey,
		HTTPClient:    utils.NewHTTPClient(cfg.RequestTimeoutSec),
		budget:        budget,
		cache:         dataprovider.NewResponseCache(),
		logger:        logger,
		quoteCurrency: strings.ToUpper(quote),
		listTTL:       time.Duration(ttlMin) * time.Minute,
	}
	logger.LogInfo("CoinGecko client initialized. BaseURL: %s, ListTTL: %s", client.BaseURL, client.listTTL)
	return client, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) Capabilities() dataprovider.Capabilities {
	return dataprovider.Capabilities{
		Scope:      dataprovider.ScopeByID,
		Currencies: []string{"USD", "EUR"},
		MaxBatch:   1,
	}
}

// Fetch resolves each requested symbol to its CoinGecko id via the cached
// coins list, then reads /api/v3/coins/{id} per coin. Universe requests are
// rejected: the list endpoint carries no prices.
func (c *Client) Fetch(ctx context.Context, req dataprovider.FetchRequest) dataprovider.AdapterResult {
	if len(req.Symbols) == 0 {
		return dataprovider.Permanent(errors.New("coingecko: universe fetch not supported, request explicit symbols"))
	}
	currency := req.Currency
	if currency == "" {
		currency = c.quoteCurrency
	}
	vs := strings.ToLower(currency)

	ids, failure := c.symbolToID(ctx)
	if failure != nil {
		return failure.Result()
	}

	records := make([]dataprovider.RawRecord, 0, len(req.Symbols))
	for _, sym := range req.Symbols {
		id, ok := ids[strings.ToLower(sym)]
		if !ok {
			c.logger.LogDebug("CoinGecko: no id mapping for symbol %s", sym)
			continue
		}

		if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
			return f.Result()
		}

		var detail cgCoinDetail
		endpoint := "/api/v3/coins/" + url.PathEscape(id)
		params := url.Values{
			"localization": {"false"}, "tickers": {"false"},
			"community_data": {"false"}, "developer_data": {"false"},
		}
		if f := c.makeAPICall(ctx, endpoint, params, &detail); f != nil {
			if f.Kind == dataprovider.ResultPermanent {
				c.logger.LogDebug("CoinGecko: skipping %s: %v", id, f.Err)
				continue
			}
			return f.Result()
		}

		price, ok := detail.MarketData.CurrentPrice[vs]
		if !ok || price <= 0 {
			continue
		}
		lastUpdated := detail.MarketData.LastUpdated
		if lastUpdated == "" {
			lastUpdated = detail.LastUpdated
		}
		rec := dataprovider.RawRecord{
			Symbol:            detail.Symbol,
			Name:              detail.Name,
			Price:             price,
			PriceChange24h:    detail.MarketData.PriceChangePercentage24h,
			CirculatingSupply: detail.MarketData.CirculatingSupply,
			LastUpdated:       lastUpdated,
			DateAdded:         detail.GenesisDate,
		}
		if cap, ok := detail.MarketData.MarketCap[vs]; ok && cap > 0 {
			rec.MarketCap = &cap
		}
		if vol, ok := detail.MarketData.TotalVolume[vs]; ok && vol > 0 {
			rec.Volume24h = &vol
		}
		records = append(records, rec)
	}
	return dataprovider.Snapshot(records)
}

// symbolToID returns lowercase symbol -> coingecko id from the cached coins
// list. Ambiguous symbols keep the first listing, matching upstream order.
func (c *Client) symbolToID(ctx context.Context) (map[string]string, *dataprovider.CallFailure) {
	if cached, ok := c.cache.Get(endpointCoinsList, ""); ok {
		return idMapFromRecords(cached), nil
	}

	if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
		return nil, f
	}
	var entries []cgListEntry
	if f := c.makeAPICall(ctx, endpointCoinsList, nil, &entries); f != nil {
		return nil, f
	}

	asRecords := make([]dataprovider.RawRecord, 0, len(entries))
	for _, e := range entries {
		asRecords = append(asRecords, dataprovider.RawRecord{Symbol: e.Symbol, Name: e.ID})
	}
	c.cache.Put(endpointCoinsList, "", c.listTTL, asRecords)
	c.logger.LogInfo("CoinGecko coins list refreshed: %d entries", len(entries))
	return idMapFromRecords(asRecords), nil
}

func (c *Client) makeAPICall(ctx context.Context, endpoint string, params url.Values, result interface{}) *dataprovider.CallFailure {
	fullURL := c.BaseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return &dataprovider.CallFailure{Kind: dataprovider.ResultPermanent, Err: fmt.Errorf("coingecko: bad request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.APIKey)
	}

	c.logger.LogDebug("CoinGecko Request: GET %s", fullURL)
	_, failure := dataprovider.Call(ctx, c.HTTPClient, req, result)
	return failure
}

func idMapFromRecords(records []dataprovider.RawRecord) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		key := strings.ToLower(r.Symbol)
		if _, exists := out[key]; !exists {
			out[key] = r.Name
		}
	}
	return out
}
