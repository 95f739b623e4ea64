// File: dataprovider/binance/bnclient.go
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coinpulse/dataprovider"
	utils "coinpulse/utilities"
)

const (
	providerName = "binance"

	endpointExchangeInfo = "/api/v3/exchangeInfo"
	endpointTickerPrice  = "/api/v3/ticker/price"
	endpointBookTicker   = "/api/v3/ticker/bookTicker"

	exchangeInfoCacheTTL = 15 * time.Minute
)

// Client polls the Binance public REST API. exchangeInfo is reference data
// and cached; price and bookTicker reads are budget-gated.
type Client struct {
	BaseURL       string
	HTTPClient    *http.Client
	budget        *dataprovider.Budget
	cache         *dataprovider.ResponseCache
	logger        *utils.Logger
	quoteCurrency string
}

type bnExchangeInfo struct {
	Symbols []bnSymbolInfo `json:"symbols"`
}

type bnSymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

type bnTickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type bnBookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

// NewClient builds the adapter. Binance reads are unauthenticated.
func NewClient(cfg *utils.BinanceConfig, budget *dataprovider.Budget, logger *utils.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("binance client: config section is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	quote := cfg.QuoteCurrency
	if quote == "" {
		quote = "USDT"
	}
	client := &Client{
		BaseURL:       cfg.BaseURL,
		HTTPClient:    utils.NewHTTPClient(cfg.RequestTimeoutSec),
		budget:        budget,
		cache:         dataprovider.NewResponseCache(),
		logger:        logger,
		quoteCurrency: strings.ToUpper(quote),
	}
	logger.LogInfo("Binance client initialized. BaseURL: %s, Quote: %s", client.BaseURL, client.quoteCurrency)
	return client, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) Capabilities() dataprovider.Capabilities {
	return dataprovider.Capabilities{
		Scope:      dataprovider.ScopeUniverse,
		Currencies: []string{"USDT"},
		MaxBatch:   0,
	}
}

// Fetch joins exchangeInfo pairs against /api/v3/ticker/price for the whole
// universe, or against /api/v3/ticker/bookTicker midpoints for a symbol set.
func (c *Client) Fetch(ctx context.Context, req dataprovider.FetchRequest) dataprovider.AdapterResult {
	pairs, failure := c.tradingPairs(ctx)
	if failure != nil {
		return failure.Result()
	}

	if len(req.Symbols) == 0 {
		return c.fetchPrices(ctx, pairs, nil)
	}
	return c.fetchBookTickers(ctx, pairs, req.Symbols)
}

func (c *Client) fetchPrices(ctx context.Context, pairs map[string]string, symbols []string) dataprovider.AdapterResult {
	if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
		return f.Result()
	}

	params := url.Values{}
	if len(symbols) > 0 {
		params.Set("symbols", pairParam(symbols, c.quoteCurrency))
	}
	var tickers []bnTickerPrice
	if f := c.makeAPICall(ctx, endpointTickerPrice, params, &tickers); f != nil {
		return f.Result()
	}

	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	records := make([]dataprovider.RawRecord, 0, len(tickers))
	for _, t := range tickers {
		base, ok := pairs[t.Symbol]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		records = append(records, dataprovider.RawRecord{
			Symbol:      base,
			Price:       price,
			LastUpdated: now,
		})
	}
	return dataprovider.Snapshot(records)
}

func (c *Client) fetchBookTickers(ctx context.Context, pairs map[string]string, symbols []string) dataprovider.AdapterResult {
	if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
		return f.Result()
	}

	params := url.Values{"symbols": {pairParam(symbols, c.quoteCurrency)}}
	var books []bnBookTicker
	if f := c.makeAPICall(ctx, endpointBookTicker, params, &books); f != nil {
		return f.Result()
	}

	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	records := make([]dataprovider.RawRecord, 0, len(books))
	for _, b := range books {
		base, ok := pairs[b.Symbol]
		if !ok {
			continue
		}
		bid, _ := strconv.ParseFloat(b.BidPrice, 64)
		ask, _ := strconv.ParseFloat(b.AskPrice, 64)
		var price float64
		switch {
		case bid > 0 && ask > 0:
			price = (bid + ask) / 2
		case bid > 0:
			price = bid
		case ask > 0:
			price = ask
		default:
			continue
		}
		records = append(records, dataprovider.RawRecord{
			Symbol:      base,
			Price:       price,
			LastUpdated: now,
		})
	}
	return dataprovider.Snapshot(records)
}

// tradingPairs returns pair symbol -> base asset for TRADING pairs in the
// configured quote currency, caching the exchangeInfo reference list.
func (c *Client) tradingPairs(ctx context.Context) (map[string]string, *dataprovider.CallFailure) {
	if cached, ok := c.cache.Get(endpointExchangeInfo, c.quoteCurrency); ok {
		out := make(map[string]string, len(cached))
		for _, r := range cached {
			out[r.Name] = r.Symbol
		}
		return out, nil
	}

	if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
		return nil, f
	}
	var info bnExchangeInfo
	if f := c.makeAPICall(ctx, endpointExchangeInfo, nil, &info); f != nil {
		return nil, f
	}

	out := make(map[string]string, len(info.Symbols))
	asRecords := make([]dataprovider.RawRecord, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.QuoteAsset != c.quoteCurrency {
			continue
		}
		base := strings.ToUpper(s.BaseAsset)
		out[s.Symbol] = base
		asRecords = append(asRecords, dataprovider.RawRecord{Symbol: base, Name: s.Symbol})
	}
	c.cache.Put(endpointExchangeInfo, c.quoteCurrency, exchangeInfoCacheTTL, asRecords)
	return out, nil
}

func (c *Client) makeAPICall(ctx context.Context, endpoint string, params url.Values, result interface{}) *dataprovider.CallFailure {
	fullURL := c.BaseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return &dataprovider.CallFailure{Kind: dataprovider.ResultPermanent, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	c.logger.LogDebug("Binance Request: GET %s", fullURL)
	_, failure := dataprovider.Call(ctx, c.HTTPClient, req, result)
	return failure
}

// pairParam renders the JSON-array symbols parameter Binance expects,
// e.g. ["BTCUSDT","ETHUSDT"].
func pairParam(symbols []string, quote string) string {
	pairs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		pairs = append(pairs, strings.ToUpper(s)+quote)
	}
	b, _ := json.Marshal(pairs)
	return string(b)
}
