// File: dataprovider/bitvavo/bvclient.go
package bitvavo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coinpulse/dataprovider"
	utils "coinpulse/utilities"
)

const (
	providerName = "bitvavo"

	endpointMarkets   = "/v2/markets"
	endpointTicker24h = "/v2/ticker/24h"

	weightRemainingHeader = "bitvavo-ratelimit-remaining"
	marketsCacheTTL       = 15 * time.Minute
)

// Client polls the Bitvavo public REST API. Market reference data is cached;
// ticker and order-book reads go through the shared Budget, and the
// server-reported remaining weight is fed back after every response.
type Client struct {
	BaseURL       string
	HTTPClient    *http.Client
	budget        *dataprovider.Budget
	cache         *dataprovider.ResponseCache
	logger        *utils.Logger
	quoteCurrency string
}

type bvMarket struct {
	Market string `json:"market"`
	Status string `json:"status"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

type bvTicker24h struct {
	Market    string `json:"market"`
	Open      string `json:"open"`
	Last      string `json:"last"`
	Volume    string `json:"volume"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

type bvOrderBook struct {
	Market string     `json:"market"`
	Nonce  int64      `json:"nonce"`
	Bids   [][]string `json:"bids"`
	Asks   [][]string `json:"asks"`
}

// NewClient builds the adapter. Bitvavo reads are unauthenticated.
func NewClient(cfg *utils.BitvavoConfig, budget *dataprovider.Budget, logger *utils.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("bitvavo client: config section is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.bitvavo.com"
	}
	quote := cfg.QuoteCurrency
	if quote == "" {
		quote = "EUR"
	}
	client := &Client{
		BaseURL:       cfg.BaseURL,
		HTTPClient:    utils.NewHTTPClient(cfg.RequestTimeoutSec),
		budget:        budget,
		cache:         dataprovider.NewResponseCache(),
		logger:        logger,
		quoteCurrency: strings.ToUpper(quote),
	}
	logger.LogInfo("Bitvavo client initialized. BaseURL: %s, Quote: %s", client.BaseURL, client.quoteCurrency)
	return client, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) Capabilities() dataprovider.Capabilities {
	return dataprovider.Capabilities{
		Scope:      dataprovider.ScopeUniverse,
		Currencies: []string{"EUR"},
		MaxBatch:   0,
	}
}

// Fetch serves the whole market universe from /v2/ticker/24h, or best
// bid/ask snapshots per symbol from the depth-1 order book.
func (c *Client) Fetch(ctx context.Context, req dataprovider.FetchRequest) dataprovider.AdapterResult {
	if len(req.Symbols) == 0 {
		return c.fetchUniverse(ctx)
	}
	return c.fetchBooks(ctx, req.Symbols)
}

func (c *Client) fetchUniverse(ctx context.Context) dataprovider.AdapterResult {
	markets, failure := c.tradingMarkets(ctx)
	if failure != nil {
		return failure.Result()
	}

	if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
		return f.Result()
	}
	var tickers []bvTicker24h
	if f := c.makeAPICall(ctx, endpointTicker24h, nil, &tickers); f != nil {
		return f.Result()
	}

	records := make([]dataprovider.RawRecord, 0, len(tickers))
	for _, t := range tickers {
		base, ok := markets[t.Market]
		if !ok {
			continue
		}
		last, err := strconv.ParseFloat(t.Last, 64)
		if err != nil || last <= 0 {
			continue
		}
		rec := dataprovider.RawRecord{
			Symbol:      base,
			Price:       last,
			LastUpdated: naiveUTCFromMillis(t.Timestamp),
		}
		if vol, err := strconv.ParseFloat(t.Volume, 64); err == nil {
			rec.Volume24h = &vol
		}
		if open, err := strconv.ParseFloat(t.Open, 64); err == nil && open > 0 {
			change := (last - open) / open * 100
			rec.PriceChange24h = &change
		}
		records = append(records, rec)
	}
	return dataprovider.Snapshot(records)
}

// fetchBooks reads the depth-1 order book per symbol and quotes the midpoint
// of best bid/ask.
func (c *Client) fetchBooks(ctx context.Context, symbols []string) dataprovider.AdapterResult {
	records := make([]dataprovider.RawRecord, 0, len(symbols))
	for _, sym := range symbols {
		if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
			return f.Result()
		}

		market := strings.ToUpper(sym) + "-" + c.quoteCurrency
		var book bvOrderBook
		endpoint := fmt.Sprintf("/v2/%s/book", market)
		if f := c.makeAPICall(ctx, endpoint, url.Values{"depth": {"1"}}, &book); f != nil {
			if f.Kind == dataprovider.ResultPermanent {
				// unknown market; skip rather than poisoning the batch
				c.logger.LogDebug("Bitvavo book: skipping %s: %v", market, f.Err)
				continue
			}
			return f.Result()
		}

		bid := bestLevelPrice(book.Bids)
		ask := bestLevelPrice(book.Asks)
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
			Symbol:      strings.ToUpper(sym),
			Price:       price,
			LastUpdated: time.Now().UTC().Format("2006-01-02 15:04:05"),
		})
	}
	return dataprovider.Snapshot(records)
}

// tradingMarkets returns market name -> base asset for trading pairs in the
// configured quote currency, caching the reference list.
func (c *Client) tradingMarkets(ctx context.Context) (map[string]string, *dataprovider.CallFailure) {
	if cached, ok := c.cache.Get(endpointMarkets, c.quoteCurrency); ok {
		return marketsFromRecords(cached), nil
	}

	if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
		return nil, f
	}
	var markets []bvMarket
	if f := c.makeAPICall(ctx, endpointMarkets, nil, &markets); f != nil {
		return nil, f
	}

	out := make(map[string]string, len(markets))
	asRecords := make([]dataprovider.RawRecord, 0, len(markets))
	for _, m := range markets {
		if m.Status != "trading" || !strings.EqualFold(m.Quote, c.quoteCurrency) {
			continue
		}
		out[m.Market] = strings.ToUpper(m.Base)
		asRecords = append(asRecords, dataprovider.RawRecord{Symbol: m.Base, Name: m.Market})
	}
	c.cache.Put(endpointMarkets, c.quoteCurrency, marketsCacheTTL, asRecords)
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

	c.logger.LogDebug("Bitvavo Request: GET %s", fullURL)
	header, failure := dataprovider.Call(ctx, c.HTTPClient, req, result)
	if header != nil {
		if remaining, err := strconv.Atoi(header.Get(weightRemainingHeader)); err == nil {
			c.budget.ReportWeightRemaining(providerName, remaining)
		}
	}
	return failure
}

func marketsFromRecords(records []dataprovider.RawRecord) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		out[r.Name] = strings.ToUpper(r.Symbol)
	}
	return out
}

func bestLevelPrice(levels [][]string) float64 {
	if len(levels) == 0 || len(levels[0]) == 0 {
		return 0
	}
	p, err := strconv.ParseFloat(levels[0][0], 64)
	if err != nil {
		return 0
	}
	return p
}

func naiveUTCFromMillis(ms int64) string {
	if ms <= 0 {
		return time.Now().UTC().Format("2006-01-02 15:04:05")
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}
