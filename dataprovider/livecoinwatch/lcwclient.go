// File: dataprovider/livecoinwatch/lcwclient.go
package livecoinwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"coinpulse/dataprovider"
	utils "coinpulse/utilities"
)

const (
	providerName = "livecoinwatch"

	endpointCoinsList = "/coins/list"
)

// Client polls the LiveCoinWatch API. All endpoints are POST with a JSON
// body and an x-api-key header.
type Client struct {
	BaseURL       string
	APIKey        string
	HTTPClient    *http.Client
	budget        *dataprovider.Budget
	logger        *utils.Logger
	quoteCurrency string
}

type lcwListRequest struct {
	Currency string `json:"currency"`
	Sort     string `json:"sort"`
	Order    string `json:"order"`
	Offset   int    `json:"offset"`
	Limit    int    `json:"limit"`
	Meta     bool   `json:"meta"`
}

type lcwCoin struct {
	Code   string   `json:"code"`
	Name   string   `json:"name"`
	Rate   float64  `json:"rate"`
	Volume *float64 `json:"volume"`
	Cap    *float64 `json:"cap"`
	Delta  struct {
		Day *float64 `json:"day"`
	} `json:"delta"`
}

// NewClient builds the adapter; the API key is mandatory.
func NewClient(cfg *utils.LivecoinwatchConfig, budget *dataprovider.Budget, logger *utils.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("livecoinwatch client: config section is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("livecoinwatch client: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.livecoinwatch.com"
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
		logger:        logger,
		quoteCurrency: strings.ToUpper(quote),
	}
	logger.LogInfo("LiveCoinWatch client initialized. BaseURL: %s", client.BaseURL)
	return client, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) Capabilities() dataprovider.Capabilities {
	return dataprovider.Capabilities{
		Scope:      dataprovider.ScopeUniverse,
		Currencies: []string{"USD", "EUR"},
		MaxBatch:   0,
	}
}

// Fetch reads one page of /coins/list. Symbol filtering happens client-side;
// the endpoint has no symbol parameter.
func (c *Client) Fetch(ctx context.Context, req dataprovider.FetchRequest) dataprovider.AdapterResult {
	currency := req.Currency
	if currency == "" {
		currency = c.quoteCurrency
	}

	if f := dataprovider.AwaitBudget(ctx, c.budget, providerName, 1); f != nil {
		return f.Result()
	}

	body, _ := json.Marshal(lcwListRequest{
		Currency: strings.ToUpper(currency),
		Sort:     "rank",
		Order:    "ascending",
		Limit:    500,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpointCoinsList, bytes.NewReader(body))
	if err != nil {
		return dataprovider.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.APIKey)

	c.logger.LogDebug("LiveCoinWatch Request: POST %s", httpReq.URL.String())
	var coins []lcwCoin
	if _, failure := dataprovider.Call(ctx, c.HTTPClient, httpReq, &coins); failure != nil {
		return failure.Result()
	}

	wanted := make(map[string]struct{}, len(req.Symbols))
	for _, s := range req.Symbols {
		wanted[strings.ToUpper(s)] = struct{}{}
	}

	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	records := make([]dataprovider.RawRecord, 0, len(coins))
	for _, coin := range coins {
		if len(wanted) > 0 {
			if _, ok := wanted[strings.ToUpper(coin.Code)]; !ok {
				continue
			}
		}
		records = append(records, dataprovider.RawRecord{
			Symbol:         coin.Code,
			Name:           coin.Name,
			Price:          coin.Rate,
			PriceChange24h: coin.Delta.Day,
			MarketCap:      coin.Cap,
			Volume24h:      coin.Volume,
			LastUpdated:    now,
		})
	}
	return dataprovider.Snapshot(records)
}
