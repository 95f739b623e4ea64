package dataprovider

import (
	"strings"

	"coinpulse/utilities"
)

// CoinRecord is the canonical normalized snapshot for one coin on one
// exchange, ready for an idempotent store upsert.
type CoinRecord struct {
	Symbol         string
	Name           string
	ExchangeID     int64
	Currency       string
	Price          float64
	PriceChange24h *float64
	MarketCap      *float64
	Volume24h      *float64
	LastUpdated    string // naive UTC "YYYY-MM-DD HH:MM:SS"
	DateAdded      string
}

// quoteCurrencies are quote assets that sometimes masquerade as bases in
// provider payloads; records with these base symbols are dropped.
var quoteCurrencies = map[string]struct{}{
	"EUR":  {},
	"USD":  {},
	"USDT": {},
	"BUSD": {},
}

// NormalizeBatch maps raw provider records onto CoinRecords, attaching the
// caller-supplied exchange and currency. Structural rejects are counted and
// returned alongside the good records, never surfaced as an error.
func NormalizeBatch(raw []RawRecord, exchangeID int64, currency string) ([]CoinRecord, int) {
	out := make([]CoinRecord, 0, len(raw))
	dropped := 0

	for _, r := range raw {
		rec, ok := normalizeOne(r, exchangeID, currency)
		if !ok {
			dropped++
			continue
		}
		out = append(out, rec)
	}
	return out, dropped
}

func normalizeOne(r RawRecord, exchangeID int64, currency string) (CoinRecord, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(r.Symbol))
	if symbol == "" || r.Price <= 0 || r.LastUpdated == "" {
		return CoinRecord{}, false
	}
	if _, isQuote := quoteCurrencies[symbol]; isQuote {
		return CoinRecord{}, false
	}

	lastUpdated, err := utilities.ToNaiveUTC(r.LastUpdated)
	if err != nil {
		return CoinRecord{}, false
	}

	dateAdded := ""
	if r.DateAdded != "" {
		if da, err := utilities.ToNaiveUTC(r.DateAdded); err == nil {
			dateAdded = da
		}
	}

	marketCap := r.MarketCap
	if marketCap == nil && r.CirculatingSupply != nil {
		cap := r.Price * *r.CirculatingSupply
		marketCap = &cap
	}

	return CoinRecord{
		Symbol:         symbol,
		Name:           strings.TrimSpace(r.Name),
		ExchangeID:     exchangeID,
		Currency:       strings.ToUpper(currency),
		Price:          r.Price,
		PriceChange24h: r.PriceChange24h,
		MarketCap:      marketCap,
		Volume24h:      r.Volume24h,
		LastUpdated:    lastUpdated,
		DateAdded:      dateAdded,
	}, true
}
