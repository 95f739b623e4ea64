package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpulse/dataprovider"
	"coinpulse/utilities"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := utilities.DatabaseConfig{DBPath: filepath.Join(t.TempDir(), "coinpulse.db")}
	st, err := NewStore(cfg, utilities.NewLogger(utilities.Error))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func fp(v float64) *float64 { return &v }

func btcRecord(exchangeID int64, lastUpdated string) dataprovider.CoinRecord {
	return dataprovider.CoinRecord{
		Symbol:         "BTC",
		Name:           "Bitcoin",
		ExchangeID:     exchangeID,
		Currency:       "USD",
		Price:          65000.5,
		PriceChange24h: fp(1.2),
		MarketCap:      fp(1.3e12),
		LastUpdated:    lastUpdated,
		DateAdded:      "2013-04-28 00:00:00",
	}
}

func TestUpsertCoin_InsertThenUpdate(t *testing.T) {
	st := newTestStore(t)

	res, err := st.UpsertCoin(btcRecord(1, "2024-01-01 00:00:00"))
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	newer := btcRecord(1, "2024-01-01 00:05:00")
	newer.Price = 66000
	res, err = st.UpsertCoin(newer)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)

	row, ok, err := st.GetCoinBySymbol("BTC", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 66000.0, row.Price)
	assert.Equal(t, "2024-01-01 00:05:00", row.LastUpdated)
}

func TestUpsertCoin_StaleSnapshotSkipped(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertCoin(btcRecord(1, "2024-01-01 00:05:00"))
	require.NoError(t, err)

	stale := btcRecord(1, "2024-01-01 00:00:00")
	stale.Price = 1
	res, err := st.UpsertCoin(stale)
	require.NoError(t, err)
	assert.Equal(t, SkippedStale, res)

	// equal timestamp is also treated as stale
	res, err = st.UpsertCoin(btcRecord(1, "2024-01-01 00:05:00"))
	require.NoError(t, err)
	assert.Equal(t, SkippedStale, res)

	row, _, err := st.GetCoinBySymbol("BTC", 1)
	require.NoError(t, err)
	assert.Equal(t, 65000.5, row.Price)
}

func TestUpsertCoin_DateAddedNeverMutated(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertCoin(btcRecord(1, "2024-01-01 00:00:00"))
	require.NoError(t, err)

	update := btcRecord(1, "2024-01-02 00:00:00")
	update.DateAdded = "2020-06-06 00:00:00"
	_, err = st.UpsertCoin(update)
	require.NoError(t, err)

	row, _, err := st.GetCoinBySymbol("BTC", 1)
	require.NoError(t, err)
	assert.Equal(t, "2013-04-28 00:00:00", row.DateAdded)
}

func TestUpsertCoin_DateAddedBackfilledWhenMissing(t *testing.T) {
	st := newTestStore(t)

	first := btcRecord(1, "2024-01-01 00:00:00")
	first.DateAdded = ""
	_, err := st.UpsertCoin(first)
	require.NoError(t, err)

	second := btcRecord(1, "2024-01-02 00:00:00")
	second.DateAdded = "2013-04-28 00:00:00"
	_, err = st.UpsertCoin(second)
	require.NoError(t, err)

	row, _, err := st.GetCoinBySymbol("BTC", 1)
	require.NoError(t, err)
	assert.Equal(t, "2013-04-28 00:00:00", row.DateAdded)
}

func TestUpsertCoin_CurrencyChangeRejected(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertCoin(btcRecord(1, "2024-01-01 00:00:00"))
	require.NoError(t, err)

	eur := btcRecord(1, "2024-01-02 00:00:00")
	eur.Currency = "EUR"
	_, err = st.UpsertCoin(eur)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purge")
}

func TestUpsertCoin_SameSymbolDifferentExchanges(t *testing.T) {
	st := newTestStore(t)

	res, err := st.UpsertCoin(btcRecord(1, "2024-01-01 00:00:00"))
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	onBitvavo := btcRecord(2, "2024-01-01 00:00:00")
	onBitvavo.Currency = "EUR"
	onBitvavo.Price = 60000
	res, err = st.UpsertCoin(onBitvavo)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	a, _, err := st.GetCoinBySymbol("BTC", 1)
	require.NoError(t, err)
	b, _, err := st.GetCoinBySymbol("BTC", 2)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "USD", a.Currency)
	assert.Equal(t, "EUR", b.Currency)
}

func TestPurgeCoinsForExchange(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertCoin(btcRecord(1, "2024-01-01 00:00:00"))
	require.NoError(t, err)
	other := btcRecord(2, "2024-01-01 00:00:00")
	_, err = st.UpsertCoin(other)
	require.NoError(t, err)

	require.NoError(t, st.PurgeCoinsForExchange(1))

	_, ok, err := st.GetCoinBySymbol("BTC", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = st.GetCoinBySymbol("BTC", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendPriceAndHistory(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertCoin(btcRecord(1, "2024-01-01 00:00:00"))
	require.NoError(t, err)
	coinID, ok, err := st.CoinIDBySymbol("BTC", 1)
	require.NoError(t, err)
	require.True(t, ok)

	for i, ts := range []string{"2024-01-01 00:00:00", "2024-01-01 00:00:03", "2024-01-01 00:00:06"} {
		p := PricePoint{CoinID: coinID, Symbol: "BTC", Price: 65000 + float64(i), RecordedAt: ts}
		require.NoError(t, st.AppendPrice(p, nil, nil))
	}

	points, err := st.GetPriceHistory(coinID, "2024-01-01 00:00:00", "2024-01-01 00:00:05")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 65000.0, points[0].Price)
	assert.Equal(t, 65001.0, points[1].Price)
}

func TestEnsureExchangeIdempotent(t *testing.T) {
	st := newTestStore(t)

	id1, err := st.EnsureExchange("binance")
	require.NoError(t, err)
	id2, err := st.EnsureExchange("binance")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := st.EnsureExchange("bitvavo")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestHoldingsAndActiveSymbols(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.UpsertHolding("BTC", 0.5))
	require.NoError(t, st.UpsertHolding("ETH", 2))
	require.NoError(t, st.UpsertHolding("SOL", 0))

	active, err := st.GetActiveSymbols()
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Contains(t, active, "BTC")
	assert.NotContains(t, active, "SOL")

	require.NoError(t, st.UpsertHolding("BTC", 0))
	active, err = st.GetActiveSymbols()
	require.NoError(t, err)
	assert.NotContains(t, active, "BTC")

	holdings, err := st.GetHoldings()
	require.NoError(t, err)
	assert.Equal(t, 2.0, holdings["ETH"])
	assert.Zero(t, holdings["SOL"])
}

func TestApexReadWrite(t *testing.T) {
	st := newTestStore(t)

	_, ok, err := st.ReadApex(42)
	require.NoError(t, err)
	assert.False(t, ok)

	state := ApexState{
		CoinID:        42,
		ApexPrice:     70000,
		ApexTimestamp: "2024-01-01 00:00:00",
		Status:        StatusTracking,
		LastChecked:   "2024-01-01 00:00:00",
	}
	require.NoError(t, st.WriteApex(state))

	state.Status = StatusDropping
	state.DropStartTimestamp = "2024-01-01 00:01:00"
	state.LastChecked = "2024-01-01 00:01:00"
	require.NoError(t, st.WriteApex(state))

	got, ok, err := st.ReadApex(42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusDropping, got.Status)
	assert.Equal(t, "2024-01-01 00:01:00", got.DropStartTimestamp)
	assert.Equal(t, 70000.0, got.ApexPrice)

	all, err := st.ListApexStates()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(42), all[0].CoinID)
}

func TestGetLatestCoins(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpsertCoin(btcRecord(1, "2024-01-01 00:00:00"))
	require.NoError(t, err)
	eth := dataprovider.CoinRecord{
		Symbol: "ETH", Name: "Ethereum", ExchangeID: 1, Currency: "USD",
		Price: 3500, LastUpdated: "2024-01-01 00:01:00",
	}
	_, err = st.UpsertCoin(eth)
	require.NoError(t, err)

	rows, err := st.GetLatestCoins(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// newest first
	assert.Equal(t, "ETH", rows[0].Symbol)

	rows, err = st.GetLatestCoins(1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
