package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coinpulse/store"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// marketDataHandler serves the latest persisted coin snapshots, either the
// whole set or a single symbol via ?symbol=.
func marketDataHandler(c AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if symbol := strings.ToUpper(r.URL.Query().Get("symbol")); symbol != "" {
			row, found, err := c.Store().GetCoinBySymbol(symbol, c.ExchangeID())
			if err != nil {
				c.Logger().LogError("market-data: %v", err)
				writeError(w, http.StatusInternalServerError, "store read failed")
				return
			}
			if !found {
				writeError(w, http.StatusNotFound, "unknown symbol")
				return
			}
			writeJSON(w, http.StatusOK, row)
			return
		}

		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		rows, err := c.Store().GetLatestCoins(limit)
		if err != nil {
			c.Logger().LogError("market-data: %v", err)
			writeError(w, http.StatusInternalServerError, "store read failed")
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

type signal struct {
	CoinID    int64   `json:"coin_id"`
	Status    string  `json:"status"`
	ApexPrice float64 `json:"apex_price"`
	Signal    string  `json:"signal"`
	LastCheck string  `json:"last_checked"`
}

// tradingSignalsHandler derives advisory signals from the apex states.
func tradingSignalsHandler(c AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		states, err := c.Store().ListApexStates()
		if err != nil {
			c.Logger().LogError("trading-signals: %v", err)
			writeError(w, http.StatusInternalServerError, "store read failed")
			return
		}

		signals := make([]signal, 0, len(states))
		for _, st := range states {
			sig := "hold"
			switch st.Status {
			case store.StatusDropping:
				sig = "dip"
			case store.StatusRecovered:
				sig = "rebound"
			}
			signals = append(signals, signal{
				CoinID:    st.CoinID,
				Status:    st.Status,
				ApexPrice: st.ApexPrice,
				Signal:    sig,
				LastCheck: st.LastChecked,
			})
		}
		writeJSON(w, http.StatusOK, signals)
	}
}

type holdingUpdate struct {
	Symbol  string  `json:"symbol"`
	Holding float64 `json:"holding"`
}

// paperTradingHandler reads and writes the simulated portfolio holdings that
// feed the active-symbols poll.
func paperTradingHandler(c AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			holdings, err := c.Store().GetHoldings()
			if err != nil {
				c.Logger().LogError("paper-trading: %v", err)
				writeError(w, http.StatusInternalServerError, "store read failed")
				return
			}
			writeJSON(w, http.StatusOK, holdings)
		case http.MethodPost:
			var upd holdingUpdate
			if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
				writeError(w, http.StatusBadRequest, "invalid body")
				return
			}
			upd.Symbol = strings.ToUpper(strings.TrimSpace(upd.Symbol))
			if upd.Symbol == "" || upd.Holding < 0 {
				writeError(w, http.StatusBadRequest, "symbol required and holding must be non-negative")
				return
			}
			if err := c.Store().UpsertHolding(upd.Symbol, upd.Holding); err != nil {
				c.Logger().LogError("paper-trading: %v", err)
				writeError(w, http.StatusInternalServerError, "store write failed")
				return
			}
			writeJSON(w, http.StatusOK, upd)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// backtestHandler returns the bounded price-history range for one coin,
// the raw material for offline strategy evaluation.
func backtestHandler(c AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		coinID, err := strconv.ParseInt(r.URL.Query().Get("coin_id"), 10, 64)
		if err != nil || coinID <= 0 {
			writeError(w, http.StatusBadRequest, "coin_id required")
			return
		}
		from := r.URL.Query().Get("from")
		to := r.URL.Query().Get("to")
		if from == "" {
			from = time.Now().UTC().AddDate(0, 0, -7).Format("2006-01-02 15:04:05")
		}
		if to == "" {
			to = time.Now().UTC().Format("2006-01-02 15:04:05")
		}

		points, err := c.Store().GetPriceHistory(coinID, from, to)
		if err != nil {
			c.Logger().LogError("backtest: %v", err)
			writeError(w, http.StatusInternalServerError, "store read failed")
			return
		}
		writeJSON(w, http.StatusOK, points)
	}
}
