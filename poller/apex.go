package poller

import (
	"coinpulse/store"
)

// DropRule folds a freshly observed price into a coin's apex state. It runs
// on the writer after each successful history append.
type DropRule func(st store.ApexState, history []store.PricePoint, price float64, now string) store.ApexState

// DefaultDropRule tracks the highest observed price per coin and flags a
// drop when the recent history (the window handed in, nominally the last
// 60 s) decreases monotonically and sits at least 1% below the apex.
// A price back within 1% of the apex marks the coin recovered.
func DefaultDropRule(st store.ApexState, history []store.PricePoint, price float64, now string) store.ApexState {
	st.LastChecked = now

	if price > st.ApexPrice {
		st.ApexPrice = price
		st.ApexTimestamp = now
		st.Status = store.StatusTracking
		st.DropStartTimestamp = ""
		return st
	}

	dropPct := (st.ApexPrice - price) / st.ApexPrice * 100
	if dropPct >= 1.0 && monotonicDecrease(history) {
		if st.Status != store.StatusDropping {
			st.Status = store.StatusDropping
			if len(history) > 0 {
				st.DropStartTimestamp = history[0].RecordedAt
			} else {
				st.DropStartTimestamp = now
			}
		}
		return st
	}

	if st.Status == store.StatusDropping && dropPct < 1.0 {
		st.Status = store.StatusRecovered
		st.DropStartTimestamp = ""
	}
	return st
}

func monotonicDecrease(history []store.PricePoint) bool {
	if len(history) < 2 {
		return len(history) > 0
	}
	for i := 1; i < len(history); i++ {
		if history[i].Price > history[i-1].Price {
			return false
		}
	}
	return true
}
