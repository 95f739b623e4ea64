package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"coinpulse/store"
)

func points(prices ...float64) []store.PricePoint {
	out := make([]store.PricePoint, len(prices))
	for i, p := range prices {
		out[i] = store.PricePoint{Price: p, RecordedAt: "2024-01-01 00:00:0" + string(rune('0'+i))}
	}
	return out
}

func TestDefaultDropRule_NewHighRaisesApex(t *testing.T) {
	st := store.ApexState{CoinID: 1, ApexPrice: 100, Status: store.StatusDropping, DropStartTimestamp: "2024-01-01 00:00:00"}

	st = DefaultDropRule(st, nil, 120, "2024-01-01 00:01:00")

	assert.Equal(t, 120.0, st.ApexPrice)
	assert.Equal(t, "2024-01-01 00:01:00", st.ApexTimestamp)
	assert.Equal(t, store.StatusTracking, st.Status)
	assert.Empty(t, st.DropStartTimestamp)
}

func TestDefaultDropRule_MonotonicDecreaseFlagsDrop(t *testing.T) {
	st := store.ApexState{CoinID: 1, ApexPrice: 100, Status: store.StatusTracking}
	history := points(99.5, 99.0, 98.5)

	st = DefaultDropRule(st, history, 98.5, "2024-01-01 00:01:00")

	assert.Equal(t, store.StatusDropping, st.Status)
	assert.Equal(t, history[0].RecordedAt, st.DropStartTimestamp)
	assert.Equal(t, 100.0, st.ApexPrice)
}

func TestDefaultDropRule_SmallDipNotFlagged(t *testing.T) {
	st := store.ApexState{CoinID: 1, ApexPrice: 100, Status: store.StatusTracking}

	// down but within 1% of the apex
	st = DefaultDropRule(st, points(99.8, 99.6), 99.6, "2024-01-01 00:01:00")

	assert.Equal(t, store.StatusTracking, st.Status)
}

func TestDefaultDropRule_BounceBreaksMonotonicity(t *testing.T) {
	st := store.ApexState{CoinID: 1, ApexPrice: 100, Status: store.StatusTracking}

	// 2% below apex but the window is not monotonically decreasing
	st = DefaultDropRule(st, points(98, 99, 98), 98, "2024-01-01 00:01:00")

	assert.Equal(t, store.StatusTracking, st.Status)
}

func TestDefaultDropRule_Recovery(t *testing.T) {
	st := store.ApexState{
		CoinID: 1, ApexPrice: 100, Status: store.StatusDropping,
		DropStartTimestamp: "2024-01-01 00:00:00",
	}

	st = DefaultDropRule(st, points(99.2, 99.5), 99.5, "2024-01-01 00:02:00")

	assert.Equal(t, store.StatusRecovered, st.Status)
	assert.Empty(t, st.DropStartTimestamp)
}

func TestDefaultDropRule_StampsLastChecked(t *testing.T) {
	st := store.ApexState{CoinID: 1, ApexPrice: 100}
	st = DefaultDropRule(st, nil, 100, "2024-01-01 00:03:00")
	assert.Equal(t, "2024-01-01 00:03:00", st.LastChecked)
}
