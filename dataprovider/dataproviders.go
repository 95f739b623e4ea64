package dataprovider

import (
	"context"
	"time"
)

// Scope describes how an adapter addresses the provider's coin set.
type Scope string

const (
	ScopeUniverse Scope = "universe"
	ScopeBySymbol Scope = "by_symbol"
	ScopeByID     Scope = "by_id"
)

// Capabilities declares what a provider adapter can serve.
type Capabilities struct {
	Scope      Scope
	Currencies []string
	MaxBatch   int // 0 means unbounded
}

// FetchRequest carries one unit of work handed to an adapter.
// A nil Symbols slice means "the provider's entire universe".
type FetchRequest struct {
	Symbols  []string
	Currency string
	Weight   int
}

// RawRecord is a provider payload mapped onto a uniform shape before
// normalization. Optional upstream fields stay as pointers so absence
// survives into the store as NULL.
type RawRecord struct {
	Symbol            string
	Name              string
	Price             float64
	PriceChange24h    *float64
	MarketCap         *float64
	Volume24h         *float64
	CirculatingSupply *float64
	LastUpdated       string // upstream-reported, ISO-8601 or canonical naive UTC
	DateAdded         string
}

// ResultKind tags an AdapterResult.
type ResultKind int

const (
	ResultSnapshot ResultKind = iota
	ResultRateLimited
	ResultTransient
	ResultPermanent
)

func (k ResultKind) String() string {
	switch k {
	case ResultSnapshot:
		return "snapshot"
	case ResultRateLimited:
		return "rate_limited"
	case ResultTransient:
		return "transient"
	case ResultPermanent:
		return "permanent"
	}
	return "unknown"
}

// AdapterResult is the tagged outcome of every adapter call. Exactly one of
// the payload fields is meaningful for a given Kind.
type AdapterResult struct {
	Kind       ResultKind
	Records    []RawRecord
	RetryAfter time.Duration // set on rate-limit when the provider reported one
	Err        error
}

func Snapshot(records []RawRecord) AdapterResult {
	return AdapterResult{Kind: ResultSnapshot, Records: records}
}

func RateLimited(retryAfter time.Duration) AdapterResult {
	return AdapterResult{Kind: ResultRateLimited, RetryAfter: retryAfter}
}

func Transient(err error) AdapterResult {
	return AdapterResult{Kind: ResultTransient, Err: err}
}

func Permanent(err error) AdapterResult {
	return AdapterResult{Kind: ResultPermanent, Err: err}
}

// Adapter is the uniform contract every upstream provider implements.
// Fetch never throttles by sleeping on its own: request pacing is owned by
// the shared Budget, which adapters consult per HTTP call (and between
// batches when splitting a by_symbol request).
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Fetch(ctx context.Context, req FetchRequest) AdapterResult
}
