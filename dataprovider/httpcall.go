package dataprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// transientRetryDelay is the fixed in-adapter delay before the single retry
// allowed for a transient failure.
const transientRetryDelay = 500 * time.Millisecond

// CallFailure classifies a failed upstream call. A nil *CallFailure means
// the call succeeded and result was decoded.
type CallFailure struct {
	Kind       ResultKind
	RetryAfter time.Duration
	Err        error
}

// Result converts the failure into the adapter's tagged result.
func (f *CallFailure) Result() AdapterResult {
	switch f.Kind {
	case ResultRateLimited:
		return RateLimited(f.RetryAfter)
	case ResultPermanent:
		return Permanent(f.Err)
	default:
		return Transient(f.Err)
	}
}

// AwaitBudget acquires `weight` from the budget for an upstream, waiting out
// short deferrals. A cooldown is surfaced as a rate-limit failure so the
// adapter can return without calling the provider.
func AwaitBudget(ctx context.Context, b *Budget, upstream string, weight int) *CallFailure {
	for {
		d := b.Acquire(upstream, weight)
		switch d.Kind {
		case Granted:
			return nil
		case Cooldown:
			return &CallFailure{Kind: ResultRateLimited, RetryAfter: d.Wait}
		default: // WaitFor
			timer := time.NewTimer(d.Wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &CallFailure{Kind: ResultTransient, Err: ctx.Err()}
			case <-timer.C:
			}
		}
	}
}

// Call performs the request, decodes a JSON body into result, and classifies
// failures: 429 is rate-limited (honoring Retry-After), other 4xx are
// permanent, 5xx and network errors are transient with one fixed-delay retry.
// Response headers are returned for adapters that read provider-reported
// budget counters.
func Call(ctx context.Context, client *http.Client, req *http.Request, result interface{}) (http.Header, *CallFailure) {
	header, failure := callOnce(client, req, result)
	if failure == nil || failure.Kind != ResultTransient {
		return header, failure
	}

	timer := time.NewTimer(transientRetryDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, &CallFailure{Kind: ResultTransient, Err: ctx.Err()}
	case <-timer.C:
	}

	retry := req
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, &CallFailure{Kind: ResultTransient, Err: fmt.Errorf("reset request body: %w", err)}
		}
		retry = req.Clone(ctx)
		retry.Body = body
	}
	return callOnce(client, retry, result)
}

func callOnce(client *http.Client, req *http.Request, result interface{}) (http.Header, *CallFailure) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &CallFailure{Kind: ResultTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.Header, &CallFailure{
			Kind:       ResultRateLimited,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("http 429: %s", resp.Status),
		}
	case resp.StatusCode >= 500:
		return resp.Header, &CallFailure{Kind: ResultTransient, Err: fmt.Errorf("server error %d %s", resp.StatusCode, resp.Status)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.Header, &CallFailure{Kind: ResultPermanent, Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(snippet))}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return resp.Header, &CallFailure{Kind: ResultTransient, Err: fmt.Errorf("failed to decode JSON response: %w", err)}
	}
	return resp.Header, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
