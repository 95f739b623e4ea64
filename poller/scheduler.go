// File: poller/scheduler.go
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"coinpulse/dataprovider"
	"coinpulse/store"
	"coinpulse/utilities"
)

// Store is the slice of the persistence layer the scheduler drives.
type Store interface {
	UpsertCoin(rec dataprovider.CoinRecord) (store.UpsertResult, error)
	AppendPrice(p store.PricePoint, volume24h, marketCap *float64) error
	GetActiveSymbols() (map[string]struct{}, error)
	CoinIDBySymbol(symbol string, exchangeID int64) (int64, bool, error)
	ReadApex(coinID int64) (store.ApexState, bool, error)
	WriteApex(st store.ApexState) error
	GetPriceHistory(coinID int64, from, to string) ([]store.PricePoint, error)
	Ping() error
}

// TaskScope selects which coins a task covers.
type TaskScope string

const (
	ScopeUniverse  TaskScope = "universe"
	ScopeActive    TaskScope = "active"
	ScopeSingleton TaskScope = "singleton"
)

type taskState int

const (
	stateIdle taskState = iota
	stateRunning
	stateCooldown
	stateBackoff
	stateDisabled
)

// Task binds an adapter to a scope and polling period.
type Task struct {
	Name       string
	Adapter    dataprovider.Adapter
	Scope      TaskScope
	Period     time.Duration
	Currency   string
	ExchangeID int64
	Symbols    []string // singleton scope only
}

type scheduledTask struct {
	Task
	state    taskState
	nextDue  time.Time
	attempts int
}

type taskResult struct {
	task   *scheduledTask
	result dataprovider.AdapterResult
}

// commit is one normalized snapshot queued to the single writer. The
// recorded_at stamp is taken when the snapshot is emitted to the writer, not
// when the HTTP call returned, keeping per-coin history strictly monotonic.
type commit struct {
	task       *scheduledTask
	records    []dataprovider.CoinRecord
	active     map[string]struct{}
	recordedAt string
}

const (
	backoffBase       = 5 * time.Second
	backoffCap        = 5 * time.Minute
	taskDeadline      = 30 * time.Second
	shutdownDeadline  = 10 * time.Second
	storeRetryDelay   = 5 * time.Second
	storeRetryTimeout = 5 * time.Minute
)

// Scheduler is the periodic driver: it dispatches due tasks to bounded
// workers, threads snapshots through the normalizer, and serializes store
// writes behind a single writer.
type Scheduler struct {
	cfg      utilities.PollerConfig
	store    Store
	budget   *dataprovider.Budget
	logger   *utilities.Logger
	dropRule DropRule

	tasks     []*scheduledTask
	globalSem *semaphore.Weighted
	perUp     map[string]*semaphore.Weighted

	mu       sync.Mutex
	fatalErr error
}

// NewScheduler wires the driver. A nil dropRule falls back to
// DefaultDropRule.
func NewScheduler(cfg utilities.PollerConfig, st Store, budget *dataprovider.Budget, logger *utilities.Logger, dropRule DropRule) *Scheduler {
	maxGlobal := cfg.MaxInflightGlobal
	if maxGlobal <= 0 {
		maxGlobal = 16
	}
	if dropRule == nil {
		dropRule = DefaultDropRule
	}
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		budget:    budget,
		logger:    logger,
		dropRule:  dropRule,
		globalSem: semaphore.NewWeighted(int64(maxGlobal)),
		perUp:     make(map[string]*semaphore.Weighted),
	}
}

// AddTask registers a task; the first run is due immediately.
func (s *Scheduler) AddTask(t Task) {
	if t.Period <= 0 {
		t.Period = time.Minute
	}
	s.tasks = append(s.tasks, &scheduledTask{Task: t, state: stateIdle})
	if _, ok := s.perUp[t.Adapter.Name()]; !ok {
		maxPer := s.cfg.MaxInflightPerUpstream
		if maxPer <= 0 {
			maxPer = 4
		}
		s.perUp[t.Adapter.Name()] = semaphore.NewWeighted(int64(maxPer))
	}
}

// Run drives the ingestion loop until ctx is canceled. On cancellation no
// new adapter calls start, in-flight calls are awaited up to the shutdown
// deadline, and already-normalized snapshots are committed before return.
// It returns store.ErrUnavailable if the writer exhausted its retries.
func (s *Scheduler) Run(ctx context.Context) error {
	commits := make(chan commit, 64)
	results := make(chan taskResult, 16)

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	writerCtx, writerCancel := context.WithCancel(context.Background())
	defer writerCancel()
	go func() {
		defer writerWG.Done()
		s.runWriter(writerCtx, commits)
	}()

	var workerWG sync.WaitGroup
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	s.logger.LogInfo("Scheduler started with %d tasks", len(s.tasks))

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case res := <-results:
			s.handleResult(res, commits)
		case <-ticker.C:
			if err := s.fatal(); err != nil {
				writerCancel()
				writerWG.Wait()
				return err
			}
			s.dispatchDue(ctx, &workerWG, results)
		}
	}

	// Shutdown drain: wait out in-flight calls, commit what normalizes.
	s.logger.LogInfo("Scheduler draining: awaiting in-flight calls (deadline %s)", shutdownDeadline)
	drained := make(chan struct{})
	go func() {
		workerWG.Wait()
		close(drained)
	}()
	deadline := time.NewTimer(shutdownDeadline)
	defer deadline.Stop()

	for {
		select {
		case res := <-results:
			s.handleResult(res, commits)
		case <-drained:
			for {
				select {
				case res := <-results:
					s.handleResult(res, commits)
				default:
					close(commits)
					writerWG.Wait()
					return s.fatal()
				}
			}
		case <-deadline.C:
			s.logger.LogWarn("Scheduler drain deadline reached; abandoning in-flight calls")
			close(commits)
			writerWG.Wait()
			return s.fatal()
		}
	}
}

func (s *Scheduler) fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *Scheduler) setFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
}

// dispatchDue launches every due task, in submission order. An upstream in
// cooldown defers all of its tasks until the cooldown clears.
func (s *Scheduler) dispatchDue(ctx context.Context, wg *sync.WaitGroup, results chan<- taskResult) {
	now := time.Now()
	for _, t := range s.tasks {
		if t.state == stateRunning || t.state == stateDisabled {
			continue
		}
		if now.Before(t.nextDue) {
			continue
		}
		if _, resetAt, inCooldown := s.budget.Remaining(t.Adapter.Name()); inCooldown {
			t.state = stateCooldown
			t.nextDue = resetAt
			continue
		}

		t.state = stateRunning
		wg.Add(1)
		go s.runTask(ctx, t, wg, results)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t *scheduledTask, wg *sync.WaitGroup, results chan<- taskResult) {
	defer wg.Done()

	upSem := s.perUp[t.Adapter.Name()]
	if err := s.globalSem.Acquire(ctx, 1); err != nil {
		results <- taskResult{task: t, result: dataprovider.Transient(err)}
		return
	}
	defer s.globalSem.Release(1)
	if err := upSem.Acquire(ctx, 1); err != nil {
		results <- taskResult{task: t, result: dataprovider.Transient(err)}
		return
	}
	defer upSem.Release(1)

	req, err := s.buildRequest(t)
	if err != nil {
		results <- taskResult{task: t, result: dataprovider.Transient(err)}
		return
	}
	if t.Scope == ScopeActive && len(req.Symbols) == 0 {
		// nothing held; treat as a successful empty poll
		results <- taskResult{task: t, result: dataprovider.Snapshot(nil)}
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, taskDeadline)
	defer cancel()
	results <- taskResult{task: t, result: t.Adapter.Fetch(callCtx, req)}
}

func (s *Scheduler) buildRequest(t *scheduledTask) (dataprovider.FetchRequest, error) {
	req := dataprovider.FetchRequest{Currency: t.Currency}
	switch t.Scope {
	case ScopeActive:
		active, err := s.store.GetActiveSymbols()
		if err != nil {
			return req, err
		}
		for sym := range active {
			req.Symbols = append(req.Symbols, sym)
		}
	case ScopeSingleton:
		req.Symbols = t.Symbols
	}
	return req, nil
}

func (s *Scheduler) handleResult(res taskResult, commits chan<- commit) {
	t := res.task
	now := time.Now()

	switch res.result.Kind {
	case dataprovider.ResultSnapshot:
		t.state = stateIdle
		t.attempts = 0
		t.nextDue = now.Add(t.Period)
		s.enqueueSnapshot(t, res.result.Records, commits)

	case dataprovider.ResultRateLimited:
		s.budget.Report(t.Adapter.Name(), dataprovider.OutcomeRateLimited)
		cooldown := res.result.RetryAfter
		if cooldown <= 0 {
			cooldown = time.Duration(s.cfg.CooldownSec) * time.Second
			if cooldown <= 0 {
				cooldown = 5 * time.Minute
			}
		}
		t.state = stateCooldown
		t.nextDue = now.Add(cooldown)
		s.logger.LogWarn("Task %s: rate limited by %s, cooling down for %s", t.Name, t.Adapter.Name(), cooldown)

	case dataprovider.ResultTransient:
		t.attempts++
		backoff := backoffBase << (t.attempts - 1)
		if backoff > backoffCap || backoff <= 0 {
			backoff = backoffCap
		}
		t.state = stateBackoff
		t.nextDue = now.Add(backoff)
		s.logger.LogWarn("Task %s: transient failure (attempt %d), retrying in %s: %v", t.Name, t.attempts, backoff, res.result.Err)

	case dataprovider.ResultPermanent:
		t.state = stateDisabled
		s.logger.LogError("Task %s: permanent upstream failure, task disabled: %v", t.Name, res.result.Err)
	}
}

func (s *Scheduler) enqueueSnapshot(t *scheduledTask, raw []dataprovider.RawRecord, commits chan<- commit) {
	if len(raw) == 0 {
		return
	}
	records, dropped := dataprovider.NormalizeBatch(raw, t.ExchangeID, t.Currency)
	if dropped > 0 {
		s.logger.LogDebug("Task %s: normalizer dropped %d of %d records", t.Name, dropped, len(raw))
	}
	if len(records) == 0 {
		return
	}

	active, err := s.store.GetActiveSymbols()
	if err != nil {
		s.logger.LogError("Task %s: reading active symbols failed: %v", t.Name, err)
		active = nil
	}

	commits <- commit{
		task:       t,
		records:    records,
		active:     active,
		recordedAt: store.NowNaiveUTC(),
	}
}

// runWriter is the single consumer of the commit queue; serializing writes
// here preserves the per-key monotonicity invariant without row locking.
func (s *Scheduler) runWriter(ctx context.Context, commits <-chan commit) {
	for c := range commits {
		if err := s.commitSnapshot(ctx, c); err != nil {
			s.setFatal(err)
			return
		}
	}
}

func (s *Scheduler) commitSnapshot(ctx context.Context, c commit) error {
	for _, rec := range c.records {
		rec := rec
		if _, err := s.retryWrite(ctx, func() error {
			r, err := s.store.UpsertCoin(rec)
			if err == nil {
				s.logger.LogDebug("Upsert %s/%d: %s", rec.Symbol, rec.ExchangeID, r)
			}
			return err
		}); err != nil {
			return err
		}

		if c.active == nil {
			continue
		}
		if _, isActive := c.active[rec.Symbol]; !isActive {
			continue
		}
		if err := s.appendHistoryAndApex(ctx, rec, c.recordedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) appendHistoryAndApex(ctx context.Context, rec dataprovider.CoinRecord, recordedAt string) error {
	var coinID int64
	_, err := s.retryWrite(ctx, func() error {
		id, found, err := s.store.CoinIDBySymbol(rec.Symbol, rec.ExchangeID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		coinID = id
		return nil
	})
	if err != nil || coinID == 0 {
		return err
	}

	if _, err := s.retryWrite(ctx, func() error {
		return s.store.AppendPrice(store.PricePoint{
			CoinID:     coinID,
			Symbol:     rec.Symbol,
			Price:      rec.Price,
			RecordedAt: recordedAt,
		}, rec.Volume24h, rec.MarketCap)
	}); err != nil {
		return err
	}

	return s.updateApex(ctx, coinID, rec.Price, recordedAt)
}

func (s *Scheduler) updateApex(ctx context.Context, coinID int64, price float64, now string) error {
	st, found, err := s.store.ReadApex(coinID)
	if err != nil {
		s.logger.LogError("Apex read for coin %d failed: %v", coinID, err)
		return nil
	}
	if !found {
		st = store.ApexState{
			CoinID:        coinID,
			ApexPrice:     price,
			ApexTimestamp: now,
			Status:        store.StatusTracking,
		}
	}

	since := time.Now().UTC().Add(-time.Minute).Format("2006-01-02 15:04:05")
	history, err := s.store.GetPriceHistory(coinID, since, now)
	if err != nil {
		s.logger.LogError("Apex history read for coin %d failed: %v", coinID, err)
		history = nil
	}

	st = s.dropRule(st, history, price, now)
	_, err = s.retryWrite(ctx, func() error { return s.store.WriteApex(st) })
	return err
}

// retryWrite pauses the writer on store loss, probing every 5 s for up to
// 5 min before giving up with ErrUnavailable.
func (s *Scheduler) retryWrite(ctx context.Context, fn func() error) (bool, error) {
	err := fn()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, store.ErrUnavailable) {
		s.logger.LogError("Store write failed (non-transient): %v", err)
		return false, nil
	}

	s.logger.LogError("Store unavailable, pausing writer: %v", err)
	deadline := time.Now().Add(storeRetryTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, err
		case <-time.After(storeRetryDelay):
		}
		if pingErr := s.store.Ping(); pingErr != nil {
			continue
		}
		if err = fn(); err == nil {
			s.logger.LogInfo("Store recovered, writer resumed")
			return true, nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return false, nil
		}
	}
	return false, err
}
