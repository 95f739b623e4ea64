// File: pkg/app/app.go
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coinpulse/dataprovider"
	"coinpulse/dataprovider/binance"
	"coinpulse/dataprovider/bitvavo"
	"coinpulse/dataprovider/coingecko"
	"coinpulse/dataprovider/coinmarketcap"
	"coinpulse/dataprovider/livecoinwatch"
	"coinpulse/poller"
	"coinpulse/store"
	"coinpulse/utilities"
	"coinpulse/web"
)

// application implements web.AppController over the running state.
type application struct {
	cfg        *utilities.AppConfig
	logger     *utilities.Logger
	st         *store.Store
	exchangeID int64
}

func (a *application) Store() *store.Store       { return a.st }
func (a *application) ExchangeID() int64         { return a.exchangeID }
func (a *application) Logger() *utilities.Logger { return a.logger }

// Run wires the store, budget, adapters and scheduler, starts the API
// server, and drives the ingestion loop until ctx is canceled.
func Run(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	activeExchange := strings.ToLower(cfg.Poller.ActiveExchange)
	if activeExchange == "" {
		return fmt.Errorf("%w: poller.active_exchange must be set", utilities.ErrConfig)
	}

	st, err := store.NewStore(cfg.DB, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Ping(); err != nil {
		return err
	}

	budget := dataprovider.NewBudget()
	adapters := buildAdapters(cfg, budget, logger)
	if len(adapters) == 0 {
		return fmt.Errorf("%w: no upstream adapter configured", utilities.ErrConfig)
	}
	active, ok := adapters[activeExchange]
	if !ok {
		return fmt.Errorf("%w: active_exchange %q has no configured adapter", utilities.ErrConfig, activeExchange)
	}

	exchangeIDs := make(map[string]int64, len(adapters))
	for name := range adapters {
		id, err := st.EnsureExchange(name)
		if err != nil {
			return err
		}
		exchangeIDs[name] = id
	}
	activeID := exchangeIDs[activeExchange]

	if cfg.Poller.PurgeOnExchangeChange {
		logger.LogWarn("Purging coins for exchange %s (id %d) per config flag", activeExchange, activeID)
		if err := st.PurgeCoinsForExchange(activeID); err != nil {
			return err
		}
	}

	pollInterval := time.Duration(cfg.Poller.PollIntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	universeInterval := time.Duration(cfg.Poller.UniverseIntervalSec) * time.Second
	if universeInterval <= 0 {
		universeInterval = 15 * time.Minute
	}

	sched := poller.NewScheduler(cfg.Poller, st, budget, logger, nil)

	// Active-portfolio poll against the source exchange.
	sched.AddTask(poller.Task{
		Name:       activeExchange + "-active",
		Adapter:    active,
		Scope:      poller.ScopeActive,
		Period:     pollInterval,
		Currency:   adapterCurrency(active),
		ExchangeID: activeID,
	})

	// Universe sweeps for every universe-capable adapter, each against its
	// own exchanges row.
	for name, ad := range adapters {
		if ad.Capabilities().Scope == dataprovider.ScopeByID {
			// per-coin detail providers poll active symbols on a slow cycle
			sched.AddTask(poller.Task{
				Name:       name + "-details",
				Adapter:    ad,
				Scope:      poller.ScopeActive,
				Period:     universeInterval,
				Currency:   adapterCurrency(ad),
				ExchangeID: exchangeIDs[name],
			})
			continue
		}
		sched.AddTask(poller.Task{
			Name:       name + "-universe",
			Adapter:    ad,
			Scope:      poller.ScopeUniverse,
			Period:     universeInterval,
			Currency:   adapterCurrency(ad),
			ExchangeID: exchangeIDs[name],
		})
	}

	controller := &application{cfg: cfg, logger: logger, st: st, exchangeID: activeID}
	web.StartWebServer(ctx, cfg.Web.ListenAddr, controller)

	logger.LogInfo("Coinpulse running: active exchange %s, %d adapters", activeExchange, len(adapters))
	return sched.Run(ctx)
}

// buildAdapters constructs every adapter whose config section (and required
// credentials) are present, registering its budget policy. Absent
// credentials simply disable the adapter.
func buildAdapters(cfg *utilities.AppConfig, budget *dataprovider.Budget, logger *utilities.Logger) map[string]dataprovider.Adapter {
	cooldown := time.Duration(cfg.Poller.CooldownSec) * time.Second
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	adapters := make(map[string]dataprovider.Adapter)

	if cfg.Coinmarketcap != nil && cfg.Coinmarketcap.APIKey != "" {
		weight := cfg.Coinmarketcap.WeightPerMinute
		if weight <= 0 {
			weight = 1000
		}
		budget.Configure("coinmarketcap", dataprovider.Policy{
			Kind: dataprovider.PolicyWeightPerMinute, WeightPerMinute: weight, Cooldown: cooldown,
		})
		if client, err := coinmarketcap.NewClient(cfg.Coinmarketcap, budget, logger); err != nil {
			logger.LogWarn("CoinMarketCap adapter disabled: %v", err)
		} else {
			adapters[client.Name()] = client
		}
	}

	if cfg.Bitvavo != nil {
		weight := cfg.Bitvavo.WeightPerMinute
		if weight <= 0 {
			weight = 1000
		}
		budget.Configure("bitvavo", dataprovider.Policy{
			Kind: dataprovider.PolicyWeightPerMinute, WeightPerMinute: weight, Cooldown: cooldown,
		})
		if client, err := bitvavo.NewClient(cfg.Bitvavo, budget, logger); err != nil {
			logger.LogWarn("Bitvavo adapter disabled: %v", err)
		} else {
			adapters[client.Name()] = client
		}
	}

	if cfg.Binance != nil {
		interval := time.Duration(cfg.Binance.MinIntervalSec) * time.Second
		if interval <= 0 {
			interval = 3 * time.Second
		}
		budget.Configure("binance", dataprovider.Policy{
			Kind: dataprovider.PolicyFixedInterval, Interval: interval, Cooldown: cooldown,
		})
		if client, err := binance.NewClient(cfg.Binance, budget, logger); err != nil {
			logger.LogWarn("Binance adapter disabled: %v", err)
		} else {
			adapters[client.Name()] = client
		}
	}

	if cfg.Coingecko != nil {
		interval := time.Duration(cfg.Coingecko.MinIntervalSec) * time.Second
		if interval <= 0 {
			interval = time.Second
		}
		budget.Configure("coingecko", dataprovider.Policy{
			Kind: dataprovider.PolicyFixedInterval, Interval: interval, Cooldown: cooldown,
		})
		if client, err := coingecko.NewClient(cfg.Coingecko, budget, logger); err != nil {
			logger.LogWarn("CoinGecko adapter disabled: %v", err)
		} else {
			adapters[client.Name()] = client
		}
	}

	if cfg.Livecoinwatch != nil && cfg.Livecoinwatch.APIKey != "" {
		interval := time.Duration(cfg.Livecoinwatch.MinIntervalSec) * time.Second
		if interval <= 0 {
			interval = 2 * time.Second
		}
		budget.Configure("livecoinwatch", dataprovider.Policy{
			Kind: dataprovider.PolicyFixedInterval, Interval: interval, Cooldown: cooldown,
		})
		if client, err := livecoinwatch.NewClient(cfg.Livecoinwatch, budget, logger); err != nil {
			logger.LogWarn("LiveCoinWatch adapter disabled: %v", err)
		} else {
			adapters[client.Name()] = client
		}
	}

	return adapters
}

func adapterCurrency(a dataprovider.Adapter) string {
	caps := a.Capabilities()
	if len(caps.Currencies) > 0 {
		return caps.Currencies[0]
	}
	return "USD"
}
