package web

import (
	"context"
	"net/http"
	"time"
)

// StartWebServer initializes and starts the API server in a new goroutine.
// It takes an AppController, which is an interface implemented by the main
// application.
func StartWebServer(ctx context.Context, addr string, controller AppController) {
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/market-data", marketDataHandler(controller))
	mux.HandleFunc("/api/trading-signals", tradingSignalsHandler(controller))
	mux.HandleFunc("/api/paper-trading", paperTradingHandler(controller))
	mux.HandleFunc("/api/backtest", backtestHandler(controller))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		controller.Logger().LogInfo("Starting API server on http://localhost%s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			controller.Logger().LogError("API server failed: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		controller.Logger().LogInfo("Shutting down API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			controller.Logger().LogError("API server graceful shutdown failed: %v", err)
		}
	}()
}
