// Command sentinel runs the automated futures-trading engine as a single
// long-lived process: load config, wire every component, serve the
// loopback diagnostics endpoints, and run until SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"sentinel/internal/config"
	"sentinel/internal/exchangeio"
	"sentinel/internal/notify"
	"sentinel/internal/orchestrator"
	"sentinel/internal/store"
	"sentinel/internal/telemetry"
)

// activeSymbolSource reads the ranking collaborator's output from the
// market_stats table, falling back to a static seed list when that table
// hasn't been populated yet (fresh deployment, ranking service not wired up).
type activeSymbolSource struct {
	store  *store.Store
	static []string
}

func (a *activeSymbolSource) ActiveSymbols(ctx context.Context) ([]string, error) {
	symbols, err := a.store.ActiveSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return a.static, nil
	}
	return symbols, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := telemetry.New()
	hub := telemetry.NewHub()
	log.Subscribe(hub)
	log.Subscribe(telemetry.NewNotifierSubscriber(notify.New(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID)))

	futures.UseTestnet = cfg.Exchange.Testnet
	api := futures.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	client := exchangeio.NewBinanceFuturesClient(api, exchangeio.NewRateGate(20))

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	st := store.New(db)

	symbols := &activeSymbolSource{store: st, static: cfg.Market.StaticSymbols}
	orch := orchestrator.New(cfg, client, log, st, symbols)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/ws/events", hub.ServeHTTP)

	server := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Err("main.http_server_failed", "", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("main.started", "", "sentinel engine starting")
	runErr := orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if runErr != nil {
		return fmt.Errorf("orchestrator run: %w", runErr)
	}
	log.Info("main.stopped", "", "sentinel engine stopped cleanly")
	return nil
}
