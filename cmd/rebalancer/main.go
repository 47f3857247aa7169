package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wnt/rebalancer/internal/config"
	"github.com/wnt/rebalancer/internal/database"
	"github.com/wnt/rebalancer/internal/dlmm"
	"github.com/wnt/rebalancer/internal/engine"
	"github.com/wnt/rebalancer/internal/entitlement"
	"github.com/wnt/rebalancer/internal/keyvault"
	"github.com/wnt/rebalancer/internal/logger"
	"github.com/wnt/rebalancer/internal/notify"
	"github.com/wnt/rebalancer/internal/scanner"
	"github.com/wnt/rebalancer/internal/settle"
)

func main() {
	envFile := flag.String("envFile", "", "path to an optional .env file")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load env file %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		// Best effort; production deploys inject env directly
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	log.Info().Msg("starting rebalancer")

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	chain, err := dlmm.NewClient(cfg.RPCEndpoints, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize rpc clients")
	}

	remote := entitlement.NewClient(cfg.AccessServiceURL, cfg.AccessServiceToken, log)
	gate := entitlement.NewGate(remote, log)

	vault := keyvault.New(cfg.KeystorePath)
	if wallets, err := vault.Addresses(context.Background()); err != nil {
		log.Warn().Err(err).Msg("keystore not readable yet, skipping user sync")
	} else if err := database.EnsureUsers(db, wallets); err != nil {
		log.Fatal().Err(err).Msg("failed to sync keystore users")
	}

	sender := notify.NewTelegramSender(cfg.TelegramToken)
	notifier := notify.New(sender, log)

	ledger := settle.NewLedger(db, remote, log)

	cooldown := engine.NewCooldownTracker(cfg.CooldownWindow)
	executor := engine.NewExecutor(engine.Config{
		RangeBufferBins:   int32(cfg.RangeBufferBins),
		NewPositionWidth:  int32(cfg.NewPositionWidth),
		SettleDelay:       cfg.SettleDelay,
		MaxCreateAttempts: cfg.MaxCreateAttempts,
		SlippageBps:       cfg.SlippageBps,
	}, chain, vault, gate, cooldown, ledger, notifier, log)

	scan := scanner.New(db, executor, cfg.ScanInterval, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := scan.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		scan.Stop()
		return nil
	})

	g.Go(func() error {
		log.Info().Str("port", cfg.MetricsPort).Msg("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("rebalancer exited with error")
	}
	log.Info().Msg("rebalancer stopped")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
