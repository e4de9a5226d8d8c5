package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"GaslessRelayer/internal/config"
	"GaslessRelayer/internal/estimator"
	"GaslessRelayer/internal/kyc"
	"GaslessRelayer/internal/ledger"
	"GaslessRelayer/internal/logger"
	"GaslessRelayer/internal/metrics"
	"GaslessRelayer/internal/notifier"
	"GaslessRelayer/internal/oracle"
	"GaslessRelayer/internal/recorder"
	"GaslessRelayer/internal/relay"
	"GaslessRelayer/internal/scheduler"
	"GaslessRelayer/internal/server"
	"GaslessRelayer/internal/swapper"
	"GaslessRelayer/internal/tron"
)

func main() {
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File, Development: cfg.Log.Development})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("config validation", zap.Error(err))
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal("load timezone", zap.Error(err))
	}
	log.Info("gasless relayer starting", zap.String("config", cfgPath), zap.String("node", cfg.Tron.FullHost))

	m := metrics.Relayer()

	// Network
	node := tron.NewClient(cfg.Tron.FullHost, cfg.Tron.APIKey, cfg.Tron.RequestTimeout, cfg.Proxy)
	signer, err := tron.NewSigner(cfg.Tron.RelayerPrivateKey)
	if err != nil {
		log.Fatal("load relayer key", zap.Error(err))
	}
	venue, err := tron.NewSunSwap(node, signer, cfg.Tron.SunSwapRouter, cfg.Tron.FeeLimitSun)
	if err != nil {
		log.Fatal("init swap venue", zap.Error(err))
	}
	log.Info("relayer account", zap.String("address", signer.Address().String()))

	// Pricing
	est := estimator.New(node, log)
	fetcher := oracle.NewSimplePriceFetcher(cfg.Oracle.Endpoint, cfg.Oracle.Timeout, cfg.Proxy)
	prices := oracle.New(fetcher, cfg.Oracle.Asset, cfg.Oracle.QuoteCurrency, cfg.Oracle.PollInterval,
		oracle.WithLogger(log), oracle.WithMetrics(m))

	// Risk ledger
	store, closeStore, err := ledger.OpenStore(cfg.Persistence.StateStore)
	if err != nil {
		log.Fatal("open ledger store", zap.Error(err))
	}
	defer closeStore()
	lg := ledger.New(store, cfg.Limits(), ledger.WithLocation(loc), ledger.WithLogger(log), ledger.WithMetrics(m))
	if err := lg.Load(); err != nil {
		log.Fatal("load ledger", zap.Error(err))
	}

	// History
	var rec recorder.Recorder
	if cfg.Persistence.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Persistence.SQLitePath, log)
		if err != nil {
			log.Fatal("init sqlite recorder", zap.Error(err))
		}
		rec = sr
	} else {
		log.Warn("sqlite_path is empty, compensations will only be logged and alerted")
		rec = recorder.NewNoopRecorder()
	}
	defer rec.Close()

	// Alerts
	var alerts notifier.Alerter = notifier.NewLogAlerter(log)
	var tn *notifier.TelegramNotifier
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, log)
		alerts = tn
	}

	var verifier kyc.Verifier = kyc.AllowAll{}
	if cfg.Risk.KYCRequired {
		verifier = kyc.NewHTTPVerifier(cfg.Risk.KYCEndpoint, cfg.Tron.RequestTimeout, cfg.Proxy)
	}

	sw := swapper.New(venue, swapper.Settings{
		Strategy:        cfg.Liquidity.Strategy,
		StableToken:     cfg.Tron.USDTContract,
		WrappedNative:   cfg.Tron.WrappedNative,
		Router:          cfg.Tron.SunSwapRouter,
		Attempts:        cfg.Risk.SwapRetries,
		RetryDelay:      cfg.Risk.SwapRetryDelay,
		FallbackReserve: big.NewInt(cfg.Liquidity.FallbackTrxBuffer),
	}, swapper.WithLogger(log), swapper.WithMetrics(m))

	relayer := relay.New(relay.Deps{
		Estimator:   est,
		Prices:      prices,
		Ledger:      lg,
		Swapper:     sw,
		Broadcaster: node,
		KYC:         verifier,
		History:     rec,
		Alerts:      alerts,
	}, relay.Settings{
		KYCRequired: cfg.Risk.KYCRequired,
		Recipient:   signer.Address().String(),
		CallTimeout: cfg.Tron.RequestTimeout,
	}, relay.WithLogger(log), relay.WithMetrics(m))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler(ctx, lg, rec, alerts, loc, log)
	if err := sched.RegisterAll(cfg.Schedule.RolloverCron, cfg.Schedule.ReconcileCron, cfg.Schedule.SummaryCron); err != nil {
		log.Fatal("register cron tasks", zap.Error(err))
	}
	sched.Start()

	if tn != nil {
		go tn.StartPolling(ctx, sched.HandleCommand)
		log.Info("telegram command polling started")
	}

	api := server.New(server.Config{
		Relayer:           relayer,
		Ledger:            lg,
		Compensations:     rec,
		RateLimitRPS:      cfg.Server.RateLimitRPS,
		RateLimitBurst:    cfg.Server.RateLimitBurst,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		Logger:            log,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	relayer.Wait()
	if err := lg.Save(); err != nil {
		log.Error("final ledger save", zap.Error(err))
	}
	log.Info("gasless relayer stopped")
}
