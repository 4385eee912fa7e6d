package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gaslessrelay/internal/broadcaster"
	"gaslessrelay/internal/config"
	"gaslessrelay/internal/engine"
	"gaslessrelay/internal/feerate"
	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/ledger"
	"gaslessrelay/internal/metrics"
	"gaslessrelay/internal/queue"
	"gaslessrelay/internal/quote"
	"gaslessrelay/internal/sequencer"
	"gaslessrelay/internal/server"
	"gaslessrelay/internal/store"
	"gaslessrelay/internal/validator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay API and dispatch workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.AppConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg.Service.LogLevel)
	reg := metrics.New()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store error: %w", err)
	}
	defer st.Close()

	client, rateSource, err := openLedger(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("ledger error: %w", err)
	}
	if c, ok := client.(interface{ Close() }); ok {
		defer c.Close()
	}

	prices, closeQuotes, err := buildQuotes(cfg, reg, log)
	if err != nil {
		return err
	}
	defer closeQuotes()

	monitor := feerate.NewMonitor(rateSource, feerate.Config{
		Window:        cfg.FeeRate.Window,
		SpikeSigma:    cfg.FeeRate.SpikeSigma,
		MaxAge:        cfg.FeeRate.MaxAge,
		SampleTimeout: cfg.FeeRate.Timeout,
	}, log.WithField("component", "feerate"))

	markup, err := cfg.Markup()
	if err != nil {
		return err
	}
	minMargin, err := cfg.MinMargin()
	if err != nil {
		return err
	}
	calc := fees.NewCalculator(prices, monitor, fees.Config{
		Markup:       markup,
		StaleMarkup:  cfg.StaleMarkup(),
		StalePolicy:  fees.StalePolicy(cfg.Fees.StalePolicy),
		MinMargin:    minMargin,
		QuoteMaxAge:  cfg.Quotes.MaxAge,
		QuoteTimeout: cfg.Quotes.Timeout,
	})

	whitelist, err := cfg.WhitelistAssets()
	if err != nil {
		return err
	}
	assets := validator.NewRegistry(whitelist)
	v, err := validator.New(cfg.Domain(), assets)
	if err != nil {
		return fmt.Errorf("validator error: %w", err)
	}

	bump, err := cfg.BumpPercent()
	if err != nil {
		return err
	}
	bc := broadcaster.New(client, calc, st, broadcaster.Config{
		MaxAttempts:       cfg.Broadcast.MaxAttempts,
		InclusionTimeout:  cfg.Broadcast.InclusionTimeout,
		PollInterval:      cfg.Broadcast.PollInterval,
		BumpPercent:       bump,
		BackoffInitial:    cfg.Broadcast.BackoffInitial,
		BackoffMax:        cfg.Broadcast.BackoffMax,
		BackoffMultiplier: cfg.Broadcast.BackoffMultiplier,
	}, log.WithField("component", "broadcaster"))

	eng := engine.New(engine.Deps{
		Validator:   v,
		Assets:      assets,
		Sequencer:   sequencer.New(st, sequencer.WithChainNonces(client), sequencer.WithMaxHeld(cfg.Broadcast.MaxHeld)),
		Fees:        calc,
		FeeRates:    monitor,
		Queue:       queue.New(queue.WithDeferral(monitor.Elevated)),
		Broadcaster: bc,
		Ledger:      client,
		Store:       st,
		Metrics:     reg,
		Log:         log.WithField("component", "engine"),
	}, engine.Config{
		Workers:         cfg.Broadcast.Workers,
		ProbeInterval:   cfg.Broadcast.ProbeInterval,
		FeeRateSchedule: cfg.FeeRate.Schedule,
		SweepSchedule:   cfg.Broadcast.SweepSchedule,
		AvgInclusion:    cfg.Broadcast.InclusionTimeout / 2,
		MaxAttempts:     cfg.Broadcast.MaxAttempts,
		BumpPercent:     bump,
	})

	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recovery error: %w", err)
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	apiServer := server.NewServer(cfg.Service, eng, reg, log.WithField("component", "api"))
	serverDone := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
		close(serverDone)
	}()

	var runErr error
	engineStopped := false
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serverDone:
		if err != nil {
			log.WithError(err).Error("server stopped")
			runErr = err
		}
		stop()
	case err := <-engineDone:
		engineStopped = true
		if err != nil {
			log.WithError(err).Error("engine stopped")
			runErr = err
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("api shutdown")
	}
	if !engineStopped {
		select {
		case err := <-engineDone:
			if err != nil {
				log.WithError(err).Error("engine stopped")
			}
		case <-shutdownCtx.Done():
			log.Warn("engine did not stop before the shutdown timeout")
		}
	}
	return runErr
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DSN)
	case "file":
		return store.NewFileStore(cfg.Path)
	default:
		return store.NewMemoryStore(), nil
	}
}

// openLedger dials the chain when a relayer key is configured and otherwise
// falls back to the in-memory ledger with a fixed fee rate.
func openLedger(ctx context.Context, cfg *config.AppConfig, log logrus.FieldLogger) (ledger.Client, feerate.Source, error) {
	if cfg.Chain.PrivateKey != "" {
		eth, err := ledger.NewEthLedger(ctx, ledger.EthLedgerConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			RelayContract: cfg.Chain.RelayContract,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := checkChainID(cfg.Chain.ChainID, eth.ChainID()); err != nil {
			eth.Close()
			return nil, nil, err
		}
		return eth, eth, nil
	}

	log.Warn("no relayer key configured, settling against the in-memory ledger")
	fake := ledger.NewFakeLedger(common.HexToAddress(cfg.Chain.FeeCollector))
	return fake, feerate.Fixed{Rate: cfg.FixedFeeRate()}, nil
}

// checkChainID refuses to sign for a chain other than the configured one,
// since the signing domain is built from the configured id.
func checkChainID(configured int64, node *big.Int) error {
	if node == nil || !node.IsInt64() || node.Int64() != configured {
		return fmt.Errorf("chain.chain_id is %d but the node reports %v", configured, node)
	}
	return nil
}

// buildQuotes assembles the price chain. The returned func releases the
// redis client when one was configured.
func buildQuotes(cfg *config.AppConfig, reg *metrics.Registry, log logrus.FieldLogger) (*quote.Chain, func(), error) {
	chain := &quote.Chain{
		Timeout: cfg.Quotes.Timeout,
		Log:     log.WithField("component", "quote"),
		Observe: reg.ObserveQuote,
	}
	if cfg.Quotes.URL != "" {
		chain.Sources = append(chain.Sources, &quote.HTTPSource{
			Label:     "primary",
			URL:       cfg.Quotes.URL,
			PricePath: cfg.Quotes.PricePath,
			TimePath:  cfg.Quotes.TimePath,
		})
	}
	if cfg.Quotes.SecondaryURL != "" {
		chain.Sources = append(chain.Sources, &quote.HTTPSource{
			Label:     "secondary",
			URL:       cfg.Quotes.SecondaryURL,
			PricePath: cfg.Quotes.PricePath,
			TimePath:  cfg.Quotes.TimePath,
		})
	}
	static, err := cfg.StaticPrices()
	if err != nil {
		return nil, nil, err
	}
	if len(static) > 0 {
		chain.Sources = append(chain.Sources, &quote.StaticSource{Prices: static})
	}
	if len(chain.Sources) == 0 {
		return nil, nil, errors.New("no price source configured: set quotes.url or quotes.static_prices")
	}

	chain.Caches = append(chain.Caches, quote.NewMemoryCache())
	closeFn := func() {}
	if cfg.Quotes.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Quotes.RedisAddr})
		chain.Caches = append(chain.Caches, quote.NewRedisCache(rdb, cfg.Quotes.RedisPrefix, cfg.Quotes.RedisCacheTTL))
		closeFn = func() {
			if err := rdb.Close(); err != nil {
				log.WithError(err).Warn("close redis client")
			}
		}
	}
	return chain, closeFn, nil
}
