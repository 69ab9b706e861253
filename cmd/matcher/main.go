package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/bytestrike/matcher/params"
	"github.com/bytestrike/matcher/pkg/api"
	"github.com/bytestrike/matcher/pkg/app/core/engine"
	"github.com/bytestrike/matcher/pkg/app/core/settlement"
	"github.com/bytestrike/matcher/pkg/app/core/transaction"
	"github.com/bytestrike/matcher/pkg/crypto"
	"github.com/bytestrike/matcher/pkg/events"
	"github.com/bytestrike/matcher/pkg/ledger/ethereum"
	"github.com/bytestrike/matcher/pkg/ledger/simulated"
	"github.com/bytestrike/matcher/pkg/metrics"
	"github.com/bytestrike/matcher/pkg/p2p"
	"github.com/bytestrike/matcher/pkg/storage"
	"github.com/bytestrike/matcher/pkg/util"
)

const statusInterval = time.Minute

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.LogFile, zapcore.InfoLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Errorw("matcher_exited", "err", err)
		logger.Sync()
		os.Exit(1)
	}
	sugar.Info("matcher_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// ---- Local store: trade history + consumed nonces ----
	pebblePath, err := cfg.DataPath("pebble")
	if err != nil {
		return err
	}
	store, err := storage.NewPebbleStore(pebblePath)
	if err != nil {
		return err
	}
	defer store.Close()

	domain := crypto.NewDomain(cfg.ChainID(), cfg.Contract())

	// ---- Settlement ledger ----
	var ledger settlement.Ledger
	switch cfg.Ledger.Mode {
	case params.LedgerEthereum:
		operator, err := crypto.FromPrivateKeyHex(cfg.Ledger.OperatorKey)
		if err != nil {
			return err
		}
		eth, err := ethereum.Dial(ctx, cfg.Ledger.RPCURL, ethereum.Config{
			Contract:     cfg.Contract(),
			ChainID:      cfg.ChainID(),
			Operator:     operator,
			GasLimit:     cfg.Ledger.GasLimit,
			PollInterval: cfg.Ledger.PollInterval,
		}, sugar)
		if err != nil {
			return err
		}
		defer eth.Close()
		ledger = eth
	case params.LedgerSimulated:
		sugar.Warnw("simulated_ledger", "note", "fills settle in process; not for production")
		ledger = simulated.New(simulated.WithSignatureCheck(crypto.NewEIP712Signer(domain)))
	}
	coord := settlement.NewCoordinator(ledger, cfg.SettlementConfig(), util.RealClock{}, sugar, m)

	// ---- Trade logs (best effort, off the matching path) ----
	logs := storage.MultiTradeLog{store}
	journalPath, err := cfg.DataPath("trades.jsonl")
	if err != nil {
		return err
	}
	journal, err := storage.NewFileJournal(journalPath)
	if err != nil {
		return err
	}
	defer journal.Close()
	logs = append(logs, journal)

	if cfg.Sinks.PostgresDSN != "" {
		pg, err := storage.NewPostgresTradeLog(ctx, cfg.Sinks.PostgresDSN)
		if err != nil {
			sugar.Warnw("postgres_disabled", "err", err)
		} else {
			defer pg.Close()
			logs = append(logs, pg)
		}
	}
	tradeLog := storage.NewAsyncTradeLog(logs, cfg.Sinks.EventBuffer, sugar, m)
	defer tradeLog.Close()

	// ---- Event publishers ----
	hub := api.NewHub(sugar, m)
	publishers := events.Fanout{hub}
	var sinks []io.Closer
	defer func() {
		for i := len(sinks) - 1; i >= 0; i-- {
			_ = sinks[i].Close()
		}
	}()
	addSink := func(s events.Sink) {
		a := events.NewAsync(s, cfg.Sinks.EventBuffer, sugar, m)
		publishers = append(publishers, a)
		sinks = append(sinks, a)
		sugar.Infow("event_sink_enabled", "sink", s.Name())
	}

	if len(cfg.Sinks.KafkaBrokers) > 0 {
		addSink(events.NewKafkaSink(cfg.Sinks.KafkaBrokers, cfg.Sinks.KafkaTopic))
	}
	if cfg.Sinks.RedisAddr != "" {
		rs, err := events.NewRedisSink(ctx, cfg.Sinks.RedisAddr, cfg.Sinks.RedisPass, cfg.Sinks.RedisChannel)
		if err != nil {
			sugar.Warnw("redis_disabled", "err", err)
		} else {
			addSink(rs)
		}
	}
	if cfg.Sinks.P2PListen != "" {
		gossip, err := p2p.NewGossipNet(ctx, p2p.GossipConfig{
			ListenAddr: cfg.Sinks.P2PListen,
			Bootstrap:  cfg.Sinks.P2PBootstrap,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Warnw("p2p_disabled", "err", err)
		} else {
			gossip.SetHandler(func(from peer.ID, ev p2p.EventWire) {
				sugar.Debugw("gossip_event", "from", from.String(), "channel", ev.Channel, "bytes", len(ev.Payload))
			})
			addSink(gossip)
		}
	}

	// ---- Matching engine + API ----
	eng := engine.New(coord,
		engine.WithPublisher(publishers),
		engine.WithTradeLog(tradeLog),
		engine.WithLogger(sugar),
		engine.WithMetrics(m))
	// Runs before the trade log and sinks close.
	defer eng.Close()

	server := api.NewServer(eng, transaction.NewVerifier(domain, store, nil), api.Config{
		Trades:          store,
		Gatherer:        reg,
		CORSOrigins:     cfg.API.CORSOrigins,
		Log:             sugar,
		Hub:             hub,
		ShutdownTimeout: cfg.ShutdownTimeout(),
	})

	sugar.Infow("matcher_starting",
		"api", cfg.API.Addr,
		"ledger", cfg.Ledger.Mode,
		"chain_id", cfg.Ledger.ChainID,
		"contract", cfg.Contract().Hex(),
		"settlement_timeout", cfg.Settlement.Timeout.String(),
		"settlement_max_attempts", cfg.Settlement.MaxAttempts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx, cfg.API.Addr) })
	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				sugar.Infow("matcher_status", "markets", len(eng.Markets()), "ws_clients", hub.Count())
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
