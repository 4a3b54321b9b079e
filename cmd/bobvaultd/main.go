package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bobvault/adapters/mock"
	"bobvault/config"
	"bobvault/core/events"
	"bobvault/journal"
	nativecommon "bobvault/native/common"
	"bobvault/native/lending"
	"bobvault/observability"
	"bobvault/observability/logging"
	telemetry "bobvault/observability/otel"
	"bobvault/services/lending/server"
	"bobvault/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "bobvault.toml", "path to bobvaultd config (.toml or .yaml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup(logging.Config{
		Service:     "bobvaultd",
		Environment: cfg.Environment,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "bobvaultd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if err := run(cfgPath, cfg, logger); err != nil {
		logger.Error("bobvaultd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfgPath string, cfg config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	params, err := cfg.Lending.RiskParameters()
	if err != nil {
		return err
	}
	custody, err := cfg.Lending.CustodyAddress()
	if err != nil {
		return err
	}

	journalDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	ledgerJournal, err := journal.New(journalDB, logger.With(slog.String("component", "journal")))
	if err != nil {
		return err
	}
	logger.Info("journal opened",
		logging.MaskField("driver", cfg.Journal.Driver),
		logging.MaskField("dsn", cfg.Journal.DSN))
	feed := events.NewBroadcaster(256)

	token, pool, err := sandboxCollaborators(cfg, custody)
	if err != nil {
		return err
	}

	pauses := nativecommon.NewPauses()
	pauses.Set(lending.ModuleName, cfg.Lending.Paused)

	engine := lending.NewEngine(custody, params)
	engine.SetState(lending.NewStore(db))
	engine.SetCollaborators(token, pool)
	engine.SetEmitter(events.MultiEmitter{ledgerJournal, feed, observability.Events()})
	engine.SetPauses(pauses)
	engine.SetLogger(logger.With(slog.String("component", "lending")))
	engine.SetMetrics(observability.Lending())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.CheckInvariants(ctx); err != nil {
		return fmt.Errorf("startup invariant check: %w", err)
	}

	idempotency, err := server.OpenIdempotencyStore(cfg.Idempotency.Path, cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer idempotency.Close()

	if cfg.Recovery.Enabled {
		recovery := lending.NewRecovery(engine, cfg.Recovery.Interval, cfg.Recovery.MaxElapsed)
		go func() {
			if err := recovery.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("deposit recovery stopped", slog.Any("error", err))
			}
		}()
	}
	go pruneIdempotency(ctx, idempotency, cfg.Idempotency.TTL, logger)
	go watchPause(ctx, cfgPath, pauses, logger)

	api, err := server.New(server.Options{
		Ledger: engine,
		Events: ledgerJournal,
		Feed:   feed,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			Leeway:     cfg.Auth.Leeway,
		},
		RateLimit: server.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Idempotency: idempotency,
		Logger:      logger.With(slog.String("component", "api")),
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Environment, "dev") && !strings.EqualFold(cfg.Environment, "local") && !loopback {
			listener.Close()
			return fmt.Errorf("plaintext bobvaultd is restricted to loopback listeners or dev environments")
		}
	}

	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(api.Handler(), "bobvaultd"),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("bobvaultd listening",
			slog.String("address", listener.Addr().String()),
			slog.Bool("tls", cfg.TLS.Enabled()))
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// sandboxCollaborators builds the in-process token and yield pool and seeds
// the configured balances, each fully approved for deposit.
func sandboxCollaborators(cfg config.Config, custody common.Address) (*mock.Token, *mock.Pool, error) {
	token := mock.NewToken(custody)
	poolAddress := custody
	if cfg.Sandbox.PoolAddress != "" {
		poolAddress = common.HexToAddress(cfg.Sandbox.PoolAddress)
	}
	pool := mock.NewPool(token, poolAddress)
	for holder, amount := range cfg.Sandbox.Balances {
		value, err := lending.ParseUnits(amount, lending.DepositDecimals)
		if err != nil {
			return nil, nil, fmt.Errorf("sandbox balance for %s: %w", holder, err)
		}
		addr := common.HexToAddress(holder)
		token.Mint(addr, value)
		token.Approve(addr, value)
	}
	return token, pool, nil
}

func pruneIdempotency(ctx context.Context, store *server.IdempotencyStore, ttl time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Prune()
			if err != nil {
				logger.Warn("idempotency prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency records pruned", slog.Int("removed", removed))
			}
		}
	}
}

// watchPause re-reads the lending pause flag from the config file on SIGHUP.
func watchPause(ctx context.Context, cfgPath string, pauses *nativecommon.Pauses, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Error("config reload failed", slog.Any("error", err))
				continue
			}
			pauses.Set(lending.ModuleName, cfg.Lending.Paused)
			logger.Info("lending pause updated", slog.Bool("paused", cfg.Lending.Paused))
		}
	}
}
