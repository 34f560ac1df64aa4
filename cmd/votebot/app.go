package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	commands "github.com/urfave/cli/v3"

	"github.com/gateway-fm/votebot/internal/backend"
	"github.com/gateway-fm/votebot/internal/chain"
	"github.com/gateway-fm/votebot/internal/config"
	"github.com/gateway-fm/votebot/internal/metrics"
	"github.com/gateway-fm/votebot/internal/ratelimit"
	"github.com/gateway-fm/votebot/internal/rpc"
	"github.com/gateway-fm/votebot/internal/storage"
	"github.com/gateway-fm/votebot/internal/transport"
	"github.com/gateway-fm/votebot/internal/txbuilder"
	"github.com/gateway-fm/votebot/internal/wallet"
	"github.com/gateway-fm/votebot/pkg/types"
)

// app holds the components shared by the subcommands. Fields past store are
// only populated by connect.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *storage.SQLiteStorage

	registry  *prometheus.Registry
	collector *metrics.Collector
	rpc       *rpc.HTTPClient
}

// overridesFrom maps command-line flags onto config overrides. Flags that
// were not given leave the loaded value untouched.
func overridesFrom(cmd *commands.Command) config.Overrides {
	var o config.Overrides
	intFlag := func(name string) *int {
		if !cmd.IsSet(name) {
			return nil
		}
		v := int(cmd.Int(name))
		return &v
	}
	stringFlag := func(name string) *string {
		if !cmd.IsSet(name) {
			return nil
		}
		v := cmd.String(name)
		return &v
	}

	o.Creators = intFlag("creators")
	o.Eligible = intFlag("eligible")
	o.Ineligible = intFlag("ineligible")
	o.SkipFunding = cmd.Bool("skip-funding")
	o.ListenAddr = stringFlag("listen")
	o.LogLevel = stringFlag("log-level")
	o.DatabasePath = stringFlag("db")
	o.RPCURL = stringFlag("rpc-url")
	o.BackendURL = stringFlag("backend-url")
	return o
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	// Reports go to stdout, logs to stderr.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// openApp loads the layered configuration, applies the command's flags and
// opens the database. validate additionally enforces the full run
// requirements (contract address, funding key, ranges).
func openApp(cmd *commands.Command, validate bool) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	cfg.Apply(overridesFrom(cmd))
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	logger.Debug("initialized storage", slog.String("path", cfg.DatabasePath))

	return &app{cfg: cfg, logger: logger, store: store}, nil
}

// connect creates the RPC client and metrics, and resolves the chain id
// from the node when it is not configured.
func (a *app) connect(ctx context.Context) error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.NewCollector(metrics.NewPrometheusMetrics(a.registry))

	rpcCfg := rpc.DefaultClientConfig(a.cfg.RPCURL)
	rpcCfg.MaxRetries = a.cfg.MaxRetries
	rpcCfg.RateLimit = a.cfg.RPCRateLimit
	rpcCfg.OnCall = a.collector.ObserveRPC
	rpcCfg.Logger = a.logger
	a.rpc = rpc.NewHTTPClient(rpcCfg)

	actual, err := a.rpc.GetChainID(ctx)
	if err != nil {
		if a.cfg.ChainID == 0 {
			return fmt.Errorf("discover chain id: %w", err)
		}
		a.logger.Warn("could not query chain id, using configured value",
			slog.Uint64("chain_id", a.cfg.ChainID),
			slog.String("error", err.Error()))
		return nil
	}
	switch {
	case a.cfg.ChainID == 0:
		a.cfg.ChainID = actual
		a.logger.Info("discovered chain id", slog.Uint64("chain_id", actual))
	case a.cfg.ChainID != actual:
		return fmt.Errorf("CHAIN_ID is %d but the node reports %d", a.cfg.ChainID, actual)
	}
	return a.cfg.Profile.CheckChainID(actual)
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing database failed", slog.String("error", err.Error()))
		}
	}
}

func (a *app) gasPolicy() txbuilder.GasPolicy {
	return txbuilder.GasPolicy{
		PriceMultiplier: a.cfg.GasPriceMultiplier,
		PriceFallback:   a.cfg.GasPriceFallback,
		LimitBuffer:     a.cfg.GasLimitBuffer,
		LimitFallback:   a.cfg.GasLimitFallback,
		Logger:          a.logger,
	}
}

func (a *app) legacy() bool {
	return a.cfg.Profile != nil && a.cfg.Profile.RequiresLegacyTx
}

func (a *app) pollInterval() time.Duration {
	if a.cfg.Profile != nil {
		return a.cfg.Profile.ReceiptPollInterval
	}
	return 0
}

// wallets creates the identity manager. The operator is attached when a
// funding key is configured.
func (a *app) wallets() (*wallet.Manager, error) {
	var operator *wallet.Identity
	if a.cfg.FundingPrivateKey != "" {
		id, err := wallet.NewIdentityFromHex(wallet.RoleOperator, 0, a.cfg.FundingPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("funding key: %w", err)
		}
		operator = id
	}
	return wallet.NewManager(wallet.Config{
		ChainID:        a.cfg.ChainID,
		Client:         a.rpc,
		Store:          a.store,
		Operator:       operator,
		Gas:            a.gasPolicy(),
		Legacy:         a.legacy(),
		Parallel:       a.cfg.FundingMode == config.FundingParallel,
		Retry:          a.cfg.RetryPolicy(),
		ConfirmTimeout: a.cfg.ConfirmTimeout,
		PollInterval:   a.pollInterval(),
		Logger:         a.logger,
	})
}

func (a *app) backend() (*backend.Client, error) {
	return backend.New(backend.Config{
		BaseURL: a.cfg.BackendURL,
		APIKey:  a.cfg.BackendAPIKey,
		Limiter: ratelimit.New(a.cfg.RequestInterval),
		Retry:   a.cfg.RetryPolicy(),
		Logger:  a.logger,
	})
}

func (a *app) chain() (*chain.Client, error) {
	return chain.New(chain.Config{
		RPC:            a.rpc,
		Contract:       common.HexToAddress(a.cfg.ContractAddress),
		ChainID:        a.cfg.ChainID,
		Gas:            a.gasPolicy(),
		Legacy:         a.legacy(),
		Confirmations:  a.cfg.EffectiveConfirmations(),
		ConfirmTimeout: a.cfg.ConfirmTimeout,
		PollInterval:   a.pollInterval(),
		Observer:       a.collector,
		Logger:         a.logger,
	})
}

// statusSource joins live progress with the metrics snapshot.
type statusSource struct {
	progress  func() types.Progress
	collector *metrics.Collector
}

func (s statusSource) Progress() types.Progress        { return s.progress() }
func (s statusSource) Snapshot() types.MetricsSnapshot { return s.collector.Snapshot() }

// serveStatus starts the status server in the background and returns a
// function that shuts it down.
func (a *app) serveStatus(status transport.StatusAPI, hub *transport.Hub, checks []transport.Check) func() {
	srv := &http.Server{
		Addr: a.cfg.ListenAddr,
		Handler: transport.NewServer(transport.ServerConfig{
			Status:   status,
			Store:    a.store,
			Checks:   checks,
			Gatherer: a.registry,
			Hub:      hub,
			Logger:   a.logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	hub.Start()

	go func() {
		a.logger.Info("starting status server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("status server failed", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Stop()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("status server shutdown", slog.String("error", err.Error()))
		}
	}
}
