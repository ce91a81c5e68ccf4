package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"recurpay/config"
	"recurpay/core/events"
	"recurpay/core/state"
	"recurpay/native/assets"
	"recurpay/native/dca"
	"recurpay/native/engine"
	"recurpay/native/fees"
	"recurpay/native/obligation"
	"recurpay/native/p2pflow"
	"recurpay/native/schedule"
	"recurpay/native/subscription"
	"recurpay/native/topup"
	"recurpay/native/vault"
	"recurpay/observability/logging"
	"recurpay/observability/metrics"
	"recurpay/storage"
)

func main() {
	configFile := flag.String("config", "./recurd.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	logger := logging.Setup("recurd", cfg.Environment, logging.Options{FilePath: cfg.LogFile})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, err := buildDaemon(cfg, state.NewManager(db), logger)
	if err != nil {
		logger.Error("Failed to assemble keeper", slog.Any("error", err))
		os.Exit(1)
	}

	server := &http.Server{Addr: cfg.ListenAddress, Handler: daemon.httpHandler()}
	go func() {
		logger.Info("HTTP surface listening", slog.String("address", cfg.ListenAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", slog.Any("error", err))
			stop()
		}
	}()

	daemon.run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", slog.Any("error", err))
	}
	logger.Info("Keeper stopped")
}

// keeper is the per-kind upkeep surface the poll loop drives.
type keeper interface {
	CheckUpkeep(limit int) (bool, []byte, error)
	PerformUpkeep(data []byte) (int, error)
	QueuePosition() (uint64, error)
	QueueSize(position uint64) (uint64, error)
}

type target struct {
	name   string
	keeper keeper
}

type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	vault   *vault.Vault
	targets []target
	metrics *metrics.ObligationMetrics
}

func buildDaemon(cfg *config.Config, mgr *state.Manager, logger *slog.Logger) (*daemon, error) {
	maxAge := time.Duration(cfg.Vault.MaxPriceFeedAgeSecs) * time.Second
	oracle := assets.NewOracleAggregator([]string{"manual"}, maxAge)
	oracle.Register("manual", assets.NewManualOracle())
	registry := assets.NewRegistry(mgr, oracle, cfg.Vault.BaseSymbol)

	emitter := &logEmitter{logger: logger}

	v := vault.New(mgr, registry)
	minDeposit, err := cfg.MinDeposit()
	if err != nil {
		return nil, err
	}
	v.SetMinDeposit(minDeposit)
	v.SetEmitter(emitter)

	floor, err := cfg.FeeFloor()
	if err != nil {
		return nil, err
	}
	feePolicy := fees.Policy{Bps: cfg.Fees.Bps, FloorWei: floor, Route: cfg.FeeRoute()}

	engineParams := engine.Params{
		RetryDelay: cfg.Scheduler.PaymentRetryDelaySecs,
		MaxSkips:   cfg.Scheduler.MaxSkips,
		MaxPerPoll: cfg.Scheduler.MaxPerPoll,
	}

	obs := obligation.NewStore(mgr)
	queue := func(name string) (*schedule.Queue, error) {
		return schedule.New(mgr, obs, name, cfg.Scheduler.BucketSizeSecs, cfg.Scheduler.MaxQueueAgeSecs)
	}

	subAddr := managerAddress(cfg.Managers.SubscriptionAddress, "subscription")
	dcaAddr := managerAddress(cfg.Managers.DCAAddress, "dca")
	p2pAddr := managerAddress(cfg.Managers.P2PAddress, "p2p")
	topupAddr := managerAddress(cfg.Managers.TopupAddress, "topup")
	for _, addr := range [][20]byte{subAddr, dcaAddr, p2pAddr, topupAddr} {
		if err := ensureProtocol(v, addr); err != nil {
			return nil, err
		}
	}

	router := &oracleRouter{registry: registry}

	subQueue, err := queue("subscription")
	if err != nil {
		return nil, err
	}
	subMgr := subscription.NewManager(mgr, obs, subQueue, v, subAddr, engineParams)
	subMgr.SetFeePolicy(feePolicy)

	dcaQueue, err := queue("dca")
	if err != nil {
		return nil, err
	}
	dcaMgr := dca.NewManager(mgr, obs, dcaQueue, v, registry, router, dcaAddr, engineParams)
	dcaMgr.SetFeePolicy(feePolicy)

	p2pQueue, err := queue("p2p")
	if err != nil {
		return nil, err
	}
	p2pMgr := p2pflow.NewManager(mgr, obs, p2pQueue, v, p2pAddr, engineParams)
	p2pMgr.SetFeePolicy(feePolicy)

	topupQueue, err := queue("topup")
	if err != nil {
		return nil, err
	}
	topupMgr := topup.NewManager(mgr, obs, topupQueue, v, registry, topup.NewLedger(mgr), router, topupAddr, topup.Params{
		GroupSize:       cfg.Topup.GroupSize,
		MaxTopupsPerRun: cfg.Topup.MaxTopupsPerRun,
		BridgeSymbol:    cfg.Topup.BridgeSymbol,
		Engine:          engineParams,
	})

	obMetrics := metrics.Obligations()
	for _, core := range []*engine.Core{subMgr.Core(), dcaMgr.Core(), p2pMgr.Core(), topupMgr.Core()} {
		core.SetMetrics(obMetrics)
		core.SetEmitter(emitter)
	}

	warnMissingAssets(logger, registry, cfg.Vault.BaseSymbol, cfg.Topup.BridgeSymbol)

	return &daemon{
		cfg:    cfg,
		logger: logger,
		vault:  v,
		targets: []target{
			{name: "subscription", keeper: subMgr},
			{name: "dca", keeper: dcaMgr},
			{name: "p2p", keeper: p2pMgr},
			{name: "topup", keeper: topupMgr},
		},
		metrics: obMetrics,
	}, nil
}

// run drives the pull-based tick: one CheckUpkeep/PerformUpkeep pair per
// target per interval, paced by a rate limiter so a slow poll never bunches
// the next one.
func (d *daemon) run(ctx context.Context) {
	interval := time.Duration(d.cfg.Scheduler.PollIntervalSecs) * time.Second
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	d.logger.Info("Keeper loop started", slog.Duration("interval", interval))
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		d.poll()
	}
}

func (d *daemon) poll() {
	runID := uuid.NewString()
	for _, tgt := range d.targets {
		logger := d.logger.With(slog.String("run", runID), slog.String("kind", tgt.name))
		needed, data, err := tgt.keeper.CheckUpkeep(d.cfg.Scheduler.MaxPerPoll)
		if err != nil {
			logger.Error("Upkeep check failed", slog.Any("error", err))
			continue
		}
		if needed {
			processed, err := tgt.keeper.PerformUpkeep(data)
			if err != nil {
				logger.Error("Upkeep failed", slog.Any("error", err))
				continue
			}
			logger.Info("Upkeep performed", slog.Int("processed", processed))
		}
		d.observeQueue(logger, tgt)
	}
	d.observeVault()
}

func (d *daemon) observeQueue(logger *slog.Logger, tgt target) {
	position, err := tgt.keeper.QueuePosition()
	if err != nil {
		logger.Error("Queue position read failed", slog.Any("error", err))
		return
	}
	size, err := tgt.keeper.QueueSize(position)
	if err != nil {
		logger.Error("Queue size read failed", slog.Any("error", err))
		return
	}
	d.metrics.SetQueueSize(tgt.name, float64(size))
	now := uint64(time.Now().Unix())
	var lag float64
	if position > 0 && position < now {
		lag = float64(now - position)
	}
	d.metrics.SetQueueLag(tgt.name, lag)
}

func (d *daemon) observeVault() {
	total, err := d.vault.TotalValue()
	if err != nil {
		d.logger.Error("Vault value read failed", slog.Any("error", err))
		return
	}
	value, _ := new(big.Float).SetInt(total).Float64()
	d.metrics.SetVaultValue(value)
}

func (d *daemon) httpHandler() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	return router
}

// managerAddress resolves a protocol address from config, deriving a stable
// one from the kind name when the operator leaves the field empty.
func managerAddress(configured, kind string) [20]byte {
	if configured != "" {
		return config.Address(configured)
	}
	hash := ethcrypto.Keccak256([]byte("recurd/manager/" + kind))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// ensureProtocol keeps the allow-list idempotent across restarts.
func ensureProtocol(v *vault.Vault, addr [20]byte) error {
	ok, err := v.IsProtocol(addr)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return v.AddProtocol(addr)
}

func warnMissingAssets(logger *slog.Logger, registry *assets.Registry, symbols ...string) {
	for _, symbol := range symbols {
		if _, err := registry.GetAllowed(symbol); err != nil {
			logger.Warn("Asset not yet allow-listed; processing will skip until an operator registers it",
				slog.String("symbol", symbol), slog.Any("error", err))
		}
	}
}

// logEmitter mirrors protocol events onto the structured log stream.
type logEmitter struct {
	logger *slog.Logger
}

func (e *logEmitter) Emit(event events.Event) {
	if e == nil || e.logger == nil || event == nil {
		return
	}
	e.logger.Info("Protocol event", slog.String("event", event.EventType()), slog.Any("payload", event))
}
