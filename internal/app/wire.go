package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/flasharb/internal/blob/s3"
	"github.com/alanyoungcy/flasharb/internal/cache/redis"
	"github.com/alanyoungcy/flasharb/internal/config"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/engine"
	"github.com/alanyoungcy/flasharb/internal/ledger"
	"github.com/alanyoungcy/flasharb/internal/lender"
	"github.com/alanyoungcy/flasharb/internal/notify"
	"github.com/alanyoungcy/flasharb/internal/pipeline"
	"github.com/alanyoungcy/flasharb/internal/platform/evm"
	"github.com/alanyoungcy/flasharb/internal/platform/uniswap"
	"github.com/alanyoungcy/flasharb/internal/server/handler"
	"github.com/alanyoungcy/flasharb/internal/server/ws"
	"github.com/alanyoungcy/flasharb/internal/service"
	"github.com/alanyoungcy/flasharb/internal/store/postgres"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Ledger   *ledger.Ledger
	Registry *venue.Registry
	Engine   *engine.Orchestrator

	Executions *service.ExecutionService
	Admin      *service.AdminService
	Volatility *service.VolatilityService // nil unless volatility sampling is enabled
	Relay      *service.EventRelay
	Hub        *ws.Hub
	Notifier   *notify.Notifier

	// Optional infrastructure; nil when the backing service is disabled.
	RateLimiter domain.RateLimiter
	BlobReader  domain.BlobReader
	Archiver    *pipeline.Archiver

	Health map[string]handler.HealthCheck
}

// Wire constructs every dependency from cfg and returns them together with
// a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	clock := domain.SystemClock{}
	deps := &Dependencies{Health: make(map[string]handler.HealthCheck)}

	var (
		results  domain.TradeResultStore
		stats    domain.StatisticsStore
		audit    domain.AuditStore
		archive  s3blob.TradeResultArchiveStore
		breakers domain.BreakerStore
		routes   domain.RouteStore
		locks    domain.LockManager
		bus      domain.SignalBus
	)

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		resultStore := postgres.NewTradeResultStore(pool)
		results, archive = resultStore, resultStore
		stats = postgres.NewStatisticsStore(pool)
		audit = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pool.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		breakers = redis.NewBreakerStore(redisClient)
		routes = redis.NewRouteStore(redisClient)
		locks = redis.NewLockManager(redisClient, logger)
		bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Health["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	var blobWriter *s3blob.Writer
	var blobReader *s3blob.Reader
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		blobWriter = s3blob.NewWriter(s3Client)
		blobReader = s3blob.NewReader(s3Client)
		deps.BlobReader = blobReader
		deps.Health["s3"] = s3Client.Health
	}
	if cfg.Archive.Enabled && blobWriter != nil && archive != nil {
		deps.Archiver = pipeline.NewArchiver(
			s3blob.NewArchiver(blobWriter, blobReader, archive, audit),
			cfg.Archive.RetentionDays, clock, logger,
		)
	}

	// --- Chain ---
	var (
		chain  service.ChainReader = service.NewLocalChain(nil, clock)
		quoter domain.QuoteOracle
	)
	if cfg.Chain.RPCURL != "" {
		client, err := evm.Dial(ctx, evm.ClientConfig{
			RPCURL:  cfg.Chain.RPCURL,
			ChainID: cfg.Chain.ChainID,
			Timeout: cfg.Chain.Timeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: chain: %w", err))
		}
		closers = append(closers, client.Close)
		chain = client
		deps.Health["chain"] = client.Health

		if cfg.Chain.QuoterAddress != "" {
			q, err := uniswap.NewQuoter(client, common.HexToAddress(cfg.Chain.QuoterAddress))
			if err != nil {
				return fail(fmt.Errorf("wire: quoter: %w", err))
			}
			quoter = q
		}
	}

	// --- Ledger, venues, lender ---
	l := ledger.New()
	for _, t := range cfg.Tokens {
		l.RegisterToken(ledger.TokenInfo{Address: common.HexToAddress(t.Address), Symbol: t.Symbol, Decimals: t.Decimals})
	}
	registry := venue.NewRegistry()
	for _, vc := range cfg.Venues {
		spec, err := venueSpec(vc)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		v, err := venue.Build(spec, l, clock, registry.Local)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		registry.Register(v)
	}
	for _, b := range cfg.Balances {
		amount, err := config.ParseAmount(b.Amount)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		if err := l.Mint(common.HexToAddress(b.Token), common.HexToAddress(b.Holder), amount); err != nil {
			return fail(fmt.Errorf("wire: seed balance: %w", err))
		}
	}
	l.Commit()

	vault := lender.NewVault(common.HexToAddress(cfg.Lender.Address), l, cfg.Lender.FeeBps, logger)

	// --- Engine ---
	orch, err := buildEngine(cfg, l, registry, vault, clock, logger,
		// The relay is built after the hub, which needs the execution
		// service; events only flow once the modes start.
		domain.EventSinkFunc(func(ctx context.Context, ev domain.Event) { deps.Relay.Emit(ctx, ev) }),
	)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}

	execSvc, err := service.NewExecutionService(service.ExecutionConfig{
		DefaultMaxGasPrice: cfg.Engine.MaxGasPriceWei(),
		RateLimit:          cfg.Server.RateLimit,
		RateLimitWindow:    cfg.Server.RateLimitWindow.Duration,
	}, service.ExecutionDeps{
		Engine:  orch,
		Chain:   chain,
		Results: results,
		Stats:   stats,
		Breaker: breakers,
		Routes:  routes,
		Locks:   locks,
		Limiter: deps.RateLimiter,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	if err := execSvc.Restore(ctx); err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}

	adminSvc, err := service.NewAdminService(service.AdminDeps{
		Engine: orch,
		Venues: func(spec venue.Spec) (domain.SwapVenue, error) {
			v, err := venue.Build(spec, l, clock, registry.Local)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
		Serial:  execSvc.Locker(),
		Breaker: breakers,
		Routes:  routes,
		Stats:   stats,
		Audit:   audit,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}

	// --- Events ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	notifier := notify.NewNotifier(senders, cfg.Notify.Events, notify.NewFormatter(l), logger)
	closers = append(closers, notifier.Wait)

	// With a bus every process publishes and the hub relays the channel;
	// without one the hub is fed directly.
	hub := ws.NewHub(bus, execSvc, ws.Config{
		Mode:        cfg.Mode,
		Channel:     service.EventsChannel,
		CheckOrigin: originChecker(cfg.Server.CORSOrigins),
	}, logger)
	sinks := []domain.EventSink{notifier}
	if bus == nil {
		sinks = append(sinks, hub)
	}

	deps.Ledger = l
	deps.Registry = registry
	deps.Engine = orch
	deps.Executions = execSvc
	deps.Admin = adminSvc
	deps.Notifier = notifier
	deps.Hub = hub
	deps.Relay = service.NewEventRelay(bus, logger, sinks...)

	// --- Volatility ---
	if cfg.Volatility.Enabled {
		pairs, err := volatilityPairs(cfg.Volatility.Pairs)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		// Reference prices come from the chain when a quoter is configured.
		var oracle domain.QuoteOracle = registry
		if quoter != nil {
			oracle = quoter
		}
		deps.Volatility = service.NewVolatilityService(oracle, orch, pairs, cfg.Volatility.Window, logger)
	}

	logger.InfoContext(ctx, "dependencies wired",
		slog.Int("venues", len(registry.List())),
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Bool("rpc", cfg.Chain.RPCURL != ""),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}

func buildEngine(
	cfg *config.Config,
	l *ledger.Ledger,
	registry *venue.Registry,
	vault *lender.Vault,
	clock domain.Clock,
	logger *slog.Logger,
	events domain.EventSink,
) (*engine.Orchestrator, error) {
	breaker, err := engine.NewBreaker(domain.BreakerLimits{
		MaxVolumePerPeriod: cfg.Breaker.MaxVolumeInt(),
		MaxTradesPerPeriod: cfg.Breaker.MaxTrades,
		PeriodDuration:     cfg.Breaker.Period.Duration,
		WarningRatioBps:    cfg.Breaker.WarningRatioBps,
	}, clock.Now())
	if err != nil {
		return nil, err
	}
	guard, err := engine.NewGuard(domain.ProfitParams{
		BaseBps:            cfg.Profit.BaseBps,
		VolatilityMultiple: cfg.Profit.VolatilityMultiplier,
		MaxBps:             cfg.Profit.MaxBps,
	})
	if err != nil {
		return nil, err
	}
	shares := make([]domain.ProfitShare, 0, len(cfg.Profit.Shares))
	for _, s := range cfg.Profit.Shares {
		shares = append(shares, domain.ProfitShare{Recipient: common.HexToAddress(s.Recipient), Bps: s.Bps})
	}
	distributor, err := engine.NewDistributor(l, shares)
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Config{
		Self:            common.HexToAddress(cfg.Engine.Address),
		MEVBlockSpacing: cfg.Engine.MEVBlockSpacing,
		ExecutionBudget: cfg.Engine.ExecutionBudget.Duration,
		DivergenceBps:   cfg.Routes.DivergenceBps,
		Gas: engine.GasSchedule{
			Base:      cfg.Gas.Base,
			Loan:      cfg.Gas.Loan,
			PerLeg:    cfg.Gas.PerLeg,
			PerPayout: cfg.Gas.PerPayout,
		},
	}, engine.Deps{
		Ledger:      l,
		Lender:      vault,
		Oracle:      registry,
		Venues:      registry,
		Breaker:     breaker,
		Guard:       guard,
		Routes:      engine.NewRouteValidator(cfg.Routes.MaxHops, cfg.Routes.FailureThreshold, registry),
		Distributor: distributor,
		History:     engine.NewHistory(cfg.Engine.HistorySize),
		Auth:        engine.NewAuthorizer(config.Addresses(cfg.Engine.Executors), config.Addresses(cfg.Engine.Admins)),
		Events:      events,
		Clock:       clock,
	}, logger)
}

// venueSpec converts a validated venue section. Aggregator members must be
// listed before the aggregator.
func venueSpec(vc config.VenueConfig) (venue.Spec, error) {
	spec := venue.Spec{
		Address: common.HexToAddress(vc.Address),
		Kind:    domain.VenueKind(vc.Kind),
		Amp:     vc.Amp,
		Members: config.Addresses(vc.Members),
	}
	for _, p := range vc.Pools {
		ra, err := config.ParseAmount(p.ReserveA)
		if err != nil {
			return venue.Spec{}, fmt.Errorf("venue %s: %w", vc.Address, err)
		}
		rb, err := config.ParseAmount(p.ReserveB)
		if err != nil {
			return venue.Spec{}, fmt.Errorf("venue %s: %w", vc.Address, err)
		}
		spec.Pools = append(spec.Pools, venue.PoolSpec{
			TokenA:   common.HexToAddress(p.TokenA),
			TokenB:   common.HexToAddress(p.TokenB),
			Fee:      p.Fee,
			ReserveA: ra,
			ReserveB: rb,
		})
	}
	return spec, nil
}

func volatilityPairs(in []config.VolatilityPairConfig) ([]service.VolatilityPair, error) {
	out := make([]service.VolatilityPair, 0, len(in))
	for i, p := range in {
		amount, err := config.ParseAmount(p.AmountIn)
		if err != nil {
			return nil, fmt.Errorf("volatility.pairs[%d]: %w", i, err)
		}
		if amount.Sign() == 0 {
			amount = big.NewInt(1)
		}
		out = append(out, service.VolatilityPair{
			Venue:    common.HexToAddress(p.Venue),
			TokenIn:  common.HexToAddress(p.TokenIn),
			TokenOut: common.HexToAddress(p.TokenOut),
			Fee:      p.Fee,
			AmountIn: amount,
		})
	}
	return out, nil
}
