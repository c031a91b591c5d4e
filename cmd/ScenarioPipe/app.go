package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/ScenarioPipe/internal/api"
	"github.com/BTreeMap/ScenarioPipe/internal/flow"
	"github.com/BTreeMap/ScenarioPipe/internal/gateway"
	"github.com/BTreeMap/ScenarioPipe/internal/inventory"
	"github.com/BTreeMap/ScenarioPipe/internal/lockfile"
	"github.com/BTreeMap/ScenarioPipe/internal/messaging"
	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/scheduler"
	"github.com/BTreeMap/ScenarioPipe/internal/searchcache"
	"github.com/BTreeMap/ScenarioPipe/internal/store"
	"github.com/BTreeMap/ScenarioPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ScenarioPipe/internal/whatsapp"
)

// Maintenance schedule.
const (
	expireIdleSchedule  = "@every 1m"
	cachePurgeSchedule  = "@every 10m"
	dedupPruneSchedule  = "@hourly"
	dedupRetention      = 7 * 24 * time.Hour
	jobPollInterval     = 2 * time.Second
	outboxPollInterval  = 2 * time.Second
	redisCacheRetention = 24 * time.Hour
)

// run wires every component and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}
	lock, err := lockfile.AcquireLock(flags.StateDir, lockfile.WithTransport(flags.Transport))
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(flags.DatabaseDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	persistence, durable := st.(store.PersistenceProvider)

	flowCfg, err := loadFlowConfig(flags.FlowConfigPath, flags.SessionIdle)
	if err != nil {
		return err
	}
	registry, err := flow.NewRegistry(ctx, flow.NewDirLoader(flags.FlowsDir))
	if err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}

	cache, err := buildSearchCache(ctx, flags, flowCfg)
	if err != nil {
		return err
	}

	tr, err := buildTransport(ctx, flags)
	if err != nil {
		return err
	}
	defer tr.close()

	gwOpts := []gateway.Option{
		gateway.WithAdminDestinations(adminDestinations(flags.AdminDestinations)...),
		gateway.WithManagerPrefix(flowCfg.ManagerPrefix),
		gateway.WithSearchLimit(flowCfg.SearchLimit),
	}
	if cache != nil {
		gwOpts = append(gwOpts, gateway.WithSearchCache(cache))
	}
	if durable {
		gwOpts = append(gwOpts, gateway.WithOutbox(persistence.OutboxRepo()), gateway.WithJobRepo(persistence.JobRepo()))
	}
	gw := gateway.New(tr.service, st, gwOpts...)
	defer gw.Stop()

	engineOpts := []flow.Option{
		flow.WithConfig(flowCfg),
		flow.WithRecords(gw),
		flow.WithSearcher(gw),
		flow.WithBroadcaster(gw),
		flow.WithAdminNotifier(gw),
		flow.WithManagerHandler(gw),
		flow.WithDedup(st),
	}
	if durable {
		engineOpts = append(engineOpts, flow.WithDelayScheduler(flow.NewJobScheduler(persistence.JobRepo())))
	}
	engine, err := flow.NewEngine(registry, st, tr.service, engineOpts...)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(ctx)
	defer sched.Stop()
	if err := registerSweeps(sched, engine, cache, st, flowCfg); err != nil {
		return err
	}

	apiOpts := []api.Option{api.WithToken(flags.APIToken), api.WithInventory(st)}
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	if cache != nil {
		apiOpts = append(apiOpts, api.WithSearchCache(cache))
	}
	if tr.twilio != nil {
		apiOpts = append(apiOpts, api.WithTwilio(tr.twilio, tr.validator, flags.PublicURL))
	}
	server := api.NewServer(engine, apiOpts...)

	if err := tr.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer tr.service.Stop()

	g, gctx := errgroup.WithContext(ctx)
	dispatcher := messaging.NewDispatcher(engine)
	g.Go(func() error {
		dispatcher.Run(gctx, tr.service.Events())
		return nil
	})
	g.Go(func() error {
		logReceipts(gctx, tr.service.Receipts())
		return nil
	})
	if durable {
		runner := store.NewJobRunner(persistence.JobRepo(), jobPollInterval)
		flow.RegisterJobHandlers(runner, engine, gw)
		if err := runner.RecoverStaleJobs(); err != nil {
			slog.Warn("run: failed to recover stale jobs", "error", err)
		}
		outbox := store.NewOutboxSender(persistence.OutboxRepo(), gw.SendOutbox, outboxPollInterval)
		if err := outbox.RecoverStaleMessages(); err != nil {
			slog.Warn("run: failed to recover stale outbox messages", "error", err)
		}
		g.Go(func() error { runner.Run(gctx); return nil })
		g.Go(func() error { outbox.Run(gctx); return nil })
	}
	g.Go(func() error { return server.Run(gctx) })

	snap := registry.Current()
	slog.Info("run: ScenarioPipe started",
		"flows", len(snap.ActiveFlows()),
		"durable", durable,
		"external_search", cache != nil,
		"sweeps", len(sched.Sweeps()))
	return g.Wait()
}

// openStore picks the backend from the DSN: "memory", a Postgres URL, or a SQLite path.
func openStore(dsn string) (store.Store, error) {
	switch {
	case dsn == MemoryDSN:
		slog.Info("openStore: using in-memory store, state is lost on restart")
		return store.NewInMemoryStore(), nil
	case store.DetectDSNType(dsn) == "postgres":
		slog.Debug("openStore: detected PostgreSQL DSN")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	default:
		slog.Debug("openStore: detected SQLite DSN", "db_path", dsn)
		return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	}
}

// loadFlowConfig reads interpreter settings from an optional YAML file. A positive idle timeout
// from the environment or flags overrides the file.
func loadFlowConfig(path string, idle time.Duration) (flow.Config, error) {
	var cfg flow.Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return flow.Config{}, fmt.Errorf("failed to read flow config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return flow.Config{}, fmt.Errorf("failed to decode flow config: %w", err)
		}
	}
	if idle > 0 {
		cfg.SessionIdleTimeout = idle
	}
	return flow.NewConfig(cfg)
}

// buildSearchCache returns nil when no external inventory API is configured.
func buildSearchCache(ctx context.Context, flags Flags, cfg flow.Config) (*searchcache.Cache, error) {
	if flags.InventoryURL == "" {
		return nil, nil
	}
	client, err := inventory.NewClient(inventory.Config{
		BaseURL:  flags.InventoryURL,
		APIKey:   flags.InventoryKey,
		PageSize: min(cfg.SearchLimit, 100),
	})
	if err != nil {
		return nil, err
	}
	opts := []searchcache.Option{searchcache.WithTTL(cfg.CacheTTL)}
	if flags.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: flags.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", flags.RedisAddr, err)
		}
		opts = append(opts, searchcache.WithBackend(searchcache.NewRedisBackend(rdb, redisCacheRetention)))
		slog.Info("buildSearchCache: sharing search cache through redis", "addr", flags.RedisAddr)
	}
	return searchcache.New(client.Search, opts...), nil
}

// transport bundles the active messaging service with the Twilio-specific pieces the API needs.
type transport struct {
	service   messaging.Service
	twilio    *messaging.TwilioService
	validator api.WebhookValidator
	close     func()
}

func buildTransport(ctx context.Context, flags Flags) (*transport, error) {
	switch flags.Transport {
	case TransportTwilio:
		public := strings.TrimRight(flags.PublicURL, "/")
		var opts []twiliowhatsapp.Option
		if public != "" {
			opts = append(opts, twiliowhatsapp.WithStatusCallback(public+"/webhooks/twilio/status"))
		}
		client, err := twiliowhatsapp.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		tr := &transport{service: svc, twilio: svc, close: func() {}}
		if flags.ValidateTwilio {
			if public == "" {
				return nil, errors.New("TWILIO_PUBLIC_URL is required to validate webhook signatures")
			}
			tr.validator = client
		}
		return tr, nil

	case TransportNone:
		slog.Warn("buildTransport: no messaging transport, outbound messages are only logged")
		return &transport{service: messaging.NewWhatsAppService(dryRunClient{}), close: func() {}}, nil

	default:
		var opts []whatsapp.Option
		opts = append(opts, whatsapp.WithDBDSN(flags.WhatsAppDSN))
		if flags.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(flags.QROutput))
		}
		if flags.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return &transport{
			service: messaging.NewWhatsAppService(client),
			close:   func() { client.GetClient().Disconnect() },
		}, nil
	}
}

// dryRunClient logs outbound WhatsApp traffic instead of sending it.
type dryRunClient struct{}

func (dryRunClient) SendMessage(_ context.Context, to, body string) error {
	slog.Info("dryRunClient.SendMessage", "to", to, "body", body)
	return nil
}

func (dryRunClient) SendTyping(_ context.Context, to string) error {
	slog.Debug("dryRunClient.SendTyping", "to", to)
	return nil
}

// registerSweeps schedules the periodic maintenance tasks that apply to this configuration.
func registerSweeps(s *scheduler.Scheduler, engine *flow.Engine, cache *searchcache.Cache, dedup store.DedupRepo, cfg flow.Config) error {
	if cfg.SessionIdleTimeout > 0 {
		if err := s.AddSweep("expire-idle-sessions", expireIdleSchedule, engine.ExpireIdle); err != nil {
			return err
		}
	}
	if cache != nil {
		if err := s.AddSweep("purge-search-cache", cachePurgeSchedule, cache.Purge); err != nil {
			return err
		}
	}
	return s.AddSweep("prune-inbound-dedup", dedupPruneSchedule, func(context.Context) (int, error) {
		return dedup.PurgeInboundBefore(time.Now().Add(-dedupRetention))
	})
}

func logReceipts(ctx context.Context, receipts <-chan models.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-receipts:
			if !ok {
				return
			}
			if r.Status == models.MessageStatusFailed {
				slog.Warn("run: delivery failed", "to", r.To)
				continue
			}
			slog.Debug("run: delivery receipt", "to", r.To, "status", r.Status, "final", r.Final())
		}
	}
}
