// Package app wires the mail client together and runs its background
// workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/vexmail/internal/api"
	"github.com/nhle/vexmail/internal/backoff"
	"github.com/nhle/vexmail/internal/cache"
	"github.com/nhle/vexmail/internal/credential"
	"github.com/nhle/vexmail/internal/metrics"
	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/realtime"
	"github.com/nhle/vexmail/internal/retry"
	"github.com/nhle/vexmail/internal/service"
	"github.com/nhle/vexmail/internal/source/email"
	"github.com/nhle/vexmail/internal/storage"
	"github.com/nhle/vexmail/internal/store"
	mailsync "github.com/nhle/vexmail/internal/sync"
)

const shutdownTimeout = 10 * time.Second

// App holds every long-lived component.
type App struct {
	cfg *model.AppConfig
	log zerolog.Logger

	registry *prometheus.Registry
	store    *store.SQLiteStore
	redis    *redis.Client
	cache    *cache.Cache
	events   *realtime.Broadcaster
	pool     *email.Pool[*email.Session]
	queue    *retry.Queue
	engine   *mailsync.Engine
	server   *api.Server
}

// New builds the application from cfg. The IMAP password is looked up in
// the keyring when cfg leaves it empty.
func New(cfg *model.AppConfig, log zerolog.Logger) (*App, error) {
	if cfg.IMAP.Password == "" {
		ring, err := credential.Open(filepath.Dir(cfg.Database.Path))
		if err != nil {
			return nil, err
		}
		if err := ring.ResolveIMAPPassword(&cfg.IMAP); err != nil {
			return nil, err
		}
	}

	a := &App{cfg: cfg, log: log, registry: metrics.NewRegistry()}
	m := metrics.New(a.registry)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.store = st

	attachments, err := storage.NewLocal(cfg.Storage.Dir, cfg.Storage.MaxFileSize)
	if err != nil {
		a.Close()
		return nil, err
	}

	persistent, err := a.persistentTier()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = cache.New(cache.NewMemoryTier(), persistent, cache.TTLsFromConfig(cfg.Cache),
		cache.WithLogger(log), cache.WithMetrics(m))

	a.events = realtime.New(cfg.Realtime, realtime.WithLogger(log), realtime.WithMetrics(m))

	a.pool = email.NewPool(email.PoolConfig{
		Size:           cfg.IMAP.PoolSize,
		AcquireTimeout: cfg.IMAP.AcquireTimeout,
		MaxIdle:        cfg.IMAP.MaxSessionIdle,
		Backoff:        backoff.Default,
	}, email.Dialer(cfg.IMAP), log, m)
	remote := email.NewRemote(a.pool, cfg.IMAP, log)

	a.queue = retry.NewQueue(st, remote, a.events, cfg.Retry,
		retry.WithLogger(log), retry.WithMetrics(m))

	a.engine = mailsync.New(st, remote, attachments, a.cache, a.events, cfg.Sync, cfg.IMAP.Mailboxes,
		mailsync.WithLogger(log), mailsync.WithMetrics(m))

	mail := service.New(st, remote, a.queue, a.engine, a.events, a.cache,
		service.WithLogger(log),
		service.WithPool(a.pool),
		service.WithRemoteTimeout(cfg.IMAP.RemoteTimeout),
		service.WithBatchWorkers(cfg.IMAP.PoolSize),
	)

	a.server = api.New(mail, api.WithLogger(log), api.WithMetrics(a.registry))
	return a, nil
}

func (a *App) persistentTier() (cache.Tier, error) {
	switch a.cfg.Cache.Backend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr: a.cfg.Cache.RedisAddr,
			DB:   a.cfg.Cache.RedisDB,
		})
		return cache.NewRedisTier(a.redis, ""), nil
	default:
		return cache.NewFileTier(afero.NewOsFs(), a.cfg.Cache.Dir)
	}
}

// Run starts the HTTP server and every worker and blocks until ctx is
// done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.engine.Run(ctx) })
	if a.cfg.Sync.Idle {
		mailbox := a.cfg.IMAP.Mailboxes[0]
		g.Go(func() error { return a.engine.RunIdle(ctx, mailbox, a.cfg.IMAP.IdleTimeout) })
	}
	g.Go(func() error { return a.queue.Run(ctx) })
	g.Go(func() error { return a.cache.Run(ctx, a.cfg.Cache.SweepInterval) })
	g.Go(func() error { return a.events.Run(ctx) })

	g.Go(func() error {
		if err := a.server.Listen(a.cfg.HTTP.Listen); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	a.log.Info().
		Str("listen", a.cfg.HTTP.Listen).
		Strs("mailboxes", a.cfg.IMAP.Mailboxes).
		Str("cache", a.cfg.Cache.Backend).
		Msg("vexmail started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the pool, the redis client, and the store.
func (a *App) Close() error {
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
