// Package bootstrap wires the daemon's singletons together and owns the
// startup/shutdown sequence: restore pending jobs, publish the service
// identity, probe relay capabilities, run until the context ends, then drain.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"pidgeon-dvm/internal/cache"
	"pidgeon-dvm/internal/config"
	"pidgeon-dvm/internal/intake"
	"pidgeon-dvm/internal/keys"
	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/mailbox"
	"pidgeon-dvm/internal/metrics"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/publisher"
	"pidgeon-dvm/internal/relay"
	"pidgeon-dvm/internal/scheduler"
	"pidgeon-dvm/internal/store"
	"pidgeon-dvm/internal/support"
)

// drainTimeout bounds each of the two drain stages on shutdown: in-flight
// publishes, then the final mailbox flush.
const drainTimeout = 8 * time.Second

// App holds every long-lived component of the daemon.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	dvm     *nostr.Identity
	jobs    *store.JobsStore
	appData *store.AppDataStore
	ring    *keys.Ring
	backend cache.Backend
	pool    *relay.Pool

	mb      *mailbox.Mailbox
	flusher *mailbox.Flusher
	gate    *support.Engine
	pub     *publisher.Publisher
	sched   *scheduler.Scheduler
	in      *intake.Intake

	caps       *relayCaps
	poller     *support.Poller
	metricsSrv *http.Server
	probeStop  chan struct{}
	probeDone  chan struct{}
}

// New builds the object graph from a validated Config. Nothing talks to the
// network yet; that starts in Run.
func New(cfg *config.Config) (*App, error) {
	dvm, err := nostr.NewIdentity(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("service identity: %w", err)
	}

	jobs, err := store.OpenJobsStore(filepath.Join(cfg.DataDir, "jobs.db"), cfg.DBBusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open jobs store: %w", err)
	}
	appData, err := store.OpenAppDataStore(filepath.Join(cfg.DataDir, "app.db"), cfg.DBBusyTimeout)
	if err != nil {
		jobs.Close()
		return nil, fmt.Errorf("open appdata store: %w", err)
	}

	ring, err := keys.NewRing(dvm, cfg.KeyCacheSize)
	if err != nil {
		jobs.Close()
		appData.Close()
		return nil, fmt.Errorf("key ring: %w", err)
	}

	var backend cache.Backend
	if cfg.RedisURL != "" {
		backend, err = cache.NewRedisCache(cfg.RedisURL, "pidgeon")
		if err != nil {
			jobs.Close()
			appData.Close()
			return nil, fmt.Errorf("redis cache: %w", err)
		}
	} else {
		backend = cache.NewMemoryCache(8192, time.Minute)
	}

	pool := relay.NewPool(cfg.Loadtest)
	caps := loadRelayCaps(appData)

	mb := mailbox.New(jobs, appData, ring, pool, dvm, mailbox.Config{
		Relays:             cfg.Relays,
		PageTarget:         cfg.MailboxPlaintextTarget,
		PublishConcurrency: cfg.MailboxPublishConcurrency,
		ProbeRelays:        func() []string { return caps.supported(cfg.Relays) },
	})
	flusher := mailbox.NewFlusher(mb, mailbox.FlusherConfig{
		Debounce: cfg.MailboxDebounce,
		Workers:  cfg.MailboxFlushWorkers,
		RetryMax: cfg.MailboxRetryMax,
	})

	gate, err := support.New(appData, flusher, pool, supportPolicy(cfg))
	if err != nil {
		flusher.Stop()
		jobs.Close()
		appData.Close()
		backend.Close()
		return nil, fmt.Errorf("support engine: %w", err)
	}

	pub := publisher.New(jobs, pool, flusher,
		cache.NewRelayListCache(backend, cache.DefaultConfig()),
		publisher.Config{
			IndexerRelays: cfg.IndexerRelays,
			DVMRelays:     cfg.Relays,
			AllowLocal:    cfg.Loadtest,
		})
	sched := scheduler.New(pub.PublishJob)
	pub.SetCanceler(sched)

	in := intake.New(intake.Deps{
		DVM:       dvm,
		Ring:      ring,
		Pool:      pool,
		Jobs:      jobs,
		App:       appData,
		Scheduler: sched,
		Gate:      gate,
		Publisher: pub,
		Repairer:  mb,
		Flusher:   flusher,
		Throttle:  backend,
	}, intake.Config{
		Relays:           cfg.Relays,
		PublishRelays:    cfg.PublishRelays,
		AllowLocal:       cfg.Loadtest,
		MaxPublishRelays: cfg.MaxPublishRelays,
		Workers:          cfg.RequestConcurrency,
		QueueCap:         cfg.RequestQueueCap,
	})

	return &App{
		cfg:     cfg,
		log:     logging.WithComponent("bootstrap"),
		dvm:     dvm,
		jobs:    jobs,
		appData: appData,
		ring:    ring,
		backend: backend,
		pool:    pool,
		mb:      mb,
		flusher: flusher,
		gate:    gate,
		pub:     pub,
		sched:   sched,
		in:      in,
		caps:    caps,
	}, nil
}

// PubKey returns the service pubkey clients address requests to.
func (a *App) PubKey() string { return a.dvm.PubKey }

// Run starts every background component and blocks until ctx ends, then
// drains and returns. A nil return means the shutdown completed cleanly.
func (a *App) Run(ctx context.Context) error {
	restored, err := a.restoreJobs()
	if err != nil {
		a.shutdown()
		return fmt.Errorf("restore jobs: %w", err)
	}

	if err := a.publishIdentity(ctx); err != nil {
		a.log.Warn().Err(err).Msg("identity publish failed, continuing")
	}
	a.startProber()
	a.poller = a.gate.StartPoller()

	if err := a.in.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("start intake: %w", err)
	}
	if a.cfg.MetricsAddr != "" {
		a.metricsSrv = metrics.Serve(a.cfg.MetricsAddr)
	}

	a.log.Info().
		Str("pubkey", a.dvm.PubKey).
		Strs("relays", a.cfg.Relays).
		Int("restored", restored).
		Msg("pidgeon-dvm running")

	<-ctx.Done()
	a.shutdown()
	return nil
}

// restoreJobs re-arms the scheduler from jobs.db. Past-due jobs fire
// immediately once armed.
func (a *App) restoreJobs() (int, error) {
	pending, err := a.jobs.ListPendingJobs()
	if err != nil {
		return 0, err
	}
	for _, j := range pending {
		a.sched.Schedule(j.ID, j.ScheduledAt)
	}
	return len(pending), nil
}

// shutdown drains in dependency order: no new requests, no new fires, wait
// for in-flight publishes, flush every dirty mailbox, then stop the rest.
func (a *App) shutdown() {
	a.log.Info().Msg("shutting down")

	a.in.Stop()
	a.stopProber()
	a.sched.Stop()

	if !a.pub.WaitIdle(drainTimeout) {
		a.log.Warn().Msg("publishes still in flight at drain deadline")
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	a.flusher.FlushAll(ctx)
	cancel()
	a.flusher.Stop()

	if a.poller != nil {
		a.poller.Stop()
	}
	metrics.Shutdown(a.metricsSrv)
	a.pool.Close()
	a.backend.Close()
	a.appData.Close()
	a.jobs.Close()

	a.log.Info().Msg("drained")
}

func supportPolicy(cfg *config.Config) support.Policy {
	p := cfg.Support
	return support.Policy{
		HorizonDays:     p.HorizonDays,
		WindowSchedules: p.WindowSchedules,
		GatedFeatures:   p.GatedFeatures,
		CTALud16:        p.CTALud16,
		CTAMessage:      p.CTAMessage,
		PaymentMode:     p.PaymentMode,
		InvoiceSats:     p.InvoiceSats,
		MinSats:         p.MinSats,
		SupporterDays:   p.SupporterDays,
		InvoiceTTL:      p.InvoiceTTL,
		VerifyPoll:      p.VerifyPoll,
		VerifyTimeout:   p.VerifyTimeout,
		NWCURI:          p.NWCURI,
		AllowLocal:      cfg.Loadtest,
	}
}
