package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/issuebridge/issuebridge/internal/audit"
	"github.com/issuebridge/issuebridge/internal/classify"
	"github.com/issuebridge/issuebridge/internal/config"
	"github.com/issuebridge/issuebridge/internal/detector"
	"github.com/issuebridge/issuebridge/internal/ingest"
	"github.com/issuebridge/issuebridge/internal/lease"
	"github.com/issuebridge/issuebridge/internal/logging"
	"github.com/issuebridge/issuebridge/internal/processor"
	"github.com/issuebridge/issuebridge/internal/queue"
	"github.com/issuebridge/issuebridge/internal/reconcile"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/storage/sqlstore"
	"github.com/issuebridge/issuebridge/internal/syncer"
	"github.com/issuebridge/issuebridge/internal/telemetry"
	"github.com/issuebridge/issuebridge/internal/tracker"

	_ "github.com/issuebridge/issuebridge/internal/gitlab" // registers the gitlab tracker
)

// app holds the wired components for one command invocation.
type app struct {
	settings  *config.Settings
	log       *logging.Logger
	store     storage.Storage
	tracker   tracker.Tracker
	recorder  *audit.Recorder
	queue     *queue.Queue
	detector  *detector.Detector
	syncer    *syncer.Syncer
	processor *processor.Processor
	ingest    *ingest.Service
	lease     lease.Lease

	closers []func() error
}

// needs says which optional parts a command uses.
type needs struct {
	tracker bool
	lease   bool
}

// openApp loads settings and builds the components a command needs.
// The store and queue are always opened.
func openApp(ctx context.Context, n needs) (*app, error) {
	s, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{
		Level:      s.Log.Level,
		Format:     s.Log.Format,
		File:       s.Log.File,
		MaxSizeMB:  s.Log.MaxSizeMB,
		MaxBackups: s.Log.MaxBackups,
		MaxAgeDays: s.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, log: log}
	a.closers = append(a.closers, log.Close)

	if err := a.build(ctx, n); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, n needs) error {
	s, log := a.settings, a.log.Logger

	if err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: "ib",
		Version:     Version,
		Enabled:     s.Telemetry.Enabled,
		Stdout:      s.Telemetry.Stdout,
		Endpoint:    s.Telemetry.Endpoint,
	}); err != nil {
		log.Warn("telemetry disabled", "error", err)
	}
	a.closers = append(a.closers, func() error {
		telemetry.Shutdown(context.Background())
		return nil
	})

	st, err := sqlstore.Open(ctx, &sqlstore.Config{
		Driver:       s.Database.Driver,
		DSN:          s.Database.DSN,
		MaxOpenConns: s.Database.MaxOpenConns,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	a.store = telemetry.WrapStorage(st)
	a.closers = append(a.closers, a.store.Close)

	var sink audit.Sink
	if len(s.Audit.KafkaBrokers) > 0 {
		ks, err := audit.NewKafkaSink(audit.KafkaConfig{
			Brokers: s.Audit.KafkaBrokers,
			Topic:   s.Audit.KafkaTopic,
			Timeout: s.Audit.KafkaTimeout,
		})
		if err != nil {
			return err
		}
		sink = ks
	}
	a.recorder = audit.NewRecorder(a.store, sink, log)
	a.closers = append(a.closers, a.recorder.Close)

	a.queue = queue.New(a.store,
		queue.WithPolicy(queue.Policy{
			BaseDelay:  s.Queue.BaseDelay,
			MaxDelay:   s.Queue.MaxDelay,
			MaxRetries: s.Queue.MaxRetries,
		}),
		queue.WithLogger(log))
	a.detector = detector.New(a.store, a.queue, detector.WithLogger(log))

	if n.tracker {
		if err := a.buildSync(); err != nil {
			return err
		}
	}

	ingestOpts := []ingest.Option{ingest.WithRecorder(a.recorder), ingest.WithLogger(log)}
	if s.Processor.Immediate && a.processor != nil {
		ingestOpts = append(ingestOpts, ingest.WithImmediate(a.processor))
	}
	a.ingest = ingest.New(a.store, a.queue, a.detector, ingestOpts...)

	if n.lease {
		l, err := lease.New(ctx, lease.Config{
			Kind:     s.Lease.Kind,
			Path:     s.Lease.Path,
			RedisURL: s.Lease.RedisURL,
			Key:      s.Lease.Key,
			TTL:      s.Lease.TTL,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		a.lease = l
		a.closers = append(a.closers, l.Close)
	}
	return nil
}

func (a *app) buildSync() error {
	s, log := a.settings, a.log.Logger

	rules := classify.DefaultRules()
	if s.Classify.RulesPath != "" {
		r, err := classify.LoadRules(s.Classify.RulesPath)
		if err != nil {
			return err
		}
		rules = r
	}
	cl, err := classify.New(rules)
	if err != nil {
		return err
	}

	tr, err := tracker.New(s.Tracker.Kind, tracker.FactoryConfig{
		Options:       s.Tracker.Options,
		Classify:      cl.Classify,
		SeverityLabel: cl.SeverityLabel,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("tracker %q: %w", s.Tracker.Kind, err)
	}
	a.tracker = tr
	a.syncer = syncer.New(a.store, tr, syncer.WithRecorder(a.recorder), syncer.WithLogger(log))
	a.processor = processor.New(a.store, a.queue, a.syncer,
		processor.WithDefaults(batchOptions(s)),
		processor.WithLogger(log))
	return nil
}

// loop builds the reconciliation loop. Requires needs{tracker: true, lease: true}.
func (a *app) loop() *reconcile.Loop {
	opts := []reconcile.Option{
		reconcile.WithTunables(tunables(a.settings)),
		reconcile.WithLogger(a.log.Logger),
	}
	if a.lease != nil {
		opts = append(opts, reconcile.WithLease(a.lease))
	}
	return reconcile.New(a.store, a.queue, a.detector, a.processor, a.syncer, opts...)
}

// Close releases everything in reverse order of construction.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func batchOptions(s *config.Settings) processor.Options {
	return processor.Options{
		Limit:       s.Processor.Batch,
		MaxPriority: s.Processor.MaxPriority,
		Workers:     s.Processor.Workers,
	}
}

func tunables(s *config.Settings) reconcile.Tunables {
	return reconcile.Tunables{
		Interval:        s.Reconcile.Interval,
		Batch:           batchOptions(s),
		PullConcurrency: s.Reconcile.PullConcurrency,
		PullPageSize:    s.Reconcile.PullPageSize,
		ReapEvery:       s.Reconcile.ReapEvery,
		LeaseTimeout:    s.Reconcile.LeaseTimeout,
		CleanupEvery:    s.Reconcile.CleanupEvery,
		Retention:       s.Reconcile.Retention,
		FullScanEvery:   s.Reconcile.FullScanEvery,
	}
}
