package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/adapters/nats"
	"github.com/getpup/puprelay/es/adapters/prometheus"
	"github.com/getpup/puprelay/es/outbox"
	"github.com/getpup/puprelay/es/outbox/worker"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run outbox workers until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, config, createLogger(cmd.ErrOrStderr(), config.Verbose))
		},
	}
}

func run(ctx context.Context, config *Config, logger *es.SlogLogger) error {
	db, err := connectDB(ctx, config)
	if err != nil {
		return err
	}
	defer db.Close()

	stores := newStores(config, logger)

	dispatchers := newDispatchers(config)
	defer dispatchers.Close()

	reg := promclient.NewRegistry()
	metrics := prometheus.NewWorkerMetrics(reg)
	reg.MustRegister(prometheus.NewBacklogCollector(stores.Outbox, db, nil))
	if config.MetricsListen != "" {
		srv := serveMetrics(config.MetricsListen, reg, logger)
		defer srv.Close()
	}

	runners := make([]worker.Ticker, 0, config.Workers)
	for i := range config.Workers {
		wc := workerConfig(config, i, metrics, logger)
		dispatcher, err := dispatchers.New(ctx, wc.Logger)
		if err != nil {
			return err
		}
		r, err := worker.New(db, stores.Events, stores.Outbox, stores.Partitions,
			stores.Workers, stores.Flags, dispatcher, wc)
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}
		runners = append(runners, r)
	}

	logger.Info(ctx, "outbox workers starting", "workers", len(runners), "driver", config.Driver,
		"partitions", config.PartitionCount, "leasing", config.Leasing)
	if err := worker.RunPool(ctx, runners, config.ErrorBackoff); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info(context.Background(), "outbox workers stopped")
	return nil
}

// workerConfig derives the configuration of the i-th worker in this process.
func workerConfig(config *Config, i int, metrics worker.Metrics, logger *es.SlogLogger) worker.Config {
	wc := worker.DefaultConfig()
	if config.WorkerID != "" {
		wc.WorkerID = config.WorkerID
	}
	if config.Workers > 1 {
		wc.WorkerID = fmt.Sprintf("%s-%d", wc.WorkerID, i)
	}
	wc.Logger = logger.With("worker_id", wc.WorkerID)
	wc.Metrics = metrics
	wc.BatchSize = config.BatchSize
	wc.PartitionCount = config.PartitionCount
	wc.Leasing = config.Leasing
	wc.LeaseTTL = config.LeaseTTL
	wc.LeaseRenew = config.LeaseRenew
	wc.HeartbeatTTL = config.HeartbeatTTL
	wc.IdleBackoff = config.IdleBackoff
	return wc
}

// dispatchers hands each runner its own dispatcher. They publish to JetStream
// over one shared connection when a NATS url is configured and otherwise only
// log each delivery.
type dispatchers struct {
	config  *Config
	shared  *nats.Shared
	closers []func()
}

func newDispatchers(config *Config) *dispatchers {
	d := &dispatchers{config: config}
	if config.NATSURL != "" {
		d.shared = nats.Share(nats.ConnectURL(config.NATSURL))
	}
	return d
}

// New builds the next dispatcher. Only the first one ensures the stream exists.
func (d *dispatchers) New(ctx context.Context, logger es.Logger) (outbox.Dispatcher, error) {
	if d.shared == nil {
		if len(d.closers) == 0 {
			logger.Info(ctx, "no nats url configured, deliveries are logged only")
		}
		d.closers = append(d.closers, func() {})
		return logDispatcher(logger), nil
	}

	dc := nats.DefaultDispatcherConfig()
	dc.Connect = d.shared.Connect
	dc.Logger = logger
	dc.StreamName = d.config.NATSStream
	dc.SubjectPrefix = d.config.NATSSubject
	dc.EnsureStream = len(d.closers) == 0
	dispatcher, err := nats.NewDispatcher(ctx, dc)
	if err != nil {
		return nil, fmt.Errorf("failed to create nats dispatcher: %w", err)
	}
	d.closers = append(d.closers, func() { _ = dispatcher.Close() })
	return dispatcher, nil
}

// Close closes every dispatcher; the shared connection closes with the last one.
func (d *dispatchers) Close() {
	for _, c := range d.closers {
		c()
	}
	d.closers = nil
}

func logDispatcher(logger es.Logger) outbox.Dispatcher {
	return outbox.DispatcherFunc(func(ctx context.Context, d outbox.Delivery) error {
		logger.Info(ctx, "event delivered",
			"global_sequence", d.Event.GlobalSequence,
			"stream_id", d.Event.StreamID,
			"event_type", d.Event.EventType,
			"partition", d.Message.PartitionKey)
		return nil
	})
}

func serveMetrics(addr string, reg *promclient.Registry, logger es.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}
