// Package worker drains the outbox with a fleet of cooperating workers.
//
// A Runner performs one bounded unit of work per Tick and never schedules
// itself: the caller picks the cadence through RunOnce, RunContinuous, RunFor
// or RunPool. Workers coordinate only through the datastore. The registry
// says who is alive, partition leases say who may claim from where, and claim
// tokens make each claimed message visible to one worker at a time.
//
// Delivery is at least once. A worker that dies mid-dispatch leaves its claim
// to expire, and the message is claimed again after the claim TTL.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/outbox"
	"github.com/getpup/puprelay/es/store"
)

// ErrDispatchPanic wraps a panic raised by a Dispatcher.
var ErrDispatchPanic = errors.New("dispatcher panicked")

var _ Ticker = (*Runner)(nil)

const reapFlag = "outbox-reap-workers"

// Summary describes what one tick did.
type Summary struct {
	// Owned lists the partitions held after reconciliation, sorted.
	Owned    []string
	Acquired []string
	Released []string

	Claimed   int
	Published int
	Failed    int
	// Lost counts messages whose claim was taken over before they could be marked.
	Lost int

	Reaped int64
	Slept  time.Duration

	Joined  bool
	Renewed bool
}

// Processed reports whether the tick handled any message.
func (s Summary) Processed() int { return s.Published + s.Failed + s.Lost }

// Runner is one outbox worker. A Runner is not safe for concurrent Ticks;
// run one goroutine per Runner.
type Runner struct {
	db         es.DB
	events     store.EventReader
	outbox     outbox.Store
	leases     outbox.LeaseStore
	registry   outbox.Registry
	throttle   outbox.Throttle
	dispatcher outbox.Dispatcher
	metrics    Metrics
	errs       *ring
	lastRenew  time.Time
	config     Config
	keys       []string
	owned      []string
	joined     bool
}

// New creates a Runner. leases may be nil when config.Leasing is false.
func New(db es.DB, events store.EventReader, ob outbox.Store, leases outbox.LeaseStore,
	registry outbox.Registry, throttle outbox.Throttle, dispatcher outbox.Dispatcher, config Config) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch {
	case db == nil || events == nil || ob == nil || registry == nil || throttle == nil:
		return nil, fmt.Errorf("%w: db, event reader, outbox, registry and throttle are required", es.ErrInvalidConfig)
	case dispatcher == nil:
		return nil, fmt.Errorf("%w: dispatcher is required", es.ErrInvalidConfig)
	case config.Leasing && leases == nil:
		return nil, fmt.Errorf("%w: leasing requires a lease store", es.ErrInvalidConfig)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Runner{
		db:         db,
		events:     events,
		outbox:     ob,
		leases:     leases,
		registry:   registry,
		throttle:   throttle,
		dispatcher: dispatcher,
		metrics:    metrics,
		errs:       newRing(config.ErrorBufferSize),
		config:     config,
		keys:       outbox.PartitionKeys(config.PartitionCount),
	}, nil
}

// ID returns the worker id.
func (r *Runner) ID() string { return r.config.WorkerID }

// Owned returns the partitions held after the last tick.
func (r *Runner) Owned() []string { return slices.Clone(r.owned) }

// Recent returns the latest delivery errors, oldest first.
// It is safe to call from any goroutine.
func (r *Runner) Recent() []DeliveryError { return r.errs.snapshot() }

// Tick runs one iteration: join, renew, rebalance, claim, deliver, idle, reap.
//
// Failures of single messages are recorded and retried later; they never fail
// the tick. Errors returned by Tick come from the datastore and leave the
// worker in a state the next Tick can resume from.
func (r *Runner) Tick(ctx context.Context) (Summary, error) {
	s, err := r.tick(ctx)
	if err != nil && r.config.Logger != nil {
		r.config.Logger.Error(ctx, "tick failed", "worker_id", r.config.WorkerID, "error", err)
	}
	return s, err
}

func (r *Runner) tick(ctx context.Context) (Summary, error) {
	start := r.config.Clock.Now()
	var s Summary

	if !r.joined {
		if err := r.join(ctx); err != nil {
			return s, err
		}
		s.Joined = true
	} else if r.config.Clock.Now().Sub(r.lastRenew) >= r.config.LeaseRenew {
		rejoined, err := r.renew(ctx)
		if err != nil {
			return s, err
		}
		s.Renewed = true
		s.Joined = rejoined
	}

	if r.config.Leasing {
		if err := r.rebalance(ctx, &s); err != nil {
			return s, err
		}
	}

	var partitions []string
	if r.config.Leasing {
		partitions = r.owned
	}
	if !r.config.Leasing || len(partitions) > 0 {
		msgs, err := r.outbox.ClaimPending(ctx, r.db, r.config.BatchSize, partitions)
		if err != nil {
			return s, fmt.Errorf("failed to claim messages: %w", err)
		}
		s.Claimed = len(msgs)
		for _, msg := range msgs {
			if err := r.handle(ctx, msg, &s); err != nil {
				return s, err
			}
		}
	}

	if s.Processed() == 0 && r.config.IdleBackoff > 0 {
		s.Slept = r.sleep(ctx, r.config.IdleBackoff)
	}

	if err := r.reap(ctx, &s); err != nil {
		return s, err
	}

	r.metrics.TickCompleted(r.config.WorkerID, s, r.config.Clock.Now().Sub(start))
	if r.config.Logger != nil && (s.Processed() > 0 || len(s.Acquired) > 0 || len(s.Released) > 0) {
		r.config.Logger.Debug(ctx, "tick completed",
			"worker_id", r.config.WorkerID,
			"owned", len(s.Owned),
			"claimed", s.Claimed,
			"published", s.Published,
			"failed", s.Failed)
	}
	return s, nil
}

func (r *Runner) join(ctx context.Context) error {
	w := outbox.Worker{
		ID:       r.config.WorkerID,
		Hostname: r.config.Hostname,
		PID:      r.config.PID,
	}
	if err := r.registry.Join(ctx, r.db, w, r.config.HeartbeatTTL); err != nil {
		return fmt.Errorf("failed to join registry: %w", err)
	}
	if r.config.Leasing && r.config.SeedOnJoin {
		if err := r.leases.Seed(ctx, r.db, r.keys); err != nil {
			return fmt.Errorf("failed to seed partitions: %w", err)
		}
	}
	r.joined = true
	r.lastRenew = r.config.Clock.Now()

	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "worker joined",
			"worker_id", r.config.WorkerID, "partitions", len(r.keys), "leasing", r.config.Leasing)
	}
	return nil
}

// renew heartbeats and extends held leases. A worker reaped while it was
// stalled joins again; it reports whether that happened.
func (r *Runner) renew(ctx context.Context) (bool, error) {
	err := r.registry.Heartbeat(ctx, r.db, r.config.WorkerID, r.config.HeartbeatTTL)
	if errors.Is(err, outbox.ErrWorkerNotRegistered) {
		if r.config.Logger != nil {
			r.config.Logger.Info(ctx, "worker was reaped, joining again", "worker_id", r.config.WorkerID)
		}
		return true, r.join(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat: %w", err)
	}
	if r.config.Leasing && len(r.owned) > 0 {
		n, err := r.leases.Renew(ctx, r.db, r.owned, r.config.WorkerID, r.config.LeaseTTL)
		if err != nil {
			return false, fmt.Errorf("failed to renew leases: %w", err)
		}
		if int(n) < len(r.owned) && r.config.Logger != nil {
			r.config.Logger.Info(ctx, "some leases expired before renewal",
				"worker_id", r.config.WorkerID, "held", len(r.owned), "renewed", n)
		}
	}
	r.lastRenew = r.config.Clock.Now()
	return false, nil
}

// rebalance computes the desired partitions from the active workers and
// converges the held leases towards them.
func (r *Runner) rebalance(ctx context.Context, s *Summary) error {
	workers, err := r.registry.Active(ctx, r.db)
	if err != nil {
		return fmt.Errorf("failed to list active workers: %w", err)
	}
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	desired := outbox.Assign(ids, r.config.WorkerID, r.keys)

	held, err := r.ownedKeys(ctx)
	if err != nil {
		return err
	}

	release, acquire := outbox.Diff(held, desired)
	if len(release) > 0 {
		if err := r.leases.Release(ctx, r.db, release, r.config.WorkerID); err != nil {
			return fmt.Errorf("failed to release partitions: %w", err)
		}
	}
	if len(acquire) > 0 {
		// a key still leased to another worker stays missing until its lease
		// is released or expires
		if _, err := r.leases.TryLease(ctx, r.db, acquire, r.config.WorkerID, r.config.LeaseTTL); err != nil {
			return fmt.Errorf("failed to lease partitions: %w", err)
		}
	}

	if len(release) > 0 || len(acquire) > 0 {
		if held, err = r.ownedKeys(ctx); err != nil {
			return err
		}
	}
	for _, k := range acquire {
		if slices.Contains(held, k) {
			s.Acquired = append(s.Acquired, k)
		}
	}
	s.Released = release
	s.Owned = held
	r.owned = held
	r.metrics.PartitionsOwned(r.config.WorkerID, len(held))

	if r.config.Logger != nil && (len(release) > 0 || len(s.Acquired) > 0) {
		r.config.Logger.Info(ctx, "partitions rebalanced",
			"worker_id", r.config.WorkerID,
			"workers", len(ids),
			"released", release,
			"acquired", s.Acquired,
			"missing", len(acquire)-len(s.Acquired))
	}
	return nil
}

func (r *Runner) ownedKeys(ctx context.Context) ([]string, error) {
	parts, err := r.leases.OwnedBy(ctx, r.db, r.config.WorkerID, r.keys)
	if err != nil {
		return nil, fmt.Errorf("failed to list owned partitions: %w", err)
	}
	keys := make([]string, len(parts))
	for i, p := range parts {
		keys[i] = p.Key
	}
	slices.Sort(keys)
	return keys, nil
}

// handle delivers one message and records the outcome. Only datastore errors
// while marking the message are returned.
func (r *Runner) handle(ctx context.Context, msg outbox.Message, s *Summary) error {
	cause := r.deliver(ctx, msg)
	if cause == nil {
		err := r.outbox.MarkPublished(ctx, r.db, msg)
		switch {
		case errors.Is(err, outbox.ErrClaimLost):
			s.Lost++
			r.logLost(ctx, msg)
			return nil
		case err != nil:
			return fmt.Errorf("failed to mark message %d published: %w", msg.GlobalSequence, err)
		}
		s.Published++
		r.metrics.MessagePublished(r.config.WorkerID, msg, r.config.Clock.Now().Sub(msg.CreatedAt))
		return nil
	}

	err := r.outbox.MarkFailed(ctx, r.db, msg, cause)
	switch {
	case errors.Is(err, outbox.ErrClaimLost):
		s.Lost++
		r.logLost(ctx, msg)
		return nil
	case err != nil:
		return fmt.Errorf("failed to mark message %d failed: %w", msg.GlobalSequence, err)
	}
	s.Failed++
	r.errs.add(DeliveryError{
		At:             r.config.Clock.Now(),
		Error:          cause.Error(),
		PartitionKey:   msg.PartitionKey,
		GlobalSequence: msg.GlobalSequence,
		Attempts:       msg.Attempts + 1,
	})
	r.metrics.MessageFailed(r.config.WorkerID, msg)
	if r.config.Logger != nil {
		r.config.Logger.Error(ctx, "delivery failed",
			"worker_id", r.config.WorkerID,
			"global_sequence", msg.GlobalSequence,
			"attempts", msg.Attempts+1,
			"error", cause)
	}
	return nil
}

// deliver rehydrates the event behind msg and dispatches it.
func (r *Runner) deliver(ctx context.Context, msg outbox.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrDispatchPanic, p)
		}
	}()

	event, err := r.events.GetByGlobalSequence(ctx, r.db, msg.GlobalSequence)
	if err != nil {
		return fmt.Errorf("failed to load event %d: %w", msg.GlobalSequence, err)
	}
	d := outbox.Delivery{Event: event, Message: msg}
	if r.config.Decoder != nil {
		if d.Domain, err = r.config.Decoder.Decode(event); err != nil {
			return err
		}
	}
	return r.dispatcher.Dispatch(ctx, d)
}

func (r *Runner) logLost(ctx context.Context, msg outbox.Message) {
	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "claim lost before marking message",
			"worker_id", r.config.WorkerID, "global_sequence", msg.GlobalSequence)
	}
}

// sleep blocks for d or until ctx is done and returns how long it waited.
func (r *Runner) sleep(ctx context.Context, d time.Duration) time.Duration {
	start := r.config.Clock.Now()
	select {
	case <-ctx.Done():
	case <-r.config.Clock.After(d):
	}
	return r.config.Clock.Now().Sub(start)
}

func (r *Runner) reap(ctx context.Context, s *Summary) error {
	if ctx.Err() != nil {
		return nil
	}
	ok, err := r.throttle.TryAcquire(ctx, r.db, reapFlag, r.config.ReapInterval)
	if err != nil {
		return fmt.Errorf("failed to acquire reap flag: %w", err)
	}
	if !ok {
		return nil
	}
	n, err := r.registry.ReapExpired(ctx, r.db)
	if err != nil {
		return fmt.Errorf("failed to reap workers: %w", err)
	}
	s.Reaped = n
	if n > 0 && r.config.Logger != nil {
		r.config.Logger.Info(ctx, "reaped expired workers", "worker_id", r.config.WorkerID, "count", n)
	}
	return nil
}

// Shutdown releases every lease held by the worker and leaves the registry,
// so the remaining workers take its partitions over on their next tick
// instead of waiting for the leases to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	if !r.joined {
		return nil
	}
	var errs []error
	if r.config.Leasing {
		if err := r.leases.Release(ctx, r.db, nil, r.config.WorkerID); err != nil {
			errs = append(errs, fmt.Errorf("failed to release partitions: %w", err))
		}
	}
	if err := r.registry.Leave(ctx, r.db, r.config.WorkerID); err != nil {
		errs = append(errs, fmt.Errorf("failed to leave registry: %w", err))
	}
	r.owned = nil
	r.joined = false

	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "worker left", "worker_id", r.config.WorkerID)
	}
	return errors.Join(errs...)
}
