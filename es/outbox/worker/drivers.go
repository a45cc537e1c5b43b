package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoRunners indicates RunPool was called without runners.
var ErrNoRunners = errors.New("no runners provided")

// Ticker is the unit of work the drivers schedule. *Runner implements it.
type Ticker interface {
	ID() string
	Tick(ctx context.Context) (Summary, error)
	Shutdown(ctx context.Context) error
}

// RunOnce runs a single tick. It suits cron jobs and tests.
func RunOnce(ctx context.Context, t Ticker) (Summary, error) {
	return t.Tick(ctx)
}

// RunContinuous ticks until ctx is canceled, then shuts the worker down.
// After a failed tick it waits errBackoff before trying again.
func RunContinuous(ctx context.Context, t Ticker, errBackoff time.Duration) error {
	return runUntil(ctx, t, errBackoff)
}

// RunFor ticks until d has elapsed or ctx is canceled, then shuts the worker down.
// It suits schedulers that give each invocation a fixed time slot.
func RunFor(ctx context.Context, t Ticker, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return runUntil(ctx, t, time.Second)
}

func runUntil(ctx context.Context, t Ticker, errBackoff time.Duration) error {
	for ctx.Err() == nil {
		if _, err := t.Tick(ctx); err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-time.After(errBackoff):
			}
		}
	}
	return shutdown(t)
}

// shutdown runs with a fresh context because the loop's context is already done.
func shutdown(t Ticker) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		return fmt.Errorf("worker %q shutdown: %w", t.ID(), err)
	}
	return nil
}

// RunPool runs every ticker in its own goroutine until ctx is canceled, then
// shuts them all down. Tick errors are retried after errBackoff; only
// shutdown failures are returned.
func RunPool(ctx context.Context, tickers []Ticker, errBackoff time.Duration) error {
	if len(tickers) == 0 {
		return ErrNoRunners
	}
	for i, t := range tickers {
		if t == nil {
			return fmt.Errorf("runner at index %d is nil", i)
		}
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(tickers))

	for _, t := range tickers {
		wg.Add(1)
		go func(t Ticker) {
			defer wg.Done()
			if err := RunContinuous(ctx, t, errBackoff); err != nil {
				errChan <- err
			}
		}(t)
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
