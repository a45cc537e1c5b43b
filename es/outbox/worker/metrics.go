package worker

import (
	"time"

	"github.com/getpup/puprelay/es/outbox"
)

// Metrics receives observations from a Runner.
// Implementations must not block; they are called inline in the tick.
type Metrics interface {
	// TickCompleted is called after every tick that did not fail.
	TickCompleted(workerID string, s Summary, elapsed time.Duration)

	// MessagePublished is called after a message was dispatched and marked published.
	MessagePublished(workerID string, msg outbox.Message, lag time.Duration)

	// MessageFailed is called after a message was marked failed.
	MessageFailed(workerID string, msg outbox.Message)

	// PartitionsOwned reports the number of partitions leased after reconciliation.
	PartitionsOwned(workerID string, n int)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

// TickCompleted implements Metrics.
func (NopMetrics) TickCompleted(string, Summary, time.Duration) {}

// MessagePublished implements Metrics.
func (NopMetrics) MessagePublished(string, outbox.Message, time.Duration) {}

// MessageFailed implements Metrics.
func (NopMetrics) MessageFailed(string, outbox.Message) {}

// PartitionsOwned implements Metrics.
func (NopMetrics) PartitionsOwned(string, int) {}

var _ Metrics = NopMetrics{}
