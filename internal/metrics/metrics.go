// Package metrics defines the engine's instrumentation surface. The engine
// talks to a Sink; deployments pick the Prometheus sink, tests the nop one.
package metrics

import "time"

type Sink interface {
	OpEnqueued(entityType, opType string)
	OpSucceeded(entityType string, latency time.Duration)
	OpRetried(entityType, kind string)
	OpFailed(entityType, kind string)
	OpCancelled(entityType string)
	ConflictResolved(action string)
	IdempotencyAccepted()
	BreakerTransition(to string)
	SetQueueDepth(n int)
	SetFailedDepth(n int)
	SetOldestAge(age time.Duration)
}

type nopSink struct{}

func NewNop() Sink { return nopSink{} }

func (nopSink) OpEnqueued(string, string)         {}
func (nopSink) OpSucceeded(string, time.Duration) {}
func (nopSink) OpRetried(string, string)          {}
func (nopSink) OpFailed(string, string)           {}
func (nopSink) OpCancelled(string)                {}
func (nopSink) ConflictResolved(string)           {}
func (nopSink) IdempotencyAccepted()              {}
func (nopSink) BreakerTransition(string)          {}
func (nopSink) SetQueueDepth(int)                 {}
func (nopSink) SetFailedDepth(int)                {}
func (nopSink) SetOldestAge(time.Duration)        {}
