// Package worker implements the Worker Runtime: binding one broker consumer
// per (configId, queue kind), tracking in-process retry counts across
// redeliveries, and converting handler failures into either an immediate
// requeue or a terminal dead-letter. The consumer-binding-at-startup shape
// follows actionexecutor/webhook/service.go's per-topic subscription setup;
// the retry/backoff bookkeeping mirrors the circuit-breaker-adjacent retry
// counters in backend/shared's resilience helpers.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/broker"
	"github.com/dhis2pipeline/migrate/internal/config"
	"github.com/dhis2pipeline/migrate/internal/jobs"
	"github.com/dhis2pipeline/migrate/internal/queue"
)

// ImmediateRequeueLimit bounds how many times a job may be nacked with
// requeue=true before the runtime gives up and routes it to the DLQ.
const ImmediateRequeueLimit = 2

// Handler processes one decoded Job. An error causes the runtime to apply
// the retry policy; a nil return acks the message.
type Handler func(ctx context.Context, job jobs.Job) error

// Runtime binds handlers to every configured queue family's work queues and
// owns the retry-count bookkeeping and DLQ routing.
type Runtime struct {
	broker   *broker.Broker
	store    config.Store
	queueMgr *queue.Manager
	handlers map[jobs.Kind]Handler
	prefetch int

	mu          sync.Mutex
	retryCounts map[string]int
}

// New constructs a Runtime. handlers must have an entry for every jobs.Kind
// the queue families carry; a kind with no handler is poison-messaged away
// with a warning rather than panicking the consumer goroutine. prefetch is
// optional; when omitted or non-positive, broker.DefaultPrefetch applies.
func New(b *broker.Broker, store config.Store, queueMgr *queue.Manager, handlers map[jobs.Kind]Handler, prefetch ...int) *Runtime {
	p := broker.DefaultPrefetch
	if len(prefetch) > 0 && prefetch[0] > 0 {
		p = prefetch[0]
	}
	return &Runtime{
		broker:      b,
		store:       store,
		queueMgr:    queueMgr,
		handlers:    handlers,
		prefetch:    p,
		retryCounts: make(map[string]int),
	}
}

// Start enumerates every configId known to the configuration store,
// declares its queue family (idempotent), and binds a consumer to each of
// the five work queues.
func (r *Runtime) Start(ctx context.Context) error {
	configIDs, err := r.store.List()
	if err != nil {
		return fmt.Errorf("worker: list configIds: %w", err)
	}

	for _, configID := range configIDs {
		if _, err := r.queueMgr.CreateQueueFamily(configID); err != nil {
			return fmt.Errorf("worker: create queue family for %s: %w", configID, err)
		}
		if err := r.bindConfig(configID); err != nil {
			return fmt.Errorf("worker: bind consumers for %s: %w", configID, err)
		}
	}
	return nil
}

var kindOrder = []jobs.Kind{
	jobs.KindMetadataDownload,
	jobs.KindMetadataUpload,
	jobs.KindDataDownload,
	jobs.KindDataUpload,
	jobs.KindDataDeletion,
}

func (r *Runtime) bindConfig(configID string) error {
	work, _ := queue.Names(configID)
	for i, queueName := range work {
		kind := kindOrder[i]
		ch := broker.ChannelDownload
		if kind == jobs.KindMetadataUpload || kind == jobs.KindDataUpload || kind == jobs.KindDataDeletion {
			ch = broker.ChannelUpload
		}
		if err := r.broker.Consume(ch, queueName, r.prefetch, r.dispatcherFor(kind)); err != nil {
			return err
		}
	}
	return nil
}

// dispatcherFor returns a broker.HandlerFunc closing over kind so poison
// messages (unknown handler type) and decode failures are handled
// uniformly before the registered Handler ever runs.
func (r *Runtime) dispatcherFor(kind jobs.Kind) broker.HandlerFunc {
	return func(ctx context.Context, msg *broker.Message) error {
		handler, ok := r.handlers[kind]
		if !ok {
			log.Printf("worker: no handler registered for %s, discarding message", kind)
			return r.broker.Ack(msg)
		}

		var job jobs.Job
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			log.Printf("worker: poison message on %s, discarding: %v", msg.Queue, err)
			return r.broker.Ack(msg)
		}

		if err := handler(ctx, job); err != nil {
			return r.fail(msg, job, err)
		}
		r.clearRetryCount(job.JobID)
		return r.broker.Ack(msg)
	}
}

func (r *Runtime) clearRetryCount(jobID string) {
	r.mu.Lock()
	delete(r.retryCounts, jobID)
	r.mu.Unlock()
}

// fail applies the retry policy: below ImmediateRequeueLimit, the job is
// requeued with its retry count incremented; at or beyond the limit, the
// failure reason is recorded in headers and the message is routed to its
// queue's DLQ.
func (r *Runtime) fail(msg *broker.Message, job jobs.Job, cause error) error {
	if apperr.IsConflict(cause) {
		// Upstream conflicts are partial successes the handler has already
		// logged and cleaned up after; record the failure terminally instead
		// of burning requeue attempts on a response that won't change.
		return r.deadLetter(msg, job, cause)
	}

	if !apperr.Retryable(apperr.KindOf(cause)) {
		return r.deadLetter(msg, job, cause)
	}

	r.mu.Lock()
	count := r.retryCounts[job.JobID]
	if msg.RetryCount > count {
		count = msg.RetryCount
	}
	if count >= ImmediateRequeueLimit {
		r.mu.Unlock()
		return r.deadLetter(msg, job, cause)
	}
	count++
	r.retryCounts[job.JobID] = count
	r.mu.Unlock()

	if msg.Headers == nil {
		msg.Headers = make(broker.Headers)
	}
	msg.Headers[jobs.HeaderRetryCount] = fmt.Sprintf("%d", count)
	if err := r.broker.Nack(msg, true); err != nil {
		return fmt.Errorf("worker: requeue job %s: %w", job.JobID, err)
	}
	return nil
}

func (r *Runtime) deadLetter(msg *broker.Message, job jobs.Job, cause error) error {
	r.clearRetryCount(job.JobID)
	writeFailureHeaders(msg, job, cause)
	if err := r.broker.Nack(msg, false); err != nil {
		return fmt.Errorf("worker: dead-letter job %s: %w", job.JobID, err)
	}
	return nil
}

type failureReason struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func writeFailureHeaders(msg *broker.Message, job jobs.Job, cause error) {
	if msg.Headers == nil {
		msg.Headers = make(broker.Headers)
	}
	reason, _ := json.Marshal(failureReason{Kind: apperr.KindOf(cause), Message: cause.Error()})
	msg.Headers[jobs.HeaderFailureReason] = string(reason)
	msg.Headers[jobs.HeaderErrorMessage] = cause.Error()
	msg.Headers[jobs.HeaderErrorName] = string(apperr.KindOf(cause))
	msg.Headers[jobs.HeaderErrorTime] = time.Now().UTC().Format(time.RFC3339)
	msg.Headers[jobs.HeaderQueueType] = string(job.Kind)

	if fault := apperr.FaultOf(cause); fault != nil {
		msg.Headers[jobs.HeaderUpstreamStat] = fmt.Sprintf("%d", fault.Status)
		msg.Headers[jobs.HeaderUpstreamCode] = fault.Code
		msg.Headers[jobs.HeaderUpstreamURL] = fault.URL
	}
}
