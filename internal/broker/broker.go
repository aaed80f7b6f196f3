// Package broker implements the Message Broker Adapter on top of
// NATS JetStream (the only broker client library anywhere in the retrieval
// pack; see orchestration/service.go, actionexecutor/webhook/service.go and
// actionexecutor/email/main.go). JetStream has no
// first-class "x-dead-letter-exchange" concept the way RabbitMQ does, so
// BindDLQ/Nack(requeue=false) are implemented explicitly here: a rejected
// message is re-published, headers and all, onto its family's failed.{configId}
// subject and the original is terminated.
package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Channel names one of the three logical channels:
// downloads and uploads are isolated so a slow upload can't stall a
// download, and worker-initiated publishes get their own channel so
// consumer flow control never back-pressures handler follow-up jobs.
type Channel string

const (
	ChannelDownload      Channel = "download"
	ChannelUpload        Channel = "upload"
	ChannelWorkerPublish Channel = "worker-publish"
)

const (
	DefaultPrefetch       = 20
	DefaultReconnectDelay = 5 * time.Second
)

// QueueOptions configures a declared queue.
type QueueOptions struct {
	DeadLetterQueue string
}

// Headers is the set of message header key/values carried alongside a
// message body, mirroring AMQP headers.
type Headers map[string]string

// Message is a broker message handed to a consumer's HandlerFunc.
type Message struct {
	Queue      string
	Body       []byte
	Headers    Headers
	RetryCount int

	raw *nats.Msg
}

// HandlerFunc processes one message. Returning an error does not itself
// trigger a nack — the Worker Runtime (internal/worker) owns retry
// accounting and calls Ack/Nack explicitly.
type HandlerFunc func(ctx context.Context, msg *Message) error

// queueState tracks the NATS stream/subject/consumer backing one declared
// queue name.
type queueState struct {
	stream   string
	subject  string
	dlq      string
	sub      *nats.Subscription
	prefetch int
}

// Broker is one logical connection to the NATS JetStream broker, with
// automatic bounded-backoff reconnect.
type Broker struct {
	url            string
	reconnectDelay time.Duration

	mu         sync.Mutex
	conn       *nats.Conn
	downloadJS nats.JetStreamContext
	uploadJS   nats.JetStreamContext
	publishJS  nats.JetStreamContext
	queues     map[string]*queueState
}

// New constructs a Broker bound to url. Connect must be called before use.
func New(url string) *Broker {
	return &Broker{
		url:            url,
		reconnectDelay: DefaultReconnectDelay,
		queues:         make(map[string]*queueState),
	}
}

// Connect dials the broker, retrying up to maxRetries times with the given
// delay between attempts (default 5s if delay is zero), then sets up three
// independent JetStream contexts for the download/upload/worker-publish
// channels.
func (b *Broker) Connect(ctx context.Context, maxRetries int, delay time.Duration) error {
	if delay <= 0 {
		delay = b.reconnectDelay
	}

	var lastErr error
	for attempt := 0; maxRetries <= 0 || attempt < maxRetries; attempt++ {
		conn, err := nats.Connect(b.url,
			nats.Timeout(10*time.Second),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(delay),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Printf("broker: disconnected: %v", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Printf("broker: reconnected to %s", nc.ConnectedUrl())
			}),
			nats.ClosedHandler(func(nc *nats.Conn) {
				log.Printf("broker: connection closed, restarting reconnect loop")
				go b.reconnectLoop(context.Background(), maxRetries, delay)
			}),
		)
		if err == nil {
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			if jsErr := b.initJetStream(); jsErr != nil {
				return jsErr
			}
			log.Printf("broker: connected to %s", b.url)
			return nil
		}
		lastErr = err
		log.Printf("broker: connect attempt %d to %s failed: %v", attempt+1, b.url, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("broker: exhausted %d connect attempts to %s: %w", maxRetries, b.url, lastErr)
}

// reconnectLoop is spun off by ClosedHandler so a fully closed connection
// (as opposed to a transient disconnect, which nats.go itself retries)
// eventually comes back with the same bounded-backoff contract.
func (b *Broker) reconnectLoop(ctx context.Context, maxRetries int, delay time.Duration) {
	if err := b.Connect(ctx, maxRetries, delay); err != nil {
		log.Printf("broker: reconnect loop gave up: %v", err)
		return
	}
	// Queue declarations are idempotent; redeclare the stream of every queue
	// previously declared. Consumers bound with Consume are not
	// re-subscribed here.
	b.mu.Lock()
	queues := make([]*queueState, 0, len(b.queues))
	for _, qs := range b.queues {
		queues = append(queues, qs)
	}
	b.mu.Unlock()
	for _, qs := range queues {
		if _, err := b.declareStream(qs.stream, qs.subject); err != nil {
			log.Printf("broker: failed to redeclare queue %s after reconnect: %v", qs.subject, err)
		}
	}
}

func (b *Broker) initJetStream() error {
	var err error
	b.downloadJS, err = b.conn.JetStream()
	if err != nil {
		return fmt.Errorf("broker: download JetStream context: %w", err)
	}
	b.uploadJS, err = b.conn.JetStream()
	if err != nil {
		return fmt.Errorf("broker: upload JetStream context: %w", err)
	}
	b.publishJS, err = b.conn.JetStream()
	if err != nil {
		return fmt.Errorf("broker: worker-publish JetStream context: %w", err)
	}
	return nil
}

func (b *Broker) jsFor(ch Channel) nats.JetStreamContext {
	switch ch {
	case ChannelUpload:
		return b.uploadJS
	case ChannelWorkerPublish:
		return b.publishJS
	default:
		return b.downloadJS
	}
}

func subjectFor(queue string) string { return "jobs." + queue }

func streamFor(queue string) string {
	// One stream per queue keeps purge/delete scoped to exactly the
	// queue an operator asked about.
	return "Q_" + sanitize(queue)
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (b *Broker) declareStream(stream, subject string) (*nats.StreamInfo, error) {
	js := b.downloadJS
	info, err := js.StreamInfo(stream)
	if err == nil {
		return info, nil
	}
	return js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
	})
}

// DeclareQueue idempotently declares a single work queue. opts.DeadLetterQueue,
// if set, is recorded so Nack(msg, false) knows where to route rejected
// messages.
func (b *Broker) DeclareQueue(name string, opts QueueOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subject := subjectFor(name)
	stream := streamFor(name)
	if _, err := b.declareStream(stream, subject); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", name, err)
	}
	qs, ok := b.queues[name]
	if !ok {
		qs = &queueState{stream: stream, subject: subject}
		b.queues[name] = qs
	}
	if opts.DeadLetterQueue != "" {
		qs.dlq = opts.DeadLetterQueue
	}
	return nil
}

// BindDLQ records dlq as the dead-letter target for queue. The DLQ itself
// must already have been declared (Queue Manager declares it alongside the
// family).
func (b *Broker) BindDLQ(queue, dlq string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("broker: cannot bind DLQ, queue %s not declared", queue)
	}
	qs.dlq = dlq
	return nil
}

// DeleteQueue removes a queue's stream, returning how many messages were
// purged. Deleting an already-deleted queue is a no-op.
func (b *Broker) DeleteQueue(name string) (purged int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	qs, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	info, infoErr := b.downloadJS.StreamInfo(qs.stream)
	if infoErr == nil && info != nil {
		purged = int(info.State.Msgs)
	}
	if err := b.downloadJS.DeleteStream(qs.stream); err != nil && err != nats.ErrStreamNotFound {
		return 0, fmt.Errorf("broker: delete queue %s: %w", name, err)
	}
	delete(b.queues, name)
	return purged, nil
}

// QueueStats mirrors the per-queue counters the Status API surfaces.
type QueueStats struct {
	Ready     int
	Unacked   int
	Consumers int
}

// Stats introspects a declared queue's backing stream and, if a consumer
// has been bound to it, the consumer's pending-ack count.
func (b *Broker) Stats(name string) (QueueStats, error) {
	b.mu.Lock()
	qs, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return QueueStats{}, fmt.Errorf("broker: queue %s not declared", name)
	}
	info, err := b.downloadJS.StreamInfo(qs.stream)
	if err != nil {
		return QueueStats{}, fmt.Errorf("broker: stats for %s: %w", name, err)
	}
	stats := QueueStats{
		Ready:     int(info.State.Msgs),
		Consumers: info.State.Consumers,
	}
	durable := "consumer_" + sanitize(name)
	if consumerInfo, err := b.downloadJS.ConsumerInfo(qs.stream, durable); err == nil {
		stats.Unacked = consumerInfo.NumAckPending
	}
	return stats, nil
}

// DLQMessage is one message sitting in a dead-letter queue, as surfaced by
// the Status/Failed API.
type DLQMessage struct {
	Sequence   uint64
	Body       []byte
	Headers    Headers
	RetryCount int
}

// ListDLQ returns up to limit dead-lettered messages from dlqName, skipping
// the first offset. Sequences are not necessarily contiguous (acked/purged
// messages leave gaps), so this walks the stream's sequence range rather
// than assuming 1..limit.
func (b *Broker) ListDLQ(dlqName string, limit, offset int) ([]DLQMessage, error) {
	b.mu.Lock()
	qs, ok := b.queues[dlqName]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("broker: queue %s not declared", dlqName)
	}

	info, err := b.downloadJS.StreamInfo(qs.stream)
	if err != nil {
		return nil, fmt.Errorf("broker: stream info for %s: %w", dlqName, err)
	}

	var out []DLQMessage
	skipped := 0
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq && len(out) < limit; seq++ {
		raw, err := b.downloadJS.GetMsg(qs.stream, seq)
		if err != nil {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, dlqMessageFrom(seq, raw))
	}
	return out, nil
}

// GetDLQMessage fetches a single dead-lettered message by sequence.
func (b *Broker) GetDLQMessage(dlqName string, sequence uint64) (DLQMessage, error) {
	b.mu.Lock()
	qs, ok := b.queues[dlqName]
	b.mu.Unlock()
	if !ok {
		return DLQMessage{}, fmt.Errorf("broker: queue %s not declared", dlqName)
	}
	raw, err := b.downloadJS.GetMsg(qs.stream, sequence)
	if err != nil {
		return DLQMessage{}, fmt.Errorf("broker: get message %d from %s: %w", sequence, dlqName, err)
	}
	return dlqMessageFrom(sequence, raw), nil
}

// PurgeQueue removes every message currently on name's stream without
// deleting the stream itself, returning how many were purged.
func (b *Broker) PurgeQueue(name string) (int, error) {
	b.mu.Lock()
	qs, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("broker: queue %s not declared", name)
	}
	info, err := b.downloadJS.StreamInfo(qs.stream)
	purged := 0
	if err == nil && info != nil {
		purged = int(info.State.Msgs)
	}
	if err := b.downloadJS.PurgeStream(qs.stream); err != nil {
		return 0, fmt.Errorf("broker: purge %s: %w", name, err)
	}
	return purged, nil
}

// RepublishDLQMessage re-publishes the message at sequence on dlqName onto
// targetQueue over the worker-publish channel, with x-retry-count reset to
// "0", then deletes it from the DLQ stream.
func (b *Broker) RepublishDLQMessage(dlqName string, sequence uint64, targetQueue string) error {
	msg, err := b.GetDLQMessage(dlqName, sequence)
	if err != nil {
		return err
	}
	headers := make(Headers, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retry-count"] = "0"

	if err := b.Publish(ChannelWorkerPublish, targetQueue, msg.Body, headers); err != nil {
		return fmt.Errorf("broker: republish message %d to %s: %w", sequence, targetQueue, err)
	}

	b.mu.Lock()
	qs, ok := b.queues[dlqName]
	b.mu.Unlock()
	if ok {
		if err := b.downloadJS.DeleteMsg(qs.stream, sequence); err != nil {
			return fmt.Errorf("broker: delete republished message %d from %s: %w", sequence, dlqName, err)
		}
	}
	return nil
}

func dlqMessageFrom(seq uint64, raw *nats.RawStreamMsg) DLQMessage {
	headers := make(Headers, len(raw.Header))
	for k := range raw.Header {
		headers[k] = raw.Header.Get(k)
	}
	retry := 0
	if v := headers["x-retry-count"]; v != "" {
		fmt.Sscanf(v, "%d", &retry)
	}
	return DLQMessage{Sequence: seq, Body: raw.Data, Headers: headers, RetryCount: retry}
}

// Publish sends body+headers to queue over the given logical channel.
func (b *Broker) Publish(ch Channel, queue string, body []byte, headers Headers) error {
	js := b.jsFor(ch)
	if js == nil {
		return fmt.Errorf("broker: %w", nats.ErrConnectionClosed)
	}
	msg := &nats.Msg{
		Subject: subjectFor(queue),
		Data:    body,
		Header:  toNatsHeader(headers),
	}
	if _, err := js.PublishMsg(msg); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", queue, err)
	}
	return nil
}

// Consume binds handler to queue with the given prefetch (MaxAckPending),
// over the given logical channel. The handler is invoked for every
// delivered message; it does not ack/nack itself — callers use Ack/Nack.
func (b *Broker) Consume(ch Channel, queue string, prefetch int, handler HandlerFunc) error {
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	b.mu.Lock()
	qs, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("broker: cannot consume, queue %s not declared", queue)
	}

	js := b.jsFor(ch)
	durable := "consumer_" + sanitize(queue)
	sub, err := js.Subscribe(qs.subject, func(raw *nats.Msg) {
		msg := fromNatsMsg(queue, raw)
		if err := handler(context.Background(), msg); err != nil {
			log.Printf("broker: handler error on %s (job retry=%d): %v", queue, msg.RetryCount, err)
		}
	}, nats.Durable(durable), nats.ManualAck(), nats.MaxAckPending(prefetch))
	if err != nil {
		return fmt.Errorf("broker: consume %s: %w", queue, err)
	}

	b.mu.Lock()
	qs.sub = sub
	qs.prefetch = prefetch
	b.mu.Unlock()
	return nil
}

// Ack acknowledges successful processing of msg.
func (b *Broker) Ack(msg *Message) error {
	if msg.raw == nil {
		return nil
	}
	if err := msg.raw.Ack(); err != nil {
		return fmt.Errorf("broker: ack: %w", err)
	}
	return nil
}

// Nack either requeues msg for redelivery (requeue=true) or routes it to
// its queue's dead-letter queue (requeue=false, i.e. nats Term on the
// original plus an explicit publish to the DLQ subject). Headers must
// already carry the failure-reason fields before Nack is called with
// requeue=false, and the updated x-retry-count before requeue=true.
func (b *Broker) Nack(msg *Message, requeue bool) error {
	if msg.raw == nil {
		return nil
	}
	if requeue {
		// JetStream redelivers the message exactly as published — a plain
		// Nak would discard the caller's updated x-retry-count header and a
		// restarted worker could never recover the count. Make the header
		// durable the same way the DLQ path does: publish a copy carrying
		// the new headers, then terminate the original. If the publish
		// fails, fall back to Nak so the message is never lost.
		b.mu.Lock()
		qs, ok := b.queues[msg.Queue]
		b.mu.Unlock()
		if ok && b.publishJS != nil {
			requeued := &nats.Msg{
				Subject: qs.subject,
				Data:    msg.Body,
				Header:  toNatsHeader(msg.Headers),
			}
			if _, err := b.publishJS.PublishMsg(requeued); err == nil {
				if err := msg.raw.Term(); err != nil {
					return fmt.Errorf("broker: terminate original after requeue republish: %w", err)
				}
				return nil
			}
		}
		if err := msg.raw.Nak(); err != nil {
			return fmt.Errorf("broker: nack(requeue=true): %w", err)
		}
		return nil
	}

	b.mu.Lock()
	qs, ok := b.queues[msg.Queue]
	b.mu.Unlock()
	if !ok || qs.dlq == "" {
		return fmt.Errorf("broker: queue %s has no bound DLQ", msg.Queue)
	}

	dlqMsg := &nats.Msg{
		Subject: subjectFor(qs.dlq),
		Data:    msg.Body,
		Header:  toNatsHeader(msg.Headers),
	}
	if _, err := b.publishJS.PublishMsg(dlqMsg); err != nil {
		return fmt.Errorf("broker: publish to DLQ %s: %w", qs.dlq, err)
	}
	if err := msg.raw.Term(); err != nil {
		return fmt.Errorf("broker: terminate original after DLQ publish: %w", err)
	}
	return nil
}

// Close closes the underlying NATS connection without draining it.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
}

func toNatsHeader(h Headers) nats.Header {
	if len(h) == 0 {
		return nil
	}
	out := make(nats.Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

func fromNatsMsg(queue string, raw *nats.Msg) *Message {
	headers := make(Headers)
	for k := range raw.Header {
		headers[k] = raw.Header.Get(k)
	}
	retry := 0
	if v := raw.Header.Get("x-retry-count"); v != "" {
		fmt.Sscanf(v, "%d", &retry)
	}
	// The broker's own delivery counter survives worker restarts even when
	// a requeue republish was lost mid-flight; redeliveries = NumDelivered-1.
	if meta, err := raw.Metadata(); err == nil && int(meta.NumDelivered)-1 > retry {
		retry = int(meta.NumDelivered) - 1
	}
	return &Message{
		Queue:      queue,
		Body:       raw.Data,
		Headers:    headers,
		RetryCount: retry,
		raw:        raw,
	}
}
