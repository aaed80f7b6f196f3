package broker

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

// Exercising Publish/Consume/Stats/DLQ management against a live JetStream
// connection needs a running NATS server, so those stay untested here.
// What's covered below is every pure naming/no-op rule that doesn't need a
// connection.

func TestSubjectForPrefixesJobs(t *testing.T) {
	assert.Equal(t, "jobs.data.upload.cfg-1", subjectFor("data.upload.cfg-1"))
}

func TestStreamForSanitizesAndPrefixes(t *testing.T) {
	assert.Equal(t, "Q_data_upload_cfg_1", streamFor("data.upload.cfg-1"))
}

func TestSanitizeKeepsAlphanumericOnly(t *testing.T) {
	assert.Equal(t, "a1_b2_c3", sanitize("a1.b2-c3"))
}

func TestFromNatsMsgReadsDurableRetryCountHeader(t *testing.T) {
	raw := &nats.Msg{Subject: "jobs.data.upload.cfg-1", Header: nats.Header{}}
	raw.Header.Set("x-retry-count", "2")

	// A hand-built message has no JetStream delivery metadata, so the
	// header is the only durable counter available here.
	msg := fromNatsMsg("data.upload.cfg-1", raw)
	assert.Equal(t, 2, msg.RetryCount)
	assert.Equal(t, "2", msg.Headers["x-retry-count"])
}

func TestAckIsNoopWithoutRawMessage(t *testing.T) {
	b := New("")
	msg := &Message{Queue: "data.upload.cfg-1"}
	assert.NoError(t, b.Ack(msg))
}

func TestNackRequeueIsNoopWithoutRawMessage(t *testing.T) {
	b := New("")
	msg := &Message{Queue: "data.upload.cfg-1"}
	assert.NoError(t, b.Nack(msg, true))
}

func TestNackDeadLetterIsNoopWithoutRawMessage(t *testing.T) {
	b := New("")
	msg := &Message{Queue: "data.upload.cfg-1"}
	assert.NoError(t, b.Nack(msg, false))
}

func TestPublishFailsWithoutConnection(t *testing.T) {
	b := New("")
	err := b.Publish(ChannelWorkerPublish, "data.upload.cfg-1", []byte("{}"), nil)
	assert.Error(t, err)
}

func TestBindDLQFailsForUndeclaredQueue(t *testing.T) {
	b := New("")
	err := b.BindDLQ("data.upload.cfg-1", "failed.cfg-1")
	assert.Error(t, err)
}

func TestDeleteQueueOnUndeclaredQueueIsNoop(t *testing.T) {
	b := New("")
	purged, err := b.DeleteQueue("never-declared")
	assert.NoError(t, err)
	assert.Equal(t, 0, purged)
}
