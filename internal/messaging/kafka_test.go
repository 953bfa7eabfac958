package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/pkg/models"
)

type fakeReader struct {
	messages  chan kafka.Message
	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.messages <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.messages:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Committed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *fakeReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{Messages: 1} }
func (r *fakeReader) Close() error             { return nil }

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func (w *fakeWriter) Close() error { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() config.KafkaConfig {
	cfg := config.KafkaConfig{MaxRetries: 2, RetryDelay: time.Millisecond}
	cfg.Topics.RatingsChanged = "ratings-changed"
	cfg.Topics.RatingsChangedDLQ = "ratings-changed-dlq"
	cfg.Topics.SnapshotEvents = "snapshot-events"
	return cfg
}

func eventMessage(t *testing.T, id string) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(models.RatingsChangedEvent{EventID: id, Source: "etl", OccurredAt: time.Now()})
	require.NoError(t, err)
	return kafka.Message{Key: []byte(id), Value: payload}
}

func newConsumedCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "events_consumed_total"}, []string{"outcome"})
}

// consume runs the consumer until every message of reader is committed.
func consume(t *testing.T, bus *MessageBus, reader *fakeReader, want int, handler RatingsChangedHandler) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.ConsumeRatingsChanged(ctx, handler) }()

	require.Eventually(t, func() bool { return reader.Committed() == want }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMessageBus_ConsumeRatingsChanged(t *testing.T) {
	t.Run("processed events are committed", func(t *testing.T) {
		reader := newFakeReader(eventMessage(t, "e1"), eventMessage(t, "e2"))
		dlq := &fakeWriter{}
		consumed := newConsumedCounter()
		bus := newMessageBus(reader, dlq, &fakeWriter{}, testConfig(), consumed, testLogger())

		var mu sync.Mutex
		var seen []string
		consume(t, bus, reader, 2, func(_ context.Context, e models.RatingsChangedEvent) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e.EventID)
			return nil
		})

		assert.Equal(t, []string{"e1", "e2"}, seen)
		assert.Empty(t, dlq.Written())
		assert.Equal(t, 2.0, testutil.ToFloat64(consumed.WithLabelValues("processed")))
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		reader := newFakeReader(eventMessage(t, "e1"))
		dlq := &fakeWriter{}
		bus := newMessageBus(reader, dlq, &fakeWriter{}, testConfig(), nil, testLogger())

		calls := 0
		consume(t, bus, reader, 1, func(context.Context, models.RatingsChangedEvent) error {
			calls++
			if calls < 2 {
				return errors.New("database unavailable")
			}
			return nil
		})

		assert.Equal(t, 2, calls)
		assert.Empty(t, dlq.Written())
	})

	t.Run("exhausted retries go to the dead letter topic", func(t *testing.T) {
		reader := newFakeReader(eventMessage(t, "e1"))
		dlq := &fakeWriter{}
		consumed := newConsumedCounter()
		bus := newMessageBus(reader, dlq, &fakeWriter{}, testConfig(), consumed, testLogger())

		calls := 0
		consume(t, bus, reader, 1, func(context.Context, models.RatingsChangedEvent) error {
			calls++
			return errors.New("reload failed")
		})

		assert.Equal(t, 3, calls)
		written := dlq.Written()
		require.Len(t, written, 1)
		assert.Equal(t, []byte("e1"), written[0].Key)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(written[0].Value, &body))
		assert.Contains(t, body["error"], "reload failed")
		assert.Equal(t, "e1", body["original_message"].(map[string]interface{})["event_id"])
		assert.Equal(t, 1.0, testutil.ToFloat64(consumed.WithLabelValues("failed")))
	})

	t.Run("malformed payload skips the handler", func(t *testing.T) {
		reader := newFakeReader(kafka.Message{Value: []byte("not json")})
		dlq := &fakeWriter{}
		bus := newMessageBus(reader, dlq, &fakeWriter{}, testConfig(), nil, testLogger())

		called := false
		consume(t, bus, reader, 1, func(context.Context, models.RatingsChangedEvent) error {
			called = true
			return nil
		})

		assert.False(t, called)
		written := dlq.Written()
		require.Len(t, written, 1)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(written[0].Value, &body))
		assert.Equal(t, "not json", body["original_message"])
	})
}

func TestMessageBus_PublishSnapshotEvent(t *testing.T) {
	writer := &fakeWriter{}
	bus := newMessageBus(newFakeReader(), &fakeWriter{}, writer, testConfig(), nil, testLogger())

	event := NewSnapshotEvent("kafka", "v1", models.SnapshotInfo{Version: "v2", Users: 3})
	require.NoError(t, bus.PublishSnapshotEvent(context.Background(), event))

	written := writer.Written()
	require.Len(t, written, 1)
	assert.Equal(t, []byte("v2"), written[0].Key)

	var decoded models.SnapshotEvent
	require.NoError(t, json.Unmarshal(written[0].Value, &decoded))
	assert.Equal(t, event.EventID, decoded.EventID)
	assert.Equal(t, "v1", decoded.PreviousVersion)
	assert.Equal(t, 3, decoded.Snapshot.Users)
	assert.NotEmpty(t, decoded.EventID)

	t.Run("write failure is returned", func(t *testing.T) {
		failing := &fakeWriter{err: errors.New("broker down")}
		bus := newMessageBus(newFakeReader(), &fakeWriter{}, failing, testConfig(), nil, testLogger())
		assert.ErrorContains(t, bus.PublishSnapshotEvent(context.Background(), event), "broker down")
	})
}

func TestMessageBus_GetMetrics(t *testing.T) {
	bus := newMessageBus(newFakeReader(), &fakeWriter{}, &fakeWriter{}, testConfig(), nil, testLogger())
	assert.Equal(t, int64(1), bus.GetMetrics()["messages_read"])
}
