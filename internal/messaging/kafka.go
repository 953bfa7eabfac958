// Package messaging connects the service to Kafka: it consumes
// ratings-changed notifications and publishes snapshot events.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/pkg/models"
)

// RatingsChangedHandler reacts to one ratings-changed event.
type RatingsChangedHandler func(ctx context.Context, event models.RatingsChangedEvent) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type MessageBus struct {
	reader         messageReader
	dlqWriter      messageWriter
	snapshotWriter messageWriter

	ratingsTopic string
	maxRetries   int
	retryDelay   time.Duration

	consumed *prometheus.CounterVec
	logger   *logrus.Logger
}

// NewMessageBus creates the reader and writers for the configured topics.
// consumed counts processed events by outcome and may be nil.
func NewMessageBus(cfg config.KafkaConfig, consumed *prometheus.CounterVec, logger *logrus.Logger) *MessageBus {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topics.RatingsChanged,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
	})

	dlqWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.RatingsChangedDLQ,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	snapshotWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.SnapshotEvents,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}

	return newMessageBus(reader, dlqWriter, snapshotWriter, cfg, consumed, logger)
}

func newMessageBus(
	reader messageReader,
	dlqWriter, snapshotWriter messageWriter,
	cfg config.KafkaConfig,
	consumed *prometheus.CounterVec,
	logger *logrus.Logger,
) *MessageBus {
	return &MessageBus{
		reader:         reader,
		dlqWriter:      dlqWriter,
		snapshotWriter: snapshotWriter,
		ratingsTopic:   cfg.Topics.RatingsChanged,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     cfg.RetryDelay,
		consumed:       consumed,
		logger:         logger,
	}
}

// NewSnapshotEvent describes a completed snapshot swap.
func NewSnapshotEvent(trigger, previousVersion string, snapshot models.SnapshotInfo) models.SnapshotEvent {
	return models.SnapshotEvent{
		EventID:         uuid.NewString(),
		Trigger:         trigger,
		PreviousVersion: previousVersion,
		Snapshot:        snapshot,
		PublishedAt:     time.Now(),
	}
}

func (mb *MessageBus) PublishSnapshotEvent(ctx context.Context, event models.SnapshotEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.Snapshot.Version),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
			{Key: "trigger", Value: []byte(event.Trigger)},
			{Key: "timestamp", Value: []byte(event.PublishedAt.Format(time.RFC3339))},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := mb.snapshotWriter.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write snapshot event: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"event_id": event.EventID,
		"version":  event.Snapshot.Version,
		"trigger":  event.Trigger,
	}).Info("Snapshot event published")

	return nil
}

// ConsumeRatingsChanged runs handler for every ratings-changed event until
// ctx is done. Failed events are retried with exponential backoff and then
// moved to the dead letter topic. Offsets are committed once an event is
// settled either way.
func (mb *MessageBus) ConsumeRatingsChanged(ctx context.Context, handler RatingsChangedHandler) error {
	for {
		message, err := mb.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mb.logger.WithError(err).Error("Failed to read message from Kafka")
			if err := sleep(ctx, mb.retryDelay); err != nil {
				return err
			}
			continue
		}

		mb.settle(ctx, message, handler)

		if err := mb.reader.CommitMessages(ctx, message); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mb.logger.WithError(err).Warn("Failed to commit Kafka offset")
		}
	}
}

func (mb *MessageBus) settle(ctx context.Context, message kafka.Message, handler RatingsChangedHandler) {
	var event models.RatingsChangedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		mb.logger.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal ratings-changed event")
		mb.count("malformed")
		mb.deadLetter(ctx, message, err)
		return
	}

	if err := mb.processWithRetry(ctx, event, handler); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		mb.logger.WithError(err).WithField("event_id", event.EventID).Error("Failed to process event after retries")
		mb.count("failed")
		mb.deadLetter(ctx, message, err)
		return
	}

	mb.count("processed")
}

func (mb *MessageBus) processWithRetry(ctx context.Context, event models.RatingsChangedEvent, handler RatingsChangedHandler) error {
	var lastErr error
	for attempt := 0; attempt <= mb.maxRetries; attempt++ {
		if attempt > 0 {
			delay := mb.retryDelay * time.Duration(1<<uint(attempt-1))
			mb.logger.WithFields(logrus.Fields{
				"event_id": event.EventID,
				"attempt":  attempt,
				"delay":    delay,
			}).Info("Retrying event processing")

			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = handler(ctx, event)
		if lastErr == nil {
			mb.logger.WithFields(logrus.Fields{
				"event_id": event.EventID,
				"attempt":  attempt,
			}).Debug("Event processed")
			return nil
		}

		mb.logger.WithError(lastErr).WithFields(logrus.Fields{
			"event_id": event.EventID,
			"attempt":  attempt,
		}).Warn("Event processing failed")
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (mb *MessageBus) deadLetter(ctx context.Context, message kafka.Message, cause error) {
	dlqMessage := map[string]interface{}{
		"original_message": json.RawMessage(validJSONOrString(message.Value)),
		"error":            cause.Error(),
		"dlq_timestamp":    time.Now(),
	}

	payload, err := json.Marshal(dlqMessage)
	if err != nil {
		mb.logger.WithError(err).Error("Failed to marshal DLQ message")
		return
	}

	dlq := kafka.Message{
		Key:   message.Key,
		Value: payload,
		Headers: []kafka.Header{
			{Key: "original_topic", Value: []byte(mb.ratingsTopic)},
			{Key: "error", Value: []byte(cause.Error())},
		},
	}

	if err := mb.dlqWriter.WriteMessages(ctx, dlq); err != nil {
		mb.logger.WithError(err).Error("Failed to send message to DLQ")
		return
	}

	mb.logger.WithField("error", cause.Error()).Warn("Message sent to DLQ")
}

func (mb *MessageBus) count(outcome string) {
	if mb.consumed != nil {
		mb.consumed.WithLabelValues(outcome).Inc()
	}
}

func (mb *MessageBus) Close() error {
	var errs []error

	if err := mb.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
	}
	if err := mb.dlqWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close DLQ writer: %w", err))
	}
	if err := mb.snapshotWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close snapshot writer: %w", err))
	}

	return errors.Join(errs...)
}

// GetMetrics returns consumer statistics for the health endpoint.
func (mb *MessageBus) GetMetrics() map[string]interface{} {
	stats := mb.reader.Stats()
	return map[string]interface{}{
		"consumer_lag":    stats.Lag,
		"consumer_offset": stats.Offset,
		"messages_read":   stats.Messages,
		"bytes_read":      stats.Bytes,
		"rebalances":      stats.Rebalances,
		"timeouts":        stats.Timeouts,
		"errors":          stats.Errors,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// validJSONOrString keeps a JSON payload as is and quotes anything else.
func validJSONOrString(b []byte) []byte {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
