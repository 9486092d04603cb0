// Package messaging republishes sequenced order submissions and execution reports to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types carried in the "type" header.
const (
	EventOrderSubmission = "order_submission"
	EventExecutionReport = "execution_report"
)

// Feed receives every sequenced value the servlet stores.
type Feed interface {
	PublishOrderSubmission(ctx context.Context, info model.SequencedAccountOrderInfo) error
	PublishExecutionReport(ctx context.Context, report model.SequencedAccountExecutionReport) error
	Close() error
}

// NopFeed discards everything.
type NopFeed struct{}

func (NopFeed) PublishOrderSubmission(context.Context, model.SequencedAccountOrderInfo) error {
	return nil
}

func (NopFeed) PublishExecutionReport(context.Context, model.SequencedAccountExecutionReport) error {
	return nil
}

func (NopFeed) Close() error { return nil }

// MessageWriter is the part of kafka.Writer used by KafkaFeed.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaFeedConfig contains configuration options for KafkaFeed
type KafkaFeedConfig struct {
	Brokers      []string
	Topic        string
	Source       string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
	Compression  string
	RetryMax     int
}

// DefaultKafkaFeedConfig returns the configuration used for the execution feed
func DefaultKafkaFeedConfig(brokers []string, topic string) KafkaFeedConfig {
	return KafkaFeedConfig{
		Brokers:      brokers,
		Topic:        topic,
		Source:       "execution-server",
		BatchSize:    100,
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: time.Second,
		RequiredAcks: 1,
		Compression:  "snappy",
		RetryMax:     3,
	}
}

// KafkaFeed is a Feed writing JSON messages keyed by account, so that every value of one
// account lands on the same partition in sequence order.
type KafkaFeed struct {
	writer MessageWriter
	topic  string
	source string
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewKafkaFeed creates a KafkaFeed writing to the configured brokers.
func NewKafkaFeed(config KafkaFeedConfig, logger *zap.Logger) *KafkaFeed {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		MaxAttempts:  config.RetryMax,
	}
	switch config.Compression {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	default:
		writer.Compression = kafka.Snappy
	}
	return NewKafkaFeedWithWriter(writer, config.Topic, config.Source, logger)
}

// NewKafkaFeedWithWriter creates a KafkaFeed on top of an existing writer.
func NewKafkaFeedWithWriter(writer MessageWriter, topic, source string, logger *zap.Logger) *KafkaFeed {
	return &KafkaFeed{
		writer: writer,
		topic:  topic,
		source: source,
		logger: logger.Named("kafka_feed"),
	}
}

// PublishOrderSubmission implements Feed.
func (f *KafkaFeed) PublishOrderSubmission(ctx context.Context, info model.SequencedAccountOrderInfo) error {
	return f.publish(ctx, EventOrderSubmission, info.Value.Index, info.Sequence, info)
}

// PublishExecutionReport implements Feed.
func (f *KafkaFeed) PublishExecutionReport(ctx context.Context, report model.SequencedAccountExecutionReport) error {
	return f.publish(ctx, EventExecutionReport, report.Value.Index, report.Sequence, report)
}

func (f *KafkaFeed) publish(ctx context.Context, eventType string, account model.DirectoryEntry, sequence model.Sequence, value any) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return fmt.Errorf("kafka feed is closed")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", eventType, err)
	}
	now := time.Now()
	message := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(account.ID), 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(f.source)},
			{Key: "type", Value: []byte(eventType)},
			{Key: "sequence", Value: []byte(strconv.FormatUint(uint64(sequence), 10))},
			{Key: "timestamp", Value: []byte(now.UTC().Format(time.RFC3339Nano))},
		},
		Time: now,
	}
	if err := f.writer.WriteMessages(ctx, message); err != nil {
		f.logger.Error("Failed to publish execution event to Kafka",
			zap.String("topic", f.topic),
			zap.String("type", eventType),
			zap.Uint32("account_id", account.ID),
			zap.Error(err))
		return fmt.Errorf("failed to publish event to kafka topic %s: %w", f.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (f *KafkaFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.writer.Close()
}
