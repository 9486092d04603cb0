package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	closed   bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaFeedPublishes(t *testing.T) {
	writer := &recordingWriter{}
	feed := NewKafkaFeedWithWriter(writer, "execution", "test", zap.NewNop())
	account := model.MakeAccount(7, "trader")
	ctx := context.Background()

	info := model.Sequenced(model.Indexed(model.OrderInfo{ID: 3}, account), 11)
	require.NoError(t, feed.PublishOrderSubmission(ctx, info))
	report := model.Sequenced(model.Indexed(model.ExecutionReport{ID: 3, Status: model.OrderStatusNew}, account), 12)
	require.NoError(t, feed.PublishExecutionReport(ctx, report))

	require.Len(t, writer.messages, 2)
	assert.Equal(t, "7", string(writer.messages[0].Key))
	assert.Equal(t, EventOrderSubmission, header(writer.messages[0], "type"))
	assert.Equal(t, "11", header(writer.messages[0], "sequence"))
	assert.Equal(t, EventExecutionReport, header(writer.messages[1], "type"))

	var decoded model.SequencedAccountExecutionReport
	require.NoError(t, json.Unmarshal(writer.messages[1].Value, &decoded))
	assert.Equal(t, model.OrderStatusNew, decoded.Value.Value.Status)

	require.NoError(t, feed.Close())
	assert.True(t, writer.closed)
	assert.Error(t, feed.PublishExecutionReport(ctx, report))
}
