package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/nganga-moses/overwatch-cloud/internal/events"
)

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, subject)
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}

func changeMessage(eventID int64, customerID string) Message {
	route := events.Catalog[events.ChangeCommittedType]
	return Message{
		EventID:       eventID,
		TenantID:      customerID,
		AggregateType: "venue",
		AggregateID:   "venue-1",
		EventType:     events.ChangeCommittedType,
		Topic:         route.Topic,
		SchemaSubject: route.SchemaSubject,
		PartitionKey:  customerID,
		Payload:       json.RawMessage(`{"version":1}`),
	}
}

func TestDeliverFramesMessagesAndCachesSchemaIDs(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	d := NewDispatcher(nil, producer, registry, time.Second, 10)

	require.NoError(t, d.deliver(context.Background(), []Message{
		changeMessage(1, "cust-a"),
		changeMessage(2, "cust-b"),
	}))

	require.Len(t, producer.writes, 1)
	batch := producer.writes[0]
	require.Equal(t, "sync_changes", batch.topic)
	require.Len(t, batch.messages, 2)
	require.Equal(t, []string{"sync_changes-value"}, registry.calls)

	first := batch.messages[0]
	require.Equal(t, "cust-a", string(first.Key))
	require.Equal(t, byte(0), first.Value[0])
	require.EqualValues(t, 42, binary.BigEndian.Uint32(first.Value[1:5]))
	require.JSONEq(t, `{"version":1}`, string(first.Value[5:]))

	headers := map[string]string{}
	for _, h := range first.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, events.ChangeCommittedType, headers["event_type"])
	require.Equal(t, "cust-a", headers["tenant_id"])
	require.Equal(t, "sync_changes-value", headers["schema_subject"])

	require.NoError(t, d.deliver(context.Background(), []Message{changeMessage(3, "cust-a")}))
	require.Len(t, registry.calls, 1)
}

func TestDeliverFailsWithoutSchemaMetadata(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{}
	d := NewDispatcher(nil, producer, registry, time.Second, 10)

	msg := changeMessage(1, "cust-a")
	msg.EventType = "sync.unknown"
	err := d.deliver(context.Background(), []Message{msg})
	require.ErrorContains(t, err, "no schema metadata for event_type=sync.unknown")
	require.Empty(t, producer.writes)
	require.Empty(t, registry.calls)
}

func TestDeliverSurfacesProducerAndRegistryErrors(t *testing.T) {
	d := NewDispatcher(nil, &stubProducer{err: errors.New("broker down")}, &stubRegistry{}, time.Second, 10)
	require.ErrorContains(t, d.deliver(context.Background(), []Message{changeMessage(1, "c")}), "broker down")

	d = NewDispatcher(nil, &stubProducer{}, &stubRegistry{err: errors.New("registry down")}, time.Second, 10)
	require.ErrorContains(t, d.deliver(context.Background(), []Message{changeMessage(1, "c")}), "registry down")
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	m := NewDLQManager(nil, 3, time.Minute, nil)
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 2*time.Minute, m.backoffDelay(2))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, time.Hour, m.backoffDelay(40))

	defaults := NewDLQManager(nil, 0, 0, nil)
	require.Equal(t, 5, defaults.maxRetries)
	require.Equal(t, time.Minute, defaults.baseDelay)
}

func TestKafkaProducerReusesWriterPerTopic(t *testing.T) {
	p := NewKafkaProducer([]string{"localhost:9092"})
	first := p.writerFor("sync_changes")
	require.Same(t, first, p.writerFor("sync_changes"))
	require.NotSame(t, first, p.writerFor("other"))
	require.IsType(t, &kafka.Hash{}, first.Balancer)
	require.NoError(t, p.Close())
	require.Empty(t, p.writers)
}
