package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nganga-moses/overwatch-cloud/internal/events"
)

const changePayload = `{"customer_id":"cust-1","version":3,"entity_type":"venue","entity_id":"venue-1","operation":"upsert","workstation_id":"ws-a","updated_at":"2026-03-01T12:00:00Z","recorded_at":"2026-03-01T12:00:01Z","snapshot":{"name":"Depot"}}`

func TestProcessorCommitsOnSuccess(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{changeRecord(42, changePayload, "cust-1")}}
	handler := &stubHandler{}

	err := newTestProcessor(reader, handler).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, events.ChangeCommittedType, handler.last.EventType)
	require.Equal(t, "cust-1", handler.last.TenantID)
	require.Equal(t, "cust-1", handler.last.Key)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, changePayload, string(handler.last.Payload))
}

func TestProcessorRetriesHandlerUntilSuccess(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{changeRecord(7, changePayload, "cust-1")}}
	handler := &stubHandler{failures: 2, err: errors.New("database unavailable")}

	err := newTestProcessor(reader, handler).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
}

func TestProcessorStopsRetryingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	reader := &stubReader{messages: []kafka.Message{changeRecord(7, changePayload, "cust-1")}}
	handler := &stubHandler{failures: -1, err: errors.New("database unavailable")}

	err := newTestProcessor(reader, handler).Run(ctx)
	require.NoError(t, err)

	require.GreaterOrEqual(t, handler.calls, 1)
	require.Zero(t, reader.commitCalls)
}

func TestProcessorSkipsRejectedRecord(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{changeRecord(7, changePayload, "cust-1")}}
	handler := &stubHandler{failures: -1, err: errors.Join(ErrSkipRecord, errors.New("bad payload"))}

	err := newTestProcessor(reader, handler).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
}

func TestProcessorCommitsUndecodableRecord(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{{Topic: "sync_changes", Value: []byte{0, 1}}}}
	handler := &stubHandler{}

	err := newTestProcessor(reader, handler).Run(context.Background())
	require.NoError(t, err)

	require.Zero(t, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
}

func TestDecodeMessageRejectsUnknownMagicByte(t *testing.T) {
	msg := changeRecord(1, changePayload, "cust-1")
	msg.Value[0] = 1

	_, err := decodeMessage(msg)
	require.ErrorContains(t, err, "magic byte")
}

func TestDecodeChange(t *testing.T) {
	msg := Message{EventType: events.ChangeCommittedType, TenantID: "cust-1", Payload: []byte(changePayload)}
	change, err := decodeChange(msg)
	require.NoError(t, err)
	require.EqualValues(t, 3, change.Version)
	require.Equal(t, "venue-1", change.EntityID)

	msg.TenantID = "cust-2"
	_, err = decodeChange(msg)
	require.ErrorContains(t, err, "does not match")

	msg.EventType = "alert.raised"
	_, err = decodeChange(msg)
	require.ErrorIs(t, err, ErrUnexpectedEvent)
}

func newTestProcessor(reader Reader, handler Handler) *Processor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewProcessor(reader, handler,
		WithLogger(logger),
		WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
	)
}

func changeRecord(schemaID uint32, payload, tenant string) kafka.Message {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], schemaID)
	copy(value[5:], payload)

	return kafka.Message{
		Topic:     "sync_changes",
		Partition: 0,
		Offset:    10,
		Key:       []byte(tenant),
		Time:      time.Now().UTC(),
		Value:     value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.ChangeCommittedType)},
			{Key: "tenant_id", Value: []byte(tenant)},
			{Key: "schema_subject", Value: []byte("sync_changes-value")},
		},
	}
}

// stubReader serves messages once, then reports cancellation.
type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

// stubHandler fails its first failures calls with err; a negative count fails forever.
type stubHandler struct {
	calls    int
	failures int
	err      error
	last     Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	if h.err != nil && (h.failures < 0 || h.calls <= h.failures) {
		return h.err
	}
	return nil
}
