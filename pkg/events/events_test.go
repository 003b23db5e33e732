package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/troy-samuels/employer-brand-os-sub003/pkg/stream"
)

var testAt = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []SecurityEvent
	err    error
}

func (r *recordingSink) Emit(_ context.Context, evt SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func (r *recordingSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingSink) countType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

func TestNewAssignsIDAndUTC(t *testing.T) {
	local := testAt.In(time.FixedZone("x", -7200))
	a := New(local, "198.51.100.1", "signature_mismatch", SeverityLow, 1, nil)
	b := New(local, "198.51.100.1", "signature_mismatch", SeverityLow, 1, nil)
	require.NotEmpty(t, a.ID)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, time.UTC, a.At.Location())
	require.True(t, a.At.Equal(testAt))
}

func TestMultiEmitsToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("sink down")}
	panicky := SinkFunc(func(context.Context, SecurityEvent) error { panic("boom") })

	err := Multi{ok, nil, bad, panicky}.Emit(context.Background(), New(testAt, "ip", "t", SeverityLow, 1, nil))
	require.Error(t, err)
	require.Contains(t, err.Error(), "sink down")
	require.Contains(t, err.Error(), "panic")
	require.Equal(t, 1, ok.Len())
	require.Equal(t, 1, bad.Len())
}

func TestEmitterSwallowsFailures(t *testing.T) {
	var buf syncBuffer
	e := NewEmitter(SinkFunc(func(context.Context, SecurityEvent) error { panic("boom") }), 4, 0, zerolog.New(&buf))
	require.NotPanics(t, func() { e.Emit(New(testAt, "ip", "ip_blocked", SeverityHigh, 20, nil)) })
	e.Close()
	require.Contains(t, buf.String(), "security event emission failed")

	var nilEmitter *Emitter
	require.NotPanics(t, func() { nilEmitter.Emit(SecurityEvent{}) })
}

func TestEmitterDeliversInOrderAndDrainsOnClose(t *testing.T) {
	rec := &recordingSink{}
	e := NewEmitter(rec, 16, time.Second, zerolog.Nop())
	for i := 1; i <= 5; i++ {
		e.Emit(New(testAt, "ip", "t", SeverityLow, i, nil))
	}
	e.Close()
	e.Close()
	require.Equal(t, 5, rec.Len())
	for i, evt := range rec.events {
		require.Equal(t, i+1, evt.Count)
	}
	e.Emit(SecurityEvent{})
	require.EqualValues(t, 1, e.Dropped())
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	e := NewEmitter(SinkFunc(func(context.Context, SecurityEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}), 1, time.Second, zerolog.Nop())
	e.Emit(SecurityEvent{})
	<-started
	e.Emit(SecurityEvent{})
	e.Emit(SecurityEvent{})
	require.EqualValues(t, 1, e.Dropped())
	close(release)
	e.Close()
}

func TestEmitterAppliesDeadline(t *testing.T) {
	var deadline time.Time
	e := NewEmitter(SinkFunc(func(ctx context.Context, _ SecurityEvent) error {
		deadline, _ = ctx.Deadline()
		return nil
	}), 1, 50*time.Millisecond, zerolog.Nop())
	e.Emit(SecurityEvent{})
	e.Close()
	require.False(t, deadline.IsZero())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogSinkWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: zerolog.New(&buf)}
	evt := New(testAt, "203.0.113.9", "ip_blocked", SeverityHigh, 20, map[string]any{"path": "/v1/facts"})
	require.NoError(t, sink.Emit(context.Background(), evt))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "warn", line["level"])
	require.Equal(t, "ip_blocked", line["event_type"])
	require.Equal(t, "203.0.113.9", line["ip"])
	require.Equal(t, "/v1/facts", line["path"])
	require.EqualValues(t, 20, line["count"])
}

type fakeAuditDB struct {
	sql  string
	args []any
	err  error
}

func (f *fakeAuditDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestAuditSinkInsertsEvent(t *testing.T) {
	db := &fakeAuditDB{}
	sink := &AuditSink{DB: db}
	evt := New(testAt, "203.0.113.9", "replay_detected", SeverityMedium, 7, map[string]any{"reason": "replay_detected"})
	require.NoError(t, sink.Emit(context.Background(), evt))
	require.Contains(t, db.sql, "INSERT INTO security_events")
	require.Equal(t, evt.ID, db.args[0])
	require.Equal(t, "203.0.113.9", db.args[1])
	require.Equal(t, "medium", db.args[3])
	require.JSONEq(t, `{"reason":"replay_detected"}`, string(db.args[5].([]byte)))
}

func TestAuditSinkHashesIPWithSalt(t *testing.T) {
	db := &fakeAuditDB{}
	sink := &AuditSink{DB: db, HashSalt: []byte("pepper")}
	require.NoError(t, sink.Emit(context.Background(), New(testAt, "203.0.113.9", "t", SeverityLow, 1, nil)))
	stored := db.args[1].(string)
	require.True(t, strings.HasPrefix(stored, "sha256:"))
	require.NotContains(t, stored, "203.0.113.9")
	require.Equal(t, hashIP("203.0.113.9", []byte("pepper")), stored)
}

func TestAuditSinkPropagatesError(t *testing.T) {
	sink := &AuditSink{DB: &fakeAuditDB{err: errors.New("db down")}}
	require.Error(t, sink.Emit(context.Background(), New(testAt, "ip", "t", SeverityLow, 1, nil)))
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkPublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	evt := New(testAt, "203.0.113.9", "ip_blocked", SeverityHigh, 20, nil)
	require.NoError(t, sink.Emit(context.Background(), evt))
	require.Len(t, w.msgs, 1)
	require.Equal(t, "203.0.113.9", string(w.msgs[0].Key))

	var decoded SecurityEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	require.Equal(t, evt.ID, decoded.ID)
	require.Equal(t, SeverityHigh, decoded.Severity)

	require.NoError(t, sink.Close())
	require.True(t, w.closed)
}

func TestNewKafkaSinkValidatesConfig(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Brokers: []string{" "}, Topic: "security"})
	require.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)
	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "security"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var nilSink *KafkaSink
	require.Error(t, nilSink.Emit(context.Background(), SecurityEvent{}))
}

func TestHubSinkPublishesFrame(t *testing.T) {
	hub := stream.NewHub()
	ch := hub.Subscribe(1)
	defer hub.Unsubscribe(ch)

	require.NoError(t, HubSink{Hub: hub}.Emit(context.Background(), New(testAt, "ip", "ip_blocked", SeverityHigh, 20, nil)))
	f := <-ch
	require.Equal(t, "security_event", f.Type)
	var decoded SecurityEvent
	require.NoError(t, json.Unmarshal(f.Data, &decoded))
	require.Equal(t, "ip_blocked", decoded.Type)

	require.NoError(t, HubSink{}.Emit(context.Background(), SecurityEvent{}))
}

func TestThrottledDropsOverBudget(t *testing.T) {
	rec := &recordingSink{}
	th := NewThrottled(rec, 1, 3)
	for i := 0; i < 10; i++ {
		require.NoError(t, th.Emit(context.Background(), SecurityEvent{}))
	}
	require.Equal(t, 3, rec.Len())
	require.EqualValues(t, 7, th.Dropped())
}

func TestThrottledNeverDropsHighSeverity(t *testing.T) {
	rec := &recordingSink{}
	th := NewThrottled(rec, 5, 5)
	for i := 0; i < 10; i++ {
		require.NoError(t, th.Emit(context.Background(), SecurityEvent{Type: "auth_failure", Severity: SeverityLow}))
	}
	require.NoError(t, th.Emit(context.Background(), SecurityEvent{Type: "ip_blocked", Severity: SeverityHigh}))
	require.NoError(t, th.Emit(context.Background(), SecurityEvent{Type: "ip_blocked", Severity: SeverityCritical}))

	require.Equal(t, 7, rec.Len())
	require.EqualValues(t, 5, th.Dropped())
	require.Equal(t, 2, rec.countType("ip_blocked"))
}
