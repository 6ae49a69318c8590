package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dropsock/internal/config"
)

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
	closes    int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	r.closed = true
	return nil
}

func message(t *testing.T, offset int64, req KafkaDrop) kafka.Message {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return kafka.Message{Topic: "dropsock", Offset: offset, Value: data}
}

func TestNewKafkaDropConsumer(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		kafka   config.CommandKafkaConfig
		wantErr bool
	}{
		{"valid", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "drops", GroupID: "g"}, false},
		{"missing brokers", config.CommandKafkaConfig{Topic: "drops", GroupID: "g"}, true},
		{"missing topic", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}, true},
		{"missing group", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "drops"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewKafkaDropConsumer(config.CommandChannelConfig{Kafka: tt.kafka}, "node-1", f.handler)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 5*time.Minute, c.ttl)
			assert.NoError(t, c.Stop())
			assert.NoError(t, c.Stop())
		})
	}
}

func TestKafkaProcessMessage(t *testing.T) {
	f := newFixture(t)
	tbl := f.table(t, "default")
	c := &KafkaDropConsumer{hostname: "node-1", handler: f.handler, ttl: time.Minute}
	ctx := context.Background()

	connect(tbl, "10.0.0.1:1000", "10.0.0.2:80")
	assert.Equal(t, "executed", c.processMessage(ctx, message(t, 1, KafkaDrop{
		Target: "node-1", Timestamp: time.Now(), Pairs: "10.0.0.1:1000 10.0.0.2:80\n",
	})))
	assert.Equal(t, 0, tbl.Len())

	connect(tbl, "10.0.0.1:1001", "10.0.0.2:80")
	assert.Equal(t, "skipped", c.processMessage(ctx, message(t, 2, KafkaDrop{
		Target: "node-2", Pairs: "10.0.0.1:1001 10.0.0.2:80\n",
	})))
	assert.Equal(t, "stale", c.processMessage(ctx, message(t, 3, KafkaDrop{
		Target: "*", Timestamp: time.Now().Add(-time.Hour), Pairs: "10.0.0.1:1001 10.0.0.2:80\n",
	})))
	assert.Equal(t, 1, tbl.Len())

	assert.Equal(t, "failed", c.processMessage(ctx, message(t, 4, KafkaDrop{Context: "nope", Pairs: "x"})))
	assert.Equal(t, "invalid", c.processMessage(ctx, kafka.Message{Value: []byte("{")}))

	assert.Equal(t, "executed", c.processMessage(ctx, message(t, 5, KafkaDrop{
		Target: "*", Pairs: "10.0.0.1:1001 10.0.0.2:80\n",
	})))
	assert.Equal(t, 0, tbl.Len())
}

func TestKafkaConsumerLoop(t *testing.T) {
	f := newFixture(t)
	tbl := f.table(t, "default")
	connect(tbl, "10.0.0.1:1000", "10.0.0.2:80")

	r := &fakeReader{msgs: []kafka.Message{
		message(t, 10, KafkaDrop{Pairs: "10.0.0.1:1000 10.0.0.2:80\n"}),
		{Offset: 11, Value: []byte("garbage")},
	}}
	c := &KafkaDropConsumer{hostname: "node-1", reader: r, handler: f.handler, ttl: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.committed) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []int64{10, 11}, r.committed)
	assert.Equal(t, 0, tbl.Len())

	require.NoError(t, c.Stop())
	assert.True(t, r.closed)
}

type stubDropper struct{ err error }

func (s stubDropper) Drop(context.Context, string, DropParams) (DropResult, error) {
	return DropResult{}, s.err
}

func TestKafkaProcessMessageUsesHandler(t *testing.T) {
	c := &KafkaDropConsumer{hostname: "n", handler: stubDropper{err: errors.New("boom")}, ttl: time.Minute}
	assert.Equal(t, "failed", c.processMessage(context.Background(), message(t, 1, KafkaDrop{Pairs: "x"})))
}

// blockingDropper holds every Drop until release is closed.
type blockingDropper struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingDropper) Drop(ctx context.Context, _ string, _ DropParams) (DropResult, error) {
	close(b.entered)
	<-b.release
	return DropResult{Session: "s", Attempts: 1}, ctx.Err()
}

func TestKafkaStopDuringMessage(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{message(t, 7, KafkaDrop{Pairs: "10.0.0.1:1 10.0.0.2:2\n"})}}
	d := blockingDropper{entered: make(chan struct{}), release: make(chan struct{})}
	c := &KafkaDropConsumer{hostname: "node-1", reader: r, handler: d, ttl: time.Minute}

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	select {
	case <-d.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a message was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	close(d.release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// the in-flight message ran with a live context and was committed
	assert.Equal(t, []int64{7}, r.committed)
	assert.Equal(t, 1, r.closes)

	require.NoError(t, c.Stop())
	assert.Equal(t, 1, r.closes)
}

func TestKafkaStartAfterStop(t *testing.T) {
	r := &fakeReader{}
	c := &KafkaDropConsumer{hostname: "node-1", reader: r, handler: stubDropper{}, ttl: time.Minute}
	require.NoError(t, c.Stop())
	assert.NoError(t, c.Start(context.Background()))
}
