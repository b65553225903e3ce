package event

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubscribeReceivesRunEventsInOrder(t *testing.T) {
	b := NewBroadcaster(8, nil)
	defer b.Close()

	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	b.Publish(Event{RunID: "run-1", Type: TypeStarted})
	b.Publish(Event{RunID: "run-2", Type: TypeStarted}) // other run, invisible
	b.Publish(Event{RunID: "run-1", Type: TypeStepStarted})
	b.Publish(Event{RunID: "run-1", Type: TypeRunCompleted})

	var got []Type
	for len(got) < 3 {
		select {
		case ev := <-ch:
			assert.Equal(t, "run-1", ev.RunID)
			assert.False(t, ev.Timestamp.IsZero())
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []Type{TypeStarted, TypeStepStarted, TypeRunCompleted}, got)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(2, nil)
	defer b.Close()

	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{RunID: "run-1", Type: TypePartialOutput})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.LessOrEqual(t, len(ch), 2)
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBroadcaster(4, nil)
	defer b.Close()

	ch, cancel := b.Subscribe("run-1")
	cancel()
	cancel() // second cancel is a no-op

	_, open := <-ch
	assert.False(t, open)

	// Publishing to a run with no subscribers must not panic.
	b.Publish(Event{RunID: "run-1", Type: TypeStarted})
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(4, nil)

	ch1, _ := b.Subscribe("run-1")
	ch2, _ := b.Subscribe("run-2")
	b.Close()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)

	// Subscribing after close yields a closed channel.
	ch3, cancel := b.Subscribe("run-3")
	defer cancel()
	_, open = <-ch3
	assert.False(t, open)
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSBridgePublishesToRunSubject(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	bridge := NewNATSBridge(nc, "runs", zap.NewNop())

	msgs, cancel, err := bridge.SubscribeRun("run-9")
	require.NoError(t, err)
	defer cancel()

	b := NewBroadcaster(8, bridge)
	defer b.Close()
	b.Publish(Event{RunID: "run-9", Type: TypeValidatorResult, Payload: map[string]int{"score": 92}})

	select {
	case msg := <-msgs:
		assert.Equal(t, "runs.run-9.validator_result", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "run-9", ev.RunID)
		assert.Equal(t, TypeValidatorResult, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received from NATS")
	}
}
