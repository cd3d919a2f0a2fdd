package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEmbeddedNATS(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{Host: "127.0.0.1", Port: -1}
	srv, err := server.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestPublishSubscribe(t *testing.T) {
	srv := startEmbeddedNATS(t)

	bus, err := NewBus(Config{URL: srv.ClientURL()})
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan Event, 1)
	_, err = bus.Subscribe(TypeRunEvent, func(e Event) {
		received <- e
	})
	require.NoError(t, err)

	bus.Publish(Event{
		Type:    TypeRunEvent,
		RunID:   "run_1",
		Payload: json.RawMessage(`{"step":"research","event":"STARTED"}`),
	})

	select {
	case e := <-received:
		assert.Equal(t, "run_1", e.RunID)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

// A nil bus must silently drop events: publishing is best-effort everywhere.
func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: TypeToolCall})
	})
}
