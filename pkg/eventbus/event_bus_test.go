package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trilhacare/trilha/pkg/channels/gochannel"
	"github.com/trilhacare/trilha/pkg/eventbus"
	"github.com/trilhacare/trilha/pkg/events"
)

func newTestBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub := gochannel.CreateTestChannel(watermill.NopLogger{})

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.ExecutionStepCompleted, 1)

	bus.Handle(events.ExecutionStepCompletedEvent, func(_ context.Context, event any) error {
		step, ok := event.(*events.ExecutionStepCompleted)
		require.True(t, ok)

		received <- step

		return nil
	})

	require.NoError(t, bus.Subscribe(ctx))

	published := events.ExecutionStepCompleted{
		BaseEvent: events.BaseEvent{
			ID:          bus.GenerateID(),
			Type:        events.ExecutionStepCompletedEvent,
			Timestamp:   time.Now().UTC(),
			FlowID:      "flow-1",
			ExecutionID: "exec-1",
			PatientID:   "pat-1",
		},
		NodeID:         "peso",
		NextNodeID:     "altura",
		CompletedSteps: 1,
		Progress:       25,
	}

	require.NoError(t, bus.Publish(ctx, "exec-1", published))

	select {
	case got := <-received:
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, "peso", got.NodeID)
		assert.Equal(t, 25, got.Progress)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_UnhandledTypesAreAcked(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.ExecutionCancelled, 1)

	bus.Handle(events.ExecutionCancelledEvent, func(_ context.Context, event any) error {
		cancelled, ok := event.(*events.ExecutionCancelled)
		require.True(t, ok)

		received <- cancelled

		return nil
	})

	require.NoError(t, bus.Subscribe(ctx))

	// no handler registered for this one; it must not wedge the stream
	started := events.ExecutionStarted{
		BaseEvent: events.BaseEvent{Type: events.ExecutionStartedEvent, ExecutionID: "exec-1"},
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", started))

	cancelledEvent := events.ExecutionCancelled{
		BaseEvent: events.BaseEvent{Type: events.ExecutionCancelledEvent, ExecutionID: "exec-1"},
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", cancelledEvent))

	select {
	case got := <-received:
		assert.Equal(t, "exec-1", got.ExecutionID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
