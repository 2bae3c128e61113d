package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/pkg/models"
)

func TestPublishDeliversInOrder(t *testing.T) {
	s := NewStream(200, nil)
	ch, cancel := s.Subscribe("wo-1")
	defer cancel()

	for i := 0; i < 5; i++ {
		s.Publish("wo-1", models.EventProgressUpdate, map[string]any{"seq": i})
	}

	for i := 0; i < 5; i++ {
		ev := <-ch
		assert.Equal(t, i, ev.Data["seq"])
		assert.Equal(t, "wo-1", ev.WorkOrderID)
		assert.NotEmpty(t, ev.ID)
	}
}

func TestGlobalSubscriberSeesAllWorkOrders(t *testing.T) {
	s := NewStream(200, nil)
	ch, cancel := s.Subscribe(GlobalChannel)
	defer cancel()

	s.Publish("wo-1", models.EventPhaseStart, nil)
	s.Publish("wo-2", models.EventPhaseStart, nil)

	first := <-ch
	second := <-ch
	assert.Equal(t, "wo-1", first.WorkOrderID)
	assert.Equal(t, "wo-2", second.WorkOrderID)
}

func TestLateSubscriberMissesHistoryUnlessRequested(t *testing.T) {
	s := NewStream(200, nil)
	s.Publish("wo-1", models.EventPhaseStart, nil)

	ch, cancel := s.Subscribe("wo-1")
	defer cancel()
	select {
	case <-ch:
		t.Fatal("late subscriber must not receive prior events")
	default:
	}

	hist := s.History("wo-1")
	require.Len(t, hist, 1)
	assert.Equal(t, models.EventPhaseStart, hist[0].Type)
}

func TestHistoryBounded(t *testing.T) {
	s := NewStream(3, nil)
	for i := 0; i < 10; i++ {
		s.Publish("wo-1", models.EventProgressUpdate, map[string]any{"seq": i})
	}

	hist := s.History("wo-1")
	require.Len(t, hist, 3)
	// FIFO eviction keeps the newest events.
	assert.Equal(t, 7, hist[0].Data["seq"])
	assert.Equal(t, 9, hist[2].Data["seq"])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := NewStream(200, nil)
	ch, cancel := s.Subscribe("wo-1")
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Cancelling twice is safe.
	cancel()
}

func TestLaggingSubscriberDoesNotBlockPublisher(t *testing.T) {
	s := NewStream(10, nil)
	_, cancel := s.Subscribe("wo-1")
	defer cancel()

	// Publish far beyond the subscriber buffer without consuming;
	// Publish must never block.
	for i := 0; i < subscriberBuffer+50; i++ {
		s.Publish("wo-1", models.EventPodMessage, map[string]any{"seq": fmt.Sprint(i)})
	}
}

func TestShutdown(t *testing.T) {
	s := NewStream(10, nil)
	ch, _ := s.Subscribe("wo-1")
	s.Shutdown()

	_, open := <-ch
	assert.False(t, open)

	// Publish after shutdown is a no-op.
	s.Publish("wo-1", models.EventError, nil)
}
