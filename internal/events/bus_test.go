package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeByType(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeTransactionAdded)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeBatchClosed, "emulator", nil)
	bus.Emit(TypeTransactionAdded, "emulator", map[string]interface{}{"tranNo": "000001"})

	select {
	case e := <-ch:
		assert.Equal(t, TypeTransactionAdded, e.Type)
		assert.Equal(t, "000001", e.Data["tranNo"])
		assert.NotEmpty(t, e.ID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Emit(TypeStoreReset, "emulator", nil)
	bus.Emit(TypeBatchClosed, "emulator", nil)
	assert.Len(t, ch, 2)

	bus.Unsubscribe(ch)
	_, open := <-ch
	for open {
		_, open = <-ch
	}
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeStatusChanged)
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			bus.Emit(TypeStatusChanged, "emulator", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber channel")
	}
}

func TestSSEFormat(t *testing.T) {
	e := NewEvent(TypeBatchClosed, "emulator", map[string]interface{}{"batchId": "B0001"})
	block, err := e.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(block), "event: "+TypeBatchClosed)
	assert.Contains(t, string(block), "B0001")
}
