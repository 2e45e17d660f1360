// Package events tests for the in-memory event bus
package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe("StageStarted", func(e Event) { got = append(got, e) })

	bus.Publish(StageStarted{RunID: "run_1", Stage: "code"})
	bus.Publish(RunCompleted{RunID: "run_1", Status: "success"})

	require.Len(t, got, 1)
	assert.Equal(t, "code", got[0].(StageStarted).Stage)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	count := 0
	unsubscribe := bus.Subscribe("RunStarted", func(Event) { count++ })

	bus.Publish(RunStarted{RunID: "run_1"})
	unsubscribe()
	bus.Publish(RunStarted{RunID: "run_2"})

	assert.Equal(t, 1, count)
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()

	var types []string
	bus.SubscribeAll(func(e Event) { types = append(types, e.EventType()) })

	bus.Publish(RunStarted{RunID: "run_1"})
	bus.Publish(StageStarted{RunID: "run_1", Stage: "code"})
	bus.Publish(StageCompleted{RunID: "run_1", Stage: "code", Status: "success"})
	bus.Publish(RunCompleted{RunID: "run_1", Status: "success"})

	assert.Equal(t, []string{"RunStarted", "StageStarted", "StageCompleted", "RunCompleted"}, types)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	// One misbehaving subscriber never blocks delivery to the others.
	bus := NewBus()

	bus.Subscribe("RunStarted", func(Event) { panic("bad subscriber") })
	delivered := false
	bus.Subscribe("RunStarted", func(Event) { delivered = true })

	assert.NotPanics(t, func() {
		bus.Publish(RunStarted{RunID: "run_1"})
	})
	assert.True(t, delivered)
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Publish(StageCompleted{RunID: "run_1", Stage: "code", Status: "error", Err: "boom", Duration: time.Second})
	})
}

func TestConcurrentPublish(t *testing.T) {
	// Fan-out branches publish from multiple goroutines.
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe("StageCompleted", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(StageCompleted{RunID: "run_1", Stage: "code", Status: "success"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
}
