package eventbus

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	var received []string

	bus.Subscribe("node_started", func(eventType string, payload map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, "a:"+payload["node"].(string))
		return nil
	})
	bus.Subscribe("node_started", func(eventType string, payload map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, "b:"+payload["node"].(string))
		return nil
	})

	bus.Emit("node_started", map[string]any{"node": "phase0_ingestion"})

	require.Len(t, received, 2)
	assert.ElementsMatch(t, []string{"a:phase0_ingestion", "b:phase0_ingestion"}, received)
}

func TestBus_SubscriberErrorDoesNotStopOthers(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	delivered := 0

	bus.Subscribe("node_completed", func(string, map[string]any) error {
		return errors.New("subscriber boom")
	})
	bus.Subscribe("node_completed", func(string, map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	})

	bus.Emit("node_completed", map[string]any{})
	assert.Equal(t, 1, delivered)
}

func TestBus_WildcardSubscriber(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	var types []string

	bus.Subscribe("*", func(eventType string, _ map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, eventType)
		return nil
	})

	bus.Emit("node_started", nil)
	bus.Emit("agent_plan_generated", nil)

	assert.ElementsMatch(t, []string{"node_started", "agent_plan_generated"}, types)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(nil)

	calls := 0
	unsubscribe := bus.Subscribe("node_started", func(string, map[string]any) error {
		calls++
		return nil
	})

	bus.Emit("node_started", nil)
	unsubscribe()
	bus.Emit("node_started", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriberCount("node_started"))
}

func TestBus_EmitWithNoSubscribersIsSafe(t *testing.T) {
	bus := New(nil)
	assert.NotPanics(t, func() {
		bus.Emit("unheard", map[string]any{"k": "v"})
	})
}
