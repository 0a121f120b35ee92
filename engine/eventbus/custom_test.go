package eventbus

import (
	"context"
	"testing"
)

func TestCustomBusDeliversInRegistrationOrder(t *testing.T) {
	c := NewCustomBus()
	var order []string
	c.On("ping", "a", func(_ context.Context, _ []byte) { order = append(order, "a") })
	c.On("ping", "b", func(_ context.Context, _ []byte) { order = append(order, "b") })

	c.Emit(context.Background(), "ping", []byte(`{}`))

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v, want [a b]", order)
	}
}

func TestCustomBusEmitWithNoSubscribersIsNoOp(t *testing.T) {
	c := NewCustomBus()
	c.Emit(context.Background(), "nobody-listening", []byte(`{}`)) // must not panic
}

func TestCustomBusRemoveOwnedByDropsOnlyThatExtension(t *testing.T) {
	c := NewCustomBus()
	var fired []string
	c.On("ping", "a", func(_ context.Context, _ []byte) { fired = append(fired, "a") })
	c.On("ping", "b", func(_ context.Context, _ []byte) { fired = append(fired, "b") })

	c.RemoveOwnedBy("a")
	c.Emit(context.Background(), "ping", []byte(`{}`))

	if len(fired) != 1 || fired[0] != "b" {
		t.Errorf("fired = %v, want [b]", fired)
	}
}
