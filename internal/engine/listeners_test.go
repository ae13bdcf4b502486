package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/message"
)

func namedListener(order *[]string, name string) MessageListener {
	return MessageListenerFunc(func(*message.Message) {
		*order = append(*order, name)
	})
}

func TestInboundRegistryLookupOrder(t *testing.T) {
	r := newInboundRegistry(zap.NewNop())
	var order []string
	r.Register("a", "orders", "new", namedListener(&order, "a"))
	r.Register("b", "orders", "new", namedListener(&order, "b"))
	r.Register("w", "orders", "", namedListener(&order, "w"))

	for _, l := range r.Lookup("orders", "new") {
		l.MessageReceived(nil)
	}
	// Exact matches in registration order, wildcard last.
	require.Equal(t, []string{"a", "b", "w"}, order)

	order = nil
	for _, l := range r.Lookup("orders", "") {
		l.MessageReceived(nil)
	}
	require.Equal(t, []string{"w"}, order)

	require.Empty(t, r.Lookup("unknown", "new"))
}

func TestInboundRegistryUnregister(t *testing.T) {
	r := newInboundRegistry(zap.NewNop())
	var order []string
	r.Register("a", "orders", "new", namedListener(&order, "a"))
	r.Register("b", "orders", "new", namedListener(&order, "b"))

	r.Unregister("a")
	r.Unregister("a") // no-op when absent
	require.Len(t, r.Lookup("orders", "new"), 1)

	r.UnregisterAll()
	require.Empty(t, r.Lookup("orders", "new"))
}

func TestInboundRegistryReRegisterMovesAddress(t *testing.T) {
	r := newInboundRegistry(zap.NewNop())
	var order []string
	r.Register("a", "orders", "new", namedListener(&order, "a1"))
	r.Register("a", "alerts", "x1", namedListener(&order, "a2"))

	require.Empty(t, r.Lookup("orders", "new"))
	require.Len(t, r.Lookup("alerts", "x1"), 1)
}

func TestObserverMapOrderAndRemoval(t *testing.T) {
	o := newObserverMap[string]()
	o.Register("x", "first")
	o.Register("y", "second")
	o.Register("x", "replaced")
	require.Equal(t, []string{"replaced", "second"}, o.Snapshot())

	o.Unregister("x")
	o.Unregister("missing")
	require.Equal(t, []string{"second"}, o.Snapshot())
}
