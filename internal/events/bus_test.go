package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	events     []Event
	exceptions []error
	fail       error
	panic      bool
}

func (h *recordingHandler) HandleEvent(_ context.Context, event Event) error {
	if h.panic {
		panic("handler exploded")
	}
	h.events = append(h.events, event)
	return h.fail
}

func (h *recordingHandler) HandleException(_ context.Context, _ Event, err error) {
	h.exceptions = append(h.exceptions, err)
}

func TestFireEventDelivers(t *testing.T) {
	bus := NewBus(nil)
	handler := &recordingHandler{}
	bus.RegisterEventHandler("/core/test", handler)

	bus.FireEvent(context.Background(), "/core/test", "payload")
	require.Len(t, handler.events, 1)
	require.Equal(t, "/core/test", handler.events[0].Name)
	require.Equal(t, "payload", handler.events[0].Payload)

	// unsubscribed topics are not delivered
	bus.FireEvent(context.Background(), "/core/other", nil)
	require.Len(t, handler.events, 1)
}

func TestHandlerFailureDoesNotStopOthers(t *testing.T) {
	bus := NewBus(nil)
	failing := &recordingHandler{fail: errors.New("nope")}
	panicking := &recordingHandler{panic: true}
	healthy := &recordingHandler{}

	bus.RegisterEventHandler("/core/test", failing)
	bus.RegisterEventHandler("/core/test", panicking)
	bus.RegisterEventHandler("/core/test", healthy)

	bus.FireEvent(context.Background(), "/core/test", nil)

	require.Len(t, healthy.events, 1)
	require.Len(t, failing.exceptions, 1)
	require.Len(t, panicking.exceptions, 1)
}

func TestRemoveEventHandler(t *testing.T) {
	bus := NewBus(nil)
	handler := &recordingHandler{}
	bus.RegisterEventHandler("/core/a", handler)
	bus.RegisterEventHandler("/core/b", handler)

	// remove from one topic only
	bus.RemoveEventHandler(handler, "/core/a")
	bus.FireEvent(context.Background(), "/core/a", nil)
	bus.FireEvent(context.Background(), "/core/b", nil)
	require.Len(t, handler.events, 1)

	// remove from everything
	bus.RemoveEventHandler(handler)
	bus.FireEvent(context.Background(), "/core/b", nil)
	require.Len(t, handler.events, 1)
}

func TestDuplicateRegistrationIgnored(t *testing.T) {
	bus := NewBus(nil)
	handler := &recordingHandler{}
	bus.RegisterEventHandler("/core/test", handler)
	bus.RegisterEventHandler("/core/test", handler)

	bus.FireEvent(context.Background(), "/core/test", nil)
	require.Len(t, handler.events, 1)
}
