// Package events provides the fan-out of named core events to registered
// handlers. Delivery is best-effort and at-least-once within one process;
// a failing handler never prevents delivery to the others.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/acelab/ace/pkg/logger"
)

// Core event topics.
const (
	EventAnalysisRootNew       = "/core/analysis/root/new"
	EventAnalysisRootModified  = "/core/analysis/root/modified"
	EventAnalysisRootCompleted = "/core/analysis/root/completed"
	EventAnalysisRootExpired   = "/core/analysis/root/expired"
	EventAnalysisRootDeleted   = "/core/analysis/root/deleted"

	EventAnalysisDetailsNew      = "/core/analysis/details/new"
	EventAnalysisDetailsModified = "/core/analysis/details/modified"
	EventAnalysisDetailsDeleted  = "/core/analysis/details/deleted"

	EventAlert                   = "/core/alert/new"
	EventAlertSystemRegistered   = "/core/alert/system/registered"
	EventAlertSystemUnregistered = "/core/alert/system/unregistered"

	EventAMTNew      = "/core/module/new"
	EventAMTModified = "/core/module/modified"
	EventAMTDeleted  = "/core/module/deleted"

	EventARNew     = "/core/request/new"
	EventARDeleted = "/core/request/deleted"
	EventARExpired = "/core/request/expired"

	EventCacheNew = "/core/cache/new"
	EventCacheHit = "/core/cache/hit"

	EventConfigSet    = "/core/config/set"
	EventConfigDelete = "/core/config/delete"

	EventStorageNew     = "/core/storage/new"
	EventStorageDeleted = "/core/storage/deleted"

	EventWorkQueueNew     = "/core/work/queue/new"
	EventWorkQueueDeleted = "/core/work/queue/deleted"
	EventWorkAdd          = "/core/work/add"
	EventWorkRemove       = "/core/work/remove"
	EventWorkAssigned     = "/core/work/assigned"

	EventProcessingRequestObservable = "/core/processing/request/observable"
	EventProcessingRequestRoot       = "/core/processing/request/root"
	EventProcessingRequestResult     = "/core/processing/request/result"
)

// Event is a fired core event.
type Event struct {
	Name    string
	Payload interface{}
}

// Handler receives events it registered for. Handlers are untrusted: both
// returned errors and panics are routed to HandleException and never stop
// delivery to other handlers.
type Handler interface {
	HandleEvent(ctx context.Context, event Event) error
	HandleException(ctx context.Context, event Event, err error)
}

// Bus dispatches named events to registered handlers. Dispatch is
// synchronous within the firing goroutine, so per-topic order is preserved
// for a single firer; no ordering is guaranteed across topics.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *logger.Logger
}

// NewBus returns an empty event bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		log:      log,
	}
}

// RegisterEventHandler subscribes the handler to the named event. Duplicate
// registrations are ignored.
func (b *Bus) RegisterEventHandler(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.handlers[event] {
		if existing == handler {
			return
		}
	}
	b.handlers[event] = append(b.handlers[event], handler)
}

// RemoveEventHandler unsubscribes the handler from the given events, or from
// every event when none are named.
func (b *Bus) RemoveEventHandler(handler Handler, eventNames ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(eventNames) == 0 {
		for name := range b.handlers {
			eventNames = append(eventNames, name)
		}
	}

	for _, name := range eventNames {
		registered := b.handlers[name]
		filtered := registered[:0]
		for _, existing := range registered {
			if existing != handler {
				filtered = append(filtered, existing)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, name)
		} else {
			b.handlers[name] = filtered
		}
	}
}

// Handlers returns the handlers registered for the event.
func (b *Bus) Handlers(event string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.handlers[event]...)
}

// FireEvent delivers the event to every registered handler.
func (b *Bus) FireEvent(ctx context.Context, name string, payload interface{}) {
	event := Event{Name: name, Payload: payload}
	for _, handler := range b.Handlers(name) {
		b.deliver(ctx, handler, event)
	}
}

func (b *Bus) deliver(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("event handler panic: %v", r)
			b.log.WithField("event", event.Name).WithError(err).Error("event handler failed")
			handler.HandleException(ctx, event, err)
		}
	}()

	if err := handler.HandleEvent(ctx, event); err != nil {
		b.log.WithField("event", event.Name).WithError(err).Debug("event handler returned error")
		handler.HandleException(ctx, event, err)
	}
}

// HandlerFunc wraps a function as a Handler, discarding exceptions. The
// returned value is comparable, so it can be removed again.
func HandlerFunc(fn func(ctx context.Context, event Event) error) Handler {
	return &handlerFunc{fn: fn}
}

type handlerFunc struct {
	fn func(ctx context.Context, event Event) error
}

func (h *handlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return h.fn(ctx, event)
}

func (h *handlerFunc) HandleException(context.Context, Event, error) {}
