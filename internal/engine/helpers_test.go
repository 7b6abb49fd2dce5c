package engine

import (
	"context"

	"github.com/acelab/ace/internal/events"
)

func eventCounter(count *int) events.Handler {
	return events.HandlerFunc(func(context.Context, events.Event) error {
		*count++
		return nil
	})
}
