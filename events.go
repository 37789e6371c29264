package fieldshift

import (
	"context"

	"github.com/autom8ter/machine/v4"
)

// EventType classifies a migration progress event
type EventType string

const (
	// EventPageFetched fires after each page of documents is fetched
	EventPageFetched EventType = "page.fetched"
	// EventDocumentRenamed fires after a document's field is renamed (or would be, in dry-run)
	EventDocumentRenamed EventType = "document.renamed"
	// EventDocumentSkipped fires when a document does not hold the source path
	EventDocumentSkipped EventType = "document.skipped"
	// EventDocumentFailed fires when a document's write failed or its retries were exhausted
	EventDocumentFailed EventType = "document.failed"
)

const eventChannel = "migration.events"

// Event is a migration progress event
type Event struct {
	Type      EventType `json:"type"`
	DocID     string    `json:"doc_id,omitempty"`
	Partition string    `json:"partition,omitempty"`
	// Fetched is the number of documents fetched so far (page events)
	Fetched int64 `json:"fetched,omitempty"`
	// Total is the table's document count at the start of the run
	Total int64 `json:"total,omitempty"`
	// Conflict marks a rename that overwrote a different destination value
	Conflict bool  `json:"conflict,omitempty"`
	Err      error `json:"err,omitempty"`
}

// Stream broadcasts messages to subscribers
type Stream[T any] interface {
	Broadcast(ctx context.Context, channel string, msg T)
	Pull(ctx context.Context, channel string, fn func(T) (bool, error)) error
}

type defaultStream[T any] struct {
	machine machine.Machine
}

func newStream[T any](m machine.Machine) Stream[T] {
	return defaultStream[T]{machine: m}
}

func (d defaultStream[T]) Broadcast(ctx context.Context, channel string, msg T) {
	d.machine.Publish(ctx, machine.Message{
		Channel: channel,
		Body:    msg,
	})
}

// Pull blocks until the subscriber goroutine is attaching, so an event
// broadcast right after Pull returns is not dropped.
func (d defaultStream[T]) Pull(ctx context.Context, channel string, fn func(T) (bool, error)) error {
	ready := make(chan struct{})
	d.machine.Go(ctx, func(ctx context.Context) error {
		close(ready)
		err := d.machine.Subscribe(ctx, channel, func(ctx context.Context, msg machine.Message) (bool, error) {
			return fn(msg.Body.(T))
		})
		return err
	})
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
