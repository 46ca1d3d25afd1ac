package infrastructure

import (
	"context"
	"log"

	"github.com/allconnect/order-system/shared/events"
)

var _ events.Publisher = (*AuditedPublisher)(nil)

// AuditedPublisher decorates a Publisher, appending every published event
// to the event store so order lifecycle history stays queryable after the
// messages leave the bus. The append is best-effort: a broken audit store
// must not fail the publish.
type AuditedPublisher struct {
	next  events.Publisher
	store events.EventStore
}

// NewAuditedPublisher creates a publisher that audits through the store.
func NewAuditedPublisher(next events.Publisher, store events.EventStore) *AuditedPublisher {
	return &AuditedPublisher{next: next, store: store}
}

// Publish publishes through the wrapped publisher, then records the events.
func (p *AuditedPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if err := p.next.Publish(ctx, evts...); err != nil {
		return err
	}

	if err := p.store.Append(ctx, evts...); err != nil {
		log.Printf("audit: failed to record %d events: %v", len(evts), err)
	}
	return nil
}
