package infrastructure

import (
	"context"
	"sync"

	"github.com/allconnect/order-system/shared/events"
	"github.com/allconnect/order-system/shared/models"
)

var _ events.EventStore = (*MemoryEventStore)(nil)

// MemoryEventStore implements events.EventStore in process memory. Used for
// local runs and tests.
type MemoryEventStore struct {
	mu      sync.RWMutex
	streams map[models.ID][]*events.Event
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{streams: make(map[models.ID][]*events.Event)}
}

// Append appends events to their aggregates' streams in argument order.
func (es *MemoryEventStore) Append(ctx context.Context, evts ...*events.Event) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	for _, event := range evts {
		es.streams[event.AggregateID] = append(es.streams[event.AggregateID], event.Clone())
	}
	return nil
}

// GetEvents returns the aggregate's stream in append order.
func (es *MemoryEventStore) GetEvents(ctx context.Context, aggregateID models.ID) ([]*events.Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	stream := es.streams[aggregateID]
	out := make([]*events.Event, len(stream))
	for i, event := range stream {
		out[i] = event.Clone()
	}
	return out, nil
}
