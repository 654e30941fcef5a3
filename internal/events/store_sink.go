package events

import (
	"context"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// StoreSink appends events to the persisted operation event log.
type StoreSink struct {
	events repo.EventRepository
}

func NewStoreSink(events repo.EventRepository) *StoreSink {
	if events == nil {
		return nil
	}
	return &StoreSink{events: events}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Deliver(ctx context.Context, event domain.Event) error {
	_, err := s.events.AppendEvent(context.WithoutCancel(ctx), event)
	return err
}
