package webhook

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/waggletail/dispatch/internal/notify"
)

// Ledger is the persistence surface the ingestor needs: the dedup ledger plus
// the delivery-log status column.
type Ledger interface {
	InsertEvent(ctx context.Context, ev *notify.DeliveryEvent) (bool, error)
	MarkEventProcessed(ctx context.Context, providerEventID string) (bool, error)
	RecordEventFailure(ctx context.Context, providerEventID, errMsg string) error
	ListUnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*notify.DeliveryEvent, error)
	UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status notify.DeliveryStatus, ts time.Time) (bool, error)
}

// Ingestor applies normalized delivery events to the delivery log with
// at-most-once effect per provider event id.
type Ingestor struct {
	ledger Ledger
}

// NewIngestor creates an ingestor over the given ledger.
func NewIngestor(ledger Ledger) *Ingestor {
	return &Ingestor{ledger: ledger}
}

// Ingest records one event and advances the matching delivery-log row. A
// duplicate event id is a silent no-op. A processing failure is recorded on
// the ledger row so a retry sweep can pick it up; the event is not marked
// processed in that case.
func (in *Ingestor) Ingest(ctx context.Context, ev *notify.DeliveryEvent) error {
	fresh, err := in.ledger.InsertEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("ledger insert failed: %w", err)
	}
	if !fresh {
		log.Printf("[Webhook] duplicate event %s ignored", ev.ProviderEventID)
		return nil
	}

	matched, err := in.ledger.UpdateDeliveryStatus(ctx, ev.ProviderMessageID, ev.Status, ev.Timestamp)
	if err != nil {
		if rerr := in.ledger.RecordEventFailure(ctx, ev.ProviderEventID, err.Error()); rerr != nil {
			log.Printf("[Webhook] failed to record failure for %s: %v", ev.ProviderEventID, rerr)
		}
		return fmt.Errorf("status update failed: %w", err)
	}
	if !matched {
		// The webhook outran the delivery-log write. Leave the event
		// unprocessed; the retry sweep applies it once the log catches up.
		if rerr := in.ledger.RecordEventFailure(ctx, ev.ProviderEventID, "no matching delivery-log row"); rerr != nil {
			log.Printf("[Webhook] failed to record failure for %s: %v", ev.ProviderEventID, rerr)
		}
		return nil
	}

	if _, err := in.ledger.MarkEventProcessed(ctx, ev.ProviderEventID); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// RetryUnprocessed is the sweep behind the "leave it unprocessed" paths in
// Ingest: it re-applies events whose delivery-log row did not exist yet when
// the webhook arrived. Returns the number of events applied this pass. Events
// that still have no match get another attempt recorded and drop out of the
// sweep once they exhaust their attempt budget.
func (in *Ingestor) RetryUnprocessed(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	events, err := in.ledger.ListUnprocessedEvents(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unprocessed events: %w", err)
	}

	applied := 0
	for _, ev := range events {
		matched, err := in.ledger.UpdateDeliveryStatus(ctx, ev.ProviderMessageID, ev.Status, ev.Timestamp)
		if err != nil || !matched {
			msg := "no matching delivery-log row"
			if err != nil {
				msg = err.Error()
			}
			if rerr := in.ledger.RecordEventFailure(ctx, ev.ProviderEventID, msg); rerr != nil {
				log.Printf("[Webhook] failed to record failure for %s: %v", ev.ProviderEventID, rerr)
			}
			continue
		}
		if _, err := in.ledger.MarkEventProcessed(ctx, ev.ProviderEventID); err != nil {
			log.Printf("[Webhook] failed to mark %s processed: %v", ev.ProviderEventID, err)
			continue
		}
		applied++
	}

	if applied > 0 {
		log.Printf("[Webhook] retry sweep applied %d deferred events", applied)
	}
	return applied, nil
}

// IngestBatch applies several events, isolating failures per event.
func (in *Ingestor) IngestBatch(ctx context.Context, events []*notify.DeliveryEvent) (int, error) {
	var firstErr error
	applied := 0
	for _, ev := range events {
		if err := in.Ingest(ctx, ev); err != nil {
			log.Printf("[Webhook] failed to ingest %s: %v", ev.ProviderEventID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied++
	}
	return applied, firstErr
}
