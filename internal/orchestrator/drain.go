package orchestrator

import (
	"context"
	"log"

	"github.com/waggletail/dispatch/internal/notify"
)

// ProcessMessageQueue pops one batch off the priority queue, groups the
// items by channel and dispatches each group through the sender's paced
// SendBulk path. Preferences are re-checked at dispatch time when the item
// asked for it: consent may have been revoked while the item sat in the
// queue. One item's failure never aborts the rest of the batch. Returns the
// number of items processed.
func (o *Orchestrator) ProcessMessageQueue(ctx context.Context) (int, error) {
	items, err := o.queue.PopHighest(ctx, o.cfg.DrainBatchSize)
	if err != nil {
		return 0, err
	}

	byChannel := make(map[notify.Channel][]*notify.Envelope)
	for i := range items {
		item := &items[i]
		env := item.Envelope
		if env == nil {
			log.Printf("[Orchestrator] dropping queue item %s with no envelope", item.ID)
			continue
		}

		if item.Options.RespectPreferences {
			allowed, err := o.allowedByPreferences(ctx, env)
			if err != nil {
				log.Printf("[Orchestrator] preference recheck failed for %s, dispatching anyway: %v", env.UserID, err)
			} else if !allowed {
				o.recordOutcome(ctx, env, o.suppressedOutcome(env))
				continue
			}
		}

		byChannel[env.Channel] = append(byChannel[env.Channel], env)
	}

	for ch, batch := range byChannel {
		sender, ok := o.senders[ch]
		if !ok {
			for _, env := range batch {
				o.recordOutcome(ctx, env, o.failureOutcome(env, "unconfigured_channel",
					"no sender configured for channel "+string(ch)))
			}
			continue
		}
		results := sender.SendBulk(ctx, batch)
		for j, env := range batch {
			o.recordOutcome(ctx, env, results[j])
		}
	}

	o.drained.Add(int64(len(items)))
	if depth, err := o.queue.Length(ctx); err == nil {
		observeQueueDepth(depth)
	}
	return len(items), nil
}

// PromoteScheduledSends moves due scheduled sends into the priority queue.
// A send that fails to enqueue is re-parked so it is retried next tick
// instead of lost. Returns the number promoted.
func (o *Orchestrator) PromoteScheduledSends(ctx context.Context) (int, error) {
	due, err := o.store.ClaimDueScheduledSends(ctx, o.now(), o.cfg.PromoteBatchSize)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, ss := range due {
		opts := ss.Options
		opts.ScheduledTime = nil
		if err := o.queue.Enqueue(ctx, &notify.QueueItem{Envelope: ss.Envelope, Options: opts}); err != nil {
			log.Printf("[Orchestrator] failed to enqueue scheduled send %s, re-parking: %v", ss.ID, err)
			if perr := o.store.CreateScheduledSend(ctx, ss); perr != nil {
				log.Printf("[Orchestrator] failed to re-park scheduled send %s: %v", ss.ID, perr)
			}
			continue
		}
		promoted++
		o.enqueued.Add(1)
		observeEnqueued(ss.Envelope.Channel)
	}

	if promoted > 0 {
		log.Printf("[Orchestrator] promoted %d scheduled sends into the queue", promoted)
	}
	return promoted, nil
}
