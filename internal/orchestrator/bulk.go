package orchestrator

import (
	"context"
	"log"

	"github.com/waggletail/dispatch/internal/notify"
)

// SendBulkMessages accepts a batch of envelopes. Envelopes suppressed by
// preferences never reach the queue; the rest are enqueued in batches with a
// pause between them so a large blast does not flood the queue in one burst,
// or parked as scheduled sends when a future ScheduledTime is set. The
// returned slice has one acceptance receipt per input envelope in input
// order; provider results land in the delivery log when the queue drains. A
// preference lookup failure fails that envelope alone, never the whole batch.
func (o *Orchestrator) SendBulkMessages(ctx context.Context, envs []*notify.Envelope, opts notify.DispatchOptions) ([]*notify.DeliveryOutcome, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = o.cfg.DefaultBatchSize
	}

	outcomes := make([]*notify.DeliveryOutcome, len(envs))

	// Validate and preference-filter up front so batching only sees
	// envelopes that will actually be accepted.
	acceptable := make([]int, 0, len(envs))
	for i, env := range envs {
		if err := env.Validate(); err != nil {
			outcomes[i] = o.failureOutcome(env, "invalid_envelope", err.Error())
			o.recordOutcome(ctx, env, outcomes[i])
			continue
		}
		if _, ok := o.senders[env.Channel]; !ok {
			outcomes[i] = o.failureOutcome(env, "unconfigured_channel",
				"no sender configured for channel "+string(env.Channel))
			o.recordOutcome(ctx, env, outcomes[i])
			continue
		}
		if opts.RespectPreferences {
			allowed, err := o.allowedByPreferences(ctx, env)
			if err != nil {
				outcomes[i] = o.failureOutcome(env, "preference_error", err.Error())
				o.recordOutcome(ctx, env, outcomes[i])
				continue
			}
			if !allowed {
				outcomes[i] = o.suppressedOutcome(env)
				o.recordOutcome(ctx, env, outcomes[i])
				continue
			}
		}
		acceptable = append(acceptable, i)
	}

	enqueued, parked := 0, 0
	for start := 0; start < len(acceptable); start += batchSize {
		end := start + batchSize
		if end > len(acceptable) {
			end = len(acceptable)
		}
		if start > 0 {
			o.pause(ctx, o.cfg.BatchPause)
		}
		for _, i := range acceptable[start:end] {
			out, err := o.accept(ctx, envs[i], opts)
			if err != nil {
				outcomes[i] = o.failureOutcome(envs[i], "accept_error", err.Error())
				o.recordOutcome(ctx, envs[i], outcomes[i])
				continue
			}
			outcomes[i] = out
			if out.Scheduled {
				parked++
			} else {
				enqueued++
			}
		}
	}

	if len(acceptable) > 0 {
		log.Printf("[Orchestrator] bulk accept: %d envelopes, %d enqueued, %d scheduled, %d suppressed or invalid",
			len(envs), enqueued, parked, len(envs)-len(acceptable))
	}
	return outcomes, nil
}
