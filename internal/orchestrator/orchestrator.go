// Package orchestrator coordinates message delivery across the per-channel
// senders: single sends, bulk fan-out, campaign broadcasts, queue draining
// and scheduled-send promotion.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/waggletail/dispatch/internal/channel"
	"github.com/waggletail/dispatch/internal/notify"
)

// Queue is the pending-send holding area the orchestrator drains.
type Queue interface {
	Enqueue(ctx context.Context, item *notify.QueueItem) error
	PopHighest(ctx context.Context, n int) ([]notify.QueueItem, error)
	Length(ctx context.Context) (int64, error)
}

// Store is the persistence surface the orchestrator needs. The concrete
// implementation lives in internal/store; tests inject fakes.
type Store interface {
	AppendOutcome(ctx context.Context, userID, campaignID string, out *notify.DeliveryOutcome) error
	GetPreferences(ctx context.Context, userID string) (*notify.UserPreferences, error)
	PruneTokens(ctx context.Context, userID string, tokens []string) (int, error)

	CreateScheduledSend(ctx context.Context, ss *notify.ScheduledSend) error
	ClaimDueScheduledSends(ctx context.Context, now time.Time, limit int) ([]*notify.ScheduledSend, error)
	CancelScheduledSend(ctx context.Context, id uuid.UUID) (bool, error)

	GetCampaign(ctx context.Context, id uuid.UUID) (*notify.Campaign, error)
	ListDueCampaigns(ctx context.Context, now time.Time) ([]*notify.Campaign, error)
	MarkCampaignRunning(ctx context.Context, id uuid.UUID) (bool, error)
	FinishCampaign(ctx context.Context, id uuid.UUID, status notify.CampaignStatus, errMsg string) (bool, error)

	ResolveAudience(ctx context.Context, spec notify.AudienceSpec) ([]notify.Recipient, error)
	LoadUserProfile(ctx context.Context, userID string) (*notify.UserData, error)
}

// Config holds the orchestrator's dispatch knobs.
type Config struct {
	// DefaultBatchSize chunks bulk sends; 0 means 100.
	DefaultBatchSize int
	// BatchPause is the wait between bulk batches.
	BatchPause time.Duration
	// DrainBatchSize is how many queue items one drain tick processes;
	// 0 means 10.
	DrainBatchSize int
	// PromoteBatchSize caps scheduled sends claimed per promoter tick;
	// 0 means 100.
	PromoteBatchSize int
}

func (c *Config) applyDefaults() {
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 100
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = 10
	}
	if c.PromoteBatchSize <= 0 {
		c.PromoteBatchSize = 100
	}
}

// Stats are the orchestrator's monotonically increasing counters.
type Stats struct {
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Suppressed int64 `json:"suppressed"`
	Enqueued   int64 `json:"enqueued"`
	Drained    int64 `json:"drained"`
	Scheduled  int64 `json:"scheduled"`
}

// Orchestrator routes envelopes to channel senders, enforcing preferences
// and persisting every attempt to the delivery log.
type Orchestrator struct {
	senders   map[notify.Channel]channel.Sender
	queue     Queue
	store     Store
	templates *notify.TemplateEngine
	contexts  *notify.ContextBuilder
	cfg       Config

	sent       atomic.Int64
	failed     atomic.Int64
	suppressed atomic.Int64
	enqueued   atomic.Int64
	drained    atomic.Int64
	scheduled  atomic.Int64

	// now is injectable for deterministic tests.
	now func() time.Time
	// pause is injectable so bulk tests don't sleep.
	pause func(ctx context.Context, d time.Duration)
}

// New creates an orchestrator over the given senders and infrastructure.
func New(senders []channel.Sender, q Queue, st Store, te *notify.TemplateEngine, cb *notify.ContextBuilder, cfg Config) *Orchestrator {
	cfg.applyDefaults()

	byChannel := make(map[notify.Channel]channel.Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}

	return &Orchestrator{
		senders:   byChannel,
		queue:     q,
		store:     st,
		templates: te,
		contexts:  cb,
		cfg:       cfg,
		now:       time.Now,
		pause:     sleepCtx,
	}
}

// SetClock overrides the time source. Tests only.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SendMessage accepts one envelope: it is validated, checked against the
// user's preferences, then either parked as a scheduled send or enqueued for
// the drain worker. The returned outcome is an acceptance receipt, not a
// provider result; the provider result lands in the delivery log when the
// queue drains.
func (o *Orchestrator) SendMessage(ctx context.Context, env *notify.Envelope, opts notify.DispatchOptions) (*notify.DeliveryOutcome, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if _, ok := o.senders[env.Channel]; !ok {
		return nil, fmt.Errorf("no sender configured for channel %s", env.Channel)
	}

	if opts.RespectPreferences {
		allowed, err := o.allowedByPreferences(ctx, env)
		if err != nil {
			return nil, err
		}
		if !allowed {
			out := o.suppressedOutcome(env)
			o.recordOutcome(ctx, env, out)
			return out, nil
		}
	}

	return o.accept(ctx, env, opts)
}

// accept parks the envelope as a scheduled send when a future ScheduledTime
// is set, otherwise enqueues it for the drain worker. Returns the acceptance
// receipt.
func (o *Orchestrator) accept(ctx context.Context, env *notify.Envelope, opts notify.DispatchOptions) (*notify.DeliveryOutcome, error) {
	if opts.ScheduledTime != nil && opts.ScheduledTime.After(o.now()) {
		ss := &notify.ScheduledSend{
			Envelope: env,
			Options:  opts,
			SendAt:   *opts.ScheduledTime,
		}
		if err := o.store.CreateScheduledSend(ctx, ss); err != nil {
			return nil, err
		}
		o.scheduled.Add(1)
		log.Printf("[Orchestrator] scheduled %s send for user %s at %s",
			env.Channel, env.UserID, opts.ScheduledTime.Format(time.RFC3339))
		return &notify.DeliveryOutcome{
			Success:      true,
			Provider:     providerLabel(env.Channel),
			Channel:      env.Channel,
			Timestamp:    o.now(),
			Scheduled:    true,
			ScheduleTime: opts.ScheduledTime,
		}, nil
	}

	if err := o.queue.Enqueue(ctx, &notify.QueueItem{Envelope: env, Options: opts}); err != nil {
		return nil, err
	}
	o.enqueued.Add(1)
	observeEnqueued(env.Channel)

	return &notify.DeliveryOutcome{
		Success:   true,
		Provider:  providerLabel(env.Channel),
		Channel:   env.Channel,
		Timestamp: o.now(),
	}, nil
}

// CancelScheduledSend cancels a pending scheduled send. Returns false when
// the send was already promoted or never existed.
func (o *Orchestrator) CancelScheduledSend(ctx context.Context, id uuid.UUID) (bool, error) {
	return o.store.CancelScheduledSend(ctx, id)
}

// dispatch sends one envelope through its channel sender right now and
// records the outcome. A sender error still yields a failure outcome so the
// delivery log sees every attempt.
func (o *Orchestrator) dispatch(ctx context.Context, env *notify.Envelope) *notify.DeliveryOutcome {
	sender, ok := o.senders[env.Channel]
	if !ok {
		return o.failureOutcome(env, "unconfigured_channel",
			fmt.Sprintf("no sender configured for channel %s", env.Channel))
	}

	out, err := sender.Send(ctx, env)
	if err != nil {
		out = o.failureOutcome(env, "send_error", err.Error())
	}

	o.recordOutcome(ctx, env, out)
	return out
}

// recordOutcome updates counters and metrics and appends the attempt to the
// delivery log. Dead push tokens reported on the outcome are pruned here.
func (o *Orchestrator) recordOutcome(ctx context.Context, env *notify.Envelope, out *notify.DeliveryOutcome) {
	switch {
	case out.Success:
		o.sent.Add(1)
		observeSent(env.Channel)
	case out.ErrorCode == codeSuppressed:
		o.suppressed.Add(1)
		observeSuppressed(env.Channel)
	default:
		o.failed.Add(1)
		observeFailed(env.Channel)
	}

	if err := o.store.AppendOutcome(ctx, env.UserID, env.CampaignID, out); err != nil {
		log.Printf("[Orchestrator] failed to log outcome for user %s: %v", env.UserID, err)
	}

	if len(out.InvalidTokens) > 0 {
		if _, err := o.store.PruneTokens(ctx, env.UserID, out.InvalidTokens); err != nil {
			log.Printf("[Orchestrator] failed to prune tokens for user %s: %v", env.UserID, err)
		}
	}
}

func (o *Orchestrator) allowedByPreferences(ctx context.Context, env *notify.Envelope) (bool, error) {
	prefs, err := o.store.GetPreferences(ctx, env.UserID)
	if err != nil {
		return false, fmt.Errorf("preference lookup failed: %w", err)
	}
	return notify.Allowed(env.Channel, env, prefs, o.now()), nil
}

const codeSuppressed = "suppressed"

func (o *Orchestrator) suppressedOutcome(env *notify.Envelope) *notify.DeliveryOutcome {
	return &notify.DeliveryOutcome{
		Success:   false,
		Provider:  providerLabel(env.Channel),
		Channel:   env.Channel,
		Error:     "suppressed by user preferences",
		ErrorCode: codeSuppressed,
		Permanent: true,
		Timestamp: o.now(),
	}
}

func (o *Orchestrator) failureOutcome(env *notify.Envelope, code, msg string) *notify.DeliveryOutcome {
	return &notify.DeliveryOutcome{
		Success:   false,
		Provider:  providerLabel(env.Channel),
		Channel:   env.Channel,
		Error:     msg,
		ErrorCode: code,
		Timestamp: o.now(),
	}
}

// providerLabel is the delivery-log provider tag for a channel.
func providerLabel(ch notify.Channel) string {
	return string(ch) + "-channel"
}

// GetStats snapshots the counters.
func (o *Orchestrator) GetStats() Stats {
	return Stats{
		Sent:       o.sent.Load(),
		Failed:     o.failed.Load(),
		Suppressed: o.suppressed.Load(),
		Enqueued:   o.enqueued.Load(),
		Drained:    o.drained.Load(),
		Scheduled:  o.scheduled.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
