package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggletail/dispatch/internal/channel"
	"github.com/waggletail/dispatch/internal/notify"
)

// ---- fakes ----

type fakeSender struct {
	ch      notify.Channel
	mu      sync.Mutex
	sent    []*notify.Envelope
	batches []int
	failFor map[string]bool // userID -> fail
	invalid []string        // tokens reported dead on every send
}

func newFakeSender(ch notify.Channel) *fakeSender {
	return &fakeSender{ch: ch, failFor: map[string]bool{}}
}

func (f *fakeSender) Channel() notify.Channel { return f.ch }

func (f *fakeSender) Send(ctx context.Context, env *notify.Envelope) (*notify.DeliveryOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)

	if f.failFor[env.UserID] {
		return &notify.DeliveryOutcome{
			Success: false, Provider: string(f.ch) + "-channel", Channel: f.ch,
			Error: "provider rejected", ErrorCode: "provider_error", Timestamp: time.Now(),
		}, nil
	}
	out := &notify.DeliveryOutcome{
		Success: true, Provider: string(f.ch) + "-channel", Channel: f.ch,
		ProviderMessageID: fmt.Sprintf("%s-%d", f.ch, len(f.sent)), Timestamp: time.Now(),
	}
	out.InvalidTokens = f.invalid
	return out, nil
}

func (f *fakeSender) SendBulk(ctx context.Context, envs []*notify.Envelope) []*notify.DeliveryOutcome {
	f.mu.Lock()
	f.batches = append(f.batches, len(envs))
	f.mu.Unlock()

	outs := make([]*notify.DeliveryOutcome, 0, len(envs))
	for _, env := range envs {
		out, _ := f.Send(ctx, env)
		outs = append(outs, out)
	}
	return outs
}

func (f *fakeSender) ValidateRecipient(address string) channel.ValidationResult {
	return channel.ValidationResult{Valid: true, Normalized: address}
}

type fakeQueue struct {
	mu    sync.Mutex
	items []notify.QueueItem
}

func (q *fakeQueue) Enqueue(ctx context.Context, item *notify.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, *item)
	return nil
}

func (q *fakeQueue) PopHighest(ctx context.Context, n int) ([]notify.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	out := q.items[:n]
	q.items = q.items[n:]
	return out, nil
}

func (q *fakeQueue) Length(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

type loggedOutcome struct {
	userID     string
	campaignID string
	out        *notify.DeliveryOutcome
}

type fakeStore struct {
	mu          sync.Mutex
	prefs       map[string]*notify.UserPreferences
	prefsErr    map[string]error
	outcomes    []loggedOutcome
	scheduled   []*notify.ScheduledSend
	pruned      map[string][]string
	campaigns   map[uuid.UUID]*notify.Campaign
	audience    []notify.Recipient
	audienceErr error
	profiles    map[string]*notify.UserData
	finishes    []notify.CampaignStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prefs:     map[string]*notify.UserPreferences{},
		prefsErr:  map[string]error{},
		pruned:    map[string][]string{},
		campaigns: map[uuid.UUID]*notify.Campaign{},
		profiles:  map[string]*notify.UserData{},
	}
}

func (s *fakeStore) AppendOutcome(ctx context.Context, userID, campaignID string, out *notify.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, loggedOutcome{userID, campaignID, out})
	return nil
}

func (s *fakeStore) GetPreferences(ctx context.Context, userID string) (*notify.UserPreferences, error) {
	if err := s.prefsErr[userID]; err != nil {
		return nil, err
	}
	return s.prefs[userID], nil
}

func (s *fakeStore) PruneTokens(ctx context.Context, userID string, tokens []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned[userID] = append(s.pruned[userID], tokens...)
	return len(tokens), nil
}

func (s *fakeStore) CreateScheduledSend(ctx context.Context, ss *notify.ScheduledSend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss.ID == uuid.Nil {
		ss.ID = uuid.New()
	}
	s.scheduled = append(s.scheduled, ss)
	return nil
}

func (s *fakeStore) ClaimDueScheduledSends(ctx context.Context, now time.Time, limit int) ([]*notify.ScheduledSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due, rest []*notify.ScheduledSend
	for _, ss := range s.scheduled {
		if !ss.SendAt.After(now) && len(due) < limit {
			due = append(due, ss)
		} else {
			rest = append(rest, ss)
		}
	}
	s.scheduled = rest
	return due, nil
}

func (s *fakeStore) CancelScheduledSend(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ss := range s.scheduled {
		if ss.ID == id {
			s.scheduled = append(s.scheduled[:i], s.scheduled[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GetCampaign(ctx context.Context, id uuid.UUID) (*notify.Campaign, error) {
	return s.campaigns[id], nil
}

func (s *fakeStore) ListDueCampaigns(ctx context.Context, now time.Time) ([]*notify.Campaign, error) {
	var out []*notify.Campaign
	for _, c := range s.campaigns {
		if c.Status == notify.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkCampaignRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	c := s.campaigns[id]
	if c == nil || (c.Status != notify.CampaignDraft && c.Status != notify.CampaignScheduled) {
		return false, nil
	}
	c.Status = notify.CampaignRunning
	return true, nil
}

func (s *fakeStore) FinishCampaign(ctx context.Context, id uuid.UUID, status notify.CampaignStatus, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[id]
	if c == nil || c.Status.Terminal() {
		return false, nil
	}
	c.Status = status
	c.Error = errMsg
	s.finishes = append(s.finishes, status)
	return true, nil
}

func (s *fakeStore) ResolveAudience(ctx context.Context, spec notify.AudienceSpec) ([]notify.Recipient, error) {
	if s.audienceErr != nil {
		return nil, s.audienceErr
	}
	return s.audience, nil
}

func (s *fakeStore) LoadUserProfile(ctx context.Context, userID string) (*notify.UserData, error) {
	return s.profiles[userID], nil
}

// ---- helpers ----

func newTestOrchestrator(senders ...channel.Sender) (*Orchestrator, *fakeQueue, *fakeStore) {
	q := &fakeQueue{}
	st := newFakeStore()
	te := notify.NewTemplateEngine()
	cb := notify.NewContextBuilder(notify.CompanyInfo{Name: "WaggleTail", WebsiteURL: "https://waggletail.com"})
	o := New(senders, q, st, te, cb, Config{})
	o.pause = func(ctx context.Context, d time.Duration) {}
	return o, q, st
}

func testEmailEnvelope(userID string) *notify.Envelope {
	return &notify.Envelope{
		UserID:   userID,
		Channel:  notify.ChannelEmail,
		Category: notify.CategoryTransactional,
		Email:    &notify.EmailPayload{To: userID + "@example.com", Subject: "hi", TextBody: "hello"},
	}
}

func pushDisabledPrefs(userID string) *notify.UserPreferences {
	return &notify.UserPreferences{
		UserID: userID,
		Channels: map[notify.Channel]*notify.ChannelPreference{
			notify.ChannelPush: {Enabled: false},
		},
	}
}

// ---- tests ----

func TestSendMessageEnqueuesWithReceipt(t *testing.T) {
	o, q, _ := newTestOrchestrator(newFakeSender(notify.ChannelEmail))

	out, err := o.SendMessage(context.Background(), testEmailEnvelope("u1"), notify.DispatchOptions{})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "email-channel", out.Provider)

	n, _ := q.Length(context.Background())
	assert.EqualValues(t, 1, n)
}

func TestSendMessageRejectsInvalidEnvelope(t *testing.T) {
	o, _, _ := newTestOrchestrator(newFakeSender(notify.ChannelEmail))

	_, err := o.SendMessage(context.Background(), &notify.Envelope{
		Channel: notify.ChannelEmail, Category: notify.CategoryNotification,
	}, notify.DispatchOptions{})
	assert.Error(t, err)
}

func TestSendMessageDisabledPushNeverSucceeds(t *testing.T) {
	sender := newFakeSender(notify.ChannelPush)
	o, q, st := newTestOrchestrator(sender)
	st.prefs["u1"] = pushDisabledPrefs("u1")

	for _, cat := range []notify.Category{
		notify.CategoryTransactional, notify.CategoryPromotional, notify.CategoryNotification,
	} {
		env := &notify.Envelope{
			UserID:   "u1",
			Channel:  notify.ChannelPush,
			Category: cat,
			Push:     &notify.PushPayload{Token: "tok-aaaaaaaaaaaaaaaa", Title: "t", Body: "b"},
		}
		out, err := o.SendMessage(context.Background(), env, notify.DispatchOptions{RespectPreferences: true})
		require.NoError(t, err)
		assert.False(t, out.Success, "category %s must be suppressed", cat)
		assert.Equal(t, codeSuppressed, out.ErrorCode)
	}

	assert.Empty(t, sender.sent, "no suppressed message may reach the provider")
	n, _ := q.Length(context.Background())
	assert.Zero(t, n)
}

func TestSendMessageScheduledParksInstead(t *testing.T) {
	o, q, st := newTestOrchestrator(newFakeSender(notify.ChannelEmail))

	at := time.Now().Add(time.Hour)
	out, err := o.SendMessage(context.Background(), testEmailEnvelope("u1"),
		notify.DispatchOptions{ScheduledTime: &at})
	require.NoError(t, err)

	assert.True(t, out.Scheduled)
	require.NotNil(t, out.ScheduleTime)
	assert.Len(t, st.scheduled, 1)

	n, _ := q.Length(context.Background())
	assert.Zero(t, n, "scheduled sends stay out of the queue until due")
}

func TestCancelScheduledSend(t *testing.T) {
	o, _, st := newTestOrchestrator(newFakeSender(notify.ChannelEmail))

	at := time.Now().Add(time.Hour)
	_, err := o.SendMessage(context.Background(), testEmailEnvelope("u1"),
		notify.DispatchOptions{ScheduledTime: &at})
	require.NoError(t, err)

	ok, err := o.CancelScheduledSend(context.Background(), st.scheduled[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = o.CancelScheduledSend(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromoteScheduledSends(t *testing.T) {
	o, q, _ := newTestOrchestrator(newFakeSender(notify.ChannelEmail))

	future := time.Now().Add(time.Hour)
	_, err := o.SendMessage(context.Background(), testEmailEnvelope("u1"), notify.DispatchOptions{ScheduledTime: &future})
	require.NoError(t, err)

	// Nothing is due yet.
	promoted, err := o.PromoteScheduledSends(context.Background())
	require.NoError(t, err)
	assert.Zero(t, promoted)

	// Jump past the send time; the promoter moves it into the queue.
	o.SetClock(func() time.Time { return future.Add(time.Minute) })
	promoted, err = o.PromoteScheduledSends(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	n, _ := q.Length(context.Background())
	assert.EqualValues(t, 1, n)
}

func TestSendBulkMessagesEnqueuesInBatches(t *testing.T) {
	sender := newFakeSender(notify.ChannelEmail)
	o, q, _ := newTestOrchestrator(sender)

	// Snapshot the queue depth at each inter-batch pause so the batch
	// boundaries are observable.
	var depthsAtPause []int64
	o.pause = func(ctx context.Context, d time.Duration) {
		n, _ := q.Length(ctx)
		depthsAtPause = append(depthsAtPause, n)
	}

	envs := []*notify.Envelope{
		testEmailEnvelope("u1"), testEmailEnvelope("u2"), testEmailEnvelope("u3"),
	}
	outs, err := o.SendBulkMessages(context.Background(), envs, notify.DispatchOptions{BatchSize: 2})
	require.NoError(t, err)

	require.Len(t, outs, 3)
	for _, out := range outs {
		assert.True(t, out.Success)
	}

	n, _ := q.Length(context.Background())
	assert.EqualValues(t, 3, n, "bulk accept enqueues every envelope")
	assert.Empty(t, sender.sent, "nothing reaches a provider until the queue drains")
	assert.Equal(t, []int64{2}, depthsAtPause, "3 envelopes at batch size 2 enqueue as [2,1] with one pause between")
}

func TestSendBulkMessagesScheduledParksEverything(t *testing.T) {
	sender := newFakeSender(notify.ChannelEmail)
	o, q, st := newTestOrchestrator(sender)

	at := time.Now().Add(2 * time.Hour)
	envs := []*notify.Envelope{
		testEmailEnvelope("u1"), testEmailEnvelope("u2"), testEmailEnvelope("u3"),
	}
	outs, err := o.SendBulkMessages(context.Background(), envs,
		notify.DispatchOptions{BatchSize: 2, ScheduledTime: &at})
	require.NoError(t, err)

	require.Len(t, outs, 3)
	for _, out := range outs {
		assert.True(t, out.Success)
		assert.True(t, out.Scheduled)
	}
	assert.Len(t, st.scheduled, 3, "future sends park in the scheduled store")

	n, _ := q.Length(context.Background())
	assert.Zero(t, n, "scheduled sends stay out of the queue until due")
	assert.Empty(t, sender.sent, "nothing reaches a provider before the send time")
}

func TestSendBulkMessagesSuppressedSkipQueue(t *testing.T) {
	sender := newFakeSender(notify.ChannelPush)
	o, q, st := newTestOrchestrator(sender)
	st.prefs["blocked"] = pushDisabledPrefs("blocked")

	pushEnv := func(userID string) *notify.Envelope {
		return &notify.Envelope{
			UserID: userID, Channel: notify.ChannelPush, Category: notify.CategoryNotification,
			Push: &notify.PushPayload{Token: "tok-aaaaaaaaaaaaaaaa", Title: "t", Body: "b"},
		}
	}

	outs, err := o.SendBulkMessages(context.Background(),
		[]*notify.Envelope{pushEnv("ok"), pushEnv("blocked")},
		notify.DispatchOptions{RespectPreferences: true})
	require.NoError(t, err)

	require.Len(t, outs, 2)
	assert.True(t, outs[0].Success)
	assert.False(t, outs[1].Success)
	assert.Equal(t, codeSuppressed, outs[1].ErrorCode)

	n, _ := q.Length(context.Background())
	assert.EqualValues(t, 1, n, "suppressed envelopes never reach the queue")
}

func TestSendBulkMessagesPreferenceErrorFailsOneEnvelope(t *testing.T) {
	sender := newFakeSender(notify.ChannelEmail)
	o, q, st := newTestOrchestrator(sender)
	st.prefsErr["u2"] = fmt.Errorf("preference store down")

	envs := []*notify.Envelope{
		testEmailEnvelope("u1"), testEmailEnvelope("u2"), testEmailEnvelope("u3"),
	}
	outs, err := o.SendBulkMessages(context.Background(), envs,
		notify.DispatchOptions{RespectPreferences: true})
	require.NoError(t, err)

	require.Len(t, outs, 3)
	assert.True(t, outs[0].Success)
	require.NotNil(t, outs[1])
	assert.False(t, outs[1].Success)
	assert.Equal(t, "preference_error", outs[1].ErrorCode)
	assert.True(t, outs[2].Success)

	n, _ := q.Length(context.Background())
	assert.EqualValues(t, 2, n, "only the failing envelope stays out of the queue")
}

func TestProcessMessageQueueDispatchesAndLogs(t *testing.T) {
	sender := newFakeSender(notify.ChannelEmail)
	sender.failFor["bad"] = true
	o, _, st := newTestOrchestrator(sender)

	for _, u := range []string{"u1", "bad", "u2"} {
		_, err := o.SendMessage(context.Background(), testEmailEnvelope(u), notify.DispatchOptions{})
		require.NoError(t, err)
	}

	n, err := o.ProcessMessageQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, sender.sent, 3, "one failing item must not block the rest")
	assert.Equal(t, []int{3}, sender.batches, "the drain dispatches each channel group as one paced batch")
	assert.Len(t, st.outcomes, 3)

	stats := o.GetStats()
	assert.EqualValues(t, 2, stats.Sent)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestProcessMessageQueueRechecksPreferences(t *testing.T) {
	sender := newFakeSender(notify.ChannelPush)
	o, _, st := newTestOrchestrator(sender)

	env := &notify.Envelope{
		UserID: "u1", Channel: notify.ChannelPush, Category: notify.CategoryNotification,
		Push: &notify.PushPayload{Token: "tok-aaaaaaaaaaaaaaaa", Title: "t", Body: "b"},
	}
	_, err := o.SendMessage(context.Background(), env, notify.DispatchOptions{RespectPreferences: true})
	require.NoError(t, err)

	// Consent revoked while the item sat in the queue.
	st.prefs["u1"] = pushDisabledPrefs("u1")

	_, err = o.ProcessMessageQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
}

func TestProcessMessageQueuePrunesDeadTokens(t *testing.T) {
	sender := newFakeSender(notify.ChannelPush)
	sender.invalid = []string{"dead-token-1"}
	o, _, st := newTestOrchestrator(sender)

	env := &notify.Envelope{
		UserID: "u1", Channel: notify.ChannelPush, Category: notify.CategoryNotification,
		Push: &notify.PushPayload{Tokens: []string{"dead-token-1", "live-token-2"}, Title: "t", Body: "b"},
	}
	_, err := o.SendMessage(context.Background(), env, notify.DispatchOptions{})
	require.NoError(t, err)

	_, err = o.ProcessMessageQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dead-token-1"}, st.pruned["u1"])
}

func draftCampaign(st *fakeStore, content map[notify.Channel]*notify.ChannelContent) *notify.Campaign {
	c := &notify.Campaign{
		ID:       uuid.New(),
		Name:     "Spring kibble sale",
		Status:   notify.CampaignDraft,
		Audience: notify.AudienceSpec{AllUsers: true},
		Content:  content,
	}
	st.campaigns[c.ID] = c
	return c
}

func TestSendCampaignEmailAudience(t *testing.T) {
	sender := newFakeSender(notify.ChannelEmail)
	o, _, st := newTestOrchestrator(sender)

	st.audience = []notify.Recipient{
		{UserID: "u1", FirstName: "Mario", Email: "mario@example.com"},
		{UserID: "u2", FirstName: "Luigi", Email: "luigi@example.com"},
	}
	st.profiles["u1"] = &notify.UserData{UserID: "u1", FirstName: "Mario"}
	st.profiles["u2"] = &notify.UserData{UserID: "u2", FirstName: "Luigi"}

	c := draftCampaign(st, map[notify.Channel]*notify.ChannelContent{
		notify.ChannelEmail: {Subject: "Hi {{user.firstName}}", Body: "<p>Deals for {{user.firstName}}</p>"},
	})

	result, err := o.SendCampaign(context.Background(), c.ID)
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.Len(t, result.Results, 2)
	for _, out := range result.Results {
		assert.True(t, out.Success)
		assert.Equal(t, "email-channel", out.Provider)
	}
	assert.Equal(t, 2, result.Stats.Sent)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "Hi Mario", sender.sent[0].Email.Subject)
	assert.Equal(t, "<p>Deals for Luigi</p>", sender.sent[1].Email.HTMLBody)

	assert.Equal(t, notify.CampaignCompleted, st.campaigns[c.ID].Status)
	assert.Equal(t, []notify.CampaignStatus{notify.CampaignCompleted}, st.finishes,
		"terminal status must be written exactly once")
}

func TestSendCampaignTerminalIsRejected(t *testing.T) {
	o, _, st := newTestOrchestrator(newFakeSender(notify.ChannelEmail))

	c := draftCampaign(st, nil)
	c.Status = notify.CampaignCompleted

	_, err := o.SendCampaign(context.Background(), c.ID)
	assert.Error(t, err)
	assert.Empty(t, st.finishes)
}

func TestSendCampaignAudienceFailureCancels(t *testing.T) {
	o, _, st := newTestOrchestrator(newFakeSender(notify.ChannelEmail))
	st.audienceErr = fmt.Errorf("segment service down")

	c := draftCampaign(st, map[notify.Channel]*notify.ChannelContent{
		notify.ChannelEmail: {Subject: "s", Body: "b"},
	})

	_, err := o.SendCampaign(context.Background(), c.ID)
	require.Error(t, err)
	assert.Equal(t, notify.CampaignCancelled, st.campaigns[c.ID].Status)
	assert.Contains(t, st.campaigns[c.ID].Error, "segment service down")
}

func TestSendCampaignSkipsRecipientsWithoutAddress(t *testing.T) {
	sender := newFakeSender(notify.ChannelEmail)
	o, _, st := newTestOrchestrator(sender)

	st.audience = []notify.Recipient{
		{UserID: "u1", Email: "mario@example.com"},
		{UserID: "u2"}, // no email on file
	}
	c := draftCampaign(st, map[notify.Channel]*notify.ChannelContent{
		notify.ChannelEmail: {Subject: "s", Body: "b"},
	})

	result, err := o.SendCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, result.Results, 1)
	assert.Len(t, sender.sent, 1)
}

func TestSampleAudience(t *testing.T) {
	recipients := make([]notify.Recipient, 10)

	assert.Len(t, sampleAudience(recipients, 0), 10)
	assert.Len(t, sampleAudience(recipients, 100), 10)
	assert.Len(t, sampleAudience(recipients, 50), 5)
	assert.Len(t, sampleAudience(recipients, 5), 1, "a tiny sample never rounds to zero")
}
