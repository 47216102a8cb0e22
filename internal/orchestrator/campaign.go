package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/waggletail/dispatch/internal/notify"
)

// CampaignResult summarizes one campaign run.
type CampaignResult struct {
	CampaignID uuid.UUID                 `json:"campaign_id"`
	Success    bool                      `json:"success"`
	Stats      notify.CampaignStats      `json:"stats"`
	Results    []*notify.DeliveryOutcome `json:"results"`
}

// SendCampaign runs a campaign end to end: mark it running, resolve the
// audience, render per-recipient content for every channel the campaign
// carries, dispatch, and finish. The terminal status is written exactly once;
// an audience resolution failure cancels the campaign with the error
// recorded.
func (o *Orchestrator) SendCampaign(ctx context.Context, campaignID uuid.UUID) (*CampaignResult, error) {
	c, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("campaign %s already finished with status %s", campaignID, c.Status)
	}

	ok, err := o.store.MarkCampaignRunning(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("campaign %s is not in a startable state", c.ID)
	}

	recipients, err := o.store.ResolveAudience(ctx, c.Audience)
	if err != nil {
		if _, ferr := o.store.FinishCampaign(ctx, c.ID, notify.CampaignCancelled, err.Error()); ferr != nil {
			log.Printf("[Orchestrator] failed to cancel campaign %s: %v", c.ID, ferr)
		}
		return nil, fmt.Errorf("audience resolution failed: %w", err)
	}

	recipients = sampleAudience(recipients, c.Settings.TestPercentage)
	log.Printf("[Orchestrator] campaign %s (%s): %d recipients", c.Name, c.ID, len(recipients))

	result := &CampaignResult{CampaignID: c.ID}
	category := c.Category
	if category == "" {
		category = notify.CategoryPromotional
	}

	sendCap := c.Settings.MaxSendsPerDay
	campaignQuiet := campaignQuietWindow(c.Settings)

	for _, r := range recipients {
		for _, ch := range notify.AllChannels {
			content, ok := c.Content[ch]
			if ok && content != nil {
				if sendCap > 0 && result.Stats.Sent+result.Stats.Failed >= sendCap {
					result.Stats.Suppressed++
					continue
				}
				out := o.sendCampaignMessage(ctx, c, category, campaignQuiet, ch, content, r)
				if out == nil {
					continue
				}
				result.Results = append(result.Results, out)
				switch {
				case out.Success:
					result.Stats.Sent++
				case out.ErrorCode == codeSuppressed:
					result.Stats.Suppressed++
				default:
					result.Stats.Failed++
				}
			}
		}
	}

	finished, err := o.store.FinishCampaign(ctx, c.ID, notify.CampaignCompleted, "")
	if err != nil {
		return result, err
	}
	if !finished {
		// Someone else wrote the terminal status while we were sending.
		log.Printf("[Orchestrator] campaign %s was finished elsewhere", c.ID)
	}

	result.Success = true
	log.Printf("[Orchestrator] campaign %s done: %d sent, %d failed, %d suppressed",
		c.ID, result.Stats.Sent, result.Stats.Failed, result.Stats.Suppressed)
	return result, nil
}

// sendCampaignMessage renders and dispatches one recipient/channel pair. A
// recipient with no usable address on the channel is skipped, returning nil.
func (o *Orchestrator) sendCampaignMessage(ctx context.Context, c *notify.Campaign, category notify.Category, quiet *notify.QuietHours, ch notify.Channel, content *notify.ChannelContent, r notify.Recipient) *notify.DeliveryOutcome {
	env := buildCampaignEnvelope(c, category, ch, r)
	if env == nil {
		return nil
	}

	// Campaigns always respect preferences.
	allowed, err := o.allowedByPreferences(ctx, env)
	if err != nil {
		log.Printf("[Orchestrator] preference lookup failed for %s, suppressing: %v", r.UserID, err)
		allowed = false
	}
	if allowed && ch == notify.ChannelPush && quiet.Contains(o.now()) {
		allowed = false
	}
	if !allowed {
		out := o.suppressedOutcome(env)
		o.recordOutcome(ctx, env, out)
		return out
	}

	o.fillCampaignContent(ctx, env, content, c)
	return o.dispatch(ctx, env)
}

// fillCampaignContent renders the channel content into the envelope payload.
// Render failures degrade to the raw template source rather than dropping
// the message.
func (o *Orchestrator) fillCampaignContent(ctx context.Context, env *notify.Envelope, content *notify.ChannelContent, c *notify.Campaign) {
	profile, err := o.store.LoadUserProfile(ctx, env.UserID)
	if err != nil {
		log.Printf("[Orchestrator] profile load failed for %s, rendering with bare identity: %v", env.UserID, err)
	}
	if profile == nil {
		profile = &notify.UserData{UserID: env.UserID}
	}

	rc := o.contexts.BuildContext(profile, map[string]interface{}{
		"campaign": map[string]interface{}{
			"id":   c.ID.String(),
			"name": c.Name,
		},
	})

	body := o.templates.Render(content.Body, rc)
	switch env.Channel {
	case notify.ChannelEmail:
		env.Email.Subject = o.templates.Render(content.Subject, rc)
		env.Email.HTMLBody = body
	case notify.ChannelSMS:
		env.SMS.Body = body
	case notify.ChannelChat:
		env.Chat.Text = body
	case notify.ChannelPush:
		env.Push.Title = o.templates.Render(content.Title, rc)
		env.Push.Body = body
	}
}

// buildCampaignEnvelope maps a recipient's address onto a channel payload.
// Returns nil when the recipient has no address for the channel.
func buildCampaignEnvelope(c *notify.Campaign, category notify.Category, ch notify.Channel, r notify.Recipient) *notify.Envelope {
	env := &notify.Envelope{
		UserID:     r.UserID,
		CampaignID: c.ID.String(),
		Category:   category,
		Channel:    ch,
	}

	switch ch {
	case notify.ChannelEmail:
		if r.Email == "" {
			return nil
		}
		env.Email = &notify.EmailPayload{To: r.Email}
	case notify.ChannelSMS:
		if r.Phone == "" {
			return nil
		}
		env.SMS = &notify.SMSPayload{To: r.Phone}
	case notify.ChannelChat:
		to := r.ChatID
		if to == "" {
			to = r.Phone
		}
		if to == "" {
			return nil
		}
		env.Chat = &notify.ChatPayload{To: to}
	case notify.ChannelPush:
		if len(r.PushTokens) == 0 {
			return nil
		}
		env.Push = &notify.PushPayload{Tokens: r.PushTokens}
	}
	return env
}

// RunDueCampaigns starts every scheduled campaign whose send time has
// arrived. Called from the worker's scheduler tick. One campaign's failure
// never blocks the others.
func (o *Orchestrator) RunDueCampaigns(ctx context.Context) int {
	due, err := o.store.ListDueCampaigns(ctx, o.now())
	if err != nil {
		log.Printf("[Orchestrator] failed to list due campaigns: %v", err)
		return 0
	}

	started := 0
	for _, c := range due {
		if _, err := o.SendCampaign(ctx, c.ID); err != nil {
			log.Printf("[Orchestrator] due campaign %s failed: %v", c.ID, err)
			continue
		}
		started++
	}
	return started
}

// sampleAudience applies the campaign's test percentage: a value in (0, 100)
// sends to a leading slice of the audience, never rounding a non-empty
// sample down to zero.
func sampleAudience(recipients []notify.Recipient, pct int) []notify.Recipient {
	if pct <= 0 || pct >= 100 || len(recipients) == 0 {
		return recipients
	}
	n := len(recipients) * pct / 100
	if n == 0 {
		n = 1
	}
	return recipients[:n]
}

// campaignQuietWindow lifts the campaign settings window into a QuietHours
// value; nil when the campaign has no window configured.
func campaignQuietWindow(s notify.CampaignSettings) *notify.QuietHours {
	if s.QuietHoursStart == "" || s.QuietHoursEnd == "" {
		return nil
	}
	return &notify.QuietHours{Enabled: true, Start: s.QuietHoursStart, End: s.QuietHoursEnd}
}
