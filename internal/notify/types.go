// Package notify defines the core domain types for the WaggleTail message
// delivery orchestrator: envelopes, delivery outcomes, campaigns, templates,
// user preferences and webhook delivery events.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel identifies one transport family.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
	ChannelPush  Channel = "push"
)

// AllChannels lists channels in stable dispatch order.
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelChat, ChannelPush}

// Valid reports whether the channel is one of the known transports.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelChat, ChannelPush:
		return true
	}
	return false
}

// Category classifies a message for consent checks.
type Category string

const (
	CategoryTransactional Category = "transactional"
	CategoryPromotional   Category = "promotional"
	CategoryNotification  Category = "notification"
)

// Priority is the coarse send-urgency tier.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Tier returns the numeric tier used for queue scoring.
// Higher tiers always drain before lower tiers.
func (p Priority) Tier() int64 {
	switch p {
	case PriorityHigh:
		return 100
	case PriorityLow:
		return 10
	default:
		return 50
	}
}

// EmailPayload is the channel-specific payload for email sends.
type EmailPayload struct {
	To          string `json:"to"`
	Subject     string `json:"subject"`
	HTMLBody    string `json:"html_body,omitempty"`
	TextBody    string `json:"text_body,omitempty"`
	FromName    string `json:"from_name,omitempty"`
	FromEmail   string `json:"from_email,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
	TemplateID  string `json:"template_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is an inline email attachment reference.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// SMSPayload is the channel-specific payload for SMS sends.
type SMSPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// ChatPayload is the channel-specific payload for WhatsApp-style chat sends.
// Exactly one content form should be set: Text, ImageURL, DocumentURL,
// Interactive, or TemplateName with positional TemplateParams.
type ChatPayload struct {
	To             string           `json:"to"`
	Text           string           `json:"text,omitempty"`
	ImageURL       string           `json:"image_url,omitempty"`
	DocumentURL    string           `json:"document_url,omitempty"`
	Caption        string           `json:"caption,omitempty"`
	Interactive    *ChatInteractive `json:"interactive,omitempty"`
	TemplateName   string           `json:"template_name,omitempty"`
	TemplateParams []string         `json:"template_params,omitempty"`
}

// ChatInteractive carries structured interactive chat content (button lists).
type ChatInteractive struct {
	Header  string   `json:"header,omitempty"`
	Body    string   `json:"body"`
	Footer  string   `json:"footer,omitempty"`
	Buttons []string `json:"buttons,omitempty"`
}

// PushPayload is the channel-specific payload for push sends. Exactly one of
// Token, Tokens (multicast) or Topic must be set.
type PushPayload struct {
	Token    string            `json:"token,omitempty"`
	Tokens   []string          `json:"tokens,omitempty"`
	Topic    string            `json:"topic,omitempty"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	ImageURL string            `json:"image_url,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

// Envelope is the channel-agnostic description of one outbound message plus
// its channel-specific payload. Exactly one payload field matching Channel
// must be populated; UserID is always required for preference lookups.
type Envelope struct {
	UserID     string            `json:"user_id"`
	CampaignID string            `json:"campaign_id,omitempty"`
	Category   Category          `json:"category"`
	Channel    Channel           `json:"channel"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	Email *EmailPayload `json:"email,omitempty"`
	SMS   *SMSPayload   `json:"sms,omitempty"`
	Chat  *ChatPayload  `json:"chat,omitempty"`
	Push  *PushPayload  `json:"push,omitempty"`
}

// Validate checks the envelope invariants: known channel, user id present,
// and exactly one payload matching the channel discriminant.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("envelope is nil")
	}
	if !e.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", e.Channel)
	}
	if e.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	switch e.Channel {
	case ChannelEmail:
		if e.Email == nil {
			return fmt.Errorf("email payload is required for channel email")
		}
		if e.Email.To == "" {
			return fmt.Errorf("email payload missing recipient")
		}
	case ChannelSMS:
		if e.SMS == nil {
			return fmt.Errorf("sms payload is required for channel sms")
		}
		if e.SMS.To == "" {
			return fmt.Errorf("sms payload missing recipient")
		}
	case ChannelChat:
		if e.Chat == nil {
			return fmt.Errorf("chat payload is required for channel chat")
		}
		if e.Chat.To == "" {
			return fmt.Errorf("chat payload missing recipient")
		}
	case ChannelPush:
		if e.Push == nil {
			return fmt.Errorf("push payload is required for channel push")
		}
		if e.Push.Token == "" && len(e.Push.Tokens) == 0 && e.Push.Topic == "" {
			return fmt.Errorf("push payload needs a token, token list or topic")
		}
	}
	if e.Category == "" {
		return fmt.Errorf("category is required")
	}
	return nil
}

// DeliveryOutcome records one dispatch attempt for one envelope on one
// channel. Outcomes are appended to the delivery log, never mutated; the
// final status is only set later by webhook ingestion.
type DeliveryOutcome struct {
	Success           bool       `json:"success"`
	Provider          string     `json:"provider"`
	Channel           Channel    `json:"channel"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	Error             string     `json:"error,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
	Permanent         bool       `json:"permanent,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
	Scheduled         bool       `json:"scheduled,omitempty"`
	ScheduleTime      *time.Time `json:"schedule_time,omitempty"`

	// InvalidTokens lists push tokens the provider reported as dead
	// during a multicast send. The store layer prunes them.
	InvalidTokens []string `json:"invalid_tokens,omitempty"`
}

// DispatchOptions control how a message is queued and dispatched.
type DispatchOptions struct {
	Priority           Priority   `json:"priority,omitempty"`
	RespectPreferences bool       `json:"respect_preferences"`
	ScheduledTime      *time.Time `json:"scheduled_time,omitempty"`
	BatchSize          int        `json:"batch_size,omitempty"`
}

// QueueItem is one pending send held in the priority queue. Items are popped
// exactly once; a crash between pop and dispatch loses the item (documented
// at-least-once gap, no pending-ack stage).
type QueueItem struct {
	ID            uuid.UUID       `json:"id"`
	Envelope      *Envelope       `json:"envelope"`
	Options       DispatchOptions `json:"options"`
	PriorityScore float64         `json:"priority_score"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// ScheduledSend is a deferred message waiting in the scheduled-sends store.
// It can be cancelled until the promoter moves it into the queue.
type ScheduledSend struct {
	ID        uuid.UUID       `json:"id"`
	Envelope  *Envelope       `json:"envelope"`
	Options   DispatchOptions `json:"options"`
	SendAt    time.Time       `json:"send_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are written
// exactly once.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// AudienceFilter is one field/operator/value triple of an audience spec.
type AudienceFilter struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// AudienceSpec declares which users a campaign targets. Exactly one of
// AllUsers, SegmentID, UserIDs or Filters should be populated.
type AudienceSpec struct {
	AllUsers  bool             `json:"all_users,omitempty"`
	SegmentID string           `json:"segment_id,omitempty"`
	UserIDs   []string         `json:"user_ids,omitempty"`
	Filters   []AudienceFilter `json:"filters,omitempty"`
}

// ChannelContent is the per-channel template content of a campaign.
type ChannelContent struct {
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
	TemplateID string `json:"template_id,omitempty"`
	Title      string `json:"title,omitempty"`
}

// CampaignSettings hold throttling and sampling knobs for a campaign.
type CampaignSettings struct {
	QuietHoursStart      string `json:"quiet_hours_start,omitempty"` // HH:mm
	QuietHoursEnd        string `json:"quiet_hours_end,omitempty"`
	MaxSendsPerDay       int    `json:"max_sends_per_day,omitempty"`
	TestPercentage       int    `json:"test_percentage,omitempty"` // 0 or 100 = full audience
	SendTimeOptimization bool   `json:"send_time_optimization,omitempty"`
}

// Campaign is a broadcast of channel-specific content to a resolved audience.
type Campaign struct {
	ID          uuid.UUID                   `json:"id"`
	Name        string                      `json:"name"`
	Status      CampaignStatus              `json:"status"`
	Audience    AudienceSpec                `json:"audience"`
	Content     map[Channel]*ChannelContent `json:"content"`
	Category    Category                    `json:"category,omitempty"`
	ScheduledAt *time.Time                  `json:"scheduled_at,omitempty"`
	Settings    CampaignSettings            `json:"settings"`
	Error       string                      `json:"error,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// CampaignStats accumulates per-channel fan-out counters.
type CampaignStats struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Suppressed int `json:"suppressed"`
}

// QuietHours is a per-user local time window during which push notifications
// are suppressed. Start and End use HH:mm; wrap-around windows are not
// supported (start <= end is assumed).
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// ChannelPreference holds a user's consent flags for one channel.
type ChannelPreference struct {
	Enabled       bool        `json:"enabled"`
	Promotional   bool        `json:"promotional"`
	Transactional bool        `json:"transactional"`
	QuietHours    *QuietHours `json:"quiet_hours,omitempty"`
}

// UserPreferences is the per-user consent record, owned by the external
// settings module and read-only to this service.
type UserPreferences struct {
	UserID   string                         `json:"user_id"`
	Channels map[Channel]*ChannelPreference `json:"channels"`
}

// Recipient is one resolved member of a campaign audience.
type Recipient struct {
	UserID     string   `json:"user_id"`
	FirstName  string   `json:"first_name"`
	LastName   string   `json:"last_name"`
	Email      string   `json:"email"`
	Phone      string   `json:"phone"`
	ChatID     string   `json:"chat_id"`
	PushTokens []string `json:"push_tokens"`
}

// DeliveryStatus is the lifecycle status of a sent message, updated by
// provider webhooks.
type DeliveryStatus string

const (
	StatusSent         DeliveryStatus = "sent"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusOpened       DeliveryStatus = "opened"
	StatusClicked      DeliveryStatus = "clicked"
	StatusBounced      DeliveryStatus = "bounced"
	StatusComplained   DeliveryStatus = "complained"
	StatusUnsubscribed DeliveryStatus = "unsubscribed"
	StatusFailed       DeliveryStatus = "failed"
)

// DeliveryEvent is the common shape every provider callback is normalized to
// before it reaches the dedup ledger. ProviderEventID is the idempotency key.
type DeliveryEvent struct {
	ProviderEventID   string          `json:"provider_event_id"`
	Channel           Channel         `json:"channel"`
	ProviderMessageID string          `json:"provider_message_id"`
	Status            DeliveryStatus  `json:"status"`
	Timestamp         time.Time       `json:"timestamp"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// TemplateVariable documents one placeholder a template expects.
type TemplateVariable struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

// Template is a stored message template. Templates are versioned by
// replacement: changing rendered output requires creating a new template.
type Template struct {
	ID        uuid.UUID          `json:"id"`
	Type      Channel            `json:"type"`
	Name      string             `json:"name"`
	Subject   string             `json:"subject,omitempty"`
	Content   string             `json:"content"`
	Variables []TemplateVariable `json:"variables,omitempty"`
	Active    bool               `json:"active"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}
