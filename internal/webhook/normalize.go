// Package webhook turns heterogeneous provider callbacks into normalized
// delivery events and applies them to the delivery log exactly once.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/waggletail/dispatch/internal/notify"
)

// Normalize parses one provider callback request into delivery events. Each
// channel's provider posts a different shape; everything funnels into
// notify.DeliveryEvent with a deterministic provider event id, so a replayed
// callback normalizes to the same id and dedups in the ledger.
func Normalize(channel notify.Channel, r *http.Request) ([]*notify.DeliveryEvent, error) {
	switch channel {
	case notify.ChannelEmail:
		return normalizeEmail(r)
	case notify.ChannelSMS:
		return normalizeSMS(r)
	case notify.ChannelChat:
		return normalizeChat(r)
	case notify.ChannelPush:
		return normalizePush(r)
	default:
		return nil, fmt.Errorf("unknown webhook channel %q", channel)
	}
}

// normalizeEmail handles SES event notifications. SES carries no event id of
// its own, so the id is derived from message id, event type and timestamp.
func normalizeEmail(r *http.Request) ([]*notify.DeliveryEvent, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	var payload struct {
		EventType string `json:"eventType"`
		Mail      struct {
			MessageID string `json:"messageId"`
			Timestamp string `json:"timestamp"`
		} `json:"mail"`
		Bounce struct {
			BounceType string `json:"bounceType"`
		} `json:"bounce"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unparseable email event: %w", err)
	}
	if payload.Mail.MessageID == "" {
		return nil, fmt.Errorf("email event missing message id")
	}

	status, ok := emailStatus(payload.EventType)
	if !ok {
		// Unmapped event types (e.g. Rendering Failure) are skipped, not
		// errors: the provider keeps sending them regardless.
		return nil, nil
	}

	ts := time.Now()
	var tsKey string
	if parsed, err := time.Parse(time.RFC3339, payload.Mail.Timestamp); err == nil {
		ts = parsed
		tsKey = strconv.FormatInt(parsed.Unix(), 10)
	} else {
		// A wall-clock fallback would mint a fresh id on every replay of
		// the same malformed callback; hash the payload instead so the
		// ledger still dedups it.
		sum := sha256.Sum256(body)
		tsKey = hex.EncodeToString(sum[:8])
	}

	return []*notify.DeliveryEvent{{
		ProviderEventID:   fmt.Sprintf("email:%s:%s:%s", payload.Mail.MessageID, strings.ToLower(payload.EventType), tsKey),
		Channel:           notify.ChannelEmail,
		ProviderMessageID: payload.Mail.MessageID,
		Status:            status,
		Timestamp:         ts,
		Raw:               body,
	}}, nil
}

func emailStatus(eventType string) (notify.DeliveryStatus, bool) {
	switch strings.ToLower(eventType) {
	case "send":
		return notify.StatusSent, true
	case "delivery":
		return notify.StatusDelivered, true
	case "open":
		return notify.StatusOpened, true
	case "click":
		return notify.StatusClicked, true
	case "bounce":
		return notify.StatusBounced, true
	case "complaint":
		return notify.StatusComplained, true
	case "reject", "deliverydelay":
		return notify.StatusFailed, true
	}
	return "", false
}

// normalizeSMS handles Twilio-style status callbacks, which arrive as form
// posts. Status transitions are keyed by message sid plus status, since the
// provider replays the same callback on retry.
func normalizeSMS(r *http.Request) ([]*notify.DeliveryEvent, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("unparseable sms callback: %w", err)
	}
	sid := r.FormValue("MessageSid")
	rawStatus := r.FormValue("MessageStatus")
	if sid == "" || rawStatus == "" {
		return nil, fmt.Errorf("sms callback missing MessageSid or MessageStatus")
	}

	status, ok := smsStatus(rawStatus)
	if !ok {
		return nil, nil
	}

	return []*notify.DeliveryEvent{{
		ProviderEventID:   fmt.Sprintf("sms:%s:%s", sid, rawStatus),
		Channel:           notify.ChannelSMS,
		ProviderMessageID: sid,
		Status:            status,
		Timestamp:         time.Now(),
	}}, nil
}

func smsStatus(s string) (notify.DeliveryStatus, bool) {
	switch s {
	case "sent":
		return notify.StatusSent, true
	case "delivered":
		return notify.StatusDelivered, true
	case "undelivered", "failed":
		return notify.StatusFailed, true
	case "queued", "sending", "accepted":
		// Intermediate states carry no new information for the log.
		return "", false
	}
	return "", false
}

// normalizeChat handles WhatsApp Cloud-style status webhooks, which batch
// multiple status updates per request.
func normalizeChat(r *http.Request) ([]*notify.DeliveryEvent, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					Statuses []struct {
						ID        string `json:"id"`
						Status    string `json:"status"`
						Timestamp string `json:"timestamp"`
					} `json:"statuses"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unparseable chat event: %w", err)
	}

	var events []*notify.DeliveryEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				status, ok := chatStatus(st.Status)
				if !ok {
					continue
				}
				ts := time.Now()
				if unix, err := strconv.ParseInt(st.Timestamp, 10, 64); err == nil {
					ts = time.Unix(unix, 0)
				}
				events = append(events, &notify.DeliveryEvent{
					ProviderEventID:   fmt.Sprintf("chat:%s:%s", st.ID, st.Status),
					Channel:           notify.ChannelChat,
					ProviderMessageID: st.ID,
					Status:            status,
					Timestamp:         ts,
					Raw:               body,
				})
			}
		}
	}
	return events, nil
}

func chatStatus(s string) (notify.DeliveryStatus, bool) {
	switch s {
	case "sent":
		return notify.StatusSent, true
	case "delivered":
		return notify.StatusDelivered, true
	case "read":
		return notify.StatusOpened, true
	case "failed":
		return notify.StatusFailed, true
	}
	return "", false
}

// normalizePush handles delivery receipts from the push gateway's receipt
// feed: a flat JSON array of receipt objects.
func normalizePush(r *http.Request) ([]*notify.DeliveryEvent, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	var receipts []struct {
		EventID   string `json:"event_id"`
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &receipts); err != nil {
		return nil, fmt.Errorf("unparseable push receipts: %w", err)
	}

	var events []*notify.DeliveryEvent
	for _, rc := range receipts {
		if rc.MessageID == "" {
			continue
		}
		status, ok := pushStatus(rc.Status)
		if !ok {
			continue
		}
		eventID := rc.EventID
		if eventID == "" {
			eventID = fmt.Sprintf("push:%s:%s", rc.MessageID, rc.Status)
		}
		ts := time.Now()
		if rc.Timestamp > 0 {
			ts = time.Unix(rc.Timestamp, 0)
		}
		events = append(events, &notify.DeliveryEvent{
			ProviderEventID:   eventID,
			Channel:           notify.ChannelPush,
			ProviderMessageID: rc.MessageID,
			Status:            status,
			Timestamp:         ts,
		})
	}
	return events, nil
}

func pushStatus(s string) (notify.DeliveryStatus, bool) {
	switch s {
	case "delivered":
		return notify.StatusDelivered, true
	case "opened":
		return notify.StatusOpened, true
	case "dropped", "failed":
		return notify.StatusFailed, true
	}
	return "", false
}
