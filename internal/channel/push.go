package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/waggletail/dispatch/internal/notify"
	"github.com/waggletail/dispatch/internal/pkg/logger"
)

const pushProvider = "push-channel"

// Token error codes the provider returns when a registration is definitively
// dead. These tokens are reported on the outcome for downstream pruning.
var deadTokenErrors = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"UNREGISTERED":        true,
}

// PushConfig holds the FCM-style push gateway credentials.
type PushConfig struct {
	ServerKey         string
	BaseURL           string // override for tests
	InterMessageDelay time.Duration
}

// PushSender dispatches push envelopes through an FCM-style HTTP API. It
// supports a single-token form, a multi-token multicast form and a
// topic-broadcast form.
type PushSender struct {
	serverKey string
	baseURL   string
	client    *http.Client
	limiter   *paceLimiter
}

// NewPushSender creates a push sender.
func NewPushSender(cfg PushConfig) *PushSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fcm.googleapis.com/fcm"
	}
	if cfg.InterMessageDelay == 0 {
		cfg.InterMessageDelay = 100 * time.Millisecond
	}
	return &PushSender{
		serverKey: cfg.ServerKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   newPaceLimiter(cfg.InterMessageDelay),
	}
}

// Channel implements Sender.
func (s *PushSender) Channel() notify.Channel { return notify.ChannelPush }

// Send delivers one push notification. Multicast responses are scanned for
// definitively-invalid tokens, which are reported on the outcome; the store
// layer does the actual prune.
func (s *PushSender) Send(ctx context.Context, env *notify.Envelope) (*notify.DeliveryOutcome, error) {
	p := env.Push
	if p == nil {
		return nil, fmt.Errorf("envelope has no push payload")
	}
	if s.serverKey == "" {
		return failure(pushProvider, notify.ChannelPush, &SendError{
			Code: CodeUnavailable, Message: "push gateway key not configured",
		}), nil
	}

	body := map[string]interface{}{
		"notification": map[string]string{
			"title": p.Title,
			"body":  p.Body,
		},
	}
	if p.ImageURL != "" {
		body["notification"].(map[string]string)["image"] = p.ImageURL
	}
	if len(p.Data) > 0 {
		body["data"] = p.Data
	}

	var tokens []string
	switch {
	case p.Topic != "":
		body["to"] = "/topics/" + p.Topic
	case len(p.Tokens) > 0:
		tokens = p.Tokens
		body["registration_ids"] = p.Tokens
	default:
		if v := s.ValidateRecipient(p.Token); !v.Valid {
			return failure(pushProvider, notify.ChannelPush, &SendError{
				Code: CodeInvalidRecipient, Message: v.Reason, Permanent: true,
			}), nil
		}
		tokens = []string{p.Token}
		body["to"] = p.Token
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/send", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "key="+s.serverKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return failure(pushProvider, notify.ChannelPush, &SendError{
			Code: CodeProviderError, Message: err.Error(),
		}), nil
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return failure(pushProvider, notify.ChannelPush, &SendError{
			Code: CodeThrottled, Message: fmt.Sprintf("push gateway error %d", resp.StatusCode),
		}), nil
	}
	if resp.StatusCode >= 400 {
		return failure(pushProvider, notify.ChannelPush, &SendError{
			Code: CodeProviderError, Message: fmt.Sprintf("push error %d: %s", resp.StatusCode, string(respBody)),
		}), nil
	}

	var result struct {
		MulticastID int64 `json:"multicast_id"`
		Success     int   `json:"success"`
		Failure     int   `json:"failure"`
		MessageID   int64 `json:"message_id"` // topic sends
		Results     []struct {
			MessageID string `json:"message_id"`
			Error     string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return failure(pushProvider, notify.ChannelPush, &SendError{
			Code: CodeProviderError, Message: fmt.Sprintf("unparseable push response: %v", err),
		}), nil
	}

	// Topic broadcast: a bare message_id means accepted.
	if p.Topic != "" {
		return success(pushProvider, notify.ChannelPush, fmt.Sprintf("%d", result.MessageID)), nil
	}

	// Scan token-level results for dead registrations.
	var invalid []string
	messageID := ""
	for i, r := range result.Results {
		if r.MessageID != "" && messageID == "" {
			messageID = r.MessageID
		}
		if deadTokenErrors[r.Error] && i < len(tokens) {
			invalid = append(invalid, tokens[i])
		}
	}

	if result.Success == 0 {
		out := failure(pushProvider, notify.ChannelPush, &SendError{
			Code:      CodeInvalidRecipient,
			Message:   fmt.Sprintf("all %d tokens failed", result.Failure),
			Permanent: len(invalid) == len(tokens) && len(tokens) > 0,
		})
		out.InvalidTokens = invalid
		return out, nil
	}

	if len(invalid) > 0 {
		logger.Info("push: invalid tokens flagged for pruning", "count", len(invalid))
	}

	out := success(pushProvider, notify.ChannelPush, messageID)
	out.InvalidTokens = invalid
	return out, nil
}

// SendBulk sends sequentially with the push pacing delay. Callers wanting a
// true multicast should put multiple tokens in one envelope instead.
func (s *PushSender) SendBulk(ctx context.Context, envs []*notify.Envelope) []*notify.DeliveryOutcome {
	return sendSequential(ctx, s, s.limiter, envs)
}

// ValidateRecipient pattern-checks a registration token. The gateway offers
// no active lookup; the authoritative signal is the per-token error in a
// multicast response.
func (s *PushSender) ValidateRecipient(address string) ValidationResult {
	token := strings.TrimSpace(address)
	if len(token) < 16 || strings.ContainsAny(token, " \t\n") {
		return ValidationResult{Valid: false, Reason: "malformed registration token"}
	}
	return ValidationResult{Valid: true, Normalized: token}
}
