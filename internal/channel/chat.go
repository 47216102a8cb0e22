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

	"github.com/sony/gobreaker"

	"github.com/waggletail/dispatch/internal/notify"
	"github.com/waggletail/dispatch/internal/pkg/logger"
)

const chatProvider = "chat-channel"

// ChatConfig holds the WhatsApp-style Cloud API credentials.
type ChatConfig struct {
	Token             string
	PhoneNumberID     string
	BaseURL           string // override for tests
	DefaultCountry    string
	InterMessageDelay time.Duration
}

// ChatSender dispatches chat envelopes through a WhatsApp Cloud-style
// messages API. The transport is flakier and more aggressively throttled
// than email or push, so calls run behind a circuit breaker and bulk sends
// use a materially longer inter-message delay.
type ChatSender struct {
	token          string
	phoneNumberID  string
	baseURL        string
	defaultCountry string
	client         *http.Client
	breaker        *gobreaker.CircuitBreaker
	limiter        *paceLimiter
}

// NewChatSender creates a chat sender.
func NewChatSender(cfg ChatConfig) *ChatSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com/v18.0"
	}
	if cfg.DefaultCountry == "" {
		cfg.DefaultCountry = "1"
	}
	if cfg.InterMessageDelay == 0 {
		cfg.InterMessageDelay = time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "chat-transport",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("chat: circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})

	return &ChatSender{
		token:          cfg.Token,
		phoneNumberID:  cfg.PhoneNumberID,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		defaultCountry: cfg.DefaultCountry,
		client:         &http.Client{Timeout: 30 * time.Second},
		breaker:        breaker,
		limiter:        newPaceLimiter(cfg.InterMessageDelay),
	}
}

// Channel implements Sender.
func (s *ChatSender) Channel() notify.Channel { return notify.ChannelChat }

// Send delivers one chat message. The payload variant (text, image,
// document, interactive, named template) maps onto the provider's message
// body; callers never see the difference beyond the envelope they built.
func (s *ChatSender) Send(ctx context.Context, env *notify.Envelope) (*notify.DeliveryOutcome, error) {
	p := env.Chat
	if p == nil {
		return nil, fmt.Errorf("envelope has no chat payload")
	}
	if s.token == "" || s.phoneNumberID == "" {
		return failure(chatProvider, notify.ChannelChat, &SendError{
			Code: CodeUnavailable, Message: "chat transport credentials not configured",
		}), nil
	}

	v := s.ValidateRecipient(p.To)
	if !v.Valid {
		return failure(chatProvider, notify.ChannelChat, &SendError{
			Code: CodeInvalidRecipient, Message: v.Reason, Permanent: true,
		}), nil
	}

	body, err := s.buildMessage(v.Normalized, p)
	if err != nil {
		return nil, err
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.post(ctx, body)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return failure(chatProvider, notify.ChannelChat, &SendError{
			Code: CodeUnavailable, Message: "chat transport circuit open",
		}), nil
	}
	if err != nil {
		return failure(chatProvider, notify.ChannelChat, classifyChatError(err)), nil
	}

	messageID := result.(string)
	logger.Debug("chat: sent", "phone", "+"+v.Normalized, "message_id", messageID)
	return success(chatProvider, notify.ChannelChat, messageID), nil
}

// buildMessage maps the payload variant onto the wire format.
func (s *ChatSender) buildMessage(to string, p *notify.ChatPayload) (map[string]interface{}, error) {
	msg := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
	}

	switch {
	case p.TemplateName != "":
		params := make([]map[string]string, 0, len(p.TemplateParams))
		for _, v := range p.TemplateParams {
			params = append(params, map[string]string{"type": "text", "text": v})
		}
		msg["type"] = "template"
		msg["template"] = map[string]interface{}{
			"name":     p.TemplateName,
			"language": map[string]string{"code": "en"},
			"components": []map[string]interface{}{
				{"type": "body", "parameters": params},
			},
		}
	case p.Interactive != nil:
		buttons := make([]map[string]interface{}, 0, len(p.Interactive.Buttons))
		for i, label := range p.Interactive.Buttons {
			buttons = append(buttons, map[string]interface{}{
				"type":  "reply",
				"reply": map[string]string{"id": fmt.Sprintf("btn_%d", i), "title": label},
			})
		}
		interactive := map[string]interface{}{
			"type":   "button",
			"body":   map[string]string{"text": p.Interactive.Body},
			"action": map[string]interface{}{"buttons": buttons},
		}
		if p.Interactive.Header != "" {
			interactive["header"] = map[string]string{"type": "text", "text": p.Interactive.Header}
		}
		if p.Interactive.Footer != "" {
			interactive["footer"] = map[string]string{"text": p.Interactive.Footer}
		}
		msg["type"] = "interactive"
		msg["interactive"] = interactive
	case p.ImageURL != "":
		image := map[string]string{"link": p.ImageURL}
		if p.Caption != "" {
			image["caption"] = p.Caption
		}
		msg["type"] = "image"
		msg["image"] = image
	case p.DocumentURL != "":
		doc := map[string]string{"link": p.DocumentURL}
		if p.Caption != "" {
			doc["caption"] = p.Caption
		}
		msg["type"] = "document"
		msg["document"] = doc
	case p.Text != "":
		msg["type"] = "text"
		msg["text"] = map[string]interface{}{"body": p.Text, "preview_url": false}
	default:
		return nil, fmt.Errorf("chat payload has no content")
	}

	return msg, nil
}

func (s *ChatSender) post(ctx context.Context, body map[string]interface{}) (string, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		json.Unmarshal(respBody, &apiErr)
		return "", &SendError{
			Code:      fmt.Sprintf("chat_%d", apiErr.Error.Code),
			Message:   fmt.Sprintf("chat error %d: %s", resp.StatusCode, apiErr.Error.Message),
			Permanent: resp.StatusCode == http.StatusBadRequest && apiErr.Error.Code == 131026, // undeliverable recipient
		}
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	json.Unmarshal(respBody, &result)
	if len(result.Messages) > 0 {
		return result.Messages[0].ID, nil
	}
	return "", nil
}

func classifyChatError(err error) *SendError {
	if se, ok := err.(*SendError); ok {
		return se
	}
	return &SendError{Code: CodeProviderError, Message: err.Error()}
}

// SendBulk sends sequentially. Chat transports throttle hard, hence the
// longer default pacing relative to the other channels.
func (s *ChatSender) SendBulk(ctx context.Context, envs []*notify.Envelope) []*notify.DeliveryOutcome {
	return sendSequential(ctx, s, s.limiter, envs)
}

// ValidateRecipient normalizes the number and strips the leading '+': this
// transport expects a bare digit string.
func (s *ChatSender) ValidateRecipient(address string) ValidationResult {
	normalized, ok := NormalizePhone(address, s.defaultCountry)
	if !ok {
		return ValidationResult{Valid: false, Reason: "unroutable phone number"}
	}
	return ValidationResult{Valid: true, Normalized: strings.TrimPrefix(normalized, "+")}
}
