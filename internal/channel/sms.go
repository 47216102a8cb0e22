package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/waggletail/dispatch/internal/notify"
	"github.com/waggletail/dispatch/internal/pkg/logger"
)

const smsProvider = "sms-channel"

// Twilio error codes that mean the number itself is dead; these must never
// be retried.
var smsPermanentCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21610: true, // recipient has opted out (STOP)
	21614: true, // not a mobile number
}

// SMSConfig holds the SMS gateway credentials.
type SMSConfig struct {
	AccountSID        string
	AuthToken         string
	From              string
	BaseURL           string // override for tests; defaults to the Twilio API
	DefaultCountry    string // prefix applied to bare 10-digit numbers
	InterMessageDelay time.Duration
}

// SMSSender dispatches SMS envelopes through a Twilio-style Messages API.
type SMSSender struct {
	accountSID     string
	authToken      string
	from           string
	baseURL        string
	defaultCountry string
	client         *http.Client
	limiter        *paceLimiter
}

// NewSMSSender creates an SMS sender.
func NewSMSSender(cfg SMSConfig) *SMSSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	if cfg.DefaultCountry == "" {
		cfg.DefaultCountry = "1"
	}
	if cfg.InterMessageDelay == 0 {
		cfg.InterMessageDelay = 200 * time.Millisecond
	}
	return &SMSSender{
		accountSID:     cfg.AccountSID,
		authToken:      cfg.AuthToken,
		from:           cfg.From,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		defaultCountry: cfg.DefaultCountry,
		client:         &http.Client{Timeout: 30 * time.Second},
		limiter:        newPaceLimiter(cfg.InterMessageDelay),
	}
}

// Channel implements Sender.
func (s *SMSSender) Channel() notify.Channel { return notify.ChannelSMS }

// Send delivers one SMS.
func (s *SMSSender) Send(ctx context.Context, env *notify.Envelope) (*notify.DeliveryOutcome, error) {
	p := env.SMS
	if p == nil {
		return nil, fmt.Errorf("envelope has no sms payload")
	}
	if s.accountSID == "" || s.authToken == "" {
		return failure(smsProvider, notify.ChannelSMS, &SendError{
			Code: CodeUnavailable, Message: "SMS gateway credentials not configured",
		}), nil
	}

	v := s.ValidateRecipient(p.To)
	if !v.Valid {
		return failure(smsProvider, notify.ChannelSMS, &SendError{
			Code: CodeInvalidRecipient, Message: v.Reason, Permanent: true,
		}), nil
	}

	form := url.Values{}
	form.Set("To", v.Normalized)
	form.Set("From", s.from)
	form.Set("Body", p.Body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", s.baseURL, s.accountSID)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return failure(smsProvider, notify.ChannelSMS, &SendError{
			Code: CodeProviderError, Message: err.Error(),
		}), nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		return failure(smsProvider, notify.ChannelSMS, &SendError{
			Code: CodeThrottled, Message: "SMS gateway throttled the request",
		}), nil
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		json.Unmarshal(body, &apiErr)
		return failure(smsProvider, notify.ChannelSMS, &SendError{
			Code:      fmt.Sprintf("sms_%d", apiErr.Code),
			Message:   fmt.Sprintf("SMS error %d: %s", resp.StatusCode, apiErr.Message),
			Permanent: smsPermanentCodes[apiErr.Code],
		}), nil
	}

	var result struct {
		SID string `json:"sid"`
	}
	json.Unmarshal(body, &result)

	logger.Debug("sms: sent", "phone", v.Normalized, "sid", result.SID)
	return success(smsProvider, notify.ChannelSMS, result.SID), nil
}

// SendBulk sends sequentially with the SMS pacing delay.
func (s *SMSSender) SendBulk(ctx context.Context, envs []*notify.Envelope) []*notify.DeliveryOutcome {
	return sendSequential(ctx, s, s.limiter, envs)
}

// ValidateRecipient normalizes a phone number: formatting stripped, default
// country prefix applied to 10-digit local numbers.
func (s *SMSSender) ValidateRecipient(address string) ValidationResult {
	normalized, ok := NormalizePhone(address, s.defaultCountry)
	if !ok {
		return ValidationResult{Valid: false, Reason: "unroutable phone number"}
	}
	return ValidationResult{Valid: true, Normalized: normalized}
}
