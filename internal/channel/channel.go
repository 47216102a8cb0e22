// Package channel provides the uniform send contract over the heterogeneous
// third-party transports: email (SES), SMS, WhatsApp-style chat and push.
// Each adapter owns its own address normalization, payload mapping and
// rate-limit pacing; callers only ever see the Sender contract.
package channel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/waggletail/dispatch/internal/notify"
)

// Sender is the uniform per-channel dispatch contract.
type Sender interface {
	// Channel returns the transport family this sender serves.
	Channel() notify.Channel

	// Send dispatches one envelope and returns the outcome of the attempt.
	// A non-nil outcome is returned even on provider failure; the error
	// return is reserved for malformed envelopes and marshalling problems.
	Send(ctx context.Context, env *notify.Envelope) (*notify.DeliveryOutcome, error)

	// SendBulk dispatches envelopes sequentially with the channel's
	// inter-message pacing, returning one outcome per envelope.
	SendBulk(ctx context.Context, envs []*notify.Envelope) []*notify.DeliveryOutcome

	// ValidateRecipient checks an address and returns its normalized form.
	// Validation is advisory: an invalid result means the caller should
	// skip dispatch rather than waste a send attempt.
	ValidateRecipient(address string) ValidationResult
}

// ValidationResult is the advisory outcome of recipient validation.
type ValidationResult struct {
	Valid      bool
	Normalized string
	Reason     string
}

// SendError classifies a dispatch failure. Permanent errors (dead address,
// invalid token) must not be retried; transient ones may be.
type SendError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes shared across adapters.
const (
	CodeInvalidRecipient = "invalid_recipient"
	CodeProviderError    = "provider_error"
	CodeThrottled        = "throttled"
	CodeUnavailable      = "unavailable"
)

var nonDigits = regexp.MustCompile(`\D`)

// NormalizePhone strips formatting from a phone number and applies the
// default country prefix when a bare 10-digit local number is detected.
// Returns the number in +E.164-style form.
func NormalizePhone(raw, defaultCountry string) (string, bool) {
	digits := nonDigits.ReplaceAllString(raw, "")
	if len(digits) == 10 {
		digits = defaultCountry + digits
	}
	if len(digits) < 11 || len(digits) > 15 {
		return "", false
	}
	return "+" + digits, true
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidEmail pattern-checks an email address.
func ValidEmail(addr string) bool {
	return emailPattern.MatchString(strings.TrimSpace(addr))
}

// paceLimiter expresses a fixed inter-message delay as a rate limiter, the
// mechanism bulk sends use to stay under each provider's throughput ceiling.
// The delay is channel-specific; chat-style transports need a materially
// longer delay than transactional email or push.
type paceLimiter struct {
	l *rate.Limiter
}

func newPaceLimiter(interMessageDelay time.Duration) *paceLimiter {
	if interMessageDelay <= 0 {
		return &paceLimiter{l: rate.NewLimiter(rate.Inf, 1)}
	}
	return &paceLimiter{l: rate.NewLimiter(rate.Every(interMessageDelay), 1)}
}

func (p *paceLimiter) wait(ctx context.Context) {
	_ = p.l.Wait(ctx)
}

// sendSequential is the shared bulk path: one Send per envelope with the
// channel's pacing between messages. One envelope's failure never aborts the
// rest of the batch.
func sendSequential(ctx context.Context, s Sender, limiter *paceLimiter, envs []*notify.Envelope) []*notify.DeliveryOutcome {
	outcomes := make([]*notify.DeliveryOutcome, 0, len(envs))
	for i, env := range envs {
		if i > 0 {
			limiter.wait(ctx)
		}
		out, err := s.Send(ctx, env)
		if err != nil {
			out = failure(string(s.Channel())+"-channel", s.Channel(), &SendError{
				Code: CodeProviderError, Message: err.Error(),
			})
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func success(provider string, ch notify.Channel, messageID string) *notify.DeliveryOutcome {
	return &notify.DeliveryOutcome{
		Success:           true,
		Provider:          provider,
		Channel:           ch,
		ProviderMessageID: messageID,
		Timestamp:         time.Now(),
	}
}

func failure(provider string, ch notify.Channel, err *SendError) *notify.DeliveryOutcome {
	return &notify.DeliveryOutcome{
		Success:   false,
		Provider:  provider,
		Channel:   ch,
		Error:     err.Message,
		ErrorCode: err.Code,
		Permanent: err.Permanent,
		Timestamp: time.Now(),
	}
}
