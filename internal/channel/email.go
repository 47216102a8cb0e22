package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/waggletail/dispatch/internal/notify"
	"github.com/waggletail/dispatch/internal/pkg/logger"
)

const emailProvider = "email-channel"

// sesAPI is the slice of the SES v2 client the adapter uses; tests inject a
// fake.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailConfig holds SES credentials and sender identity.
type EmailConfig struct {
	Region            string
	AccessKey         string
	SecretKey         string
	FromEmail         string
	FromName          string
	InterMessageDelay time.Duration
}

// EmailSender dispatches email envelopes through AWS SES v2.
type EmailSender struct {
	client    sesAPI
	fromEmail string
	fromName  string
	limiter   *paceLimiter
}

// NewEmailSender creates an SES-backed email sender. The AWS client is
// initialized lazily-never when credentials are missing, in which case every
// send fails with a configuration error.
func NewEmailSender(cfg EmailConfig) *EmailSender {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.InterMessageDelay == 0 {
		cfg.InterMessageDelay = 100 * time.Millisecond
	}

	sender := &EmailSender{
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		limiter:   newPaceLimiter(cfg.InterMessageDelay),
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		)
		if err != nil {
			logger.Warn("email: AWS config initialization failed", "error", err)
		} else {
			sender.client = sesv2.NewFromConfig(awsCfg)
		}
	}

	return sender
}

// NewEmailSenderWithClient wires a custom SES client. Tests only.
func NewEmailSenderWithClient(client sesAPI, fromEmail, fromName string) *EmailSender {
	return &EmailSender{
		client:    client,
		fromEmail: fromEmail,
		fromName:  fromName,
		limiter:   newPaceLimiter(0),
	}
}

// Channel implements Sender.
func (s *EmailSender) Channel() notify.Channel { return notify.ChannelEmail }

// Send delivers one email through SES.
func (s *EmailSender) Send(ctx context.Context, env *notify.Envelope) (*notify.DeliveryOutcome, error) {
	p := env.Email
	if p == nil {
		return nil, fmt.Errorf("envelope has no email payload")
	}
	if s.client == nil {
		return failure(emailProvider, notify.ChannelEmail, &SendError{
			Code: CodeUnavailable, Message: "SES client not initialized - check credentials",
		}), nil
	}

	if v := s.ValidateRecipient(p.To); !v.Valid {
		return failure(emailProvider, notify.ChannelEmail, &SendError{
			Code: CodeInvalidRecipient, Message: v.Reason, Permanent: true,
		}), nil
	}

	fromEmail := p.FromEmail
	if fromEmail == "" {
		fromEmail = s.fromEmail
	}
	fromName := p.FromName
	if fromName == "" {
		fromName = s.fromName
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", fromName, fromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{p.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(p.Subject), Charset: aws.String("UTF-8")},
				Body:    &types.Body{},
			},
		},
	}
	if p.HTMLBody != "" {
		input.Content.Simple.Body.Html = &types.Content{Data: aws.String(p.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if p.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(p.TextBody), Charset: aws.String("UTF-8")}
	}
	if p.ReplyTo != "" {
		input.ReplyToAddresses = []string{p.ReplyTo}
	}
	if env.CampaignID != "" {
		input.EmailTags = []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(env.CampaignID)},
		}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		logger.Warn("email: send failed", "email", p.To, "error", err)
		return failure(emailProvider, notify.ChannelEmail, &SendError{
			Code: CodeProviderError, Message: err.Error(),
		}), nil
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	logger.Debug("email: sent", "email", p.To, "message_id", messageID)

	return success(emailProvider, notify.ChannelEmail, messageID), nil
}

// SendBulk sends sequentially; SES has no batch transmissions API, so pacing
// keeps us under the account send rate.
func (s *EmailSender) SendBulk(ctx context.Context, envs []*notify.Envelope) []*notify.DeliveryOutcome {
	return sendSequential(ctx, s, s.limiter, envs)
}

// ValidateRecipient pattern-checks the address. SES offers no active lookup.
func (s *EmailSender) ValidateRecipient(address string) ValidationResult {
	addr := strings.ToLower(strings.TrimSpace(address))
	if !ValidEmail(addr) {
		return ValidationResult{Valid: false, Reason: "malformed email address"}
	}
	return ValidationResult{Valid: true, Normalized: addr}
}
