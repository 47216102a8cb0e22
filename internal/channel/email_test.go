package channel

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggletail/dispatch/internal/notify"
)

type fakeSES struct {
	inputs []*sesv2.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String(fmt.Sprintf("ses-%d", len(f.inputs)))}, nil
}

func emailEnvelope(to string) *notify.Envelope {
	return &notify.Envelope{
		UserID:   "u1",
		Channel:  notify.ChannelEmail,
		Category: notify.CategoryTransactional,
		Email: &notify.EmailPayload{
			To:       to,
			Subject:  "Your order shipped",
			HTMLBody: "<p>On the way!</p>",
		},
	}
}

func TestEmailSendSuccess(t *testing.T) {
	fake := &fakeSES{}
	s := NewEmailSenderWithClient(fake, "hello@waggletail.com", "WaggleTail")

	out, err := s.Send(context.Background(), emailEnvelope("mario@example.com"))
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "email-channel", out.Provider)
	assert.Equal(t, "ses-1", out.ProviderMessageID)

	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "WaggleTail <hello@waggletail.com>", *fake.inputs[0].FromEmailAddress)
	assert.Equal(t, []string{"mario@example.com"}, fake.inputs[0].Destination.ToAddresses)
}

func TestEmailSendCampaignTag(t *testing.T) {
	fake := &fakeSES{}
	s := NewEmailSenderWithClient(fake, "hello@waggletail.com", "WaggleTail")

	env := emailEnvelope("mario@example.com")
	env.CampaignID = "camp-7"

	_, err := s.Send(context.Background(), env)
	require.NoError(t, err)

	require.Len(t, fake.inputs, 1)
	require.Len(t, fake.inputs[0].EmailTags, 1)
	assert.Equal(t, "campaign_id", *fake.inputs[0].EmailTags[0].Name)
	assert.Equal(t, "camp-7", *fake.inputs[0].EmailTags[0].Value)
}

func TestEmailSendProviderError(t *testing.T) {
	fake := &fakeSES{err: fmt.Errorf("throttling: rate exceeded")}
	s := NewEmailSenderWithClient(fake, "hello@waggletail.com", "WaggleTail")

	out, err := s.Send(context.Background(), emailEnvelope("mario@example.com"))
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Equal(t, CodeProviderError, out.ErrorCode)
	assert.Contains(t, out.Error, "rate exceeded")
}

func TestEmailInvalidRecipient(t *testing.T) {
	fake := &fakeSES{}
	s := NewEmailSenderWithClient(fake, "hello@waggletail.com", "WaggleTail")

	out, err := s.Send(context.Background(), emailEnvelope("not-an-address"))
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.True(t, out.Permanent)
	assert.Equal(t, CodeInvalidRecipient, out.ErrorCode)
	assert.Empty(t, fake.inputs)
}

func TestEmailMissingCredentials(t *testing.T) {
	s := NewEmailSender(EmailConfig{FromEmail: "hello@waggletail.com"})

	out, err := s.Send(context.Background(), emailEnvelope("mario@example.com"))
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Equal(t, CodeUnavailable, out.ErrorCode)
}

func TestEmailValidateRecipientNormalizes(t *testing.T) {
	s := NewEmailSenderWithClient(&fakeSES{}, "hello@waggletail.com", "WaggleTail")

	v := s.ValidateRecipient("  Mario@Example.COM ")
	assert.True(t, v.Valid)
	assert.Equal(t, "mario@example.com", v.Normalized)

	v = s.ValidateRecipient("missing-domain@")
	assert.False(t, v.Valid)
}
