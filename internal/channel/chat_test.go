package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggletail/dispatch/internal/notify"
)

func chatEnvelope(p *notify.ChatPayload) *notify.Envelope {
	return &notify.Envelope{
		UserID:   "u1",
		Channel:  notify.ChannelChat,
		Category: notify.CategoryNotification,
		Chat:     p,
	}
}

func chatOKServer(t *testing.T, capture *map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []map[string]string{{"id": "wamid.42"}},
		})
	}))
}

func TestChatSendText(t *testing.T) {
	var got map[string]interface{}
	srv := chatOKServer(t, &got)
	defer srv.Close()

	s := NewChatSender(ChatConfig{Token: "wa-token", PhoneNumberID: "pn1", BaseURL: srv.URL})

	out, err := s.Send(context.Background(), chatEnvelope(&notify.ChatPayload{
		To: "+1 (555) 123-4567", Text: "Rex's kibble is back in stock",
	}))
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "chat-channel", out.Provider)
	assert.Equal(t, "wamid.42", out.ProviderMessageID)
	assert.Equal(t, "text", got["type"])
	assert.Equal(t, "15551234567", got["to"], "chat transport wants a bare digit string")
}

func TestChatSendTemplateVariant(t *testing.T) {
	var got map[string]interface{}
	srv := chatOKServer(t, &got)
	defer srv.Close()

	s := NewChatSender(ChatConfig{Token: "wa-token", PhoneNumberID: "pn1", BaseURL: srv.URL})

	_, err := s.Send(context.Background(), chatEnvelope(&notify.ChatPayload{
		To: "+15551234567", TemplateName: "order_update", TemplateParams: []string{"Mario", "Rex"},
	}))
	require.NoError(t, err)

	assert.Equal(t, "template", got["type"])
	tmpl := got["template"].(map[string]interface{})
	assert.Equal(t, "order_update", tmpl["name"])
	components := tmpl["components"].([]interface{})
	params := components[0].(map[string]interface{})["parameters"].([]interface{})
	require.Len(t, params, 2)
	assert.Equal(t, "Mario", params[0].(map[string]interface{})["text"])
}

func TestChatSendInteractiveButtons(t *testing.T) {
	var got map[string]interface{}
	srv := chatOKServer(t, &got)
	defer srv.Close()

	s := NewChatSender(ChatConfig{Token: "wa-token", PhoneNumberID: "pn1", BaseURL: srv.URL})

	_, err := s.Send(context.Background(), chatEnvelope(&notify.ChatPayload{
		To: "+15551234567",
		Interactive: &notify.ChatInteractive{
			Header:  "Delivery update",
			Body:    "Reschedule your delivery?",
			Buttons: []string{"Yes", "No"},
		},
	}))
	require.NoError(t, err)

	assert.Equal(t, "interactive", got["type"])
	interactive := got["interactive"].(map[string]interface{})
	buttons := interactive["action"].(map[string]interface{})["buttons"].([]interface{})
	require.Len(t, buttons, 2)
}

func TestChatUndeliverableIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"code": 131026, "message": "undeliverable"},
		})
	}))
	defer srv.Close()

	s := NewChatSender(ChatConfig{Token: "wa-token", PhoneNumberID: "pn1", BaseURL: srv.URL})

	out, err := s.Send(context.Background(), chatEnvelope(&notify.ChatPayload{
		To: "+15551234567", Text: "hi",
	}))
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.True(t, out.Permanent)
	assert.Equal(t, "chat_131026", out.ErrorCode)
}

func TestChatCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewChatSender(ChatConfig{Token: "wa-token", PhoneNumberID: "pn1", BaseURL: srv.URL})

	env := chatEnvelope(&notify.ChatPayload{To: "+15551234567", Text: "hi"})
	for i := 0; i < 5; i++ {
		out, err := s.Send(context.Background(), env)
		require.NoError(t, err)
		assert.False(t, out.Success)
	}

	out, err := s.Send(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, CodeUnavailable, out.ErrorCode)
	assert.Contains(t, out.Error, "circuit open")
}

func TestChatValidateRecipientStripsPlus(t *testing.T) {
	s := NewChatSender(ChatConfig{Token: "wa-token", PhoneNumberID: "pn1"})

	v := s.ValidateRecipient("(555) 123-4567")
	assert.True(t, v.Valid)
	assert.Equal(t, "15551234567", v.Normalized)

	v = s.ValidateRecipient("123")
	assert.False(t, v.Valid)
}

func TestChatEmptyPayloadErrors(t *testing.T) {
	s := NewChatSender(ChatConfig{Token: "wa-token", PhoneNumberID: "pn1"})

	_, err := s.Send(context.Background(), chatEnvelope(&notify.ChatPayload{To: "+15551234567"}))
	assert.Error(t, err)
}
