package notify

import (
	"testing"
	"time"
)

func prefsWith(ch Channel, cp *ChannelPreference) *UserPreferences {
	return &UserPreferences{
		UserID:   "u1",
		Channels: map[Channel]*ChannelPreference{ch: cp},
	}
}

func envFor(ch Channel, cat Category) *Envelope {
	env := &Envelope{UserID: "u1", Channel: ch, Category: cat}
	switch ch {
	case ChannelEmail:
		env.Email = &EmailPayload{To: "a@example.com", Subject: "s"}
	case ChannelSMS:
		env.SMS = &SMSPayload{To: "+15551234567", Body: "b"}
	case ChannelChat:
		env.Chat = &ChatPayload{To: "15551234567", Text: "t"}
	case ChannelPush:
		env.Push = &PushPayload{Token: "tok", Title: "t", Body: "b"}
	}
	return env
}

func TestAllowed(t *testing.T) {
	noon := time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)

	tests := []struct {
		name  string
		ch    Channel
		cat   Category
		prefs *UserPreferences
		now   time.Time
		want  bool
	}{
		{
			name: "no preference record defaults to allowed",
			ch:   ChannelEmail, cat: CategoryPromotional,
			prefs: nil, now: noon, want: true,
		},
		{
			name: "no block for the channel defaults to allowed",
			ch:   ChannelSMS, cat: CategoryPromotional,
			prefs: prefsWith(ChannelEmail, &ChannelPreference{Enabled: false}),
			now:   noon, want: true,
		},
		{
			name: "channel disabled rejects unconditionally",
			ch:   ChannelEmail, cat: CategoryTransactional,
			prefs: prefsWith(ChannelEmail, &ChannelPreference{Enabled: false, Transactional: true}),
			now:   noon, want: false,
		},
		{
			name: "promotional flag off rejects promotional",
			ch:   ChannelEmail, cat: CategoryPromotional,
			prefs: prefsWith(ChannelEmail, &ChannelPreference{Enabled: true, Promotional: false, Transactional: true}),
			now:   noon, want: false,
		},
		{
			name: "transactional flag off rejects transactional",
			ch:   ChannelSMS, cat: CategoryTransactional,
			prefs: prefsWith(ChannelSMS, &ChannelPreference{Enabled: true, Promotional: true, Transactional: false}),
			now:   noon, want: false,
		},
		{
			name: "notification category ignores category flags",
			ch:   ChannelSMS, cat: CategoryNotification,
			prefs: prefsWith(ChannelSMS, &ChannelPreference{Enabled: true}),
			now:   noon, want: true,
		},
		{
			name: "push inside quiet hours rejected regardless of category",
			ch:   ChannelPush, cat: CategoryTransactional,
			prefs: prefsWith(ChannelPush, &ChannelPreference{
				Enabled: true, Transactional: true,
				QuietHours: &QuietHours{Enabled: true, Start: "10:00", End: "14:00"},
			}),
			now: noon, want: false,
		},
		{
			name: "push outside quiet hours allowed",
			ch:   ChannelPush, cat: CategoryTransactional,
			prefs: prefsWith(ChannelPush, &ChannelPreference{
				Enabled: true, Transactional: true,
				QuietHours: &QuietHours{Enabled: true, Start: "22:00", End: "23:00"},
			}),
			now: noon, want: true,
		},
		{
			name: "quiet hours boundary start is inside",
			ch:   ChannelPush, cat: CategoryNotification,
			prefs: prefsWith(ChannelPush, &ChannelPreference{
				Enabled: true,
				QuietHours: &QuietHours{Enabled: true, Start: "12:00", End: "13:00"},
			}),
			now: noon, want: false,
		},
		{
			name: "quiet hours boundary end is outside",
			ch:   ChannelPush, cat: CategoryNotification,
			prefs: prefsWith(ChannelPush, &ChannelPreference{
				Enabled: true,
				QuietHours: &QuietHours{Enabled: true, Start: "10:00", End: "12:00"},
			}),
			now: noon, want: true,
		},
		{
			name: "quiet hours only apply to push",
			ch:   ChannelSMS, cat: CategoryNotification,
			prefs: prefsWith(ChannelSMS, &ChannelPreference{
				Enabled: true,
				QuietHours: &QuietHours{Enabled: true, Start: "00:00", End: "23:59"},
			}),
			now: noon, want: true,
		},
		{
			name: "malformed quiet hours window does not block",
			ch:   ChannelPush, cat: CategoryNotification,
			prefs: prefsWith(ChannelPush, &ChannelPreference{
				Enabled: true,
				QuietHours: &QuietHours{Enabled: true, Start: "25:xx", End: "14:00"},
			}),
			now: noon, want: true,
		},
		{
			name: "wraparound window treated as disabled",
			ch:   ChannelPush, cat: CategoryNotification,
			prefs: prefsWith(ChannelPush, &ChannelPreference{
				Enabled: true,
				QuietHours: &QuietHours{Enabled: true, Start: "22:00", End: "06:00"},
			}),
			now: noon, want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allowed(tt.ch, envFor(tt.ch, tt.cat), tt.prefs, tt.now)
			if got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowedDisabledPushNeverPasses(t *testing.T) {
	prefs := prefsWith(ChannelPush, &ChannelPreference{Enabled: false, Promotional: true, Transactional: true})
	for _, cat := range []Category{CategoryTransactional, CategoryPromotional, CategoryNotification} {
		for _, pri := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
			env := envFor(ChannelPush, cat)
			env.Metadata = map[string]string{"priority": string(pri)}
			if Allowed(ChannelPush, env, prefs, time.Now()) {
				t.Errorf("push disabled but Allowed() = true for category=%s priority=%s", cat, pri)
			}
		}
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     *Envelope
		wantErr bool
	}{
		{"valid email", envFor(ChannelEmail, CategoryTransactional), false},
		{"valid push topic", &Envelope{UserID: "u1", Channel: ChannelPush, Category: CategoryNotification, Push: &PushPayload{Topic: "deals", Title: "t", Body: "b"}}, false},
		{"unknown channel", &Envelope{UserID: "u1", Channel: "fax", Category: CategoryNotification}, true},
		{"missing user id", &Envelope{Channel: ChannelSMS, Category: CategoryNotification, SMS: &SMSPayload{To: "+15551234567", Body: "b"}}, true},
		{"payload mismatch", &Envelope{UserID: "u1", Channel: ChannelSMS, Category: CategoryNotification, Email: &EmailPayload{To: "a@b.c"}}, true},
		{"push without target", &Envelope{UserID: "u1", Channel: ChannelPush, Category: CategoryNotification, Push: &PushPayload{Title: "t"}}, true},
		{"missing category", &Envelope{UserID: "u1", Channel: ChannelSMS, SMS: &SMSPayload{To: "+15551234567", Body: "b"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
