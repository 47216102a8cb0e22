package notify

import "time"

// Allowed decides whether a recipient may be contacted on the given channel
// for the envelope's category. It is pure: it never mutates preferences and
// performs no I/O. The current time is passed in so quiet-hours checks are
// deterministic under test.
//
// Rules, in order:
//   - no preference record at all => allowed (absence of explicit opt-out is
//     treated as implicit consent)
//   - channel block present with enabled=false => rejected unconditionally
//   - promotional message with promotional=false => rejected; symmetrically
//     for transactional
//   - push only: quiet hours enabled and now inside [start, end) => rejected
//     regardless of category
func Allowed(ch Channel, env *Envelope, prefs *UserPreferences, now time.Time) bool {
	if prefs == nil || prefs.Channels == nil {
		return true
	}

	cp, ok := prefs.Channels[ch]
	if !ok || cp == nil {
		return true
	}

	if !cp.Enabled {
		return false
	}

	switch env.Category {
	case CategoryPromotional:
		if !cp.Promotional {
			return false
		}
	case CategoryTransactional:
		if !cp.Transactional {
			return false
		}
	}

	if ch == ChannelPush && cp.QuietHours != nil && cp.QuietHours.Enabled {
		if inQuietHours(cp.QuietHours, now) {
			return false
		}
	}

	return true
}

// Contains reports whether now falls inside the window, using the same
// [start, end) semantics as the per-user quiet-hours check.
func (qh *QuietHours) Contains(now time.Time) bool {
	return qh != nil && inQuietHours(qh, now)
}

// inQuietHours reports whether now falls inside the [start, end) window.
// Wrap-around windows (start > end) are not supported; a malformed window is
// treated as disabled rather than blocking all sends.
func inQuietHours(qh *QuietHours, now time.Time) bool {
	start, okStart := parseClock(qh.Start)
	end, okEnd := parseClock(qh.End)
	if !okStart || !okEnd || start > end {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	return minute >= start && minute < end
}

// parseClock parses "HH:mm" into minutes past midnight.
func parseClock(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' ||
		s[3] < '0' || s[3] > '9' || s[4] < '0' || s[4] > '9' {
		return 0, false
	}
	if h > 23 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
