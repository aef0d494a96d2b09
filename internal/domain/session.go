package domain

import "time"

// ConversationSession is derived on demand from ledger rows sharing a
// phone key; it is never stored.
type ConversationSession struct {
	PhoneKey       string
	LastInboundAt  *time.Time
	LastOutboundAt *time.Time
	LastMessageAt  *time.Time
}

// OpenAt reports whether the provider reply window is open at the given
// instant. Absent any inbound message the window is closed.
func (s *ConversationSession) OpenAt(now time.Time, window time.Duration) bool {
	if s == nil || s.LastInboundAt == nil {
		return false
	}
	return now.Sub(*s.LastInboundAt) <= window
}
