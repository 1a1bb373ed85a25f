package session

import "time"

// Session is one refresh-token session row. The ID doubles as the jti of
// the refresh credential currently bound to the session lineage; rotation
// creates a new Session whose RotatedFrom points at the predecessor, and the
// predecessor's ReplacedBy points forward.
type Session struct {
	ID        string
	AccountID string

	UserAgent string
	IP        string
	Label     string

	RotatedFrom string
	ReplacedBy  string

	Revoked      bool
	RevokeReason string

	CreatedAt  time.Time
	LastUsedAt time.Time
	RevokedAt  time.Time
	ExpiresAt  time.Time
}

// Live reports whether the session can still redeem its refresh credential
// at the given instant.
func (s *Session) Live(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}
