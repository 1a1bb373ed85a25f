package internaldefs

import (
	planauth "github.com/qtaura/planauth"
)

// CounterDef binds one engine counter to its exposition name.
type CounterDef struct {
	ID   planauth.MetricID
	Name string
	Help string
}

// HistogramDef binds one engine histogram to its exposition name.
type HistogramDef struct {
	ID   planauth.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: planauth.MetricLoginSuccess, Name: "planauth_login_success_total", Help: "Successful login attempts."},
	{ID: planauth.MetricLoginFailure, Name: "planauth_login_failure_total", Help: "Failed login attempts."},
	{ID: planauth.MetricLoginRateLimited, Name: "planauth_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: planauth.MetricLoginBanned, Name: "planauth_login_banned_total", Help: "Login attempts rejected by the banlist."},
	{ID: planauth.MetricRegisterSuccess, Name: "planauth_register_success_total", Help: "Successful account registrations."},
	{ID: planauth.MetricRegisterDuplicate, Name: "planauth_register_duplicate_total", Help: "Registrations rejected as duplicate."},
	{ID: planauth.MetricSessionCreated, Name: "planauth_session_created_total", Help: "Created sessions."},
	{ID: planauth.MetricSessionRevoked, Name: "planauth_session_revoked_total", Help: "Revoked sessions, all reasons."},
	{ID: planauth.MetricSessionLimitEnforced, Name: "planauth_session_limit_enforced_total", Help: "Sessions evicted by the concurrency cap."},
	{ID: planauth.MetricRotateSuccess, Name: "planauth_rotate_success_total", Help: "Successful refresh rotations."},
	{ID: planauth.MetricRotateFailure, Name: "planauth_rotate_failure_total", Help: "Failed refresh rotations."},
	{ID: planauth.MetricReplayDetected, Name: "planauth_replay_detected_total", Help: "Replays of rotated or revoked refresh credentials."},
	{ID: planauth.MetricCodeSent, Name: "planauth_verification_code_sent_total", Help: "Issued verification codes."},
	{ID: planauth.MetricSendThrottled, Name: "planauth_verification_send_throttled_total", Help: "Code requests denied by cooldown or backoff."},
	{ID: planauth.MetricVerifySuccess, Name: "planauth_verification_success_total", Help: "Successful verifications."},
	{ID: planauth.MetricVerifyFailure, Name: "planauth_verification_failure_total", Help: "Invalid or expired code submissions."},
	{ID: planauth.MetricVerifyThrottled, Name: "planauth_verification_throttled_total", Help: "Verify attempts denied by backoff."},
	{ID: planauth.MetricVerifyLocked, Name: "planauth_verification_locked_total", Help: "Attempts denied by hard lockout."},
	{ID: planauth.MetricAdminUnlock, Name: "planauth_admin_unlock_total", Help: "Administrative unlock operations."},
}

var HistogramDefs = []HistogramDef{
	{ID: planauth.MetricRotateLatency, Name: "planauth_rotate_latency_seconds", Help: "Refresh rotation latency histogram."},
}

var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into cumulative counts, as
// both exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
