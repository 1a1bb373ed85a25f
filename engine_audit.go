package planauth

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventLoginRateLimited     = "login_rate_limited"
	auditEventLoginBanned          = "login_banned"
	auditEventAccountRegistered    = "account_registered"
	auditEventSessionCreated       = "session_created"
	auditEventSessionRevoked       = "session_revoked"
	auditEventSessionRenamed       = "session_renamed"
	auditEventSessionLimitEnforced = "session_limit_enforced"
	auditEventRefreshRotated       = "refresh_rotated"
	auditEventRefreshAnomaly       = "refresh_anomaly"
	auditEventCodeSent             = "verification_code_sent"
	auditEventCodeSendThrottled    = "verification_send_throttled"
	auditEventSecretRotated        = "verification_secret_rotated"
	auditEventCodeDeliveryFailed   = "verification_delivery_failed"
	auditEventVerifyFailed         = "verification_failed"
	auditEventVerifyLocked         = "verification_locked"
	auditEventVerifySucceeded      = "verification_succeeded"
	auditEventAdminUnlock          = "admin_unlock"
)

// Anomaly reasons carried in refresh_anomaly metadata. Replay of a rotated
// or revoked credential is the one that signals theft.
const (
	anomalyMalformed    = "malformed"
	anomalyUnknownJTI   = "unknown_jti"
	anomalyRevokedReuse = "revoked_reuse"
	anomalyExpiredUse   = "expired_use"
)

// AuditErrorCode is the stable error vocabulary carried in audit events,
// decoupled from Go error text.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrBanned             AuditErrorCode = "banned"
	auditErrDuplicate          AuditErrorCode = "duplicate"
	auditErrAccountNotFound    AuditErrorCode = "account_not_found"
	auditErrAlreadyVerified    AuditErrorCode = "already_verified"
	auditErrInvalidCode        AuditErrorCode = "invalid_code"
	auditErrCodeExpired        AuditErrorCode = "code_expired"
	auditErrThrottled          AuditErrorCode = "throttled"
	auditErrLocked             AuditErrorCode = "locked"
	auditErrInvalidCredential  AuditErrorCode = "invalid_refresh_credential"
	auditErrSessionNotFound    AuditErrorCode = "session_not_found"
	auditErrInternal           AuditErrorCode = "internal_error"
)

// emitAudit assembles and dispatches one audit event. metadataBuilder is
// only invoked when a dispatcher is attached, so callers can defer map
// construction for free on the no-audit path.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	accountID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		AccountID: accountID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrLoginRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrBanned):
		return auditErrBanned
	case errors.Is(err, ErrAlreadyExists):
		return auditErrDuplicate
	case errors.Is(err, ErrAccountNotFound):
		return auditErrAccountNotFound
	case errors.Is(err, ErrAlreadyVerified):
		return auditErrAlreadyVerified
	case errors.Is(err, ErrCodeExpired):
		return auditErrCodeExpired
	case errors.Is(err, ErrInvalidCode):
		return auditErrInvalidCode
	case errors.Is(err, ErrThrottled):
		return auditErrThrottled
	case errors.Is(err, ErrLocked):
		return auditErrLocked
	case errors.Is(err, ErrInvalidCredential):
		return auditErrInvalidCredential
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrInternal):
		return auditErrInternal
	default:
		return auditErrInternal
	}
}
