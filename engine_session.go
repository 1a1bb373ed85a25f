package planauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qtaura/planauth/policy"
	"github.com/qtaura/planauth/session"
)

const (
	revokeReasonRotated = "rotated"
	revokeReasonManual  = "manual"
	revokeReasonEvicted = "session_limit"
	revokeReasonSignout = "signout_others"
)

// issueSession creates and persists a fresh session for the account,
// enforcing the concurrency cap first so the account never exceeds it even
// transiently. predecessor is non-nil on the rotation path and supplies the
// lineage pointer plus fallback device metadata.
func (e *Engine) issueSession(ctx context.Context, accountID string, predecessor *session.Session) (*session.Session, string, error) {
	now := e.now()

	active, err := e.sessions.ActiveForAccount(ctx, accountID, now)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInternal, err)
	}

	// Rotation replaces a row it already revoked, so the predecessor no
	// longer counts against the cap and no eviction can be needed there.
	if predecessor == nil {
		refs := make([]policy.SessionRef, len(active))
		for i, s := range active {
			refs[i] = policy.SessionRef{ID: s.ID, CreatedAt: s.CreatedAt}
		}
		for _, victim := range policy.EvictionSet(refs, e.config.Session.MaxConcurrent) {
			won, err := e.sessions.ConditionalRevoke(ctx, victim.ID, revokeReasonEvicted, now)
			if err != nil && !errors.Is(err, session.ErrNotFound) {
				return nil, "", fmt.Errorf("%w: %v", ErrInternal, err)
			}
			if won {
				e.metricInc(MetricSessionRevoked)
				e.metricInc(MetricSessionLimitEnforced)
				e.emitAudit(ctx, auditEventSessionLimitEnforced, true, accountID, victim.ID, nil, func() map[string]string {
					return map[string]string{"cap": fmt.Sprint(e.config.Session.MaxConcurrent)}
				})
			}
		}
	}

	sess := &session.Session{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		UserAgent:  userAgentFromContext(ctx),
		IP:         clientIPFromContext(ctx),
		Label:      deviceLabelFromContext(ctx),
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(e.config.Token.RefreshTTL),
	}
	if predecessor != nil {
		sess.RotatedFrom = predecessor.ID
		if sess.UserAgent == "" {
			sess.UserAgent = predecessor.UserAgent
		}
		if sess.IP == "" {
			sess.IP = predecessor.IP
		}
		if sess.Label == "" {
			sess.Label = predecessor.Label
		}
	}

	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInternal, err)
	}

	refresh, err := e.tokens.CreateRefresh(accountID, sess.ID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, accountID, sess.ID, nil, func() map[string]string {
		m := map[string]string{}
		if sess.RotatedFrom != "" {
			m["rotated_from"] = sess.RotatedFrom
		}
		if sess.Label != "" {
			m["label"] = sess.Label
		}
		return m
	})

	return sess, refresh, nil
}

// Rotate redeems a refresh credential for a fresh session and token pair.
// The presented credential is single-use: whatever the outcome, it can
// never mint tokens again. Replay of an already-rotated or revoked
// credential is the anomaly that signals theft and is surfaced distinctly
// in audit and metrics.
func (e *Engine) Rotate(ctx context.Context, refreshToken string) (RotateResult, error) {
	if e == nil {
		return RotateResult{}, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.Observe(MetricRotateLatency, time.Since(start))
		}
	}()

	claims, err := e.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return RotateResult{}, e.failRotate(ctx, "", "", anomalyMalformed, false)
	}

	sess, err := e.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return RotateResult{}, e.failRotate(ctx, claims.AccountID, claims.SessionID, anomalyUnknownJTI, false)
		}
		return RotateResult{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if sess.AccountID != claims.AccountID {
		return RotateResult{}, e.failRotate(ctx, claims.AccountID, claims.SessionID, anomalyUnknownJTI, false)
	}

	now := e.now()
	if sess.Revoked {
		return RotateResult{}, e.failRotate(ctx, sess.AccountID, sess.ID, anomalyRevokedReuse, true)
	}
	if !now.Before(sess.ExpiresAt) {
		return RotateResult{}, e.failRotate(ctx, sess.AccountID, sess.ID, anomalyExpiredUse, false)
	}

	_ = e.sessions.Touch(ctx, sess.ID, now)

	// The atomic flip is the commit point: exactly one concurrent
	// presentation of this credential gets past it.
	won, err := e.sessions.ConditionalRevoke(ctx, sess.ID, revokeReasonRotated, now)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return RotateResult{}, e.failRotate(ctx, sess.AccountID, sess.ID, anomalyUnknownJTI, false)
		}
		return RotateResult{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !won {
		return RotateResult{}, e.failRotate(ctx, sess.AccountID, sess.ID, anomalyRevokedReuse, true)
	}
	e.metricInc(MetricSessionRevoked)

	next, refresh, err := e.issueSession(ctx, sess.AccountID, sess)
	if err != nil {
		return RotateResult{}, err
	}
	_ = e.sessions.LinkSuccessor(ctx, sess.ID, next.ID)

	access, err := e.tokens.CreateAccess(sess.AccountID, next.ID)
	if err != nil {
		return RotateResult{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e.metricInc(MetricRotateSuccess)
	e.emitAudit(ctx, auditEventRefreshRotated, true, sess.AccountID, next.ID, nil, func() map[string]string {
		return map[string]string{"rotated_from": sess.ID}
	})

	return RotateResult{
		AccountID:    sess.AccountID,
		SessionID:    next.ID,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

func (e *Engine) failRotate(ctx context.Context, accountID, sessionID, reason string, replay bool) error {
	e.metricInc(MetricRotateFailure)
	if replay {
		e.metricInc(MetricReplayDetected)
	}
	e.emitAudit(ctx, auditEventRefreshAnomaly, false, accountID, sessionID, ErrInvalidCredential, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return ErrInvalidCredential
}

// ListSessions returns the account's live sessions, oldest first.
func (e *Engine) ListSessions(ctx context.Context, accountID string) ([]SessionInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	active, err := e.sessions.ActiveForAccount(ctx, accountID, e.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	out := make([]SessionInfo, len(active))
	for i, s := range active {
		out[i] = SessionInfo{
			ID:         s.ID,
			Label:      s.Label,
			UserAgent:  s.UserAgent,
			IP:         s.IP,
			CreatedAt:  s.CreatedAt,
			LastUsedAt: s.LastUsedAt,
		}
	}
	return out, nil
}

// RenameSession sets a user-facing device label on one of the account's own
// sessions.
func (e *Engine) RenameSession(ctx context.Context, accountID, sessionID, label string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if sess.AccountID != accountID {
		return ErrSessionNotFound
	}

	if err := e.sessions.SetLabel(ctx, sessionID, label); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e.emitAudit(ctx, auditEventSessionRenamed, true, accountID, sessionID, nil, func() map[string]string {
		return map[string]string{"label": label}
	})
	return nil
}

// RevokeSession revokes one of the account's own sessions. Revoking an
// already-revoked session is a no-op, not an error.
func (e *Engine) RevokeSession(ctx context.Context, accountID, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if sess.AccountID != accountID {
		return ErrSessionNotFound
	}

	won, err := e.sessions.ConditionalRevoke(ctx, sessionID, revokeReasonManual, e.now())
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if won {
		e.metricInc(MetricSessionRevoked)
		e.emitAudit(ctx, auditEventSessionRevoked, true, accountID, sessionID, nil, nil)
	}
	return nil
}

// RevokeOthers revokes every live session of the account except keep,
// returning how many were revoked.
func (e *Engine) RevokeOthers(ctx context.Context, accountID, keepSessionID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	now := e.now()
	active, err := e.sessions.ActiveForAccount(ctx, accountID, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	revoked := 0
	for _, s := range active {
		if s.ID == keepSessionID {
			continue
		}
		won, err := e.sessions.ConditionalRevoke(ctx, s.ID, revokeReasonSignout, now)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return revoked, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if won {
			revoked++
			e.metricInc(MetricSessionRevoked)
			e.emitAudit(ctx, auditEventSessionRevoked, true, accountID, s.ID, nil, func() map[string]string {
				return map[string]string{"scope": "others"}
			})
		}
	}
	return revoked, nil
}
