package planauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qtaura/planauth/internal"
	"github.com/qtaura/planauth/internal/audit"
	"github.com/qtaura/planauth/internal/rate"
	"github.com/qtaura/planauth/password"
	"github.com/qtaura/planauth/session"
	"github.com/qtaura/planauth/token"
)

// Engine is the authentication core. All fields are set by [Builder.Build]
// and immutable afterwards; an Engine is safe for concurrent use.
type Engine struct {
	config       Config
	accounts     AccountStore
	sessions     *session.Store
	codes        *verificationStore
	loginLimiter *rate.Limiter
	banlist      Banlist
	mailer       Mailer
	audit        *audit.Dispatcher
	metrics      *Metrics
	passwordHash *password.Hasher
	tokens       *token.Manager

	// now is the engine clock, swapped in tests.
	now func() time.Time
}

// Close drains the audit queue and stops the dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events discarded because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all engine metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// ParseAccess validates an access token and returns its account and session
// IDs. No store lookup happens here; access tokens are self-contained until
// they expire.
func (e *Engine) ParseAccess(tokenStr string) (accountID, sessionID string, err error) {
	if e == nil {
		return "", "", ErrEngineNotReady
	}
	claims, err := e.tokens.ParseAccess(tokenStr)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return claims.AccountID, claims.SessionID, nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Register creates an unverified account, rotates in its first verification
// secret and sends the initial code. Delivery failure does not fail the
// registration; the user can request a resend.
func (e *Engine) Register(ctx context.Context, email, username, plaintext string) (AccountSummary, error) {
	if e == nil {
		return AccountSummary{}, ErrEngineNotReady
	}

	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	if email == "" || username == "" {
		return AccountSummary{}, fmt.Errorf("%w: email and username are required", ErrInvalidCredentials)
	}

	hash, err := e.passwordHash.Hash(plaintext)
	if err != nil {
		return AccountSummary{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return AccountSummary{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	now := e.now()
	account, err := e.accounts.Create(ctx, Account{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Verification: VerificationState{
			Version:    1,
			Secret:     secret,
			Generation: 1,
		},
		CreatedAt: now,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			e.metricInc(MetricRegisterDuplicate)
			e.emitAudit(ctx, auditEventAccountRegistered, false, "", "", ErrAlreadyExists, nil)
			return AccountSummary{}, ErrAlreadyExists
		}
		return AccountSummary{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventAccountRegistered, true, account.ID, "", nil, func() map[string]string {
		return map[string]string{"username": account.Username}
	})

	// Initial code issuance is best effort; the user can request a resend.
	if err := e.issueCode(ctx, &account); err != nil {
		log.Print("planauth: initial verification code issuance failed")
	}

	return AccountSummary{
		ID:       account.ID,
		Email:    account.Email,
		Username: account.Username,
		Verified: account.Verified,
	}, nil
}

// Login authenticates an identifier/password pair and opens a new session.
// The error surface is deliberately flat: a missing account and a wrong
// password are both [ErrInvalidCredentials].
func (e *Engine) Login(ctx context.Context, identifier, plaintext string) (LoginResult, error) {
	if e == nil {
		return LoginResult{}, ErrEngineNotReady
	}

	identifier = strings.ToLower(strings.TrimSpace(identifier))
	ip := clientIPFromContext(ctx)

	if e.banlist != nil && e.banlist.IsBanned(identifier) {
		e.metricInc(MetricLoginBanned)
		e.emitAudit(ctx, auditEventLoginBanned, false, "", "", ErrBanned, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		return LoginResult{}, ErrBanned
	}

	if err := e.loginLimiter.Check(ctx, identifier, ip); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginRateLimited, false, "", "", ErrLoginRateLimited, nil)
			return LoginResult{}, ErrLoginRateLimited
		}
		return LoginResult{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	account, err := e.accounts.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, e.failLogin(ctx, identifier, ip, "")
		}
		return LoginResult{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	ok, err := e.passwordHash.Verify(plaintext, account.PasswordHash)
	if err != nil || !ok {
		return LoginResult{}, e.failLogin(ctx, identifier, ip, account.ID)
	}

	sess, refresh, err := e.issueSession(ctx, account.ID, nil)
	if err != nil {
		return LoginResult{}, err
	}

	access, err := e.tokens.CreateAccess(account.ID, sess.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if err := e.loginLimiter.Reset(ctx, identifier, ip); err != nil {
		// Best effort; a stale counter only costs a few attempts of budget.
		e.emitAudit(ctx, auditEventLoginSuccess, true, account.ID, sess.ID, nil, func() map[string]string {
			return map[string]string{"limiter_reset": "failed"}
		})
	} else {
		e.emitAudit(ctx, auditEventLoginSuccess, true, account.ID, sess.ID, nil, nil)
	}
	e.metricInc(MetricLoginSuccess)

	if upgrade, err := e.passwordHash.NeedsRehash(account.PasswordHash); err == nil && upgrade {
		if fresh, err := e.passwordHash.Hash(plaintext); err == nil {
			_ = e.accounts.UpdatePasswordHash(ctx, account.ID, fresh)
		}
	}

	return LoginResult{
		AccountID:    account.ID,
		SessionID:    sess.ID,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

func (e *Engine) failLogin(ctx context.Context, identifier, ip, accountID string) error {
	if err := e.loginLimiter.RecordFailure(ctx, identifier, ip); err != nil && !errors.Is(err, rate.ErrRateLimited) {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, accountID, "", ErrInvalidCredentials, nil)
	return ErrInvalidCredentials
}
