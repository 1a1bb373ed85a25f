package planauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/qtaura/planauth/internal"
	"github.com/qtaura/planauth/policy"
)

// casRetries bounds optimistic-concurrency retries against the account
// store's verification-state compare-and-set.
const casRetries = 4

// SendCode issues a fresh verification code for an unverified account.
// Every honored send rotates the account's verification secret and bumps
// its generation, so all previously issued codes die at once. Requests
// younger than the resend cooldown are counted as violations and extend an
// escalating send backoff instead of minting a code.
func (e *Engine) SendCode(ctx context.Context, accountID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if account.Verified {
		return ErrAlreadyVerified
	}

	vc := &e.config.Verification
	now := e.now()

	gate := policy.Resolve(now, account.Verification.VerifyLockedUntil, account.Verification.SendBackoffUntil)
	switch gate.State {
	case policy.GateLocked:
		e.metricInc(MetricVerifyLocked)
		e.emitAudit(ctx, auditEventCodeSendThrottled, false, account.ID, "", ErrLocked, nil)
		return &LockedError{RetryAfter: gate.RetryAfter(now)}
	case policy.GateThrottled:
		e.metricInc(MetricSendThrottled)
		e.emitAudit(ctx, auditEventCodeSendThrottled, false, account.ID, "", ErrThrottled, nil)
		return &ThrottledError{RetryAfter: gate.RetryAfter(now)}
	}

	// A live unused code younger than the cooldown makes this request a
	// violation: no new code, and the backoff grows with each repeat.
	if record, err := e.codes.Current(ctx, account.ID); err == nil {
		age := now.Sub(record.issuedAt())
		if !record.Used && now.Before(record.expiresAt()) && age < vc.ResendCooldown {
			for i := 0; i < casRetries; i++ {
				violations := account.Verification.SendViolations + 1
				backoff := policy.Backoff(violations+1, vc.ResendCooldown, vc.MaxSendBackoff)

				next := account.Verification
				next.Version++
				next.SendViolations = violations
				next.SendBackoffUntil = now.Add(backoff)

				ok, err := e.accounts.CompareAndSetVerification(ctx, account.ID, account.Verification.Version, next)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrInternal, err)
				}
				if ok {
					e.metricInc(MetricSendThrottled)
					e.emitAudit(ctx, auditEventCodeSendThrottled, false, account.ID, "", ErrThrottled, func() map[string]string {
						return map[string]string{"violations": fmt.Sprint(violations)}
					})
					return &ThrottledError{RetryAfter: backoff}
				}
				account, err = e.accounts.GetByID(ctx, account.ID)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrInternal, err)
				}
			}
			return fmt.Errorf("%w: verification state contention", ErrInternal)
		}
	} else if !errors.Is(err, errCodeNotFound) {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	for i := 0; i < casRetries; i++ {
		secret, err := internal.NewSecret()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}

		next := account.Verification
		next.Version++
		next.Secret = secret
		next.Generation++
		next.SendViolations = 0
		next.SendBackoffUntil = time.Time{}

		code, record, err := e.mintCode(secret, next.Generation, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}

		// The record lands before the state commit, so the secret an account
		// ends up holding always has its matching record in place; a losing
		// writer's record is overwritten by its own retry.
		if err := e.codes.Save(ctx, account.ID, record); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}

		ok, err := e.accounts.CompareAndSetVerification(ctx, account.ID, account.Verification.Version, next)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if ok {
			account.Verification = next
			e.emitAudit(ctx, auditEventSecretRotated, true, account.ID, "", nil, func() map[string]string {
				return map[string]string{"generation": fmt.Sprint(next.Generation)}
			})
			e.deliverCode(ctx, &account, code)
			return nil
		}

		account, err = e.accounts.GetByID(ctx, account.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}
	return fmt.Errorf("%w: verification state contention", ErrInternal)
}

// mintCode draws a fresh OTP and builds its store record under the given
// secret and generation.
func (e *Engine) mintCode(secret []byte, generation uint64, now time.Time) (string, *codeRecord, error) {
	vc := &e.config.Verification

	code, err := internal.NewOTP(vc.CodeDigits)
	if err != nil {
		return "", nil, err
	}

	record := &codeRecord{
		Generation: generation,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(vc.CodeTTL).Unix(),
	}
	copy(record.Hash[:], internal.HashCode(secret, code))
	return code, record, nil
}

// deliverCode hands an issued code to the mailer. Delivery failure is
// audited but does not undo issuance.
func (e *Engine) deliverCode(ctx context.Context, account *Account, code string) {
	e.metricInc(MetricCodeSent)
	e.emitAudit(ctx, auditEventCodeSent, true, account.ID, "", nil, func() map[string]string {
		return map[string]string{"generation": fmt.Sprint(account.Verification.Generation)}
	})

	if err := e.mailer.SendVerificationCode(ctx, account.Email, account.Username, code); err != nil {
		log.Print("planauth: verification mail delivery failed")
		e.emitAudit(ctx, auditEventCodeDeliveryFailed, false, account.ID, "", ErrInternal, nil)
	}
}

// issueCode mints, persists and delivers a code under the account's current
// secret and generation. Registration path; resends go through SendCode's
// rotation commit instead.
func (e *Engine) issueCode(ctx context.Context, account *Account) error {
	code, record, err := e.mintCode(account.Verification.Secret, account.Verification.Generation, e.now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := e.codes.Save(ctx, account.ID, record); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	e.deliverCode(ctx, account, code)
	return nil
}

// VerifyCode checks a submitted code against the account's current
// verification state. Invalid submissions escalate a progressive backoff
// and, at the lockout threshold, trip a hard lock. The lockout gate is
// checked before the backoff gate so a locked caller can never observe the
// shorter timer.
func (e *Engine) VerifyCode(ctx context.Context, accountID, code string) (AccountSummary, error) {
	if e == nil {
		return AccountSummary{}, ErrEngineNotReady
	}

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return AccountSummary{}, ErrAccountNotFound
		}
		return AccountSummary{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if account.Verified {
		return AccountSummary{}, ErrAlreadyVerified
	}

	for i := 0; i < casRetries; i++ {
		now := e.now()

		gate := policy.Resolve(now, account.Verification.VerifyLockedUntil, account.Verification.VerifyBackoffUntil)
		switch gate.State {
		case policy.GateLocked:
			e.metricInc(MetricVerifyLocked)
			e.emitAudit(ctx, auditEventVerifyFailed, false, account.ID, "", ErrLocked, nil)
			return AccountSummary{}, &LockedError{RetryAfter: gate.RetryAfter(now)}
		case policy.GateThrottled:
			e.metricInc(MetricVerifyThrottled)
			e.emitAudit(ctx, auditEventVerifyFailed, false, account.ID, "", ErrThrottled, nil)
			return AccountSummary{}, &ThrottledError{RetryAfter: gate.RetryAfter(now)}
		}

		outcome := e.classifyCode(ctx, &account, code, now)
		switch outcome {
		case codeOutcomeValid:
			return e.completeVerification(ctx, account)
		case codeOutcomeStoreError:
			return AccountSummary{}, fmt.Errorf("%w: verification store unavailable", ErrInternal)
		}

		// Invalid or expired: escalate under CAS so concurrent attempts
		// cannot under-count.
		attempts := account.Verification.InvalidAttempts + 1
		next := account.Verification
		next.Version++
		next.InvalidAttempts = attempts
		next.VerifyBackoffUntil = now.Add(policy.Backoff(attempts, e.config.Verification.VerifyBackoffBase, e.config.Verification.MaxVerifyBackoff))
		locked := attempts >= e.config.Verification.LockoutThreshold
		if locked {
			next.VerifyLockedUntil = now.Add(e.config.Verification.LockoutDuration)
		}

		ok, err := e.accounts.CompareAndSetVerification(ctx, account.ID, account.Verification.Version, next)
		if err != nil {
			return AccountSummary{}, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if !ok {
			account, err = e.accounts.GetByID(ctx, account.ID)
			if err != nil {
				return AccountSummary{}, fmt.Errorf("%w: %v", ErrInternal, err)
			}
			continue
		}

		e.metricInc(MetricVerifyFailure)
		failure := ErrInvalidCode
		if outcome == codeOutcomeExpired {
			failure = ErrCodeExpired
		}
		if locked {
			e.emitAudit(ctx, auditEventVerifyLocked, false, account.ID, "", failure, func() map[string]string {
				return map[string]string{"attempts": fmt.Sprint(attempts)}
			})
		} else {
			e.emitAudit(ctx, auditEventVerifyFailed, false, account.ID, "", failure, func() map[string]string {
				return map[string]string{"attempts": fmt.Sprint(attempts)}
			})
		}
		return AccountSummary{}, failure
	}
	return AccountSummary{}, fmt.Errorf("%w: verification state contention", ErrInternal)
}

type codeOutcome int

const (
	codeOutcomeInvalid codeOutcome = iota
	codeOutcomeExpired
	codeOutcomeValid
	codeOutcomeStoreError
)

// classifyCode decides what the submitted code is worth against the current
// record. The hash comparison runs in constant time; generation mismatch
// means the code was minted under a secret that has since rotated.
func (e *Engine) classifyCode(ctx context.Context, account *Account, code string, now time.Time) codeOutcome {
	record, err := e.codes.Current(ctx, account.ID)
	if err != nil {
		if errors.Is(err, errCodeNotFound) {
			return codeOutcomeInvalid
		}
		return codeOutcomeStoreError
	}

	expected := internal.HashCode(account.Verification.Secret, code)
	match := subtle.ConstantTimeCompare(record.Hash[:], expected) == 1

	if !match || record.Used || record.Generation != account.Verification.Generation {
		return codeOutcomeInvalid
	}
	if !now.Before(record.expiresAt()) {
		// An authentic but stale code is spent on presentation so it cannot
		// be retried later against a skewed clock.
		if err := e.codes.MarkUsed(ctx, account.ID); err != nil {
			log.Print("planauth: mark-used on expired code failed")
		}
		return codeOutcomeExpired
	}
	return codeOutcomeValid
}

func (e *Engine) completeVerification(ctx context.Context, account Account) (AccountSummary, error) {
	if err := e.codes.Delete(ctx, account.ID); err != nil {
		return AccountSummary{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	reset := false
	for i := 0; i < casRetries; i++ {
		next := account.Verification
		next.Version++
		next.InvalidAttempts = 0
		next.SendViolations = 0
		next.VerifyBackoffUntil = time.Time{}
		next.VerifyLockedUntil = time.Time{}
		next.SendBackoffUntil = time.Time{}

		ok, err := e.accounts.CompareAndSetVerification(ctx, account.ID, account.Verification.Version, next)
		if err != nil {
			return AccountSummary{}, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if ok {
			reset = true
			break
		}
		account, err = e.accounts.GetByID(ctx, account.ID)
		if err != nil {
			return AccountSummary{}, fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}
	if !reset {
		// Do not flip verified on top of stale throttle state; the caller can
		// resubmit once the contention clears.
		return AccountSummary{}, fmt.Errorf("%w: verification state contention", ErrInternal)
	}

	if err := e.accounts.SetVerified(ctx, account.ID); err != nil {
		return AccountSummary{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	e.metricInc(MetricVerifySuccess)
	e.emitAudit(ctx, auditEventVerifySucceeded, true, account.ID, "", nil, nil)

	return AccountSummary{
		ID:       account.ID,
		Email:    account.Email,
		Username: account.Username,
		Verified: true,
	}, nil
}

// AdminUnlock clears the account's verification throttle state: lockout,
// backoffs and counters. Idempotent; unlocking an unlocked account
// succeeds.
func (e *Engine) AdminUnlock(ctx context.Context, accountID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	for i := 0; i < casRetries; i++ {
		next := account.Verification
		next.Version++
		next.InvalidAttempts = 0
		next.SendViolations = 0
		next.VerifyBackoffUntil = time.Time{}
		next.VerifyLockedUntil = time.Time{}
		next.SendBackoffUntil = time.Time{}

		ok, err := e.accounts.CompareAndSetVerification(ctx, account.ID, account.Verification.Version, next)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if ok {
			e.metricInc(MetricAdminUnlock)
			e.emitAudit(ctx, auditEventAdminUnlock, true, account.ID, "", nil, nil)
			return nil
		}
		account, err = e.accounts.GetByID(ctx, account.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}
	return fmt.Errorf("%w: verification state contention", ErrInternal)
}
