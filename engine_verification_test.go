package planauth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func registerUnverified(t *testing.T, env *testEnv) AccountSummary {
	t.Helper()
	summary, err := env.engine.Register(context.Background(), "ana@example.com", "ana", "sturdy-passphrase")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	return summary
}

func TestVerifyCodeSuccess(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	account := registerUnverified(t, env)
	code := env.mailer.lastCode()

	summary, err := env.engine.VerifyCode(ctx, account.ID, code)
	if err != nil {
		t.Fatalf("VerifyCode error: %v", err)
	}
	if !summary.Verified {
		t.Fatal("summary must report verified")
	}

	stored, err := env.accounts.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if !stored.Verified {
		t.Fatal("account must be verified in the store")
	}

	// The spent code is gone for good.
	if _, err := env.engine.VerifyCode(ctx, account.ID, code); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("re-verify error = %v, want ErrAlreadyVerified", err)
	}

	events := env.drainAudit(t)
	if !hasAuditEvent(events, "verification_succeeded") {
		t.Fatalf("missing verification_succeeded event: %+v", events)
	}
}

func TestVerifyCodeInvalidEscalates(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	account := registerUnverified(t, env)

	if _, err := env.engine.VerifyCode(ctx, account.ID, "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("error = %v, want ErrInvalidCode", err)
	}

	// One invalid attempt arms the progressive backoff.
	_, err := env.engine.VerifyCode(ctx, account.ID, env.mailer.lastCode())
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("error = %v, want ThrottledError", err)
	}
	if !errors.Is(err, ErrThrottled) {
		t.Fatal("ThrottledError must unwrap to ErrThrottled")
	}
	if throttled.RetryAfter <= 0 || throttled.RetryAfter > 30*time.Second {
		t.Fatalf("retry after = %v, want (0, 30s]", throttled.RetryAfter)
	}

	// After the backoff passes, the genuine code still works.
	env.clock.Advance(31 * time.Second)
	if _, err := env.engine.VerifyCode(ctx, account.ID, env.mailer.lastCode()); err != nil {
		t.Fatalf("VerifyCode after backoff error: %v", err)
	}
}

func TestVerifyBackoffGrowsPerAttempt(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	account := registerUnverified(t, env)

	// Second invalid attempt (after waiting out the first backoff) must
	// arm a longer delay: 2x the base.
	if _, err := env.engine.VerifyCode(ctx, account.ID, "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("error = %v, want ErrInvalidCode", err)
	}
	env.clock.Advance(31 * time.Second)
	if _, err := env.engine.VerifyCode(ctx, account.ID, "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("error = %v, want ErrInvalidCode", err)
	}

	_, err := env.engine.VerifyCode(ctx, account.ID, "000000")
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("error = %v, want ThrottledError", err)
	}
	if throttled.RetryAfter <= 30*time.Second || throttled.RetryAfter > 60*time.Second {
		t.Fatalf("retry after = %v, want (30s, 60s]", throttled.RetryAfter)
	}
}

func TestVerifyLockoutAtThreshold(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		// Disable the per-attempt delay so the threshold is reachable
		// back to back; the lockout still applies.
		cfg.Verification.VerifyBackoffBase = 0
	})
	ctx := context.Background()

	account := registerUnverified(t, env)
	code := env.mailer.lastCode()

	for i := 0; i < 5; i++ {
		if _, err := env.engine.VerifyCode(ctx, account.ID, "000000"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d error = %v, want ErrInvalidCode", i+1, err)
		}
	}

	// Locked now: even the genuine code is refused.
	_, err := env.engine.VerifyCode(ctx, account.ID, code)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("error = %v, want LockedError", err)
	}
	if !errors.Is(err, ErrLocked) {
		t.Fatal("LockedError must unwrap to ErrLocked")
	}
	if locked.RetryAfter <= 0 || locked.RetryAfter > 15*time.Minute {
		t.Fatalf("retry after = %v, want (0, 15m]", locked.RetryAfter)
	}

	// Lockout also blocks new code requests.
	if err := env.engine.SendCode(ctx, account.ID); !errors.Is(err, ErrLocked) {
		t.Fatalf("SendCode while locked error = %v, want ErrLocked", err)
	}

	// The lock expires on its own; the original code aged out with it, so
	// recovery goes through a fresh send.
	env.clock.Advance(16 * time.Minute)
	if err := env.engine.SendCode(ctx, account.ID); err != nil {
		t.Fatalf("SendCode after lock expiry error: %v", err)
	}
	if _, err := env.engine.VerifyCode(ctx, account.ID, env.mailer.lastCode()); err != nil {
		t.Fatalf("VerifyCode after lock expiry error: %v", err)
	}

	events := env.drainAudit(t)
	if !hasAuditEvent(events, "verification_locked") {
		t.Fatalf("missing verification_locked event: %+v", events)
	}
}

func TestAdminUnlock(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.Verification.VerifyBackoffBase = 0
	})
	ctx := context.Background()

	account := registerUnverified(t, env)
	code := env.mailer.lastCode()

	for i := 0; i < 5; i++ {
		_, _ = env.engine.VerifyCode(ctx, account.ID, "000000")
	}
	if _, err := env.engine.VerifyCode(ctx, account.ID, code); !errors.Is(err, ErrLocked) {
		t.Fatalf("error = %v, want ErrLocked", err)
	}

	if err := env.engine.AdminUnlock(ctx, account.ID); err != nil {
		t.Fatalf("AdminUnlock error: %v", err)
	}
	// Idempotent on an already-clear account.
	if err := env.engine.AdminUnlock(ctx, account.ID); err != nil {
		t.Fatalf("second AdminUnlock error: %v", err)
	}

	if _, err := env.engine.VerifyCode(ctx, account.ID, code); err != nil {
		t.Fatalf("VerifyCode after unlock error: %v", err)
	}
}

func TestResendCooldownViolation(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	account := registerUnverified(t, env)

	// A resend inside the cooldown does not mint a code and arms a 2x
	// cooldown penalty.
	err := env.engine.SendCode(ctx, account.ID)
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("error = %v, want ThrottledError", err)
	}
	if throttled.RetryAfter != 2*time.Minute {
		t.Fatalf("retry after = %v, want 2m", throttled.RetryAfter)
	}
	if env.mailer.sent() != 1 {
		t.Fatalf("sent = %d mails, want 1 (no code on violation)", env.mailer.sent())
	}

	// Still throttled until the penalty passes.
	if err := env.engine.SendCode(ctx, account.ID); !errors.Is(err, ErrThrottled) {
		t.Fatalf("error = %v, want ErrThrottled", err)
	}

	env.clock.Advance(2*time.Minute + time.Second)
	if err := env.engine.SendCode(ctx, account.ID); err != nil {
		t.Fatalf("SendCode after penalty error: %v", err)
	}
	if env.mailer.sent() != 2 {
		t.Fatalf("sent = %d mails, want 2", env.mailer.sent())
	}
}

func TestResendRotatesSecret(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	account := registerUnverified(t, env)
	oldCode := env.mailer.lastCode()

	env.clock.Advance(61 * time.Second)
	if err := env.engine.SendCode(ctx, account.ID); err != nil {
		t.Fatalf("SendCode error: %v", err)
	}
	newCode := env.mailer.lastCode()

	// The first code died with the secret rotation.
	if _, err := env.engine.VerifyCode(ctx, account.ID, oldCode); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("old code error = %v, want ErrInvalidCode", err)
	}

	env.clock.Advance(31 * time.Second)
	if _, err := env.engine.VerifyCode(ctx, account.ID, newCode); err != nil {
		t.Fatalf("new code error: %v", err)
	}

	events := env.drainAudit(t)
	if !hasAuditEvent(events, "verification_secret_rotated") {
		t.Fatalf("missing secret rotation event: %+v", events)
	}
}

func TestVerifyExpiredCode(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	account := registerUnverified(t, env)
	code := env.mailer.lastCode()

	env.clock.Advance(11 * time.Minute)

	if _, err := env.engine.VerifyCode(ctx, account.ID, code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("error = %v, want ErrCodeExpired", err)
	}

	// The expired code was spent on presentation: retrying it now reads as
	// plain invalid, not expired.
	env.clock.Advance(31 * time.Second)
	if _, err := env.engine.VerifyCode(ctx, account.ID, code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("retry error = %v, want ErrInvalidCode", err)
	}
}

func TestSendCodeUnknownAndVerifiedAccounts(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	if err := env.engine.SendCode(ctx, "nobody"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("unknown account error = %v, want ErrAccountNotFound", err)
	}

	account := env.registerVerified(t, "ana@example.com", "ana", "sturdy-passphrase")
	if err := env.engine.SendCode(ctx, account.ID); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("verified account error = %v, want ErrAlreadyVerified", err)
	}
}

func TestConcurrentResendKeepsMailedCodeValid(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	account := registerUnverified(t, env)
	env.clock.Advance(61 * time.Second)

	// A second send races in between the first one's record write and its
	// state commit. The straggler must lose the commit and retry, so the
	// code that ends up mailed always matches the secret the account holds.
	var racedErr error
	env.accounts.beforeCAS = func() {
		env.accounts.beforeCAS = nil
		racedErr = env.engine.SendCode(ctx, account.ID)
	}

	if err := env.engine.SendCode(ctx, account.ID); err != nil {
		t.Fatalf("SendCode error: %v", err)
	}

	// The interleaved send saw the in-flight record inside the cooldown and
	// took the violation path instead of minting a second code.
	var throttled *ThrottledError
	if !errors.As(racedErr, &throttled) {
		t.Fatalf("raced send error = %v, want ThrottledError", racedErr)
	}
	if env.mailer.sent() != 2 {
		t.Fatalf("sent = %d mails, want 2", env.mailer.sent())
	}

	// The last mailed code verifies on the first try; the race must not
	// burn invalid attempts for the account.
	if _, err := env.engine.VerifyCode(ctx, account.ID, env.mailer.lastCode()); err != nil {
		t.Fatalf("VerifyCode error: %v", err)
	}
}

func TestViolationPenaltyPersistsUnderContention(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	account := registerUnverified(t, env)

	// A competing write lands between the read and the commit; the penalty
	// must be retried onto the fresh state, not silently dropped.
	env.accounts.beforeCAS = func() {
		env.accounts.beforeCAS = nil
		env.accounts.bumpVersion(account.ID)
	}

	err := env.engine.SendCode(ctx, account.ID)
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("error = %v, want ThrottledError", err)
	}

	stored, err := env.accounts.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if stored.Verification.SendViolations != 1 {
		t.Fatalf("send violations = %d, want 1", stored.Verification.SendViolations)
	}
	if stored.Verification.SendBackoffUntil.IsZero() {
		t.Fatal("send backoff must be armed after the retried commit")
	}
}

func TestVerifyContentionDoesNotFlipVerified(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	account := registerUnverified(t, env)
	code := env.mailer.lastCode()

	// Every commit attempt loses to a competing write. The throttle reset
	// never lands, so the account must not be marked verified on top of
	// state it did not clear.
	env.accounts.beforeCAS = func() {
		env.accounts.bumpVersion(account.ID)
	}

	if _, err := env.engine.VerifyCode(ctx, account.ID, code); !errors.Is(err, ErrInternal) {
		t.Fatalf("error = %v, want ErrInternal", err)
	}
	env.accounts.beforeCAS = nil

	stored, err := env.accounts.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if stored.Verified {
		t.Fatal("account must not be verified after a lost reset")
	}
}

func TestMailFailureDoesNotFailSend(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	account := registerUnverified(t, env)
	env.mailer.fail = true

	env.clock.Advance(61 * time.Second)
	if err := env.engine.SendCode(ctx, account.ID); err != nil {
		t.Fatalf("SendCode with failing mailer error: %v", err)
	}

	// The code was issued despite the delivery failure and still verifies.
	code := env.mailer.lastCode()
	if _, err := env.engine.VerifyCode(ctx, account.ID, code); err != nil {
		t.Fatalf("VerifyCode error: %v", err)
	}

	events := env.drainAudit(t)
	if !hasAuditEvent(events, "verification_delivery_failed") {
		t.Fatalf("missing delivery failure event: %+v", events)
	}
}
