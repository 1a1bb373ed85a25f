package planauth

import (
	"errors"
	"fmt"
	"time"
)

// Config controls every tunable of the engine. Zero values are filled in
// from [DefaultConfig] by the builder; Validate rejects configurations that
// would weaken the security posture below the documented floor.
type Config struct {
	Token        TokenConfig
	Session      SessionConfig
	Verification VerificationConfig
	Password     PasswordConfig
	Login        LoginConfig
	Audit        AuditConfig

	// MetricsEnabled toggles the in-process counters and latency histogram.
	MetricsEnabled bool
}

// TokenConfig controls the JWT access/refresh token pair.
type TokenConfig struct {
	// Algorithm is "ed25519" (default) or "hs256".
	Algorithm string
	// Ed25519Seed is the 32-byte private key seed for ed25519.
	Ed25519Seed []byte
	// HS256Secret is the HMAC secret for hs256 (min 32 bytes).
	HS256Secret []byte

	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// SessionConfig controls refresh-session storage and the concurrency cap.
type SessionConfig struct {
	// MaxConcurrent is the hard per-account session ceiling. Creating a
	// session above the cap revokes the oldest sessions first.
	MaxConcurrent int
	// RevokedRetention is how long a revoked session row remains readable
	// after revocation, so replayed credentials can still be classified.
	RevokedRetention time.Duration
	// KeyPrefix namespaces all Redis keys written by the session store.
	KeyPrefix string
}

// VerificationConfig controls email-verification code issuance and the
// progressive verify-side backoff and lockout.
type VerificationConfig struct {
	CodeDigits int
	CodeTTL    time.Duration

	// ResendCooldown is the minimum age the current unused code must reach
	// before a resend is honored without penalty.
	ResendCooldown time.Duration
	// MaxSendBackoff caps the escalating resend penalty.
	MaxSendBackoff time.Duration

	// VerifyBackoffBase is the per-attempt step of the progressive delay
	// applied after each invalid code. Zero disables the delay (the lockout
	// threshold still applies).
	VerifyBackoffBase time.Duration
	// MaxVerifyBackoff caps the progressive delay.
	MaxVerifyBackoff time.Duration

	// LockoutThreshold is the number of invalid attempts that trips the
	// hard lockout.
	LockoutThreshold uint32
	// LockoutDuration is how long the hard lockout holds.
	LockoutDuration time.Duration

	// KeyPrefix namespaces all Redis keys written by the code store.
	KeyPrefix string
}

// PasswordConfig controls argon2id hashing cost.
type PasswordConfig struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// LoginConfig controls the fixed-window login attempt limiter and the
// static banlist.
type LoginConfig struct {
	MaxAttempts int
	Window      time.Duration
	// BannedIdentifiers are compared case-insensitively against the login
	// identifier before any account lookup.
	BannedIdentifiers []string
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	// BufferSize is the dispatcher queue depth. When the queue is full and
	// DropIfFull is set, events are counted as dropped instead of blocking.
	BufferSize int
	DropIfFull bool
}

// DefaultConfig returns the production defaults. Secrets are intentionally
// absent; Build fails without key material.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			Algorithm:  "ed25519",
			Issuer:     "planauth",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 720 * time.Hour,
		},
		Session: SessionConfig{
			MaxConcurrent:    5,
			RevokedRetention: time.Hour,
			KeyPrefix:        "pas",
		},
		Verification: VerificationConfig{
			CodeDigits:        6,
			CodeTTL:           10 * time.Minute,
			ResendCooldown:    60 * time.Second,
			MaxSendBackoff:    15 * time.Minute,
			VerifyBackoffBase: 30 * time.Second,
			MaxVerifyBackoff:  300 * time.Second,
			LockoutThreshold:  5,
			LockoutDuration:   15 * time.Minute,
			KeyPrefix:         "pvc",
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Iterations:  3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Login: LoginConfig{
			MaxAttempts: 10,
			Window:      time.Minute,
		},
		Audit: AuditConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
		MetricsEnabled: true,
	}
}

// Validate checks the configuration for values that would break invariants
// or silently weaken security.
func (c *Config) Validate() error {
	switch c.Token.Algorithm {
	case "ed25519":
		if len(c.Token.Ed25519Seed) != 0 && len(c.Token.Ed25519Seed) != 32 {
			return errors.New("planauth: ed25519 seed must be exactly 32 bytes")
		}
	case "hs256":
		if len(c.Token.HS256Secret) < 32 {
			return errors.New("planauth: hs256 secret must be at least 32 bytes")
		}
	default:
		return fmt.Errorf("planauth: unsupported token algorithm %q", c.Token.Algorithm)
	}

	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return errors.New("planauth: token TTLs must be positive")
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL {
		return errors.New("planauth: access TTL must be shorter than refresh TTL")
	}

	if c.Session.MaxConcurrent < 1 {
		return errors.New("planauth: session cap must be at least 1")
	}
	if c.Session.RevokedRetention < 0 {
		return errors.New("planauth: revoked retention must not be negative")
	}

	v := &c.Verification
	if v.CodeDigits < 4 || v.CodeDigits > 10 {
		return errors.New("planauth: code digits must be between 4 and 10")
	}
	if v.CodeTTL <= 0 {
		return errors.New("planauth: code TTL must be positive")
	}
	if v.ResendCooldown <= 0 || v.ResendCooldown >= v.CodeTTL {
		return errors.New("planauth: resend cooldown must be positive and shorter than code TTL")
	}
	if v.VerifyBackoffBase < 0 || v.MaxVerifyBackoff < v.VerifyBackoffBase {
		return errors.New("planauth: verify backoff cap must not be below the base")
	}
	if v.MaxSendBackoff < v.ResendCooldown {
		return errors.New("planauth: send backoff cap must not be below the resend cooldown")
	}
	if v.LockoutThreshold < 3 {
		return errors.New("planauth: lockout threshold below 3 defeats legitimate retries")
	}
	if v.LockoutDuration <= 0 {
		return errors.New("planauth: lockout duration must be positive")
	}

	p := &c.Password
	if p.Memory < 8*1024 || p.Iterations < 1 || p.Parallelism < 1 {
		return errors.New("planauth: argon2id parameters below safe floor")
	}
	if p.SaltLength < 8 || p.KeyLength < 16 {
		return errors.New("planauth: argon2id salt/key lengths below safe floor")
	}

	if c.Login.MaxAttempts < 1 || c.Login.Window <= 0 {
		return errors.New("planauth: login limiter requires positive attempts and window")
	}

	if c.Audit.BufferSize < 1 {
		return errors.New("planauth: audit buffer size must be at least 1")
	}

	return nil
}
