package planauth

import (
	"context"
	"io"
	"strings"
	"time"

	internalaudit "github.com/qtaura/planauth/internal/audit"
)

// Account is the authentication-relevant view of a Planara user record,
// surfaced through [AccountStore]. The store owns persistence; the Engine
// mutates only the verification fields and the password hash.
type Account struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	Verified     bool

	Verification VerificationState

	CreatedAt time.Time
}

// VerificationState is the mutable throttle block of an [Account]. It is
// updated as a unit through [AccountStore.CompareAndSetVerification], with
// Version as the compare value. The engine bumps Version on every write, so
// any concurrent writer — a verify attempt, a resend, an unlock — forces
// the loser to re-read and rebuild its update instead of interleaving.
//
// Secret is the HMAC key the account's current verification code was signed
// under; Generation increments whenever the secret rotates. A code minted
// under an older generation is cryptographically void even if still unused.
type VerificationState struct {
	Version uint64

	Secret     []byte
	Generation uint64

	InvalidAttempts uint32
	SendViolations  uint32

	VerifyBackoffUntil time.Time
	VerifyLockedUntil  time.Time
	SendBackoffUntil   time.Time
}

// AccountStore is the persistence interface callers must implement to
// integrate planauth with the Planara account database. Identifier lookups
// are case-insensitive; the Engine always passes lowercased values.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (Account, error)
	// GetByIdentifier resolves an account by email or username.
	// A miss returns an error satisfying errors.Is(err, ErrAccountNotFound).
	GetByIdentifier(ctx context.Context, identifier string) (Account, error)
	// Create persists a new account. A duplicate email or username returns an
	// error satisfying errors.Is(err, ErrAlreadyExists).
	Create(ctx context.Context, account Account) (Account, error)
	// CompareAndSetVerification replaces the account's verification state
	// only if the stored state's Version still equals expectVersion.
	// Returns false (and no error) when the compare fails.
	CompareAndSetVerification(ctx context.Context, id string, expectVersion uint64, next VerificationState) (bool, error)
	// SetVerified flips the verified flag. It is called exactly once per
	// email address outside of explicit email changes.
	SetVerified(ctx context.Context, id string) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// Mailer delivers verification codes. A delivery failure does not roll back
// code issuance: the code stays valid and the user can request a resend
// after the cooldown.
type Mailer interface {
	SendVerificationCode(ctx context.Context, email, username, code string) error
}

// Banlist is consulted before any account lookup during login. A banned
// identifier short-circuits with [ErrBanned] and touches no counters.
type Banlist interface {
	IsBanned(identifier string) bool
}

type staticBanlist map[string]struct{}

func newStaticBanlist(identifiers []string) Banlist {
	if len(identifiers) == 0 {
		return staticBanlist(nil)
	}

	m := make(staticBanlist, len(identifiers))
	for _, id := range identifiers {
		m[strings.ToLower(strings.TrimSpace(id))] = struct{}{}
	}
	return m
}

func (b staticBanlist) IsBanned(identifier string) bool {
	if len(b) == 0 {
		return false
	}
	_, banned := b[strings.ToLower(identifier)]
	return banned
}

// LoginResult is returned by [Engine.Login].
type LoginResult struct {
	AccountID    string
	SessionID    string
	AccessToken  string
	RefreshToken string
}

// RotateResult is returned by [Engine.Rotate]. The presented refresh
// credential is dead after a successful call; only RefreshToken is valid.
type RotateResult struct {
	AccountID    string
	SessionID    string
	AccessToken  string
	RefreshToken string
}

// AccountSummary is the caller-facing projection of an account, returned by
// [Engine.Register] and [Engine.VerifyCode].
type AccountSummary struct {
	ID       string
	Email    string
	Username string
	Verified bool
}

// SessionInfo is one row of [Engine.ListSessions].
type SessionInfo struct {
	ID         string
	Label      string
	UserAgent  string
	IP         string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
// Implementations must not panic; errors are swallowed by contract.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer], one per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
