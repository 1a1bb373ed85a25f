package planauth

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qtaura/planauth/internal/audit"
	"github.com/qtaura/planauth/internal/rate"
	"github.com/qtaura/planauth/password"
	"github.com/qtaura/planauth/session"
	"github.com/qtaura/planauth/token"
)

// Builder assembles an [Engine]. Redis, an account store and a mailer are
// required; everything else has production defaults.
type Builder struct {
	config    Config
	hasConfig bool
	redis     redis.UniversalClient
	accounts  AccountStore
	mailer    Mailer
	banlist   Banlist
	sink      AuditSink
	clock     func() time.Time
}

func New() *Builder {
	return &Builder{}
}

// WithConfig replaces the default configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	b.hasConfig = true
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithAccountStore(store AccountStore) *Builder {
	b.accounts = store
	return b
}

func (b *Builder) WithMailer(mailer Mailer) *Builder {
	b.mailer = mailer
	return b
}

// WithBanlist replaces the banlist built from Config.Login.BannedIdentifiers.
func (b *Builder) WithBanlist(banlist Banlist) *Builder {
	b.banlist = banlist
	return b
}

// WithAuditSink attaches the sink behind the async audit dispatcher. Without
// one, events are dropped.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// withClock overrides the engine clock. Test hook.
func (b *Builder) withClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.redis == nil {
		return nil, errors.New("planauth: redis client is required")
	}
	if b.accounts == nil {
		return nil, errors.New("planauth: account store is required")
	}
	if b.mailer == nil {
		return nil, errors.New("planauth: mailer is required")
	}

	cfg := b.config
	if !b.hasConfig {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tokens, err := token.NewManager(token.Config{
		Method:     token.SigningMethod(cfg.Token.Algorithm),
		Seed:       cfg.Token.Ed25519Seed,
		Secret:     cfg.Token.HS256Secret,
		Issuer:     cfg.Token.Issuer,
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Params{
		Memory:      cfg.Password.Memory,
		Iterations:  cfg.Password.Iterations,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	banlist := b.banlist
	if banlist == nil {
		banlist = newStaticBanlist(cfg.Login.BannedIdentifiers)
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		config:   cfg,
		accounts: b.accounts,
		sessions: session.NewStore(b.redis, cfg.Session.KeyPrefix, cfg.Session.RevokedRetention),
		codes:    newVerificationStore(b.redis, cfg.Verification.KeyPrefix),
		loginLimiter: rate.New(b.redis, rate.Config{
			MaxAttempts: cfg.Login.MaxAttempts,
			Window:      cfg.Login.Window,
		}),
		banlist:      banlist,
		mailer:       b.mailer,
		metrics:      NewMetrics(cfg.MetricsEnabled),
		passwordHash: hasher,
		tokens:       tokens,
		now:          clock,
	}

	if b.sink != nil {
		e.audit = audit.NewDispatcher(audit.Config{
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.sink)
	}

	return e, nil
}
