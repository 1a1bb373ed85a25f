package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the JWT signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

var (
	// ErrMalformed is returned when a credential fails signature or shape
	// validation, without distinguishing the exact cause.
	ErrMalformed = errors.New("token: malformed credential")
	// ErrWrongType is returned when an access token is presented where a
	// refresh token is expected, or vice versa.
	ErrWrongType = errors.New("token: wrong credential type")
)

// Config configures a [Manager]. Ed25519 keys are derived from Seed;
// HS256 uses Secret directly.
type Config struct {
	Method SigningMethod
	// Seed is the 32-byte ed25519 private key seed. Empty generates an
	// ephemeral keypair, which is only useful for tests.
	Seed []byte
	// Secret is the HMAC key for hs256.
	Secret []byte

	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration
}

// Claims is the claim set carried by both access and refresh tokens. The
// short keys keep the encoded token compact.
type Claims struct {
	AccountID string `json:"uid"`
	SessionID string `json:"sid"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Manager mints and validates the access/refresh token pair. A Manager is
// immutable after construction and safe for concurrent use.
type Manager struct {
	config  Config
	signKey any
	pubKey  ed25519.PublicKey
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token: TTLs must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("token: invalid leeway")
	}

	m := &Manager{config: cfg}
	switch cfg.Method {
	case MethodHS256:
		if len(cfg.Secret) < 32 {
			return nil, errors.New("token: hs256 secret must be at least 32 bytes")
		}
		m.signKey = cfg.Secret
	case MethodEd25519:
		seed := cfg.Seed
		if len(seed) == 0 {
			_, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return nil, fmt.Errorf("token: generate ephemeral key: %w", err)
			}
			seed = priv.Seed()
		}
		if len(seed) != ed25519.SeedSize {
			return nil, errors.New("token: ed25519 seed must be exactly 32 bytes")
		}
		priv := ed25519.NewKeyFromSeed(seed)
		m.signKey = priv
		m.pubKey = priv.Public().(ed25519.PublicKey)
	default:
		return nil, fmt.Errorf("token: unsupported signing method %q", cfg.Method)
	}

	return m, nil
}

// CreateAccess mints a short-lived access token bound to a session.
func (m *Manager) CreateAccess(accountID, sessionID string) (string, error) {
	return m.create(accountID, sessionID, typeAccess, m.config.AccessTTL)
}

// CreateRefresh mints a refresh credential whose jti IS the session ID.
func (m *Manager) CreateRefresh(accountID, sessionID string) (string, error) {
	return m.create(accountID, sessionID, typeRefresh, m.config.RefreshTTL)
}

func (m *Manager) create(accountID, sessionID, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AccountID: accountID,
		SessionID: sessionID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   accountID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(m.method(), claims).SignedString(m.signKey)
}

// ParseAccess fully validates an access token: signature, expiry, issuer
// and token type.
func (m *Manager) ParseAccess(tokenStr string) (*Claims, error) {
	claims, err := m.parse(tokenStr, false)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != typeAccess {
		return nil, ErrWrongType
	}
	return claims, nil
}

// ParseRefresh validates the signature and shape of a refresh credential
// but deliberately skips expiry validation. An expired-but-authentic
// credential must still resolve to its session so the caller can tell
// expiry apart from forgery and from replay.
func (m *Manager) ParseRefresh(tokenStr string) (*Claims, error) {
	claims, err := m.parse(tokenStr, true)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != typeRefresh {
		return nil, ErrWrongType
	}
	if claims.AccountID == "" || claims.SessionID == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

func (m *Manager) parse(tokenStr string, skipExpiry bool) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
	}
	if skipExpiry {
		options = append(options, jwt.WithoutClaimsValidation())
	} else {
		if m.config.Leeway > 0 {
			options = append(options, jwt.WithLeeway(m.config.Leeway))
		}
		if m.config.Issuer != "" {
			options = append(options, jwt.WithIssuer(m.config.Issuer))
		}
		options = append(options, jwt.WithExpirationRequired())
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return m.verifyKey(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformed
	}
	if skipExpiry {
		// Issuer still matters when claim validation is disabled.
		if m.config.Issuer != "" && claims.Issuer != m.config.Issuer {
			return nil, ErrMalformed
		}
	}
	return claims, nil
}

// ExpiresAtTime returns the expiry carried in the claims, or the zero time
// when absent.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.Method == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) verifyKey() any {
	if m.config.Method == MethodHS256 {
		return m.config.Secret
	}
	return m.pubKey
}
