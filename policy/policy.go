package policy

import (
	"sort"
	"time"
)

// Backoff returns the delay applied after the given number of violations:
// base*violations, capped. Zero base disables the delay entirely.
func Backoff(violations uint32, base, cap time.Duration) time.Duration {
	if base <= 0 || violations == 0 {
		return 0
	}
	d := base * time.Duration(violations)
	if cap > 0 && d > cap {
		return cap
	}
	return d
}

// GateState classifies whether an operation may proceed right now.
type GateState int

const (
	// GateOpen means no restriction applies.
	GateOpen GateState = iota
	// GateThrottled means a progressive delay is in effect.
	GateThrottled
	// GateLocked means a hard lockout is in effect.
	GateLocked
)

// Gate is the resolved throttle decision for one operation at one instant.
// Until is the earliest time the operation may be retried; it is the zero
// value when State is GateOpen.
type Gate struct {
	State GateState
	Until time.Time
}

// RetryAfter returns how long the caller must wait, never negative.
func (g Gate) RetryAfter(now time.Time) time.Duration {
	if g.State == GateOpen {
		return 0
	}
	d := g.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Resolve checks a hard lockout deadline and a progressive backoff deadline
// against now. Lockout wins over throttle so an attacker cannot read the
// shorter backoff timer through error responses while locked.
func Resolve(now, lockedUntil, backoffUntil time.Time) Gate {
	if now.Before(lockedUntil) {
		return Gate{State: GateLocked, Until: lockedUntil}
	}
	if now.Before(backoffUntil) {
		return Gate{State: GateThrottled, Until: backoffUntil}
	}
	return Gate{State: GateOpen}
}

// SessionRef is the minimal session identity the eviction calculation needs.
type SessionRef struct {
	ID        string
	CreatedAt time.Time
}

// EvictionSet returns the sessions that must be revoked so that, after one
// more session is created, the account holds at most cap sessions. Oldest
// first; creation-time ties break by ID ascending so concurrent callers
// agree on the victim.
func EvictionSet(active []SessionRef, cap int) []SessionRef {
	if cap < 1 || len(active) < cap {
		return nil
	}

	refs := make([]SessionRef, len(active))
	copy(refs, active)
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
			return refs[i].ID < refs[j].ID
		}
		return refs[i].CreatedAt.Before(refs[j].CreatedAt)
	})

	return refs[:len(refs)-cap+1]
}
