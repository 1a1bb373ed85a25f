package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no session row exists for the given ID.
var ErrNotFound = errors.New("session not found")

// ErrUnavailable wraps Redis transport failures.
var ErrUnavailable = errors.New("session store unavailable")

// revokeScript is the single atomic commit gate of the rotation protocol.
// Exactly one caller can flip a live row to revoked; every later caller sees
// 0 and must treat the credential as already spent.
const revokeScript = `
local row_key = KEYS[1]
local index_prefix = ARGV[1]
local now = ARGV[2]
local reason = ARGV[3]
local retention_ms = tonumber(ARGV[4])

if redis.call("EXISTS", row_key) == 0 then
  return -1
end
if redis.call("HGET", row_key, "revoked") == "1" then
  return 0
end

redis.call("HSET", row_key, "revoked", "1", "revoked_at", now, "revoke_reason", reason)

local account = redis.call("HGET", row_key, "account_id")
if account then
  redis.call("ZREM", index_prefix .. account, redis.call("HGET", row_key, "id"))
end

if retention_ms > 0 then
  redis.call("PEXPIRE", row_key, retention_ms)
end
return 1
`

var revokeLua = redis.NewScript(revokeScript)

// Store persists session rows in Redis: one HASH per session plus a
// per-account ZSET index scored by creation time. Revoked rows are kept
// readable for a retention window so replayed credentials can still be
// classified instead of reading as unknown.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewStore(client redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "pas"
	}
	return &Store{redis: client, prefix: prefix, retention: retention}
}

func (s *Store) rowKey(id string) string     { return s.prefix + ":s:" + id }
func (s *Store) indexKey(acct string) string { return s.prefix + ":a:" + acct }
func (s *Store) indexPrefix() string         { return s.prefix + ":a:" }

// Save writes a new session row and registers it in the account index. The
// row TTL covers the session lifetime plus the revoked-row retention.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	ttl := time.Until(sess.ExpiresAt) + s.retention
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired at save", ErrUnavailable)
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, s.rowKey(sess.ID), encodeRow(sess))
	pipe.PExpire(ctx, s.rowKey(sess.ID), ttl)
	pipe.ZAdd(ctx, s.indexKey(sess.AccountID), redis.Z{
		Score:  float64(sess.CreatedAt.UnixNano()),
		Member: sess.ID,
	})
	pipe.PExpire(ctx, s.indexKey(sess.AccountID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get loads one session row, revoked rows included.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.rowKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRow(fields)
}

// ActiveForAccount returns the account's sessions live at now, ordered
// oldest first. Liveness runs on the caller's clock so listings agree with
// the engine's expiry verdicts. Index entries whose rows have expired away
// are pruned as a side effect.
func (s *Store) ActiveForAccount(ctx context.Context, accountID string, now time.Time) ([]*Session, error) {
	ids, err := s.redis.ZRange(ctx, s.indexKey(accountID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.rowKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var (
		out   []*Session
		stale []any
	)
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := decodeRow(fields)
		if err != nil {
			stale = append(stale, ids[i])
			continue
		}
		if !sess.Live(now) {
			if sess.Revoked {
				// Revoked rows leave the index via the revoke script; an
				// entry still here lost a race and can be dropped.
				stale = append(stale, ids[i])
			}
			continue
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		_ = s.redis.ZRem(ctx, s.indexKey(accountID), stale...).Err()
	}
	return out, nil
}

// ConditionalRevoke atomically flips a live row to revoked. It returns true
// only for the caller that performed the flip; false means the row was
// already revoked. A missing row returns ErrNotFound.
func (s *Store) ConditionalRevoke(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	res, err := revokeLua.Run(ctx, s.redis,
		[]string{s.rowKey(id)},
		s.indexPrefix(),
		strconv.FormatInt(now.UnixNano(), 10),
		reason,
		strconv.FormatInt(s.retention.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch res {
	case -1:
		return false, ErrNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// Touch updates the last-used timestamp. Best effort; a missing row is not
// an error.
func (s *Store) Touch(ctx context.Context, id string, now time.Time) error {
	err := s.redis.HSet(ctx, s.rowKey(id), "last_used_at", strconv.FormatInt(now.UnixNano(), 10)).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetLabel renames a session. The row must exist.
func (s *Store) SetLabel(ctx context.Context, id, label string) error {
	exists, err := s.redis.Exists(ctx, s.rowKey(id)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.redis.HSet(ctx, s.rowKey(id), "label", label).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// LinkSuccessor records the forward pointer from a rotated-out row to its
// replacement. Best effort on a row that may already be expiring away.
func (s *Store) LinkSuccessor(ctx context.Context, id, successorID string) error {
	err := s.redis.HSet(ctx, s.rowKey(id), "replaced_by", successorID).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func encodeRow(sess *Session) map[string]any {
	fields := map[string]any{
		"id":           sess.ID,
		"account_id":   sess.AccountID,
		"user_agent":   sess.UserAgent,
		"ip":           sess.IP,
		"label":        sess.Label,
		"rotated_from": sess.RotatedFrom,
		"replaced_by":  sess.ReplacedBy,
		"revoked":      boolField(sess.Revoked),
		"created_at":   strconv.FormatInt(sess.CreatedAt.UnixNano(), 10),
		"last_used_at": strconv.FormatInt(sess.LastUsedAt.UnixNano(), 10),
		"expires_at":   strconv.FormatInt(sess.ExpiresAt.UnixNano(), 10),
	}
	if sess.Revoked {
		fields["revoked_at"] = strconv.FormatInt(sess.RevokedAt.UnixNano(), 10)
		fields["revoke_reason"] = sess.RevokeReason
	}
	return fields
}

func decodeRow(fields map[string]string) (*Session, error) {
	sess := &Session{
		ID:           fields["id"],
		AccountID:    fields["account_id"],
		UserAgent:    fields["user_agent"],
		IP:           fields["ip"],
		Label:        fields["label"],
		RotatedFrom:  fields["rotated_from"],
		ReplacedBy:   fields["replaced_by"],
		Revoked:      fields["revoked"] == "1",
		RevokeReason: fields["revoke_reason"],
	}
	if sess.ID == "" || sess.AccountID == "" {
		return nil, fmt.Errorf("%w: corrupt session row", ErrNotFound)
	}

	var err error
	if sess.CreatedAt, err = timeField(fields, "created_at"); err != nil {
		return nil, err
	}
	if sess.LastUsedAt, err = timeField(fields, "last_used_at"); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = timeField(fields, "expires_at"); err != nil {
		return nil, err
	}
	if _, ok := fields["revoked_at"]; ok {
		if sess.RevokedAt, err = timeField(fields, "revoked_at"); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func timeField(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: missing %s", ErrNotFound, name)
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad %s", ErrNotFound, name)
	}
	return time.Unix(0, nanos), nil
}
