package planauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	codeRecordVersionV1 = 1
	// codeRetention keeps a spent or expired record readable past its code
	// TTL so verify attempts against it classify as expired rather than as
	// never-sent.
	codeRetention = time.Hour
)

var (
	errCodeNotFound         = errors.New("verification code not found")
	errCodeRedisUnavailable = errors.New("verification redis unavailable")
)

// codeRecord is the stored state of the account's current verification
// code. The raw code never touches Redis; only its HMAC under the account's
// verification secret does.
type codeRecord struct {
	Hash       [sha256.Size]byte
	Generation uint64
	Used       bool
	IssuedAt   int64
	ExpiresAt  int64
}

func (r *codeRecord) issuedAt() time.Time  { return time.Unix(r.IssuedAt, 0) }
func (r *codeRecord) expiresAt() time.Time { return time.Unix(r.ExpiresAt, 0) }

// verificationStore holds exactly one code record per account. Saving a new
// record replaces the prior one, which is what invalidates earlier codes at
// the storage level; the generation check invalidates them cryptographically
// as well.
type verificationStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newVerificationStore(client redis.UniversalClient, prefix string) *verificationStore {
	if prefix == "" {
		prefix = "pvc"
	}
	return &verificationStore{redis: client, prefix: prefix}
}

func (s *verificationStore) key(accountID string) string {
	return s.prefix + ":" + accountID
}

func (s *verificationStore) Save(ctx context.Context, accountID string, record *codeRecord) error {
	ttl := time.Until(record.expiresAt()) + codeRetention
	if ttl <= 0 {
		return fmt.Errorf("%w: record already expired at save", errCodeRedisUnavailable)
	}

	encoded, err := encodeCodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(accountID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errCodeRedisUnavailable, err)
	}
	return nil
}

// Current returns the account's current code record, spent and expired
// records included. Callers decide what a non-live record means.
func (s *verificationStore) Current(ctx context.Context, accountID string) (*codeRecord, error) {
	data, err := s.redis.Get(ctx, s.key(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errCodeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errCodeRedisUnavailable, err)
	}
	return decodeCodeRecord(data)
}

// MarkUsed flips the record's used flag, keeping the retention TTL so the
// spent record stays observable.
func (s *verificationStore) MarkUsed(ctx context.Context, accountID string) error {
	const maxRetries = 4
	key := s.key(accountID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return errCodeNotFound
				}
				return err
			}
			record, err := decodeCodeRecord(data)
			if err != nil {
				return err
			}
			record.Used = true

			encoded, err := encodeCodeRecord(record)
			if err != nil {
				return err
			}
			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = codeRetention
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, errCodeNotFound) {
			return fmt.Errorf("%w: %v", errCodeRedisUnavailable, err)
		}
		return nil
	}
	return fmt.Errorf("%w: mark-used contention", errCodeRedisUnavailable)
}

// Delete removes the record entirely, called once verification succeeds.
func (s *verificationStore) Delete(ctx context.Context, accountID string) error {
	if err := s.redis.Del(ctx, s.key(accountID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errCodeRedisUnavailable, err)
	}
	return nil
}

func encodeCodeRecord(record *codeRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codeRecordVersionV1)
	buf.Write(record.Hash[:])
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], record.Generation)
	buf.Write(scratch[:])
	if record.Used {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.BigEndian.PutUint64(scratch[:], uint64(record.IssuedAt))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(record.ExpiresAt))
	buf.Write(scratch[:])
	return buf.Bytes(), nil
}

func decodeCodeRecord(data []byte) (*codeRecord, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil || version != codeRecordVersionV1 {
		return nil, fmt.Errorf("%w: unsupported record version", errCodeNotFound)
	}

	record := &codeRecord{}
	if _, err := io.ReadFull(r, record.Hash[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated record", errCodeNotFound)
	}
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated record", errCodeNotFound)
	}
	record.Generation = binary.BigEndian.Uint64(scratch[:])

	usedByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated record", errCodeNotFound)
	}
	record.Used = usedByte == 1

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated record", errCodeNotFound)
	}
	record.IssuedAt = int64(binary.BigEndian.Uint64(scratch[:]))
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated record", errCodeNotFound)
	}
	record.ExpiresAt = int64(binary.BigEndian.Uint64(scratch[:]))

	return record, nil
}
