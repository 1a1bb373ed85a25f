package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, "pas", time.Hour), mr
}

func testSession(id, account string, createdAt time.Time) *Session {
	return &Session{
		ID:         id,
		AccountID:  account,
		UserAgent:  "cli/1.0",
		IP:         "203.0.113.7",
		CreatedAt:  createdAt,
		LastUsedAt: createdAt,
		ExpiresAt:  createdAt.Add(720 * time.Hour),
	}
}

func TestSaveAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	want := testSession("sess-1", "acct-1", now)
	want.Label = "work laptop"
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.AccountID != "acct-1" || got.Label != "work laptop" || got.Revoked {
		t.Fatalf("row = %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, want.CreatedAt)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestConditionalRevokeExactlyOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := testSession("sess-1", "acct-1", time.Now())
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	won, err := store.ConditionalRevoke(ctx, "sess-1", "rotated", time.Now())
	if err != nil {
		t.Fatalf("ConditionalRevoke error: %v", err)
	}
	if !won {
		t.Fatal("first revoke should win the flip")
	}

	won, err = store.ConditionalRevoke(ctx, "sess-1", "rotated", time.Now())
	if err != nil {
		t.Fatalf("ConditionalRevoke error: %v", err)
	}
	if won {
		t.Fatal("second revoke must observe an already-revoked row")
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get after revoke error: %v", err)
	}
	if !got.Revoked || got.RevokeReason != "rotated" || got.RevokedAt.IsZero() {
		t.Fatalf("revoked row = %+v", got)
	}

	if _, err := store.ConditionalRevoke(ctx, "missing", "rotated", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoke(missing) error = %v, want ErrNotFound", err)
	}
}

func TestActiveForAccountOrderAndPruning(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	offsets := map[string]time.Duration{"s1": time.Minute, "s2": 2 * time.Minute, "s3": 3 * time.Minute}
	for _, id := range []string{"s3", "s1", "s2"} {
		if err := store.Save(ctx, testSession(id, "acct-1", base.Add(offsets[id]))); err != nil {
			t.Fatalf("Save(%s) error: %v", id, err)
		}
	}

	active, err := store.ActiveForAccount(ctx, "acct-1", time.Now())
	if err != nil {
		t.Fatalf("ActiveForAccount error: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("active = %d sessions, want 3", len(active))
	}
	for i, want := range []string{"s1", "s2", "s3"} {
		if active[i].ID != want {
			t.Errorf("active[%d] = %s, want %s (oldest first)", i, active[i].ID, want)
		}
	}

	if _, err := store.ConditionalRevoke(ctx, "s1", "manual", time.Now()); err != nil {
		t.Fatalf("revoke error: %v", err)
	}

	active, err = store.ActiveForAccount(ctx, "acct-1", time.Now())
	if err != nil {
		t.Fatalf("ActiveForAccount error: %v", err)
	}
	if len(active) != 2 || active[0].ID != "s2" {
		t.Fatalf("active after revoke = %+v", active)
	}
}

func TestRevokedRowExcludedButReadable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := testSession("sess-1", "acct-1", time.Now())
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if _, err := store.ConditionalRevoke(ctx, "sess-1", "manual", time.Now()); err != nil {
		t.Fatalf("revoke error: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Live(time.Now()) {
		t.Fatal("revoked row must not report live")
	}
}

func TestSetLabelAndLinkSuccessor(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := testSession("sess-1", "acct-1", time.Now())
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if err := store.SetLabel(ctx, "sess-1", "home desktop"); err != nil {
		t.Fatalf("SetLabel error: %v", err)
	}
	if err := store.SetLabel(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetLabel(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.LinkSuccessor(ctx, "sess-1", "sess-2"); err != nil {
		t.Fatalf("LinkSuccessor error: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Label != "home desktop" || got.ReplacedBy != "sess-2" {
		t.Fatalf("row = %+v", got)
	}
}

func TestTouchUpdatesLastUsed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour)
	sess := testSession("sess-1", "acct-1", created)
	sess.ExpiresAt = time.Now().Add(time.Hour)
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	used := time.Now()
	if err := store.Touch(ctx, "sess-1", used); err != nil {
		t.Fatalf("Touch error: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !got.LastUsedAt.Equal(used) {
		t.Fatalf("last_used_at = %v, want %v", got.LastUsedAt, used)
	}
}
