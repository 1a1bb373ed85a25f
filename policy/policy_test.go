package policy

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	cap := 300 * time.Second

	cases := []struct {
		violations uint32
		want       time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{5, 150 * time.Second},
		{10, 300 * time.Second},
		{11, 300 * time.Second},
		{1000, 300 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.violations, base, cap); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.violations, got, tc.want)
		}
	}
}

func TestBackoffDisabled(t *testing.T) {
	if got := Backoff(7, 0, 300*time.Second); got != 0 {
		t.Errorf("Backoff with zero base = %v, want 0", got)
	}
}

func TestResolveOrder(t *testing.T) {
	now := time.Unix(1000, 0)

	g := Resolve(now, now.Add(15*time.Minute), now.Add(30*time.Second))
	if g.State != GateLocked {
		t.Fatalf("state = %v, want GateLocked", g.State)
	}
	if got := g.RetryAfter(now); got != 15*time.Minute {
		t.Errorf("retry after = %v, want 15m", got)
	}

	g = Resolve(now, now.Add(-time.Second), now.Add(30*time.Second))
	if g.State != GateThrottled {
		t.Fatalf("state = %v, want GateThrottled", g.State)
	}

	g = Resolve(now, now.Add(-time.Second), now.Add(-time.Second))
	if g.State != GateOpen {
		t.Fatalf("state = %v, want GateOpen", g.State)
	}
	if got := g.RetryAfter(now); got != 0 {
		t.Errorf("open gate retry after = %v, want 0", got)
	}
}

func TestEvictionSet(t *testing.T) {
	base := time.Unix(2000, 0)
	active := []SessionRef{
		{ID: "c", CreatedAt: base.Add(3 * time.Minute)},
		{ID: "a", CreatedAt: base.Add(1 * time.Minute)},
		{ID: "e", CreatedAt: base.Add(5 * time.Minute)},
		{ID: "b", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "d", CreatedAt: base.Add(4 * time.Minute)},
	}

	victims := EvictionSet(active, 5)
	if len(victims) != 1 || victims[0].ID != "a" {
		t.Fatalf("victims = %+v, want single oldest session a", victims)
	}

	victims = EvictionSet(active, 3)
	if len(victims) != 3 {
		t.Fatalf("victims = %d, want 3", len(victims))
	}
	for i, want := range []string{"a", "b", "c"} {
		if victims[i].ID != want {
			t.Errorf("victim[%d] = %s, want %s", i, victims[i].ID, want)
		}
	}

	if victims := EvictionSet(active[:2], 5); victims != nil {
		t.Errorf("under-cap eviction = %+v, want nil", victims)
	}
}

func TestEvictionSetTieBreak(t *testing.T) {
	at := time.Unix(3000, 0)
	active := []SessionRef{
		{ID: "zz", CreatedAt: at},
		{ID: "aa", CreatedAt: at},
	}
	victims := EvictionSet(active, 2)
	if len(victims) != 1 || victims[0].ID != "aa" {
		t.Fatalf("victims = %+v, want aa by ID tie-break", victims)
	}
}
