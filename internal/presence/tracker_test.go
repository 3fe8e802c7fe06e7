package presence

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memActivity is an in-memory ActivityStore with the same monotonic-touch
// semantics as the Postgres implementation.
type memActivity struct {
	mu   sync.Mutex
	last map[int64]time.Time
}

func newMemActivity() *memActivity {
	return &memActivity{last: make(map[int64]time.Time)}
}

func (m *memActivity) TouchLastActivity(ctx context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.last[userID]; !ok || cur.Before(at) {
		m.last[userID] = at
	}
	return nil
}

func (m *memActivity) LastActivity(ctx context.Context, userID int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[userID], nil
}

func TestTouchAndLastSeen(t *testing.T) {
	tr := NewTracker(newMemActivity(), nil)
	ctx := context.Background()
	now := time.Now()

	if err := tr.Touch(ctx, 1, now); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	last, err := tr.LastSeen(ctx, 1)
	if err != nil {
		t.Fatalf("LastSeen() error: %v", err)
	}
	if !last.Equal(now) {
		t.Errorf("expected last seen %v, got %v", now, last)
	}
}

func TestTouch_Monotonic(t *testing.T) {
	tr := NewTracker(newMemActivity(), nil)
	ctx := context.Background()
	now := time.Now()

	if err := tr.Touch(ctx, 1, now); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	// An out-of-order disconnect signal carrying an older timestamp.
	if err := tr.Touch(ctx, 1, now.Add(-time.Minute)); err != nil {
		t.Fatalf("Touch() stale error: %v", err)
	}

	last, err := tr.LastSeen(ctx, 1)
	if err != nil {
		t.Fatalf("LastSeen() error: %v", err)
	}
	if !last.Equal(now) {
		t.Errorf("stale touch moved last seen backwards: %v", last)
	}
}

func TestIsOnline_Window(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		ago  time.Duration
		want bool
	}{
		{name: "just touched", ago: 0, want: true},
		{name: "inside window", ago: 4 * time.Minute, want: true},
		{name: "at window boundary", ago: FreshnessWindow, want: false},
		{name: "well past window", ago: time.Hour, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(newMemActivity(), nil)
			tr.now = func() time.Time { return now }
			ctx := context.Background()

			if err := tr.Touch(ctx, 1, now.Add(-tc.ago)); err != nil {
				t.Fatalf("Touch() error: %v", err)
			}
			online, err := tr.IsOnline(ctx, 1)
			if err != nil {
				t.Fatalf("IsOnline() error: %v", err)
			}
			if online != tc.want {
				t.Errorf("IsOnline() = %v, want %v", online, tc.want)
			}
		})
	}
}

func TestIsOnline_NeverSeen(t *testing.T) {
	tr := NewTracker(newMemActivity(), nil)

	online, err := tr.IsOnline(context.Background(), 99)
	if err != nil {
		t.Fatalf("IsOnline() error: %v", err)
	}
	if online {
		t.Error("user with no recorded activity must be offline")
	}
}
