package rolling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/peacy/internal/outcome"
)

type fakeSummarizer struct {
	calls    atomic.Int32
	inflight atomic.Int32
	overlap  atomic.Bool
	err      error
	delay    time.Duration
}

func (f *fakeSummarizer) Summarize(_ context.Context, prior string, turns []string) (string, error) {
	f.calls.Add(1)
	if f.inflight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inflight.Add(-1)
	time.Sleep(f.delay)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("recap(%d turns)", len(turns)), nil
}

func TestObserve_UnderLimitKeepsTurns(t *testing.T) {
	m := NewManager(&fakeSummarizer{}, 100, 0, nil)
	if st := m.Observe(context.Background(), "chat1", "hello", "hi there"); st != outcome.OK {
		t.Fatalf("status = %v", st)
	}
	want := "User: hello\nAssistant: hi there"
	if got := m.Snapshot("chat1"); got != want {
		t.Errorf("snapshot = %q, want %q", got, want)
	}
}

func TestObserve_CompactsOverLimit(t *testing.T) {
	s := &fakeSummarizer{}
	m := NewManager(s, 10, 0, nil)
	ctx := context.Background()

	m.Observe(ctx, "chat1", "one two three", "four five")
	m.Observe(ctx, "chat1", "six seven eight nine ten", "eleven twelve thirteen fourteen")

	if s.calls.Load() != 1 {
		t.Fatalf("summarize calls = %d, want 1", s.calls.Load())
	}
	if got := m.Snapshot("chat1"); got != "recap(4 turns)" {
		t.Errorf("snapshot = %q", got)
	}

	m.Observe(ctx, "chat1", "short", "ok")
	if got := m.Snapshot("chat1"); got != "recap(4 turns)\nUser: short\nAssistant: ok" {
		t.Errorf("snapshot = %q", got)
	}
}

func TestObserve_DegradedDropsOldestTurns(t *testing.T) {
	m := NewManager(&fakeSummarizer{err: errors.New("rate limited")}, 6, 0, nil)
	ctx := context.Background()

	m.Observe(ctx, "chat1", "alpha beta gamma", "delta epsilon")
	st := m.Observe(ctx, "chat1", "zeta", "eta")
	if st != outcome.Degraded {
		t.Fatalf("status = %v, want degraded", st)
	}
	got := m.Snapshot("chat1")
	if strings.Contains(got, "alpha") {
		t.Errorf("oldest turn should be dropped: %q", got)
	}
	if !strings.HasSuffix(got, "Assistant: eta") {
		t.Errorf("newest turn should survive: %q", got)
	}
	if estimateTokens(got) > 6 {
		t.Errorf("snapshot over limit: %q", got)
	}
}

func TestSnapshot_UnknownSession(t *testing.T) {
	m := NewManager(nil, 10, 0, nil)
	if got := m.Snapshot("nobody"); got != "" {
		t.Errorf("snapshot = %q", got)
	}
	if m.Len() != 0 {
		t.Error("snapshot must not create sessions")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	m := NewManager(nil, 100, 0, nil)
	ctx := context.Background()
	m.Observe(ctx, "a", "from a", "")
	m.Observe(ctx, "b", "from b", "")
	if m.Snapshot("a") != "User: from a" || m.Snapshot("b") != "User: from b" {
		t.Errorf("a=%q b=%q", m.Snapshot("a"), m.Snapshot("b"))
	}
}

func TestObserve_SerializedPerSession(t *testing.T) {
	s := &fakeSummarizer{delay: 5 * time.Millisecond}
	m := NewManager(s, 1, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Observe(context.Background(), "chat1", fmt.Sprintf("message number %d", i), "reply")
		}(i)
	}
	wg.Wait()
	if s.overlap.Load() {
		t.Error("compactions of one session overlapped")
	}
}

func TestPrune(t *testing.T) {
	m := NewManager(nil, 100, 0, nil)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Observe(ctx, "old", "hello", "")
	now = now.Add(3 * time.Hour)
	m.Observe(ctx, "fresh", "hello", "")

	if n := m.Prune(2 * time.Hour); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if m.Snapshot("old") != "" || m.Snapshot("fresh") == "" {
		t.Error("wrong session pruned")
	}
}

func TestObserve_PrunedBetweenLookupAndLock(t *testing.T) {
	m := NewManager(nil, 100, 0, nil)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Observe(ctx, "chat", "first", "")
	now = now.Add(3 * time.Hour)

	pruned := 0
	m.beforeLock = func() {
		if pruned == 0 {
			pruned = m.Prune(2 * time.Hour)
		}
	}
	if status := m.Observe(ctx, "chat", "second", "reply"); status != outcome.OK {
		t.Fatalf("status = %v", status)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	got := m.Snapshot("chat")
	if !strings.Contains(got, "User: second") || !strings.Contains(got, "Assistant: reply") {
		t.Errorf("snapshot lost the turn written during prune: %q", got)
	}
	if strings.Contains(got, "first") {
		t.Errorf("pruned turn resurfaced: %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"hi", 1},
		{"one two three four", 3},
		{"你好", 3},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.in); got != tt.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestKeepTrailingTokens(t *testing.T) {
	got := keepTrailingTokens("a b c d e f g h", 3)
	if got != "d e f g h" {
		t.Errorf("got %q", got)
	}
}
