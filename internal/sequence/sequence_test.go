package sequence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"
)

type memoryCounter struct {
	mu      sync.Mutex
	buckets map[string]int64
	calls   int
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{buckets: map[string]int64{}}
}

func (c *memoryCounter) IncrementSequence(_ context.Context, branchCode, datePrefix string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	key := branchCode + "|" + datePrefix
	next, ok := c.buckets[key]
	if !ok {
		next = 1
	}
	c.buckets[key] = next + 1
	return next, nil
}

type counterFunc func(ctx context.Context, branchCode, datePrefix string) (int64, error)

func (f counterFunc) IncrementSequence(ctx context.Context, branchCode, datePrefix string) (int64, error) {
	return f(ctx, branchCode, datePrefix)
}

func TestFormat(t *testing.T) {
	tests := []struct {
		seq  int64
		want string
	}{
		{1, "JKT-14032025-001"},
		{42, "JKT-14032025-042"},
		{999, "JKT-14032025-999"},
		{1000, "JKT-14032025-1000"},
	}
	for _, tt := range tests {
		if got := Format("JKT", "14032025", tt.seq); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.seq, got, tt.want)
		}
	}
}

func TestCalendarDateUsesAllocatorLocation(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*60*60)
	allocator := NewAllocator(jakarta)
	// 20:00 UTC is already the next day in Jakarta.
	at := time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)
	if got := allocator.DatePrefix(allocator.CalendarDate(at)); got != "15032025" {
		t.Fatalf("expected 15032025, got %s", got)
	}
	utc := NewAllocator(nil)
	if got := utc.DatePrefix(utc.CalendarDate(at)); got != "14032025" {
		t.Fatalf("expected UTC bucket 14032025, got %s", got)
	}
}

func TestDatePrefixKeepsCalendarDay(t *testing.T) {
	newYork := time.FixedZone("EST", -5*60*60)
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	for _, loc := range []*time.Location{newYork, time.FixedZone("WIB", 7*60*60), time.UTC} {
		if got := NewAllocator(loc).DatePrefix(day); got != "14032025" {
			t.Fatalf("%s: expected 14032025, got %s", loc, got)
		}
	}
}

func TestNextIDStartsAtOneAndIncrements(t *testing.T) {
	counter := newMemoryCounter()
	allocator := NewAllocator(time.UTC)
	day := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	first, err := allocator.NextID(context.Background(), counter, "jkt", day)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	second, err := allocator.NextID(context.Background(), counter, "JKT", day)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	other, err := allocator.NextID(context.Background(), counter, "JKT", day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if first != "JKT-14032025-001" || second != "JKT-14032025-002" || other != "JKT-15032025-001" {
		t.Fatalf("unexpected ids: %s %s %s", first, second, other)
	}
}

func TestNextIDRejectsBadBranch(t *testing.T) {
	counter := newMemoryCounter()
	_, err := NewAllocator(time.UTC).NextID(context.Background(), counter, "JK-T", time.Now())
	if err == nil {
		t.Fatal("expected invalid branch error")
	}
	if counter.calls != 0 {
		t.Fatal("counter must not be touched for an invalid branch")
	}
}

func TestNextIDPropagatesCounterError(t *testing.T) {
	boom := errors.New("boom")
	counter := counterFunc(func(context.Context, string, string) (int64, error) { return 0, boom })
	if _, err := NewAllocator(time.UTC).NextID(context.Background(), counter, "JKT", time.Now()); !errors.Is(err, boom) {
		t.Fatalf("expected counter error, got %v", err)
	}
}

func TestNextIDConcurrentCallersGetContiguousSequences(t *testing.T) {
	counter := newMemoryCounter()
	counter.buckets["BDG|14032025"] = 5
	allocator := NewAllocator(time.UTC)
	day := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	const callers = 50
	ids := make([]string, callers)
	var group errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		group.Go(func() error {
			id, err := allocator.NextID(context.Background(), counter, "BDG", day)
			ids[i] = id
			return err
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("next id: %v", err)
	}

	var seqs []int
	for _, id := range ids {
		_, _, seq, err := Parse(id)
		if err != nil {
			t.Fatalf("parse %s: %v", id, err)
		}
		seqs = append(seqs, int(seq))
	}
	sort.Ints(seqs)
	for i, seq := range seqs {
		if seq != 5+i {
			t.Fatalf("expected contiguous sequences from 5, got %v", seqs)
		}
	}
}

func TestParse(t *testing.T) {
	branch, prefix, seq, err := Parse("SBY-01022025-017")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if branch != "SBY" || prefix != "01022025" || seq != 17 {
		t.Fatalf("unexpected parts: %s %s %d", branch, prefix, seq)
	}
	for _, bad := range []string{"", "SBY-0102202-017", "SBY-32132025-017", "sby-01022025-017", "SBY-01022025-17"} {
		if _, _, _, err := Parse(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestRetryOnce(t *testing.T) {
	conflict := &pgconn.PgError{Code: "23505"}
	serialization := &pgconn.PgError{Code: "40001"}
	other := errors.New("boom")

	tests := []struct {
		name      string
		results   []error
		wantCalls int
		check     func(error) bool
	}{
		{name: "success first try", results: []error{nil}, wantCalls: 1, check: func(err error) bool { return err == nil }},
		{name: "conflict then success", results: []error{conflict, nil}, wantCalls: 2, check: func(err error) bool { return err == nil }},
		{name: "two conflicts", results: []error{serialization, fmt.Errorf("commit tx: %w", conflict)}, wantCalls: 2, check: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.Is(err, ErrConflict) && errors.As(err, &pgErr)
		}},
		{name: "non conflict is not retried", results: []error{other}, wantCalls: 1, check: func(err error) bool { return errors.Is(err, other) }},
		{name: "conflict then other error", results: []error{conflict, other}, wantCalls: 2, check: func(err error) bool {
			return errors.Is(err, other) && !errors.Is(err, ErrConflict)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := RetryOnce(context.Background(), func(context.Context) error {
				result := tt.results[calls]
				calls++
				return result
			})
			if calls != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, calls)
			}
			if !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRetryOnceStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryOnce(ctx, func(context.Context) error {
		calls++
		cancel()
		return &pgconn.PgError{Code: "40001"}
	})
	if calls != 1 || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected single call and context error, got calls=%d err=%v", calls, err)
	}
}
