// Package sequence allocates human-readable inspection ids of the form
// BRANCH-DDMMYYYY-NNN from per-(branch, date) counters.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"inspection/api/internal/store"
)

// DatePrefixLayout renders the date bucket as DDMMYYYY.
const DatePrefixLayout = "02012006"

// ErrConflict is returned when id allocation lost a race twice in a row.
var ErrConflict = errors.New("sequence conflict")

var (
	branchPattern   = regexp.MustCompile(`^[A-Z0-9]{1,16}$`)
	prettyIDPattern = regexp.MustCompile(`^([A-Z0-9]{1,16})-(\d{8})-(\d{3,})$`)
)

// Counter is the upsert-with-increment primitive. It must run inside a
// serializable transaction.
type Counter interface {
	IncrementSequence(ctx context.Context, branchCode, datePrefix string) (int64, error)
}

type Allocator struct {
	loc *time.Location
}

// NewAllocator resolves instants to calendar dates in loc. A nil location
// means UTC.
func NewAllocator(loc *time.Location) *Allocator {
	if loc == nil {
		loc = time.UTC
	}
	return &Allocator{loc: loc}
}

func (a *Allocator) Location() *time.Location {
	return a.loc
}

// CalendarDate returns the day the instant t falls on in the allocator's
// location, as midnight UTC.
func (a *Allocator) CalendarDate(t time.Time) time.Time {
	return store.CalendarDate(t, a.loc)
}

// DatePrefix renders a calendar date as DDMMYYYY without zone conversion,
// the same way the record's inspectionDate is rendered.
func (a *Allocator) DatePrefix(date time.Time) string {
	return date.Format(DatePrefixLayout)
}

// NextID reserves the next sequence of the (branchCode, date) bucket through
// counter and returns the formatted pretty id. date is a calendar date as
// returned by store.ParseInspectionDateIn or CalendarDate.
func (a *Allocator) NextID(ctx context.Context, counter Counter, branchCode string, date time.Time) (string, error) {
	branchCode = NormalizeBranch(branchCode)
	if !branchPattern.MatchString(branchCode) {
		return "", fmt.Errorf("invalid branch code %q", branchCode)
	}
	prefix := a.DatePrefix(date)
	seq, err := counter.IncrementSequence(ctx, branchCode, prefix)
	if err != nil {
		return "", err
	}
	if seq < 1 {
		return "", fmt.Errorf("counter returned non-positive sequence %d", seq)
	}
	return Format(branchCode, prefix, seq), nil
}

func NormalizeBranch(branchCode string) string {
	return strings.ToUpper(strings.TrimSpace(branchCode))
}

// ValidBranch reports whether branchCode is usable in a pretty id.
func ValidBranch(branchCode string) bool {
	return branchPattern.MatchString(NormalizeBranch(branchCode))
}

// Format composes a pretty id. Sequences above 999 keep all their digits.
func Format(branchCode, datePrefix string, seq int64) string {
	return fmt.Sprintf("%s-%s-%03d", branchCode, datePrefix, seq)
}

// Parse splits a pretty id into its branch, date prefix and sequence.
func Parse(prettyID string) (branchCode, datePrefix string, seq int64, err error) {
	match := prettyIDPattern.FindStringSubmatch(prettyID)
	if match == nil {
		return "", "", 0, fmt.Errorf("malformed pretty id %q", prettyID)
	}
	if _, err := time.Parse(DatePrefixLayout, match[2]); err != nil {
		return "", "", 0, fmt.Errorf("malformed pretty id date %q", match[2])
	}
	seq, err = strconv.ParseInt(match[3], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed pretty id sequence %q", match[3])
	}
	return match[1], match[2], seq, nil
}

// RetryOnce runs fn and, when it fails with a write-write conflict, runs it
// exactly once more. A second conflict is reported as ErrConflict wrapping
// the database error.
func RetryOnce(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !store.IsConflict(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	err = fn(ctx)
	if err == nil {
		return nil
	}
	if store.IsConflict(err) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}
