package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/entrhq/harvester/pkg/browser"
	"github.com/entrhq/harvester/pkg/driver"
	"github.com/entrhq/harvester/pkg/harvest"
	"github.com/entrhq/harvester/pkg/ledger"
	"github.com/entrhq/harvester/pkg/session"
)

// ErrRestartLimit is returned when the run crashed more often than the
// restart policy allows.
var ErrRestartLimit = errors.New("restart limit reached")

// State is a supervisor state.
type State string

const (
	StateInit       State = "init"
	StateLoggedIn   State = "logged_in"
	StateProcessing State = "processing"
	StateCrashed    State = "crashed"
	StateDone       State = "done"
	StateStopped    State = "stopped"
)

// Driver is what the supervisor needs from the interaction driver.
type Driver interface {
	Open(ctx context.Context, url string) error
	Submit(ctx context.Context, prompt string) error
	AwaitCompletion(ctx context.Context) (driver.Completion, error)
	RateLimited(ctx context.Context) (bool, error)
	RecoverRateLimit(ctx context.Context) error
}

// Harvester extracts the chapters of a finished unit.
type Harvester interface {
	Harvest(ctx context.Context, unit int) (*harvest.Result, error)
}

// Authenticator brings a fresh page to a logged-in state.
type Authenticator interface {
	Login(ctx context.Context, page browser.Page) (*session.LoginResult, error)
}

// Ledger records unit completion.
type Ledger interface {
	IsComplete(n int) (bool, error)
	MarkComplete(n int, rec ledger.Record) error
	ResumePoint(start int) (int, error)
}

// UnitError is an unrecoverable failure while processing a unit. Unit is -1
// when the failure happened outside unit processing.
type UnitError struct {
	Unit  int
	Stage string
	Err   error
	Stack []byte
}

func (e *UnitError) Error() string {
	if e.Unit < 0 {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("unit %d: %s: %v", e.Unit, e.Stage, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Range is an inclusive range of unit numbers.
type Range struct {
	Start int
	End   int
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParseRange parses "<start>-<end>" or a single "<n>".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, fmt.Errorf("range cannot be empty")
	}

	startText, endText, found := strings.Cut(s, "-")
	if !found {
		endText = startText
	}

	start, err := strconv.Atoi(strings.TrimSpace(startText))
	if err != nil {
		return Range{}, fmt.Errorf("invalid range start %q", startText)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endText))
	if err != nil {
		return Range{}, fmt.Errorf("invalid range end %q", endText)
	}

	r := Range{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// Validate checks start >= 0 and end >= start.
func (r Range) Validate() error {
	if r.Start < 0 {
		return fmt.Errorf("range start must be >= 0, got %d", r.Start)
	}
	if r.End < r.Start {
		return fmt.Errorf("range end %d is before start %d", r.End, r.Start)
	}
	return nil
}

// Report summarizes a run.
type Report struct {
	Range          Range
	Processed      []int
	Skipped        []int
	Restarts       int
	RateLimits     int
	FailedChapters map[int][]int
	FinalState     State
}

// String renders a one-paragraph summary for the operator.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "range %s: %d processed, %d skipped, %d restarts, %d rate limits",
		r.Range, len(r.Processed), len(r.Skipped), r.Restarts, r.RateLimits)

	if len(r.FailedChapters) > 0 {
		units := make([]int, 0, len(r.FailedChapters))
		for u := range r.FailedChapters {
			units = append(units, u)
		}
		sort.Ints(units)

		parts := make([]string, 0, len(units))
		for _, u := range units {
			parts = append(parts, fmt.Sprintf("unit %d %v", u, r.FailedChapters[u]))
		}
		fmt.Fprintf(&b, "; failed chapters: %s", strings.Join(parts, ", "))
	}
	return b.String()
}
