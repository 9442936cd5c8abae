// Package ledger records which units of a run have completed. One JSON
// record per completed unit is written with an atomic replace, so the
// presence of a record file is the single source of truth for completion.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/entrhq/harvester/pkg/clock"
	"github.com/entrhq/harvester/pkg/fsutil"
)

var recordName = regexp.MustCompile(`^video_(\d+)\.json$`)

// Record is the content of a completion record.
type Record struct {
	VideoNumber    int       `json:"video_number"`
	Completed      bool      `json:"completed"`
	CompletedAt    time.Time `json:"completed_at"`
	RunID          string    `json:"run_id,omitempty"`
	Chapters       int       `json:"chapters"`
	FailedChapters []int     `json:"failed_chapters,omitempty"`
}

// Ledger stores completion records for one account and config.
type Ledger struct {
	dir    string
	clock  clock.Clock
	writer fsutil.Writer
}

// New returns a ledger rooted at dir. The directory is created on first
// write. clk stamps records that carry no completion time; nil uses the
// real clock.
func New(dir string, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{dir: dir, clock: clk, writer: fsutil.Writer{Perm: 0o644}}
}

// Dir returns the directory holding the records.
func (l *Ledger) Dir() string {
	return l.dir
}

// RecordPath returns the record file of unit n.
func (l *Ledger) RecordPath(n int) string {
	return filepath.Join(l.dir, fmt.Sprintf("video_%d.json", n))
}

// IsComplete reports whether a record exists for unit n.
func (l *Ledger) IsComplete(n int) (bool, error) {
	_, err := os.Stat(l.RecordPath(n))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("check record for unit %d: %w", n, err)
}

// MarkComplete durably records unit n as completed. Either the full record
// is visible afterwards or none is.
func (l *Ledger) MarkComplete(n int, rec Record) error {
	rec.VideoNumber = n
	rec.Completed = true
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = l.clock.Now().UTC()
	}

	if err := l.writer.WriteJSON(l.RecordPath(n), rec); err != nil {
		return fmt.Errorf("mark unit %d complete: %w", n, err)
	}
	return nil
}

// Load returns the record of unit n.
func (l *Ledger) Load(n int) (*Record, error) {
	var rec Record
	if err := fsutil.ReadJSON(l.RecordPath(n), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Completed lists the completed unit numbers in ascending order. Temp files
// and unrelated files are ignored.
func (l *Ledger) Completed() ([]int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []int{}, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", l.dir, err)
	}

	units := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || fsutil.IsTemp(e.Name()) {
			continue
		}
		m := recordName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		units = append(units, n)
	}
	sort.Ints(units)
	return units, nil
}

// ResumePoint returns max+1 where max is the highest completed unit at or
// above start, or start when there is none.
func (l *Ledger) ResumePoint(start int) (int, error) {
	units, err := l.Completed()
	if err != nil {
		return 0, err
	}

	resume := start
	for _, n := range units {
		if n >= start && n+1 > resume {
			resume = n + 1
		}
	}
	return resume, nil
}
