package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/harvester/pkg/clock"
	"github.com/entrhq/harvester/pkg/fsutil"
)

func TestMarkComplete_IsComplete(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "alice_history"), nil)

	done, err := l.IsComplete(4)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, l.MarkComplete(4, Record{RunID: "run-1", Chapters: 3, FailedChapters: []int{2}}))

	done, err = l.IsComplete(4)
	require.NoError(t, err)
	assert.True(t, done)

	rec, err := l.Load(4)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.VideoNumber)
	assert.True(t, rec.Completed)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, []int{2}, rec.FailedChapters)
	assert.False(t, rec.CompletedAt.IsZero())
}

func TestMarkComplete_StampsWithClock(t *testing.T) {
	now := time.Date(2026, 7, 4, 9, 30, 0, 0, time.UTC)
	l := New(t.TempDir(), clock.NewFake(now))

	require.NoError(t, l.MarkComplete(5, Record{}))

	rec, err := l.Load(5)
	require.NoError(t, err)
	assert.True(t, now.Equal(rec.CompletedAt))
}

func TestMarkComplete_Idempotent(t *testing.T) {
	l := New(t.TempDir(), nil)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, l.MarkComplete(7, Record{CompletedAt: at}))
	require.NoError(t, l.MarkComplete(7, Record{CompletedAt: at}))

	units, err := l.Completed()
	require.NoError(t, err)
	assert.Equal(t, []int{7}, units)
}

func TestMarkComplete_InterruptedWriteLeavesNoRecord(t *testing.T) {
	l := New(t.TempDir(), nil)
	l.writer.BeforeRename = func(string) error {
		return errors.New("process killed")
	}

	require.Error(t, l.MarkComplete(5, Record{}))

	done, err := l.IsComplete(5)
	require.NoError(t, err)
	assert.False(t, done)

	entries, err := os.ReadDir(l.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCompleted_IgnoresTempAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, nil)
	require.NoError(t, l.MarkComplete(2, Record{}))
	require.NoError(t, l.MarkComplete(10, Record{}))

	// a partial write left by a crash before rename
	require.NoError(t, os.WriteFile(filepath.Join(dir, fsutil.TempPrefix+"123"), []byte(`{"video_number": 11`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "video_12.json"), 0o755))

	units, err := l.Completed()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10}, units)
}

func TestResumePoint(t *testing.T) {
	tests := []struct {
		name      string
		completed []int
		start     int
		want      int
	}{
		{"empty ledger", nil, 3, 3},
		{"contiguous from start", []int{3, 4, 5}, 3, 6},
		{"only below start", []int{1, 2}, 5, 5},
		{"mixed", []int{1, 2, 7}, 5, 8},
		{"gap below max", []int{3, 5}, 3, 6},
		{"start zero", []int{0}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(t.TempDir(), nil)
			for _, n := range tt.completed {
				require.NoError(t, l.MarkComplete(n, Record{}))
			}

			got, err := l.ResumePoint(tt.start)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResumePoint_MissingDirectory(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "never-created"), nil)
	got, err := l.ResumePoint(9)
	require.NoError(t, err)
	assert.Equal(t, 9, got)
}
