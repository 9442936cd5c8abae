package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesRunLogFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Options{Dir: dir, RunID: "run-1"})
	require.NoError(t, err)
	defer logger.Close()

	assert.Equal(t, "run-1", logger.RunID())
	assert.Equal(t, filepath.Join(dir, "run-1-harvester.log"), logger.LogPath())

	logger.With("ledger").Infof("marked unit %d", 7)
	logger.With("driver").Warnf("send button missing")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.LogPath())
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "[ledger] [INFO] marked unit 7")
	assert.Contains(t, content, "[driver] [WARN] send button missing")
}

func TestNew_GeneratesRunID(t *testing.T) {
	logger, err := New(Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, logger.RunID())
	assert.Empty(t, logger.LogPath())
}

func TestLogger_ConsoleNarration(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		log         func(l *Logger)
		wantConsole string
		wantSilent  bool
	}{
		{
			name:        "info is narrated",
			log:         func(l *Logger) { l.Infof("processing unit %d", 3) },
			wantConsole: "processing unit 3",
		},
		{
			name:        "success has checkmark",
			log:         func(l *Logger) { l.Successf("unit done") },
			wantConsole: "✓ unit done",
		},
		{
			name:        "warning has marker",
			log:         func(l *Logger) { l.Warnf("rate limit") },
			wantConsole: "⚠ rate limit",
		},
		{
			name:       "debug hidden without verbose",
			log:        func(l *Logger) { l.Debugf("poll") },
			wantSilent: true,
		},
		{
			name:        "debug shown when verbose",
			verbose:     true,
			log:         func(l *Logger) { l.Debugf("poll") },
			wantConsole: "poll",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := New(Options{Console: &buf, Verbose: tt.verbose})
			require.NoError(t, err)

			tt.log(logger)

			if tt.wantSilent {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.wantConsole)
		})
	}
}

func TestLogger_ErrorDetailKeepsStackOutOfConsole(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, err := New(Options{Dir: dir, Console: &console, RunID: "crash"})
	require.NoError(t, err)

	logger.ErrorDetail("unit 4 crashed: boom", "goroutine 1 [running]:\nmain.main()")
	require.NoError(t, logger.Close())

	assert.Contains(t, console.String(), "unit 4 crashed: boom")
	assert.Contains(t, console.String(), "details in")
	assert.NotContains(t, console.String(), "goroutine 1")

	data, err := os.ReadFile(logger.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "goroutine 1 [running]")
}

func TestLogger_FallbackWhenDirUnusable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	logger, err := New(Options{Dir: filepath.Join(blocker, "logs")})
	assert.Error(t, err)
	require.NotNil(t, logger)
	assert.Empty(t, logger.LogPath())
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Options{Dir: dir, RunID: "concurrent"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.With("worker").Infof("entry %d", n)
		}(i)
	}
	wg.Wait()
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.LogPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 10)
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Infof("ignored")
	logger.ErrorDetail("ignored", "detail")
	assert.NoError(t, logger.Close())
}
