package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
)

// Console palette, shared with the pickers in cmd/harvester.
var (
	SalmonPink = lipgloss.Color("#FFB3BA")
	MintGreen  = lipgloss.Color("#A8E6CF")
	Amber      = lipgloss.Color("#FFD580")
	AlertRed   = lipgloss.Color("#FF6B6B")
	MutedGray  = lipgloss.Color("#6B7280")
)

var (
	infoStyle    = lipgloss.NewStyle().Foreground(SalmonPink)
	successStyle = lipgloss.NewStyle().Foreground(MintGreen).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(Amber)
	errorStyle   = lipgloss.NewStyle().Foreground(AlertRed).Bold(true)
	debugStyle   = lipgloss.NewStyle().Foreground(MutedGray)
	sectionStyle = lipgloss.NewStyle().Foreground(SalmonPink).Bold(true)
)

// Options configures a root Logger.
type Options struct {
	// Dir is the directory receiving <run-id>-harvester.log. Empty disables the file.
	Dir string

	// Console receives operator narration. Nil disables narration.
	Console io.Writer

	// Verbose also narrates debug messages on the console
	Verbose bool

	// RunID overrides the generated run identifier
	RunID string
}

// sink is shared between a root logger and all of its component children.
type sink struct {
	mu        sync.Mutex
	runID     string
	file      *os.File
	logger    *log.Logger
	logPath   string
	console   io.Writer
	verbose   bool
	closeOnce sync.Once
}

// Logger writes timestamped entries to the run log file and narrates
// progress to the operator console.
//
// Every call writes to the file. Debug entries only reach the console in
// verbose mode.
type Logger struct {
	component string
	sink      *sink
}

// New creates the root logger for a run.
//
// If the log file cannot be opened, it returns a logger that writes file
// entries to stderr along with the error, so callers can warn and continue.
func New(opts Options) (*Logger, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	s := &sink{
		runID:   runID,
		console: opts.Console,
		verbose: opts.Verbose,
	}

	if opts.Dir == "" {
		s.logger = log.New(io.Discard, "", 0)
		return &Logger{component: "harvester", sink: s}, nil
	}

	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return newFallbackLogger(s, fmt.Errorf("failed to create log directory: %w", err))
	}

	logPath := filepath.Join(opts.Dir, fmt.Sprintf("%s-harvester.log", runID))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return newFallbackLogger(s, fmt.Errorf("failed to open log file: %w", err))
	}

	s.file = file
	s.logger = log.New(file, "", 0) // timestamps are formatted per entry
	s.logPath = logPath

	return &Logger{component: "harvester", sink: s}, nil
}

func newFallbackLogger(s *sink, err error) (*Logger, error) {
	s.logger = log.New(os.Stderr, "", 0)
	l := &Logger{component: "harvester", sink: s}
	l.write("WARN", fmt.Sprintf("failed to initialize file logging: %v", err))
	l.write("WARN", "falling back to stderr logging")
	return l, err
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{
		component: "discard",
		sink: &sink{
			runID:  "discard",
			logger: log.New(io.Discard, "", 0),
		},
	}
}

// With returns a child logger tagged with component. Children share the
// run id, file and console of their parent.
func (l *Logger) With(component string) *Logger {
	return &Logger{component: component, sink: l.sink}
}

// formatLogEntry creates a log entry with timestamp, component, and level
func (l *Logger) formatLogEntry(level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
}

func (l *Logger) write(level, message string) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.logger.Println(l.formatLogEntry(level, message))
}

func (l *Logger) narrate(style lipgloss.Style, prefix, message string) {
	if l.sink.console == nil {
		return
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	fmt.Fprintln(l.sink.console, style.Render(prefix+message))
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	l.write("DEBUG", message)
	if l.sink.verbose {
		l.narrate(debugStyle, "  · ", message)
	}
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	l.write("INFO", message)
	l.narrate(infoStyle, "", message)
}

// Successf logs an info-level message narrated with a checkmark
func (l *Logger) Successf(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	l.write("INFO", message)
	l.narrate(successStyle, "✓ ", message)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	l.write("WARN", message)
	l.narrate(warnStyle, "⚠ ", message)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	l.write("ERROR", message)
	l.narrate(errorStyle, "✗ ", message)
}

// ErrorDetail narrates summary on the console and writes summary plus the
// full detail (error chain, stack) to the log file only.
func (l *Logger) ErrorDetail(summary, detail string) {
	entry := summary
	if strings.TrimSpace(detail) != "" {
		entry = summary + "\n" + detail
	}
	l.write("ERROR", entry)

	if l.sink.logPath != "" {
		summary = fmt.Sprintf("%s (details in %s)", summary, l.sink.logPath)
	}
	l.narrate(errorStyle, "✗ ", summary)
}

// Section narrates a divider with a title
func (l *Logger) Section(title string) {
	l.write("INFO", "== "+title+" ==")
	l.narrate(sectionStyle, "\n▶ ", title)
}

// Writer returns an io.Writer that writes to the log file
func (l *Logger) Writer() io.Writer {
	if l.sink.file != nil {
		return l.sink.file
	}
	return io.Discard
}

// RunID returns the identifier of the current run
func (l *Logger) RunID() string {
	return l.sink.runID
}

// LogPath returns the path to the log file, empty when file logging is off
func (l *Logger) LogPath() string {
	return l.sink.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.sink.closeOnce.Do(func() {
		if l.sink.file != nil {
			err = l.sink.file.Close()
		}
	})
	return err
}
