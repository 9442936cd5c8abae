// Package harvest extracts the text artifacts ("chapters") of a finished
// unit from the chat UI and writes them to the output directory.
//
// Every content block becomes Chapter_<i>.txt, numbered by document order.
// Extraction tries the UI copy control first and falls back to reading the
// rendered paragraphs. A chapter that fails every attempt keeps its number
// and is reported as failed, so numbering never shifts.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/entrhq/harvester/pkg/browser"
	"github.com/entrhq/harvester/pkg/clock"
	"github.com/entrhq/harvester/pkg/config"
	"github.com/entrhq/harvester/pkg/fsutil"
	"github.com/entrhq/harvester/pkg/logging"
)

// ManifestName is written next to the chapters of every harvested unit.
const ManifestName = "manifest.json"

const maxTitleRunes = 100

// ErrTooShort is returned when extracted text is below the length floor.
var ErrTooShort = errors.New("extracted text too short")

// Method is how a chapter's text was obtained.
type Method string

const (
	MethodClipboard Method = "clipboard"
	MethodFallback  Method = "html"
)

// Chapter is the outcome for one content block.
type Chapter struct {
	Number   int    `json:"number"`
	Path     string `json:"path,omitempty"`
	OK       bool   `json:"ok"`
	Method   Method `json:"method,omitempty"`
	Attempts int    `json:"attempts"`
	Chars    int    `json:"chars,omitempty"`
	Err      error  `json:"-"`
}

// Result is the outcome of harvesting one unit.
type Result struct {
	Unit     int
	Title    string
	Dir      string
	Chapters []Chapter
}

// Failed returns the numbers of the chapters that could not be extracted.
func (r *Result) Failed() []int {
	var failed []int
	for _, ch := range r.Chapters {
		if !ch.OK {
			failed = append(failed, ch.Number)
		}
	}
	return failed
}

// Saved returns how many chapters were written.
func (r *Result) Saved() int {
	return len(r.Chapters) - len(r.Failed())
}

// Options configures a Harvester.
type Options struct {
	// OutputDir is the account output root, e.g. outputFiles/<account>
	OutputDir string
	RunID     string
	Timing    config.Timing
	Locators  browser.Locators
	Clipboard Clipboard
	Clock     clock.Clock
	Log       *logging.Logger
}

// Harvester extracts chapters from a page.
type Harvester struct {
	page      browser.Page
	outputDir string
	runID     string
	timing    config.Timing
	locators  browser.Locators
	clipboard Clipboard
	clock     clock.Clock
	log       *logging.Logger
}

// New creates a harvester reading from page.
func New(page browser.Page, opts Options) *Harvester {
	if opts.Timing == (config.Timing{}) {
		opts.Timing = config.DefaultTiming()
	}
	if opts.Locators == nil {
		opts.Locators = browser.DefaultLocators()
	}
	if opts.Clipboard == nil {
		opts.Clipboard = PageClipboard{Page: page}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	return &Harvester{
		page:      page,
		outputDir: opts.OutputDir,
		runID:     opts.RunID,
		timing:    opts.Timing,
		locators:  opts.Locators,
		clipboard: opts.Clipboard,
		clock:     opts.Clock,
		log:       opts.Log.With("harvest"),
	}
}

// Harvest extracts every chapter of unit from the current page.
//
// It only fails when the content blocks cannot be enumerated or ctx ends.
// Individual chapter failures are reported in the result.
func (h *Harvester) Harvest(ctx context.Context, unit int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blocks, err := h.locators.Get(browser.LocatorArtifactBlock).FindAll(h.page)
	if err != nil {
		return nil, fmt.Errorf("enumerate content blocks: %w", err)
	}

	result := &Result{Unit: unit}
	if len(blocks) == 0 {
		h.log.Warnf("Unit %d: no content blocks found", unit)
		return result, nil
	}
	h.log.Infof("Unit %d: extracting %d chapters", unit, len(blocks))

	for i, block := range blocks {
		ch := Chapter{Number: i + 1}

		for attempt := 1; attempt <= h.attempts(); attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ch.Attempts = attempt

			text, method, err := h.extract(ctx, block)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				ch.Err = err
				h.log.Debugf("Chapter %d attempt %d failed: %v", ch.Number, attempt, err)
				if attempt < h.attempts() {
					if err := h.clock.Sleep(ctx, h.timing.RetryBackoff.Duration); err != nil {
						return nil, err
					}
				}
				continue
			}

			if result.Dir == "" {
				result.Title = h.chatTitle()
				result.Dir = filepath.Join(h.outputDir, DirName(unit, result.Title))
			}

			path := filepath.Join(result.Dir, fmt.Sprintf("Chapter_%d.txt", ch.Number))
			if err := fsutil.WriteBytes(path, []byte(text)); err != nil {
				ch.Err = err
				h.log.Debugf("Chapter %d attempt %d: %v", ch.Number, attempt, err)
				continue
			}

			ch.OK = true
			ch.Err = nil
			ch.Path = path
			ch.Method = method
			ch.Chars = utf8.RuneCountInString(text)
			break
		}

		if ch.OK {
			h.log.Debugf("Chapter %d saved via %s (%d chars)", ch.Number, ch.Method, ch.Chars)
		} else {
			h.log.Warnf("Chapter %d failed after %d attempts: %v", ch.Number, ch.Attempts, ch.Err)
		}
		result.Chapters = append(result.Chapters, ch)
	}

	if result.Dir != "" {
		if err := h.writeManifest(result); err != nil {
			h.log.Warnf("Unit %d: %v", unit, err)
		}
	}

	if failed := result.Failed(); len(failed) > 0 {
		h.log.Warnf("Unit %d: %d of %d chapters failed: %v", unit, len(failed), len(result.Chapters), failed)
	} else {
		h.log.Successf("Unit %d: saved %d chapters to %s", unit, len(result.Chapters), result.Dir)
	}
	return result, nil
}

func (h *Harvester) attempts() int {
	if h.timing.ExtractionAttempts < 1 {
		return 1
	}
	return h.timing.ExtractionAttempts
}

// extract opens block and reads its text, clipboard first.
func (h *Harvester) extract(ctx context.Context, block browser.Element) (string, Method, error) {
	if err := block.Click(); err != nil {
		return "", "", fmt.Errorf("open block: %w", err)
	}
	if err := h.clock.Sleep(ctx, h.timing.CopySettle.Duration); err != nil {
		return "", "", err
	}

	text, primaryErr := h.viaClipboard(ctx, block)
	if primaryErr == nil {
		return text, MethodClipboard, nil
	}
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}
	h.log.Debugf("Clipboard extraction failed, trying page content: %v", primaryErr)

	text, fallbackErr := h.viaContent(block)
	if fallbackErr == nil {
		return text, MethodFallback, nil
	}
	return "", "", fmt.Errorf("clipboard: %v; page content: %w", primaryErr, fallbackErr)
}

// findFor resolves locator name inside block, then on the whole page when
// the block has no match of its own.
func (h *Harvester) findFor(name string, block browser.Element) (browser.Element, error) {
	loc := h.locators.Get(name)
	el, err := loc.Find(block)
	if err == nil {
		return el, nil
	}
	if !errors.Is(err, browser.ErrNotFound) {
		return nil, err
	}
	return loc.Find(h.page)
}

func (h *Harvester) viaClipboard(ctx context.Context, block browser.Element) (string, error) {
	// stale clipboard text must never be mistaken for this chapter
	if err := h.clipboard.Clear(); err != nil {
		return "", err
	}

	copyButton, err := h.findFor(browser.LocatorCopyButton, block)
	if err != nil {
		return "", err
	}
	if err := copyButton.Click(); err != nil {
		return "", fmt.Errorf("click copy: %w", err)
	}
	if err := h.clock.Sleep(ctx, h.timing.CopySettle.Duration); err != nil {
		return "", err
	}

	text, err := h.clipboard.Read()
	if err != nil {
		return "", err
	}
	return h.checkLength(text)
}

func (h *Harvester) viaContent(block browser.Element) (string, error) {
	content, err := h.findFor(browser.LocatorArtifactContent, block)
	if err != nil {
		return "", err
	}
	fragment, err := content.InnerHTML()
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	text, err := browser.ParagraphText(fragment)
	if err != nil {
		return "", err
	}
	return h.checkLength(text)
}

func (h *Harvester) checkLength(text string) (string, error) {
	text = strings.TrimSpace(text)
	if n := utf8.RuneCountInString(text); n < h.timing.MinChapterLength {
		return "", fmt.Errorf("%w: %d chars", ErrTooShort, n)
	}
	return text, nil
}

func (h *Harvester) chatTitle() string {
	el, err := h.locators.Get(browser.LocatorChatTitle).Find(h.page)
	if err != nil {
		return ""
	}
	text, err := el.InnerText()
	if err != nil {
		return ""
	}
	return SanitizeTitle(text)
}

type manifest struct {
	Unit        int               `json:"video_number"`
	Title       string            `json:"title,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	HarvestedAt time.Time         `json:"harvested_at"`
	Chapters    []manifestChapter `json:"chapters"`
	Failed      []int             `json:"failed_chapters,omitempty"`
}

type manifestChapter struct {
	Chapter
	Error string `json:"error,omitempty"`
}

func (h *Harvester) writeManifest(r *Result) error {
	chapters := make([]manifestChapter, len(r.Chapters))
	for i, ch := range r.Chapters {
		mc := manifestChapter{Chapter: ch}
		if ch.Path != "" {
			mc.Path = filepath.Base(ch.Path)
		}
		if ch.Err != nil {
			mc.Error = ch.Err.Error()
		}
		chapters[i] = mc
	}

	m := manifest{
		Unit:        r.Unit,
		Title:       r.Title,
		RunID:       h.runID,
		HarvestedAt: h.clock.Now().UTC(),
		Chapters:    chapters,
		Failed:      r.Failed(),
	}
	if err := fsutil.WriteJSON(filepath.Join(r.Dir, ManifestName), m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// DirName names the output directory of a unit.
func DirName(unit int, title string) string {
	if title == "" {
		return fmt.Sprintf("Video_%d", unit)
	}
	return fmt.Sprintf("Video_%d - %s", unit, title)
}

// SanitizeTitle keeps letters, digits, spaces, hyphens and underscores,
// collapses whitespace and caps the length.
func SanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}

	clean := strings.Join(strings.Fields(b.String()), " ")
	if utf8.RuneCountInString(clean) > maxTitleRunes {
		clean = strings.TrimSpace(string([]rune(clean)[:maxTitleRunes]))
	}
	return clean
}
