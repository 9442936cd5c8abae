// Package driver interacts with the assistant chat UI: it opens the project
// page, types and sends prompts like a person would, waits for responses to
// finish generating, and detects and rides out rate limits.
package driver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/entrhq/harvester/pkg/browser"
	"github.com/entrhq/harvester/pkg/clock"
	"github.com/entrhq/harvester/pkg/config"
	"github.com/entrhq/harvester/pkg/logging"
)

var (
	// ErrRateLimited means a usage limit was hit and recovery ran. The unit
	// should be retried.
	ErrRateLimited = errors.New("rate limited")

	// ErrSendFailed means a prompt could not be delivered.
	ErrSendFailed = errors.New("prompt could not be sent")
)

// SendFailedError describes where delivery of a prompt gave up.
type SendFailedError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("%v: %s not available after %d attempts: %v", ErrSendFailed, e.Stage, e.Attempts, e.Err)
}

func (e *SendFailedError) Unwrap() error {
	return e.Err
}

// Is matches ErrSendFailed.
func (e *SendFailedError) Is(target error) bool {
	return target == ErrSendFailed
}

// Completion is how waiting for a response ended.
type Completion int

const (
	// CompletionInstant: the generating indicator never appeared
	CompletionInstant Completion = iota
	// CompletionDone: the indicator appeared and went away
	CompletionDone
	// CompletionTimedOut: the indicator was still present at the ceiling
	CompletionTimedOut
)

func (c Completion) String() string {
	switch c {
	case CompletionInstant:
		return "instant"
	case CompletionDone:
		return "done"
	case CompletionTimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("Completion(%d)", int(c))
	}
}

var limitPhrases = regexp.MustCompile(`(?i)(reached your (usage|message) limit|usage limit reached|message limit reached|out of free messages|(usage|message) limit (will )?resets?)`)

var resetTime = regexp.MustCompile(`(?i)(?:resets?|available again|try again|until)\s+(?:at|after|in)?\s*(\d{1,2}(?::\d{2})?\s*(?:[ap]m|[ap]\.m\.|hours?|minutes?|mins?)?(?:\s*\([^)]*\))?)`)

// minPoll keeps polling loops from spinning when timing is zeroed.
const minPoll = 100 * time.Millisecond

// Options configures a Driver.
type Options struct {
	Timing   config.Timing
	Locators browser.Locators
	Clock    clock.Clock
	Log      *logging.Logger
}

// Driver drives a single chat page.
type Driver struct {
	page     browser.Page
	timing   config.Timing
	locators browser.Locators
	clock    clock.Clock
	log      *logging.Logger
}

// New creates a driver for page. Zero options fall back to the defaults.
func New(page browser.Page, opts Options) *Driver {
	if opts.Timing == (config.Timing{}) {
		opts.Timing = config.DefaultTiming()
	}
	if opts.Locators == nil {
		opts.Locators = browser.DefaultLocators()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	return &Driver{
		page:     page,
		timing:   opts.Timing,
		locators: opts.Locators,
		clock:    opts.Clock,
		log:      opts.Log.With("driver"),
	}
}

// Page returns the page being driven.
func (d *Driver) Page() browser.Page {
	return d.page
}

// Open navigates to url, which starts a fresh chat in the project.
func (d *Driver) Open(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log.Debugf("Opening %s", url)
	if err := d.page.Goto(url); err != nil {
		return fmt.Errorf("open project: %w", err)
	}
	return nil
}

// Submit types prompt into the chat input and presses send.
func (d *Driver) Submit(ctx context.Context, prompt string) error {
	input, err := d.locators.Get(browser.LocatorPromptInput).Await(ctx, d.clock, d.page, browser.FindOptions{
		Attempts: d.timing.InputAttempts,
		Backoff:  d.timing.RetryBackoff.Duration,
	})
	if err != nil {
		return d.deliveryFailed(ctx, "prompt input", d.timing.InputAttempts, err)
	}

	if err := input.Focus(); err != nil {
		return fmt.Errorf("focus prompt input: %w", err)
	}
	if err := d.typeText(ctx, input, prompt); err != nil {
		return err
	}

	send, err := d.locators.Get(browser.LocatorSendButton).Await(ctx, d.clock, d.page, browser.FindOptions{
		Attempts: d.timing.SendAttempts,
		Backoff:  d.timing.RetryBackoff.Duration,
		Ready:    browser.VisibleAndEnabled,
	})
	if err != nil {
		return d.deliveryFailed(ctx, "send button", d.timing.SendAttempts, err)
	}

	if err := send.Click(); err != nil {
		return fmt.Errorf("click send: %w", err)
	}
	d.log.Debugf("Prompt sent (%d chars)", len([]rune(prompt)))
	return nil
}

// deliveryFailed turns a missing control into ErrRateLimited when a usage
// limit explains it, running recovery first.
func (d *Driver) deliveryFailed(ctx context.Context, stage string, attempts int, cause error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	limited, err := d.RateLimited(ctx)
	if err != nil {
		return err
	}
	if limited {
		if err := d.RecoverRateLimit(ctx); err != nil {
			return err
		}
		return fmt.Errorf("%s unavailable: %w", stage, ErrRateLimited)
	}

	return &SendFailedError{Stage: stage, Attempts: attempts, Err: cause}
}

// typeText types text one rune at a time with a randomized delay. Newlines
// are sent as Shift+Enter so they do not submit the message.
func (d *Driver) typeText(ctx context.Context, el browser.Element, text string) error {
	for _, r := range text {
		if r == '\r' {
			continue
		}
		if r == '\n' {
			if err := d.page.Press("Shift+Enter"); err != nil {
				return fmt.Errorf("type newline: %w", err)
			}
		} else if err := el.Type(string(r)); err != nil {
			return fmt.Errorf("type prompt: %w", err)
		}

		if err := d.clock.Sleep(ctx, jitter(d.timing.TypingDelayMin.Duration, d.timing.TypingDelayMax.Duration)); err != nil {
			return err
		}
	}
	return nil
}

// AwaitCompletion waits for the response to finish generating.
//
// The generating indicator gets IndicatorAppearTimeout to show up; if it
// never does the response is treated as instant. Otherwise the indicator is
// polled at randomized intervals until it goes away or CompletionCeiling
// passes. Only context cancellation is an error.
func (d *Driver) AwaitCompletion(ctx context.Context) (Completion, error) {
	indicator := d.locators.Get(browser.LocatorGenerating)
	start := d.clock.Now()
	pollMin := max(d.timing.PollMin.Duration, minPoll)
	pollMax := max(d.timing.PollMax.Duration, pollMin)

	appeared := false
	for {
		if err := ctx.Err(); err != nil {
			return CompletionInstant, err
		}
		if indicator.Present(d.page) {
			appeared = true
			break
		}
		if d.clock.Now().Sub(start) >= d.timing.IndicatorAppearTimeout.Duration {
			break
		}
		if err := d.clock.Sleep(ctx, pollMin); err != nil {
			return CompletionInstant, err
		}
	}

	if !appeared {
		d.log.Debugf("Generating indicator never appeared")
		return CompletionInstant, nil
	}

	for {
		if err := d.clock.Sleep(ctx, jitter(pollMin, pollMax)); err != nil {
			return CompletionDone, err
		}
		if !indicator.Present(d.page) {
			d.log.Debugf("Response completed after %s", d.clock.Now().Sub(start).Round(time.Second))
			return CompletionDone, nil
		}
		if d.clock.Now().Sub(start) >= d.timing.CompletionCeiling.Duration {
			d.log.Warnf("Response still generating after %s, moving on", d.timing.CompletionCeiling.Duration)
			return CompletionTimedOut, nil
		}
	}
}

// RateLimited reports whether a usage limit is showing.
func (d *Driver) RateLimited(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if d.locators.Get(browser.LocatorRateLimit).Present(d.page) {
		return true, nil
	}

	text, err := d.page.Text()
	if err != nil {
		// treat an unreadable page as not limited; callers retry anyway
		d.log.Debugf("Could not read page text: %v", err)
		return false, nil
	}
	return limitPhrases.MatchString(text), nil
}

// RecoverRateLimit logs the advertised reset time, waits the cool-down,
// reloads the page and presses Escape to dismiss any leftover dialog.
// There is no guarantee the limit has cleared afterwards.
func (d *Driver) RecoverRateLimit(ctx context.Context) error {
	banner := d.limitText()
	if reset := ResetTime(banner); reset != "" {
		d.log.Warnf("Usage limit reached, resets %s", reset)
	} else {
		d.log.Warnf("Usage limit reached")
	}

	cooldown := d.timing.RateLimitCooldown.Duration
	d.log.Infof("Cooling down for %s", cooldown)
	if err := d.clock.Sleep(ctx, cooldown); err != nil {
		return err
	}

	if err := d.page.Reload(); err != nil {
		return fmt.Errorf("reload after rate limit: %w", err)
	}
	if err := d.page.Press("Escape"); err != nil {
		return fmt.Errorf("dismiss after rate limit: %w", err)
	}
	return nil
}

func (d *Driver) limitText() string {
	if el, err := d.locators.Get(browser.LocatorRateLimit).Find(d.page); err == nil {
		if text, err := el.InnerText(); err == nil && strings.TrimSpace(text) != "" {
			return text
		}
	}
	text, _ := d.page.Text()
	return text
}

// ResetTime extracts the reactivation time from a usage limit message, or
// returns "" when none is stated.
func ResetTime(text string) string {
	m := resetTime.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// jitter returns a random duration in [lo, hi].
func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}
