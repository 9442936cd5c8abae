package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/entrhq/harvester/pkg/clock"
)

// ErrNotFound is returned when no variant of a locator matches.
var ErrNotFound = errors.New("element not found")

// Locator names used throughout the harvester.
const (
	LocatorPromptInput     = "prompt_input"
	LocatorSendButton      = "send_button"
	LocatorGenerating      = "generating"
	LocatorRateLimit       = "rate_limit"
	LocatorChallenge       = "challenge"
	LocatorArtifactBlock   = "artifact_block"
	LocatorCopyButton      = "copy_button"
	LocatorArtifactContent = "artifact_content"
	LocatorChatTitle       = "chat_title"
)

// Variant is one way of finding a UI element.
type Variant struct {
	Name     string
	Selector string
}

// Locator is a named UI lookup. Variants are tried in order; the first is
// the primary selector and the rest are fallbacks.
type Locator struct {
	Name     string
	Variants []Variant
}

// Find returns the first element matched by any variant, in variant order.
func (l Locator) Find(scope Scope) (Element, error) {
	var lastErr error
	for _, v := range l.Variants {
		el, err := scope.Query(v.Selector)
		if err != nil {
			lastErr = err
			continue
		}
		if el != nil {
			return el, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%s: %w (last error: %v)", l.Name, ErrNotFound, lastErr)
	}
	return nil, fmt.Errorf("%s: %w", l.Name, ErrNotFound)
}

// FindAll returns every element matched by the first variant that matches
// anything. Elements keep document order.
func (l Locator) FindAll(scope Scope) ([]Element, error) {
	for _, v := range l.Variants {
		els, err := scope.QueryAll(v.Selector)
		if err != nil {
			return nil, fmt.Errorf("%s (%s): %w", l.Name, v.Name, err)
		}
		if len(els) > 0 {
			return els, nil
		}
	}
	return nil, nil
}

// Present reports whether any variant currently matches.
func (l Locator) Present(scope Scope) bool {
	el, err := l.Find(scope)
	return err == nil && el != nil
}

// FindOptions bounds Await.
type FindOptions struct {
	// Attempts is the number of lookups before giving up (minimum 1)
	Attempts int

	// Backoff is the pause between attempts
	Backoff time.Duration

	// Ready optionally filters matches, e.g. requiring visible and enabled
	Ready func(Element) bool
}

// Await retries Find until an element matches (and satisfies Ready), the
// attempts run out, or ctx is cancelled.
func (l Locator) Await(ctx context.Context, clk clock.Clock, scope Scope, opts FindOptions) (Element, error) {
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultFindBackoff
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		el, err := l.Find(scope)
		if err == nil && (opts.Ready == nil || opts.Ready(el)) {
			return el, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("%s: %w (not ready)", l.Name, ErrNotFound)
		}

		if i < attempts-1 {
			if err := clk.Sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// VisibleAndEnabled is a Ready filter for clickable controls.
func VisibleAndEnabled(el Element) bool {
	visible, err := el.IsVisible()
	if err != nil || !visible {
		return false
	}
	enabled, err := el.IsEnabled()
	return err == nil && enabled
}

// Locators is a set of locators keyed by name.
type Locators map[string]Locator

// DefaultLocators returns the built-in locators for the assistant UI.
func DefaultLocators() Locators {
	defs := []Locator{
		{Name: LocatorPromptInput, Variants: []Variant{
			{"prosemirror", `div.ProseMirror[contenteditable="true"]`},
			{"contenteditable", `[contenteditable="true"]`},
			{"textarea", `textarea`},
		}},
		{Name: LocatorSendButton, Variants: []Variant{
			{"aria-label", `button[aria-label="Send message"]`},
			{"aria-label-prefix", `button[aria-label^="Send"]`},
			{"fieldset-submit", `fieldset button[type="submit"]`},
		}},
		{Name: LocatorGenerating, Variants: []Variant{
			{"stop-button", `button[aria-label="Stop response"]`},
			{"streaming", `[data-is-streaming="true"]`},
		}},
		{Name: LocatorRateLimit, Variants: []Variant{
			{"usage-limit", `[data-testid="usage-limit-banner"]`},
			{"alert", `div[role="alert"]:has-text("limit")`},
		}},
		{Name: LocatorChallenge, Variants: []Variant{
			{"turnstile", `iframe[src*="challenges.cloudflare.com"]`},
			{"cf-challenge", `#challenge-form`},
			{"captcha", `iframe[title*="captcha" i]`},
		}},
		{Name: LocatorArtifactBlock, Variants: []Variant{
			{"artifact-block", `div.artifact-block-cell`},
			{"artifact-button", `button[aria-label*="artifact" i]`},
		}},
		{Name: LocatorCopyButton, Variants: []Variant{
			{"aria-label", `button[aria-label="Copy"]`},
			{"copy-text", `button:has-text("Copy")`},
		}},
		{Name: LocatorArtifactContent, Variants: []Variant{
			{"artifact-panel", `div[id^="markdown-artifact"]`},
			{"prose", `div.prose`},
		}},
		{Name: LocatorChatTitle, Variants: []Variant{
			{"chat-menu", `button[data-testid="chat-menu-trigger"]`},
			{"header-title", `header h1`},
		}},
	}

	locators := make(Locators, len(defs))
	for _, l := range defs {
		locators[l.Name] = l
	}
	return locators
}

// Get returns the named locator. An unknown name yields a locator with no
// variants, which never matches.
func (ls Locators) Get(name string) Locator {
	if l, ok := ls[name]; ok {
		return l
	}
	return Locator{Name: name}
}

// Names returns the locator names in sorted order.
func (ls Locators) Names() []string {
	names := make([]string, 0, len(ls))
	for name := range ls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Override returns a copy of ls in which each named locator's variants are
// replaced by the given selectors. Unknown names and empty lists are errors.
func (ls Locators) Override(selectors map[string][]string) (Locators, error) {
	out := make(Locators, len(ls))
	for name, l := range ls {
		out[name] = l
	}

	for name, sels := range selectors {
		if _, ok := ls[name]; !ok {
			return nil, fmt.Errorf("unknown locator %q", name)
		}
		if len(sels) == 0 {
			return nil, fmt.Errorf("locator %q: no selectors given", name)
		}
		variants := make([]Variant, 0, len(sels))
		for i, sel := range sels {
			variants = append(variants, Variant{Name: fmt.Sprintf("config-%d", i+1), Selector: sel})
		}
		out[name] = Locator{Name: name, Variants: variants}
	}
	return out, nil
}
