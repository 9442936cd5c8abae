package browser

import (
	"context"
	"time"
)

// Scope is anything selectors can be evaluated against: a page or an element.
// Query returns a nil Element and a nil error when nothing matches.
type Scope interface {
	Query(selector string) (Element, error)
	QueryAll(selector string) ([]Element, error)
}

// Page is the subset of a browser page the harvester relies on.
type Page interface {
	Scope

	// Goto navigates to url and waits for the load event
	Goto(url string) error

	// Reload reloads the current page
	Reload() error

	// URL returns the current page URL
	URL() string

	// Title returns the document title
	Title() (string, error)

	// Text returns the rendered text of the document body
	Text() (string, error)

	// Press sends a single key or chord (e.g. "Escape", "Shift+Enter")
	Press(key string) error

	// Cookies returns every cookie of the browser context
	Cookies() ([]Cookie, error)

	// AddCookies installs cookies into the browser context
	AddCookies(cookies []Cookie) error

	// Evaluate runs a JavaScript expression and returns its result
	Evaluate(expression string) (interface{}, error)
}

// Element is a handle to a DOM element.
type Element interface {
	Scope

	Click() error
	Focus() error

	// Type types text into the element as keystrokes
	Type(text string) error

	InnerText() (string, error)
	InnerHTML() (string, error)
	IsVisible() (bool, error)
	IsEnabled() (bool, error)
}

// Cookie is a browser cookie as persisted by the session store.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

// Instance is a launched browser with a single page.
type Instance interface {
	Page() Page
	Close() error
}

// Launcher opens browser instances.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
}

// LaunchOptions configures a new browser session.
type LaunchOptions struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Viewport sets the initial viewport size
	Viewport *Viewport

	// Timeout sets the default timeout for operations (in milliseconds)
	Timeout float64
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Default values for browser sessions
const (
	DefaultTimeout        = 30000.0 // 30 seconds in milliseconds
	DefaultViewportWidth  = 1440
	DefaultViewportHeight = 900
)

// DefaultFindBackoff is the pause between locator attempts when none is configured.
const DefaultFindBackoff = 2 * time.Second
