package harvest

import (
	"fmt"

	"github.com/atotto/clipboard"

	"github.com/entrhq/harvester/pkg/browser"
)

// Clipboard is where the copy control of the UI puts text.
type Clipboard interface {
	Clear() error
	Read() (string, error)
}

// SystemClipboard uses the operating system clipboard. It only sees what
// the copy control wrote when the browser runs headed on the same desktop.
type SystemClipboard struct{}

func (SystemClipboard) Clear() error {
	if err := clipboard.WriteAll(""); err != nil {
		return fmt.Errorf("clear system clipboard: %w", err)
	}
	return nil
}

func (SystemClipboard) Read() (string, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return "", fmt.Errorf("read system clipboard: %w", err)
	}
	return text, nil
}

// PageClipboard reads the clipboard through the page's navigator.clipboard.
// The browser context must grant clipboard-read and clipboard-write.
type PageClipboard struct {
	Page browser.Page
}

func (c PageClipboard) Clear() error {
	if _, err := c.Page.Evaluate(`navigator.clipboard.writeText("")`); err != nil {
		return fmt.Errorf("clear page clipboard: %w", err)
	}
	return nil
}

func (c PageClipboard) Read() (string, error) {
	v, err := c.Page.Evaluate(`navigator.clipboard.readText()`)
	if err != nil {
		return "", fmt.Errorf("read page clipboard: %w", err)
	}
	text, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("read page clipboard: unexpected %T", v)
	}
	return text, nil
}

// ForMode picks the clipboard matching the browser mode.
func ForMode(headless bool, page browser.Page) Clipboard {
	if headless {
		return PageClipboard{Page: page}
	}
	return SystemClipboard{}
}
