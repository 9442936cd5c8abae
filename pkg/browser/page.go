package browser

import (
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// pageAdapter implements Page on top of a Playwright page.
type pageAdapter struct {
	page    playwright.Page
	context playwright.BrowserContext
}

func (p *pageAdapter) Goto(url string) error {
	waitUntil := playwright.WaitUntilStateDomcontentloaded
	if _, err := p.page.Goto(url, playwright.PageGotoOptions{WaitUntil: waitUntil}); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (p *pageAdapter) Reload() error {
	if _, err := p.page.Reload(); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	return nil
}

func (p *pageAdapter) URL() string {
	return p.page.URL()
}

func (p *pageAdapter) Title() (string, error) {
	return p.page.Title()
}

func (p *pageAdapter) Text() (string, error) {
	text, err := p.page.InnerText("body")
	if err != nil {
		return "", fmt.Errorf("body text extraction failed: %w", err)
	}
	return text, nil
}

func (p *pageAdapter) Press(key string) error {
	if err := p.page.Keyboard().Press(key); err != nil {
		return fmt.Errorf("key press %q failed: %w", key, err)
	}
	return nil
}

func (p *pageAdapter) Query(selector string) (Element, error) {
	handle, err := p.page.QuerySelector(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	if handle == nil {
		return nil, nil
	}
	return &elementAdapter{handle: handle}, nil
}

func (p *pageAdapter) QueryAll(selector string) ([]Element, error) {
	handles, err := p.page.QuerySelectorAll(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	return wrapHandles(handles), nil
}

func (p *pageAdapter) Cookies() ([]Cookie, error) {
	raw, err := p.context.Cookies()
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

func (p *pageAdapter) AddCookies(cookies []Cookie) error {
	optional := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		if oc.Path != nil && *oc.Path == "" {
			oc.Path = playwright.String("/")
		}
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		if c.SameSite != "" {
			sameSite := playwright.SameSiteAttribute(c.SameSite)
			oc.SameSite = &sameSite
		}
		optional = append(optional, oc)
	}

	if err := p.context.AddCookies(optional); err != nil {
		return fmt.Errorf("failed to add cookies: %w", err)
	}
	return nil
}

func (p *pageAdapter) Evaluate(expression string) (interface{}, error) {
	result, err := p.page.Evaluate(expression)
	if err != nil {
		return nil, fmt.Errorf("JavaScript execution failed: %w", err)
	}
	return result, nil
}

// elementAdapter implements Element on top of a Playwright element handle.
type elementAdapter struct {
	handle playwright.ElementHandle
}

func wrapHandles(handles []playwright.ElementHandle) []Element {
	elements := make([]Element, 0, len(handles))
	for _, h := range handles {
		if h != nil {
			elements = append(elements, &elementAdapter{handle: h})
		}
	}
	return elements
}

func (e *elementAdapter) Query(selector string) (Element, error) {
	handle, err := e.handle.QuerySelector(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	if handle == nil {
		return nil, nil
	}
	return &elementAdapter{handle: handle}, nil
}

func (e *elementAdapter) QueryAll(selector string) ([]Element, error) {
	handles, err := e.handle.QuerySelectorAll(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	return wrapHandles(handles), nil
}

func (e *elementAdapter) Click() error {
	if err := e.handle.Click(); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (e *elementAdapter) Focus() error {
	if err := e.handle.Focus(); err != nil {
		return fmt.Errorf("focus failed: %w", err)
	}
	return nil
}

func (e *elementAdapter) Type(text string) error {
	if err := e.handle.Type(text); err != nil {
		return fmt.Errorf("type failed: %w", err)
	}
	return nil
}

func (e *elementAdapter) InnerText() (string, error) {
	return e.handle.InnerText()
}

func (e *elementAdapter) InnerHTML() (string, error) {
	return e.handle.InnerHTML()
}

func (e *elementAdapter) IsVisible() (bool, error) {
	return e.handle.IsVisible()
}

func (e *elementAdapter) IsEnabled() (bool, error) {
	return e.handle.IsEnabled()
}
