// Package browsertest provides in-memory fakes of the browser Page and
// Element interfaces for tests that must not start a real browser.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/entrhq/harvester/pkg/browser"
)

// Page is a scripted browser.Page. Selectors resolve through Elements, or
// through QueryFunc when set.
type Page struct {
	mu sync.Mutex

	Elements  map[string][]*Element
	QueryFunc func(selector string) ([]*Element, bool)
	QueryErr  map[string]error

	CurrentURL string
	TitleText  string
	BodyText   string
	CookieJar  []browser.Cookie

	// Hooks run after the recorded action.
	OnGoto   func(p *Page, url string) error
	OnReload func(p *Page)
	OnPress  func(p *Page, key string)

	EvaluateFunc func(expression string) (interface{}, error)

	Visits  []string
	Keys    []string
	Reloads int
}

// NewPage returns an empty page at about:blank.
func NewPage() *Page {
	return &Page{
		Elements:   make(map[string][]*Element),
		QueryErr:   make(map[string]error),
		CurrentURL: "about:blank",
	}
}

// Set binds selector to els, replacing any previous binding.
func (p *Page) Set(selector string, els ...*Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Elements[selector] = els
}

// Remove drops the binding for selector.
func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Elements, selector)
}

func (p *Page) lookup(selector string) ([]*Element, error) {
	p.mu.Lock()
	qf := p.QueryFunc
	err := p.QueryErr[selector]
	els := p.Elements[selector]
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if qf != nil {
		if dyn, ok := qf(selector); ok {
			return dyn, nil
		}
	}
	return els, nil
}

func (p *Page) Query(selector string) (browser.Element, error) {
	els, err := p.lookup(selector)
	if err != nil {
		return nil, err
	}
	return first(els), nil
}

func (p *Page) QueryAll(selector string) ([]browser.Element, error) {
	els, err := p.lookup(selector)
	if err != nil {
		return nil, err
	}
	return toElements(els), nil
}

func (p *Page) Goto(url string) error {
	p.mu.Lock()
	p.Visits = append(p.Visits, url)
	p.CurrentURL = url
	hook := p.OnGoto
	p.mu.Unlock()

	if hook != nil {
		return hook(p, url)
	}
	return nil
}

func (p *Page) Reload() error {
	p.mu.Lock()
	p.Reloads++
	hook := p.OnReload
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL
}

// SetURL changes the current URL without recording a visit, e.g. to
// simulate a redirect from an OnGoto hook.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CurrentURL = url
}

func (p *Page) Title() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TitleText, nil
}

func (p *Page) Text() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.BodyText, nil
}

func (p *Page) Press(key string) error {
	p.mu.Lock()
	p.Keys = append(p.Keys, key)
	hook := p.OnPress
	p.mu.Unlock()

	if hook != nil {
		hook(p, key)
	}
	return nil
}

func (p *Page) Cookies() ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]browser.Cookie, len(p.CookieJar))
	copy(out, p.CookieJar)
	return out, nil
}

func (p *Page) AddCookies(cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CookieJar = append(p.CookieJar, cookies...)
	return nil
}

func (p *Page) Evaluate(expression string) (interface{}, error) {
	p.mu.Lock()
	fn := p.EvaluateFunc
	p.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("evaluate not scripted: %s", expression)
	}
	return fn(expression)
}

// Element is a scripted browser.Element.
type Element struct {
	mu sync.Mutex

	Text     string
	HTML     string
	Hidden   bool
	Disabled bool
	Children map[string][]*Element

	OnClick  func() error
	OnType   func(text string) error
	ClickErr error

	Clicks  int
	Focuses int
	typed   strings.Builder
}

// NewElement returns a visible, enabled element with the given inner text.
func NewElement(text string) *Element {
	return &Element{Text: text, Children: make(map[string][]*Element)}
}

// Child binds selector to els below e.
func (e *Element) Child(selector string, els ...*Element) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Children == nil {
		e.Children = make(map[string][]*Element)
	}
	e.Children[selector] = els
	return e
}

func (e *Element) Query(selector string) (browser.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return first(e.Children[selector]), nil
}

func (e *Element) QueryAll(selector string) ([]browser.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return toElements(e.Children[selector]), nil
}

func (e *Element) Click() error {
	e.mu.Lock()
	e.Clicks++
	err := e.ClickErr
	hook := e.OnClick
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		return hook()
	}
	return nil
}

func (e *Element) Focus() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Focuses++
	return nil
}

func (e *Element) Type(text string) error {
	e.mu.Lock()
	e.typed.WriteString(text)
	hook := e.OnType
	e.mu.Unlock()

	if hook != nil {
		return hook(text)
	}
	return nil
}

// Typed returns everything typed into the element so far.
func (e *Element) Typed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typed.String()
}

// ClickCount returns how many times Click was called.
func (e *Element) ClickCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Clicks
}

func (e *Element) InnerText() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Text, nil
}

func (e *Element) InnerHTML() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.HTML, nil
}

func (e *Element) IsVisible() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Hidden, nil
}

func (e *Element) IsEnabled() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Disabled, nil
}

func first(els []*Element) browser.Element {
	if len(els) == 0 || els[0] == nil {
		return nil
	}
	return els[0]
}

func toElements(els []*Element) []browser.Element {
	out := make([]browser.Element, 0, len(els))
	for _, el := range els {
		if el != nil {
			out = append(out, el)
		}
	}
	return out
}

// Instance wraps a fake page as a browser.Instance.
type Instance struct {
	mu     sync.Mutex
	page   *Page
	closed int
}

// NewInstance returns an instance serving page.
func NewInstance(page *Page) *Instance {
	return &Instance{page: page}
}

func (i *Instance) Page() browser.Page {
	return i.page
}

func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed++
	return nil
}

// Closed reports how many times Close was called.
func (i *Instance) Closed() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Launcher hands out instances built by NewPage for every launch.
type Launcher struct {
	mu        sync.Mutex
	NewPage   func(n int) *Page
	Err       error
	instances []*Instance
}

func (l *Launcher) Launch(ctx context.Context, _ browser.LaunchOptions) (browser.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}

	var page *Page
	if l.NewPage != nil {
		page = l.NewPage(len(l.instances) + 1)
	} else {
		page = NewPage()
	}
	inst := NewInstance(page)
	l.instances = append(l.instances, inst)
	return inst, nil
}

// Instances returns every instance launched so far.
func (l *Launcher) Instances() []*Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Instance, len(l.instances))
	copy(out, l.instances)
	return out
}
