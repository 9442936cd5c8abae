package session

import (
	"context"
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/harvester/pkg/browser"
	"github.com/entrhq/harvester/pkg/clock"
	"github.com/entrhq/harvester/pkg/config"
	"github.com/entrhq/harvester/pkg/logging"
	"github.com/entrhq/harvester/pkg/operator"
)

// State is a login state machine state.
type State string

const (
	StateNoSession     State = "no_session"
	StateHasSession    State = "has_session"
	StateAuthenticated State = "authenticated"
)

// Path records how authentication was reached.
type Path string

const (
	// PathManualLogin: no stored session, operator logged in
	PathManualLogin Path = "manual_login"

	// PathStoredSession: stored cookies were accepted
	PathStoredSession Path = "stored_session"

	// PathExpiredSession: stored cookies were rejected, operator logged in again
	PathExpiredSession Path = "expired_session"
)

// DefaultSettle is the pause after navigation that lets client-side
// redirects land before the URL is inspected.
const DefaultSettle = 3 * time.Second

// LoginResult is the outcome of Login.
type LoginResult struct {
	State        State
	Path         Path
	CookiesSaved int
	Challenges   int
}

// AuthOptions configures an Authenticator.
type AuthOptions struct {
	Account  string
	Store    *Store
	Operator operator.Operator
	Site     config.Site
	Locators browser.Locators
	Clock    clock.Clock
	Log      *logging.Logger

	// Settle overrides DefaultSettle
	Settle time.Duration
}

// Authenticator restores or recreates an authenticated browser session.
type Authenticator struct {
	account   string
	store     *Store
	operator  operator.Operator
	site      config.Site
	challenge browser.Locator
	clock     clock.Clock
	log       *logging.Logger
	settle    time.Duration
	loginURLs []glob.Glob
}

// NewAuthenticator validates opts and compiles the login route patterns.
func NewAuthenticator(opts AuthOptions) (*Authenticator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Operator == nil {
		return nil, fmt.Errorf("operator is required")
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
	if opts.Settle == 0 {
		opts.Settle = DefaultSettle
	}

	loginURLs := make([]glob.Glob, 0, len(opts.Site.LoginPatterns))
	for _, p := range opts.Site.LoginPatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid login pattern %q: %w", p, err)
		}
		loginURLs = append(loginURLs, g)
	}

	return &Authenticator{
		account:   opts.Account,
		store:     opts.Store,
		operator:  opts.Operator,
		site:      opts.Site,
		challenge: opts.Locators.Get(browser.LocatorChallenge),
		clock:     opts.Clock,
		log:       opts.Log.With("login"),
		settle:    opts.Settle,
		loginURLs: loginURLs,
	}, nil
}

// Login drives page to an authenticated state.
//
//	no session  -> site root -> manual login -> save
//	has session -> about:blank -> apply cookies -> auth route
//	               -> login route? manual login -> save
//	               -> otherwise authenticated, cookies re-saved
func (a *Authenticator) Login(ctx context.Context, page browser.Page) (*LoginResult, error) {
	result := &LoginResult{State: StateNoSession}

	stored, err := a.store.Load(a.account)
	if err != nil {
		a.log.Warnf("Stored session for %s unreadable, logging in again: %v", a.account, err)
		stored = nil
	}

	if stored == nil || len(stored.Cookies) == 0 {
		a.log.Infof("No stored session for %s", a.account)
		result.Path = PathManualLogin
		return a.manualLogin(ctx, page, result)
	}

	result.State = StateHasSession
	a.log.Infof("Restoring stored session for %s (%d cookies)", a.account, len(stored.Cookies))

	if err := page.Goto("about:blank"); err != nil {
		return nil, err
	}
	if err := page.AddCookies(stored.Cookies); err != nil {
		return nil, err
	}
	if err := a.navigate(ctx, page, a.authURL()); err != nil {
		return nil, err
	}
	if err := a.checkChallenge(ctx, page, result); err != nil {
		return nil, err
	}

	if a.isLoginRoute(page.URL()) {
		a.log.Warnf("Stored session for %s was rejected (%s)", a.account, page.URL())
		result.Path = PathExpiredSession
		return a.manualLogin(ctx, page, result)
	}

	result.Path = PathStoredSession
	if err := a.saveCookies(page, result); err != nil {
		return nil, err
	}
	result.State = StateAuthenticated
	a.log.Successf("Logged in as %s using stored session", a.account)
	return result, nil
}

func (a *Authenticator) manualLogin(ctx context.Context, page browser.Page, result *LoginResult) (*LoginResult, error) {
	if err := a.navigate(ctx, page, a.site.BaseURL); err != nil {
		return nil, err
	}
	if err := a.checkChallenge(ctx, page, result); err != nil {
		return nil, err
	}

	req := operator.Request{
		Kind:    operator.KindManualLogin,
		Account: a.account,
		URL:     page.URL(),
	}
	if err := a.operator.Await(ctx, req); err != nil {
		return nil, fmt.Errorf("waiting for manual login: %w", err)
	}

	if err := a.saveCookies(page, result); err != nil {
		return nil, err
	}
	result.State = StateAuthenticated
	a.log.Successf("Logged in as %s, session saved", a.account)
	return result, nil
}

func (a *Authenticator) navigate(ctx context.Context, page browser.Page, url string) error {
	if err := page.Goto(url); err != nil {
		return err
	}
	return a.clock.Sleep(ctx, a.settle)
}

func (a *Authenticator) checkChallenge(ctx context.Context, page browser.Page, result *LoginResult) error {
	if !a.challenge.Present(page) {
		return nil
	}

	result.Challenges++
	a.log.Warnf("Verification challenge detected")
	req := operator.Request{
		Kind:    operator.KindChallenge,
		Account: a.account,
		URL:     page.URL(),
	}
	if err := a.operator.Await(ctx, req); err != nil {
		return fmt.Errorf("waiting for challenge: %w", err)
	}
	return nil
}

func (a *Authenticator) saveCookies(page browser.Page, result *LoginResult) error {
	cookies, err := page.Cookies()
	if err != nil {
		return err
	}
	n, err := a.store.Save(a.account, cookies)
	if err != nil {
		return err
	}
	result.CookiesSaved = n
	return nil
}

func (a *Authenticator) authURL() string {
	if a.site.AuthCheckURL != "" {
		return a.site.AuthCheckURL
	}
	return a.site.BaseURL
}

func (a *Authenticator) isLoginRoute(url string) bool {
	for _, g := range a.loginURLs {
		if g.Match(url) {
			return true
		}
	}
	return false
}
