// Package session persists per-account browser cookies and drives the
// login state machine that restores or recreates an authenticated session.
package session

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"

	"github.com/entrhq/harvester/pkg/browser"
	"github.com/entrhq/harvester/pkg/fsutil"
	"github.com/entrhq/harvester/pkg/layout"
	"github.com/entrhq/harvester/pkg/logging"
)

// ErrNoSession is returned by Read when an account has no stored cookies.
var ErrNoSession = errors.New("no stored session")

// Session is the stored cookie set of one account.
type Session struct {
	Account string
	Cookies []browser.Cookie
}

// Store reads and writes cookie files under the accounts directory.
type Store struct {
	layout  layout.Layout
	domain  string
	matcher []glob.Glob
	log     *logging.Logger
}

// NewStore creates a store keeping only cookies of domain and its subdomains.
func NewStore(l layout.Layout, domain string, log *logging.Logger) (*Store, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return nil, fmt.Errorf("cookie domain cannot be empty")
	}
	if log == nil {
		log = logging.Discard()
	}

	patterns := []string{
		glob.QuoteMeta(domain),
		"*." + glob.QuoteMeta(domain),
	}
	matcher := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid domain pattern %q: %w", p, err)
		}
		matcher = append(matcher, g)
	}

	return &Store{
		layout:  l,
		domain:  domain,
		matcher: matcher,
		log:     log.With("session"),
	}, nil
}

// Read returns the stored session of account, or ErrNoSession.
func (s *Store) Read(account string) (*Session, error) {
	if err := layout.ValidateName("account", account); err != nil {
		return nil, err
	}

	path := s.layout.CookiePath(account)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	var cookies []browser.Cookie
	if err := fsutil.ReadJSON(path, &cookies); err != nil {
		return nil, err
	}
	return &Session{Account: account, Cookies: cookies}, nil
}

// Load returns the stored session of account, or nil when none exists.
func (s *Store) Load(account string) (*Session, error) {
	sess, err := s.Read(account)
	if errors.Is(err, ErrNoSession) {
		return nil, nil
	}
	return sess, err
}

// Save filters cookies to the target domain and replaces the account's
// cookie file. It returns the number of cookies kept.
func (s *Store) Save(account string, cookies []browser.Cookie) (int, error) {
	if err := layout.ValidateName("account", account); err != nil {
		return 0, err
	}

	kept := s.Filter(cookies)
	if dropped := len(cookies) - len(kept); dropped > 0 {
		s.log.Debugf("Dropped %d cookies outside %s", dropped, s.domain)
	}

	w := fsutil.Writer{Perm: 0o600}
	if err := w.WriteJSON(s.layout.CookiePath(account), kept); err != nil {
		return 0, fmt.Errorf("failed to save session for %s: %w", account, err)
	}

	s.log.Debugf("Saved %d cookies for %s", len(kept), account)
	return len(kept), nil
}

// Filter returns the cookies whose domain is the target domain or one of
// its subdomains.
func (s *Store) Filter(cookies []browser.Cookie) []browser.Cookie {
	kept := make([]browser.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if s.Matches(c.Domain) {
			kept = append(kept, c)
		}
	}
	return kept
}

// Matches reports whether a cookie domain belongs to the target site.
func (s *Store) Matches(domain string) bool {
	domain = normalizeDomain(domain)
	for _, g := range s.matcher {
		if g.Match(domain) {
			return true
		}
	}
	return false
}

// normalizeDomain lowercases and strips the leading dot cookie domains carry.
func normalizeDomain(domain string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
