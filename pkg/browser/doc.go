// Package browser provides the browser plumbing used to drive the remote
// assistant UI through Playwright.
//
// # Architecture
//
// The package is built around three concepts:
//
//  1. Manager: owns the Playwright driver and launches browser sessions
//  2. Page / Element: a narrow view of a Playwright page that the driver,
//     harvester and session store program against. Tests use the fakes in
//     browsertest instead of a real browser.
//  3. Locator: a named UI lookup with ordered selector variants. The first
//     variant is the primary selector, the rest are fallbacks. Structural
//     drift in the UI is absorbed by adding a variant (in code or through
//     the config "selectors" section) rather than rewriting logic.
//
// # Session Lifecycle
//
//  1. Initialize: install and start the Playwright driver once per process
//  2. Launch: open a Chromium instance with one context and one page
//  3. Close: close page, context and browser (best effort)
//  4. Shutdown: close the remaining session and stop the driver
//
// # Example Usage
//
//	manager := browser.NewManager()
//	if err := manager.Initialize(); err != nil {
//	    return err
//	}
//	defer manager.Shutdown()
//
//	session, err := manager.Launch(ctx, browser.LaunchOptions{Headless: false})
//	if err != nil {
//	    return err
//	}
//	page := session.Page()
//	input, err := browser.DefaultLocators().Get(browser.LocatorPromptInput).Find(page)
package browser
