package coordinator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

const contextMarkerScript = "window.__gembotContext = %q"

// DriverOptions configures the real browser driver.
type DriverOptions struct {
	// Headless controls whether the browser runs without a window.
	Headless bool

	// StorageStatePath points at the saved logged-in session state.
	// Both contexts are created from it so they share one identity.
	StorageStatePath string

	// DefaultTimeout applies to driver operations without an explicit
	// bound, in milliseconds.
	DefaultTimeout float64
}

// PlaywrightDriver implements Driver over one Chromium process with two
// browser contexts created from the same storage state.
type PlaywrightDriver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	pages   map[ContextKind]playwright.Page
}

// NewPlaywrightDriver installs and starts Playwright, launches the
// browser and creates both contexts. Playwright's own output is
// discarded so it cannot interleave with session logs.
func NewPlaywrightDriver(opts DriverOptions) (*PlaywrightDriver, error) {
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	d := &PlaywrightDriver{
		pw:      pw,
		browser: browser,
		pages:   make(map[ContextKind]playwright.Page),
	}

	for _, kind := range []ContextKind{ContextScan, ContextPost} {
		page, err := d.newContextPage(kind, opts)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to create %s context: %w", kind, err)
		}
		d.pages[kind] = page
	}

	return d, nil
}

func (d *PlaywrightDriver) newContextPage(kind ContextKind, opts DriverOptions) (playwright.Page, error) {
	contextOpts := playwright.BrowserNewContextOptions{}
	if opts.StorageStatePath != "" {
		contextOpts.StorageStatePath = playwright.String(opts.StorageStatePath)
	}

	browserCtx, err := d.browser.NewContext(contextOpts)
	if err != nil {
		return nil, err
	}

	// Each context tags its pages so Verify can read the marker back.
	marker := fmt.Sprintf(contextMarkerScript, string(kind))
	if err := browserCtx.AddInitScript(playwright.Script{Content: playwright.String(marker)}); err != nil {
		browserCtx.Close()
		return nil, err
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		return nil, err
	}

	if opts.DefaultTimeout > 0 {
		page.SetDefaultTimeout(opts.DefaultTimeout)
	}
	return page, nil
}

// Foreground brings the context's page to the front.
func (d *PlaywrightDriver) Foreground(kind ContextKind) error {
	page, ok := d.pages[kind]
	if !ok {
		return fmt.Errorf("unknown context %q", kind)
	}
	if err := page.BringToFront(); err != nil {
		return fmt.Errorf("failed to foreground %s context: %w", kind, err)
	}
	return nil
}

// Verify reads the context marker back from the page and confirms it
// matches the requested context.
func (d *PlaywrightDriver) Verify(kind ContextKind) error {
	page, ok := d.pages[kind]
	if !ok {
		return fmt.Errorf("unknown context %q", kind)
	}

	value, err := page.Evaluate("() => window.__gembotContext")
	if err != nil {
		return fmt.Errorf("failed to read context marker: %w", err)
	}
	marker, ok := value.(string)
	if !ok || marker != string(kind) {
		return fmt.Errorf("context marker mismatch: got %v, want %s", value, kind)
	}
	return nil
}

// Page returns the action surface for the given context.
func (d *PlaywrightDriver) Page(kind ContextKind) Page {
	return &playwrightPage{page: d.pages[kind]}
}

// Close shuts down the browser and Playwright.
func (d *PlaywrightDriver) Close() error {
	for kind, page := range d.pages {
		_ = page.Close() // best effort, continue cleanup
		delete(d.pages, kind)
	}
	if d.browser != nil {
		_ = d.browser.Close()
	}
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
	}
	return nil
}

// playwrightPage adapts one playwright page to the Page interface.
type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Navigate(url string, timeout time.Duration) error {
	waitUntil := playwright.WaitUntilStateDomcontentloaded
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: waitUntil,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return classifyError(err, ErrNavigationTimeout)
	}
	return nil
}

// Find polls each selector in turn, splitting the timeout across the
// set, and returns the first that becomes visible.
func (p *playwrightPage) Find(selectors []string, timeout time.Duration) (Element, error) {
	if len(selectors) == 0 {
		return nil, fmt.Errorf("%w: empty selector set", ErrElementNotFound)
	}

	perSelector := float64(timeout.Milliseconds()) / float64(len(selectors))
	state := playwright.WaitForSelectorStateVisible

	var lastErr error
	for _, selector := range selectors {
		_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
			State:   state,
			Timeout: playwright.Float(perSelector),
		})
		if err != nil {
			lastErr = err
			continue
		}
		return &playwrightElement{page: p.page, selector: selector}, nil
	}
	return nil, fmt.Errorf("%w: tried %d selectors: %v", ErrElementNotFound, len(selectors), lastErr)
}

func (p *playwrightPage) WaitFor(selector, state string, timeout time.Duration) error {
	selectorState := playwright.WaitForSelectorState(state)
	_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   &selectorState,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return classifyError(err, ErrElementNotFound)
	}
	return nil
}

func (p *playwrightPage) Content() (string, error) {
	content, err := p.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return content, nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

// playwrightElement addresses an element by the selector that matched,
// so retries after staleness re-resolve it.
type playwrightElement struct {
	page     playwright.Page
	selector string
}

func (e *playwrightElement) Click() error {
	if err := e.page.Click(e.selector, playwright.PageClickOptions{}); err != nil {
		return classifyError(err, ErrElementNotFound)
	}
	return nil
}

func (e *playwrightElement) Type(text string, delay time.Duration) error {
	opts := playwright.PageTypeOptions{}
	if delay > 0 {
		opts.Delay = playwright.Float(float64(delay.Milliseconds()))
	}
	if err := e.page.Type(e.selector, text, opts); err != nil {
		return classifyError(err, ErrElementNotFound)
	}
	return nil
}

func (e *playwrightElement) Upload(paths []string) error {
	files := make([]playwright.InputFile, 0, len(paths))
	for _, path := range paths {
		buf, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read attachment %s: %w", path, err)
		}
		files = append(files, playwright.InputFile{
			Name:   filepath.Base(path),
			Buffer: buf,
		})
	}
	if err := e.page.SetInputFiles(e.selector, files); err != nil {
		return classifyError(err, ErrElementNotFound)
	}
	return nil
}

// classifyError maps playwright errors onto the driver's error taxonomy
// so the retry logic can tell transient failures apart.
func classifyError(err error, timeoutAs error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "detached") || strings.Contains(msg, "stale"):
		return fmt.Errorf("%w: %v", ErrStaleElement, err)
	case strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", timeoutAs, err)
	default:
		return err
	}
}
