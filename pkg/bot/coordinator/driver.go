package coordinator

import (
	"errors"
	"time"
)

// ContextKind names one of the two logical browser contexts sharing the
// single logged-in session.
type ContextKind string

const (
	// ContextScan is the continuous read-only scanning context. It is
	// the default foreground.
	ContextScan ContextKind = "scan"

	// ContextPost is the discrete write-action context, foregrounded
	// only for the duration of one posting sequence.
	ContextPost ContextKind = "post"
)

var (
	// ErrElementNotFound means no element matched any selector in the
	// set within the timeout.
	ErrElementNotFound = errors.New("element not found")

	// ErrStaleElement means an element reference became detached from
	// the page before the interaction completed.
	ErrStaleElement = errors.New("element reference is stale")

	// ErrNavigationTimeout means the page did not reach its load state
	// within the timeout.
	ErrNavigationTimeout = errors.New("navigation timed out")

	// ErrContextSwitchFailed means the driver could not verify the
	// requested context after the switch retry bound. Fatal for the one
	// operation, not for the process.
	ErrContextSwitchFailed = errors.New("context switch could not be verified")

	// ErrContextBusy means the other context held the session past the
	// acquisition timeout.
	ErrContextBusy = errors.New("browser session is busy in the other context")
)

// IsTransient reports whether err is a transient interaction failure
// worth retrying with a fresh element lookup.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStaleElement) ||
		errors.Is(err, ErrElementNotFound) ||
		errors.Is(err, ErrNavigationTimeout)
}

// Element is a located page element. References can go stale; every
// method may return ErrStaleElement, after which the caller must look the
// element up again.
type Element interface {
	// Click clicks the element.
	Click() error

	// Type enters text with a per-keystroke delay approximating human
	// input. A zero delay types at machine speed.
	Type(text string, delay time.Duration) error

	// Upload attaches the given local files to the element, which must
	// be a file input.
	Upload(paths []string) error
}

// Page is the per-context action surface: the capability interface the
// coordinator exposes over the underlying web-automation driver. Every
// operation is bounded by an explicit timeout.
type Page interface {
	// Navigate loads url and waits for the page to settle.
	Navigate(url string, timeout time.Duration) error

	// Find returns the first element matching any selector in the set,
	// polling until the timeout.
	Find(selectors []string, timeout time.Duration) (Element, error)

	// WaitFor blocks until the selector reaches the given state
	// ("visible", "hidden", "attached", "detached") or the timeout
	// elapses. This is the condition-based wait primitive; fixed-delay
	// sleeps are not part of the contract.
	WaitFor(selector, state string, timeout time.Duration) error

	// Content returns the current page HTML.
	Content() (string, error)

	// URL returns the current page URL.
	URL() string
}

// Driver owns the browser process and its two contexts. Implementations
// must keep both contexts alive on one logged-in session.
type Driver interface {
	// Foreground makes the given context the one receiving commands.
	Foreground(kind ContextKind) error

	// Verify reads back a context-identifying signal from the driver and
	// confirms the given context is actually foregrounded.
	Verify(kind ContextKind) error

	// Page returns the action surface for the given context.
	Page(kind ContextKind) Page

	// Close shuts the browser down.
	Close() error
}
