// Package coordinator arbitrates the single browser session between the
// continuous scanning context and the discrete posting context. At most
// one context is foregrounded at any instant; every switch is verified
// against a driver-side signal before control returns to the caller.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/PeterMinsch/gem-approval/pkg/logging"
	"github.com/PeterMinsch/gem-approval/pkg/types"
)

const (
	// DefaultSwitchRetries bounds verified context-switch attempts.
	DefaultSwitchRetries = 3

	// DefaultAcquireTimeout bounds how long a caller waits for the other
	// context to release the session.
	DefaultAcquireTimeout = 90 * time.Second
)

// Coordinator owns the browser session gate. The session is never
// touched without holding it.
type Coordinator struct {
	driver Driver

	// gate is a one-slot semaphore; holding the token means owning the
	// browser session. Channel-based so acquisition can time out.
	gate chan struct{}

	active         ContextKind
	switchRetries  int
	acquireTimeout time.Duration
	emit           types.EventEmitter
	log            *logging.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSwitchRetries sets the verified-switch retry bound.
func WithSwitchRetries(n int) Option {
	return func(c *Coordinator) { c.switchRetries = n }
}

// WithAcquireTimeout sets the session acquisition timeout.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.acquireTimeout = d }
}

// WithEmitter sets the event emitter for context switches.
func WithEmitter(emit types.EventEmitter) Option {
	return func(c *Coordinator) { c.emit = emit }
}

// WithLogger sets the coordinator's logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New creates a coordinator over the given driver. The scan context
// starts foregrounded.
func New(driver Driver, opts ...Option) *Coordinator {
	c := &Coordinator{
		driver:         driver,
		gate:           make(chan struct{}, 1),
		active:         ContextScan,
		switchRetries:  DefaultSwitchRetries,
		acquireTimeout: DefaultAcquireTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.gate <- struct{}{}
	return c
}

// WithContext runs fn holding the session in the given context. While fn
// executes, any caller requesting the other context blocks until fn
// returns or the acquisition timeout elapses (ErrContextBusy). The post
// context is parked back to scan before the session is released.
func (c *Coordinator) WithContext(ctx context.Context, kind ContextKind, fn func(Page) error) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if err := c.switchTo(kind); err != nil {
		return err
	}

	err := fn(c.driver.Page(kind))

	if kind == ContextPost {
		// Park back on scan so continuous scanning resumes immediately.
		// A failed park only degrades the next switch, which re-verifies
		// anyway.
		if parkErr := c.switchTo(ContextScan); parkErr != nil && c.log != nil {
			c.log.Warnf("failed to park session back to scan context: %v", parkErr)
		}
	}
	return err
}

func (c *Coordinator) acquire(ctx context.Context) error {
	timer := time.NewTimer(c.acquireTimeout)
	defer timer.Stop()

	select {
	case <-c.gate:
		return nil
	case <-timer.C:
		return ErrContextBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release() {
	c.gate <- struct{}{}
}

// switchTo foregrounds kind and verifies the driver actually switched,
// retrying up to the bound. Callers must hold the gate.
func (c *Coordinator) switchTo(kind ContextKind) error {
	if c.active == kind {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.switchRetries; attempt++ {
		if err := c.driver.Foreground(kind); err != nil {
			lastErr = err
			continue
		}
		if err := c.driver.Verify(kind); err != nil {
			lastErr = err
			continue
		}

		c.active = kind
		if c.emit != nil {
			c.emit(&types.BotEvent{
				Type:   types.EventTypeContextSwitched,
				Reason: string(kind),
				At:     time.Now(),
			})
		}
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrContextSwitchFailed, c.switchRetries, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrContextSwitchFailed, c.switchRetries)
}

// Close shuts down the underlying driver. Callers should stop both loops
// first; Close does not wait for the gate.
func (c *Coordinator) Close() error {
	return c.driver.Close()
}
