package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/PeterMinsch/gem-approval/pkg/bot/governor"
	"github.com/PeterMinsch/gem-approval/pkg/bot/queue"
)

// Revalidator re-checks an admission immediately before the browser
// acts. Admission and execution are not atomic across the queue
// boundary, so the governor's view may have changed in between.
type Revalidator interface {
	Revalidate(identity, draftText string) governor.AdmissionDecision
}

// ErrAdmissionRevoked means re-validation withdrew the admission before
// any platform interaction happened. Like ErrContextBusy and
// ErrContextSwitchFailed it marks an attempt that never executed.
var ErrAdmissionRevoked = errors.New("admission revoked")

// PostSelectors describes where the posting surface lives on the
// platform. Each field is a selector set tried in order; the platform
// markup shifts often enough that a single selector is not reliable.
type PostSelectors struct {
	// ReplyBox locates the text input for the response.
	ReplyBox []string `yaml:"reply_box"`

	// SubmitButton locates the control that submits the response.
	SubmitButton []string `yaml:"submit_button"`

	// FileInput locates the attachment upload input.
	FileInput []string `yaml:"file_input"`

	// PostedSignal is the selector whose visibility confirms the
	// response landed.
	PostedSignal string `yaml:"posted_signal"`
}

// PostTimings bounds each step of the posting sequence.
type PostTimings struct {
	Navigate       time.Duration
	Find           time.Duration
	Confirm        time.Duration
	ElementRetries int
	TypeDelay      time.Duration
}

// DefaultPostTimings returns the standard step bounds.
func DefaultPostTimings() PostTimings {
	return PostTimings{
		Navigate:       30 * time.Second,
		Find:           10 * time.Second,
		Confirm:        20 * time.Second,
		ElementRetries: 3,
		TypeDelay:      90 * time.Millisecond,
	}
}

// ExecutePost performs one posting action in the post context and
// returns a tagged outcome for the queue. Transient element failures are
// retried internally with fresh lookups; only their exhaustion surfaces,
// as a retryable failure. Attempts that never reach the platform carry
// ErrContextBusy, ErrContextSwitchFailed or ErrAdmissionRevoked so
// callers can tell them from real execution failures. The scan context
// is re-foregrounded before returning.
func (c *Coordinator) ExecutePost(ctx context.Context, rec *queue.ActionRecord, reval Revalidator, sel PostSelectors, timings PostTimings) (queue.Outcome, error) {
	var outcome queue.Outcome
	var execErr error

	err := c.WithContext(ctx, ContextPost, func(page Page) error {
		outcome, execErr = c.postSequence(page, rec, reval, sel, timings)
		return nil
	})
	if err != nil {
		// Busy session, unverifiable switch or cancellation: the action
		// never ran, so it is safe to retry later.
		return queue.OutcomeRetryableFailure, err
	}
	return outcome, execErr
}

func (c *Coordinator) postSequence(page Page, rec *queue.ActionRecord, reval Revalidator, sel PostSelectors, timings PostTimings) (queue.Outcome, error) {
	if reval != nil {
		dec := reval.Revalidate(rec.TargetIdentity, rec.Draft.Text)
		if !dec.Allowed {
			if dec.Reason == governor.ReasonBlacklisted {
				// The content itself can never pass; retrying is pointless.
				return queue.OutcomeTerminalFailure, fmt.Errorf("admission revoked: draft is blacklisted")
			}
			return queue.OutcomeRetryableFailure, fmt.Errorf("%w: %s", ErrAdmissionRevoked, dec.Reason)
		}
	}

	if err := page.Navigate(rec.TargetURL, timings.Navigate); err != nil {
		return queue.OutcomeRetryableFailure, fmt.Errorf("failed to open target %s: %w", rec.TargetURL, err)
	}

	if err := c.typeInto(page, sel.ReplyBox, rec.Draft.Text, timings); err != nil {
		return queue.OutcomeRetryableFailure, err
	}

	if len(rec.Draft.Attachments) > 0 {
		if err := c.uploadInto(page, sel.FileInput, rec.Draft.Attachments, timings); err != nil {
			return queue.OutcomeRetryableFailure, err
		}
	}

	if err := c.clickOn(page, sel.SubmitButton, timings); err != nil {
		return queue.OutcomeRetryableFailure, err
	}

	if sel.PostedSignal != "" {
		if err := page.WaitFor(sel.PostedSignal, "visible", timings.Confirm); err != nil {
			return queue.OutcomeRetryableFailure, fmt.Errorf("post was submitted but never confirmed: %w", err)
		}
	}

	return queue.OutcomeSuccess, nil
}

// typeInto focuses the first matching input and types the text with
// human-like per-keystroke timing. Stale references trigger a fresh
// lookup up to the retry bound.
func (c *Coordinator) typeInto(page Page, selectors []string, text string, timings PostTimings) error {
	return c.withFreshElement(page, selectors, timings, func(el Element) error {
		if err := el.Click(); err != nil {
			return err
		}
		return el.Type(text, humanDelay(timings.TypeDelay))
	})
}

func (c *Coordinator) uploadInto(page Page, selectors []string, paths []string, timings PostTimings) error {
	return c.withFreshElement(page, selectors, timings, func(el Element) error {
		return el.Upload(paths)
	})
}

func (c *Coordinator) clickOn(page Page, selectors []string, timings PostTimings) error {
	return c.withFreshElement(page, selectors, timings, func(el Element) error {
		return el.Click()
	})
}

// withFreshElement looks the element up and runs fn, repeating with a
// fresh lookup after each transient failure, bounded by ElementRetries.
func (c *Coordinator) withFreshElement(page Page, selectors []string, timings PostTimings, fn func(Element) error) error {
	var lastErr error
	for attempt := 0; attempt <= timings.ElementRetries; attempt++ {
		el, err := page.Find(selectors, timings.Find)
		if err != nil {
			lastErr = err
			if !IsTransient(err) {
				return err
			}
			continue
		}

		if err := fn(el); err != nil {
			lastErr = err
			if errors.Is(err, ErrStaleElement) {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("gave up after %d element retries: %w", timings.ElementRetries, lastErr)
}

// humanDelay jitters the per-keystroke delay so typing cadence is not
// perfectly uniform.
func humanDelay(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base/2 + time.Duration(rand.Int63n(int64(base)))
}
