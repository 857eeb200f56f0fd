// Package composer drafts reply text for scanned posts. Implementations
// range from deterministic templates to model-backed generation; the
// orchestrator only ever sees the Composer interface.
package composer

import (
	"context"
	"errors"

	"github.com/PeterMinsch/gem-approval/pkg/bot/extraction"
	"github.com/PeterMinsch/gem-approval/pkg/bot/queue"
)

// ErrGeneration means the composer could not produce a usable draft.
// The post is skipped, not failed, since no record exists yet.
var ErrGeneration = errors.New("draft generation failed")

// Composer turns a scanned post into a draft reply payload.
type Composer interface {
	Compose(ctx context.Context, post extraction.PostRecord) (queue.DraftPayload, error)
}
