// Package extraction pulls structured post records out of scanned pages.
// The per-site selector heuristics are deliberately kept behind the
// Extractor interface: they are brittle and replaceable, and the rest of
// the system only ever sees PostRecords.
package extraction

import (
	"context"
	"errors"

	"github.com/PeterMinsch/gem-approval/pkg/bot/coordinator"
)

var (
	// ErrTimeout means the page never produced scannable content within
	// the bound.
	ErrTimeout = errors.New("extraction timed out")

	// ErrNotFound means the page rendered but no post records could be
	// located on it.
	ErrNotFound = errors.New("no posts found on page")
)

// PostRecord is one scanned content item, best effort.
type PostRecord struct {
	// SourceRef uniquely identifies the item for de-duplication.
	SourceRef string

	// Permalink is the item's own URL, used as the posting target.
	Permalink string

	// Author is the display name of the item's author, if found.
	Author string

	// Text is the item's cleaned text content.
	Text string

	// ImageURLs are the item's image sources, if any.
	ImageURLs []string
}

// Extractor turns a navigated page into post records.
type Extractor interface {
	// Extract returns the post records visible on the page. It fails
	// with ErrTimeout if the page never settles and ErrNotFound if no
	// records could be located.
	Extract(ctx context.Context, page coordinator.Page) ([]PostRecord, error)
}
