package composer

import (
	"context"
	"strings"
	"sync"

	"github.com/PeterMinsch/gem-approval/pkg/bot/extraction"
	"github.com/PeterMinsch/gem-approval/pkg/bot/queue"
)

// defaultTemplates are used when no templates are configured. The
// {author} placeholder expands to the post author's display name.
var defaultTemplates = []string{
	"Beautiful work, {author}! The detail on this is stunning.",
	"Love this piece, {author}. What stone did you use?",
	"{author}, this turned out great. Thanks for sharing!",
}

// TemplateComposer produces drafts by rotating through a fixed set of
// reply templates. Deterministic and offline, it is the fallback when
// no model-backed composer is configured.
type TemplateComposer struct {
	mu        sync.Mutex
	templates []string
	next      int
}

// NewTemplateComposer creates a composer over the given templates,
// falling back to a built-in set when none are provided.
func NewTemplateComposer(templates []string) *TemplateComposer {
	if len(templates) == 0 {
		templates = defaultTemplates
	}
	return &TemplateComposer{templates: templates}
}

// Compose fills the next template in rotation with the post's fields.
func (t *TemplateComposer) Compose(_ context.Context, post extraction.PostRecord) (queue.DraftPayload, error) {
	t.mu.Lock()
	template := t.templates[t.next%len(t.templates)]
	t.next++
	t.mu.Unlock()

	author := post.Author
	if author == "" {
		author = "there"
	}

	text := strings.ReplaceAll(template, "{author}", author)
	return queue.DraftPayload{Text: text}, nil
}
