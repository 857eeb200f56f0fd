package composer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PeterMinsch/gem-approval/pkg/bot/extraction"
)

func TestTemplateComposer_FillsAuthor(t *testing.T) {
	c := NewTemplateComposer([]string{"Nice one, {author}!"})

	draft, err := c.Compose(context.Background(), extraction.PostRecord{Author: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "Nice one, Alice!", draft.Text)
}

func TestTemplateComposer_RotatesTemplates(t *testing.T) {
	c := NewTemplateComposer([]string{"first {author}", "second {author}"})
	post := extraction.PostRecord{Author: "Bob"}

	var texts []string
	for i := 0; i < 3; i++ {
		draft, err := c.Compose(context.Background(), post)
		require.NoError(t, err)
		texts = append(texts, draft.Text)
	}
	assert.Equal(t, []string{"first Bob", "second Bob", "first Bob"}, texts)
}

func TestTemplateComposer_MissingAuthor(t *testing.T) {
	c := NewTemplateComposer([]string{"Hey {author}"})

	draft, err := c.Compose(context.Background(), extraction.PostRecord{})
	require.NoError(t, err)
	assert.Equal(t, "Hey there", draft.Text)
}

func TestTemplateComposer_DefaultsWhenEmpty(t *testing.T) {
	c := NewTemplateComposer(nil)

	draft, err := c.Compose(context.Background(), extraction.PostRecord{Author: "Carol"})
	require.NoError(t, err)
	assert.NotEmpty(t, draft.Text)
	assert.NotContains(t, draft.Text, "{author}")
}
