package composer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/pkoukk/tiktoken-go"

	"github.com/PeterMinsch/gem-approval/pkg/bot/extraction"
	"github.com/PeterMinsch/gem-approval/pkg/bot/queue"
)

const (
	// DefaultBaseURL is the default OpenAI API base URL.
	DefaultBaseURL = "https://api.openai.com/v1"

	defaultModel           = "gpt-4o-mini"
	defaultMaxPromptTokens = 800

	defaultSystemPrompt = "You write short, warm replies to posts in a jewelry " +
		"community. Reply in one or two sentences, specific to the post. " +
		"Never use hashtags or emoji. Output only the reply text."
)

// OpenAIComposer drafts replies through an OpenAI-compatible chat
// completions API. Post text is budgeted by token count before it is
// put in the prompt.
type OpenAIComposer struct {
	httpClient      *http.Client
	apiKey          string
	baseURL         string
	model           string
	systemPrompt    string
	maxPromptTokens int
	encoding        *tiktoken.Tiktoken // nil when the encoding is unavailable
}

// OpenAIOption is a function that configures an OpenAIComposer.
type OpenAIOption func(*OpenAIComposer)

// WithModel sets the model to use for completions.
func WithModel(model string) OpenAIOption {
	return func(c *OpenAIComposer) {
		c.model = model
	}
}

// WithBaseURL sets a custom base URL for OpenAI-compatible APIs.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(c *OpenAIComposer) {
		c.baseURL = baseURL
	}
}

// WithSystemPrompt replaces the built-in system prompt.
func WithSystemPrompt(prompt string) OpenAIOption {
	return func(c *OpenAIComposer) {
		c.systemPrompt = prompt
	}
}

// WithMaxPromptTokens bounds how much post text goes into the prompt.
func WithMaxPromptTokens(n int) OpenAIOption {
	return func(c *OpenAIComposer) {
		c.maxPromptTokens = n
	}
}

// NewOpenAIComposer creates a model-backed composer with the given API
// key. If apiKey is empty it falls back to the OPENAI_API_KEY
// environment variable; the base URL likewise falls back to
// OPENAI_BASE_URL when not set by an option.
func NewOpenAIComposer(apiKey string, opts ...OpenAIOption) (*OpenAIComposer, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (provide via parameter or OPENAI_API_KEY environment variable)")
	}

	c := &OpenAIComposer{
		httpClient:      &http.Client{},
		apiKey:          apiKey,
		baseURL:         DefaultBaseURL,
		model:           defaultModel,
		systemPrompt:    defaultSystemPrompt,
		maxPromptTokens: defaultMaxPromptTokens,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.baseURL == DefaultBaseURL {
		if envBaseURL := os.Getenv("OPENAI_BASE_URL"); envBaseURL != "" {
			c.baseURL = envBaseURL
		}
	}

	// Best effort: without the encoding, truncation falls back to a
	// character-based estimate.
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		c.encoding = enc
	}

	return c, nil
}

// Compose asks the model for a reply to the post.
func (c *OpenAIComposer) Compose(ctx context.Context, post extraction.PostRecord) (queue.DraftPayload, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(c.systemPrompt),
		openai.UserMessage(c.buildPrompt(post)),
	}

	text, err := c.complete(ctx, messages)
	if err != nil {
		return queue.DraftPayload{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return queue.DraftPayload{}, fmt.Errorf("%w: model returned an empty reply", ErrGeneration)
	}
	return queue.DraftPayload{Text: text}, nil
}

func (c *OpenAIComposer) buildPrompt(post extraction.PostRecord) string {
	var builder strings.Builder
	if post.Author != "" {
		builder.WriteString("Author: ")
		builder.WriteString(post.Author)
		builder.WriteString("\n")
	}
	builder.WriteString("Post:\n")
	builder.WriteString(c.truncate(post.Text))
	return builder.String()
}

// truncate bounds text to maxPromptTokens, by token count when the
// encoding is available and by a 4-chars-per-token estimate otherwise.
func (c *OpenAIComposer) truncate(text string) string {
	if c.maxPromptTokens <= 0 {
		return text
	}
	if c.encoding != nil {
		tokens := c.encoding.Encode(text, nil, nil)
		if len(tokens) <= c.maxPromptTokens {
			return text
		}
		return c.encoding.Decode(tokens[:c.maxPromptTokens])
	}
	limit := c.maxPromptTokens * 4
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// complete sends a non-streaming chat completion request and returns
// the first choice's content.
func (c *OpenAIComposer) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	reqBody := map[string]interface{}{
		"model":    c.model,
		"messages": messages,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return "", fmt.Errorf("API request failed with status %d (failed to read error body: %w)", resp.StatusCode, readErr)
		}
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("response contained no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
