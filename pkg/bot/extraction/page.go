package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/PeterMinsch/gem-approval/pkg/bot/coordinator"
)

// Selectors names the CSS class tokens and attributes that locate post
// parts in the platform markup. Site-specific and expected to churn.
type Selectors struct {
	// ContainerClass marks an element holding one post.
	ContainerClass string `yaml:"container_class"`

	// AuthorClass marks the author name inside a container.
	AuthorClass string `yaml:"author_class"`

	// TextClass marks the body text inside a container.
	TextClass string `yaml:"text_class"`

	// ReadySelector is the CSS selector whose visibility means the feed
	// has rendered.
	ReadySelector string `yaml:"ready_selector"`
}

const defaultReadyTimeout = 20 * time.Second

// SelectorExtractor is a best-effort, class-token-based Extractor.
type SelectorExtractor struct {
	selectors    Selectors
	readyTimeout time.Duration
}

// NewSelectorExtractor creates an extractor for the given selector set.
func NewSelectorExtractor(selectors Selectors) *SelectorExtractor {
	return &SelectorExtractor{
		selectors:    selectors,
		readyTimeout: defaultReadyTimeout,
	}
}

// Extract waits for the feed to render, then parses post containers out
// of the page HTML.
func (e *SelectorExtractor) Extract(ctx context.Context, page coordinator.Page) ([]PostRecord, error) {
	if e.selectors.ReadySelector != "" {
		if err := page.WaitFor(e.selectors.ReadySelector, "visible", e.readyTimeout); err != nil {
			return nil, fmt.Errorf("%w: feed never rendered: %v", ErrTimeout, err)
		}
	}

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}

	records, err := e.parse(content)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// parse walks the document collecting one PostRecord per container node.
func (e *SelectorExtractor) parse(content string) ([]PostRecord, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page HTML: %w", err)
	}

	var records []PostRecord
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, e.selectors.ContainerClass) {
			if rec, ok := e.parseContainer(n); ok {
				records = append(records, rec)
			}
			return // containers do not nest
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return records, nil
}

func (e *SelectorExtractor) parseContainer(n *html.Node) (PostRecord, bool) {
	rec := PostRecord{}

	if author := findByClass(n, e.selectors.AuthorClass); author != nil {
		rec.Author = cleanText(author)
	}
	if body := findByClass(n, e.selectors.TextClass); body != nil {
		rec.Text = cleanText(body)
	}
	rec.Permalink = findPermalink(n)
	rec.ImageURLs = findImages(n)

	// Without a permalink there is nothing to de-duplicate on or post
	// to, so the record is unusable.
	if rec.Permalink == "" || rec.Text == "" {
		return rec, false
	}
	rec.SourceRef = rec.Permalink
	return rec, true
}

// hasClass reports whether the node carries the class token.
func hasClass(n *html.Node, class string) bool {
	if class == "" {
		return false
	}
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, token := range strings.Fields(attr.Val) {
			if token == class {
				return true
			}
		}
	}
	return false
}

// findByClass returns the first descendant carrying the class token.
func findByClass(n *html.Node, class string) *html.Node {
	if class == "" {
		return nil
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && hasClass(child, class) {
			return child
		}
		if found := findByClass(child, class); found != nil {
			return found
		}
	}
	return nil
}

// findPermalink returns the first anchor href under the node.
func findPermalink(n *html.Node) string {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.Data == "a" {
			for _, attr := range child.Attr {
				if attr.Key == "href" && attr.Val != "" {
					return attr.Val
				}
			}
		}
		if href := findPermalink(child); href != "" {
			return href
		}
	}
	return ""
}

// findImages returns all img srcs under the node.
func findImages(n *html.Node) []string {
	var srcs []string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "img" {
			for _, attr := range node.Attr {
				if attr.Key == "src" && attr.Val != "" {
					srcs = append(srcs, attr.Val)
				}
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return srcs
}

// cleanText collects the node's text content, skipping script and style
// subtrees and collapsing whitespace.
func cleanText(n *html.Node) string {
	var builder strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch strings.ToLower(node.Data) {
			case "script", "style", "noscript":
				return
			}
		}
		if node.Type == html.TextNode {
			builder.WriteString(node.Data)
			builder.WriteString(" ")
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(builder.String()), " ")
}
