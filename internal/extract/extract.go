// Package extract fetches a web page and reduces it to its visible text.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// DefaultUserAgent is sent with every fetch unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (compatible; SimpleWordcounter/1.0)"

// hiddenSelector matches elements whose text never renders.
const hiddenSelector = "style, script, template"

// Error is returned when a page cannot be turned into text.
type Error struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unable to scrape %s: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("unable to scrape %s: HTTP status %d", e.URL, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Options configures the extractor.
type Options struct {
	// Timeout bounds a whole fetch. Zero means no timeout.
	Timeout   time.Duration
	UserAgent string
}

// Extractor fetches pages over HTTP.
type Extractor struct {
	client    *http.Client
	userAgent string
}

// New builds an Extractor. The client follows redirects with the standard
// library's default policy.
func New(opts Options) *Extractor {
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &Extractor{
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: ua,
	}
}

// Text GETs rawURL and returns its normalized visible text. Any status other
// than 200 is an *Error carrying the URL.
func (e *Extractor) Text(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &Error{URL: rawURL, Cause: err}
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", &Error{URL: rawURL, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &Error{URL: rawURL, StatusCode: resp.StatusCode}
	}

	text, err := FromHTML(resp.Body)
	if err != nil {
		return "", &Error{URL: rawURL, StatusCode: resp.StatusCode, Cause: err}
	}
	return text, nil
}

// FromHTML parses r as HTML and joins the trimmed text of every text node in
// document order with single spaces. Style, script and template contents are
// skipped.
func FromHTML(r io.Reader) (string, error) {
	// With scripting disabled <noscript> bodies parse as markup instead of
	// raw text.
	root, err := html.ParseWithOptions(r, html.ParseOptionEnableScripting(false))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc := goquery.NewDocumentFromNode(root)
	doc.Find(hiddenSelector).Remove()

	var parts []string
	collectText(root, &parts)
	return strings.Join(parts, " "), nil
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		if s := strings.TrimSpace(n.Data); s != "" {
			*parts = append(*parts, s)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}
