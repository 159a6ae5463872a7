// Package fetch retrieves web pages and reduces them to readable text.
//
// The reader is deliberately simple: one GET per URL, content-type
// dispatch to an HTML, markdown, or plain-text extractor, and a hard
// character cap applied on UTF-8 boundaries. Pages that are not text
// are rejected rather than sniffed.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Noah-Wu66/vectaix-relay/internal/httpkit"
)

const (
	// maxBodyBytes caps how much of a response body is read before
	// extraction. Pages larger than this are truncated, not rejected.
	maxBodyBytes = 4 * 1024 * 1024

	defaultTimeout = 30 * time.Second
)

// Result is the readable form of one fetched page.
type Result struct {
	URL         string
	Title       string
	Content     string
	ContentType string
	StatusCode  int
	Truncated   bool
	Length      int
}

// Fetcher retrieves pages over HTTP.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a page fetcher with a bounded request timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{
		httpClient: httpkit.NewClient(httpkit.WithTimeout(defaultTimeout)),
	}
}

// Fetch retrieves a single URL and extracts its readable text, clipped
// to maxChars characters. Non-2xx responses and non-text content types
// are errors.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, maxChars int) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil, fmt.Errorf("fetch %s: HTTP %d", pageURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType := contentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = mt
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pageURL, err)
	}

	var title, text string
	switch {
	case isHTML(mediaType):
		title, text = extractHTML(body)
	case isMarkdown(mediaType, pageURL):
		title, text = extractMarkdown(body)
	case isPlainText(mediaType):
		text = string(body)
	default:
		return nil, fmt.Errorf("fetch %s: unsupported content type %q", pageURL, mediaType)
	}

	text = strings.TrimSpace(text)
	length := len(text)
	truncated := false
	if maxChars > 0 && length > maxChars {
		text = truncateUTF8(text, maxChars)
		truncated = true
	}

	return &Result{
		URL:         pageURL,
		Title:       strings.TrimSpace(title),
		Content:     text,
		ContentType: mediaType,
		StatusCode:  resp.StatusCode,
		Truncated:   truncated,
		Length:      length,
	}, nil
}

func isHTML(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func isMarkdown(mediaType, pageURL string) bool {
	if mediaType == "text/markdown" || mediaType == "text/x-markdown" {
		return true
	}
	u := strings.ToLower(pageURL)
	return strings.HasSuffix(u, ".md") || strings.HasSuffix(u, ".markdown")
}

func isPlainText(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/rss+xml", "application/atom+xml":
		return true
	}
	return false
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
