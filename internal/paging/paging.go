// Package paging splits an oversized command result into line-bounded pages,
// storing each page behind a short-lived key so an approver's chat client
// can page through a long execution result without the gateway ever
// truncating the underlying data.
package paging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bgdnvk/bouncer/internal/store"
)

// Pager splits and serves result pages.
type Pager struct {
	pages    store.PageStore
	maxChars int
	ttl      time.Duration
}

func New(pages store.PageStore, maxChars int, ttl time.Duration) *Pager {
	return &Pager{pages: pages, maxChars: maxChars, ttl: ttl}
}

// Result is what Split returns: the first page's content, inline, plus
// whether more pages exist and the token to fetch page 2.
type Result struct {
	FirstPage string
	PageCount int
	NextToken string // page_id of page 2, empty if PageCount == 1
}

// Split stores content as 1..N pages of at most maxChars each, split only
// at line boundaries, and returns the first page inline.
func (p *Pager) Split(ctx context.Context, requestID, content string) (Result, error) {
	pages := splitLines(content, p.maxChars)
	for i, page := range pages {
		pageID := PageID(requestID, i+1)
		if err := p.pages.PutPage(ctx, pageID, page, p.ttl); err != nil {
			return Result{}, fmt.Errorf("paging: store page %s: %w", pageID, err)
		}
	}

	result := Result{FirstPage: pages[0], PageCount: len(pages)}
	if len(pages) > 1 {
		result.NextToken = PageID(requestID, 2)
	}
	return result, nil
}

// Get returns the content of a previously split page.
func (p *Pager) Get(ctx context.Context, pageID string) (string, error) {
	return p.pages.GetPage(ctx, pageID)
}

// PageID builds the "{request_id}:page:{k}" format names.
func PageID(requestID string, k int) string {
	return fmt.Sprintf("%s:page:%d", requestID, k)
}

// splitLines breaks content into chunks of at most maxChars, never cutting
// a line in half. A single line longer than maxChars becomes its own
// (oversized) chunk rather than being silently truncated.
func splitLines(content string, maxChars int) []string {
	if maxChars <= 0 || len(content) <= maxChars {
		return []string{content}
	}

	lines := strings.Split(content, "\n")
	var pages []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			pages = append(pages, current.String())
			current.Reset()
		}
	}

	for _, line := range lines {
		candidateLen := current.Len() + len(line) + 1
		if current.Len() > 0 && candidateLen > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()

	if len(pages) == 0 {
		pages = []string{""}
	}
	return pages
}
