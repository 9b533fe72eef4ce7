// Package search provides the web-search collaborator the research session
// registry drives for its initial query.
package search

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"agentbrowser-core/internal/logging"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

var log = logging.Component("search")

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Provider performs a web search and returns ordered results.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// BrowserSource resolves the shared browser lazily, so a Provider built
// before the browser has launched still works once it does (AutoStart may
// be false, or the lifecycle manager may reconnect after a crash).
type BrowserSource interface {
	Browser() *rod.Browser
}

// DuckDuckGoProvider drives the shared stealth-patched browser to DuckDuckGo's
// HTML-only results endpoint and parses hits with goquery, keeping search
// traffic indistinguishable from ordinary navigation.
type DuckDuckGoProvider struct {
	Source BrowserSource
}

// NewDuckDuckGoProvider returns a Provider bound to the lifecycle manager's
// browser, resolved fresh on every search.
func NewDuckDuckGoProvider(source BrowserSource) *DuckDuckGoProvider {
	return &DuckDuckGoProvider{Source: source}
}

func (p *DuckDuckGoProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	browser := p.Source.Browser()
	if browser == nil {
		return nil, fmt.Errorf("search: browser not connected")
	}
	if limit <= 0 {
		limit = 10
	}

	searchURL := "https://duckduckgo.com/html/?q=" + url.QueryEscape(query)

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("search: open page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx)
	if err := page.Navigate(searchURL); err != nil {
		return nil, fmt.Errorf("search: navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("search: wait load: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("search: read html: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("search: parse html: %w", err)
	}

	var results []Result
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(results) >= limit {
			return false
		}
		link := sel.Find(".result__a")
		title := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		snippet := strings.TrimSpace(sel.Find(".result__snippet").Text())
		if title == "" || href == "" {
			return true
		}
		results = append(results, Result{
			Title:   title,
			URL:     resolveRedirect(href),
			Snippet: snippet,
		})
		return true
	})

	log.Info().Msgf("search %q returned %d results", query, len(results))
	return results, nil
}

// resolveRedirect unwraps DuckDuckGo's "/l/?uddg=<encoded>" redirect links
// into the real target URL when present.
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			if decoded, err := url.QueryUnescape(target); err == nil {
				return decoded
			}
		}
	}
	return href
}
