package web

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/crag-agent/backend/pkg/logger"
)

// Client fetches freshest-available evidence from the live web. It backs
// the temporal_update correction when the stored passages are stale.
type Client struct {
	httpClient *http.Client
	maxResults int
}

// Result is one freshly fetched page.
type Result struct {
	Title     string
	URL       string
	Snippet   string
	Content   string
	FetchedAt time.Time
}

func NewClient(timeout time.Duration, maxResults int) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if maxResults == 0 {
		maxResults = 5
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		maxResults: maxResults,
	}
}

// Search runs a web search for the query and scrapes the result pages.
// Every result carries FetchedAt = now, making it the freshest evidence
// available.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	logger.Info("Performing fresh web search", zap.String("query", query))

	searchQuery := url.QueryEscape(query)
	searchURL := fmt.Sprintf("https://www.google.com/search?q=%s&num=%d", searchQuery, c.maxResults)

	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	now := time.Now()
	results := make([]Result, 0)
	doc.Find("div.g").Each(func(i int, s *goquery.Selection) {
		if i >= c.maxResults {
			return
		}

		title := s.Find("h3").Text()
		link, _ := s.Find("a").Attr("href")
		snippet := s.Find("div.VwiC3b").Text()

		if title == "" || link == "" {
			return
		}

		content, err := c.scrapeContent(ctx, link)
		if err != nil {
			logger.Warn("Failed to scrape content, keeping snippet",
				zap.String("url", link),
				zap.Error(err),
			)
			content = snippet
		}

		results = append(results, Result{
			Title:     title,
			URL:       link,
			Snippet:   snippet,
			Content:   content,
			FetchedAt: now,
		})
	})

	logger.Info("Web search completed", zap.Int("results", len(results)))

	return results, nil
}

func (c *Client) scrapeContent(ctx context.Context, urlStr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header").Remove()
	text := strings.TrimSpace(doc.Find("body").Text())

	if len(text) > 5000 {
		text = text[:5000]
	}

	return text, nil
}
