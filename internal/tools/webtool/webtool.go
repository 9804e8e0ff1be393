// Package webtool reads web pages for the model as markdown.
//
// Two tools share the same output contract: "read_website" performs a plain
// HTTP fetch, "read_website_js" renders the page in a headless browser first
// so client-side content is included. Fetch and conversion failures are
// reported to the model as "Error: ..." strings rather than Go errors, so it
// can correct the URL or fall back to the other tool.
package webtool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/chromedp/chromedp"

	"github.com/miskibin/rtx-chat/internal/tools"
	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

const (
	// PageTimeout bounds one page load, matching the crawler's 30s budget.
	PageTimeout = 30 * time.Second

	// maxMarkdownRunes caps the markdown handed back to the model.
	maxMarkdownRunes = 50000

	// maxFetchBytes caps how much of a response body is read.
	maxFetchBytes = 5 << 20

	userAgent = "Mozilla/5.0 (compatible; rtx-chat/1.0; +https://github.com/miskibin/rtx-chat)"
)

// readArgs is the JSON-decoded input shared by both web tools.
type readArgs struct {
	URL string `json:"url"`
}

// parseTarget validates a model-supplied URL. Only absolute http(s) URLs are
// accepted.
func parseTarget(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return u.String(), nil
}

// renderMarkdown converts fetched HTML to clipped markdown.
func renderMarkdown(html string) (string, error) {
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", err
	}
	return clipRunes(strings.TrimSpace(md), maxMarkdownRunes), nil
}

func clipRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func makeReadWebsiteHandler(client *http.Client) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a readArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("web tool: read_website: failed to parse arguments: %w", err)
		}
		if a.URL == "" {
			return "", fmt.Errorf("web tool: read_website: url must not be empty")
		}
		target, err := parseTarget(a.URL)
		if err != nil {
			return "Error: " + err.Error(), nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

		resp, err := client.Do(req)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Sprintf("Error: %s returned status %s", target, resp.Status), nil
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return "Error: reading response from " + target + ": " + err.Error(), nil
		}

		// Non-HTML responses (plain text, JSON, ...) pass through unconverted.
		if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
			return clipRunes(strings.TrimSpace(string(body)), maxMarkdownRunes), nil
		}

		md, err := renderMarkdown(string(body))
		if err != nil {
			return "Error: converting page to markdown: " + err.Error(), nil
		}
		return md, nil
	}
}

func makeReadWebsiteJSHandler() func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a readArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("web tool: read_website_js: failed to parse arguments: %w", err)
		}
		if a.URL == "" {
			return "", fmt.Errorf("web tool: read_website_js: url must not be empty")
		}
		target, err := parseTarget(a.URL)
		if err != nil {
			return "Error: " + err.Error(), nil
		}

		allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
		defer allocCancel()
		taskCtx, taskCancel := chromedp.NewContext(allocCtx)
		defer taskCancel()

		var html string
		err = chromedp.Run(taskCtx,
			chromedp.Navigate(target),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		)
		if err != nil {
			return "Error: " + err.Error(), nil
		}

		md, err := renderMarkdown(html)
		if err != nil {
			return "Error: converting page to markdown: " + err.Error(), nil
		}
		return md, nil
	}
}

// NewTools constructs the web tool set. A nil client gets a default with the
// page timeout applied; tests inject their own.
func NewTools(client *http.Client) []tools.Tool {
	if client == nil {
		client = &http.Client{Timeout: PageTimeout}
	}

	urlSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to read, including the scheme, e.g. https://example.com/docs",
			},
		},
		"required": []string{"url"},
	}

	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "read_website",
				Description: "Fetch and read content from a website URL. Returns clean markdown content.",
				Parameters:  urlSchema,
			},
			Category: tools.CategoryWeb,
			Handler:  makeReadWebsiteHandler(client),
			Timeout:  PageTimeout,
		},
		{
			Definition: llm.ToolDefinition{
				Name: "read_website_js",
				Description: "Fetch a website in a headless browser with JavaScript enabled, " +
					"then return clean markdown content. Slower than read_website; " +
					"use it when read_website returns empty or incomplete content.",
				Parameters: urlSchema,
			},
			Category: tools.CategoryWeb,
			Handler:  makeReadWebsiteJSHandler(),
			Timeout:  PageTimeout,
		},
	}
}
