package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// WebFetchTool fetches a URL and extracts its readable text. Markup,
// scripts, and styles are stripped so the evidence pack carries prose only.
type WebFetchTool struct {
	Client *http.Client
}

func NewWebFetchTool(client *http.Client) *WebFetchTool {
	if client == nil {
		client = &http.Client{Timeout: ToolCallTimeout}
	}
	return &WebFetchTool{Client: client}
}

func (t *WebFetchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        "web.fetch",
		Description: "Fetch the full content of a specific URL and return its readable text.",
		ArgsHint:    `{"url": "https://..."}`,
		Examples:    []string{"Read the Go release notes", "Check a project's changelog"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	url, _ := args["url"].(string)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("url must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, url)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, noscript").Remove()
	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}

	// Collapse whitespace runs left behind by removed block elements
	return strings.Join(strings.Fields(text), " "), nil
}
