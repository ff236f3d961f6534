package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/lexflow/orchestrator/policy"
)

// WebFetchName is the registry key for the page-fetch tool.
const WebFetchName = "web_fetch"

const (
	webFetchMaxTextChars = 10_000
	webFetchMaxLinks     = 25
)

// WebFetchArgs is the wire shape for a web_fetch invocation.
type WebFetchArgs struct {
	URL string `json:"url"`
}

// WebFetchResult is the distilled page content returned to callers.
type WebFetchResult struct {
	URL    string   `json:"url"`
	Title  string   `json:"title,omitempty"`
	Text   string   `json:"text"`
	Links  []string `json:"links,omitempty"`
	Status int      `json:"status"`
}

// WebFetchTool fetches an HTTP(S) page from an allow-listed host and returns
// extracted title, text, and outbound links.
type WebFetchTool struct {
	client         *http.Client
	allowedDomains []string
	limits         Limits
}

// NewWebFetchTool builds the fetch tool. allowedDomains are compared
// case-insensitively against the request host.
func NewWebFetchTool(allowedDomains []string, maxBytes int, timeout time.Duration) *WebFetchTool {
	lowered := make([]string, 0, len(allowedDomains))
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			lowered = append(lowered, d)
		}
	}
	return &WebFetchTool{
		client:         &http.Client{Timeout: timeout},
		allowedDomains: lowered,
		limits: Limits{
			MaxBytes: maxBytes,
			Timeout:  timeout,
		},
	}
}

func (t *WebFetchTool) Name() string   { return WebFetchName }
func (t *WebFetchTool) Limits() Limits { return t.limits }

// PolicyInput extracts the target host so the policy engine can check it
// against the allow-list.
func (t *WebFetchTool) PolicyInput(args json.RawMessage) policy.Input {
	input := policy.Input{ToolName: WebFetchName, AllowedDomains: t.allowedDomains}
	var parsed WebFetchArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return input
	}
	if u, err := url.Parse(parsed.URL); err == nil {
		input.Host = strings.ToLower(u.Hostname())
	}
	return input
}

// Invoke fetches the page. Non-HTTP(S) schemes and empty hosts are blocked,
// oversized bodies fail with too_large, and network deadline expiry maps to
// the registry's timeout classification.
func (t *WebFetchTool) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var parsed WebFetchArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse web_fetch args: %w", err)
	}

	u, err := url.Parse(parsed.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, NewToolError(WebFetchName, ErrBlocked, "scheme %q is not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, NewToolError(WebFetchName, ErrBlocked, "url has no host")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, NewToolError(WebFetchName, ErrTimeout, "fetch exceeded %s", t.limits.Timeout)
		}
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	// Read one byte past the cap to detect oversize without buffering the
	// whole body.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.limits.MaxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > t.limits.MaxBytes {
		return nil, NewToolError(WebFetchName, ErrTooLarge, "body exceeds %d bytes", t.limits.MaxBytes)
	}

	title, text, links := extractContent(body, u)

	out, err := json.Marshal(WebFetchResult{
		URL:    u.String(),
		Title:  title,
		Text:   text,
		Links:  links,
		Status: resp.StatusCode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal web_fetch result: %w", err)
	}
	return out, nil
}

// extractContent walks the HTML tree collecting the title, visible text, and
// absolute outbound links. Script and style subtrees are skipped.
func extractContent(body []byte, base *url.URL) (title, text string, links []string) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		// Not HTML; return the raw body truncated.
		text = string(body)
		if len(text) > webFetchMaxTextChars {
			text = text[:webFetchMaxTextChars]
		}
		return "", strings.TrimSpace(text), nil
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "a":
				if len(links) < webFetchMaxLinks {
					for _, attr := range n.Attr {
						if attr.Key == "href" {
							if ref, err := base.Parse(attr.Val); err == nil && (ref.Scheme == "http" || ref.Scheme == "https") {
								links = append(links, ref.String())
							}
							break
						}
					}
				}
			}
		case html.TextNode:
			if sb.Len() < webFetchMaxTextChars {
				trimmed := strings.TrimSpace(n.Data)
				if trimmed != "" {
					if sb.Len() > 0 {
						sb.WriteByte(' ')
					}
					sb.WriteString(trimmed)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text = sb.String()
	if len(text) > webFetchMaxTextChars {
		text = text[:webFetchMaxTextChars]
	}
	return title, text, links
}
