// Package httpreq implements the HTTP request node.
package httpreq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/nevindra/flume"
)

// DefaultTimeout bounds one request when the node does not set its own.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Executor performs one HTTP request per input item. Parameters:
//
//	url          request URL, may contain expressions
//	method       default GET
//	headers      object of header name to value
//	queryParams  object appended to the URL query
//	body         object sent as a JSON body (POST/PUT/PATCH)
//	extractText  when true, HTML responses are reduced to readable article
//	             text instead of raw markup
//	timeoutSeconds  per-request timeout override
//
// The response lands in the output item as {statusCode, body} where body is
// parsed JSON when the payload is JSON, otherwise a string. Non-2xx statuses
// fail the node with the status and body attached, so the retry wrapper can
// see 429 and 503.
type Executor struct {
	client *http.Client
}

// Option configures an Executor.
type Option func(*Executor)

// WithClient overrides the HTTP client.
func WithClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// New creates an HTTP request executor.
func New(opts ...Option) *Executor {
	e := &Executor{client: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	if len(input) == 0 {
		input = []flume.Item{{JSON: map[string]any{}}}
	}
	out := make([]flume.Item, 0, len(input))
	for _, item := range input {
		result, err := e.request(ctx, node, item, exec)
		if err != nil {
			return nil, err
		}
		out = append(out, flume.Item{JSON: result, Binary: item.Binary})
	}
	return out, nil
}

func (e *Executor) request(ctx context.Context, node *flume.Node, item flume.Item, exec *flume.Execution) (map[string]any, error) {
	params := flume.EvaluateTree(node.Parameters, exec, []flume.Item{item}).(map[string]any)

	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("httpreq: %q: no url", node.Name)
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	if qp, ok := params["queryParams"].(map[string]any); ok && len(qp) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("httpreq: %q: parse url: %w", node.Name, err)
		}
		q := u.Query()
		for k, v := range qp {
			q.Set(k, flume.Stringify(v))
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	var body io.Reader
	if b, ok := params["body"]; ok && b != nil {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("httpreq: %q: encode body: %w", node.Name, err)
		}
		body = bytes.NewReader(data)
	}

	timeout := DefaultTimeout
	if secs, ok := params["timeoutSeconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("httpreq: %q: build request: %w", node.Name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, flume.Stringify(v))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpreq: %q: %w", node.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("httpreq: %q: read response: %w", node.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &flume.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       truncate(string(data), 2048),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	extract, _ := params["extractText"].(bool)
	return map[string]any{
		"statusCode": resp.StatusCode,
		"body":       decodeBody(data, contentType, rawURL, extract),
	}, nil
}

// decodeBody parses a JSON payload into a tree, optionally reduces HTML to
// readable text, and falls back to the raw string.
func decodeBody(data []byte, contentType, pageURL string, extract bool) any {
	if strings.Contains(contentType, "json") || looksLikeJSON(data) {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	if extract && strings.Contains(contentType, "html") {
		if u, err := url.Parse(pageURL); err == nil {
			article, err := readability.FromReader(bytes.NewReader(data), u)
			if err == nil && article.TextContent != "" {
				return article.TextContent
			}
		}
	}
	return string(data)
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ flume.Executor = (*Executor)(nil)
