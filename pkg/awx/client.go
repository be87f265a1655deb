package awx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultTimeout bounds a single round trip to the engine.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBodyBytes caps how much of a response is kept in memory.
	DefaultMaxBodyBytes = 32 << 20
)

// Config controls how the Client reaches the workflow engine API.
type Config struct {
	// BaseURL is the API root, e.g. https://awx.example.com/api/v2/.
	BaseURL            string
	Username           string
	Password           string
	Token              string
	Timeout            time.Duration
	InsecureSkipVerify bool
	// MaxBodyBytes caps a kept response body. Longer bodies keep their
	// tail, where console logs print the plan summary and end marker.
	MaxBodyBytes int64

	// Transport overrides the underlying round tripper. Mostly useful in tests.
	Transport http.RoundTripper
}

// Client is a thin JSON client for the AWX v2 API.
type Client struct {
	base *url.URL
	cfg  Config
	http *http.Client
}

// Response is the uniform result of every engine call: the raw status and body
// plus the decoded top-level JSON object when the body carried one.
type Response struct {
	StatusCode int
	Body       string
	Fields     map[string]any
	// Truncated is set when Body holds only the tail of a longer response.
	Truncated bool
}

// OK reports whether the engine answered with a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NewClient validates cfg and returns a ready Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("awx: base url is required")
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("awx: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("awx: base url %q must be absolute", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed engine certificates
		}
		transport = t
	}

	return &Client{
		base: u,
		cfg:  cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}, nil
}

// get performs a read call and classifies any non-2xx answer as transient.
func (c *Client) get(ctx context.Context, path string) (Response, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Response{}, err
	}
	if !resp.OK() {
		op := "GET " + path
		return resp, &TransientError{Op: op, Err: &StatusError{Op: op, StatusCode: resp.StatusCode, Body: resp.Body}}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (Response, error) {
	op := method + " " + path

	ref, err := url.Parse(path)
	if err != nil {
		return Response{}, fmt.Errorf("awx: parse path %q: %w", path, err)
	}
	target := c.base.ResolveReference(ref)

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("awx: marshal %s payload: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return Response{}, fmt.Errorf("awx: build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return Response{}, &TransientError{Op: op, Err: err}
	}
	defer res.Body.Close()

	data, truncated, err := readTail(res.Body, c.cfg.MaxBodyBytes)
	if err != nil {
		return Response{}, &TransientError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	out := Response{StatusCode: res.StatusCode, Body: string(data), Truncated: truncated}
	if looksLikeJSON(res.Header.Get("Content-Type"), data) {
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err == nil {
			out.Fields = fields
		}
	}
	return out, nil
}

// readTail reads r to EOF and keeps at most its last limit bytes.
func readTail(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil || int64(len(data)) < limit {
		return data, false, err
	}

	truncated := false
	chunk := make([]byte, 32<<10)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			truncated = true
			data = append(data, chunk[:n]...)
			if int64(len(data)) >= 2*limit {
				data = data[:copy(data, data[int64(len(data))-limit:])]
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, truncated, err
		}
	}
	if int64(len(data)) > limit {
		data = data[:copy(data, data[int64(len(data))-limit:])]
	}
	return data, truncated, nil
}

func looksLikeJSON(contentType string, data []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "json") {
		return true
	}
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
