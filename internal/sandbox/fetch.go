package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

// HTTPFetcher backs the http_get builtin. Only hosts on the allowlist (exact
// match, or "*.example.com" for subdomains) are reachable, redirects included.
type HTTPFetcher struct {
	client   *resty.Client
	allow    []string
	maxBytes int
}

func NewHTTPFetcher(timeout time.Duration, maxBytes int, allowHosts []string) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	f := &HTTPFetcher{maxBytes: maxBytes}
	for _, h := range allowHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			f.allow = append(f.allow, h)
		}
	}
	f.client = resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			if !f.allowed(req.URL.Hostname()) {
				return fmt.Errorf("%w: redirect to host %q", ErrDenied, req.URL.Hostname())
			}
			return nil
		}))
	return f
}

func (f *HTTPFetcher) allowed(host string) bool {
	host = strings.ToLower(host)
	for _, a := range f.allow {
		if a == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(a, "*."); ok && strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Get fetches rawURL and decodes a JSON body; non-JSON bodies are returned as a string.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string) (any, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("http_get: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrDenied, u.Scheme)
	}
	if !f.allowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: host %q", ErrDenied, u.Hostname())
	}

	// Streamed; reading stops at maxBytes+1.
	resp, err := f.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("http_get: %w", err)
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.IsError() {
		return nil, fmt.Errorf("http_get: %s returned %d", u.Host, resp.StatusCode())
	}
	var rd io.Reader = raw
	if f.maxBytes > 0 {
		rd = io.LimitReader(raw, int64(f.maxBytes)+1)
	}
	body, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("http_get: read body: %w", err)
	}
	if f.maxBytes > 0 && len(body) > f.maxBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrDenied, f.maxBytes)
	}

	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v, nil
	}
	return string(body), nil
}

func isDenied(err error) bool { return errors.Is(err, ErrDenied) }
