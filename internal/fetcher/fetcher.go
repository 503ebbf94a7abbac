package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lucasew/imgcache/internal/errutil"
)

var (
	// ErrTooLarge is returned when a body exceeds Fetcher.MaxBytes.
	ErrTooLarge = errors.New("response too large")

	// ErrAllSourcesFailed is returned when no upstream or direct source answered.
	ErrAllSourcesFailed = errors.New("all sources failed")
)

// HTTPStatusError is returned when a source responds with a non-2xx status code.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Response is a fully read image response.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	// Source is the upstream server that answered, empty for direct fetches.
	Source string
}

// Hints are optional request parameters derived from the current network
// conditions.
type Hints struct {
	// Query is merged into the request URL.
	Query url.Values
	// SaveData adds a Save-Data request header.
	SaveData bool
}

// Fetcher performs a single fetch attempt. Retries live one level up.
type Fetcher struct {
	Client *http.Client
	// Upstreams are other imgcache servers consulted before the origin.
	Upstreams []string
	// MaxBytes bounds the body size, zero means unlimited.
	MaxBytes  int64
	UserAgent string
}

func NewFetcher(client *http.Client, upstreams []string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		Client:    client,
		Upstreams: upstreams,
		UserAgent: "imgcache",
	}
}

// Fetch downloads rawURL, asking the upstream servers first.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, hints Hints) (*Response, error) {
	target, err := applyHints(rawURL, hints)
	if err != nil {
		return nil, err
	}

	var lastErr error

	// 1. Try Upstreams
	for _, server := range f.Upstreams {
		u := fmt.Sprintf("%s/images?url=%s", strings.TrimRight(server, "/"), url.QueryEscape(target))
		resp, err := f.get(ctx, u, hints)
		if err == nil {
			resp.URL = rawURL
			resp.Source = server
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		errutil.LogMsg(err, "Failed to fetch from upstream", "server", server, "url", rawURL)
	}

	// 2. Fallback to Direct Download
	resp, err := f.get(ctx, target, hints)
	if err == nil {
		resp.URL = rawURL
		return resp, nil
	}
	if len(f.Upstreams) == 0 {
		return nil, err
	}
	if lastErr != nil {
		slog.Debug("Upstreams failed before direct fetch", "error", lastErr)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllSourcesFailed, err)
}

func applyHints(rawURL string, hints Hints) (string, error) {
	if len(hints.Query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, vs := range hints.Query {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) get(ctx context.Context, u string, hints Hints) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	req.Header.Set("Accept", "image/webp,image/*,*/*;q=0.8")
	if hints.SaveData {
		req.Header.Set("Save-Data", "on")
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{URL: u, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if f.MaxBytes > 0 {
		if resp.ContentLength > f.MaxBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
		}
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.MaxBytes)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return &Response{
		URL:         u,
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		Body:        data,
	}, nil
}
