// Package fileio reads the documents a pipeline refers to by URI: local
// paths, file:// URIs and http(s):// URLs.
package fileio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// ErrUnsupportedScheme is returned for URI schemes no reader handles.
var ErrUnsupportedScheme = errors.New("fileio: unsupported uri scheme")

// Scheme returns the scheme of uri ("" for a plain path).
func Scheme(uri string) string {
	if i := strings.Index(uri, "://"); i > 0 {
		return uri[:i]
	}
	return ""
}

// LocalPath returns the path of a local or file:// uri.
func LocalPath(uri string) (string, error) {
	switch Scheme(uri) {
	case "":
		return uri, nil
	case "file":
		return strings.TrimPrefix(uri, "file://"), nil
	}
	return "", fmt.Errorf("%w: %q is not local", ErrUnsupportedScheme, uri)
}

// Reader reads URIs. A zero Reader uses http.DefaultClient.
type Reader struct {
	Client *http.Client
}

// Read returns the contents of uri. HTTP responses outside 2xx are errors.
func (r *Reader) Read(ctx context.Context, uri string) ([]byte, error) {
	switch Scheme(uri) {
	case "http", "https":
		return r.get(ctx, uri)
	}
	p, err := LocalPath(uri)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (r *Reader) get(ctx context.Context, url string) ([]byte, error) {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http get: new request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http get %q: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http get %q: read body: %w", url, err)
	}
	return body, nil
}

// Read reads uri with a zero Reader.
func Read(ctx context.Context, uri string) ([]byte, error) {
	return (&Reader{}).Read(ctx, uri)
}

// ReadJSON decodes the JSON document at uri into a new T.
func ReadJSON[T any](ctx context.Context, r *Reader, uri string) (*T, error) {
	raw, err := r.Read(ctx, uri)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", uri, err)
	}
	return &out, nil
}
