package swcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Snapshot is an immutable copy of a network response held in a cache
// bucket. Response bodies are single-read streams, so anything destined
// for a bucket is captured here before the live response is returned.
type Snapshot struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	CachedAt time.Time
}

// NormalizeURL returns the identity form of u used for cache keys: the
// fragment is dropped and scheme and host are lower-cased.
func NormalizeURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	return c.String()
}

// RequestKey returns the cache identity of req.
func RequestKey(req *http.Request) string {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + NormalizeURL(req.URL)
}

// SnapshotResponse reads resp's body into a Snapshot and replaces the
// body with an in-memory reader so the caller can still consume it.
func SnapshotResponse(req *http.Request, resp *http.Response, now time.Time) (*Snapshot, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return &Snapshot{
		Method:   method,
		URL:      NormalizeURL(req.URL),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		CachedAt: now.UTC(),
	}, nil
}

// Key returns the cache identity of the snapshot.
func (s *Snapshot) Key() string {
	return s.Method + " " + s.URL
}

// Response materialises a fresh *http.Response for req. Every call
// returns an independent body reader.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Path returns the URL path of the snapshot, or "" if the URL is invalid.
func (s *Snapshot) Path() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return ""
	}
	return u.Path
}
