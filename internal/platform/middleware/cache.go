package middleware

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Policy
// ---------------------------------------------------------------------------

// CachePolicy controls the Cache-Control, Vary and ETag headers stamped on
// read responses.
type CachePolicy struct {
	MaxAge       int      // max-age in seconds
	Private      bool     // private vs public Cache-Control scope
	NoStore      bool     // prepend no-store for sensitive endpoints
	Vary         []string // Vary header contents
	ETags        bool     // compute an ETag from the body
	Conditionals bool     // answer If-None-Match with 304
	Exclude      []string // exact paths left untouched
}

// DefaultCachePolicy returns the settings the booking API serves reads with:
// per-user responses, five-minute freshness, ETags and conditional requests on.
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		MaxAge:       300,
		Private:      true,
		Vary:         []string{"Accept", "Authorization"},
		ETags:        true,
		Conditionals: true,
	}
}

func (p CachePolicy) cacheControl() string {
	scope := "public"
	if p.Private {
		scope = "private"
	}
	v := scope + ", max-age=" + strconv.Itoa(p.MaxAge)
	if p.NoStore {
		v = "no-store, " + v
	}
	return v
}

// ---------------------------------------------------------------------------
// Cache backend
// ---------------------------------------------------------------------------

// CacheBackend is the response cache seam; the server picks the in-process
// backend or Redis depending on configuration.
type CacheBackend interface {
	Get(key string) (data []byte, ok bool)
	Set(key string, data []byte, ttl time.Duration)
	Delete(key string)
	Clear()
}

type memEntry struct {
	payload  []byte
	deadline time.Time
}

// MemoryCache is a process-local CacheBackend. Entries expire lazily on read
// and in bulk from the cleanup loop.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]*memEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]*memEntry)}
}

func (m *MemoryCache) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	e := m.items[key]
	m.mu.RUnlock()
	if e == nil {
		return nil, false
	}
	if time.Now().After(e.deadline) {
		m.mu.Lock()
		// Recheck: a Set may have replaced the entry meanwhile.
		if cur := m.items[key]; cur == e {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	return e.payload, true
}

func (m *MemoryCache) Set(key string, data []byte, ttl time.Duration) {
	m.mu.Lock()
	m.items[key] = &memEntry{payload: data, deadline: time.Now().Add(ttl)}
	m.mu.Unlock()
}

func (m *MemoryCache) Delete(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *MemoryCache) Clear() {
	m.mu.Lock()
	m.items = make(map[string]*memEntry)
	m.mu.Unlock()
}

func (m *MemoryCache) purgeExpired(now time.Time) {
	m.mu.Lock()
	for k, e := range m.items {
		if now.After(e.deadline) {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}

// StartSweep sweeps expired entries every interval until ctx is cancelled.
func (m *MemoryCache) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.purgeExpired(now)
			}
		}
	}()
}

// ---------------------------------------------------------------------------
// Response capture
// ---------------------------------------------------------------------------

// replayWriter buffers the handler's response so the middleware can inspect
// status and body before anything reaches the wire.
type replayWriter struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (w *replayWriter) Write(b []byte) (int, error) { return w.body.Write(b) }
func (w *replayWriter) WriteHeader(code int)        { w.status = code }
func (w *replayWriter) Flush()                      {}

// replay sends the captured status and body to the real writer.
func (w *replayWriter) replay() error {
	w.ResponseWriter.WriteHeader(w.status)
	if w.body.Len() == 0 {
		return nil
	}
	_, err := w.ResponseWriter.Write(w.body.Bytes())
	return err
}

// capture runs next with the response buffered. Echo has already marked the
// response committed by the time next returns, so any short-circuit (304,
// 412, replay) must go through the returned writer, not echo's Response.
func capture(c echo.Context, next echo.HandlerFunc) (*replayWriter, error) {
	res := c.Response()
	orig := res.Writer
	rw := &replayWriter{ResponseWriter: orig, status: http.StatusOK}
	res.Writer = rw
	err := next(c)
	res.Writer = orig
	return rw, err
}

// ---------------------------------------------------------------------------
// Cache headers
// ---------------------------------------------------------------------------

// CacheHeaders stamps Cache-Control, Vary and ETag headers on successful GET
// and HEAD responses, answering If-None-Match with 304 when the body is
// unchanged.
func CacheHeaders(policy CachePolicy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if m := req.Method; m != http.MethodGet && m != http.MethodHead {
				return next(c)
			}
			if slices.Contains(policy.Exclude, req.URL.Path) {
				return next(c)
			}

			rw, err := capture(c, next)
			if err != nil {
				return err
			}
			// Errors pass through without cache headers.
			if rw.status >= 400 {
				return rw.replay()
			}

			res := c.Response()
			hdr := res.Header()
			hdr.Set("Cache-Control", policy.cacheControl())
			if len(policy.Vary) > 0 {
				hdr.Set("Vary", strings.Join(policy.Vary, ", "))
			}

			if policy.ETags {
				etag := weakETag(rw.body.Bytes())
				hdr.Set("ETag", etag)

				if policy.Conditionals {
					if inm := req.Header.Get("If-None-Match"); inm != "" && etagMatches(inm, etag) {
						res.Status = http.StatusNotModified
						rw.ResponseWriter.WriteHeader(http.StatusNotModified)
						return nil
					}
				}
			}

			return rw.replay()
		}
	}
}

// ---------------------------------------------------------------------------
// Conditional requests
// ---------------------------------------------------------------------------

// ConditionalRequests evaluates If-Modified-Since and If-None-Match against
// the handler's Last-Modified/ETag headers (304 on match) and If-Match
// (412 on mismatch) for handlers that manage those headers themselves.
func ConditionalRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rw, err := capture(c, next)
			if err != nil {
				return err
			}

			req := c.Request()
			res := c.Response()
			hdr := res.Header()

			if unchangedSince(req.Header.Get("If-Modified-Since"), hdr.Get("Last-Modified")) {
				res.Status = http.StatusNotModified
				rw.ResponseWriter.WriteHeader(http.StatusNotModified)
				return nil
			}

			etag := hdr.Get("ETag")
			if inm := req.Header.Get("If-None-Match"); inm != "" && etag != "" && etagMatches(inm, etag) {
				res.Status = http.StatusNotModified
				rw.ResponseWriter.WriteHeader(http.StatusNotModified)
				return nil
			}
			if im := req.Header.Get("If-Match"); im != "" && etag != "" && !etagMatches(im, etag) {
				res.Status = http.StatusPreconditionFailed
				rw.ResponseWriter.WriteHeader(http.StatusPreconditionFailed)
				return nil
			}

			return rw.replay()
		}
	}
}

// unchangedSince reports whether Last-Modified is at or before the
// If-Modified-Since timestamp. Unparseable or absent headers mean changed.
func unchangedSince(ifModSince, lastMod string) bool {
	if ifModSince == "" || lastMod == "" {
		return false
	}
	since, err1 := http.ParseTime(ifModSince)
	mod, err2 := http.ParseTime(lastMod)
	return err1 == nil && err2 == nil && !mod.After(since)
}

// ---------------------------------------------------------------------------
// Response cache
// ---------------------------------------------------------------------------

// entrySep separates the content type from the body in a cached payload.
const entrySep = 0x1f

func encodeEntry(contentType string, body []byte) []byte {
	out := make([]byte, 0, len(contentType)+1+len(body))
	out = append(out, contentType...)
	out = append(out, entrySep)
	return append(out, body...)
}

func decodeEntry(data []byte) (contentType string, body []byte) {
	if i := bytes.IndexByte(data, entrySep); i >= 0 {
		return string(data[:i]), data[i+1:]
	}
	return "", data
}

// ResponseCache serves anonymous GETs from the backend, keyed by request URI
// and Accept header. Requests carrying Authorization bypass the cache so
// per-user responses never leak across callers.
func ResponseCache(backend CacheBackend, ttl time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			switch {
			case req.Method != http.MethodGet:
				return next(c)
			case req.Header.Get("Authorization") != "":
				c.Response().Header().Set("X-Cache", "BYPASS")
				return next(c)
			}

			key := cacheKey(req)
			if data, ok := backend.Get(key); ok {
				contentType, body := decodeEntry(data)
				res := c.Response()
				res.Header().Set("X-Cache", "HIT")
				if contentType != "" {
					res.Header().Set(echo.HeaderContentType, contentType)
				}
				res.WriteHeader(http.StatusOK)
				_, err := res.Write(body)
				return err
			}

			rw, err := capture(c, next)
			if err != nil {
				return err
			}

			hdr := c.Response().Header()
			if rw.status < 400 {
				backend.Set(key, encodeEntry(hdr.Get(echo.HeaderContentType), rw.body.Bytes()), ttl)
			}
			hdr.Set("X-Cache", "MISS")
			return rw.replay()
		}
	}
}

// cacheKey includes the query string so filtered listings cache separately,
// and the Accept header so content negotiation stays correct.
func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.RequestURI() + " " + req.Header.Get("Accept")
}

// ---------------------------------------------------------------------------
// ETag helpers
// ---------------------------------------------------------------------------

// weakETag builds a weak validator from body length and FNV-1a hash.
func weakETag(body []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(body)
	return fmt.Sprintf(`W/"%x-%x"`, len(body), h.Sum64())
}

// etagMatches implements weak comparison against a comma-separated
// If-None-Match or If-Match value, including the "*" wildcard.
func etagMatches(header, etag string) bool {
	if strings.TrimSpace(header) == "*" {
		return true
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, cand := range strings.Split(header, ",") {
		if strings.TrimPrefix(strings.TrimSpace(cand), "W/") == want {
			return true
		}
	}
	return false
}
