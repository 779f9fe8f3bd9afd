// Package analytics aggregates per-request usage data for the admin
// analytics endpoints: request volume and latency per path, per caller
// and per API collection, plus a bounded window of raw samples for
// percentiles and time series.
package analytics

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bookline/bookline/internal/platform/auth"
)

// Sample is one recorded request, kept in the bounded ring that backs
// percentile and time-series queries.
type Sample struct {
	At         time.Time
	Method     string
	Path       string
	Status     int
	Elapsed    time.Duration
	Caller     string
	Collection string
	BytesIn    int64
	BytesOut   int64
}

// ---------------------------------------------------------------------------
// Aggregation entries
// ---------------------------------------------------------------------------

// pathCounter accumulates per-path totals. Each entry has its own
// mutex so hot paths do not serialize on the tracker lock.
type pathCounter struct {
	path string

	mu       sync.Mutex
	hits     int64
	failures int64
	nsSum    int64
	byStatus map[int]int64
}

type callerCounter struct {
	id string

	mu       sync.Mutex
	hits     int64
	failures int64
	lastSeen time.Time
	bytesIn  int64
	bytesOut int64
}

// verb classifies a request against its collection for the CRUD+list
// breakdown.
type verb int

const (
	verbRead verb = iota
	verbCreate
	verbUpdate
	verbDelete
	verbList
	verbOther
)

// collectionCounter holds one atomic cell per verb; no mutex needed.
type collectionCounter struct {
	name   string
	counts [5]int64
}

func (cc *collectionCounter) report() *CollectionReport {
	r := &CollectionReport{
		Collection: cc.name,
		Reads:      atomic.LoadInt64(&cc.counts[verbRead]),
		Creates:    atomic.LoadInt64(&cc.counts[verbCreate]),
		Updates:    atomic.LoadInt64(&cc.counts[verbUpdate]),
		Deletes:    atomic.LoadInt64(&cc.counts[verbDelete]),
		Lists:      atomic.LoadInt64(&cc.counts[verbList]),
	}
	r.Total = r.Reads + r.Creates + r.Updates + r.Deletes + r.Lists
	return r
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

// PathReport is the aggregated view of one route path.
type PathReport struct {
	Path        string        `json:"path"`
	Requests    int64         `json:"requests"`
	FailureRate float64       `json:"failure_rate"`
	MeanLatency time.Duration `json:"mean_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
	ByStatus    map[int]int64 `json:"by_status"`
}

// CallerReport is the aggregated view of one authenticated caller.
type CallerReport struct {
	Caller      string    `json:"caller"`
	Requests    int64     `json:"requests"`
	FailureRate float64   `json:"failure_rate"`
	LastSeen    time.Time `json:"last_seen"`
	BytesIn     int64     `json:"bytes_in"`
	BytesOut    int64     `json:"bytes_out"`
}

// CollectionReport is the CRUD+list breakdown for one API collection.
type CollectionReport struct {
	Collection string `json:"collection"`
	Reads      int64  `json:"reads"`
	Creates    int64  `json:"creates"`
	Updates    int64  `json:"updates"`
	Deletes    int64  `json:"deletes"`
	Lists      int64  `json:"lists"`
	Total      int64  `json:"total"`
}

// Overview is the service-wide rollup served at /analytics/overview.
type Overview struct {
	Requests    int64           `json:"requests"`
	Failures    int64           `json:"failures"`
	FailureRate float64         `json:"failure_rate"`
	MeanLatency time.Duration   `json:"mean_latency"`
	Callers     int             `json:"callers"`
	Paths       int             `json:"paths"`
	TopPaths    []*PathReport   `json:"top_paths"`
	TopCallers  []*CallerReport `json:"top_callers"`
}

// SeriesBucket is one interval of the request-rate time series.
type SeriesBucket struct {
	Start       time.Time     `json:"start"`
	Requests    int64         `json:"requests"`
	Failures    int64         `json:"failures"`
	MeanLatency time.Duration `json:"mean_latency"`
}

// ---------------------------------------------------------------------------
// Tracker
// ---------------------------------------------------------------------------

const defaultSampleWindow = 100000

// Tracker aggregates request samples. Raw samples go into a
// fixed-capacity ring so memory stays bounded no matter how long the
// process runs; counters are cumulative since start.
type Tracker struct {
	mu           sync.RWMutex // guards ring and the maps
	ring         []*Sample
	next         int // next write slot
	size         int // filled slots, == capacity once wrapped
	byPath       map[string]*pathCounter
	byCaller     map[string]*callerCounter
	byCollection map[string]*collectionCounter

	// cumulative totals, updated without the lock
	reqTotal int64
	errTotal int64
	nsTotal  int64
}

// NewTracker builds a tracker keeping up to sampleWindow raw
// samples; zero or negative means the default of 100k.
func NewTracker(sampleWindow int) *Tracker {
	if sampleWindow <= 0 {
		sampleWindow = defaultSampleWindow
	}
	return &Tracker{
		ring:         make([]*Sample, sampleWindow),
		byPath:       make(map[string]*pathCounter),
		byCaller:     make(map[string]*callerCounter),
		byCollection: make(map[string]*collectionCounter),
	}
}

// Record stores one request sample and bumps every counter it maps to.
func (t *Tracker) Record(m *Sample) {
	failed := m.Status >= 400

	atomic.AddInt64(&t.reqTotal, 1)
	atomic.AddInt64(&t.nsTotal, int64(m.Elapsed))
	if failed {
		atomic.AddInt64(&t.errTotal, 1)
	}

	t.mu.Lock()
	t.ring[t.next] = m
	t.next = (t.next + 1) % len(t.ring)
	if t.size < len(t.ring) {
		t.size++
	}
	t.mu.Unlock()

	pc := t.pathEntry(m.Path)
	pc.mu.Lock()
	pc.hits++
	if failed {
		pc.failures++
	}
	pc.nsSum += int64(m.Elapsed)
	pc.byStatus[m.Status]++
	pc.mu.Unlock()

	if m.Caller != "" {
		cc := t.callerEntry(m.Caller)
		cc.mu.Lock()
		cc.hits++
		if failed {
			cc.failures++
		}
		if m.At.After(cc.lastSeen) {
			cc.lastSeen = m.At
		}
		cc.bytesIn += m.BytesIn
		cc.bytesOut += m.BytesOut
		cc.mu.Unlock()
	}

	if m.Collection != "" {
		if v := classifyVerb(m.Method, m.Path); v != verbOther {
			rc := t.collectionEntry(m.Collection)
			atomic.AddInt64(&rc.counts[v], 1)
		}
	}
}

func (t *Tracker) pathEntry(path string) *pathCounter {
	t.mu.RLock()
	pc := t.byPath[path]
	t.mu.RUnlock()
	if pc != nil {
		return pc
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc = t.byPath[path]; pc == nil {
		pc = &pathCounter{path: path, byStatus: make(map[int]int64)}
		t.byPath[path] = pc
	}
	return pc
}

func (t *Tracker) callerEntry(id string) *callerCounter {
	t.mu.RLock()
	cc := t.byCaller[id]
	t.mu.RUnlock()
	if cc != nil {
		return cc
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cc = t.byCaller[id]; cc == nil {
		cc = &callerCounter{id: id}
		t.byCaller[id] = cc
	}
	return cc
}

func (t *Tracker) collectionEntry(name string) *collectionCounter {
	t.mu.RLock()
	rc := t.byCollection[name]
	t.mu.RUnlock()
	if rc != nil {
		return rc
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if rc = t.byCollection[name]; rc == nil {
		rc = &collectionCounter{name: name}
		t.byCollection[name] = rc
	}
	return rc
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// PathReport returns the report for one path, nil if never seen.
func (t *Tracker) PathReport(path string) *PathReport {
	t.mu.RLock()
	pc := t.byPath[path]
	t.mu.RUnlock()
	if pc == nil {
		return nil
	}
	return t.reportPath(pc)
}

// CallerReport returns the report for one caller, nil if never seen.
func (t *Tracker) CallerReport(id string) *CallerReport {
	t.mu.RLock()
	cc := t.byCaller[id]
	t.mu.RUnlock()
	if cc == nil {
		return nil
	}
	return reportCaller(cc)
}

// CollectionReport returns the CRUD+list breakdown for one collection,
// nil if never seen.
func (t *Tracker) CollectionReport(name string) *CollectionReport {
	t.mu.RLock()
	rc := t.byCollection[name]
	t.mu.RUnlock()
	if rc == nil {
		return nil
	}
	return rc.report()
}

// Collections returns every collection's breakdown, sorted by name.
func (t *Tracker) Collections() []*CollectionReport {
	t.mu.RLock()
	entries := make([]*collectionCounter, 0, len(t.byCollection))
	for _, rc := range t.byCollection {
		entries = append(entries, rc)
	}
	t.mu.RUnlock()

	out := make([]*CollectionReport, 0, len(entries))
	for _, rc := range entries {
		out = append(out, rc.report())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Collection < out[j].Collection })
	return out
}

// Overview returns the service-wide rollup with top-5 lists.
func (t *Tracker) Overview() *Overview {
	total := atomic.LoadInt64(&t.reqTotal)
	errs := atomic.LoadInt64(&t.errTotal)
	ns := atomic.LoadInt64(&t.nsTotal)

	o := &Overview{
		Requests:   total,
		Failures:   errs,
		TopPaths:   t.TopPaths(5),
		TopCallers: t.TopCallers(5),
	}
	if total > 0 {
		o.FailureRate = float64(errs) / float64(total)
		o.MeanLatency = time.Duration(ns / total)
	}

	t.mu.RLock()
	o.Callers = len(t.byCaller)
	o.Paths = len(t.byPath)
	t.mu.RUnlock()

	return o
}

// TopPaths returns up to limit paths by request count, busiest first,
// ties broken by path.
func (t *Tracker) TopPaths(limit int) []*PathReport {
	t.mu.RLock()
	entries := make([]*pathCounter, 0, len(t.byPath))
	for _, pc := range t.byPath {
		entries = append(entries, pc)
	}
	t.mu.RUnlock()

	out := make([]*PathReport, 0, len(entries))
	for _, pc := range entries {
		out = append(out, t.reportPath(pc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].Path < out[j].Path
	})
	if limit >= 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// TopCallers returns up to limit callers by request count, busiest
// first, ties broken by caller id.
func (t *Tracker) TopCallers(limit int) []*CallerReport {
	t.mu.RLock()
	entries := make([]*callerCounter, 0, len(t.byCaller))
	for _, cc := range t.byCaller {
		entries = append(entries, cc)
	}
	t.mu.RUnlock()

	out := make([]*CallerReport, 0, len(entries))
	for _, cc := range entries {
		out = append(out, reportCaller(cc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].Caller < out[j].Caller
	})
	if limit >= 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Series buckets the retained samples by interval over the given
// lookback window, oldest bucket first.
func (t *Tracker) Series(interval, lookback time.Duration) []*SeriesBucket {
	now := time.Now()
	start := now.Add(-lookback).Truncate(interval)
	n := int(lookback/interval) + 1

	buckets := make([]*SeriesBucket, n)
	for i := range buckets {
		buckets[i] = &SeriesBucket{Start: start.Add(time.Duration(i) * interval)}
	}
	sums := make([]time.Duration, n)

	for _, m := range t.sampleSnapshot() {
		if m.At.Before(start) || m.At.After(now) {
			continue
		}
		i := int(m.At.Sub(start) / interval)
		if i < 0 || i >= n {
			continue
		}
		buckets[i].Requests++
		if m.Status >= 400 {
			buckets[i].Failures++
		}
		sums[i] += m.Elapsed
	}

	for i, b := range buckets {
		if b.Requests > 0 {
			b.MeanLatency = sums[i] / time.Duration(b.Requests)
		}
	}
	return buckets
}

// FailureRate returns the cumulative fraction of requests that failed.
func (t *Tracker) FailureRate() float64 {
	total := atomic.LoadInt64(&t.reqTotal)
	if total == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&t.errTotal)) / float64(total)
}

// MeanLatency returns the cumulative mean request duration.
func (t *Tracker) MeanLatency() time.Duration {
	total := atomic.LoadInt64(&t.reqTotal)
	if total == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&t.nsTotal) / total)
}

// ---------------------------------------------------------------------------
// Report construction
// ---------------------------------------------------------------------------

func (t *Tracker) reportPath(pc *pathCounter) *PathReport {
	// Percentile walks the sample ring; take it before the entry lock so
	// the two locks are never held together.
	p95 := t.pathPercentile(pc.path, 0.95)

	pc.mu.Lock()
	defer pc.mu.Unlock()

	r := &PathReport{
		Path:       pc.path,
		Requests:   pc.hits,
		P95Latency: p95,
		ByStatus:   make(map[int]int64, len(pc.byStatus)),
	}
	for code, n := range pc.byStatus {
		r.ByStatus[code] = n
	}
	if pc.hits > 0 {
		r.FailureRate = float64(pc.failures) / float64(pc.hits)
		r.MeanLatency = time.Duration(pc.nsSum / pc.hits)
	}
	return r
}

func reportCaller(cc *callerCounter) *CallerReport {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	r := &CallerReport{
		Caller:   cc.id,
		Requests: cc.hits,
		LastSeen: cc.lastSeen,
		BytesIn:  cc.bytesIn,
		BytesOut: cc.bytesOut,
	}
	if cc.hits > 0 {
		r.FailureRate = float64(cc.failures) / float64(cc.hits)
	}
	return r
}

// pathPercentile computes the q-th percentile duration for one path from
// the retained samples. Returns 0 when no sample for the path remains.
func (t *Tracker) pathPercentile(path string, q float64) time.Duration {
	var ds []time.Duration
	t.mu.RLock()
	for _, m := range t.ring[:t.size] {
		if m.Path == path {
			ds = append(ds, m.Elapsed)
		}
	}
	t.mu.RUnlock()

	if len(ds) == 0 {
		return 0
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	i := int(float64(len(ds)) * q)
	if i >= len(ds) {
		i = len(ds) - 1
	}
	return ds[i]
}

func (t *Tracker) sampleSnapshot() []*Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Sample, t.size)
	copy(out, t.ring[:t.size])
	return out
}

// ---------------------------------------------------------------------------
// Path classification
// ---------------------------------------------------------------------------

// splitAPIPath returns the collection segment of a versioned API path and
// whether an id segment follows it: /api/v1/appointments/123 yields
// ("appointments", true). Non-API paths yield ("", false).
func splitAPIPath(path string) (string, bool) {
	const prefix = "/api/v1/"
	i := strings.Index(path, prefix)
	if i < 0 {
		return "", false
	}
	collection, rest, _ := strings.Cut(path[i+len(prefix):], "/")
	return collection, rest != ""
}

// classifyVerb maps a request to the CRUD+list verb it performs. GETs
// with an id segment count as reads, GETs on the bare collection as
// lists.
func classifyVerb(method, path string) verb {
	switch method {
	case http.MethodPost:
		return verbCreate
	case http.MethodPut, http.MethodPatch:
		return verbUpdate
	case http.MethodDelete:
		return verbDelete
	case http.MethodGet:
		if _, hasID := splitAPIPath(path); hasID {
			return verbRead
		}
		return verbList
	}
	return verbOther
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// Middleware records every request into the tracker. Mount it after
// the auth middleware so the caller id is on the request context.
func Middleware(tracker *Tracker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqPath := c.Request().URL.Path

			err := next(c)

			req := c.Request()
			collection, _ := splitAPIPath(reqPath)

			var bytesIn int64
			if n := req.ContentLength; n > 0 {
				bytesIn = n
			}

			tracker.Record(&Sample{
				At:         start,
				Method:     req.Method,
				Path:       reqPath,
				Status:     c.Response().Status,
				Elapsed:    time.Since(start),
				Caller:     auth.IdentityFromContext(req.Context()).ID,
				Collection: collection,
				BytesIn:    bytesIn,
				BytesOut:   c.Response().Size,
			})

			return err
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// Handler serves the admin analytics endpoints.
type Handler struct {
	tracker *Tracker
}

func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// Mount attaches the analytics endpoints to g, which the server
// guards with the admin role.
func (h *Handler) Mount(g *echo.Group) {
	g.GET("/analytics/overview", h.ServiceOverview)
	g.GET("/analytics/paths", h.topPaths)
	g.GET("/analytics/paths/:path", h.onePath)
	g.GET("/analytics/callers", h.topCallers)
	g.GET("/analytics/callers/:id", h.oneCaller)
	g.GET("/analytics/collections", h.collections)
	g.GET("/analytics/timeseries", h.timeseries)
}

// ServiceOverview serves the whole-service rollup. Exported so the server
// can mount it on a bare /usage URL next to the drill-down routes.
func (h *Handler) ServiceOverview(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.Overview())
}

func (h *Handler) topPaths(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.TopPaths(limitParam(c, 20)))
}

func (h *Handler) onePath(c echo.Context) error {
	rep := h.tracker.PathReport("/" + c.Param("path"))
	if rep == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no samples for path")
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) topCallers(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.TopCallers(limitParam(c, 20)))
}

func (h *Handler) oneCaller(c echo.Context) error {
	rep := h.tracker.CallerReport(c.Param("id"))
	if rep == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no samples for caller")
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) collections(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.Collections())
}

func (h *Handler) timeseries(c echo.Context) error {
	interval := windowParam(c.QueryParam("interval"), time.Minute)
	lookback := windowParam(c.QueryParam("window"), time.Hour)
	return c.JSON(http.StatusOK, h.tracker.Series(interval, lookback))
}

func limitParam(c echo.Context, fallback int) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// windowParam parses Go duration syntax plus a "d" suffix for days,
// falling back on anything unparseable.
func windowParam(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil {
			return 24 * time.Hour * time.Duration(n)
		}
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
