// Package telemetry records request traces and service metrics in process
// and serves them in Prometheus text format. Metric and attribute names
// follow OpenTelemetry conventions so dashboards port over if the service
// is ever pointed at a collector, but nothing here depends on the OTel SDK.
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	mrand "math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config configures the provider. Zero values mean "all on": nil
// MetricsEnabled/TracingEnabled default to true, SampleRate 0 is
// normalized to 1.0 (record every request).
type Config struct {
	Service        string
	Version        string
	Env            string
	MetricsEnabled *bool
	TracingEnabled *bool
	SampleRate     float64
}

func (c *Config) normalize() {
	if c.Service == "" {
		c.Service = "bookline-server"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Env == "" {
		c.Env = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

func (c *Config) wantMetrics() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *Config) wantTracing() bool {
	return c.TracingEnabled == nil || *c.TracingEnabled
}

// BoolPtr returns a *bool for the optional Config toggles.
func BoolPtr(b bool) *bool { return &b }

// ---------------------------------------------------------------------------
// Spans
// ---------------------------------------------------------------------------

// SpanStatus mirrors the OTel span status code set.
type SpanStatus int

const (
	SpanUnset SpanStatus = iota
	SpanOK
	SpanError
)

// Span is the per-request trace record. TraceID/SpanID are the same values
// emitted to the client in the traceparent response header.
type Span struct {
	TraceID string            `json:"trace_id"`
	SpanID  string            `json:"span_id"`
	Name    string            `json:"name"`
	Start   time.Time         `json:"start"`
	End     time.Time         `json:"end"`
	Status  SpanStatus        `json:"status"`
	Attrs   map[string]string `json:"attrs"`
}

// Duration is how long the request ran.
func (s *Span) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// String renders the span as a JSON line for structured log sinks.
func (s *Span) String() string {
	j, _ := json.Marshal(s)
	return string(j)
}

// ---------------------------------------------------------------------------
// Histograms
// ---------------------------------------------------------------------------

// durationBounds mirror the Prometheus client default buckets, in seconds.
var durationBounds = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// sizeBounds are payload-size bucket upper bounds in bytes, quadrupling
// from 256B to 4MiB.
var sizeBounds = []float64{
	256, 1_024, 4_096, 16_384, 65_536, 262_144, 1_048_576, 4_194_304,
}

// distribution stores the per-bucket observation counts behind one histogram
// series. counts[i] holds only the observations that landed in bucket i; the
// cumulative form Prometheus expects is computed at export time.
type distribution struct {
	bounds []float64
	mu     sync.Mutex
	counts []int64
	sum    float64
	total  int64 // atomic
}

func newDistribution(bounds []float64) *distribution {
	return &distribution{
		bounds: bounds,
		counts: make([]int64, len(bounds)),
	}
}

// Record adds one value.
func (d *distribution) Record(v float64) {
	atomic.AddInt64(&d.total, 1)
	d.mu.Lock()
	d.sum += v
	for i, bound := range d.bounds {
		if v <= bound {
			d.counts[i]++
			break
		}
	}
	// Values above the last bound only show up in +Inf.
	d.mu.Unlock()
}

// Count returns the number of recorded values.
func (d *distribution) Count() int64 {
	return atomic.LoadInt64(&d.total)
}

// Sum returns the sum of all recorded values.
func (d *distribution) Sum() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sum
}

// cumulative returns bucket counts in cumulative form.
func (d *distribution) cumulative() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int64, len(d.counts))
	var run int64
	for i, c := range d.counts {
		run += c
		out[i] = run
	}
	return out
}

// seriesSet holds one distribution per label combination of a histogram
// family.
type seriesSet struct {
	mu    sync.RWMutex
	byKey map[string]*distribution
}

func newSeriesSet() *seriesSet {
	return &seriesSet{byKey: make(map[string]*distribution)}
}

func (s *seriesSet) at(key string, bounds []float64) *distribution {
	s.mu.RLock()
	d := s.byKey[key]
	s.mu.RUnlock()
	if d != nil {
		return d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d = s.byKey[key]; d == nil {
		d = newDistribution(bounds)
		s.byKey[key] = d
	}
	return d
}

func (s *seriesSet) keys() []string {
	s.mu.RLock()
	ks := make([]string, 0, len(s.byKey))
	for k := range s.byKey {
		ks = append(ks, k)
	}
	s.mu.RUnlock()
	return ks
}

func (s *seriesSet) lookup(key string) *distribution {
	s.mu.RLock()
	d := s.byKey[key]
	s.mu.RUnlock()
	return d
}

// SeriesKey joins label values into the key a labeled histogram is stored
// under. Tests use it to reach the same entry the middleware wrote.
func SeriesKey(method, route, status string) string {
	return strings.Join([]string{method, route, status}, "|")
}

// ---------------------------------------------------------------------------
// Counters and gauges
// ---------------------------------------------------------------------------

// intStore backs both counters and gauges: a named set of int64 cells
// addressed by key, each updated atomically once created.
type intStore struct {
	mu    sync.RWMutex
	cells map[string]*int64
}

func newIntStore() *intStore {
	return &intStore{cells: make(map[string]*int64)}
}

func (s *intStore) cell(key string) *int64 {
	s.mu.RLock()
	c := s.cells[key]
	s.mu.RUnlock()
	if c != nil {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.cells[key]; c == nil {
		c = new(int64)
		s.cells[key] = c
	}
	return c
}

func (s *intStore) inc(key string)            { atomic.AddInt64(s.cell(key), 1) }
func (s *intStore) add(key string, d int64)   { atomic.AddInt64(s.cell(key), d) }
func (s *intStore) set(key string, val int64) { atomic.StoreInt64(s.cell(key), val) }

func (s *intStore) get(key string) int64 {
	s.mu.RLock()
	c := s.cells[key]
	s.mu.RUnlock()
	if c == nil {
		return 0
	}
	return atomic.LoadInt64(c)
}

func (s *intStore) snapshot() map[string]int64 {
	s.mu.RLock()
	out := make(map[string]int64, len(s.cells))
	for k, c := range s.cells {
		out[k] = atomic.LoadInt64(c)
	}
	s.mu.RUnlock()
	return out
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Metric names. The dotted OTel form is the storage key; the exporter
// rewrites dots to underscores for Prometheus.
const (
	metricRequestDuration = "http.server.request.duration"
	metricRequestSize     = "http.server.request.size"
	metricResponseSize    = "http.server.response.size"
	metricActiveRequests  = "http.server.active_requests"
	metricOperationCount  = "scheduling.operation.count"
	metricBookingOutcome  = "booking.outcome.count"
	gaugeDBPoolActive     = "db.pool.active_connections"
	gaugeDBPoolIdle       = "db.pool.idle_connections"
	gaugeAppointments     = "scheduling.appointments.total"
)

// Provider owns every metric and span recorded by the service.
type Provider struct {
	cfg Config

	spansMu sync.Mutex
	spans   []*Span

	histMu     sync.RWMutex
	histograms map[string]*distribution
	families   map[string]*seriesSet

	counters *intStore
	gauges   *intStore

	closeOnce sync.Once
	done      chan struct{}
}

// NewProvider builds a provider with the config normalized.
func NewProvider(cfg Config) *Provider {
	cfg.normalize()
	return &Provider{
		cfg:        cfg,
		histograms: make(map[string]*distribution),
		families:   make(map[string]*seriesSet),
		counters:   newIntStore(),
		gauges:     newIntStore(),
		done:       make(chan struct{}),
	}
}

// Shutdown releases the provider. Safe to call more than once.
func (p *Provider) Shutdown(_ context.Context) error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// Resource reports the service identity attributes attached to all telemetry.
func (p *Provider) Resource() map[string]string {
	res := map[string]string{
		"service.name":           p.cfg.Service,
		"service.version":        p.cfg.Version,
		"deployment.environment": p.cfg.Env,
	}
	return res
}

// RecordedSpans returns a copy of everything recorded so far.
func (p *Provider) RecordedSpans() []*Span {
	p.spansMu.Lock()
	defer p.spansMu.Unlock()
	out := make([]*Span, len(p.spans))
	copy(out, p.spans)
	return out
}

func (p *Provider) recordSpan(s *Span) {
	p.spansMu.Lock()
	p.spans = append(p.spans, s)
	p.spansMu.Unlock()
}

// Histogram returns the unlabeled histogram with the given name, or nil.
func (p *Provider) Histogram(name string) *distribution {
	p.histMu.RLock()
	defer p.histMu.RUnlock()
	return p.histograms[name]
}

// LabeledHistogram returns one labeled series of a histogram family, or nil.
func (p *Provider) LabeledHistogram(name, key string) *distribution {
	p.histMu.RLock()
	fam := p.families[name]
	p.histMu.RUnlock()
	if fam == nil {
		return nil
	}
	return fam.lookup(key)
}

func (p *Provider) ensureHistogram(name string, bounds []float64) *distribution {
	p.histMu.RLock()
	d := p.histograms[name]
	p.histMu.RUnlock()
	if d != nil {
		return d
	}
	p.histMu.Lock()
	defer p.histMu.Unlock()
	if d = p.histograms[name]; d == nil {
		d = newDistribution(bounds)
		p.histograms[name] = d
	}
	return d
}

func (p *Provider) ensureFamily(name string) *seriesSet {
	p.histMu.RLock()
	fam := p.families[name]
	p.histMu.RUnlock()
	if fam != nil {
		return fam
	}
	p.histMu.Lock()
	defer p.histMu.Unlock()
	if fam = p.families[name]; fam == nil {
		fam = newSeriesSet()
		p.families[name] = fam
	}
	return fam
}

// Gauge returns the current value of a gauge, 0 if never set.
func (p *Provider) Gauge(name string) int64 {
	return p.gauges.get(name)
}

// Counter returns a labeled counter value, 0 if never incremented.
func (p *Provider) Counter(name, resource, operation string) int64 {
	return p.counters.get(name + "|" + resource + "|" + operation)
}

// CountOperation counts one scheduling operation, labeled by resource
// (appointments, availability, providers, services) and operation
// (create, read, update, delete). The metrics middleware calls it for
// every completed API request.
func (p *Provider) CountOperation(resource, operation string) {
	p.counters.inc(metricOperationCount + "|" + resource + "|" + operation)
}

// CountBookingOutcome counts a booking request by how it ended: booked,
// confirmed, conflict, cancelled, rescheduled, completed or no_show.
func (p *Provider) CountBookingOutcome(outcome string) {
	p.counters.inc(metricBookingOutcome + "|" + outcome + "|")
}

// BookingOutcome returns the count recorded for one outcome.
func (p *Provider) BookingOutcome(outcome string) int64 {
	return p.counters.get(metricBookingOutcome + "|" + outcome + "|")
}

// ---------------------------------------------------------------------------
// Health gauges
// ---------------------------------------------------------------------------

// HealthGauges is the write-side handle the server's gauge refresh loop
// uses; it keeps the loop from reaching into provider internals.
type HealthGauges struct {
	gauges *intStore
}

// HealthGauges returns the recorder for pool and appointment gauges.
func (p *Provider) HealthGauges() *HealthGauges {
	return &HealthGauges{gauges: p.gauges}
}

func (g *HealthGauges) SetPoolActive(n int64) {
	g.gauges.set(gaugeDBPoolActive, n)
}

func (g *HealthGauges) SetPoolIdle(n int64) {
	g.gauges.set(gaugeDBPoolIdle, n)
}

func (g *HealthGauges) SetAppointmentsTotal(n int64) {
	g.gauges.set(gaugeAppointments, n)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// TracingMiddleware records a span per request and answers with a W3C
// traceparent header so callers can correlate their logs with ours.
// SampleRate below 1.0 drops a fraction of spans; the header is always sent.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.wantTracing() {
				return next(c)
			}

			traceID := randomHex(16)
			spanID := randomHex(8)
			c.Response().Header().Set("Traceparent", "00-"+traceID+"-"+spanID+"-01")

			start := time.Now()
			err := next(c)
			end := time.Now()

			if p.cfg.SampleRate < 1 && mrand.Float64() >= p.cfg.SampleRate {
				return err
			}

			req := c.Request()
			route := routePattern(c)
			status := c.Response().Status

			code := SpanOK
			if status >= 500 {
				code = SpanError
			}

			sp := &Span{
				TraceID: traceID,
				SpanID:  spanID,
				Name:    req.Method + " " + route,
				Start:   start,
				End:     end,
				Status:  code,
				Attrs: map[string]string{
					"http.request.method":       req.Method,
					"http.route":                route,
					"http.response.status_code": strconv.Itoa(status),
					"url.full":                  req.URL.String(),
				},
			}
			if res := extractAPIResource(req.URL.Path); res != "" {
				sp.Attrs["app.resource"] = res
			}
			p.recordSpan(sp)
			return err
		}
	}
}

// MetricsMiddleware records request duration, in-flight count and payload
// sizes for every request, and feeds the operation and booking-outcome
// counters from the route and status.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.wantMetrics() {
				return next(c)
			}

			p.gauges.add(metricActiveRequests, 1)
			start := time.Now()

			err := next(c)

			elapsed := time.Since(start).Seconds()
			p.gauges.add(metricActiveRequests, -1)

			req := c.Request()
			route := routePattern(c)
			code := c.Response().Status

			p.ensureHistogram(metricRequestDuration, durationBounds).Record(elapsed)
			p.ensureFamily(metricRequestDuration).
				at(SeriesKey(req.Method, route, strconv.Itoa(code)), durationBounds).
				Record(elapsed)

			if n := req.ContentLength; n > 0 {
				p.ensureHistogram(metricRequestSize, sizeBounds).Record(float64(n))
			}
			if size := c.Response().Size; size > 0 {
				p.ensureHistogram(metricResponseSize, sizeBounds).Record(float64(size))
			}

			if res, op := classifyOperation(req.Method, route, code); res != "" {
				p.CountOperation(res, op)
			}
			if outcome := bookingOutcome(req.Method, route, code); outcome != "" {
				p.CountBookingOutcome(outcome)
			}
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// PrometheusHandler serves every recorded metric in Prometheus text format.
// Families and label sets are emitted in sorted order so consecutive scrapes
// diff cleanly.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var out strings.Builder

		p.histMu.RLock()
		durations := p.histograms[metricRequestDuration]
		durationFam := p.families[metricRequestDuration]
		requestSizes := p.histograms[metricRequestSize]
		responseSizes := p.histograms[metricResponseSize]
		p.histMu.RUnlock()

		writeHeader(&out, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", "histogram")
		if durationFam != nil {
			keys := durationFam.keys()
			sort.Strings(keys)
			for _, key := range keys {
				method, rest, _ := strings.Cut(key, "|")
				route, status, _ := strings.Cut(rest, "|")
				labels := fmt.Sprintf("method=%q,route=%q,status_code=%q",
					method, route, status)
				writeHistogram(&out, "http_server_request_duration_seconds", labels,
					durationFam.lookup(key))
			}
		} else if durations != nil {
			writeHistogram(&out, "http_server_request_duration_seconds", "", durations)
		}
		out.WriteByte('\n')

		writeHeader(&out, "http_server_active_requests",
			"Number of in-flight HTTP requests.", "gauge")
		fmt.Fprintf(&out, "http_server_active_requests %d\n\n",
			p.gauges.get(metricActiveRequests))

		writeHeader(&out, "http_server_request_size_bytes",
			"Size of HTTP request bodies in bytes.", "histogram")
		if requestSizes != nil {
			writeHistogram(&out, "http_server_request_size_bytes", "", requestSizes)
		}
		out.WriteByte('\n')

		writeHeader(&out, "http_server_response_size_bytes",
			"Size of HTTP response bodies in bytes.", "histogram")
		if responseSizes != nil {
			writeHistogram(&out, "http_server_response_size_bytes", "", responseSizes)
		}
		out.WriteByte('\n')

		counters := p.counters.snapshot()
		writeHeader(&out, "scheduling_operation_count",
			"Scheduling operations by resource and operation.", "counter")
		writeCounterFamily(&out, counters, metricOperationCount,
			func(resource, op string) string {
				return fmt.Sprintf("resource=%q,operation=%q", resource, op)
			})
		out.WriteByte('\n')

		writeHeader(&out, "booking_outcome_count",
			"Booking requests by lifecycle outcome.", "counter")
		writeCounterFamily(&out, counters, metricBookingOutcome,
			func(outcome, _ string) string {
				return fmt.Sprintf("outcome=%q", outcome)
			})
		out.WriteByte('\n')

		for _, g := range []struct {
			prom string
			key  string
			help string
		}{
			{"db_pool_active_connections", gaugeDBPoolActive, "Active database pool connections."},
			{"db_pool_idle_connections", gaugeDBPoolIdle, "Idle database pool connections."},
			{"scheduling_appointments_total", gaugeAppointments, "Appointments on record."},
		} {
			writeHeader(&out, g.prom, g.help, "gauge")
			fmt.Fprintf(&out, "%s %d\n\n", g.prom, p.gauges.get(g.key))
		}

		return c.String(http.StatusOK, out.String())
	}
}

func writeHeader(w *strings.Builder, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

// writeCounterFamily emits every counter whose storage key begins with
// family, rendering labels with the supplied formatter. Keys are sorted.
func writeCounterFamily(w *strings.Builder, counters map[string]int64,
	family string, labels func(first, second string) string) {

	prefix := family + "|"
	matched := make([]string, 0, len(counters))
	for k := range counters {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	promName := strings.ReplaceAll(family, ".", "_")
	for _, k := range matched {
		first, second, _ := strings.Cut(strings.TrimPrefix(k, prefix), "|")
		fmt.Fprintf(w, "%s{%s} %d\n", promName, labels(first, second), counters[k])
	}
}

// writeHistogram emits one histogram series: cumulative buckets, +Inf,
// sum and count. labels may be empty for unlabeled series.
func writeHistogram(w *strings.Builder, name, labels string, d *distribution) {
	if d == nil {
		return
	}
	cum := d.cumulative()
	total := d.Count()

	brace := func(extra string) string {
		if labels == "" {
			return "{" + extra + "}"
		}
		return "{" + labels + "," + extra + "}"
	}
	suffix := ""
	if labels != "" {
		suffix = "{" + labels + "}"
	}

	for i, bound := range d.bounds {
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, brace(fmt.Sprintf("le=%q", trimFloat(bound))), cum[i])
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", name, brace(`le="+Inf"`), total)
	fmt.Fprintf(w, "%s_sum%s %g\n", name, suffix, d.Sum())
	fmt.Fprintf(w, "%s_count%s %d\n", name, suffix, total)
}

// trimFloat renders a bucket bound the way Prometheus clients expect:
// no trailing zeros, no scientific notation for these magnitudes.
func trimFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}

// ---------------------------------------------------------------------------
// Request classification
// ---------------------------------------------------------------------------

// routePattern returns the matched echo route pattern, falling back to the
// raw URL path for requests that hit no registered route.
func routePattern(c echo.Context) string {
	if r := c.Path(); r != "" {
		return r
	}
	return c.Request().URL.Path
}

// extractAPIResource pulls the collection segment out of an API path:
// /api/v1/appointments/123/cancel -> "appointments". Non-API paths and
// segments that do not start with a lowercase letter yield "".
func extractAPIResource(path string) string {
	const prefix = "/api/v1/"
	i := strings.Index(path, prefix)
	if i < 0 {
		return ""
	}
	seg, _, _ := strings.Cut(path[i+len(prefix):], "/")
	if seg == "" || seg[0] < 'a' || seg[0] > 'z' {
		return ""
	}
	return seg
}

// classifyOperation maps a completed request to the operation counter
// labels. Failed requests yield nothing; error rates live in the request
// metrics, not here.
func classifyOperation(method, route string, status int) (string, string) {
	if status < 200 || status >= 300 {
		return "", ""
	}
	resource := extractAPIResource(route)
	if resource == "" {
		return "", ""
	}
	switch method {
	case http.MethodPost:
		// Lifecycle verbs like /appointments/:id/cancel change state
		// rather than create it.
		if strings.Contains(route, "/:id/") {
			return resource, "update"
		}
		return resource, "create"
	case http.MethodGet, http.MethodHead:
		return resource, "read"
	case http.MethodPut, http.MethodPatch:
		return resource, "update"
	case http.MethodDelete:
		return resource, "delete"
	}
	return "", ""
}

// bookingOutcome maps a completed appointment request to its lifecycle
// outcome label. Requests that did not change an appointment yield "".
func bookingOutcome(method, route string, status int) string {
	ok := status >= 200 && status < 300
	switch {
	case method == http.MethodPost && strings.HasSuffix(route, "/appointments"):
		switch status {
		case http.StatusCreated:
			return "booked"
		case http.StatusConflict:
			return "conflict"
		}
	case method == http.MethodPut && strings.HasSuffix(route, "/appointments/:id"):
		if ok {
			return "rescheduled"
		}
		if status == http.StatusConflict {
			return "conflict"
		}
	case method == http.MethodPost && ok:
		for _, action := range []struct{ suffix, outcome string }{
			{"/appointments/:id/confirm", "confirmed"},
			{"/appointments/:id/complete", "completed"},
			{"/appointments/:id/no-show", "no_show"},
			{"/appointments/:id/cancel", "cancelled"},
		} {
			if strings.HasSuffix(route, action.suffix) {
				return action.outcome
			}
		}
	}
	return ""
}

// randomHex returns 2n hex characters from a crypto-random source.
func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
