package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// drop link lifecycle events, pad room activity, and access key checks.
// Writers are coordinated with a RWMutex; the occupant gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	dropEvents      map[string]uint64
	padJoins        map[string]uint64
	padMessages     uint64
	padDisconnects  map[string]uint64
	keyValidations  map[string]uint64
	activeMembers   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		dropEvents:      make(map[string]uint64),
		padJoins:        make(map[string]uint64),
		padDisconnects:  make(map[string]uint64),
		keyValidations:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not
// carry their own instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveDropEvent records a drop link lifecycle event such as "created",
// "redeem_hit", "redeem_miss", or "redeem_fault".
func (r *Recorder) ObserveDropEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.dropEvents[name]++
	r.mu.Unlock()
}

// ObservePadJoin records a room join attempt by outcome. Admitted members
// raise the occupant gauge; the matching ObservePadLeave lowers it.
func (r *Recorder) ObservePadJoin(outcome string) {
	name := normalizeName(outcome)
	r.mu.Lock()
	r.padJoins[name]++
	r.mu.Unlock()
	if name == "password_set" || name == "access_granted" {
		r.activeMembers.Add(1)
	}
}

// ObservePadLeave lowers the occupant gauge, guarding against negative
// counts when concurrent updates race.
func (r *Recorder) ObservePadLeave() {
	r.decrementGauge(&r.activeMembers)
}

// ObservePadMessage records one broadcast delivered to a room.
func (r *Recorder) ObservePadMessage() {
	r.mu.Lock()
	r.padMessages++
	r.mu.Unlock()
}

// ObservePadDisconnect records an involuntary disconnect keyed by reason.
func (r *Recorder) ObservePadDisconnect(reason string) {
	name := normalizeName(reason)
	r.mu.Lock()
	r.padDisconnects[name]++
	r.mu.Unlock()
}

// ObserveKeyValidation records an access key check keyed by outcome, e.g.
// "valid", "expired", or "unknown_key".
func (r *Recorder) ObserveKeyValidation(outcome string) {
	name := normalizeName(outcome)
	r.mu.Lock()
	r.keyValidations[name]++
	r.mu.Unlock()
}

// ActivePadMembers exposes the current gauge of connected room occupants.
func (r *Recorder) ActivePadMembers() int64 {
	return r.activeMembers.Load()
}

// DropCounts returns a copy of the drop event counters for tests and
// reporting.
func (r *Recorder) DropCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.dropEvents))
	for k, v := range r.dropEvents {
		out[k] = v
	}
	return out
}

// PadJoinCounts returns a copy of the join outcome counters.
func (r *Recorder) PadJoinCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.padJoins))
	for k, v := range r.padJoins {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.dropEvents = make(map[string]uint64)
	r.padJoins = make(map[string]uint64)
	r.padMessages = 0
	r.padDisconnects = make(map[string]uint64)
	r.keyValidations = make(map[string]uint64)
	r.activeMembers.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets to
// provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	dropEvents := sortedKeys(r.dropEvents)
	padJoins := sortedKeys(r.padJoins)
	padDisconnects := sortedKeys(r.padDisconnects)
	keyValidations := sortedKeys(r.keyValidations)

	fmt.Fprintln(w, "# HELP lepko_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE lepko_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "lepko_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP lepko_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE lepko_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "lepko_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP lepko_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE lepko_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "lepko_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP lepko_drop_events_total Drop link lifecycle events by type")
	fmt.Fprintln(w, "# TYPE lepko_drop_events_total counter")
	for _, event := range dropEvents {
		fmt.Fprintf(w, "lepko_drop_events_total{event=\"%s\"} %d\n", event, r.dropEvents[event])
	}

	fmt.Fprintln(w, "# HELP lepko_pad_joins_total Pad room join attempts by outcome")
	fmt.Fprintln(w, "# TYPE lepko_pad_joins_total counter")
	for _, outcome := range padJoins {
		fmt.Fprintf(w, "lepko_pad_joins_total{outcome=\"%s\"} %d\n", outcome, r.padJoins[outcome])
	}

	fmt.Fprintln(w, "# HELP lepko_pad_messages_total Messages broadcast into pad rooms")
	fmt.Fprintln(w, "# TYPE lepko_pad_messages_total counter")
	fmt.Fprintf(w, "lepko_pad_messages_total %d\n", r.padMessages)

	fmt.Fprintln(w, "# HELP lepko_pad_disconnects_total Involuntary pad disconnects by reason")
	fmt.Fprintln(w, "# TYPE lepko_pad_disconnects_total counter")
	for _, reason := range padDisconnects {
		fmt.Fprintf(w, "lepko_pad_disconnects_total{reason=\"%s\"} %d\n", reason, r.padDisconnects[reason])
	}

	fmt.Fprintln(w, "# HELP lepko_pad_active_members Current number of connected room occupants")
	fmt.Fprintln(w, "# TYPE lepko_pad_active_members gauge")
	fmt.Fprintf(w, "lepko_pad_active_members %d\n", r.activeMembers.Load())

	fmt.Fprintln(w, "# HELP lepko_key_validations_total Access key checks by outcome")
	fmt.Fprintln(w, "# TYPE lepko_key_validations_total counter")
	for _, outcome := range keyValidations {
		fmt.Fprintf(w, "lepko_key_validations_total{outcome=\"%s\"} %d\n", outcome, r.keyValidations[outcome])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records a request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveDropEvent records a drop event on the default recorder.
func ObserveDropEvent(event string) {
	defaultRecorder.ObserveDropEvent(event)
}

// ObserveKeyValidation records an access key check on the default recorder.
func ObserveKeyValidation(outcome string) {
	defaultRecorder.ObserveKeyValidation(outcome)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
