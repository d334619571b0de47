// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics counts build outcomes and storage latency and writes them
// in the Prometheus text format, for the node exporter textfile collector.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Buckets for step durations in seconds. Hooks take seconds, squashing a
// full tree can take an hour or more.
var stepBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200}

// Buckets for storage latency in milliseconds.
var storeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// Registry holds every metric molecule exposes.
type Registry struct {
	mu sync.Mutex

	info         map[string]string
	stepSeconds  *histogramVec
	steps        *counterVec
	runs         *counterVec
	storeLatency *histogramVec
	evictions    *counterVec
	evictedBytes *counterVec
}

// Default is the process-wide registry.
var Default = NewRegistry()

func NewRegistry() *Registry {
	r := &Registry{
		info:         map[string]string{"version": "dev"},
		stepSeconds:  newHistogramVec("molecule_step_duration_seconds", "Build step duration in seconds.", stepBuckets, "step"),
		steps:        newCounterVec("molecule_step_total", "Build steps by outcome.", "step", "status"),
		runs:         newCounterVec("molecule_run_total", "Build runs by outcome.", "status"),
		storeLatency: newHistogramVec("molecule_persistence_latency_ms", "Database operation latency in milliseconds.", storeBuckets, "operation", "outcome"),
		evictions:    newCounterVec("molecule_persistence_evictions_total", "Journal events evicted to stay within budget.", "kind"),
		evictedBytes: newCounterVec("molecule_persistence_eviction_bytes_total", "Journal payload bytes evicted.", "kind"),
	}
	// Series that exist from the start, so dashboards see zeros rather
	// than gaps.
	for op, outcomes := range expectedOutcomes {
		for _, outcome := range outcomes {
			r.storeLatency.series(op, outcome)
		}
	}
	r.evictions.add(0, evictionKind)
	r.evictedBytes.add(0, evictionKind)
	return r
}

// SetBuildInfo merges labels into molecule_build_info.
func (r *Registry) SetBuildInfo(labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range labels {
		r.info[k] = v
	}
}

// RecordStep counts one finished step and observes its duration.
func (r *Registry) RecordStep(step, status string, d time.Duration) {
	step, status = label(step), label(status)
	if r == nil || step == "" {
		return
	}
	if status == "" {
		status = "completed"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepSeconds.series(step).observe(d.Seconds())
	r.steps.add(1, step, status)
}

// RecordRun counts one finished run.
func (r *Registry) RecordRun(status string) {
	status = label(status)
	if r == nil || status == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs.add(1, status)
}

// RecordPersistenceLatency observes a database operation.
func (r *Registry) RecordPersistenceLatency(op, outcome string, d time.Duration) {
	op, outcome = label(op), label(outcome)
	if r == nil || op == "" || d < 0 {
		return
	}
	if outcome == "" {
		outcome = OutcomeOK
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeLatency.series(op, outcome).observe(float64(d.Microseconds()) / 1000)
}

// RecordEviction counts one evicted journal event of the given size.
func (r *Registry) RecordEviction(bytes int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictions.add(1, evictionKind)
	r.evictedBytes.add(uint64(max(bytes, 0)), evictionKind)
}

func (r *Registry) StepTotal(step, status string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.steps.get(label(step), label(status))
}

func (r *Registry) RunTotal(status string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs.get(label(status))
}

// EvictedBytes returns the journal bytes evicted so far.
func (r *Registry) EvictedBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictedBytes.get(evictionKind)
}

// WriteTo writes the text exposition to w.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	buf := bufio.NewWriter(cw)

	r.mu.Lock()
	writeHeader(buf, "molecule_build_info", "Build tool info.", "gauge")
	keys := slices.Sorted(maps.Keys(r.info))
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+strconv.Quote(r.info[k]))
	}
	fmt.Fprintf(buf, "molecule_build_info{%s} 1\n", strings.Join(pairs, ","))
	for _, f := range []interface{ write(*bufio.Writer) }{r.stepSeconds, r.steps, r.runs, r.storeLatency, r.evictions, r.evictedBytes} {
		buf.WriteByte('\n')
		f.write(buf)
	}
	r.mu.Unlock()

	err := buf.Flush()
	return cw.n, err
}

// WriteFile replaces path with the current exposition. The file is written
// next to path and renamed into place so the collector never reads a
// partial file.
func (r *Registry) WriteFile(path string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = r.WriteTo(tmp); err != nil {
		return fmt.Errorf("metrics: write %s: %w", tmp.Name(), err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// counterVec is a counter family keyed by label values.
type counterVec struct {
	name, help string
	labels     []string
	values     map[string]uint64
}

func newCounterVec(name, help string, labels ...string) *counterVec {
	return &counterVec{name: name, help: help, labels: labels, values: make(map[string]uint64)}
}

func (c *counterVec) add(n uint64, values ...string) { c.values[seriesKey(values)] += n }

func (c *counterVec) get(values ...string) uint64 { return c.values[seriesKey(values)] }

func (c *counterVec) write(buf *bufio.Writer) {
	writeHeader(buf, c.name, c.help, "counter")
	for _, key := range slices.Sorted(maps.Keys(c.values)) {
		fmt.Fprintf(buf, "%s%s %d\n", c.name, formatLabels(c.labels, splitKey(key)), c.values[key])
	}
}

// histogramVec is a histogram family keyed by label values. Bucket counts
// are cumulative as the exposition format requires.
type histogramVec struct {
	name, help string
	labels     []string
	buckets    []float64
	hists      map[string]*histogram
}

type histogram struct {
	bounds []float64
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogramVec(name, help string, buckets []float64, labels ...string) *histogramVec {
	return &histogramVec{name: name, help: help, labels: labels, buckets: buckets, hists: make(map[string]*histogram)}
}

func (h *histogramVec) series(values ...string) *histogram {
	key := seriesKey(values)
	hist, ok := h.hists[key]
	if !ok {
		hist = &histogram{bounds: h.buckets, counts: make([]uint64, len(h.buckets))}
		h.hists[key] = hist
	}
	return hist
}

func (h *histogram) observe(v float64) {
	v = max(v, 0)
	for i, upper := range h.bounds {
		if v <= upper {
			h.counts[i]++
		}
	}
	h.count++
	h.sum += v
}

func (h *histogramVec) write(buf *bufio.Writer) {
	writeHeader(buf, h.name, h.help, "histogram")
	withLE := append(slices.Clone(h.labels), "le")
	for _, key := range slices.Sorted(maps.Keys(h.hists)) {
		hist, values := h.hists[key], splitKey(key)
		for i, upper := range h.buckets {
			le := strconv.FormatFloat(upper, 'f', -1, 64)
			fmt.Fprintf(buf, "%s_bucket%s %d\n", h.name, formatLabels(withLE, append(slices.Clone(values), le)), hist.counts[i])
		}
		fmt.Fprintf(buf, "%s_bucket%s %d\n", h.name, formatLabels(withLE, append(slices.Clone(values), "+Inf")), hist.count)
		fmt.Fprintf(buf, "%s_sum%s %s\n", h.name, formatLabels(h.labels, values), strconv.FormatFloat(hist.sum, 'g', -1, 64))
		fmt.Fprintf(buf, "%s_count%s %d\n", h.name, formatLabels(h.labels, values), hist.count)
	}
}

func writeHeader(buf *bufio.Writer, name, help, kind string) {
	fmt.Fprintf(buf, "# HELP %s %s\n# TYPE %s %s\n", name, strings.ReplaceAll(help, `\`, `\\`), name, kind)
}

func formatLabels(names, values []string) string {
	if len(names) == 0 {
		return ""
	}
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + strconv.Quote(values[i])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

const keySep = "\xff"

func seriesKey(values []string) string { return strings.Join(values, keySep) }
func splitKey(key string) []string     { return strings.Split(key, keySep) }

func label(v string) string { return strings.ToLower(strings.TrimSpace(v)) }
