// Package profiler - Stage timing and scalar metric tracking for detector runs.
package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// Stage names recorded by the detector.
const (
	StageExtractFeat = "extract_feat"
	StageRPN         = "rpn"
	StageRoI         = "roi"
)

// Profiler tracks operation timings and custom metrics. It is safe for
// concurrent use.
type Profiler struct {
	mu         sync.RWMutex
	maxSamples int
	startTime  time.Time

	// Custom metrics
	metrics map[string]*MetricTracker
	// Performance tracking
	operations map[string]*TimeTracker
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// Stats is a snapshot of one tracker over its retained window.
type Stats struct {
	Count int64
	Avg   float64
	Min   float64
	Max   float64
}

// New creates a profiler keeping at most maxSamples values per series
// (default: 600).
func New(maxSamples int) *Profiler {
	if maxSamples <= 0 {
		maxSamples = 600
	}
	return &Profiler{
		maxSamples: maxSamples,
		startTime:  time.Now(),
		metrics:    make(map[string]*MetricTracker),
		operations: make(map[string]*TimeTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
func (p *Profiler) StartOperation(name string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.recordOperationTime(name, time.Since(start))
	}
}

func (p *Profiler) recordOperationTime(name string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operations[name]
	if !exists {
		tracker = &TimeTracker{minTime: duration, maxTime: duration}
		p.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	if len(tracker.durations) > p.maxSamples {
		// Remove oldest sample
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.totalTime += duration
	tracker.count++
	if duration < tracker.minTime {
		tracker.minTime = duration
	}
	if duration > tracker.maxTime {
		tracker.maxTime = duration
	}
}

// RecordMetric records a custom metric value, such as a loss.
func (p *Profiler) RecordMetric(name string, value float64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.metrics[name]
	if !exists {
		tracker = &MetricTracker{min: value, max: value}
		p.metrics[name] = tracker
	}
	tracker.values = append(tracker.values, value)
	if len(tracker.values) > p.maxSamples {
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}
	tracker.sum += value
	tracker.count++
	if value < tracker.min {
		tracker.min = value
	}
	if value > tracker.max {
		tracker.max = value
	}
}

// Operation returns the timing statistics of an operation in seconds.
func (p *Profiler) Operation(name string) (Stats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.operations[name]
	if !ok || len(t.durations) == 0 {
		return Stats{}, false
	}
	return Stats{
		Count: t.count,
		Avg:   (t.totalTime / time.Duration(len(t.durations))).Seconds(),
		Min:   t.minTime.Seconds(),
		Max:   t.maxTime.Seconds(),
	}, true
}

// Metric returns the statistics of a custom metric.
func (p *Profiler) Metric(name string) (Stats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.metrics[name]
	if !ok || len(t.values) == 0 {
		return Stats{}, false
	}
	return Stats{Count: t.count, Avg: t.sum / float64(len(t.values)), Min: t.min, Max: t.max}, true
}

// Report writes every tracked series to log.
func (p *Profiler) Report(log logs.Log) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	log.Infof("Profiler uptime %v", time.Since(p.startTime).Truncate(time.Millisecond))
	for _, name := range sortedKeys(p.operations) {
		t := p.operations[name]
		if len(t.durations) == 0 {
			continue
		}
		avg := t.totalTime / time.Duration(len(t.durations))
		log.Infof("  %s: avg=%v, min=%v, max=%v, count=%d", name,
			avg.Truncate(time.Microsecond), t.minTime.Truncate(time.Microsecond),
			t.maxTime.Truncate(time.Microsecond), t.count)
	}
	for _, name := range sortedKeys(p.metrics) {
		t := p.metrics[name]
		if len(t.values) == 0 {
			continue
		}
		log.Infof("  %s: avg=%.4f, min=%.4f, max=%.4f, samples=%d", name,
			t.sum/float64(len(t.values)), t.min, t.max, len(t.values))
	}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
