package telemetry

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is the aggregated value of one named, labelled series.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Count     int64             `json:"count,omitempty"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector aggregates metrics in memory. A nil *Collector discards everything.
type Collector struct {
	mu     sync.RWMutex
	series map[string]*Metric
}

// NewCollector creates a new telemetry collector
func NewCollector() *Collector {
	return &Collector{series: map[string]*Metric{}}
}

// Counter adds value to a counter series
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(name, Counter, value, labels, "")
}

// Gauge sets a gauge series to value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(name, Gauge, value, labels, "")
}

// Timer adds a duration observation, in milliseconds
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.record(name, Timer, float64(duration.Milliseconds()), labels, "ms")
}

func (c *Collector) record(name string, typ MetricType, value float64, labels map[string]string, unit string) {
	if c == nil {
		return
	}
	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.series[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: copyLabels(labels), Unit: unit}
		c.series[key] = m
	}
	switch typ {
	case Gauge:
		m.Value = value
	default:
		m.Value += value
	}
	m.Count++
	m.Timestamp = time.Now()
}

// GetMetrics returns a copy of current metrics, ordered by series
func (c *Collector) GetMetrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]Metric, 0, len(keys))
	for _, k := range keys {
		m := *c.series[k]
		m.Labels = copyLabels(m.Labels)
		result = append(result, m)
	}
	return result
}

// WritePrometheus renders metrics in the Prometheus text exposition format.
// Timers are emitted as <name>_ms_sum and <name>_ms_count.
func (c *Collector) WritePrometheus(w io.Writer) error {
	typed := map[string]bool{}
	for _, m := range c.GetMetrics() {
		labels := formatLabels(m.Labels)
		switch m.Type {
		case Timer:
			if !typed[m.Name] {
				fmt.Fprintf(w, "# TYPE %s_ms summary\n", m.Name)
				typed[m.Name] = true
			}
			fmt.Fprintf(w, "%s_ms_sum%s %g\n", m.Name, labels, m.Value)
			if _, err := fmt.Fprintf(w, "%s_ms_count%s %d\n", m.Name, labels, m.Count); err != nil {
				return err
			}
		default:
			if !typed[m.Name] {
				fmt.Fprintf(w, "# TYPE %s %s\n", m.Name, m.Type)
				typed[m.Name] = true
			}
			if _, err := fmt.Fprintf(w, "%s%s %g\n", m.Name, labels, m.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func seriesKey(name string, labels map[string]string) string {
	return name + formatLabels(labels)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf(`%s=%q`, k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
