// internal/utils/metrics.go
package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Counter metric - atomic value updates
type Counter struct {
	name  string
	value int64
}

// Gauge metric - atomic value updates
type Gauge struct {
	name  string
	value int64
}

// Histogram metric (count, sum, min, max)
type Histogram struct {
	name  string
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = &MetricsCollector{
			counters:   make(map[string]*Counter),
			gauges:     make(map[string]*Gauge),
			histograms: make(map[string]*Histogram),
		}
	})
	return globalMetrics
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	m.AddCounter(name, 1)
}

// AddCounter adds a value to a counter metric
func (m *MetricsCollector) AddCounter(name string, value int64) {
	// Fast path for existing counters
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if exists {
		atomic.AddInt64(&counter.value, value)
		return
	}

	m.mu.Lock()
	counter, exists = m.counters[name]
	if !exists {
		counter = &Counter{name: name}
		m.counters[name] = counter
	}
	m.mu.Unlock()

	atomic.AddInt64(&counter.value, value)
}

// SetGauge sets a gauge metric
func (m *MetricsCollector) SetGauge(name string, value int64) {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if exists {
		atomic.StoreInt64(&gauge.value, value)
		return
	}

	m.mu.Lock()
	gauge, exists = m.gauges[name]
	if !exists {
		gauge = &Gauge{name: name}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()

	atomic.StoreInt64(&gauge.value, value)
}

// GetGauge gets the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if !exists {
		return 0
	}

	return atomic.LoadInt64(&gauge.value)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		histogram, exists = m.histograms[name]
		if !exists {
			histogram = &Histogram{
				name: name,
				min:  value,
				max:  value,
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.mu.Lock()
	defer histogram.mu.Unlock()

	histogram.count++
	histogram.sum += value

	if value < histogram.min {
		histogram.min = value
	}
	if value > histogram.max {
		histogram.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make(map[string]interface{})

	counters := make(map[string]int64)
	for name, counter := range m.counters {
		counters[name] = atomic.LoadInt64(&counter.value)
	}
	metrics["counters"] = counters

	gauges := make(map[string]int64)
	for name, gauge := range m.gauges {
		gauges[name] = atomic.LoadInt64(&gauge.value)
	}
	metrics["gauges"] = gauges

	histograms := make(map[string]map[string]int64)
	for name, histogram := range m.histograms {
		histogram.mu.Lock()
		histograms[name] = map[string]int64{
			"count": histogram.count,
			"sum":   histogram.sum,
			"min":   histogram.min,
			"max":   histogram.max,
		}
		histogram.mu.Unlock()
	}
	metrics["histograms"] = histograms

	return metrics
}

// GetCounterValue gets the current value of a counter
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		return 0
	}

	return atomic.LoadInt64(&counter.value)
}

// GenerationMetrics 记录生成工作流相关的指标
type GenerationMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewGenerationMetrics creates a new generation metrics instance
func NewGenerationMetrics() *GenerationMetrics {
	return &GenerationMetrics{
		metrics: GetMetricsCollector(),
		logger:  GetLogger(),
	}
}

// RecordLLMRequest records metrics for one model gateway call
func (gm *GenerationMetrics) RecordLLMRequest(provider, model string, tokensUsed int, duration time.Duration) {
	gm.metrics.IncrementCounter("llm_requests_total")
	gm.metrics.IncrementCounter("llm_requests_" + provider)
	gm.metrics.AddCounter("llm_tokens_total", int64(tokensUsed))
	gm.metrics.RecordHistogram("llm_response_time_ms", duration.Milliseconds())

	gm.logger.Info("LLM request completed", map[string]interface{}{
		"provider": provider,
		"model":    model,
		"tokens":   tokensUsed,
		"duration": duration.Milliseconds(),
	})
}

// RecordParseFailure records a malformed model output
func (gm *GenerationMetrics) RecordParseFailure(stage string) {
	gm.metrics.IncrementCounter("parse_failures_total")
	gm.metrics.IncrementCounter("parse_failures_" + stage)
}

// RecordBatchSplit records a chapter batch split into sub-batches
func (gm *GenerationMetrics) RecordBatchSplit(chapterID string) {
	gm.metrics.IncrementCounter("chapter_batch_splits_total")

	gm.logger.Debug("Chapter batch split", map[string]interface{}{
		"chapter_id": chapterID,
	})
}

// RecordChapterRepaired records a gap-repair regeneration
func (gm *GenerationMetrics) RecordChapterRepaired(mode string) {
	gm.metrics.IncrementCounter("chapters_repaired_total")
	gm.metrics.IncrementCounter("chapters_repaired_" + mode)
}

// RecordAPIRequest records metrics for an API request
func (gm *GenerationMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	gm.metrics.IncrementCounter("api_requests_total")
	gm.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())
	gm.metrics.IncrementCounter("api_responses_" + string(rune('0'+statusCode/100)) + "xx")
}

// RecordError records an error metric
func (gm *GenerationMetrics) RecordError(errorType, component string) {
	gm.metrics.IncrementCounter("errors_total")
	gm.metrics.IncrementCounter("errors_" + errorType)

	gm.logger.Error("Error recorded", map[string]interface{}{
		"type":      errorType,
		"component": component,
	})
}

// StartMetricsCollection starts background metrics reporting
func (gm *GenerationMetrics) StartMetricsCollection(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gm.logger.Info("Periodic metrics report", map[string]interface{}{
					"metrics": gm.metrics.GetMetrics(),
				})
			}
		}
	}()
}
