package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "s2s_gateway_active_calls",
		Help: "Number of active phone calls",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s2s_gateway_calls_total",
		Help: "Total number of calls processed",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "s2s_gateway_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Barge-in metrics
	bargeInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s2s_gateway_barge_in_total",
		Help: "Total number of barge-in interruptions of AI playback",
	})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s2s_gateway_completions_total",
		Help: "Total number of AI completions by stop reason",
	}, []string{"stop_reason"})

	// Outbound queue metrics
	queueUnderruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s2s_gateway_outbound_underruns_total",
		Help: "Playback reads that were padded with silence",
	})

	droppedAudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "s2s_gateway_dropped_audio_chunks_total",
		Help: "AI audio chunks dropped because playback was interrupted",
	})

	// Tool metrics
	toolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s2s_gateway_tool_invocations_total",
		Help: "Total number of tool invocations",
	}, []string{"tool", "status"})

	toolLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "s2s_gateway_tool_latency_seconds",
		Help:    "Tool invocation latency in seconds",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s2s_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "s2s_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s2s_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "s2s_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single call
type Metrics struct {
	callID    string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a call. Only the first call counts.
func (m *Metrics) RecordCallEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true

	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordBargeIn records a barge-in interruption
func RecordBargeIn() {
	bargeInTotal.Inc()
}

// RecordCompletion records the end of an AI completion
func RecordCompletion(stopReason string) {
	if stopReason == "" {
		stopReason = "none"
	}
	completionsTotal.WithLabelValues(stopReason).Inc()
}

// RecordQueueUnderrun records a silence-filled playback read
func RecordQueueUnderrun() {
	queueUnderruns.Inc()
}

// RecordDroppedAudioChunk records an AI audio chunk dropped during interruption
func RecordDroppedAudioChunk() {
	droppedAudioChunks.Inc()
}

// RecordToolInvocation records a tool invocation result and its latency
func RecordToolInvocation(tool string, success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	toolInvocations.WithLabelValues(tool, status).Inc()
	toolLatency.Observe(latency.Seconds())
}

// RecordSessionError records an error outside a call-scoped Metrics tracker
func RecordSessionError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
