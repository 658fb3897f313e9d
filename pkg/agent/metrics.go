package agent

import (
	"sync"
	"time"
)

// Metrics accumulates per-agent execution counters for the process lifetime.
// Counters are monotonic and never reset. All mutation goes through
// RecordExecution under the mutex; concurrent workflows share the same
// Metrics instance per agent, so lost updates here are a correctness bug.
type Metrics struct {
	AgentName            string        `json:"agent_name"`
	ExecutionCount       int64         `json:"execution_count"`
	SuccessCount         int64         `json:"success_count"`
	ErrorCount           int64         `json:"error_count"`
	TotalExecutionTime   time.Duration `json:"total_execution_time"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	LastExecutionTime    time.Duration `json:"last_execution_time"`
	LastError            string        `json:"last_error,omitempty"`
	LastErrorTime        time.Time     `json:"last_error_time,omitempty"`

	mu sync.Mutex
}

// NewMetrics creates a metrics record for the named agent.
func NewMetrics(agentName string) *Metrics {
	return &Metrics{AgentName: agentName}
}

// RecordExecution records one execution attempt. Called exactly once per
// attempt by the harness, success or failure.
func (m *Metrics) RecordExecution(duration time.Duration, success bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ExecutionCount++
	if success {
		m.SuccessCount++
	} else {
		m.ErrorCount++
		m.LastError = errMsg
		m.LastErrorTime = time.Now().UTC()
	}

	m.TotalExecutionTime += duration
	m.LastExecutionTime = duration
	m.AverageExecutionTime = m.TotalExecutionTime / time.Duration(m.ExecutionCount)
}

// Snapshot returns a copy safe to read without holding the lock.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Metrics{
		AgentName:            m.AgentName,
		ExecutionCount:       m.ExecutionCount,
		SuccessCount:         m.SuccessCount,
		ErrorCount:           m.ErrorCount,
		TotalExecutionTime:   m.TotalExecutionTime,
		AverageExecutionTime: m.AverageExecutionTime,
		LastExecutionTime:    m.LastExecutionTime,
		LastError:            m.LastError,
		LastErrorTime:        m.LastErrorTime,
	}
}

// MetricsRegistry holds one Metrics record per agent name. The registry is
// shared across all concurrent workflow executions.
type MetricsRegistry struct {
	metrics map[string]*Metrics
	mu      sync.RWMutex
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]*Metrics),
	}
}

// For returns the metrics record for the named agent, creating it on first use.
func (r *MetricsRegistry) For(agentName string) *Metrics {
	r.mu.RLock()
	m, exists := r.metrics[agentName]
	r.mu.RUnlock()
	if exists {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock.
	if m, exists = r.metrics[agentName]; exists {
		return m
	}
	m = NewMetrics(agentName)
	r.metrics[agentName] = m
	return m
}

// SnapshotAll returns copies of every agent's metrics keyed by name.
func (r *MetricsRegistry) SnapshotAll() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Metrics, len(r.metrics))
	for name, m := range r.metrics {
		result[name] = m.Snapshot()
	}
	return result
}
