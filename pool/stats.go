package pool

import (
	"sort"
	"time"

	"github.com/jonwraymond/dbshield/resilience"
)

// ConnStats describes one pooled connection.
type ConnStats struct {
	ID         string    `json:"id"`
	Active     bool      `json:"active"`
	Probing    bool      `json:"probing"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Health     Health    `json:"health"`
}

// Stats is a snapshot of the pool.
type Stats struct {
	Size      int `json:"size"`
	Active    int `json:"active"`
	Idle      int `json:"idle"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Pending   int `json:"pending"`
	Waiting   int `json:"waiting"`
	MinSize   int `json:"min_size"`
	MaxSize   int `json:"max_size"`

	Created        int64 `json:"created"`
	Destroyed      int64 `json:"destroyed"`
	CreateFailures int64 `json:"create_failures"`
	Checkouts      int64 `json:"checkouts"`
	Exhausted      int64 `json:"exhausted"`
	Probes         int64 `json:"probes"`
	ProbeFailures  int64 `json:"probe_failures"`

	AverageLatency time.Duration                    `json:"average_latency"`
	CircuitState   string                           `json:"circuit_state"`
	Breaker        resilience.CircuitBreakerMetrics `json:"breaker"`
	Closed         bool                             `json:"closed"`

	Connections []ConnStats `json:"connections"`
}

// Stats returns a snapshot of the pool. Connections are ordered oldest
// first.
func (m *Manager) Stats() Stats {
	breaker := m.breaker.Metrics()
	slots := m.slots.Metrics()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Size:           len(m.conns),
		Active:         m.active,
		Pending:        m.pending,
		Waiting:        slots.Waiting,
		MinSize:        m.config.MinSize,
		MaxSize:        m.config.MaxSize,
		Created:        m.created,
		Destroyed:      m.destroyed,
		CreateFailures: m.createFailures,
		Checkouts:      m.checkouts,
		Exhausted:      m.exhausted,
		Probes:         m.probes,
		ProbeFailures:  m.probeFailures,
		CircuitState:   breaker.State.String(),
		Breaker:        breaker,
		Closed:         m.closed,
		Connections:    make([]ConnStats, 0, len(m.conns)),
	}

	var latencySum time.Duration
	var measured int
	for _, e := range m.conns {
		if e.idle() {
			s.Idle++
		}
		if e.health.Healthy {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
		if e.health.AverageLatency > 0 {
			latencySum += e.health.AverageLatency
			measured++
		}
		s.Connections = append(s.Connections, ConnStats{
			ID:         e.id,
			Active:     e.active,
			Probing:    e.probing,
			CreatedAt:  e.createdAt,
			LastUsedAt: e.lastUsedAt,
			Health:     e.health,
		})
	}
	if measured > 0 {
		s.AverageLatency = latencySum / time.Duration(measured)
	}
	sort.SliceStable(s.Connections, func(i, j int) bool {
		return s.Connections[i].CreatedAt.Before(s.Connections[j].CreatedAt)
	})
	return s
}
