package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/dbshield/docdb"
)

// Health is a connection's health record.
type Health struct {
	Healthy             bool
	ConsecutiveFailures int
	AverageLatency      time.Duration
	LastCheckedAt       time.Time
}

// record applies one outcome. Cancellation leaves the record unchanged.
func (h *Health) record(err error, latency time.Duration, alpha float64, unhealthyAfter int, now time.Time) {
	if errors.Is(err, context.Canceled) {
		return
	}
	h.LastCheckedAt = now
	if err != nil {
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= unhealthyAfter {
			h.Healthy = false
		}
		return
	}
	h.ConsecutiveFailures = 0
	h.Healthy = true
	if h.AverageLatency == 0 {
		h.AverageLatency = latency
	} else {
		h.AverageLatency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(h.AverageLatency))
	}
}

// entry is a pooled client. Fields other than id, client and createdAt are
// guarded by Manager.mu.
type entry struct {
	id        string
	client    docdb.Client
	createdAt time.Time

	lastUsedAt time.Time
	active     bool
	probing    bool
	gen        uint64
	health     Health
}

func (e *entry) idle() bool { return !e.active && !e.probing }

// Conn is one checkout of a pooled connection. It is valid until released.
type Conn struct {
	m        *Manager
	e        *entry
	gen      uint64
	released atomic.Bool
}

// ID identifies the underlying pooled connection.
func (c *Conn) ID() string { return c.e.id }

// Client returns the database client.
func (c *Conn) Client() docdb.Client { return c.e.client }

// CreatedAt returns when the underlying connection was opened.
func (c *Conn) CreatedAt() time.Time { return c.e.createdAt }

// Active reports whether this checkout still holds the connection.
func (c *Conn) Active() bool {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.e.active && c.e.gen == c.gen
}

// Health returns a snapshot of the connection's health.
func (c *Conn) Health() Health {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.e.health
}
