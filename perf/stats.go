package perf

import (
	"math"
	"slices"
	"time"
)

// percentile returns the nearest-rank percentile of sorted: the element at
// index ceil(N*p)-1. An empty slice yields 0.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

// rate returns num/den, or empty when den is zero.
func rate(num, den int, empty float64) float64 {
	if den == 0 {
		return empty
	}
	return float64(num) / float64(den)
}

type digest struct {
	count     int
	successes int
	cacheable int
	cacheHits int
	cost      float64
	durations []time.Duration
}

func (d *digest) add(s Sample) {
	d.count++
	if s.Success {
		d.successes++
	}
	if s.Cacheable {
		d.cacheable++
		if s.Cached {
			d.cacheHits++
		}
	}
	d.cost += s.Cost
	d.durations = append(d.durations, s.Duration)
}

func (d *digest) sorted() []time.Duration {
	slices.Sort(d.durations)
	return d.durations
}

func (d *digest) avg() time.Duration {
	if d.count == 0 {
		return 0
	}
	var total time.Duration
	for _, v := range d.durations {
		total += v
	}
	return total / time.Duration(d.count)
}

func (d *digest) successRate() float64 { return rate(d.successes, d.count, 1) }

// Cache rates are measured over samples that performed a cache lookup.
func (d *digest) cacheHitRate() float64 { return rate(d.cacheHits, d.cacheable, 0) }

func (d *digest) cacheMissRate() float64 { return 1 - rate(d.cacheHits, d.cacheable, 1) }

func (d *digest) aggregate(op string, start, end time.Time) AggregatedMetric {
	sorted := d.sorted()
	m := AggregatedMetric{
		Operation:    op,
		WindowStart:  start,
		WindowEnd:    end,
		Count:        d.count,
		AvgDuration:  d.avg(),
		P50:          percentile(sorted, 0.50),
		P95:          percentile(sorted, 0.95),
		P99:          percentile(sorted, 0.99),
		SuccessRate:  d.successRate(),
		CacheHitRate: d.cacheHitRate(),
		TotalCost:    d.cost,
	}
	if len(sorted) > 0 {
		m.MinDuration = sorted[0]
		m.MaxDuration = sorted[len(sorted)-1]
	}
	return m
}
