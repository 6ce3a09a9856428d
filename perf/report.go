package perf

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"
)

// Report renders a plain-text performance report for the window.
func (m *Monitor) Report(window time.Duration) string {
	s := m.Summary(window)

	var b strings.Builder
	label := "all retained samples"
	if window > 0 {
		label = "last " + window.String()
	}
	fmt.Fprintf(&b, "Database performance report (%s)\n", label)
	fmt.Fprintf(&b, "Operations: %d\n", s.TotalOperations)
	fmt.Fprintf(&b, "Success rate: %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(&b, "Cache hit rate: %.1f%%\n", s.CacheHitRate*100)
	fmt.Fprintf(&b, "Latency: avg %s, p50 %s, p95 %s, p99 %s\n",
		round(s.AvgDuration), round(s.P50Duration), round(s.P95Duration), round(s.P99Duration))
	fmt.Fprintf(&b, "Total cost: %.2f RU\n", s.TotalCost)
	fmt.Fprintf(&b, "Alerts: %d (%d critical)\n", s.ActiveAlerts, s.CriticalAlerts)

	if len(s.Operations) > 0 {
		b.WriteString("\n")
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "OPERATION\tCOUNT\tSUCCESS\tCACHE HIT\tAVG\tP95\tCOST")
		ops := make([]string, 0, len(s.Operations))
		for op := range s.Operations {
			ops = append(ops, op)
		}
		slices.Sort(ops)
		for _, op := range ops {
			o := s.Operations[op]
			fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%.1f%%\t%s\t%s\t%.2f\n",
				op, o.Count, o.SuccessRate*100, o.CacheHitRate*100, round(o.AvgDuration), round(o.P95Duration), o.TotalCost)
		}
		_ = tw.Flush()
	}

	alerts := m.Alerts()
	if len(alerts) > 0 {
		b.WriteString("\nRecent alerts:\n")
		for _, a := range alerts[max(0, len(alerts)-10):] {
			fmt.Fprintf(&b, "- [%s] %s\n", a.Severity, a.Message)
		}
	}
	return b.String()
}

func round(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return d.Round(time.Microsecond)
	}
	return d.Round(time.Millisecond)
}
