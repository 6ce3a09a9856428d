package shield

import (
	"fmt"
	"strings"

	"github.com/jonwraymond/dbshield/cache"
)

func renderCacheReport(s cache.QueryCacheStats, eff cache.EfficiencyReport) string {
	var b strings.Builder
	b.WriteString("\nQuery cache\n")
	fmt.Fprintf(&b, "  Entries: %d/%d\n", s.Entries, s.Capacity)
	fmt.Fprintf(&b, "  Hit rate: %.1f%% (%d hits, %d misses)\n", s.HitRate*100, s.Hits, s.Misses)
	fmt.Fprintf(&b, "  Estimated saved cost: %.2f RU\n", s.EstimatedSavedCost)
	for _, r := range eff.Recommendations {
		fmt.Fprintf(&b, "  - %s\n", r)
	}
	return b.String()
}
