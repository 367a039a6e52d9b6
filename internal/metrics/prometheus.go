package metrics

import (
	"fmt"
	"net/http"
	"sort"
)

// counterFamily is the single metric family the registry is exposed under.
// Every counter is a low-cardinality event tally, so one family with an
// `event` label mirrors the registry exactly.
const counterFamily = "voxline_call_events_total"

// PrometheusHandler renders the registry in the Prometheus text exposition
// format, one labeled sample per counter. Samples are sorted so consecutive
// scrapes diff cleanly.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for ev := range snap {
			events = append(events, ev)
		}
		sort.Strings(events)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Call engine event counters.\n", counterFamily)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", counterFamily)
		// %q covers the label escaping Prometheus requires: backslashes,
		// quotes and newlines.
		for _, ev := range events {
			_, _ = fmt.Fprintf(w, "%s{event=%q} %d\n", counterFamily, ev, snap[ev])
		}
	})
}
