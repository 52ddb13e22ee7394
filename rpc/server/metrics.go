package server

import (
	"fmt"
	"github.com/ValentinKolb/smtc/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"io"
)

// Stats is a point in time snapshot of the service counters
type Stats struct {
	Connections int64
	Received    int64
	Dropped     int64 // discarded by receive roles
	RecvErrors  int64
	Processed   int64
	WorkDropped int64
	WorkErrors  int64
	Accepted    int64
	Rejected    int64
	Queued      int64
	// AveragePayload is the mean payload size in bytes over all receive roles
	AveragePayload int
	// RecvBalance describes how evenly messages spread over the receive roles
	RecvBalance util.LoadStats
}

// Stats sums up the counters of all roles
func (s *Server) Stats() Stats {
	var st Stats
	perRole := make([]float64, 0, len(s.receivers))
	var samples, bytes int64
	for _, r := range s.receivers {
		received := r.stats.received.Value()
		st.Connections += r.stats.connections.Value()
		st.Received += received
		st.Dropped += r.stats.dropped.Value()
		st.RecvErrors += r.stats.errors.Value()
		perRole = append(perRole, float64(received))

		n := r.sizes.Count()
		samples += n
		bytes += n * int64(r.sizes.AverageSize())
	}
	if samples > 0 {
		st.AveragePayload = int(bytes / samples)
	}
	for _, w := range s.workers {
		st.Processed += w.stats.processed.Value()
		st.WorkDropped += w.stats.dropped.Value()
		st.WorkErrors += w.stats.errors.Value()
	}
	for _, q := range s.queues {
		st.Queued += int64(q.Len())
	}
	if s.listener != nil {
		st.Accepted = s.listener.accepted.Value()
		st.Rejected = s.listener.rejected.Value()
	}
	st.RecvBalance = util.NewLoadStats(perRole)
	return st
}

// WritePrometheus writes all service metrics in the prometheus text format
func (s *Server) WritePrometheus(w io.Writer) {
	s.metrics.WritePrometheus(w)
}

// registerMetrics exposes the role counters as gauges of a private set so
// several services can live in one process
func (s *Server) registerMetrics() {
	set := metrics.NewSet()
	name := s.conf.Name

	gauge := func(metric string, labels string, fn func() int64) {
		set.NewGauge(fmt.Sprintf(`%s{service=%q%s}`, metric, name, labels), func() float64 {
			return float64(fn())
		})
	}

	for _, r := range s.receivers {
		labels := fmt.Sprintf(`,role="recv",index="%d"`, r.idx)
		gauge("smtc_connections", labels, r.stats.connections.Value)
		gauge("smtc_received_total", labels, r.stats.received.Value)
		gauge("smtc_dropped_total", labels, r.stats.dropped.Value)
		gauge("smtc_errors_total", labels, r.stats.errors.Value)
		gauge("smtc_payload_size_p90", labels, func() int64 { return int64(r.sizes.Percentile(90)) })
	}

	for _, w := range s.workers {
		labels := fmt.Sprintf(`,role="work",index="%d"`, w.idx)
		gauge("smtc_processed_total", labels, w.stats.processed.Value)
		gauge("smtc_dropped_total", labels, w.stats.dropped.Value)
		gauge("smtc_errors_total", labels, w.stats.errors.Value)
	}

	for i, q := range s.queues {
		labels := fmt.Sprintf(`,queue="%d"`, i)
		gauge("smtc_queue_depth", labels, func() int64 { return int64(q.Len()) })
		gauge("smtc_queue_free", labels, func() int64 { return int64(q.Available()) })
		gauge("smtc_queue_alloc_failures_total", labels, q.AllocFailures)
	}

	l := s.listener
	gauge("smtc_accepted_total", "", l.accepted.Value)
	gauge("smtc_rejected_total", "", l.rejected.Value)

	s.metrics = set
}
