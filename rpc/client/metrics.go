package client

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"io"
)

// Stats is a point in time snapshot of the send side counters
type Stats struct {
	Sent            int64
	Dropped         int64
	Received        int64 // application messages from the peer, discarded
	Errors          int64
	Connects        int64
	ConnectFailures int64
	Keepalives      int64
	Queued          int64
	AllocFailures   int64
}

// Stats sums up the counters of all send roles
func (c *Client) Stats() Stats {
	var st Stats
	for _, s := range c.senders {
		st.Sent += s.stats.sent.Value()
		st.Dropped += s.stats.dropped.Value()
		st.Received += s.stats.received.Value()
		st.Errors += s.stats.errors.Value()
		st.Connects += s.stats.connects.Value()
		st.ConnectFailures += s.stats.connectFailures.Value()
		st.Keepalives += s.stats.keepalives.Value()
		st.Queued += int64(s.queue.Len())
		st.AllocFailures += s.queue.AllocFailures()
	}
	return st
}

// WritePrometheus writes all send side metrics in the prometheus text format
func (c *Client) WritePrometheus(w io.Writer) {
	c.metrics.WritePrometheus(w)
}

func (c *Client) registerMetrics() {
	set := metrics.NewSet()
	for _, s := range c.senders {
		labels := fmt.Sprintf(`{service=%q,role="send",index="%d"}`, c.conf.Name, s.idx)
		add := func(metric string, fn func() int64) {
			set.NewGauge(metric+labels, func() float64 { return float64(fn()) })
		}
		add("smtc_sent_total", s.stats.sent.Value)
		add("smtc_dropped_total", s.stats.dropped.Value)
		add("smtc_errors_total", s.stats.errors.Value)
		add("smtc_connects_total", s.stats.connects.Value)
		add("smtc_connect_failures_total", s.stats.connectFailures.Value)
		add("smtc_keepalives_total", s.stats.keepalives.Value)
		add("smtc_queue_depth", func() int64 { return int64(s.queue.Len()) })
		add("smtc_queue_alloc_failures_total", s.queue.AllocFailures)
	}
	c.metrics = set
}
