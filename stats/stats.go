// Package stats exports Prometheus counters for the TCP transmit path.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats aggregates the transmit-path counters. One Stats is shared by all
// connections of an engine; tests pass their own registry to keep runs
// isolated.
type Stats struct {
	SegmentsOut     prometheus.Counter
	BytesOut        prometheus.Counter
	Retransmits     prometheus.Counter
	FastRetransmits prometheus.Counter
	EmptyAcks       prometheus.Counter
	Keepalives      prometheus.Counter
	ZeroWndProbes   prometheus.Counter
	Resets          prometheus.Counter
	MemErrors       prometheus.Counter
	TSOMerges       prometheus.Counter
	Splits          prometheus.Counter
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ustack",
		Subsystem: "tcp_tx",
		Name:      name,
		Help:      help,
	})
}

// New builds the counter set and registers it with reg. A nil reg leaves the
// counters unregistered, which is convenient for throwaway engines.
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		SegmentsOut:     counter("segments_total", "Segments handed to the IP output hook."),
		BytesOut:        counter("bytes_total", "Payload bytes handed to the IP output hook."),
		Retransmits:     counter("retransmits_total", "Segments re-queued for retransmission, by the retransmit timer or a fast retransmit."),
		FastRetransmits: counter("fast_retransmits_total", "Fast retransmits triggered by duplicate ACKs."),
		EmptyAcks:       counter("empty_acks_total", "Standalone ACK segments."),
		Keepalives:      counter("keepalives_total", "Keepalive probes."),
		ZeroWndProbes:   counter("zero_window_probes_total", "Zero window probes."),
		Resets:          counter("resets_total", "RST segments."),
		MemErrors:       counter("mem_errors_total", "Enqueue failures due to allocator or queue limits."),
		TSOMerges:       counter("tso_merges_total", "Segments consumed by TSO joins."),
		Splits:          counter("splits_total", "Segments produced by window or retransmit splits."),
	}
	if reg != nil {
		reg.MustRegister(s.SegmentsOut, s.BytesOut, s.Retransmits, s.FastRetransmits,
			s.EmptyAcks, s.Keepalives, s.ZeroWndProbes, s.Resets, s.MemErrors,
			s.TSOMerges, s.Splits)
	}
	return s
}
