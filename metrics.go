package iesp

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps this target's running counters as Prometheus gauges and
// counters, grounded on the prometheus/client_golang usage the rest of
// the retrieval pack's daemons standardize on.
type Metrics struct {
	sessions   prometheus.Gauge
	bytesRead  prometheus.Counter
	bytesWrite prometheus.Counter
	reads      prometheus.Counter
	writes     prometheus.Counter
	trims      prometheus.Counter
	syncs      prometheus.Counter
	digestErr  prometheus.Counter
}

// NewMetrics registers this target's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "iesp", Name: "sessions", Help: "Active iSCSI sessions.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iesp", Name: "bytes_read_total", Help: "Bytes read from the backend.",
		}),
		bytesWrite: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iesp", Name: "bytes_written_total", Help: "Bytes written to the backend.",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iesp", Name: "reads_total", Help: "Completed backend read operations.",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iesp", Name: "writes_total", Help: "Completed backend write operations.",
		}),
		trims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iesp", Name: "trims_total", Help: "Backend trim operations.",
		}),
		syncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iesp", Name: "syncs_total", Help: "Backend sync operations.",
		}),
		digestErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iesp", Name: "digest_errors_total", Help: "HeaderDigest/DataDigest verification failures.",
		}),
	}
	reg.MustRegister(m.sessions, m.bytesRead, m.bytesWrite, m.reads, m.writes, m.trims, m.syncs, m.digestErr)
	return m
}

func (m *Metrics) SessionOpened() { m.sessions.Inc() }
func (m *Metrics) SessionClosed() { m.sessions.Dec() }

// ObserveBackend snapshots and resets a backend's running Stats into the
// counters, the same "drain-and-add" pattern Stats.SnapshotAndReset was
// built for.
func (m *Metrics) ObserveBackend(s *Stats) {
	snap := s.SnapshotAndReset()
	m.bytesRead.Add(float64(snap.BytesRead))
	m.bytesWrite.Add(float64(snap.BytesWritten))
	m.reads.Add(float64(snap.NReads))
	m.writes.Add(float64(snap.NWrites))
	m.trims.Add(float64(snap.NTrims))
	m.syncs.Add(float64(snap.NSyncs))
	m.digestErr.Add(float64(snap.DigestErrors))
}
