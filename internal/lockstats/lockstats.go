// Package lockstats implements the optional lock_stats_enabled sidecar
// (§6): a small embedded bbolt key/value store persisting named
// contention counters across restarts, plus a private Prometheus
// registry exposing a lock-contention event counter and a lock-wait
// histogram, both labelled by site. No checkpoint, commit or WAL-sync
// metrics are exported. Grounded on cuemby-warren's BoltStore
// (pkg/storage/boltdb.go, single bucket, json-ish byte values, db.Update/
// db.View) for the bbolt usage, and cuemby-warren's pkg/metrics/metrics.go
// for the Prometheus vector shape — neither is the engine's own storage
// (which the spec requires us to build, not import); this sidecar is
// explicitly a side channel for operators, not part of the durable engine
// state.
package lockstats

import (
	"encoding/binary"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

var bucketCounters = []byte("counters")

// Sidecar persists named contention counters in a tiny bbolt database and
// mirrors them into a private Prometheus registry.
type Sidecar struct {
	db *bolt.DB

	registry *prometheus.Registry
	counters *prometheus.CounterVec
	waitNs   *prometheus.HistogramVec
}

// Open creates or opens the sidecar database at path.
func Open(path string) (*Sidecar, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("lockstats: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCounters)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("lockstats: create bucket: %w", err)
	}

	reg := prometheus.NewRegistry()
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_lock_contention_events_total",
		Help: "Count of lock-contention events observed, by named site.",
	}, []string{"site"})
	waitNs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_lock_wait_nanoseconds",
		Help:    "Distribution of time spent waiting on a contended lock, by named site.",
		Buckets: prometheus.ExponentialBuckets(1000, 4, 10),
	}, []string{"site"})
	reg.MustRegister(counters, waitNs)

	return &Sidecar{db: db, registry: reg, counters: counters, waitNs: waitNs}, nil
}

// Registry exposes the private Prometheus registry, e.g. for an HTTP
// /metrics handler wired up by an external server layer.
func (s *Sidecar) Registry() *prometheus.Registry { return s.registry }

// RecordWait records one contention event at the named site, observing
// waitNs both in the live histogram and as a persisted running total.
func (s *Sidecar) RecordWait(site string, waitNs int64) error {
	s.counters.WithLabelValues(site).Inc()
	s.waitNs.WithLabelValues(site).Observe(float64(waitNs))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		key := []byte(site)
		var total int64
		if v := b.Get(key); v != nil {
			total = int64(binary.LittleEndian.Uint64(v))
		}
		total += waitNs
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(total))
		return b.Put(key, buf)
	})
}

// Snapshot returns every persisted counter's running total in
// nanoseconds, for the CLI stats subcommand.
func (s *Sidecar) Snapshot() (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				out[string(k)] = int64(binary.LittleEndian.Uint64(v))
			}
			return nil
		})
	})
	return out, err
}

// Close closes the underlying bbolt database.
func (s *Sidecar) Close() error {
	return s.db.Close()
}
