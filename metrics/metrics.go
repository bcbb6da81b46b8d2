// Package metrics builds the Prometheus collectors cmd/jdwpd registers
// and exposes on its side HTTP listener: the live-heap-size gauge
// heapsource.Config.BytesAllocatedGauge expects, and the GC count/pause
// histogram marksweep.Collector.GCCount/GCPauseSeconds expect.
//
// Grounded on the teacher's own expvar-free, constructor-returns-a-
//-bundle style (compare runtime/metrics's named-metric registry) —
// here expressed with prometheus/client_golang, the library the rest of
// the retrieved corpus reaches for.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Heap bundles the gauges a HeapSource reports into.
type Heap struct {
	BytesAllocated prometheus.Gauge
}

// GC bundles the counters/histograms a Collector reports into.
type GC struct {
	Count        prometheus.Counter
	PauseSeconds prometheus.Histogram
}

// NewHeap creates and registers a Heap metric set under reg.
func NewHeap(reg prometheus.Registerer, namespace string) *Heap {
	h := &Heap{
		BytesAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_bytes_allocated",
			Help:      "Bytes allocated in the active sub-heap.",
		}),
	}
	reg.MustRegister(h.BytesAllocated)
	return h
}

// NewGC creates and registers a GC metric set under reg.
func NewGC(reg prometheus.Registerer, namespace string) *GC {
	g := &GC{
		Count: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_collections_total",
			Help:      "Number of completed mark-sweep collections.",
		}),
		PauseSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_pause_seconds",
			Help:      "Wall-clock duration of completed mark-sweep collections.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(g.Count, g.PauseSeconds)
	return g
}
