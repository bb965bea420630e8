// Package metrics exports key store activity as Prometheus metrics.
// Labels never carry key material or per-channel values.
package metrics

import (
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"example.com/chainkeys/pkg/keystore"
)

const Namespace = "chainkeys"

var _ keystore.Observer = (*Collector)(nil)

// Collector is a keystore.Observer backed by Prometheus metrics.
type Collector struct {
	epoch        prometheus.Gauge
	channels     prometheus.Gauge
	provisions   prometheus.Counter
	derivations  prometheus.Counter
	replayed     prometheus.Counter
	advances     prometheus.Counter
	highestStep  prometheus.Gauge
	stepsPerCall prometheus.Histogram

	mu   sync.Mutex
	high uint64
}

// New registers the collector's metrics on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "store", Name: "epoch",
			Help: "Number of root keys loaded into the store.",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "store", Name: "channels",
			Help: "Number of channel chains in the store.",
		}),
		provisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "store", Name: "provisions_total",
			Help: "Successful root key loads.",
		}),
		derivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "chain", Name: "derivations_total",
			Help: "Keys recomputed from a chain root.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "chain", Name: "replayed_steps_total",
			Help: "Ratchet steps replayed while recomputing keys.",
		}),
		advances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "chain", Name: "advances_total",
			Help: "Keys consumed from chains, each advancing its chain by one step.",
		}),
		highestStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "chain", Name: "highest_step",
			Help: "Highest step consumed on any chain since the last root load.",
		}),
		stepsPerCall: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: "chain", Name: "derivation_steps",
			Help:    "Ratchet steps replayed per recomputed key.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
	for _, m := range []prometheus.Collector{
		c.epoch, c.channels, c.provisions, c.derivations,
		c.replayed, c.advances, c.highestStep, c.stepsPerCall,
	} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) Provisioned(epoch uint64, channels int) {
	c.epoch.Set(float64(epoch))
	c.channels.Set(float64(channels))
	c.provisions.Inc()
	c.mu.Lock()
	c.high = 0
	c.highestStep.Set(0)
	c.mu.Unlock()
}

func (c *Collector) Derived(_ uint16, steps uint64) {
	c.derivations.Inc()
	c.replayed.Add(float64(steps))
	c.stepsPerCall.Observe(float64(steps))
}

// Advanced is called concurrently for different channels.
func (c *Collector) Advanced(_ uint16, step uint64) {
	c.advances.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	if step > c.high {
		c.high = step
		c.highestStep.Set(float64(step))
	}
}

// Dump writes every metric in g in the Prometheus text format.
func Dump(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
