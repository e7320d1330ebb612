// Package metrics holds the prometheus collectors for stage motion,
// oscilloscope acquisitions and sweeps.  A nil *Collectors is valid and
// records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pewpew"

// Collectors is the set of metrics exported by the stage, scope and sweep
type Collectors struct {
	Moves            *prometheus.CounterVec
	SettleSeconds    prometheus.Histogram
	Position         prometheus.Gauge
	Acquisitions     *prometheus.CounterVec
	InstrumentErrors *prometheus.CounterVec
	SweepSteps       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "moves_total",
			Help:      "Stage motions by kind (move, home) and outcome.",
		}, []string{"kind", "outcome"}),
		SettleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "settle_seconds",
			Help:      "Time from motion command to settled position.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		Position: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "position_mm",
			Help:      "Last settled stage position in millimeters.",
		}),
		Acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scope",
			Name:      "acquisitions_total",
			Help:      "Single shot acquisitions by outcome.",
		}, []string{"outcome"}),
		InstrumentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scope",
			Name:      "instrument_errors_total",
			Help:      "Entries drained from the instrument error queue, by code.",
		}, []string{"code"}),
		SweepSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "steps_total",
			Help:      "Sweep positions visited by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(c.Moves, c.SettleSeconds, c.Position, c.Acquisitions, c.InstrumentErrors, c.SweepSteps)
	return c
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Move records a completed or failed motion
func (c *Collectors) Move(kind string, seconds float64, pos float64, err error) {
	if c == nil {
		return
	}
	c.Moves.WithLabelValues(kind, outcome(err)).Inc()
	if err == nil {
		c.SettleSeconds.Observe(seconds)
		c.Position.Set(pos)
	}
}

// Acquisition records the outcome of a single shot acquisition
func (c *Collectors) Acquisition(err error) {
	if c == nil {
		return
	}
	c.Acquisitions.WithLabelValues(outcome(err)).Inc()
}

// InstrumentError counts one drained error queue entry
func (c *Collectors) InstrumentError(code int) {
	if c == nil {
		return
	}
	c.InstrumentErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// SweepStep records one sweep position
func (c *Collectors) SweepStep(err error) {
	if c == nil {
		return
	}
	c.SweepSteps.WithLabelValues(outcome(err)).Inc()
}
