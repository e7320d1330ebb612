package metrics_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/pewpewsetup/pewpew/metrics"
)

func TestNilCollectorsAreInert(t *testing.T) {
	var c *metrics.Collectors
	assert.NotPanics(t, func() {
		c.Move("move", 1, 2, nil)
		c.Acquisition(nil)
		c.InstrumentError(-113)
		c.SweepStep(errors.New("boom"))
	})
}

func TestMoveRecordsPositionOnlyOnSuccess(t *testing.T) {
	c := metrics.New(prometheus.NewRegistry())
	c.Move("move", 0.5, 12.5, nil)
	c.Move("move", 0.5, 99, errors.New("timeout"))

	assert.Equal(t, 1., testutil.ToFloat64(c.Moves.WithLabelValues("move", "ok")))
	assert.Equal(t, 1., testutil.ToFloat64(c.Moves.WithLabelValues("move", "error")))
	assert.Equal(t, 12.5, testutil.ToFloat64(c.Position))
}

func TestInstrumentErrorsByCode(t *testing.T) {
	c := metrics.New(prometheus.NewRegistry())
	c.InstrumentError(-113)
	c.InstrumentError(-113)
	c.InstrumentError(-222)
	assert.Equal(t, 2., testutil.ToFloat64(c.InstrumentErrors.WithLabelValues("-113")))
	assert.Equal(t, 1., testutil.ToFloat64(c.InstrumentErrors.WithLabelValues("-222")))
}
