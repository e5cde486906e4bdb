package anomaly_test

import (
	"testing"

	"github.com/christireid/Token-shield-sub001/anomaly"
	"github.com/stretchr/testify/assert"
)

func TestCheckNotAnomalousBelowMinSamples(t *testing.T) {
	d := anomaly.New(anomaly.DefaultConfig())
	res := d.Check("cost", anomaly.KindCostSpike, 100)
	assert.False(t, res.IsAnomaly)
}

func TestCheckDetectsSpike(t *testing.T) {
	d := anomaly.New(anomaly.DefaultConfig())
	for i := 0; i < 10; i++ {
		d.Check("cost", anomaly.KindCostSpike, 1.0)
	}
	res := d.Check("cost", anomaly.KindCostSpike, 100.0)
	assert.True(t, res.IsAnomaly)
	assert.Equal(t, anomaly.DirectionSpike, res.Direction)
	assert.Equal(t, anomaly.SeverityHigh, res.Severity)
}

func TestCheckDetectsDrop(t *testing.T) {
	d := anomaly.New(anomaly.DefaultConfig())
	for i := 0; i < 10; i++ {
		d.Check("tokens", anomaly.KindTokenSpike, 500.0)
	}
	res := d.Check("tokens", anomaly.KindTokenSpike, 1.0)
	assert.True(t, res.IsAnomaly)
	assert.Equal(t, anomaly.DirectionDrop, res.Direction)
}

func TestCheckStableSeriesNotAnomalous(t *testing.T) {
	d := anomaly.New(anomaly.DefaultConfig())
	for i := 0; i < 20; i++ {
		d.Check("cost", anomaly.KindCostSpike, 1.0)
	}
	res := d.Check("cost", anomaly.KindCostSpike, 1.01)
	assert.False(t, res.IsAnomaly)
}

func TestKeysAreIndependent(t *testing.T) {
	d := anomaly.New(anomaly.DefaultConfig())
	for i := 0; i < 10; i++ {
		d.Check("alice", anomaly.KindCostSpike, 1.0)
	}
	res := d.Check("bob", anomaly.KindCostSpike, 1000.0)
	assert.False(t, res.IsAnomaly, "bob's first samples should not be scored yet")
}
