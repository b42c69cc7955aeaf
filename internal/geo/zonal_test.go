package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMajorityAndMean(t *testing.T) {
	tr := Transform{0, 1, 0, 0, 0, -1}
	zones := NewGrid(2, 3, tr, 0)
	copy(zones.Data, []float64{22, 22, 23, 22, 23, 0})

	layer := NewGrid(2, 3, tr, 0)
	copy(layer.Data, []float64{42, 42, 11, 71, 71, 99})

	z := Zones(zones)
	assert.Equal(t, []int{22, 23}, ZoneIDs(z))

	maj := Majority(z, layer)
	assert.Equal(t, 42, maj[22])
	assert.Equal(t, 11, maj[23], "ties go to the smaller class")

	mean := Mean(z, layer)
	assert.InDelta(t, 155.0/3, mean[22], 1e-9)
	assert.InDelta(t, 41.0, mean[23], 1e-9)
}
