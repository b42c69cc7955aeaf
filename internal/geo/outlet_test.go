package geo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weppcloud/weppcloud/internal/models"
)

func junctionGrid(rows, cols int, channel [][2]int) *Grid {
	g := NewGrid(rows, cols, Transform{0, 10, 0, 0, 0, -10}, 0)
	for _, p := range channel {
		g.Set(p[0], p[1], 1)
	}
	return g
}

func TestFindClosestChannelOnChannel(t *testing.T) {
	g := junctionGrid(5, 5, [][2]int{{2, 2}})
	snap, err := FindClosestChannel(g, 2, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Row)
	assert.Equal(t, 2, snap.Col)
	assert.Zero(t, snap.Distance)
}

func TestFindClosestChannelPrefersEuclideanWithinRing(t *testing.T) {
	// Both cells are one BFS ring away; the orthogonal one is nearer.
	g := junctionGrid(5, 5, [][2]int{{1, 1}, {2, 3}})
	snap, err := FindClosestChannel(g, 2, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Row)
	assert.Equal(t, 3, snap.Col)
	assert.Equal(t, 1.0, snap.Distance)
}

func TestFindClosestChannelRespectsCap(t *testing.T) {
	g := junctionGrid(9, 9, [][2]int{{8, 8}})
	_, err := FindClosestChannel(g, 0, 0, 10)
	assert.True(t, errors.Is(err, models.ErrValidation))

	snap, err := FindClosestChannel(g, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, snap.Row)
}

func TestFindClosestChannelEmptyRaster(t *testing.T) {
	g := junctionGrid(3, 3, nil)
	_, err := FindClosestChannel(g, 1, 1, 0)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestFindClosestChannelOutside(t *testing.T) {
	g := junctionGrid(3, 3, nil)
	_, err := FindClosestChannel(g, 5, 1, 0)
	assert.True(t, errors.Is(err, models.ErrValidation))
}
