package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUTMCentralMeridian(t *testing.T) {
	x, _, err := FromLonLat(32611, -117, 46.7)
	require.NoError(t, err)
	assert.InDelta(t, 500000.0, x, 1e-6)
}

func TestUTMRoundTrip(t *testing.T) {
	cases := []struct {
		lon, lat float64
	}{
		{-116.9871, 46.7312},
		{-119.5, 38.2},
		{147.3, -42.9},
	}
	for _, tc := range cases {
		epsg := UTMEPSG(tc.lon, tc.lat)
		x, y, err := FromLonLat(epsg, tc.lon, tc.lat)
		require.NoError(t, err)
		lon, lat, err := ToLonLat(epsg, x, y)
		require.NoError(t, err)
		assert.InDelta(t, tc.lon, lon, 1e-7)
		assert.InDelta(t, tc.lat, lat, 1e-7)
	}
}

func TestUTMEPSG(t *testing.T) {
	assert.Equal(t, 32611, UTMEPSG(-116.9, 46.7))
	assert.Equal(t, 32755, UTMEPSG(147.3, -42.9))
}

func TestToLonLatRejectsUnknownProjection(t *testing.T) {
	_, _, err := ToLonLat(26911, 1, 1)
	assert.Error(t, err)

	lon, lat, err := ToLonLat(EPSGWGS84, -116, 46)
	require.NoError(t, err)
	assert.Equal(t, -116.0, lon)
	assert.Equal(t, 46.0, lat)
}
