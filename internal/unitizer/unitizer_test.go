package unitizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
)

func TestSetPreferencesIgnoresUnknownKeys(t *testing.T) {
	prefs, ignored, err := SetPreferences(nil, map[string]string{
		"currency-area": "$/acre",
		"mystery":       "value",
	}, false, arbor.NewNoOpLogger())
	require.NoError(t, err)

	assert.Equal(t, "$/acre", prefs["currency-area"])
	assert.NotContains(t, prefs, "mystery")
	assert.Equal(t, []string{"mystery"}, ignored)
	assert.Equal(t, "ha", prefs["area"], "untouched categories keep their default")
}

func TestSetPreferencesStrictRejectsUnknownKeys(t *testing.T) {
	_, _, err := SetPreferences(nil, map[string]string{
		"currency-area": "$/acre",
		"mystery":       "value",
	}, true, arbor.NewNoOpLogger())
	assert.True(t, errors.Is(err, ErrUnknownPreference))
	assert.Contains(t, err.Error(), "mystery")
}

func TestSetPreferencesRejectsInvalidUnit(t *testing.T) {
	_, _, err := SetPreferences(nil, map[string]string{"area": "furlong"}, false, arbor.NewNoOpLogger())
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestSetPreferencesKeepsCurrent(t *testing.T) {
	prefs, _, err := SetPreferences(map[string]string{"length": "ft", "stale": "x"}, map[string]string{"area": "acre"}, false, arbor.NewNoOpLogger())
	require.NoError(t, err)
	assert.Equal(t, "ft", prefs["length"])
	assert.Equal(t, "acre", prefs["area"])
	assert.NotContains(t, prefs, "stale")
}

func TestConvert(t *testing.T) {
	v, err := Convert("area", 1, "ha", "acre")
	require.NoError(t, err)
	assert.InDelta(t, 2.4710538, v, 1e-6)

	v, err = Convert("temperature", 100, "degC", "degF")
	require.NoError(t, err)
	assert.InDelta(t, 212, v, 1e-9)

	_, err = Convert("area", 1, "ha", "parsec")
	assert.Error(t, err)
}
