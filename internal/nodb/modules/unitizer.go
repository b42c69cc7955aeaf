package modules

import (
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/nodb"
	"github.com/weppcloud/weppcloud/internal/unitizer"
)

// Unitizer stores display unit preferences.
type Unitizer struct {
	Preferences map[string]string `json:"preferences"`
}

func (Unitizer) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "unitizer",
		Tag:     "wepppy.nodb.unitizer.Unitizer",
		Version: 1,
	}
}

// SetPreferences merges prefs into the stored preferences. See unitizer.SetPreferences.
func (u *Unitizer) SetPreferences(prefs map[string]string, strict bool, logger arbor.ILogger) ([]string, error) {
	merged, ignored, err := unitizer.SetPreferences(u.Preferences, prefs, strict, logger)
	if err != nil {
		return nil, err
	}
	u.Preferences = merged
	return ignored, nil
}
