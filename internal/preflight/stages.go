// Package preflight derives the UI checklist of satisfied pipeline stages
// from a run's prep hash.
package preflight

import (
	"strings"

	"github.com/weppcloud/weppcloud/internal/redisprep"
)

// Stage is one row of the declarative stage table. A stage with a Timestamp
// is satisfied when that timestamp exists and is strictly newer than the
// timestamp of every stage in Requires. A stage with Attr is satisfied when
// the attribute is "true".
type Stage struct {
	Name      string
	Timestamp redisprep.TaskEnum
	Requires  []string
	Attr      string
	Hidden    bool // participates in comparisons but is not reported
}

// Stages is the default table. Adding a stage is a data change here.
var Stages = []Stage{
	{Name: "dem", Timestamp: redisprep.TaskFetchDEM, Hidden: true},
	{Name: "sbs_map", Attr: redisprep.AttrHasSBS},
	{Name: "channels", Timestamp: redisprep.TaskBuildChannels, Requires: []string{"dem"}},
	{Name: "outlet", Timestamp: redisprep.TaskSetOutlet, Requires: []string{"channels"}},
	{Name: "subcatchments", Timestamp: redisprep.TaskAbstractWatershed, Requires: []string{"channels", "outlet"}},
	{Name: "landuse", Timestamp: redisprep.TaskBuildLanduse, Requires: []string{"subcatchments"}},
	{Name: "soils", Timestamp: redisprep.TaskBuildSoils, Requires: []string{"subcatchments"}},
	{Name: "climate", Timestamp: redisprep.TaskBuildClimate, Requires: []string{"subcatchments"}},
	{Name: "rap_ts", Timestamp: redisprep.TaskBuildRAPTS, Requires: []string{"climate"}},
	{Name: "wepp", Timestamp: redisprep.TaskRunWeppWatershed, Requires: []string{"landuse", "soils", "climate"}},
	{Name: "observed", Timestamp: redisprep.TaskRunObserved, Requires: []string{"wepp"}},
	{Name: "debris", Timestamp: redisprep.TaskRunDebris, Requires: []string{"wepp"}},
	{Name: "watar", Timestamp: redisprep.TaskRunWatar, Requires: []string{"wepp"}},
	{Name: "dss_export", Timestamp: redisprep.TaskDSSExport, Requires: []string{"wepp"}},
}

// Checklist maps stage name to satisfied.
type Checklist map[string]bool

// Evaluate applies the default table.
func Evaluate(hash map[string]string) Checklist {
	return EvaluateStages(Stages, hash)
}

// EvaluateStages is a pure function of its inputs. Missing or malformed
// timestamps make a comparison false; nothing here returns an error.
func EvaluateStages(stages []Stage, hash map[string]string) Checklist {
	byName := make(map[string]Stage, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}

	timestamp := func(task redisprep.TaskEnum) (float64, bool) {
		if task == "" {
			return 0, false
		}
		return redisprep.ParseTimestamp(hash[redisprep.PrefixTimestamps+string(task)])
	}

	out := make(Checklist)
	for _, s := range stages {
		if s.Hidden {
			continue
		}
		out[s.Name] = satisfied(s, byName, hash, timestamp)
	}
	return out
}

func satisfied(s Stage, byName map[string]Stage, hash map[string]string, timestamp func(redisprep.TaskEnum) (float64, bool)) bool {
	if s.Attr != "" {
		return strings.EqualFold(hash[redisprep.PrefixAttrs+s.Attr], "true")
	}
	own, ok := timestamp(s.Timestamp)
	if !ok {
		return false
	}
	for _, name := range s.Requires {
		dep, known := byName[name]
		if !known {
			return false
		}
		ts, ok := timestamp(dep.Timestamp)
		if !ok || !(own > ts) {
			return false
		}
	}
	return true
}

// LockStatuses extracts locked:<module> fields.
func LockStatuses(hash map[string]string) map[string]bool {
	out := make(map[string]bool)
	for k, v := range hash {
		if module, ok := strings.CutPrefix(k, redisprep.PrefixLocked); ok {
			out[module] = strings.EqualFold(v, "true")
		}
	}
	return out
}

// Snapshot is the payload republished on <runid>:preflight.
type Snapshot struct {
	Type         string          `json:"type"`
	Checklist    Checklist       `json:"checklist"`
	LockStatuses map[string]bool `json:"lock_statuses"`
}

// NewSnapshot evaluates hash into a Snapshot.
func NewSnapshot(hash map[string]string) Snapshot {
	return Snapshot{
		Type:         "preflight",
		Checklist:    Evaluate(hash),
		LockStatuses: LockStatuses(hash),
	}
}
