package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddChildMirrorsMeta(t *testing.T) {
	job := &Job{ID: "parent", Func: "fetch_dem_and_build_channels_rq", RunID: "demo"}
	job.AddChild("a", "fetch_dem_rq")
	job.AddChild("b", "build_channels_rq")

	assert.Equal(t, "a", job.Meta["jobs:0,func:fetch_dem_rq"])
	assert.Equal(t, "b", job.Meta["jobs:1,func:build_channels_rq"])
	assert.Equal(t, []ChildRef{{JobID: "a", Stage: "fetch_dem_rq"}, {JobID: "b", Stage: "build_channels_rq"}}, job.ChildRefs())
}

func TestChildrenFromLegacyMeta(t *testing.T) {
	meta := map[string]string{
		"jobs:1,func:abstract_watershed_rq":  "j2",
		"jobs:0,func:build_subcatchments_rq": "j1",
		"runid":                              "demo",
		"jobs:x,func:broken":                 "ignored",
	}
	job := &Job{Meta: meta}

	refs := job.ChildRefs()
	require.Len(t, refs, 2)
	assert.Equal(t, "j1", refs[0].JobID)
	assert.Equal(t, "abstract_watershed_rq", refs[1].Stage)
}

func TestDecodeArgs(t *testing.T) {
	job := &Job{Func: "build_channels_rq", Args: []byte(`{"csa": 5}`)}
	var payload struct {
		CSA float64 `json:"csa"`
	}
	require.NoError(t, job.DecodeArgs(&payload))
	assert.Equal(t, 5.0, payload.CSA)

	job.Args = []byte(`{"csa":`)
	err := job.DecodeArgs(&payload)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, JobStatusStopped.IsTerminal())
	assert.True(t, JobStatusCanceled.IsTerminal())
	assert.False(t, JobStatusStarted.IsTerminal())
	assert.True(t, JobStatusDeferred.IsPending())
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, errors.Is(NumericError("csa"), ErrValidation))
	assert.Equal(t, "csa must be numeric", NumericError("csa").Error())
	assert.True(t, errors.Is(&NotFoundError{Kind: "archive", Name: "x.zip"}, ErrNotFound))
	assert.True(t, errors.Is(&CorruptError{Path: "a.nodb", Err: errors.New("eof")}, ErrCorrupt))
	assert.True(t, errors.Is(&ExternalToolError{Tool: "wepp", ExitCode: 1}, ErrExternalTool))
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(NumericError("mcl"), "stack line")
	assert.False(t, resp.Success)
	assert.Equal(t, "mcl must be numeric", resp.Error)
	assert.Empty(t, resp.StackTrace)

	resp = ErrorResponse(errors.New("boom"), "a\nb\n")
	assert.Equal(t, []string{"a", "b"}, resp.StackTrace)
}
