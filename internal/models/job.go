// -----------------------------------------------------------------------
// Job - queued unit of work executed by a worker
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusDeferred JobStatus = "deferred" // waiting on depends_on
	JobStatusStarted  JobStatus = "started"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
	JobStatusStopped  JobStatus = "stopped"  // running job that was cancelled
	JobStatusCanceled JobStatus = "canceled" // pending job that was cancelled
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusFinished, JobStatusFailed, JobStatusStopped, JobStatusCanceled:
		return true
	}
	return false
}

// IsPending reports whether the job has not started yet.
func (s JobStatus) IsPending() bool {
	return s == JobStatusQueued || s == JobStatusDeferred
}

// Queue priorities in dequeue order.
const (
	QueueHigh    = "high"
	QueueDefault = "default"
	QueueLow     = "low"
)

// Job meta keys written by the worker.
const (
	MetaPID       = "pid"
	MetaRunID     = "runid"
	MetaExcString = "exc_string"
	MetaWorker    = "worker"
)

// DefaultTimeout is the per-job execution limit (12 hours).
const DefaultTimeout = 43200 * time.Second

// DefaultResultTTL is how long finished job records are kept (one week).
const DefaultResultTTL = 7 * 24 * time.Hour

// ChildRef is one edge of the parent to child job DAG.
type ChildRef struct {
	JobID string `json:"job_id"`
	Stage string `json:"stage"`
}

// Job is the persisted record of a queued task invocation.
type Job struct {
	ID         string            `json:"id"`
	Func       string            `json:"func"`
	RunID      string            `json:"runid"`
	Args       json.RawMessage   `json:"args,omitempty"`
	Queue      string            `json:"queue"`
	Status     JobStatus         `json:"status"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Dependents []string          `json:"dependents,omitempty"`
	Children   []ChildRef        `json:"children,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	Timeout    time.Duration     `json:"timeout"`
	ResultTTL  time.Duration     `json:"result_ttl"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	EndedAt    time.Time         `json:"ended_at,omitempty"`
}

// Description renders the call the way lifecycle messages show it: func(runid).
func (j *Job) Description() string {
	return fmt.Sprintf("%s(%s)", j.Func, j.RunID)
}

// DecodeArgs unmarshals the keyword payload into v.
func (j *Job) DecodeArgs(v interface{}) error {
	if len(j.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Args, v); err != nil {
		return NewValidationError("args", "invalid payload for %s: %v", j.Func, err)
	}
	return nil
}

// SetMeta sets a meta key, allocating the map on first use.
func (j *Job) SetMeta(key, value string) {
	if j.Meta == nil {
		j.Meta = make(map[string]string)
	}
	j.Meta[key] = value
}

// AddChild records a child job. The edge is kept structurally in Children and
// mirrored into meta as "jobs:<N>,func:<stage>" for existing consumers.
func (j *Job) AddChild(childID, stage string) {
	j.SetMeta(childMetaKey(len(j.Children), stage), childID)
	j.Children = append(j.Children, ChildRef{JobID: childID, Stage: stage})
}

// ChildRefs returns the child edges, falling back to parsing legacy meta keys.
func (j *Job) ChildRefs() []ChildRef {
	if len(j.Children) > 0 {
		return j.Children
	}
	return ChildrenFromMeta(j.Meta)
}

func childMetaKey(n int, stage string) string {
	return fmt.Sprintf("jobs:%d,func:%s", n, stage)
}

// ChildrenFromMeta parses "jobs:<N>,func:<name>" keys ordered by N.
func ChildrenFromMeta(meta map[string]string) []ChildRef {
	type indexed struct {
		n   int
		ref ChildRef
	}
	var found []indexed
	for key, id := range meta {
		if !strings.HasPrefix(key, "jobs:") {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(key, "jobs:"), ",func:", 2)
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		found = append(found, indexed{n: n, ref: ChildRef{JobID: id, Stage: parts[1]}})
	}
	sort.Slice(found, func(a, b int) bool { return found[a].n < found[b].n })

	refs := make([]ChildRef, 0, len(found))
	for _, f := range found {
		refs = append(refs, f.ref)
	}
	return refs
}
