// Package redisprep manages the per-run Redis hash that records task
// timestamps, NoDb lock flags, attributes and job ids. Keyspace
// notifications on this hash drive the preflight checklist.
package redisprep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	wdpkg "github.com/weppcloud/weppcloud/internal/wd"
)

// TaskEnum names a pipeline stage whose completion time is recorded.
type TaskEnum string

const (
	TaskFetchDEM           TaskEnum = "fetch_dem"
	TaskBuildChannels      TaskEnum = "build_channels"
	TaskSetOutlet          TaskEnum = "set_outlet"
	TaskBuildSubcatchments TaskEnum = "build_subcatchments"
	TaskAbstractWatershed  TaskEnum = "abstract_watershed"
	TaskInitSBSMap         TaskEnum = "init_sbs_map"
	TaskBuildLanduse       TaskEnum = "build_landuse"
	TaskBuildSoils         TaskEnum = "build_soils"
	TaskBuildClimate       TaskEnum = "build_climate"
	TaskBuildRAPTS         TaskEnum = "build_rap_ts"
	TaskRunWeppHillslopes  TaskEnum = "run_wepp_hillslopes"
	TaskRunWeppWatershed   TaskEnum = "run_wepp_watershed"
	TaskRunObserved        TaskEnum = "run_observed"
	TaskRunDebris          TaskEnum = "run_debris"
	TaskRunWatar           TaskEnum = "run_watar"
	TaskRunRhem            TaskEnum = "run_rhem"
	TaskRunOmni            TaskEnum = "run_omni"
	TaskRunPathCE          TaskEnum = "run_path_cost_effective"
	TaskDSSExport          TaskEnum = "dss_export"
	TaskInterchange        TaskEnum = "interchange"
)

// Hash field prefixes.
const (
	PrefixTimestamps = "timestamps:"
	PrefixLocked     = "locked:"
	PrefixAttrs      = "attrs:"
	PrefixJobs       = "jobs:"
	FieldArchiveJob  = "archive_job_id"
)

// Attribute names.
const (
	AttrHasSBS = "has_sbs"
)

// Prep is the hash for one run.
type Prep struct {
	client *redis.Client
	runid  string
	now    func() time.Time
}

// New returns the hash accessor for runid. The hash key is the runid itself.
func New(client *redis.Client, runid string) *Prep {
	return &Prep{client: client, runid: runid, now: time.Now}
}

// RunID returns the hash key.
func (p *Prep) RunID() string {
	return p.runid
}

// bumpTimestamp sets field ARGV[1] of KEYS[1] to ARGV[2], or to the stored value plus one
// microsecond when that is not older, and returns what it wrote.
var bumpTimestamp = redis.NewScript(`
local now = tonumber(ARGV[2])
local prev = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '')
if prev and prev >= now then
  now = prev + 0.000001
end
local v = string.format('%.6f', now)
redis.call('HSET', KEYS[1], ARGV[1], v)
return v
`)

// Timestamp records the completion time of task. Values are fractional unix
// seconds and never go backwards for a field, so successive calls strictly
// increase, including concurrent calls from different workers.
func (p *Prep) Timestamp(ctx context.Context, task TaskEnum) (float64, error) {
	field := PrefixTimestamps + string(task)
	now := float64(p.now().UnixMicro()) / 1e6

	written, err := bumpTimestamp.Run(ctx, p.client, []string{p.runid}, field, FormatTimestamp(now)).Text()
	if err != nil {
		return 0, fmt.Errorf("failed to set %s: %w", field, err)
	}
	v, ok := ParseTimestamp(written)
	if !ok {
		return 0, fmt.Errorf("failed to set %s: unexpected value %q", field, written)
	}
	return v, nil
}

// RemoveTimestamp deletes timestamps:<task>. Tasks call it on start so
// dependants read as unsatisfied until the task completes again.
func (p *Prep) RemoveTimestamp(ctx context.Context, task TaskEnum) error {
	return p.client.HDel(ctx, p.runid, PrefixTimestamps+string(task)).Err()
}

// GetTimestamp returns timestamps:<task>; ok is false when missing or malformed.
func (p *Prep) GetTimestamp(ctx context.Context, task TaskEnum) (float64, bool, error) {
	v, err := p.client.HGet(ctx, p.runid, PrefixTimestamps+string(task)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	ts, ok := ParseTimestamp(v)
	return ts, ok, nil
}

// SetJobID records the last job id enqueued for task.
func (p *Prep) SetJobID(ctx context.Context, task, jobID string) error {
	return p.client.HSet(ctx, p.runid, PrefixJobs+task, jobID).Err()
}

// JobID returns the last job id recorded for task, or "".
func (p *Prep) JobID(ctx context.Context, task string) (string, error) {
	v, err := p.client.HGet(ctx, p.runid, PrefixJobs+task).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// JobIDs returns every jobs:<task> field keyed by task.
func (p *Prep) JobIDs(ctx context.Context) (map[string]string, error) {
	all, err := p.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for k, v := range all {
		if strings.HasPrefix(k, PrefixJobs) {
			out[strings.TrimPrefix(k, PrefixJobs)] = v
		}
	}
	return out, nil
}

func (p *Prep) SetArchiveJobID(ctx context.Context, jobID string) error {
	return p.client.HSet(ctx, p.runid, FieldArchiveJob, jobID).Err()
}

func (p *Prep) ArchiveJobID(ctx context.Context) (string, error) {
	v, err := p.client.HGet(ctx, p.runid, FieldArchiveJob).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (p *Prep) ClearArchiveJobID(ctx context.Context) error {
	return p.client.HDel(ctx, p.runid, FieldArchiveJob).Err()
}

// SetAttr sets attrs:<name>.
func (p *Prep) SetAttr(ctx context.Context, name, value string) error {
	return p.client.HSet(ctx, p.runid, PrefixAttrs+name, value).Err()
}

// Attr returns attrs:<name>, or "" when unset.
func (p *Prep) Attr(ctx context.Context, name string) (string, error) {
	v, err := p.client.HGet(ctx, p.runid, PrefixAttrs+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// SetHasSBS records whether a soil burn severity map is loaded.
func (p *Prep) SetHasSBS(ctx context.Context, has bool) error {
	return p.SetAttr(ctx, AttrHasSBS, strconv.FormatBool(has))
}

// SetLocked records locked:<module>.
func (p *Prep) SetLocked(ctx context.Context, module string, locked bool) error {
	return p.client.HSet(ctx, p.runid, PrefixLocked+module, strconv.FormatBool(locked)).Err()
}

// All returns the raw hash.
func (p *Prep) All(ctx context.Context) (map[string]string, error) {
	return p.client.HGetAll(ctx, p.runid).Result()
}

// FormatTimestamp renders fractional unix seconds.
func FormatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 6, 64)
}

// ParseTimestamp parses integer or fractional unix seconds. Anything else,
// including NaN and infinities, is reported as not ok.
func ParseTimestamp(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// LockRecorder mirrors NoDb lock transitions into the run hash. The runid is
// the base name of the working directory. Pup sub-projects have no hash of
// their own and are ignored.
type LockRecorder struct {
	client *redis.Client
}

// NewLockRecorder creates a LockRecorder.
func NewLockRecorder(client *redis.Client) *LockRecorder {
	return &LockRecorder{client: client}
}

// ModuleLocked implements the NoDb lock observer.
func (r *LockRecorder) ModuleLocked(ctx context.Context, wd, module string, locked bool) error {
	if strings.Contains(filepath.ToSlash(wd), "/"+wdpkg.PupsDir+"/") {
		return nil
	}
	return New(r.client, filepath.Base(wd)).SetLocked(ctx, module, locked)
}
