// Package readiness decides whether a deploy may restart the workers: no job
// may be running, queues must be drained unless allowed otherwise, and the
// preflight bridge must answer its health check when required.
package readiness

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/httpclient"
	"github.com/weppcloud/weppcloud/internal/worker"
)

// Verdict doubles as the process exit code.
type Verdict int

const (
	Go      Verdict = 0
	NoGo    Verdict = 1
	Unknown Verdict = 2
)

func (v Verdict) String() string {
	switch v {
	case Go:
		return "GO"
	case NoGo:
		return "NO-GO"
	}
	return "UNKNOWN"
}

// PreflightMode selects how the bridge health check counts.
type PreflightMode int

const (
	// PreflightWarn probes the bridge but a failure only warns.
	PreflightWarn PreflightMode = iota
	PreflightSkip
	PreflightRequire
)

// Options are the deploy gate flags.
type Options struct {
	Queues       []string
	AllowQueued  bool
	Preflight    PreflightMode
	PreflightURL string
}

// QueueLengths reports how many jobs wait in a queue.
type QueueLengths interface {
	Len(ctx context.Context, queue string) (int, error)
}

// WorkerSource lists live workers.
type WorkerSource func(ctx context.Context) ([]worker.Heartbeat, error)

// Check is the outcome of one probe.
type Check struct {
	Name    string  `json:"name"`
	Verdict Verdict `json:"-"`
	Status  string  `json:"status"`
	Detail  string  `json:"detail,omitempty"`
	Warning bool    `json:"warning,omitempty"`
}

// Report is the full gate result.
type Report struct {
	Verdict     string         `json:"verdict"`
	ExitCode    int            `json:"exit_code"`
	Queued      map[string]int `json:"queued,omitempty"`
	BusyWorkers []string       `json:"busy_workers,omitempty"`
	Checks      []Check        `json:"checks"`
	CheckedAt   time.Time      `json:"checked_at"`
}

// Checker runs the probes.
type Checker struct {
	queues  QueueLengths
	workers WorkerSource
	http    *http.Client
	logger  arbor.ILogger
}

// NewChecker creates a Checker. client may be nil when preflight is skipped.
func NewChecker(queues QueueLengths, workers WorkerSource, client *http.Client, logger arbor.ILogger) *Checker {
	if client == nil {
		client = httpclient.NewDefaultHTTPClient(5 * time.Second)
	}
	return &Checker{queues: queues, workers: workers, http: client, logger: logger}
}

// Evaluate runs every probe. Detected activity wins over failed probes:
// a gate that saw a running job answers NO-GO even if another probe failed.
func (c *Checker) Evaluate(ctx context.Context, opts Options) *Report {
	r := &Report{Queued: make(map[string]int), CheckedAt: time.Now().UTC()}

	r.Checks = append(r.Checks, c.checkQueues(ctx, opts, r))
	r.Checks = append(r.Checks, c.checkWorkers(ctx, opts, r))
	if opts.Preflight != PreflightSkip {
		r.Checks = append(r.Checks, c.checkPreflight(ctx, opts))
	}

	verdict := Go
	for _, ch := range r.Checks {
		switch {
		case ch.Verdict == NoGo:
			verdict = NoGo
		case ch.Verdict == Unknown && verdict == Go:
			verdict = Unknown
		}
	}
	r.Verdict = verdict.String()
	r.ExitCode = int(verdict)
	c.logger.Info().Str("verdict", r.Verdict).Strs("queues", opts.Queues).Msg("Deploy readiness evaluated")
	return r
}

func (c *Checker) checkQueues(ctx context.Context, opts Options, r *Report) Check {
	ch := Check{Name: "queues"}
	total := 0
	for _, q := range opts.Queues {
		n, err := c.queues.Len(ctx, q)
		if err != nil {
			return failed(ch, Unknown, err.Error())
		}
		r.Queued[q] = n
		total += n
	}
	switch {
	case total == 0:
		return passed(ch, "no queued jobs")
	case opts.AllowQueued:
		ch = passed(ch, "queued jobs allowed")
		ch.Warning = true
		return ch
	}
	return failed(ch, NoGo, "jobs are queued")
}

func (c *Checker) checkWorkers(ctx context.Context, opts Options, r *Report) Check {
	ch := Check{Name: "workers"}
	beats, err := c.workers(ctx)
	if err != nil {
		return failed(ch, Unknown, err.Error())
	}
	selected := make(map[string]bool, len(opts.Queues))
	for _, q := range opts.Queues {
		selected[q] = true
	}
	for _, hb := range beats {
		if hb.Busy() && servesAny(hb, selected) {
			r.BusyWorkers = append(r.BusyWorkers, hb.Name)
		}
	}
	sort.Strings(r.BusyWorkers)
	if len(r.BusyWorkers) > 0 {
		return failed(ch, NoGo, "jobs are running")
	}
	return passed(ch, "no running jobs")
}

// servesAny is true when the worker listens on a selected queue, or when
// its queues are unknown.
func servesAny(hb worker.Heartbeat, selected map[string]bool) bool {
	if len(hb.Queues) == 0 || len(selected) == 0 {
		return true
	}
	for _, q := range hb.Queues {
		if selected[q] {
			return true
		}
	}
	return false
}

func (c *Checker) checkPreflight(ctx context.Context, opts Options) Check {
	ch := Check{Name: "preflight"}
	if opts.PreflightURL == "" {
		return c.preflightFailed(ch, opts, "no preflight url configured")
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := httpclient.GetJSON(ctx, c.http, opts.PreflightURL, &health); err != nil {
		return c.preflightFailed(ch, opts, err.Error())
	}
	if health.Status != "ok" {
		return c.preflightFailed(ch, opts, "bridge reports "+health.Status)
	}
	return passed(ch, "bridge healthy")
}

func (c *Checker) preflightFailed(ch Check, opts Options, detail string) Check {
	if opts.Preflight == PreflightRequire {
		return failed(ch, Unknown, detail)
	}
	c.logger.Warn().Str("detail", detail).Msg("Preflight bridge check failed")
	ch = passed(ch, detail)
	ch.Status = "WARN"
	ch.Warning = true
	return ch
}

func passed(ch Check, detail string) Check {
	ch.Verdict = Go
	ch.Status = "OK"
	ch.Detail = detail
	return ch
}

func failed(ch Check, v Verdict, detail string) Check {
	ch.Verdict = v
	ch.Status = v.String()
	ch.Detail = detail
	return ch
}
