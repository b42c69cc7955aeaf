package migrations

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/weppcloud/weppcloud/internal/interchange"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/wd"
)

// migrateInterchange regenerates wepp/output/interchange when it is missing
// or older than the configured version. Runs without WEPP output are skipped.
func migrateInterchange(ctx context.Context, r *Runner, t Target) (Outcome, error) {
	out := wd.WeppOutputDir(t.WD)
	losses, err := filepath.Glob(filepath.Join(out, "H*.loss.dat"))
	if err != nil {
		return Outcome{}, err
	}
	if len(losses) == 0 {
		return skipped("no WEPP output")
	}
	version := r.cfg.InterchangeVersion
	if version <= 0 {
		version = interchange.Version
	}
	if !interchange.NeedsUpdate(wd.InterchangeDir(t.WD), version, t.Force) {
		return skipped("interchange is v%d", version)
	}
	if r.registry == nil {
		return Outcome{}, errors.New("interchange regeneration needs a NoDb registry")
	}

	climate, err := openState[modules.Climate](ctx, r, t.WD)
	if err != nil {
		return Outcome{}, err
	}
	bf := modules.DefaultBaseflow()
	wepp, err := openState[modules.Wepp](ctx, r, t.WD)
	switch {
	case err == nil:
		if wepp.Baseflow != (modules.BaseflowOpts{}) {
			bf = wepp.Baseflow
		}
	case !errors.Is(err, models.ErrNotFound):
		return Outcome{}, err
	}

	res, err := interchange.Run(ctx, interchange.Options{
		OutputDir:   out,
		SingleStorm: climate.IsSingleStorm(),
		Baseflow:    bf,
		Version:     version,
		NCPU:        r.cfg.NCPU,
		Now:         r.cfg.Now,
	}, r.logger)
	if err != nil {
		return Outcome{}, err
	}
	if wepp != nil {
		h, err := nodb.Open[modules.Wepp](ctx, r.registry, t.WD)
		if err != nil {
			return Outcome{}, err
		}
		if err := h.Locked(ctx, func(_ context.Context, w *modules.Wepp) error {
			w.InterchangeVersion = res.Version
			return nil
		}); err != nil {
			return Outcome{}, err
		}
	}
	return applied("interchange v%d wrote %d datasets", res.Version, len(res.Datasets))
}

func openState[T any, P nodb.StatePtr[T]](ctx context.Context, r *Runner, dir string) (P, error) {
	h, err := nodb.Open[T, P](ctx, r.registry, dir)
	if err != nil {
		return nil, err
	}
	return h.Get(ctx)
}
