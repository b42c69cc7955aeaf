package tasks

import (
	"context"

	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/worker"
)

// DelineationPayload is the map view and channel parameters submitted from
// the map panel.
type DelineationPayload struct {
	ChannelPayload
	Extent        []Number `json:"extent" validate:"len=4"`
	Center        []Number `json:"center" validate:"omitempty,len=2"`
	Zoom          Number   `json:"zoom" validate:"omitempty,gte=0"`
	SetExtentMode Number   `json:"set_extent_mode" validate:"omitempty,gte=0,lte=2"`
	MapBoundsText string   `json:"map_bounds_text,omitempty"`
}

func (p DelineationPayload) view() (extent [4]float64, center [2]float64) {
	for i := range extent {
		extent[i] = p.Extent[i].Value
	}
	if len(p.Center) == 2 {
		center = [2]float64{p.Center[0].Value, p.Center[1].Value}
	} else {
		center = [2]float64{(extent[0] + extent[2]) / 2, (extent[1] + extent[3]) / 2}
	}
	return extent, center
}

func (e *Env) fetchDEMAndBuildChannels(ctx context.Context, x *worker.Execution) error {
	var p DelineationPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	st := Stage{Name: FetchDEMAndBuildChannels, Topic: status.TopicChannelDelineation}
	return e.execute(ctx, x, st, func(ctx context.Context, t *Task) error {
		batch, err := t.persistDelineation(ctx, p)
		if err != nil {
			return err
		}
		if batch {
			t.Progress(ctx, "batch run, channel jobs are scheduled by the batch runner")
			return nil
		}
		dem, err := t.enqueue(ctx, FetchDEM, nil)
		if err != nil {
			return err
		}
		_, err = t.enqueue(ctx, BuildChannels, nil, dem.ID)
		return err
	})
}

// persistDelineation stores the map view on Ron and the channel parameters on
// Watershed. It reports whether the run belongs to the batch runner.
func (t *Task) persistDelineation(ctx context.Context, p DelineationPayload) (bool, error) {
	extent, center := p.view()
	var batch bool
	err := mutate(ctx, t, func(ctx context.Context, r *modules.Ron) error {
		r.SetMap(extent, center, p.Zoom.Value)
		batch = r.IsBatch()
		return nil
	})
	if err != nil {
		return false, err
	}
	err = mutate(ctx, t, func(ctx context.Context, s *modules.Watershed) error {
		cp := p.ChannelPayload.params(s)
		cp.Extent, cp.Center, cp.Zoom = extent, center, p.Zoom.Value
		cp.SetExtentMode = p.SetExtentMode.Int()
		cp.MapBoundsText = p.MapBoundsText
		if err := checkPayload(&cp); err != nil {
			return err
		}
		s.SetChannelParams(cp)
		return nil
	})
	return batch, err
}

func (e *Env) subcatchmentsAndAbstract(ctx context.Context, x *worker.Execution) error {
	st := Stage{Name: SubcatchmentsAndAbstract, Topic: status.TopicSubcatchmentDelineation}
	return e.execute(ctx, x, st, func(ctx context.Context, t *Task) error {
		sub, err := t.enqueue(ctx, BuildSubcatchments, nil)
		if err != nil {
			return err
		}
		_, err = t.enqueue(ctx, AbstractWatershed, nil, sub.ID)
		return err
	})
}
