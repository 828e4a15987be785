package orchestrator

import (
	"context"
	"fmt"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/cache"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/catalog"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/client"
)

// Load returns the score detail of one item outside any batch run. A detail
// already in the item table is returned as is. Otherwise the stored score is
// fetched, and computed when the service has none; any other lookup failure
// is final for the item.
//
// Concurrent Load calls for the same item share one execution, including the
// context of the first caller.
func (o *Orchestrator) Load(ctx context.Context, item catalog.WorkItem) (*cache.ItemEntry, error) {
	if !item.Scorable() {
		return nil, fmt.Errorf("load %s: %w", item.ID, ErrUnscorable)
	}

	v, err, shared := o.flights.Do("load:"+item.ID, func() (any, error) {
		return o.load(ctx, item)
	})
	if shared {
		o.logger.Debug().Str("item_id", item.ID).Msg("Joined in-flight load")
	}
	if err != nil {
		return nil, err
	}
	return v.(*cache.ItemEntry).Clone(), nil
}

// Inspect recomputes the score of one item, bypassing any stored score, and
// records the full detail.
func (o *Orchestrator) Inspect(ctx context.Context, item catalog.WorkItem) (*cache.ItemEntry, error) {
	if !item.Scorable() {
		return nil, fmt.Errorf("inspect %s: %w", item.ID, ErrUnscorable)
	}

	v, err, _ := o.flights.Do("inspect:"+item.ID, func() (any, error) {
		return o.inspect(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cache.ItemEntry).Clone(), nil
}

func (o *Orchestrator) load(ctx context.Context, item catalog.WorkItem) (*cache.ItemEntry, error) {
	prev := o.entry(ctx, item.ID)
	if prev.Status.Settled() && prev.Status != cache.StatusError && len(prev.Detail) > 0 {
		singleLoadsTotal.WithLabelValues("load", "table").Inc()
		return prev, nil
	}

	o.put(ctx, prev.Transition(cache.StatusRunning))

	status := cache.StatusCached
	score, err := o.service.GetScore(ctx, item.ID)
	if client.KindOf(err) == client.KindNotFound {
		o.logger.Debug().Str("item_id", item.ID).Msg("No stored score, computing")
		status = cache.StatusComputed
		score, err = o.service.ComputeScore(ctx, item, false)
	}

	return o.finishSingle(ctx, "load", prev, status, score, err)
}

func (o *Orchestrator) inspect(ctx context.Context, item catalog.WorkItem) (*cache.ItemEntry, error) {
	prev := o.entry(ctx, item.ID)
	o.put(ctx, prev.Transition(cache.StatusRunning))

	score, err := o.service.ComputeScore(ctx, item, true)
	return o.finishSingle(ctx, "inspect", prev, cache.StatusComputed, score, err)
}

// finishSingle records the outcome of a single-item operation. A cancelled
// operation puts the previous entry back.
func (o *Orchestrator) finishSingle(ctx context.Context, op string, prev *cache.ItemEntry, status cache.Status, score *client.Score, err error) (*cache.ItemEntry, error) {
	if err != nil && client.IsCancelled(err) {
		restored := prev.Status
		if restored.Active() {
			restored = cache.StatusIdle
		}
		o.put(ctx, prev.Transition(restored))
		singleLoadsTotal.WithLabelValues(op, "cancelled").Inc()
		return nil, fmt.Errorf("%s %s: %w", op, prev.ID, err)
	}

	next := prev.Transition(status)
	if err != nil {
		next.Status = cache.StatusError
		next.Error = err.Error()
		next.ErrorKind = errorKind(err)
		o.put(ctx, next)

		singleLoadsTotal.WithLabelValues(op, "error").Inc()
		o.logger.Warn().
			Err(err).
			Str("item_id", prev.ID).
			Str("operation", op).
			Str("error_kind", next.ErrorKind).
			Msg("Single-item operation failed")
		return nil, fmt.Errorf("%s %s: %w", op, prev.ID, err)
	}

	summary := score.Summary()
	next.Summary = &summary
	next.Detail = score.Raw
	next.Error, next.ErrorKind = "", ""
	o.put(ctx, next)

	singleLoadsTotal.WithLabelValues(op, string(status)).Inc()
	o.logger.Debug().
		Str("item_id", prev.ID).
		Str("operation", op).
		Str("status", string(status)).
		Float64("score", score.Value).
		Msg("Single-item operation complete")
	return next, nil
}
