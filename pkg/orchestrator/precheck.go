package orchestrator

import (
	"context"
	"fmt"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/catalog"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/client"
	"github.com/rs/zerolog"
)

// DefaultChunkSize is the id limit of one cache-check call.
const DefaultChunkSize = 200

// CacheChecker is the batch cache-check endpoint.
type CacheChecker interface {
	CheckCached(ctx context.Context, ids []string) (*client.BatchResult, error)
}

// CachedItem is an item the service already holds a score for.
type CachedItem struct {
	Item    catalog.WorkItem
	Summary client.Summary
}

// Partition splits a target list into items with a stored score and items
// that still need computing. Every input item lands in exactly one side, in
// input order.
type Partition struct {
	Cached    []CachedItem
	ToCompute []catalog.WorkItem
}

// Precheck asks the service which items already have a stored score. Items
// are sent in sequential chunks of at most chunkSize ids; chunks are never
// issued in parallel. Any chunk failure aborts the whole precheck.
//
// A malformed entry in a chunk result is not trusted: the item is put on the
// compute side.
func Precheck(ctx context.Context, checker CacheChecker, items []catalog.WorkItem, chunkSize int, logger zerolog.Logger) (*Partition, error) {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}

	p := &Partition{}
	for start := 0; start < len(items); start += chunkSize {
		end := min(start+chunkSize, len(items))
		chunk := items[start:end]

		ids := make([]string, len(chunk))
		for i, item := range chunk {
			ids[i] = item.ID
		}

		result, err := checker.CheckCached(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("cache check of items %d-%d: %w", start, end-1, err)
		}

		for _, item := range chunk {
			if score, ok := result.Found[item.ID]; ok && score != nil {
				p.Cached = append(p.Cached, CachedItem{Item: item, Summary: score.Summary()})
				continue
			}
			if reason, ok := result.Invalid[item.ID]; ok {
				logger.Warn().
					Err(reason).
					Str("item_id", item.ID).
					Msg("Ignoring malformed cached score, item will be recomputed")
			}
			p.ToCompute = append(p.ToCompute, item)
		}

		logger.Debug().
			Int("chunk_start", start).
			Int("chunk_size", len(chunk)).
			Int("cached", len(p.Cached)).
			Msg("Cache precheck chunk complete")
	}

	return p, nil
}
