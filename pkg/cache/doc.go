// Package cache holds the per-item result table of the scoring orchestrator.
//
// Every work item has at most one ItemEntry in the whole system. Entries are
// created lazily, mutated by batch runs and single-item loads, and outlive
// the run that wrote them so later runs and lookups can reuse them until the
// table is cleared.
//
// Two Store implementations are provided:
//
//   - MemoryStore keeps entries in process, backed by ttlcache. It is the
//     default table for one dashboard session.
//   - RedisStore keeps entries in Redis hashes so several sessions or
//     processes share one table.
//
// # Basic Usage
//
//	store := cache.NewMemoryStore(0)
//	defer store.Close()
//
//	entry := cache.NewEntry("report-42", cache.StatusQueued)
//	if err := store.Put(ctx, entry); err != nil {
//		return err
//	}
//
//	got, err := store.Get(ctx, "report-42")
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// never touched: treat as idle
//	}
//
// # Write Ordering
//
// Both stores apply last-writer-wins on ItemEntry.UpdatedAt. A Put carrying
// an UpdatedAt older than the stored entry is rejected with ErrStaleWrite and
// leaves the stored entry unchanged. Equal timestamps are accepted.
//
// # Metrics
//
//   - scoring_item_cache_hits_total{layer} - Entry lookups that found an entry
//   - scoring_item_cache_misses_total{layer} - Entry lookups that found nothing
//   - scoring_item_cache_stale_writes_total{layer} - Writes rejected as stale
//   - scoring_item_cache_errors_total{operation} - Backend failures
package cache
