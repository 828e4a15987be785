// Package pool runs a fixed list of tasks under bounded concurrency.
//
// Run starts max(1, min(C, N)) runner loops. Every runner repeatedly claims
// the next unclaimed index from one shared, strictly increasing cursor, runs
// the task for it and loops until the cursor passes N. No index is ever
// claimed twice. A failing or panicking task does not stop its runner or any
// other runner; Run returns once every runner has finished.
//
// Example usage:
//
//	stats, err := pool.Run(ctx, pool.Config{Concurrency: 4}, len(items),
//		func(ctx context.Context, i int) error {
//			return score(ctx, items[i])
//		})
//
// Tasks are dispatched in index order but may complete out of order.
// Cancelling ctx stops runners from claiming further indexes; tasks already
// running observe the cancellation through their own ctx.
package pool
