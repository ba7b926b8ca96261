// Package resource implements process-wide resource governance for indexing.
//
// Two pieces live here:
//
//   - Controller: a nil-safe memory budget (fail-fast) and a pool of background
//     worker slots shared by every indexing executor.
//   - AutoTuner: the batch size auto-tuner. It grows the number of documents
//     indexed per batch while batches complete quickly and memory allows, and
//     shrinks it when the executor reports an out-of-memory condition.
//
// # Memory Management
//
// Document batches reserve their body size before indexing:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 256 << 20,
//	})
//
//	if err := rc.AcquireMemory(batchBytes); err != nil {
//	    // ErrMemoryLimitExceeded - the executor treats this as out-of-memory
//	}
//	defer rc.ReleaseMemory(batchBytes)
//
// # Background Worker Limits
//
// Indexing passes and task executions compete for the same slots:
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
// # Thread Safety
//
// All Controller and AutoTuner methods are safe for concurrent use.
//
// # Nil Safety
//
// All Controller methods handle a nil receiver gracefully - they become no-ops.
package resource
