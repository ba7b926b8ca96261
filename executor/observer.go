package executor

import "time"

// Observer receives executor events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// OnPass is called after every pass that had candidates.
	OnPass(executor string, indexes int, duration time.Duration, err error)

	// OnTask is called after every executed task.
	OnTask(executor, kind string, duration time.Duration, err error)

	OnOutOfMemory(executor string)

	// OnCircuitBroken is called for every index skipped because of its
	// failure rate.
	OnCircuitBroken(executor, index string)

	// OnIdle is called when a wait for work timed out.
	OnIdle(executor string)

	// OnDocumentsTouched is called when reconciliation touched dependents.
	OnDocumentsTouched(executor string, count int)

	// OnBatchSize reports the batch size after it changed.
	OnBatchSize(executor string, size int)
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) OnPass(string, int, time.Duration, error)    {}
func (NoopObserver) OnTask(string, string, time.Duration, error) {}
func (NoopObserver) OnOutOfMemory(string)                        {}
func (NoopObserver) OnCircuitBroken(string, string)              {}
func (NoopObserver) OnIdle(string)                               {}
func (NoopObserver) OnDocumentsTouched(string, int)              {}
func (NoopObserver) OnBatchSize(string, int)                     {}
