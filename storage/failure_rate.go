package storage

const (
	// MinAttemptsForFailureRate is the number of attempts a phase needs before
	// its failure rate can mark an index invalid.
	MinAttemptsForFailureRate = 10

	// MaxFailureRate is the error ratio above which an index is invalid.
	MaxFailureRate = 0.15

	// FailureWindow bounds the counters: once attempts exceed it, attempts and
	// errors are halved so the rate follows recent behavior.
	FailureWindow = 1000
)

// FailureRate is derived from IndexStats counters. It is never persisted.
type FailureRate struct {
	Attempts        int
	Errors          int
	Successes       int
	ReduceAttempts  int
	ReduceErrors    int
	ReduceSuccesses int
}

// FailureRateOf derives the failure rate of an index record.
func FailureRateOf(s IndexStats) FailureRate {
	return FailureRate{
		Attempts:        s.Indexing.Attempts,
		Errors:          s.Indexing.Errors,
		Successes:       s.Indexing.Successes,
		ReduceAttempts:  s.Reduce.Attempts,
		ReduceErrors:    s.Reduce.Errors,
		ReduceSuccesses: s.Reduce.Successes,
	}
}

// FailureRate returns errors/attempts of the map phase.
func (f FailureRate) FailureRate() float64 { return ratio(f.Errors, f.Attempts) }

// ReduceFailureRate returns errors/attempts of the reduce phase.
func (f FailureRate) ReduceFailureRate() float64 { return ratio(f.ReduceErrors, f.ReduceAttempts) }

// IsInvalidIndex reports whether the index is failing too often to be
// scheduled. It is a circuit breaker: the index stays defined and is skipped
// until its rate recovers.
func (f FailureRate) IsInvalidIndex() bool {
	return tripped(f.Errors, f.Attempts) || tripped(f.ReduceErrors, f.ReduceAttempts)
}

func tripped(errs, attempts int) bool {
	if attempts < MinAttemptsForFailureRate || errs == 0 {
		return false
	}
	return ratio(errs, attempts) > MaxFailureRate
}

func ratio(errs, attempts int) float64 {
	if attempts == 0 {
		return 0
	}
	return float64(errs) / float64(attempts)
}

// Decay applies the trailing window to a counter.
func (c Counters) Decay() Counters {
	for c.Attempts > FailureWindow {
		c.Attempts /= 2
		c.Errors /= 2
		c.Successes /= 2
	}
	return c
}
