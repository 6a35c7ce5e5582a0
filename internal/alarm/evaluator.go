package alarm

import "time"

const (
	// minWindowSamples is the number of in-window samples required before a
	// sustained violation can be reported.
	minWindowSamples = 2

	// tailSamples is how many of the latest in-window samples must all exceed
	// the threshold.
	tailSamples = 3
)

// Evaluator decides whether a channel has been continuously above a
// threshold for a configured duration.
type Evaluator struct {
	history *History
	now     func() time.Time
}

// NewEvaluator returns an Evaluator reading from history.
func NewEvaluator(history *History) *Evaluator {
	return &Evaluator{history: history, now: time.Now}
}

// Violates reports whether current exceeds threshold and the channel's
// history within the last duration seconds confirms a sustained violation:
// at least two samples in the window, and every one of the latest three
// (or fewer, when fewer exist) strictly above threshold.
//
// Disk checks do not go through Violates; they trigger on a single sample.
func (e *Evaluator) Violates(channel Channel, current, threshold float64, duration int) bool {
	if current <= threshold {
		return false
	}

	since := e.now().Add(-time.Duration(duration) * time.Second)
	window := e.history.Recent(channel, since)
	if len(window) < minWindowSamples {
		return false
	}

	tail := window
	if len(tail) > tailSamples {
		tail = tail[len(tail)-tailSamples:]
	}
	for _, s := range tail {
		if s.Value <= threshold {
			return false
		}
	}
	return true
}
