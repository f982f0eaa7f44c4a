package outbox

import (
	"fmt"
	"time"

	"github.com/fenilsonani/mailrules/internal/provider"
)

// Event drives a transition of an Action.
type Event int

const (
	// EventClaim takes a pending row for processing.
	EventClaim Event = iota
	// EventSucceed marks a processing row completed.
	EventSucceed
	// EventRetry returns a processing row to pending and consumes a retry.
	EventRetry
	// EventDefer returns a processing row to pending without consuming a retry.
	EventDefer
	// EventFail marks a processing row failed.
	EventFail
)

func (e Event) String() string {
	switch e {
	case EventClaim:
		return "claim"
	case EventSucceed:
		return "succeed"
	case EventRetry:
		return "retry"
	case EventDefer:
		return "defer"
	case EventFail:
		return "fail"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Next returns the status an Action in from moves to on ev. It is the only
// place the lifecycle is defined; the store refuses any write it rejects.
func Next(from Status, ev Event) (Status, error) {
	switch {
	case from == StatusPending && ev == EventClaim:
		return StatusProcessing, nil
	case from == StatusProcessing && ev == EventSucceed:
		return StatusCompleted, nil
	case from == StatusProcessing && (ev == EventRetry || ev == EventDefer):
		return StatusPending, nil
	case from == StatusProcessing && ev == EventFail:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
}

// Policy decides what happens to a processing row after an attempt.
type Policy struct {
	MaxRetries int
	// MaxAge fails rows older than this instead of retrying (0 = no limit).
	MaxAge time.Duration
}

// Decide maps the outcome of running a with err at now to an event.
//
// Rate-limited and circuit-open failures defer without consuming a retry.
// Fatal failures fail at once. Anything else retries while
// RetryCount < MaxRetries and the row has not outlived MaxAge.
func (p Policy) Decide(a *Action, err error, now time.Time) Event {
	switch provider.Classify(err) {
	case provider.ClassNone:
		return EventSucceed
	case provider.ClassFatal:
		return EventFail
	case provider.ClassRateLimited, provider.ClassUnavailable:
		if p.expired(a, now) {
			return EventFail
		}
		return EventDefer
	default:
		return p.retryOrFail(a, now)
	}
}

// Stale decides what happens to a row abandoned in processing.
func (p Policy) Stale(a *Action, now time.Time) Event {
	return p.retryOrFail(a, now)
}

func (p Policy) retryOrFail(a *Action, now time.Time) Event {
	if a.RetryCount < p.MaxRetries && !p.expired(a, now) {
		return EventRetry
	}
	return EventFail
}

func (p Policy) expired(a *Action, now time.Time) bool {
	return p.MaxAge > 0 && now.Sub(a.CreatedAt) > p.MaxAge
}
