// Package diff decides whether fetched activity is new for a watch.
package diff

import "xmonitor/pkg/notifier"

// Outcome is the result of comparing a stored cursor with a fetch.
type Outcome int

// Possible outcomes.
const (
	Empty     Outcome = iota // Nothing fetched; no action
	Baseline                 // No cursor yet; record silently
	Unchanged                // Newest id equals the cursor
	Advanced                 // New events since the cursor
)

func (o Outcome) String() string {
	switch o {
	case Baseline:
		return "baseline"
	case Unchanged:
		return "unchanged"
	case Advanced:
		return "advanced"
	default:
		return "empty"
	}
}

// Decision describes what to do with a fetch result.
type Decision struct {
	Cursor  string           // Cursor to store (Baseline, Advanced)
	Events  []notifier.Event // Events to notify, newest first (Advanced)
	Outcome Outcome
	Gap     bool // Stored cursor fell outside the fetched window
}

// Decide compares storedCursor with events ordered newest first. Identity is
// by Event.ID only. When the stored cursor is not inside the window only the
// newest event is reported, since the gap cannot be reconstructed.
func Decide(storedCursor string, events []notifier.Event) Decision {
	if len(events) == 0 {
		return Decision{Outcome: Empty}
	}

	newest := events[0]
	if storedCursor == "" {
		return Decision{Outcome: Baseline, Cursor: newest.ID}
	}
	if storedCursor == newest.ID {
		return Decision{Outcome: Unchanged, Cursor: storedCursor}
	}

	for i, e := range events {
		if e.ID == storedCursor {
			fresh := make([]notifier.Event, i)
			copy(fresh, events[:i])
			return Decision{Outcome: Advanced, Cursor: newest.ID, Events: fresh}
		}
	}

	return Decision{
		Outcome: Advanced,
		Cursor:  newest.ID,
		Events:  []notifier.Event{newest},
		Gap:     true,
	}
}

// FollowerOutcome is the result of a follower count comparison.
type FollowerOutcome int

// Possible follower outcomes.
const (
	FollowersBaseline FollowerOutcome = iota
	FollowersUnchanged
	FollowersChanged
)

// FollowerDecision describes a follower count comparison.
type FollowerDecision struct {
	Outcome FollowerOutcome
	Delta   int // current - baseline, sign preserved
	Total   int
}

// Kind returns the notification kind matching the sign of the delta.
func (d FollowerDecision) Kind() notifier.Kind {
	if d.Delta < 0 {
		return notifier.KindUnfollow
	}
	return notifier.KindFollow
}

// Followers compares a stored baseline (nil when never observed) with the
// current count. The caller stores current as the new baseline for every
// outcome except FollowersUnchanged.
func Followers(baseline *int, current int) FollowerDecision {
	if baseline == nil {
		return FollowerDecision{Outcome: FollowersBaseline, Total: current}
	}
	delta := current - *baseline
	if delta == 0 {
		return FollowerDecision{Outcome: FollowersUnchanged, Total: current}
	}
	return FollowerDecision{Outcome: FollowersChanged, Delta: delta, Total: current}
}
