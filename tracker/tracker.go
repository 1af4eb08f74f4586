// Package tracker turns a noisy per-frame handstand signal into session
// timing: when a handstand started, when it ended, and how long the user
// held it in total.
package tracker

import "time"

const (
	DefaultSampleInterval = 500 * time.Millisecond
	DefaultCooldown       = time.Second
)

type Phase int

const (
	Idle Phase = iota
	Active
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Transition is the phase change caused by one observation.
type Transition int

const (
	NoTransition Transition = iota
	Started
	Stopped
)

// State is a snapshot of the tracker. Zero times mean "not set".
type State struct {
	Phase         Phase
	ActivityStart time.Time
	LastPositive  time.Time
	Accumulated   time.Duration
}

// Tracker is the Idle/Active state machine. It does not read the clock:
// callers pass the time of each observation, in order.
type Tracker struct {
	cooldown time.Duration
	state    State
}

func NewTracker(cooldown time.Duration) *Tracker {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Tracker{cooldown: cooldown}
}

func (t *Tracker) Cooldown() time.Duration { return t.cooldown }

func (t *Tracker) State() State { return t.state }

func (t *Tracker) Phase() Phase { return t.state.Phase }

// Observe applies one detection. A miss only ends an active interval once
// more than the cooldown has passed since the last positive detection;
// the interval is then closed at that last positive detection.
func (t *Tracker) Observe(now time.Time, positive bool) Transition {
	if positive {
		t.state.LastPositive = now
		if t.state.Phase == Idle {
			t.state.Phase = Active
			t.state.ActivityStart = now
			return Started
		}
		return NoTransition
	}

	if t.state.Phase == Active && now.Sub(t.state.LastPositive) > t.cooldown {
		t.closeInterval()
		return Stopped
	}
	return NoTransition
}

// Begin starts an interval unconditionally. Used when there is no camera
// and the user marks the handstand by hand.
func (t *Tracker) Begin(now time.Time) Transition {
	if t.state.Phase == Active {
		return NoTransition
	}
	t.state.Phase = Active
	t.state.ActivityStart = now
	t.state.LastPositive = now
	return Started
}

// Close ends an interval at now without waiting for the cooldown.
func (t *Tracker) Close(now time.Time) Transition {
	if t.state.Phase != Active {
		return NoTransition
	}
	t.state.LastPositive = now
	t.closeInterval()
	return Stopped
}

// Finish closes any open interval at the last positive detection and
// returns the total accumulated duration.
func (t *Tracker) Finish() time.Duration {
	if t.state.Phase == Active {
		t.closeInterval()
	}
	return t.state.Accumulated
}

func (t *Tracker) closeInterval() {
	if d := t.state.LastPositive.Sub(t.state.ActivityStart); d > 0 {
		t.state.Accumulated += d
	}
	t.state.Phase = Idle
	t.state.ActivityStart = time.Time{}
}
