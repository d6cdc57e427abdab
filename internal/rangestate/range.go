// Package rangestate implements the per-claimed-range state machine:
// Probing -> Defending -> Released, with the retransmit counter and
// scheduled-action bookkeeping IEEE 1722-2016 Annex B.3 describes.
package rangestate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jasonjhjeon/maapd/internal/interval"
)

// State is one of the three observable states a Range passes through.
// There is no exported "invalid" state — a zero-value State is never
// handed to a caller; New always starts a Range in Probing.
type State int

const (
	invalid State = iota
	Probing
	Defending
	Released
)

func (s State) String() string {
	switch s {
	case Probing:
		return "probing"
	case Defending:
		return "defending"
	case Released:
		return "released"
	default:
		return "invalid"
	}
}

// Range is the local representation of one claimed (or being-claimed)
// address range. While State is Probing or Defending, Interval is present
// in the owning interval.Tree and uniquely owned by this Range.
type Range struct {
	ID       uint64
	State    State
	Counter  int // probes remaining in Probing; announce counter in Defending
	Interval *interval.Interval
	Sender   uint64 // opaque token identifying the command originator

	nextAct time.Time
	logger  *slog.Logger
}

// New creates a Range in Probing for [low, high), owned by sender, logging
// through logger the way internal/ha's FSM logs every transition.
func New(id uint64, iv *interval.Interval, sender uint64, probeRetransmits int, logger *slog.Logger) *Range {
	r := &Range{
		ID:       id,
		State:    Probing,
		Counter:  probeRetransmits,
		Interval: iv,
		Sender:   sender,
		logger:   logger,
	}
	if r.logger != nil {
		r.logger.Info("range entering probing",
			"range_id", id, "start", iv.Low, "count", iv.High-iv.Low, "sender", sender)
	}
	return r
}

// Start returns the first address of the claimed range.
func (r *Range) Start() uint64 { return r.Interval.Low }

// Count returns the length of the claimed range.
func (r *Range) Count() uint64 { return r.Interval.High - r.Interval.Low }

// NextActTime implements timerqueue.Node.
func (r *Range) NextActTime() time.Time { return r.nextAct }

// Reschedule sets the next scheduled action time. Called by the engine after
// every transition that stays in Probing or Defending.
func (r *Range) Reschedule(at time.Time) {
	r.nextAct = at
}

// EnterDefending transitions Probing -> Defending once the probe count is
// exhausted.
func (r *Range) EnterDefending() {
	r.transition(Defending, "probe count exhausted, announcing ownership")
	r.Counter = 0
}

// Release transitions Probing or Defending -> Released, for any of: conflict
// loss, explicit release command, or external yield. reason is logged, not
// otherwise interpreted.
func (r *Range) Release(reason string) {
	r.transition(Released, reason)
}

func (r *Range) transition(to State, reason string) {
	from := r.State
	r.State = to
	if r.logger == nil {
		return
	}
	r.logger.Info("range state transition",
		"range_id", r.ID,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
}

// Active reports whether the range is still occupying its interval and
// timer-queue slot: exactly the Probing/Defending ranges are scheduled.
func (r *Range) Active() bool {
	return r.State == Probing || r.State == Defending
}

func (r *Range) String() string {
	return fmt.Sprintf("range(id=%d start=%d count=%d state=%s counter=%d)",
		r.ID, r.Start(), r.Count(), r.State, r.Counter)
}
