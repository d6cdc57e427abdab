// Package engine is the MAAP protocol engine: it ties the interval
// allocator, timer queue, range state machine, and notification queue
// together, processing incoming packets, timer expirations, and command
// requests as described in IEEE 1722-2016 Annex B.3.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jasonjhjeon/maapd/internal/interval"
	"github.com/jasonjhjeon/maapd/internal/metrics"
	"github.com/jasonjhjeon/maapd/internal/netio"
	"github.com/jasonjhjeon/maapd/internal/notify"
	"github.com/jasonjhjeon/maapd/internal/rangestate"
	"github.com/jasonjhjeon/maapd/internal/timerqueue"
	"github.com/jasonjhjeon/maapd/pkg/maap"
)

// Sender is the outbound half of the network adapter — the engine only ever
// writes frames, never reads them; the host delivers received frames through
// HandlePacket on its own schedule.
type Sender interface {
	Send(frame []byte) error
}

// Engine is a single bound-interface MAAP client. Not safe for concurrent
// use: every exported method assumes exclusive access for its duration, the
// same cooperative, single-threaded model the host's event loop provides.
type Engine struct {
	logger *slog.Logger
	clock  netio.Clock
	rng    netio.UniformSource
	sender Sender

	tree   *interval.Tree
	timers *timerqueue.Queue
	notifs *notify.Queue
	ranges map[uint64]*rangestate.Range
	nextID uint64

	initialized bool
	srcMAC      net.HardwareAddr
	streamID    uint64
	poolBase    uint64
	poolLen     uint64
	t           Timers
}

// Timers holds the protocol's retransmit count and jitter bounds (IEEE
// 1722-2016 Annex B.3, Table B.2). A zero Timers leaves every field at its
// standard default; operators override individual fields via internal/config
// for testing or for congested segments.
type Timers struct {
	ProbeRetransmits          int
	ProbeIntervalBase         time.Duration
	ProbeIntervalVariation    time.Duration
	AnnounceIntervalBase      time.Duration
	AnnounceIntervalVariation time.Duration
}

func (t Timers) withDefaults() Timers {
	if t.ProbeRetransmits == 0 {
		t.ProbeRetransmits = maap.ProbeRetransmits
	}
	if t.ProbeIntervalBase == 0 {
		t.ProbeIntervalBase = maap.ProbeIntervalBase
	}
	if t.ProbeIntervalVariation == 0 {
		t.ProbeIntervalVariation = maap.ProbeIntervalVariation
	}
	if t.AnnounceIntervalBase == 0 {
		t.AnnounceIntervalBase = maap.AnnounceIntervalBase
	}
	if t.AnnounceIntervalVariation == 0 {
		t.AnnounceIntervalVariation = maap.AnnounceIntervalVariation
	}
	return t
}

// Config supplies the adapters the engine treats as external collaborators.
type Config struct {
	Clock  netio.Clock
	Rng    netio.UniformSource
	Sender Sender
	Logger *slog.Logger
	Timers Timers
}

// New creates an uninitialized engine. Call InitClient before reserving
// ranges or processing packets.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger: logger,
		clock:  cfg.Clock,
		rng:    cfg.Rng,
		sender: cfg.Sender,
		tree:   interval.New(),
		timers: timerqueue.New(),
		notifs: notify.New(),
		ranges: make(map[uint64]*rangestate.Range),
		nextID: 1,
		t:      cfg.Timers.withDefaults(),
	}
}

// InitClient sets the engine's identity and pool bounds. Reinitializing an
// already-initialized engine fails with ErrAlreadyInitialized unless
// preceded by DeinitClient.
func (e *Engine) InitClient(sender uint64, srcMAC net.HardwareAddr, poolBase, poolLen uint64) error {
	if e.initialized {
		e.notifs.Push(notify.Notification{Sender: sender, Kind: notify.ErrorInit, Reason: "already initialized"})
		return ErrAlreadyInitialized
	}
	e.srcMAC = srcMAC
	e.streamID = maap.HWAddrToUint64(srcMAC)
	e.poolBase = poolBase
	e.poolLen = poolLen
	e.initialized = true
	e.logger.Info("engine initialized", "src_mac", srcMAC.String(), "pool_base", poolBase, "pool_len", poolLen)
	e.notifs.Push(notify.Notification{Sender: sender, Kind: notify.Initialized})
	return nil
}

// DeinitClient releases every active range, owned by any sender, and clears
// the initialized flag so the engine may be reinitialized.
func (e *Engine) DeinitClient(sender uint64) {
	for _, r := range e.activeRangesSnapshot() {
		e.removeRange(r, notify.Released, "deinit", nil)
	}
	e.initialized = false
	e.logger.Info("engine deinitialized", "sender", sender)
}

func (e *Engine) activeRangesSnapshot() []*rangestate.Range {
	out := make([]*rangestate.Range, 0, len(e.ranges))
	for _, r := range e.ranges {
		out = append(out, r)
	}
	return out
}

// ReserveRange claims a free sub-range of the configured pool, length
// addresses long. On success it returns the new range's id; on failure it
// returns false and emits ERROR_RESERVE.
func (e *Engine) ReserveRange(sender uint64, length uint16) (id uint64, ok bool) {
	if !e.initialized {
		e.notifs.Push(notify.Notification{Sender: sender, Kind: notify.ErrorReserve, Reason: "not initialized"})
		return 0, false
	}
	if length == 0 {
		e.notifs.Push(notify.Notification{Sender: sender, Kind: notify.ErrorReserve, Reason: "length must be non-zero"})
		return 0, false
	}

	low, found := e.tree.FindFree(e.poolBase, e.poolBase+e.poolLen, uint64(length), e.rng)
	if !found {
		metrics.ReserveFailures.Inc()
		e.notifs.Push(notify.Notification{Sender: sender, Kind: notify.ErrorReserve, Reason: "no free sub-range"})
		return 0, false
	}

	iv := &interval.Interval{Low: low, High: low + uint64(length)}
	if err := e.tree.Insert(iv); err != nil {
		// FindFree just verified this span is disjoint; this would only
		// happen under a racing mutation, which single-threaded access
		// rules out.
		e.logger.Error("insert of a freshly-found range failed", "err", err)
		e.notifs.Push(notify.Notification{Sender: sender, Kind: notify.ErrorReserve, Reason: "internal allocator error"})
		return 0, false
	}

	id = e.nextID
	e.nextID++
	r := rangestate.New(id, iv, sender, e.t.ProbeRetransmits, e.logger)
	iv.Owner = r
	e.ranges[id] = r

	e.sendProbe(r)
	r.Reschedule(e.clock.Now().Add(netio.JitteredDelay(e.rng, 0, e.t.ProbeIntervalVariation)))
	e.timers.Push(r)
	metrics.RangesByState.WithLabelValues(rangestate.Probing.String()).Inc()

	return id, true
}

// ReleaseRange transitions id from Probing or Defending to Released,
// provided sender owns it. Unknown or foreign ids emit ERROR_RELEASE.
func (e *Engine) ReleaseRange(sender uint64, id uint64) {
	r, ok := e.ranges[id]
	if !ok || r.Sender != sender || !r.Active() {
		e.notifs.Push(notify.Notification{Sender: sender, Kind: notify.ErrorRelease, ID: id, Reason: "unknown id"})
		return
	}
	e.removeRange(r, notify.Released, "release command", nil)
}

// RangeStatus always emits a STATUS notification naming whether id exists
// and, if so, its current start, length, and state.
func (e *Engine) RangeStatus(sender uint64, id uint64) {
	n := notify.Notification{Sender: sender, Kind: notify.Status, ID: id}
	if r, ok := e.ranges[id]; ok {
		n.Found = true
		n.Start = r.Start()
		n.Count = uint16(r.Count())
		n.State = r.State.String()
	}
	e.notifs.Push(n)
}

// HandlePacket decodes buf and applies it to every local range it conflicts
// with. Returns 0 if buf is a MAAP frame (handled, malformed-and-dropped, or
// self-originated), -1 if it is not MAAP at all.
func (e *Engine) HandlePacket(buf []byte) int {
	pdu, err := maap.Decode(buf)
	if err != nil {
		if errors.Is(err, maap.ErrNotMaap) {
			return -1
		}
		e.logger.Debug("dropping malformed maap packet", "err", err)
		metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		return 0
	}

	metrics.PacketsReceived.WithLabelValues(pdu.MessageType.String()).Inc()

	if e.initialized && bytes.Equal(pdu.SrcMAC, e.srcMAC) {
		return 0
	}

	start, count := e.matchFields(pdu)
	if count == 0 {
		return 0
	}
	for _, iv := range e.tree.Overlaps(start, start+uint64(count)) {
		r, ok := iv.Owner.(*rangestate.Range)
		if !ok {
			continue
		}
		e.applyIncoming(r, pdu)
	}
	return 0
}

// matchFields returns the range a PDU is about: for Defend it's the
// conflict-range fields if present, otherwise the requested-range fields.
func (e *Engine) matchFields(pdu *maap.PDU) (start uint64, count uint16) {
	if pdu.MessageType == maap.MessageTypeDefend && pdu.ConflictCount > 0 {
		return pdu.ConflictStart, pdu.ConflictCount
	}
	return pdu.RequestStart, pdu.RequestCount
}

func (e *Engine) applyIncoming(r *rangestate.Range, pdu *maap.PDU) {
	switch r.State {
	case rangestate.Probing:
		e.yield(r, pdu)

	case rangestate.Defending:
		switch pdu.MessageType {
		case maap.MessageTypeProbe:
			metrics.ConflictsWon.Inc()
			e.sendDefend(r, pdu.RequestStart, pdu.RequestCount)

		case maap.MessageTypeAnnounce:
			if pdu.StreamID == e.streamID {
				// Exact tie: can only be our own stream id reflected back;
				// ignore rather than contest ourselves.
				return
			}
			if e.streamID < pdu.StreamID {
				metrics.ConflictsWon.Inc()
				e.sendDefend(r, pdu.RequestStart, pdu.RequestCount)
			} else {
				e.yield(r, pdu)
			}

		case maap.MessageTypeDefend:
			e.yield(r, pdu)
		}
	}
}

func (e *Engine) yield(r *rangestate.Range, pdu *maap.PDU) {
	metrics.ConflictsLost.Inc()
	start, count := e.matchFields(pdu)
	reason := fmt.Sprintf("lost arbitration to stream id %016x", pdu.StreamID)
	e.removeRange(r, notify.Yielded, reason, &notify.ConflictRange{Start: start, Count: count})
}

// removeRange unwinds a range out of the tree and timer queue, transitions
// it to Released, and emits the terminal notification. No Range is
// observable after this call returns.
func (e *Engine) removeRange(r *rangestate.Range, kind notify.Kind, reason string, conflict *notify.ConflictRange) {
	metrics.RangesByState.WithLabelValues(r.State.String()).Dec()
	e.tree.Remove(r.Interval)
	e.timers.Remove(r)
	start, count := r.Start(), uint16(r.Count())
	r.Release(reason)
	delete(e.ranges, r.ID)

	metrics.NotificationsEmitted.WithLabelValues(string(kind)).Inc()
	e.notifs.Push(notify.Notification{
		Sender:   r.Sender,
		Kind:     kind,
		ID:       r.ID,
		Start:    start,
		Count:    count,
		State:    r.State.String(),
		Conflict: conflict,
		Reason:   reason,
	})
}

// HandleTimer pops every range whose scheduled action is due and applies the
// corresponding Probing/Defending transition, re-enqueueing it if it's still
// active.
func (e *Engine) HandleTimer() {
	now := e.clock.Now()
	for {
		n := e.timers.PopIfExpired(now)
		if n == nil {
			return
		}
		r, ok := n.(*rangestate.Range)
		if !ok {
			continue
		}
		e.fireTimer(r, now)
	}
}

func (e *Engine) fireTimer(r *rangestate.Range, now time.Time) {
	switch r.State {
	case rangestate.Probing:
		if r.Counter > 0 {
			e.sendProbe(r)
			r.Counter--
			metrics.ProbeRetransmits.Inc()
			r.Reschedule(now.Add(netio.JitteredDelay(e.rng, e.t.ProbeIntervalBase, e.t.ProbeIntervalVariation)))
			e.timers.Push(r)
			return
		}
		e.sendAnnounce(r)
		metrics.RangesByState.WithLabelValues(rangestate.Probing.String()).Dec()
		r.EnterDefending()
		metrics.RangesByState.WithLabelValues(rangestate.Defending.String()).Inc()
		r.Reschedule(now.Add(netio.JitteredDelay(e.rng, e.t.AnnounceIntervalBase, e.t.AnnounceIntervalVariation)))
		e.timers.Push(r)
		metrics.NotificationsEmitted.WithLabelValues(string(notify.Acquired)).Inc()
		e.notifs.Push(notify.Notification{
			Sender: r.Sender,
			Kind:   notify.Acquired,
			ID:     r.ID,
			Start:  r.Start(),
			Count:  uint16(r.Count()),
			State:  r.State.String(),
		})

	case rangestate.Defending:
		e.sendAnnounce(r)
		r.Reschedule(now.Add(netio.JitteredDelay(e.rng, e.t.AnnounceIntervalBase, e.t.AnnounceIntervalVariation)))
		e.timers.Push(r)

	default:
		e.logger.Warn("timer fired for inactive range", "range_id", r.ID, "state", r.State.String())
	}
}

// DelayToNextTimer returns the delay until the timer queue's head is due, or
// a very large sentinel if the queue is empty.
func (e *Engine) DelayToNextTimer() time.Duration {
	return e.timers.DelayToHead(e.clock.Now())
}

// Drain removes and returns every pending notification in FIFO order.
func (e *Engine) Drain() []notify.Notification {
	return e.notifs.Drain()
}

func (e *Engine) sendProbe(r *rangestate.Range) {
	e.transmit(&maap.PDU{
		MessageType:  maap.MessageTypeProbe,
		SrcMAC:       e.srcMAC,
		StreamID:     e.streamID,
		RequestStart: r.Start(),
		RequestCount: uint16(r.Count()),
	})
}

func (e *Engine) sendAnnounce(r *rangestate.Range) {
	e.transmit(&maap.PDU{
		MessageType:  maap.MessageTypeAnnounce,
		SrcMAC:       e.srcMAC,
		StreamID:     e.streamID,
		RequestStart: r.Start(),
		RequestCount: uint16(r.Count()),
	})
}

func (e *Engine) sendDefend(r *rangestate.Range, conflictStart uint64, conflictCount uint16) {
	e.transmit(&maap.PDU{
		MessageType:   maap.MessageTypeDefend,
		SrcMAC:        e.srcMAC,
		StreamID:      e.streamID,
		RequestStart:  r.Start(),
		RequestCount:  uint16(r.Count()),
		ConflictStart: conflictStart,
		ConflictCount: conflictCount,
	})
}

func (e *Engine) transmit(pdu *maap.PDU) {
	metrics.PacketsSent.WithLabelValues(pdu.MessageType.String()).Inc()
	frame, err := pdu.Encode()
	if err != nil {
		e.logger.Error("encode failed", "msg_type", pdu.MessageType.String(), "err", err)
		return
	}
	if e.sender == nil {
		return
	}
	if err := e.sender.Send(frame); err != nil {
		e.logger.Warn("send failed, retransmission will recover", "msg_type", pdu.MessageType.String(), "err", err)
		metrics.PacketsDropped.WithLabelValues("send_failed").Inc()
	}
}
