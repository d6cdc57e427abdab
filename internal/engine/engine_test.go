package engine

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonjhjeon/maapd/internal/notify"
	"github.com/jasonjhjeon/maapd/pkg/maap"
)

// fakeClock is a manually advanced Clock for deterministic timer tests.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// zeroSource always draws 0, collapsing every jittered interval to its base
// and every FindFree draw to the start of its span.
type zeroSource struct{}

func (zeroSource) Uniform(n uint64) uint64 { return 0 }

// recordingSender captures every transmitted frame for inspection.
type recordingSender struct {
	frames [][]byte
	fail   bool
}

func (s *recordingSender) Send(frame []byte) error {
	if s.fail {
		return assertErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	return nil
}

var assertErr = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

func newTestEngine() (*Engine, *fakeClock, *recordingSender) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	sender := &recordingSender{}
	e := New(Config{Clock: clock, Rng: zeroSource{}, Sender: sender})
	return e, clock, sender
}

func mustPDU(t *testing.T, mt maap.MessageType, srcMAC net.HardwareAddr, reqStart uint64, reqCount uint16, conflStart uint64, conflCount uint16) []byte {
	t.Helper()
	pdu := &maap.PDU{
		MessageType:   mt,
		SrcMAC:        srcMAC,
		StreamID:      maap.HWAddrToUint64(srcMAC),
		RequestStart:  reqStart,
		RequestCount:  reqCount,
		ConflictStart: conflStart,
		ConflictCount: conflCount,
	}
	frame, err := pdu.Encode()
	require.NoError(t, err)
	return frame
}

func localMAC() net.HardwareAddr  { return net.HardwareAddr{0x00, 0x1B, 0x21, 0x00, 0x00, 0x01} }
func higherMAC() net.HardwareAddr { return net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF} }
func lowerMAC() net.HardwareAddr  { return net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x01} }

// S1: reserve succeeds, three probe retransmits run out, engine enters
// Defending and emits ACQUIRED.
func TestReserveAndProbeToDefending(t *testing.T) {
	e, clock, sender := newTestEngine()
	require.NoError(t, e.InitClient(1, localMAC(), maap.PoolBase, maap.PoolLen))
	e.Drain() // discard INITIALIZED

	id, ok := e.ReserveRange(1, 8)
	require.True(t, ok)
	require.Len(t, sender.frames, 1, "initial probe sent immediately")

	// ProbeRetransmits expiries walk the counter down to 0, each sending a
	// Probe; one further expiry sees counter == 0 and sends the Announce.
	for i := 0; i < maap.ProbeRetransmits+1; i++ {
		clock.advance(maap.ProbeIntervalBase + maap.ProbeIntervalVariation)
		e.HandleTimer()
	}

	var sawAcquired bool
	for _, n := range e.Drain() {
		if n.Kind == notify.Acquired && n.ID == id {
			sawAcquired = true
			assert.Equal(t, uint16(8), n.Count)
		}
	}
	assert.True(t, sawAcquired)
	assert.Len(t, sender.frames, 1+maap.ProbeRetransmits+1, "probes plus the announce")
}

// S2 per the state table: during Probing, ANY conflicting Probe/Announce/
// Defend yields, independent of stream id ordering — contention during
// Probing always backs off rather than contesting.
func TestProbingYieldsOnAnyConflict(t *testing.T) {
	a, _, _ := newTestEngine()
	require.NoError(t, a.InitClient(1, lowerMAC(), maap.PoolBase, maap.PoolLen))
	a.Drain()
	id, ok := a.ReserveRange(1, 1)
	require.True(t, ok)
	a.Drain()

	frame := mustPDU(t, maap.MessageTypeProbe, higherMAC(), maap.PoolBase, 1, 0, 0)
	a.HandlePacket(frame)

	ns := a.Drain()
	require.Len(t, ns, 1)
	assert.Equal(t, notify.Yielded, ns[0].Kind)
	assert.Equal(t, id, ns[0].ID)

	// range no longer exists
	a.RangeStatus(1, id)
	status := a.Drain()
	require.Len(t, status, 1)
	assert.False(t, status[0].Found)
}

// S3: Defending range receives a conflicting Announce; lower stream id wins.
func TestDefendingTieBreakByStreamID(t *testing.T) {
	a, clock, sender := newTestEngine()
	require.NoError(t, a.InitClient(1, lowerMAC(), maap.PoolBase, maap.PoolLen))
	a.Drain()
	id, ok := a.ReserveRange(1, 1)
	require.True(t, ok)
	a.Drain()

	for i := 0; i < maap.ProbeRetransmits+1; i++ {
		clock.advance(maap.ProbeIntervalBase + maap.ProbeIntervalVariation)
		a.HandleTimer()
	}
	a.Drain()
	before := len(sender.frames)

	// Higher stream id announces a conflict: A wins, sends Defend, stays Defending.
	frame := mustPDU(t, maap.MessageTypeAnnounce, higherMAC(), maap.PoolBase, 1, 0, 0)
	a.HandlePacket(frame)
	assert.Empty(t, a.Drain())
	assert.Equal(t, before+1, len(sender.frames))

	a.RangeStatus(1, id)
	st := a.Drain()
	require.Len(t, st, 1)
	assert.Equal(t, "defending", st[0].State)

	// Lower stream id announces: A loses, yields.
	frame = mustPDU(t, maap.MessageTypeAnnounce, lowerMACMinusOne(), maap.PoolBase, 1, 0, 0)
	a.HandlePacket(frame)
	ns := a.Drain()
	require.Len(t, ns, 1)
	assert.Equal(t, notify.Yielded, ns[0].Kind)
}

func lowerMACMinusOne() net.HardwareAddr {
	return net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
}

// S4: release during Probing emits exactly one RELEASED and no ACQUIRED.
func TestReleaseDuringProbingSuppressesAcquired(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.InitClient(1, localMAC(), maap.PoolBase, maap.PoolLen))
	e.Drain()

	id, ok := e.ReserveRange(1, 100)
	require.True(t, ok)
	e.Drain()

	e.ReleaseRange(1, id)
	ns := e.Drain()
	require.Len(t, ns, 1)
	assert.Equal(t, notify.Released, ns[0].Kind)
	assert.Equal(t, id, ns[0].ID)

	// idempotence: releasing again yields ERROR_RELEASE, not a second RELEASED.
	e.ReleaseRange(1, id)
	ns = e.Drain()
	require.Len(t, ns, 1)
	assert.Equal(t, notify.ErrorRelease, ns[0].Kind)
}

// S5: wrong ethertype returns -1 and mutates nothing; a MAAP probe disjoint
// from all local ranges returns 0 and mutates nothing.
func TestHandlePacketNotMaapAndDisjoint(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.InitClient(1, localMAC(), maap.PoolBase, maap.PoolLen))
	e.Drain()

	buf := make([]byte, maap.FrameLen)
	copy(buf[12:14], []byte{0x08, 0x00}) // IPv4 ethertype
	assert.Equal(t, -1, e.HandlePacket(buf))
	assert.Empty(t, e.Drain())

	id, ok := e.ReserveRange(1, 8)
	require.True(t, ok)
	e.Drain()

	far := maap.PoolBase + 50000
	frame := mustPDU(t, maap.MessageTypeProbe, higherMAC(), far, 1, 0, 0)
	assert.Equal(t, 0, e.HandlePacket(frame))
	assert.Empty(t, e.Drain())

	e.RangeStatus(1, id)
	st := e.Drain()
	require.Len(t, st, 1)
	assert.True(t, st[0].Found)
}

// S6: two reservations of length 32000 within a 65024 pool succeed and are
// disjoint; a third fails.
func TestTwoLargeReservationsThenExhausted(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.InitClient(1, localMAC(), maap.PoolBase, maap.PoolLen))
	e.Drain()

	id1, ok := e.ReserveRange(1, 32000)
	require.True(t, ok)
	e.Drain()

	id2, ok := e.ReserveRange(1, 32000)
	require.True(t, ok)
	e.Drain()
	assert.NotEqual(t, id1, id2)

	_, ok = e.ReserveRange(1, 32000)
	assert.False(t, ok)
	ns := e.Drain()
	require.Len(t, ns, 1)
	assert.Equal(t, notify.ErrorReserve, ns[0].Kind)
}

func TestInitClientIdempotenceRequiresDeinit(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.InitClient(1, localMAC(), maap.PoolBase, maap.PoolLen))
	e.Drain()

	err := e.InitClient(1, localMAC(), maap.PoolBase, maap.PoolLen)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	ns := e.Drain()
	require.Len(t, ns, 1)
	assert.Equal(t, notify.ErrorInit, ns[0].Kind)

	e.DeinitClient(1)
	require.NoError(t, e.InitClient(1, localMAC(), maap.PoolBase, maap.PoolLen))
}

func TestDelayToNextTimerEmptyIsVeryLong(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.InitClient(1, localMAC(), maap.PoolBase, maap.PoolLen))
	e.Drain()
	assert.Greater(t, e.DelayToNextTimer(), 24*time.Hour)
}
