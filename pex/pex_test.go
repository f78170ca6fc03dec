package pex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"TorrentCore/wire"
)

// fakeBus records sends and serves a settable connected-peer snapshot.
type fakeBus struct {
	mu        sync.Mutex
	connected []Addr
	sends     []fakeSend
	failSends bool
}

type fakeSend struct {
	peerKey string
	payload []byte
	added   bool
}

func (b *fakeBus) SendPex(peerKey string, payload []byte, added bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failSends {
		return false
	}

	b.sends = append(b.sends, fakeSend{peerKey: peerKey, payload: payload, added: added})

	return true
}

func (b *fakeBus) ConnectedPeers() []Addr {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Addr, len(b.connected))
	copy(out, b.connected)

	return out
}

func (b *fakeBus) setConnected(addrs ...Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connected = addrs
}

func (b *fakeBus) sentTo(peerKey string) []fakeSend {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []fakeSend

	for _, send := range b.sends {
		if send.peerKey == peerKey {
			out = append(out, send)
		}
	}

	return out
}

func newTestManager(bus *fakeBus) *Manager {
	config := DefaultConfig()
	config.MaxPerInterval = 50

	return NewManager(config, bus)
}

func TestDeltaComputation(t *testing.T) {
	// End-to-end scenario: K="1.2.3.4:6881", previous {A,B}, current
	// {A,B,C,K}. Expect added=[C], dropped=[], and a second identical cycle
	// yields nothing.
	a := Addr{IP: "10.0.0.1", Port: 1001}
	b := Addr{IP: "10.0.0.2", Port: 1002}
	c := Addr{IP: "10.0.0.3", Port: 1003}
	k := Addr{IP: "1.2.3.4", Port: 6881}

	bus := &fakeBus{}
	m := newTestManager(bus)

	// Seed the previous view with {A, B}.
	bus.setConnected(a, b, k)
	added, dropped := m.computeDelta(k.Key())
	require.Len(t, added, 12) // first cycle reports A and B as new
	require.Empty(t, dropped)

	bus.setConnected(a, b, c, k)
	added, dropped = m.computeDelta(k.Key())

	parsed, err := wire.ParseCompactPeers(added)
	require.NoError(t, err)
	require.Equal(t, []string{c.Key()}, parsed)
	require.Empty(t, dropped)

	// Same current view again: nothing new.
	added, dropped = m.computeDelta(k.Key())
	require.Empty(t, added)
	require.Empty(t, dropped)
}

func TestDeltaExcludesTargetPeer(t *testing.T) {
	k := Addr{IP: "1.2.3.4", Port: 6881}

	bus := &fakeBus{}
	bus.setConnected(k)

	m := newTestManager(bus)

	added, dropped := m.computeDelta(k.Key())
	require.Empty(t, added)
	require.Empty(t, dropped)
}

func TestDeltaDroppedPeers(t *testing.T) {
	a := Addr{IP: "10.0.0.1", Port: 1001}
	b := Addr{IP: "10.0.0.2", Port: 1002}
	k := Addr{IP: "1.2.3.4", Port: 6881}

	bus := &fakeBus{}
	m := newTestManager(bus)

	bus.setConnected(a, b, k)
	m.computeDelta(k.Key())

	bus.setConnected(a, k)
	added, dropped := m.computeDelta(k.Key())
	require.Empty(t, added)

	parsed, err := wire.ParseCompactPeers(dropped)
	require.NoError(t, err)
	require.Equal(t, []string{b.Key()}, parsed)

	// B reconnects: having been dropped, it may be announced again.
	bus.setConnected(a, b, k)
	added, dropped = m.computeDelta(k.Key())

	parsed, err = wire.ParseCompactPeers(added)
	require.NoError(t, err)
	require.Equal(t, []string{b.Key()}, parsed)
	require.Empty(t, dropped)
}

func TestNoAddressInTwoSuccessiveAddedLists(t *testing.T) {
	a := Addr{IP: "10.0.0.1", Port: 1001}
	k := Addr{IP: "1.2.3.4", Port: 6881}

	bus := &fakeBus{}
	m := newTestManager(bus)

	bus.setConnected(a, k)
	added, _ := m.computeDelta(k.Key())
	require.NotEmpty(t, added)

	// Simulate A flapping out of and back into the connected set without a
	// dropped message in between (previous still lists it after re-add).
	added, _ = m.computeDelta(k.Key())
	require.Empty(t, added)
}

func TestDeltaTruncation(t *testing.T) {
	k := Addr{IP: "1.2.3.4", Port: 6881}

	var peers []Addr
	for i := 0; i < 60; i++ {
		peers = append(peers, Addr{IP: "10.0.0.1", Port: uint16(2000 + i)})
	}

	bus := &fakeBus{}
	bus.setConnected(append(peers, k)...)

	m := newTestManager(bus)

	added, _ := m.computeDelta(k.Key())
	require.Len(t, added, DefaultMaxPerInterval*6)

	// The truncated remainder arrives on the next cycle... but only peers
	// not yet sent. previous now holds all 60, so the tail is suppressed by
	// the previous-view rule; sessions converge without duplicates.
	added, _ = m.computeDelta(k.Key())
	require.Empty(t, added)
}

func TestSendResetsFailureCounterOnlyOnNonEmptySend(t *testing.T) {
	a := Addr{IP: "10.0.0.1", Port: 1001}
	k := Addr{IP: "1.2.3.4", Port: 6881}

	bus := &fakeBus{}
	m := newTestManager(bus)
	m.RegisterSession(k.Key(), 2)

	session := m.sessions[k.Key()]
	session.ConsecutiveFailures = 2

	// Empty delta: no send happens, the counter must stay.
	bus.setConnected(k)
	m.sendPexToPeer(session, time.Now())
	require.Equal(t, 2, session.ConsecutiveFailures)

	// Non-empty delta transmitted: counter resets.
	bus.setConnected(a, k)
	session.LastSend = time.Time{}
	m.sendPexToPeer(session, time.Now())
	require.Equal(t, 0, session.ConsecutiveFailures)
	require.Len(t, bus.sentTo(k.Key()), 1)
}

func TestSendFailureIncrementsCounter(t *testing.T) {
	a := Addr{IP: "10.0.0.1", Port: 1001}
	k := Addr{IP: "1.2.3.4", Port: 6881}

	bus := &fakeBus{failSends: true}
	m := newTestManager(bus)
	m.RegisterSession(k.Key(), 2)

	bus.setConnected(a, k)

	session := m.sessions[k.Key()]
	m.sendPexToPeer(session, time.Now())
	require.Equal(t, 1, session.ConsecutiveFailures)
}

func TestPexPayloadFormat(t *testing.T) {
	a := Addr{IP: "10.0.0.1", Port: 1001}
	k := Addr{IP: "1.2.3.4", Port: 6881}

	bus := &fakeBus{}
	m := newTestManager(bus)
	m.RegisterSession(k.Key(), 7)

	bus.setConnected(a, k)

	session := m.sessions[k.Key()]
	m.sendPexToPeer(session, time.Now())

	sends := bus.sentTo(k.Key())
	require.Len(t, sends, 1)
	require.True(t, sends[0].added)
	require.Equal(t, byte(7), sends[0].payload[0])
	require.Equal(t, wire.PexAdded, sends[0].payload[1])

	parsed, err := wire.ParseCompactPeers(sends[0].payload[2:])
	require.NoError(t, err)
	require.Equal(t, []string{a.Key()}, parsed)
}

func TestRefreshSendsImmediately(t *testing.T) {
	a := Addr{IP: "10.0.0.1", Port: 1001}
	k := Addr{IP: "1.2.3.4", Port: 6881}

	bus := &fakeBus{}
	m := newTestManager(bus)
	m.RegisterSession(k.Key(), 2)

	// A fresh session just sent; Refresh zeroes LastSend and forces a cycle.
	m.sessions[k.Key()].LastSend = time.Now()
	bus.setConnected(a, k)

	m.Refresh()
	require.NotEmpty(t, bus.sentTo(k.Key()))
}

func TestUnsupportedSessionNeverSends(t *testing.T) {
	a := Addr{IP: "10.0.0.1", Port: 1001}
	k := Addr{IP: "1.2.3.4", Port: 6881}

	bus := &fakeBus{}
	m := newTestManager(bus)
	m.RegisterSession(k.Key(), 0) // no ut_pex advertised

	bus.setConnected(a, k)
	m.sendPexMessages()
	require.Empty(t, bus.sends)
}

func TestSessionLifecycle(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(bus)

	m.RegisterSession("1.2.3.4:6881", 3)

	session, ok := m.Session("1.2.3.4:6881")
	require.True(t, ok)
	require.True(t, session.Supported)
	require.Equal(t, byte(3), session.UtPexID)

	m.RemoveSession("1.2.3.4:6881")

	_, ok = m.Session("1.2.3.4:6881")
	require.False(t, ok)
}

func TestKnownPeerCleanup(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(bus)

	m.AddKnownPeer(Addr{IP: "10.0.0.1", Port: 1001}, "tracker")
	m.AddKnownPeer(Addr{IP: "10.0.0.2", Port: 1002}, "pex")
	require.Equal(t, 2, m.PeerCount())

	// Age one peer past the cutoff.
	m.mu.Lock()
	m.knownPeers[Addr{IP: "10.0.0.1", Port: 1001}].AddedTime = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	m.cleanupOldPeers()
	require.Equal(t, 1, m.PeerCount())
}

func TestHandlePexPayloadIngestsAddedPeers(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(bus)

	var discovered []Peer
	var mu sync.Mutex

	m.OnPeersDiscovered(func(peers []Peer) {
		mu.Lock()
		discovered = append(discovered, peers...)
		mu.Unlock()
	})

	compact := wire.EncodeCompactPeers([]string{"10.0.0.9:4242"})
	m.HandlePexPayload(compact, true)

	require.Equal(t, 1, m.PeerCount())

	mu.Lock()
	require.Len(t, discovered, 1)
	require.Equal(t, "pex", discovered[0].Source)
	mu.Unlock()

	// Dropped lists are advisory and never ingest.
	m.HandlePexPayload(compact, false)
	require.Equal(t, 1, m.PeerCount())
}

func TestStartStop(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(bus)

	ctx := t.Context()
	m.Start(ctx)
	m.Stop()
}
