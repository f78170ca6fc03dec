package pex

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"TorrentCore/wire"
)

// Defaults per BEP 11 practice.
const (
	DefaultInterval        = 30 * time.Second
	DefaultTick            = 30 * time.Second
	DefaultCleanupTick     = 60 * time.Second
	DefaultMaxPerInterval  = 50
	DefaultPeerMaxAge      = time.Hour
	defaultThrottleWindow  = 10 * time.Second
	defaultThrottleBurst   = 100
	failureDecayThreshold  = 3
	reliabilityDecayFactor = 0.8
)

// Addr is a peer endpoint as gossiped over ut_pex.
type Addr struct {
	IP   string
	Port uint16
}

// Key returns the "ip:port" form used as session and map keys.
func (a Addr) Key() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

// Bus is the session-owned surface the PEX engine gossips through. The
// engine holds only this interface; it never reaches back into its owner.
type Bus interface {
	// SendPex delivers a ut_pex payload to one peer. Returns false when the
	// peer is gone or the write failed.
	SendPex(peerKey string, payload []byte, added bool) bool

	// ConnectedPeers snapshots the session's currently connected peers.
	ConnectedPeers() []Addr
}

// Peer is one address known through gossip, with provenance and a
// reliability score used to prefer healthy sources.
type Peer struct {
	Addr        Addr
	PeerID      []byte
	AddedTime   time.Time
	Source      string // "pex", "tracker", "dht", ...
	Reliability float64
}

// Session tracks the gossip state for a single connected peer.
type Session struct {
	PeerKey             string
	UtPexID             byte
	LastSend            time.Time
	Interval            time.Duration
	Supported           bool
	Reliability         float64
	ConsecutiveFailures int
}

// Config is read once at engine construction.
type Config struct {
	Interval       time.Duration
	Tick           time.Duration
	CleanupTick    time.Duration
	MaxPerInterval int
	PeerMaxAge     time.Duration
}

// DefaultConfig returns the stock PEX configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       DefaultInterval,
		Tick:           DefaultTick,
		CleanupTick:    DefaultCleanupTick,
		MaxPerInterval: DefaultMaxPerInterval,
		PeerMaxAge:     DefaultPeerMaxAge,
	}
}

// Manager runs ut_pex gossip for one torrent: per-peer sessions, delta
// computation against each peer's prior view, send throttling, and cleanup
// of stale known peers. Construction is skipped entirely for private
// torrents.
type Manager struct {
	config Config
	bus    Bus

	mu       sync.Mutex
	sessions map[string]*Session

	knownPeers  map[Addr]*Peer
	peerSources map[Addr]map[string]struct{}

	// alreadySent[K] is every address ever told to session K; it only
	// shrinks by explicit eviction when the peer drops.
	alreadySent map[string]map[Addr]struct{}

	// previousConnected[K] is K's connected-peer view as of the last delta.
	previousConnected map[string]map[Addr]struct{}

	discovered []func([]Peer)
	ingestRate *rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a PEX engine gossiping over the given bus.
func NewManager(config Config, bus Bus) *Manager {
	return &Manager{
		config:            config,
		bus:               bus,
		sessions:          make(map[string]*Session),
		knownPeers:        make(map[Addr]*Peer),
		peerSources:       make(map[Addr]map[string]struct{}),
		alreadySent:       make(map[string]map[Addr]struct{}),
		previousConnected: make(map[string]map[Addr]struct{}),
		ingestRate:        rate.NewLimiter(rate.Every(defaultThrottleWindow/defaultThrottleBurst), defaultThrottleBurst),
	}
}

// Start launches the gossip and cleanup loops.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx)

	log.Info("PEX manager started")
}

// Stop cancels the background loops and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}

	m.cancel()
	<-m.done
	m.cancel = nil

	log.Info("PEX manager stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	gossip := time.NewTicker(m.config.Tick)
	cleanup := time.NewTicker(m.config.CleanupTick)

	defer gossip.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-gossip.C:
			m.sendPexMessages()

		case <-cleanup.C:
			m.cleanupOldPeers()

		case <-ctx.Done():
			return
		}
	}
}

// RegisterSession creates or updates the session for a connected peer that
// completed the extension handshake. utPexID 0 means the peer did not
// advertise ut_pex.
func (m *Manager) RegisterSession(peerKey string, utPexID byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[peerKey]
	if !ok {
		session = &Session{
			PeerKey:     peerKey,
			Interval:    m.config.Interval,
			Reliability: 1.0,
		}
		m.sessions[peerKey] = session
	}

	session.UtPexID = utPexID
	session.Supported = utPexID != 0

	log.Debugf("PEX session registered for %s (ut_pex id %d)", peerKey, utPexID)
}

// RemoveSession drops a peer's session and evicts its tracking sets.
func (m *Manager) RemoveSession(peerKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, peerKey)
	delete(m.alreadySent, peerKey)
	delete(m.previousConnected, peerKey)
}

// Session returns a copy of the session for a peer, if any.
func (m *Manager) Session(peerKey string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[peerKey]
	if !ok {
		return Session{}, false
	}

	return *session, true
}

// AddKnownPeer records a peer learned from gossip (or another source) and
// fans it out to discovery callbacks. Ingestion is rate limited so a noisy
// peer cannot flood the table.
func (m *Manager) AddKnownPeer(addr Addr, source string) {
	if !m.ingestRate.Allow() {
		log.Debugf("PEX ingest throttled, dropping peer %s", addr.Key())
		return
	}

	m.mu.Lock()

	peer, ok := m.knownPeers[addr]
	if !ok {
		peer = &Peer{Addr: addr, AddedTime: time.Now(), Source: source, Reliability: 1.0}
		m.knownPeers[addr] = peer
	}

	sources, ok := m.peerSources[addr]
	if !ok {
		sources = make(map[string]struct{})
		m.peerSources[addr] = sources
	}

	sources[source] = struct{}{}

	callbacks := make([]func([]Peer), len(m.discovered))
	copy(callbacks, m.discovered)
	fresh := *peer

	m.mu.Unlock()

	for _, cb := range callbacks {
		cb([]Peer{fresh})
	}
}

// HandlePexPayload ingests a received ut_pex added/dropped list.
func (m *Manager) HandlePexPayload(compact []byte, added bool) {
	addrs, err := wire.ParseCompactPeers(compact)
	if err != nil {
		log.Warnf("Discarding malformed PEX payload: %v", err)
		return
	}

	if !added {
		// Dropped peers only age out of the known set; BEP 11 treats the
		// dropped list as advisory.
		return
	}

	for _, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}

		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			continue
		}

		m.AddKnownPeer(Addr{IP: host, Port: uint16(port)}, "pex")
	}
}

// OnPeersDiscovered registers a callback invoked for peers learned via PEX.
func (m *Manager) OnPeersDiscovered(cb func([]Peer)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.discovered = append(m.discovered, cb)
}

// KnownPeers returns a snapshot of the gossip-learned peer table.
func (m *Manager) KnownPeers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Peer, 0, len(m.knownPeers))
	for _, p := range m.knownPeers {
		out = append(out, *p)
	}

	return out
}

// PeerCount returns the number of known peers.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.knownPeers)
}

// Refresh zeroes every supported session's last-send time and runs one send
// cycle immediately.
func (m *Manager) Refresh() {
	m.mu.Lock()

	refreshed := 0

	for _, session := range m.sessions {
		if session.Supported {
			session.LastSend = time.Time{}
			refreshed++
		}
	}

	m.mu.Unlock()

	log.Infof("PEX refresh triggered for %d peer(s)", refreshed)

	m.sendPexMessages()
}

// sendPexMessages runs one gossip cycle over every supported session whose
// interval has elapsed.
func (m *Manager) sendPexMessages() {
	now := time.Now()

	m.mu.Lock()

	due := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if session.Supported && now.Sub(session.LastSend) >= session.Interval {
			due = append(due, session)
		}
	}

	m.mu.Unlock()

	for _, session := range due {
		m.sendPexToPeer(session, now)
	}
}

// sendPexToPeer computes and transmits one peer's delta. Only a successful
// transmission of a non-empty added or dropped list resets the failure
// counter; empty cycles leave it untouched.
func (m *Manager) sendPexToPeer(session *Session, now time.Time) {
	added, dropped := m.computeDelta(session.PeerKey)

	m.mu.Lock()
	session.LastSend = now
	utPexID := session.UtPexID
	m.mu.Unlock()

	sentAny := false

	if len(added) > 0 {
		payload := wire.EncodePexPayload(utPexID, added, true)

		if m.bus.SendPex(session.PeerKey, payload, true) {
			sentAny = true
			log.Debugf("PEX sent %d added peer(s) to %s", len(added)/6, session.PeerKey)
		} else {
			m.recordSendFailure(session)
			log.Warnf("PEX failed to send added peers to %s", session.PeerKey)
		}
	}

	if len(dropped) > 0 {
		payload := wire.EncodePexPayload(utPexID, dropped, false)

		if m.bus.SendPex(session.PeerKey, payload, false) {
			sentAny = true
			log.Debugf("PEX sent %d dropped peer(s) to %s", len(dropped)/6, session.PeerKey)
		} else {
			m.recordSendFailure(session)
			log.Warnf("PEX failed to send dropped peers to %s", session.PeerKey)
		}
	}

	if sentAny {
		m.mu.Lock()
		session.ConsecutiveFailures = 0
		m.mu.Unlock()
	}
}

func (m *Manager) recordSendFailure(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session.ConsecutiveFailures++

	if session.ConsecutiveFailures >= failureDecayThreshold {
		session.Reliability *= reliabilityDecayFactor
	}
}

// computeDelta derives the added/dropped compact lists for one session:
//
//	C       = currently connected peers, minus the session's own address
//	P       = previousConnected[K]
//	added   = (C - P) - alreadySent[K], truncated to MaxPerInterval
//	dropped = P - C, truncated likewise
//
// After both lists are built, alreadySent[K] absorbs the added set and P is
// replaced by C. Readers and writers of the session sets never interleave
// with the computation.
func (m *Manager) computeDelta(peerKey string) (added []byte, dropped []byte) {
	current := make(map[Addr]struct{})

	for _, addr := range m.bus.ConnectedPeers() {
		if addr.Key() == peerKey {
			continue
		}

		current[addr] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.previousConnected[peerKey]
	if previous == nil {
		previous = make(map[Addr]struct{})
	}

	sent := m.alreadySent[peerKey]
	if sent == nil {
		sent = make(map[Addr]struct{})
		m.alreadySent[peerKey] = sent
	}

	var addedAddrs, droppedAddrs []Addr

	for addr := range current {
		if _, known := previous[addr]; known {
			continue
		}

		if _, told := sent[addr]; told {
			continue
		}

		addedAddrs = append(addedAddrs, addr)
	}

	for addr := range previous {
		if _, still := current[addr]; !still {
			droppedAddrs = append(droppedAddrs, addr)
		}
	}

	sortAddrs(addedAddrs)
	sortAddrs(droppedAddrs)

	if len(addedAddrs) > m.config.MaxPerInterval {
		addedAddrs = addedAddrs[:m.config.MaxPerInterval]
	}

	if len(droppedAddrs) > m.config.MaxPerInterval {
		droppedAddrs = droppedAddrs[:m.config.MaxPerInterval]
	}

	for _, addr := range addedAddrs {
		sent[addr] = struct{}{}
	}

	for _, addr := range droppedAddrs {
		// Eviction from the already-sent set, so the address may appear in a
		// future added list after it reconnects.
		delete(sent, addr)
	}

	m.previousConnected[peerKey] = current

	return encodeAddrs(addedAddrs), encodeAddrs(droppedAddrs)
}

func sortAddrs(addrs []Addr) {
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].IP != addrs[j].IP {
			return addrs[i].IP < addrs[j].IP
		}

		return addrs[i].Port < addrs[j].Port
	})
}

func encodeAddrs(addrs []Addr) []byte {
	if len(addrs) == 0 {
		return nil
	}

	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = a.Key()
	}

	return wire.EncodeCompactPeers(keys)
}

// cleanupOldPeers evicts known peers older than the configured max age.
func (m *Manager) cleanupOldPeers() {
	cutoff := time.Now().Add(-m.config.PeerMaxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, peer := range m.knownPeers {
		if peer.AddedTime.Before(cutoff) {
			delete(m.knownPeers, addr)
			delete(m.peerSources, addr)
		}
	}
}
