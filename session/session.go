package session

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"TorrentCore/fabric"
	"TorrentCore/nat"
	"TorrentCore/peer"
	"TorrentCore/pex"
	"TorrentCore/torrent"
	"TorrentCore/wire"
)

// --------------------------------------------------------------------------------------------- //

/*
Config is the session's immutable construction-time configuration.

Fields:
  - ListenPort: Local TCP listen port, also offered for NAT mapping.
  - MaxPeers: Connection limit handed to the peer service.
  - ConnectFanout: Concurrent outbound handshakes.
  - Encryption: MSE policy for outbound connections.
  - NAT: NAT manager configuration.
  - PEX: PEX engine configuration.
  - AcceptInbound: Whether to run the TCP accept loop.
*/
type Config struct {
	ListenPort    uint16
	MaxPeers      int
	ConnectFanout int
	Encryption    peer.EncryptionMode
	NAT           nat.Config
	PEX           pex.Config
	AcceptInbound bool
}

// DefaultConfig returns the stock session configuration.
func DefaultConfig() Config {
	natConfig := nat.DefaultConfig()

	return Config{
		ListenPort:    6881,
		MaxPeers:      fabric.DefaultMaxPeers,
		ConnectFanout: 10,
		Encryption:    peer.EncryptionPreferred,
		NAT:           natConfig,
		PEX:           pex.DefaultConfig(),
		AcceptInbound: true,
	}
}

// --------------------------------------------------------------------------------------------- //

/*
Sink receives the session's outward-facing events, consumed by the external
piece and file managers. All methods are invoked in message-receipt order
for any single peer.
*/
type Sink interface {
	PeerConnected(peerKey string, version wire.Version)
	PeerDisconnected(peerKey string)
	BitfieldReceived(peerKey string, bitfield []byte)
	PieceReceived(peerKey string, index, offset uint32, block []byte)
}

// nopSink discards every event.
type nopSink struct{}

func (nopSink) PeerConnected(string, wire.Version)           {}
func (nopSink) PeerDisconnected(string)                      {}
func (nopSink) BitfieldReceived(string, []byte)              {}
func (nopSink) PieceReceived(string, uint32, uint32, []byte) {}

// --------------------------------------------------------------------------------------------- //

/*
Session binds the protocol engine, PEX, NAT traversal and the service fabric
to one external torrent descriptor. It owns the peer-connection table; every
callback into it carries a peer key, never a pointer back to the session.
*/
type Session struct {
	config     Config
	descriptor *torrent.Descriptor
	peerID     [wire.PeerIDLen]byte

	mu          sync.Mutex
	connections map[string]*peer.Connection

	pexManager *pex.Manager // nil on private torrents
	natManager *nat.Manager

	services *fabric.ServiceManager
	peerSvc  *fabric.PeerService
	storage  *fabric.StorageService
	trackers *fabric.TrackerService

	sink Sink

	listener net.Listener
	cancel   context.CancelFunc
}

// --------------------------------------------------------------------------------------------- //

/*
New builds a session for one torrent.

Parameters:
  - config: Immutable session configuration.
  - descriptor: The external torrent descriptor.
  - announcer: External tracker client; nil disables announcing.
  - diskIO: External disk I/O manager; nil falls back to direct writes.
  - sink: Event receiver; nil discards events.

Returns:
  - *Session: The assembled session.
  - error: Non-nil when the descriptor carries no usable info hash.
*/
func New(config Config, descriptor *torrent.Descriptor, announcer fabric.Announcer, diskIO fabric.DiskIO, sink Sink) (*Session, error) {
	_, err := descriptor.Version()
	if err != nil {
		return nil, err
	}

	if sink == nil {
		sink = nopSink{}
	}

	peerID, err := GeneratePeerID()
	if err != nil {
		return nil, err
	}

	s := &Session{
		config:      config,
		descriptor:  descriptor,
		peerID:      peerID,
		connections: make(map[string]*peer.Connection),
		natManager:  nat.NewManager(config.NAT),
		services:    fabric.NewServiceManager(0),
		sink:        sink,
	}

	s.peerSvc = fabric.NewPeerService(config.MaxPeers, s.closeConnection)
	s.storage = fabric.NewStorageService(fabric.DefaultStorageConfig(), diskIO)
	s.trackers = fabric.NewTrackerService(fabric.DefaultMaxTrackers, fabric.DefaultAnnounceInterval, announcer)

	// PEX never exists for private torrents.
	if !descriptor.Private {
		s.pexManager = pex.NewManager(config.PEX, s)
	} else {
		log.Debugf("PEX disabled for private torrent %q", descriptor.Name)
	}

	for _, service := range []fabric.Service{s.peerSvc, s.storage, s.trackers} {
		if err := s.services.RegisterService(service); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// --------------------------------------------------------------------------------------------- //

/*
GeneratePeerID creates a 20-byte peer identifier with the client prefix
followed by random alphanumerics.

Returns:
  - [20]byte: The peer identifier.
  - error: Non-nil if random byte generation fails.
*/
func GeneratePeerID() ([wire.PeerIDLen]byte, error) {
	const prefix = "-TC0001-"

	var id [wire.PeerIDLen]byte
	copy(id[:], prefix)

	randomBytes := make([]byte, wire.PeerIDLen-len(prefix))

	_, err := crand.Read(randomBytes)
	if err != nil {
		return id, fmt.Errorf("generating random bytes error: %w", err)
	}

	chars := "0123456789abcdefghijklmnopqrstuvwxyz"
	for i, b := range randomBytes {
		id[len(prefix)+i] = chars[int(b)%len(chars)]
	}

	return id, nil
}

// PeerID returns the session's peer identifier.
func (s *Session) PeerID() [wire.PeerIDLen]byte {
	return s.peerID
}

// Services exposes the service-management surface to embedding code.
func (s *Session) Services() *fabric.ServiceManager {
	return s.services
}

// Storage exposes the storage service.
func (s *Session) Storage() *fabric.StorageService {
	return s.storage
}

// Trackers exposes the tracker service.
func (s *Session) Trackers() *fabric.TrackerService {
	return s.trackers
}

// NAT exposes the NAT manager.
func (s *Session) NAT() *nat.Manager {
	return s.natManager
}

// PEX exposes the PEX engine, nil on private torrents.
func (s *Session) PEX() *pex.Manager {
	return s.pexManager
}

// --------------------------------------------------------------------------------------------- //

/*
Start brings the session up: fabric services, tracker registration, NAT
discovery and port mapping, PEX gossip, and the inbound accept loop. NAT and
listener failures are non-fatal; the session runs without them.
*/
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, name := range []string{"peer_service", "storage_service", "tracker_service"} {
		if err := s.services.StartService(runCtx, name); err != nil {
			return err
		}
	}

	for _, url := range s.descriptor.AnnounceURLs {
		s.trackers.AddTracker(url)
	}

	s.natManager.Start(runCtx)

	if s.pexManager != nil {
		s.pexManager.Start(runCtx)
	}

	if s.config.AcceptInbound {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.ListenPort))
		if err != nil {
			log.Warnf("Could not open listen port %d: %v; inbound peers disabled", s.config.ListenPort, err)
		} else {
			s.listener = listener

			go s.acceptLoop(runCtx, listener)
		}
	}

	log.Infof("Session started for %q (peer id %q)", s.descriptor.Name, s.peerID[:8])

	return nil
}

/*
Stop tears the session down: PEX first so gossip quiets, then every peer
connection, the NAT mappings, and finally the service fabric. Per-component
failures are logged and tolerated.
*/
func (s *Session) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}

	if s.pexManager != nil {
		s.pexManager.Stop()
	}

	s.mu.Lock()
	conns := make([]*peer.Connection, 0, len(s.connections))

	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	s.natManager.Stop(ctx)
	s.services.Shutdown(ctx)

	log.Infof("Session stopped for %q", s.descriptor.Name)
}

// --------------------------------------------------------------------------------------------- //

/*
ConnectToPeers dials a batch of peers concurrently, bounded by the configured
fan-out. Each successful handshake registers the connection; each failure
disconnects only that peer.

Parameters:
  - addrs: Peer addresses in "ip:port" form.
*/
func (s *Session) ConnectToPeers(addrs []string) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.config.ConnectFanout)

	for _, addr := range addrs {
		wg.Add(1)
		sem <- struct{}{}

		go func(addr string) {
			defer func() {
				<-sem
				wg.Done()
			}()

			err := s.connectPeer(addr)
			if err != nil {
				log.Debugf("Peer %s: connect failed: %v", addr, err)
			}
		}(addr)
	}

	wg.Wait()

	log.Infof("Connected to %d peers", s.ActiveConnections())
}

func (s *Session) connectPeer(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", addr, err)
	}

	s.mu.Lock()

	if _, exists := s.connections[addr]; exists {
		s.mu.Unlock()
		return nil
	}

	conn := peer.NewConnection(addr, s)
	s.connections[addr] = conn
	s.mu.Unlock()

	var port uint16

	fmt.Sscanf(portStr, "%d", &port)

	if !s.peerSvc.ConnectPeer(host, port) {
		s.removeConnection(addr)
		return fmt.Errorf("peer service rejected %s", addr)
	}

	err = conn.Connect(peer.HandshakeSpec{
		SupportedVersions: s.descriptor.SupportedVersions(),
		InfoHashV1:        s.descriptor.HashV1Slice(),
		InfoHashV2:        s.descriptor.HashV2Slice(),
		PeerID:            s.peerID,
		Encryption:        s.config.Encryption,
	})
	if err != nil {
		s.peerSvc.RecordFailedConnection()
		s.removeConnection(addr)

		return err
	}

	go s.readLoop(conn)

	return nil
}

// acceptLoop handles inbound connections. The first byte distinguishes a
// plaintext handshake (0x13) from an MSE exchange.
func (s *Session) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		rawConn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Debugf("Accept loop stopped: %v", err)
			}

			return
		}

		go s.handleInbound(rawConn)
	}
}

func (s *Session) handleInbound(rawConn net.Conn) {
	addr := rawConn.RemoteAddr().String()

	reader := bufio.NewReader(rawConn)

	first, err := reader.Peek(1)
	if err != nil {
		rawConn.Close()
		return
	}

	var rw io.ReadWriter = struct {
		io.Reader
		io.Writer
	}{reader, rawConn}

	encrypted := false

	if first[0] != wire.ProtocolStringLen {
		skey := s.descriptor.HashV1Slice()
		if skey == nil {
			skey = s.descriptor.HashV2Slice()
		}

		rw, encrypted, err = peer.ReceiveMSE(rw, skey)
		if err != nil {
			log.Debugf("Peer %s: inbound MSE failed: %v", addr, err)
			rawConn.Close()

			return
		}
	}

	s.mu.Lock()
	conn := peer.NewConnection(addr, s)
	s.connections[addr] = conn
	s.mu.Unlock()

	host, portStr, _ := net.SplitHostPort(addr)

	var port uint16

	fmt.Sscanf(portStr, "%d", &port)

	if !s.peerSvc.ConnectPeer(host, port) {
		s.removeConnection(addr)
		rawConn.Close()

		return
	}

	err = conn.AdoptConn(rawConn, rw, encrypted, peer.HandshakeSpec{
		SupportedVersions: s.descriptor.SupportedVersions(),
		InfoHashV1:        s.descriptor.HashV1Slice(),
		InfoHashV2:        s.descriptor.HashV2Slice(),
		PeerID:            s.peerID,
	})
	if err != nil {
		s.peerSvc.RecordFailedConnection()
		s.removeConnection(addr)

		return
	}

	go s.readLoop(conn)
}

// readLoop drains one connection, dispatching messages in receipt order.
// Extension messages are routed to PEX; everything else feeds the connection
// state machine and the external sink.
func (s *Session) readLoop(conn *peer.Connection) {
	for {
		msg, err := conn.ReceiveMessage()
		if err != nil {
			conn.Close()
			return
		}

		if msg.ID == peer.MessageID(wire.MsgIDExtended) && len(msg.Payload) > 0 {
			s.handleExtensionMessage(conn, msg.Payload)
			continue
		}

		conn.HandleMessage(msg)
	}
}

// handleExtensionMessage dispatches BEP 10 traffic: id 0 is the extension
// handshake, anything the peer mapped to ut_pex is a PEX delta.
func (s *Session) handleExtensionMessage(conn *peer.Connection, payload []byte) {
	extID := payload[0]
	body := payload[1:]

	if extID == 0 {
		extensions, err := wire.DecodeExtensionHandshake(body)
		if err != nil {
			log.Debugf("Peer %s: bad extension handshake: %v", conn.Addr, err)
			return
		}

		s.OnExtensionHandshake(conn.Addr, extensions)

		return
	}

	if s.pexManager == nil || len(body) < 1 {
		return
	}

	// ut_pex payload: discriminator byte then compact records.
	s.pexManager.HandlePexPayload(body[1:], body[0] == wire.PexAdded)
}

// --------------------------------------------------------------------------------------------- //

// closeConnection is the peer service's disconnector: it closes the socket
// behind an evicted peer key.
func (s *Session) closeConnection(peerKey string) {
	s.mu.Lock()
	conn := s.connections[peerKey]
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (s *Session) removeConnection(peerKey string) {
	s.mu.Lock()
	delete(s.connections, peerKey)
	s.mu.Unlock()
}

// ActiveConnections counts connections that are not disconnected.
func (s *Session) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0

	for _, conn := range s.connections {
		if conn.State() != peer.Disconnected {
			active++
		}
	}

	return active
}

// Connection returns the live connection for a peer key, or nil.
func (s *Session) Connection(peerKey string) *peer.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connections[peerKey]
}

// --------------------------------------------------------------------------------------------- //

// SendPex implements pex.Bus: it frames a ut_pex payload as an extension
// message and writes it to the peer. Returns false when the peer is gone or
// the write failed.
func (s *Session) SendPex(peerKey string, payload []byte, added bool) bool {
	conn := s.Connection(peerKey)
	if conn == nil || conn.State() != peer.Active {
		return false
	}

	if len(payload) < 1 {
		return false
	}

	// The payload already leads with the peer's ut_pex id.
	err := conn.SendRaw(wire.EncodeExtensionMessage(payload[0], payload[1:]))
	if err != nil {
		log.Debugf("Peer %s: PEX send failed: %v", peerKey, err)
		return false
	}

	return true
}

// ConnectedPeers implements pex.Bus with a snapshot of active peers.
func (s *Session) ConnectedPeers() []pex.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pex.Addr

	for key, conn := range s.connections {
		if conn.State() != peer.Active {
			continue
		}

		host, portStr, err := net.SplitHostPort(key)
		if err != nil {
			continue
		}

		var port uint16

		fmt.Sscanf(portStr, "%d", &port)
		out = append(out, pex.Addr{IP: host, Port: port})
	}

	return out
}

// --------------------------------------------------------------------------------------------- //

// OnPeerConnected implements peer.EventSink.
func (s *Session) OnPeerConnected(peerKey string, version wire.Version) {
	s.sink.PeerConnected(peerKey, version)
}

// OnPeerDisconnected implements peer.EventSink: the connection is removed
// from the table so no dangling references remain.
func (s *Session) OnPeerDisconnected(peerKey string, reason error) {
	s.removeConnection(peerKey)
	s.peerSvc.DisconnectPeer(peerKey)

	if s.pexManager != nil {
		s.pexManager.RemoveSession(peerKey)
	}

	s.sink.PeerDisconnected(peerKey)
}

// OnBitfieldReceived implements peer.EventSink.
func (s *Session) OnBitfieldReceived(peerKey string, bitfield []byte) {
	s.peerSvc.UpdatePeerActivity(peerKey, 0, uint64(len(bitfield)), 0, 0)
	s.sink.BitfieldReceived(peerKey, bitfield)
}

// OnPieceReceived implements peer.EventSink.
func (s *Session) OnPieceReceived(peerKey string, index, offset uint32, block []byte) {
	s.peerSvc.UpdatePeerActivity(peerKey, 0, uint64(len(block)), 1, 0)
	s.sink.PieceReceived(peerKey, index, offset, block)
}

// OnExtensionHandshake implements peer.EventSink: a peer advertising ut_pex
// gets a PEX session for as long as it stays connected.
func (s *Session) OnExtensionHandshake(peerKey string, extensions map[string]int64) {
	if s.pexManager == nil {
		return
	}

	utPexID := byte(0)
	if id, ok := extensions[wire.UtPexName]; ok && id > 0 && id < 256 {
		utPexID = byte(id)
	}

	s.pexManager.RegisterSession(peerKey, utPexID)
}

// --------------------------------------------------------------------------------------------- //

/*
Announce contacts every healthy tracker with the session's current state.
The reported port is the NAT-mapped external port when one exists, so peers
behind the swarm can actually reach us.

Returns the merged peer addresses discovered.
*/
func (s *Session) Announce(ctx context.Context, uploaded, downloaded, left uint64, event string) []string {
	port := s.config.ListenPort

	if external := s.natManager.ExternalPort(port, "tcp"); external != 0 {
		port = external
	}

	infoHash := s.descriptor.HashV1Slice()
	if infoHash == nil {
		infoHash = s.descriptor.HashV2Slice()
	}

	peers := s.trackers.Announce(ctx, fabric.AnnounceRequest{
		InfoHash:   infoHash,
		PeerID:     append([]byte(nil), s.peerID[:]...),
		Port:       port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
	})

	if s.pexManager != nil {
		for _, addr := range peers {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				continue
			}

			var p uint16

			fmt.Sscanf(portStr, "%d", &p)
			s.pexManager.AddKnownPeer(pex.Addr{IP: host, Port: p}, "tracker")
		}
	}

	return peers
}

// --------------------------------------------------------------------------------------------- //

/*
UpgradePeers attempts a v1-to-v2 upgrade on every active v1 connection when
the torrent has a v2 hash. Peers that advertise extension support are asked
over the extension protocol; the rest get a direct v2 handshake.

Returns the number of connections now speaking v2.
*/
func (s *Session) UpgradePeers() int {
	if !s.descriptor.HasV2 {
		return 0
	}

	s.mu.Lock()
	conns := make([]*peer.Connection, 0, len(s.connections))

	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	upgraded := 0

	for _, conn := range conns {
		if conn.State() != peer.Active || conn.Version() != wire.V1 {
			continue
		}

		if conn.UpgradeToV2(s.descriptor.HashV2Slice(), s.peerID) {
			upgraded++
		}
	}

	return upgraded
}

// --------------------------------------------------------------------------------------------- //

// WaitForMappings delegates to the NAT manager's mapping wait.
func (s *Session) WaitForMappings(ctx context.Context, timeout time.Duration) bool {
	return s.natManager.WaitForMapping(ctx, timeout)
}

// --------------------------------------------------------------------------------------------- //
