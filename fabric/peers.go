package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// Peer service defaults.
const (
	DefaultMaxPeers        = 200
	peerMonitorInterval    = 30 * time.Second
	peerInactivityCutoff   = 300 * time.Second
	peerServiceVersion     = "1.0.0"
	peerServiceDescription = "Peer connection management service"
)

// PeerConn is the peer service's bookkeeping record for one connection.
type PeerConn struct {
	IP   string
	Port uint16

	ConnectedAt       time.Time
	LastActivity      time.Time
	BytesSent         uint64
	BytesReceived     uint64
	PiecesDownloaded  uint64
	PiecesUploaded    uint64
	ConnectionQuality float64
}

// Key returns the "ip:port" map key.
func (p *PeerConn) Key() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// Disconnector is called when the service evicts a peer, so the owner can
// close the underlying socket.
type Disconnector func(peerKey string)

// PeerService tracks active peer connections for the supervisor: connection
// limits, idle sweeping, and aggregate transfer statistics.
type PeerService struct {
	BaseService

	maxPeers     int
	disconnector Disconnector

	mu                sync.Mutex
	peers             map[string]*PeerConn
	totalConnections  uint64
	failedConnections uint64

	totalBytesSent        uint64
	totalBytesReceived    uint64
	totalPiecesDownloaded uint64
	totalPiecesUploaded   uint64

	cancelMonitor context.CancelFunc
	monitorDone   chan struct{}
}

// NewPeerService builds a peer service. maxPeers 0 selects the default of
// 200. The disconnector may be nil.
func NewPeerService(maxPeers int, disconnector Disconnector) *PeerService {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}

	return &PeerService{
		BaseService:  NewBaseService("peer_service", peerServiceVersion, peerServiceDescription),
		maxPeers:     maxPeers,
		disconnector: disconnector,
		peers:        make(map[string]*PeerConn),
	}
}

// Start launches the idle-peer monitor.
func (s *PeerService) Start(ctx context.Context) error {
	log.Info("Starting peer service")

	monitorCtx, cancel := context.WithCancel(ctx)
	s.cancelMonitor = cancel
	s.monitorDone = make(chan struct{})

	go s.monitorPeers(monitorCtx)

	return nil
}

// Stop cancels the monitor and disconnects every peer.
func (s *PeerService) Stop(ctx context.Context) error {
	log.Info("Stopping peer service")

	if s.cancelMonitor != nil {
		s.cancelMonitor()
		<-s.monitorDone
		s.cancelMonitor = nil
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.peers))

	for key := range s.peers {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.DisconnectPeer(key)
	}

	return nil
}

// HealthCheck scores the service on connection pressure and failure rate.
func (s *PeerService) HealthCheck(ctx context.Context) HealthCheck {
	start := time.Now()

	s.mu.Lock()
	active := len(s.peers)
	failed := s.failedConnections
	total := s.totalConnections
	s.mu.Unlock()

	healthy := active <= s.maxPeers && float64(failed) < float64(s.maxPeers)*0.5

	connectionRatio := float64(active) / float64(s.maxPeers)
	failureRatio := 0.0

	if total > 0 {
		failureRatio = float64(failed) / float64(total)
	}

	score := clampScore(1.0 - connectionRatio - failureRatio)

	return HealthCheck{
		ServiceName:  s.Name(),
		Healthy:      healthy,
		Score:        score,
		Message:      fmt.Sprintf("Active: %d, Failed: %d", active, failed),
		Timestamp:    time.Now(),
		ResponseTime: time.Since(start),
	}
}

// monitorPeers sweeps every 30 seconds, disconnecting peers idle for more
// than 5 minutes.
func (s *PeerService) monitorPeers(ctx context.Context) {
	defer close(s.monitorDone)

	ticker := time.NewTicker(peerMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-peerInactivityCutoff)

			s.mu.Lock()
			var idle []string

			for key, peer := range s.peers {
				if peer.LastActivity.Before(cutoff) {
					idle = append(idle, key)
				}
			}
			s.mu.Unlock()

			for _, key := range idle {
				log.Infof("Disconnecting idle peer %s", key)
				s.DisconnectPeer(key)
			}

			log.Debugf("Peer monitoring: %d active peers", s.ActiveConnections())

		case <-ctx.Done():
			log.Debug("Peer monitoring task cancelled")
			return
		}
	}
}

// ConnectPeer registers a connection. A duplicate peer returns true without
// side effects. Hitting the connection limit returns false, and is not
// counted as a failure.
func (s *PeerService) ConnectPeer(ip string, port uint16) bool {
	key := fmt.Sprintf("%s:%d", ip, port)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[key]; exists {
		log.Warnf("Already connected to peer %s", key)
		return true
	}

	if len(s.peers) >= s.maxPeers {
		log.Warnf("Connection limit reached: %d", s.maxPeers)
		return false
	}

	now := time.Now()
	s.peers[key] = &PeerConn{
		IP:                ip,
		Port:              port,
		ConnectedAt:       now,
		LastActivity:      now,
		ConnectionQuality: 1.0,
	}

	s.totalConnections++
	peersActive.Set(float64(len(s.peers)))

	log.Infof("Connected to peer %s", key)

	return true
}

// RecordFailedConnection counts a connection attempt that never registered.
func (s *PeerService) RecordFailedConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failedConnections++
}

// DisconnectPeer removes a peer, folds its counters into the totals, and
// notifies the disconnector.
func (s *PeerService) DisconnectPeer(peerKey string) {
	s.mu.Lock()

	peer, exists := s.peers[peerKey]
	if !exists {
		s.mu.Unlock()
		return
	}

	s.totalBytesSent += peer.BytesSent
	s.totalBytesReceived += peer.BytesReceived
	s.totalPiecesDownloaded += peer.PiecesDownloaded
	s.totalPiecesUploaded += peer.PiecesUploaded

	delete(s.peers, peerKey)
	peersActive.Set(float64(len(s.peers)))
	s.mu.Unlock()

	if s.disconnector != nil {
		s.disconnector(peerKey)
	}

	log.Infof("Disconnected peer %s", peerKey)
}

// UpdatePeerActivity folds transfer deltas into a peer's record and stamps
// its activity time.
func (s *PeerService) UpdatePeerActivity(peerKey string, bytesSent, bytesReceived, piecesDownloaded, piecesUploaded uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, exists := s.peers[peerKey]
	if !exists {
		return
	}

	peer.LastActivity = time.Now()
	peer.BytesSent += bytesSent
	peer.BytesReceived += bytesReceived
	peer.PiecesDownloaded += piecesDownloaded
	peer.PiecesUploaded += piecesUploaded

	peerBytes.WithLabelValues("sent").Add(float64(bytesSent))
	peerBytes.WithLabelValues("received").Add(float64(bytesReceived))
}

// GetPeer returns a copy of one peer's record.
func (s *PeerService) GetPeer(peerKey string) (PeerConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, exists := s.peers[peerKey]
	if !exists {
		return PeerConn{}, false
	}

	return *peer, true
}

// ListPeers snapshots every tracked peer.
func (s *PeerService) ListPeers() []PeerConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerConn, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, *peer)
	}

	return out
}

// BestPeers returns up to limit peers ranked by quality, transfer volume and
// recency.
func (s *PeerService) BestPeers(limit int) []PeerConn {
	peers := s.ListPeers()

	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && betterPeer(&peers[j], &peers[j-1]); j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}

	if limit > 0 && len(peers) > limit {
		peers = peers[:limit]
	}

	return peers
}

func betterPeer(a, b *PeerConn) bool {
	if a.ConnectionQuality != b.ConnectionQuality {
		return a.ConnectionQuality > b.ConnectionQuality
	}

	aVolume := a.PiecesDownloaded + a.PiecesUploaded
	bVolume := b.PiecesDownloaded + b.PiecesUploaded

	if aVolume != bVolume {
		return aVolume > bVolume
	}

	return a.LastActivity.After(b.LastActivity)
}

// ActiveConnections returns the number of currently tracked peers.
func (s *PeerService) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.peers)
}

// PeerStats is the aggregate telemetry of the peer service.
type PeerStats struct {
	ActivePeers           int
	MaxPeers              int
	TotalConnections      uint64
	FailedConnections     uint64
	TotalBytesSent        uint64
	TotalBytesReceived    uint64
	TotalPiecesDownloaded uint64
	TotalPiecesUploaded   uint64
	ConnectionSuccessRate float64
}

// Stats snapshots the aggregate counters. Live peers' in-flight counters are
// included alongside the folded totals.
func (s *PeerService) Stats() PeerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := PeerStats{
		ActivePeers:           len(s.peers),
		MaxPeers:              s.maxPeers,
		TotalConnections:      s.totalConnections,
		FailedConnections:     s.failedConnections,
		TotalBytesSent:        s.totalBytesSent,
		TotalBytesReceived:    s.totalBytesReceived,
		TotalPiecesDownloaded: s.totalPiecesDownloaded,
		TotalPiecesUploaded:   s.totalPiecesUploaded,
	}

	for _, peer := range s.peers {
		stats.TotalBytesSent += peer.BytesSent
		stats.TotalBytesReceived += peer.BytesReceived
		stats.TotalPiecesDownloaded += peer.PiecesDownloaded
		stats.TotalPiecesUploaded += peer.PiecesUploaded
	}

	total := stats.TotalConnections
	if total == 0 {
		total = 1
	}

	stats.ConnectionSuccessRate = float64(stats.TotalConnections-stats.FailedConnections) / float64(total)

	log.Debugf("Peer stats: %d active, %s sent, %s received",
		stats.ActivePeers, humanize.IBytes(stats.TotalBytesSent), humanize.IBytes(stats.TotalBytesReceived))

	return stats
}
