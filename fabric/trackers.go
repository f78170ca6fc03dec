package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"TorrentCore/wire"
)

// Tracker service defaults.
const (
	DefaultMaxTrackers        = 10
	DefaultAnnounceInterval   = 1800 * time.Second
	trackerMonitorInterval    = 60 * time.Second
	trackerMaxFailureCount    = 5
	trackerServiceVersion     = "1.0.0"
	trackerServiceDescription = "Tracker communication service"
)

// TrackerConn is the per-tracker bookkeeping record.
type TrackerConn struct {
	URL          string
	LastAnnounce time.Time
	LastSuccess  time.Time
	FailureCount int
	ResponseTime time.Duration
	IsHealthy    bool
}

// AnnounceRequest carries the announce parameters handed to the external
// tracker clients.
type AnnounceRequest struct {
	InfoHash   []byte
	PeerID     []byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      string
}

// Announcer is the external tracker client: the service only schedules and
// scores announces, the wire protocols live elsewhere.
type Announcer interface {
	// Announce contacts one tracker and returns discovered peers as
	// "ip:port" addresses.
	Announce(ctx context.Context, trackerURL string, req AnnounceRequest) ([]string, error)
}

// TrackerService announces to every healthy tracker among up to ten
// registered trackers and maintains per-tracker health.
type TrackerService struct {
	BaseService

	maxTrackers      int
	announceInterval time.Duration
	announcer        Announcer

	mu                  sync.Mutex
	trackers            map[string]*TrackerConn
	totalAnnounces      uint64
	successfulAnnounces uint64
	failedAnnounces     uint64
	totalPeersFound     uint64

	cancelMonitor context.CancelFunc
	monitorDone   chan struct{}
}

// NewTrackerService builds a tracker service around an external announcer.
func NewTrackerService(maxTrackers int, announceInterval time.Duration, announcer Announcer) *TrackerService {
	if maxTrackers <= 0 {
		maxTrackers = DefaultMaxTrackers
	}

	if announceInterval <= 0 {
		announceInterval = DefaultAnnounceInterval
	}

	return &TrackerService{
		BaseService:      NewBaseService("tracker_service", trackerServiceVersion, trackerServiceDescription),
		maxTrackers:      maxTrackers,
		announceInterval: announceInterval,
		announcer:        announcer,
		trackers:         make(map[string]*TrackerConn),
	}
}

// Start launches the tracker health monitor.
func (s *TrackerService) Start(ctx context.Context) error {
	log.Info("Starting tracker service")

	monitorCtx, cancel := context.WithCancel(ctx)
	s.cancelMonitor = cancel
	s.monitorDone = make(chan struct{})

	go s.monitorTrackers(monitorCtx)

	return nil
}

// Stop cancels the monitor and clears the tracker table.
func (s *TrackerService) Stop(ctx context.Context) error {
	log.Info("Stopping tracker service")

	if s.cancelMonitor != nil {
		s.cancelMonitor()
		<-s.monitorDone
		s.cancelMonitor = nil
	}

	s.mu.Lock()
	s.trackers = make(map[string]*TrackerConn)
	s.mu.Unlock()

	return nil
}

// HealthCheck scores the service on the healthy-tracker ratio.
func (s *TrackerService) HealthCheck(ctx context.Context) HealthCheck {
	start := time.Now()

	s.mu.Lock()
	total := len(s.trackers)
	healthyCount := 0

	for _, t := range s.trackers {
		if t.IsHealthy {
			healthyCount++
		}
	}

	successful := s.successfulAnnounces
	announces := s.totalAnnounces
	failed := s.failedAnnounces
	s.mu.Unlock()

	healthy := total > 0 && healthyCount > 0 && float64(failed) < float64(announces)*0.5

	score := 0.0
	if total > 0 {
		score = float64(healthyCount) / float64(total)
	}

	return HealthCheck{
		ServiceName:  s.Name(),
		Healthy:      healthy,
		Score:        clampScore(score),
		Message:      fmt.Sprintf("Trackers: %d/%d, Success rate: %d/%d", healthyCount, total, successful, announces),
		Timestamp:    time.Now(),
		ResponseTime: time.Since(start),
	}
}

// monitorTrackers marks trackers unhealthy every minute when their last
// success is older than twice the announce interval.
func (s *TrackerService) monitorTrackers(ctx context.Context) {
	defer close(s.monitorDone)

	ticker := time.NewTicker(trackerMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * s.announceInterval)

			s.mu.Lock()

			for url, tracker := range s.trackers {
				if tracker.IsHealthy && tracker.LastSuccess.Before(cutoff) {
					tracker.IsHealthy = false
					log.Warnf("Tracker marked as unhealthy: %s", url)
				}
			}

			count := len(s.trackers)
			s.mu.Unlock()

			log.Debugf("Tracker monitoring: %d trackers", count)

		case <-ctx.Done():
			return
		}
	}
}

// AddTracker registers a tracker URL. Duplicates return true; exceeding the
// limit or an unrecognized scheme returns false.
func (s *TrackerService) AddTracker(url string) bool {
	if !wire.IsHTTPTracker(url) && !wire.IsUDPTracker(url) {
		log.Warnf("Rejecting tracker with unsupported scheme: %s", url)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trackers[url]; exists {
		log.Warnf("Tracker already exists: %s", url)
		return true
	}

	if len(s.trackers) >= s.maxTrackers {
		log.Warnf("Tracker limit reached: %d", s.maxTrackers)
		return false
	}

	s.trackers[url] = &TrackerConn{URL: url, IsHealthy: true}
	log.Infof("Added tracker: %s", url)

	return true
}

// RemoveTracker drops a tracker.
func (s *TrackerService) RemoveTracker(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trackers[url]; exists {
		delete(s.trackers, url)
		log.Infof("Removed tracker: %s", url)
	}
}

// Announce contacts every healthy tracker. A success resets that tracker's
// failure count and re-marks it healthy; a failure increments the count and
// marks it unhealthy at five. Discovered peers from all trackers are merged.
func (s *TrackerService) Announce(ctx context.Context, req AnnounceRequest) []string {
	if s.announcer == nil {
		log.Warn("No announcer configured, skipping announce")
		return nil
	}

	s.mu.Lock()

	targets := make([]*TrackerConn, 0, len(s.trackers))
	for _, tracker := range s.trackers {
		if tracker.IsHealthy {
			targets = append(targets, tracker)
		}
	}

	s.mu.Unlock()

	var allPeers []string

	for _, tracker := range targets {
		start := time.Now()

		peers, err := s.announcer.Announce(ctx, tracker.URL, req)

		s.mu.Lock()
		tracker.LastAnnounce = time.Now()
		tracker.ResponseTime = time.Since(start)
		s.totalAnnounces++

		if err != nil {
			tracker.FailureCount++
			s.failedAnnounces++

			if tracker.FailureCount >= trackerMaxFailureCount {
				tracker.IsHealthy = false
			}

			s.mu.Unlock()

			trackerAnnounces.WithLabelValues("failure").Inc()
			log.Warnf("Failed to announce to tracker %s: %v", tracker.URL, err)

			continue
		}

		tracker.LastSuccess = time.Now()
		tracker.FailureCount = 0
		tracker.IsHealthy = true
		s.successfulAnnounces++
		s.totalPeersFound += uint64(len(peers))
		s.mu.Unlock()

		trackerAnnounces.WithLabelValues("success").Inc()
		log.Debugf("Announced to tracker %s: %d peers", tracker.URL, len(peers))

		allPeers = append(allPeers, peers...)
	}

	return allPeers
}

// HealthyTrackers returns the URLs currently marked healthy.
func (s *TrackerService) HealthyTrackers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string

	for url, tracker := range s.trackers {
		if tracker.IsHealthy {
			out = append(out, url)
		}
	}

	return out
}

// TrackerInfo returns a copy of one tracker's record.
func (s *TrackerService) TrackerInfo(url string) (TrackerConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker, exists := s.trackers[url]
	if !exists {
		return TrackerConn{}, false
	}

	return *tracker, true
}

// TrackerStats is the aggregate telemetry of the tracker service.
type TrackerStats struct {
	TotalTrackers       int
	HealthyTrackers     int
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersFound     uint64
	SuccessRate         float64
}

// Stats snapshots the aggregate counters.
func (s *TrackerService) Stats() TrackerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	healthy := 0

	for _, tracker := range s.trackers {
		if tracker.IsHealthy {
			healthy++
		}
	}

	total := s.totalAnnounces
	if total == 0 {
		total = 1
	}

	return TrackerStats{
		TotalTrackers:       len(s.trackers),
		HealthyTrackers:     healthy,
		TotalAnnounces:      s.totalAnnounces,
		SuccessfulAnnounces: s.successfulAnnounces,
		FailedAnnounces:     s.failedAnnounces,
		TotalPeersFound:     s.totalPeersFound,
		SuccessRate:         float64(s.successfulAnnounces) / float64(total),
	}
}
