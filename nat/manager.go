package nat

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config is read once at manager construction; the manager never reconfigures
// at runtime.
type Config struct {
	EnableNATPMP bool
	EnableUPnP   bool
	AutoMapPorts bool

	// Ports to expose. Zero values disable the corresponding mapping.
	ListenPortTCP    uint16
	ListenPortUDP    uint16
	TrackerUDPPort   uint16
	DHTPort          uint16
	XETPort          uint16
	XETMulticastPort uint16

	MapTCPPort          bool
	MapUDPPort          bool
	MapDHTPort          bool
	MapXETPort          bool
	MapXETMulticastPort bool
	XETEnabled          bool
	XETMulticastEnabled bool

	// LeaseTime is the requested mapping lifetime in seconds.
	LeaseTime uint32

	// RediscoveryInterval re-runs discovery when no protocol is active.
	// Zero disables the loop.
	RediscoveryInterval time.Duration

	// Description labels UPnP mappings created by this client.
	Description string
}

// DefaultConfig returns the stock NAT configuration.
func DefaultConfig() Config {
	return Config{
		EnableNATPMP:  true,
		EnableUPnP:    true,
		AutoMapPorts:  true,
		ListenPortTCP: 6881,
		ListenPortUDP: 6881,
		MapTCPPort:    true,
		MapUDPPort:    true,
		MapDHTPort:    true,
		LeaseTime:     3600,
		Description:   "TorrentCore",
	}
}

const (
	discoveryAttempts  = 2
	mapPortAttempts    = 3
	waitPollInterval   = 200 * time.Millisecond
	defaultWaitTimeout = 60 * time.Second
)

var (
	discoveryBackoffs = []time.Duration{2 * time.Second, 4 * time.Second}
	mapPortBackoffs   = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
)

// PortOutcome is the structured per-port result of MapListenPorts.
type PortOutcome struct {
	Role     string
	Protocol string
	Port     uint16
	OK       bool
}

// Manager is the unified NAT traversal facade. It prefers NAT-PMP, falls back
// to UPnP, and keeps every granted mapping renewed in the table.
type Manager struct {
	config Config

	mu             sync.Mutex
	natpmp         *NATPMPClient
	upnp           *UPnPClient
	activeProtocol string // "natpmp" or "upnp", empty when none
	externalIP     net.IP
	attempted      bool

	table *MappingTable

	cancelRediscovery context.CancelFunc
}

// NewManager builds a NAT manager from an immutable config snapshot.
func NewManager(config Config) *Manager {
	m := &Manager{config: config}
	m.table = NewMappingTable(m.renewMapping)

	return m
}

// Discover selects the active traversal protocol: NAT-PMP first, then UPnP,
// the first to produce a valid external IP wins. Two attempts, 2s apart.
// After a failed run, discovery is not silently re-attempted unless
// force is true or the periodic re-discovery loop fires.
func (m *Manager) Discover(ctx context.Context, force bool) bool {
	m.mu.Lock()
	if m.attempted && !force && m.activeProtocol == "" {
		m.mu.Unlock()
		log.Debug("NAT discovery already attempted and failed, skipping")

		return false
	}

	m.attempted = true
	m.mu.Unlock()

	if !m.config.EnableNATPMP && !m.config.EnableUPnP {
		log.Debug("NAT traversal disabled by configuration")
		return false
	}

	for attempt := 1; attempt <= discoveryAttempts; attempt++ {
		if attempt > 1 {
			delay := discoveryBackoffs[attempt-2]
			log.Infof("NAT discovery attempt %d/%d (retrying after %s)", attempt, discoveryAttempts, delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
		}

		if m.config.EnableNATPMP {
			client := NewNATPMPClient(nil)

			ip, err := client.ExternalIP(ctx)
			if err == nil {
				m.mu.Lock()
				m.natpmp = client
				m.activeProtocol = "natpmp"
				m.externalIP = ip
				m.attempted = false
				m.mu.Unlock()

				log.Infof("NAT-PMP active, external IP %s (attempt %d/%d)", ip, attempt, discoveryAttempts)

				return true
			}

			client.Close()
			log.Debugf("NAT-PMP discovery failed (attempt %d/%d): %v", attempt, discoveryAttempts, err)
		}

		if m.config.EnableUPnP {
			client := NewUPnPClient("", m.config.Description)

			ok, err := client.Discover(ctx)
			if err == nil && ok {
				ip, ipErr := client.ExternalIP(ctx)
				if ipErr == nil {
					m.mu.Lock()
					m.upnp = client
					m.activeProtocol = "upnp"
					m.externalIP = ip
					m.attempted = false
					m.mu.Unlock()

					log.Infof("UPnP active, external IP %s (attempt %d/%d)", ip, attempt, discoveryAttempts)

					return true
				}

				err = ipErr
			}

			if err != nil {
				log.Debugf("UPnP discovery failed (attempt %d/%d): %v", attempt, discoveryAttempts, err)
			} else {
				log.Debugf("UPnP discovery found no device (attempt %d/%d)", attempt, discoveryAttempts)
			}
		}
	}

	log.Infof("No NAT traversal protocol available after %d attempts; continuing without port mappings", discoveryAttempts)

	return false
}

// Start discovers a protocol, clears stale UPnP mappings from previous runs,
// maps the configured ports, and launches the periodic re-discovery loop.
// All failures are non-fatal.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.AutoMapPorts {
		return
	}

	m.mu.Lock()
	if m.upnp != nil {
		m.upnp.ClearCache()
	}
	m.attempted = false
	m.mu.Unlock()

	m.Discover(ctx, false)

	m.mu.Lock()
	upnp := m.upnp
	active := m.activeProtocol
	m.mu.Unlock()

	if active == "upnp" && upnp != nil {
		upnp.ClearAllMappings(ctx)
	}

	m.MapListenPorts(ctx)

	if m.config.RediscoveryInterval > 0 {
		rediscoveryCtx, cancel := context.WithCancel(ctx)
		m.cancelRediscovery = cancel

		go m.rediscoveryLoop(rediscoveryCtx)
	}
}

func (m *Manager) rediscoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.RediscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			active := m.activeProtocol
			m.mu.Unlock()

			if active == "" {
				m.Discover(ctx, true)
			}

		case <-ctx.Done():
			return
		}
	}
}

// isAuthError classifies non-retryable authorization failures (UPnP 606,
// permission denied); those get exactly one extra attempt.
func isAuthError(err error) bool {
	upnpErr, ok := err.(*UPnPError)
	if ok && upnpErr.Code == 606 {
		return true
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not authorized")
}

// MapPort maps one port via the active protocol with up to 3 attempts for
// transient errors, waiting 5s before the second and 10s before the third. Returns nil when mapping failed.
func (m *Manager) MapPort(ctx context.Context, internalPort, externalPort uint16, protocol string) *PortMapping {
	m.mu.Lock()
	active := m.activeProtocol
	attempted := m.attempted
	m.mu.Unlock()

	if active == "" {
		if attempted {
			log.Debugf("Cannot map port %s:%d: no active protocol (discovery already attempted)", protocol, internalPort)
			return nil
		}

		if !m.Discover(ctx, false) {
			log.Warnf("Cannot map port %s:%d: no active protocol (discovery failed)", protocol, internalPort)
			return nil
		}

		m.mu.Lock()
		active = m.activeProtocol
		m.mu.Unlock()
	}

	if externalPort == 0 {
		externalPort = internalPort
	}

	authFailed := false

	for attempt := 1; attempt <= mapPortAttempts; attempt++ {
		if attempt > 1 {
			delay := mapPortBackoffs[attempt-2]
			log.Infof("Port mapping retry %d/%d for %s:%d (after %s)",
				attempt, mapPortAttempts, strings.ToUpper(protocol), internalPort, delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
		}

		var mapping *PortMapping
		var err error

		switch active {
		case "natpmp":
			m.mu.Lock()
			client := m.natpmp
			m.mu.Unlock()

			if client == nil {
				log.Warn("NAT-PMP client not available for port mapping")
				return nil
			}

			var granted *Mapping

			granted, err = client.AddPortMapping(ctx, internalPort, externalPort, m.config.LeaseTime, protocol)
			if err == nil {
				// NAT-PMP reports the granted lifetime; it is authoritative.
				mapping = m.table.Add(ctx, granted.InternalPort, granted.ExternalPort, granted.Protocol, "natpmp", granted.Lifetime)
			}

		case "upnp":
			m.mu.Lock()
			client := m.upnp
			m.mu.Unlock()

			if client == nil {
				log.Warn("UPnP client not available for port mapping")
				return nil
			}

			err = client.AddPortMapping(ctx, internalPort, externalPort, protocol, m.config.LeaseTime)
			if err == nil {
				// UPnP routers may silently shorten the lease; the configured
				// lease time stays authoritative for renewal scheduling.
				mapping = m.table.Add(ctx, internalPort, externalPort, protocol, "upnp", m.config.LeaseTime)
			}

		default:
			log.Warnf("Unknown NAT protocol %q", active)
			return nil
		}

		if err == nil {
			return mapping
		}

		if isAuthError(err) {
			if authFailed {
				m.logMappingFailure(internalPort, protocol, err)
				return nil
			}

			// One extra attempt in case the denial was transient.
			authFailed = true
			log.Warnf("Port mapping for %s:%d denied (%v); retrying once", protocol, internalPort, err)

			continue
		}

		if attempt == mapPortAttempts {
			m.logMappingFailure(internalPort, protocol, err)
			return nil
		}

		log.Warnf("Port mapping attempt %d/%d for %s:%d failed: %v", attempt, mapPortAttempts, protocol, internalPort, err)
	}

	return nil
}

// logMappingFailure emits the user-facing failure line, including the
// remediation hint for well-known router failure modes.
func (m *Manager) logMappingFailure(internalPort uint16, protocol string, err error) {
	hint := "consider manually forwarding this port in your router settings"

	upnpErr, ok := err.(*UPnPError)
	if ok {
		if h := ErrorHint(upnpErr.Code); h != "" {
			hint = h + "; configure manual port forwarding for this port"
		}
	}

	log.Errorf("Failed to map port %d (%s) via %s: %v - %s",
		internalPort, strings.ToUpper(protocol), m.ActiveProtocol(), err, hint)
}

// listenPortRoles expands the configuration into the concrete set of
// (role, protocol, port) mappings a running session needs.
func (m *Manager) listenPortRoles() []PortOutcome {
	var roles []PortOutcome

	add := func(role, protocol string, port uint16) {
		roles = append(roles, PortOutcome{Role: role, Protocol: protocol, Port: port})
	}

	tcpPort := m.config.ListenPortTCP
	udpPort := m.config.ListenPortUDP

	if m.config.MapTCPPort && tcpPort > 0 {
		add("listen", "tcp", tcpPort)
	}

	if m.config.MapUDPPort && udpPort > 0 {
		add("listen", "udp", udpPort)
	}

	tracker := m.config.TrackerUDPPort
	if tracker > 0 && tracker != tcpPort && tracker != udpPort {
		if m.config.MapUDPPort {
			add("tracker", "udp", tracker)
		}

		if m.config.MapTCPPort {
			add("tracker", "tcp", tracker)
		}
	}

	if m.config.MapDHTPort && m.config.DHTPort > 0 {
		add("dht", "udp", m.config.DHTPort)
	}

	if m.config.MapXETPort && m.config.XETEnabled && m.config.XETPort > 0 {
		xet := m.config.XETPort
		if xet != tcpPort && xet != udpPort && xet != tracker && xet != m.config.DHTPort {
			add("xet", "udp", xet)
		}
	}

	if m.config.MapXETMulticastPort && m.config.XETMulticastEnabled && m.config.XETMulticastPort > 0 {
		mc := m.config.XETMulticastPort
		if mc != tcpPort && mc != udpPort && mc != tracker && mc != m.config.DHTPort && mc != m.config.XETPort {
			add("xet-multicast", "udp", mc)
		}
	}

	return roles
}

// MapListenPorts maps every configured port and verifies each mapping landed
// in the table with the expected internal port. Failures do not abort the
// remaining ports; the structured outcomes are returned and summarized.
func (m *Manager) MapListenPorts(ctx context.Context) []PortOutcome {
	outcomes := m.listenPortRoles()

	for i := range outcomes {
		o := &outcomes[i]

		if o.Port == 0 || o.Port > 65535 {
			log.Errorf("Invalid configured %s port %d, skipping", o.Role, o.Port)
			continue
		}

		result := m.MapPort(ctx, o.Port, o.Port, o.Protocol)
		if result == nil {
			log.Warnf("Failed to map %s %s port %d; incoming connections on it may fail",
				o.Role, strings.ToUpper(o.Protocol), o.Port)

			continue
		}

		recorded := m.table.Get(o.Protocol, result.ExternalPort)
		if recorded == nil {
			log.Warnf("%s port %d mapping reported success but verification failed", strings.ToUpper(o.Protocol), o.Port)
			continue
		}

		if recorded.InternalPort != o.Port {
			log.Warnf("%s port mapping internal port mismatch: configured=%d, mapped=%d",
				strings.ToUpper(o.Protocol), o.Port, recorded.InternalPort)

			continue
		}

		o.OK = true
		log.Infof("Mapped and verified %s %s port %d", o.Role, strings.ToUpper(o.Protocol), o.Port)
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.OK {
			succeeded++
		}
	}

	if succeeded < len(outcomes) {
		log.Warnf("Mapped %d/%d configured ports; unmapped ports may prevent inbound peers", succeeded, len(outcomes))
	} else if len(outcomes) > 0 {
		log.Infof("Mapped all %d configured ports", len(outcomes))
	}

	return outcomes
}

// renewMapping re-requests a mapping per RFC 6886 section 3.6: renewal is the
// same request as the original add. NAT-PMP returns the granted lifetime;
// UPnP renewals use the configured lease time.
func (m *Manager) renewMapping(ctx context.Context, mapping *PortMapping) (uint32, error) {
	m.mu.Lock()
	natpmp := m.natpmp
	upnp := m.upnp
	active := m.activeProtocol
	m.mu.Unlock()

	if active == "" {
		return 0, natpmpErrorf(-1, "cannot renew %s:%d: no active protocol", mapping.Protocol, mapping.ExternalPort)
	}

	switch mapping.Source {
	case "natpmp":
		if natpmp == nil {
			return 0, natpmpErrorf(-1, "NAT-PMP client not available")
		}

		granted, err := natpmp.AddPortMapping(ctx, mapping.InternalPort, mapping.ExternalPort, m.config.LeaseTime, mapping.Protocol)
		if err != nil {
			return 0, err
		}

		return granted.Lifetime, nil

	case "upnp":
		if upnp == nil {
			return 0, upnpErrorf(0, "UPnP client not available")
		}

		err := upnp.AddPortMapping(ctx, mapping.InternalPort, mapping.ExternalPort, mapping.Protocol, m.config.LeaseTime)
		if err != nil {
			return 0, err
		}

		return m.config.LeaseTime, nil

	default:
		return 0, upnpErrorf(0, "unknown mapping source %q", mapping.Source)
	}
}

// UnmapPort removes a mapping from the gateway and the table.
func (m *Manager) UnmapPort(ctx context.Context, externalPort uint16, protocol string) bool {
	m.mu.Lock()
	natpmp := m.natpmp
	upnp := m.upnp
	active := m.activeProtocol
	m.mu.Unlock()

	if active == "" {
		return false
	}

	var err error

	switch active {
	case "natpmp":
		if natpmp != nil {
			err = natpmp.DeletePortMapping(ctx, externalPort, protocol)
		}

	case "upnp":
		if upnp != nil {
			_, err = upnp.DeletePortMapping(ctx, externalPort, protocol)
		}
	}

	if err != nil {
		log.Errorf("Failed to unmap port %s:%d: %v", protocol, externalPort, err)
		return false
	}

	m.table.Remove(protocol, externalPort)

	return true
}

// WaitForMapping polls every 200ms until at least one mapping is active or
// the timeout expires. Pass 0 for the 60-second default.
func (m *Manager) WaitForMapping(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	deadline := time.Now().Add(timeout)

	for {
		if mappings := m.table.All(); len(mappings) > 0 {
			log.Infof("Port mapping confirmed (%d mapping(s) active)", len(mappings))
			return true
		}

		if time.Now().After(deadline) {
			log.Warnf("Port mapping timeout after %s; no mappings active", timeout)
			return false
		}

		select {
		case <-time.After(waitPollInterval):
		case <-ctx.Done():
			return false
		}
	}
}

// ExternalIP returns the cached external address, querying the active
// protocol when necessary. Returns nil when unavailable.
func (m *Manager) ExternalIP(ctx context.Context) net.IP {
	m.mu.Lock()
	ip := m.externalIP
	natpmp := m.natpmp
	upnp := m.upnp
	active := m.activeProtocol
	attempted := m.attempted
	m.mu.Unlock()

	if ip != nil {
		return ip
	}

	if active == "" && !attempted {
		m.Discover(ctx, false)

		m.mu.Lock()
		natpmp = m.natpmp
		upnp = m.upnp
		active = m.activeProtocol
		m.mu.Unlock()
	}

	var fresh net.IP
	var err error

	switch active {
	case "natpmp":
		if natpmp != nil {
			fresh, err = natpmp.ExternalIP(ctx)
		}

	case "upnp":
		if upnp != nil {
			fresh, err = upnp.ExternalIP(ctx)
		}
	}

	if err != nil || fresh == nil {
		return nil
	}

	m.mu.Lock()
	m.externalIP = fresh
	m.mu.Unlock()

	return fresh
}

// ExternalPort returns the external port mapped for an internal port and
// protocol, or 0 when none. Tracker announces must report this port.
func (m *Manager) ExternalPort(internalPort uint16, protocol string) uint16 {
	for _, mapping := range m.table.All() {
		if mapping.InternalPort == internalPort && mapping.Protocol == protocol {
			return mapping.ExternalPort
		}
	}

	return 0
}

// ActiveProtocol returns "natpmp", "upnp" or "" when none is active.
func (m *Manager) ActiveProtocol() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.activeProtocol
}

// Status reports the active protocol, external IP and mapping snapshot.
type Status struct {
	ActiveProtocol string
	ExternalIP     string
	Mappings       []*PortMapping
}

// GetStatus returns a snapshot of the manager state.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	protocol := m.activeProtocol
	ip := ""

	if m.externalIP != nil {
		ip = m.externalIP.String()
	}
	m.mu.Unlock()

	return Status{ActiveProtocol: protocol, ExternalIP: ip, Mappings: m.table.All()}
}

// Stop cancels the re-discovery loop, unmaps every live mapping (tolerating
// failures), and closes the protocol clients.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancelRediscovery != nil {
		m.cancelRediscovery()
		m.cancelRediscovery = nil
	}

	for _, mapping := range m.table.All() {
		m.UnmapPort(ctx, mapping.ExternalPort, mapping.Protocol)
	}

	m.mu.Lock()
	natpmp := m.natpmp
	m.natpmp = nil
	m.upnp = nil
	m.activeProtocol = ""
	m.mu.Unlock()

	if natpmp != nil {
		natpmp.Close()
	}

	log.Info("NAT manager stopped")
}
