package nat

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	renewalFraction   = 0.8 // renew at 80% of lifetime, leaving headroom for retries
	renewalMaxRetries = 3
	renewalRetryGap   = 60 * time.Second
)

// PortMapping is one active mapping tracked by the manager. ExpiresAt is the
// zero time for permanent mappings; otherwise it is strictly after CreatedAt.
type PortMapping struct {
	InternalPort uint16
	ExternalPort uint16
	Protocol     string // "tcp" or "udp"
	Source       string // "natpmp" or "upnp"
	CreatedAt    time.Time
	ExpiresAt    time.Time

	cancelRenewal context.CancelFunc
}

// Permanent reports whether the mapping never expires.
func (m *PortMapping) Permanent() bool {
	return m.ExpiresAt.IsZero()
}

// RenewFunc re-requests a mapping and returns the newly granted lifetime in
// seconds (0 for permanent).
type RenewFunc func(ctx context.Context, mapping *PortMapping) (uint32, error)

// MappingTable tracks active mappings keyed by (protocol, external port) and
// schedules their renewal. Two mappings never share a key.
type MappingTable struct {
	mu       sync.Mutex
	mappings map[string]*PortMapping
	renew    RenewFunc
}

// NewMappingTable builds a table. The renew function may be nil, in which
// case finite mappings are left to expire.
func NewMappingTable(renew RenewFunc) *MappingTable {
	return &MappingTable{
		mappings: make(map[string]*PortMapping),
		renew:    renew,
	}
}

func mappingKey(protocol string, externalPort uint16) string {
	return fmt.Sprintf("%s:%d", protocol, externalPort)
}

// Add registers a mapping and schedules renewal at 80% of the lifetime.
// A lifetime of 0 means permanent. An existing mapping under the same key is
// replaced and its renewal cancelled.
func (t *MappingTable) Add(ctx context.Context, internalPort, externalPort uint16, protocol, source string, lifetime uint32) *PortMapping {
	key := mappingKey(protocol, externalPort)
	now := time.Now()

	mapping := &PortMapping{
		InternalPort: internalPort,
		ExternalPort: externalPort,
		Protocol:     protocol,
		Source:       source,
		CreatedAt:    now,
	}

	if lifetime > 0 {
		mapping.ExpiresAt = now.Add(time.Duration(lifetime) * time.Second)
	}

	t.mu.Lock()

	if old, ok := t.mappings[key]; ok && old.cancelRenewal != nil {
		old.cancelRenewal()
	}

	t.mappings[key] = mapping

	if lifetime > 0 {
		renewCtx, cancel := context.WithCancel(ctx)
		mapping.cancelRenewal = cancel

		go t.renewLoop(renewCtx, mapping, lifetime)
	}

	t.mu.Unlock()

	log.Debugf("Added port mapping %s (source: %s, lifetime: %ds)", key, source, lifetime)

	return mapping
}

// Remove deletes a mapping and cancels its renewal. Returns false when no
// mapping exists under the key.
func (t *MappingTable) Remove(protocol string, externalPort uint16) bool {
	key := mappingKey(protocol, externalPort)

	t.mu.Lock()
	defer t.mu.Unlock()

	mapping, ok := t.mappings[key]
	if !ok {
		return false
	}

	if mapping.cancelRenewal != nil {
		mapping.cancelRenewal()
	}

	delete(t.mappings, key)
	log.Debugf("Removed port mapping %s", key)

	return true
}

// Get returns the mapping under (protocol, external port), or nil.
func (t *MappingTable) Get(protocol string, externalPort uint16) *PortMapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.mappings[mappingKey(protocol, externalPort)]
}

// All returns a snapshot of every active mapping.
func (t *MappingTable) All() []*PortMapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*PortMapping, 0, len(t.mappings))
	for _, m := range t.mappings {
		out = append(out, m)
	}

	return out
}

// CleanupExpired removes mappings whose finite expiry has passed.
func (t *MappingTable) CleanupExpired() int {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0

	for key, m := range t.mappings {
		if !m.Permanent() && m.ExpiresAt.Before(now) {
			if m.cancelRenewal != nil {
				m.cancelRenewal()
			}

			delete(t.mappings, key)
			removed++

			log.Infof("Cleaned up expired mapping %s", key)
		}
	}

	return removed
}

// renewLoop sleeps until 80% of the lifetime has passed, then renews the
// mapping with up to 3 retries spaced 60 seconds apart. A successful renewal
// updates the expiry and schedules the next cycle; total failure leaves the
// mapping in place and logs the error. The loop aborts silently when the
// mapping was removed during the wait.
func (t *MappingTable) renewLoop(ctx context.Context, mapping *PortMapping, lifetime uint32) {
	key := mappingKey(mapping.Protocol, mapping.ExternalPort)

	for {
		delay := time.Duration(float64(lifetime) * renewalFraction * float64(time.Second))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			log.Debugf("Renewal cancelled for mapping %s", key)
			return
		}

		t.mu.Lock()
		_, alive := t.mappings[key]
		t.mu.Unlock()

		if !alive {
			log.Debugf("Mapping %s no longer exists, skipping renewal", key)
			return
		}

		if t.renew == nil {
			log.Warnf("Cannot renew mapping %s: no renewal callback set", key)
			return
		}

		var newLifetime uint32
		var err error
		renewed := false

		for attempt := 1; attempt <= renewalMaxRetries; attempt++ {
			log.Infof("Renewing port mapping %s (attempt %d/%d)", key, attempt, renewalMaxRetries)

			newLifetime, err = t.renew(ctx, mapping)
			if err == nil {
				renewed = true
				break
			}

			log.Warnf("Renewal attempt %d/%d failed for %s: %v", attempt, renewalMaxRetries, key, err)

			if attempt < renewalMaxRetries {
				select {
				case <-time.After(renewalRetryGap):
				case <-ctx.Done():
					return
				}
			}
		}

		if !renewed {
			log.Errorf("Port mapping %s will expire: renewal failed after %d attempts", key, renewalMaxRetries)
			return
		}

		t.mu.Lock()

		current, alive := t.mappings[key]
		if alive {
			if newLifetime > 0 {
				current.ExpiresAt = time.Now().Add(time.Duration(newLifetime) * time.Second)
			} else {
				current.ExpiresAt = time.Time{}
			}
		}

		t.mu.Unlock()

		if !alive {
			return
		}

		log.Infof("Renewed mapping %s (new lifetime: %ds)", key, newLifetime)

		if newLifetime == 0 {
			// Became permanent, nothing left to schedule.
			return
		}

		lifetime = newLifetime
	}
}
