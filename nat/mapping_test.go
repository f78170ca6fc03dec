package nat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMappingTableAddAndGet(t *testing.T) {
	table := NewMappingTable(nil)

	mapping := table.Add(context.Background(), 6881, 6881, "tcp", "natpmp", 0)
	require.True(t, mapping.Permanent())
	require.Equal(t, uint16(6881), mapping.InternalPort)

	got := table.Get("tcp", 6881)
	require.NotNil(t, got)
	require.Equal(t, "natpmp", got.Source)

	require.Nil(t, table.Get("udp", 6881))
}

func TestMappingExpiryInvariant(t *testing.T) {
	table := NewMappingTable(nil)

	mapping := table.Add(context.Background(), 6881, 6881, "tcp", "upnp", 3600)
	require.False(t, mapping.Permanent())
	require.True(t, mapping.ExpiresAt.After(mapping.CreatedAt))
}

func TestMappingKeyUniqueness(t *testing.T) {
	table := NewMappingTable(nil)

	table.Add(context.Background(), 6881, 6881, "tcp", "natpmp", 0)
	table.Add(context.Background(), 7000, 6881, "tcp", "upnp", 0)

	// Same (protocol, external port) key: the second replaces the first.
	all := table.All()
	require.Len(t, all, 1)
	require.Equal(t, uint16(7000), all[0].InternalPort)

	// Different protocol, same port: distinct keys.
	table.Add(context.Background(), 6881, 6881, "udp", "natpmp", 0)
	require.Len(t, table.All(), 2)
}

func TestMappingRemove(t *testing.T) {
	table := NewMappingTable(nil)

	table.Add(context.Background(), 6881, 6881, "tcp", "natpmp", 0)
	require.True(t, table.Remove("tcp", 6881))
	require.False(t, table.Remove("tcp", 6881))
	require.Empty(t, table.All())
}

func TestMappingCleanupExpired(t *testing.T) {
	table := NewMappingTable(nil)

	table.Add(context.Background(), 6881, 6881, "tcp", "natpmp", 0) // permanent
	stale := table.Add(context.Background(), 6882, 6882, "udp", "natpmp", 3600)
	stale.ExpiresAt = time.Now().Add(-time.Second)

	removed := table.CleanupExpired()
	require.Equal(t, 1, removed)

	all := table.All()
	require.Len(t, all, 1)
	require.Equal(t, uint16(6881), all[0].ExternalPort)
}

func TestMappingRenewal(t *testing.T) {
	var renewals atomic.Int32

	renew := func(ctx context.Context, mapping *PortMapping) (uint32, error) {
		renewals.Add(1)
		return 1, nil
	}

	table := NewMappingTable(renew)

	// Lifetime 1s renews at 800ms; wait long enough to observe one cycle.
	table.Add(context.Background(), 6881, 6881, "tcp", "natpmp", 1)

	require.Eventually(t, func() bool {
		return renewals.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)

	mapping := table.Get("tcp", 6881)
	require.NotNil(t, mapping)
	require.True(t, mapping.ExpiresAt.After(time.Now().Add(-time.Second)))
}

func TestMappingRenewalAbortsWhenRemoved(t *testing.T) {
	var renewals atomic.Int32

	renew := func(ctx context.Context, mapping *PortMapping) (uint32, error) {
		renewals.Add(1)
		return 1, nil
	}

	table := NewMappingTable(renew)
	table.Add(context.Background(), 6881, 6881, "tcp", "natpmp", 1)

	// Removing the mapping cancels the pending renewal silently.
	require.True(t, table.Remove("tcp", 6881))
	time.Sleep(1200 * time.Millisecond)
	require.Equal(t, int32(0), renewals.Load())
}
