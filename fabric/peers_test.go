package fabric

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectPeerAndDuplicate(t *testing.T) {
	s := NewPeerService(10, nil)

	require.True(t, s.ConnectPeer("1.2.3.4", 6881))
	require.Equal(t, 1, s.ActiveConnections())

	// Duplicate connects succeed without adding a second record.
	require.True(t, s.ConnectPeer("1.2.3.4", 6881))
	require.Equal(t, 1, s.ActiveConnections())
	require.Equal(t, uint64(1), s.Stats().TotalConnections)
}

func TestConnectPeerLimitIsNotAFailure(t *testing.T) {
	s := NewPeerService(200, nil)

	for i := 0; i < 200; i++ {
		require.True(t, s.ConnectPeer("10.0.0.1", uint16(1000+i)))
	}

	// The 201st connect returns false, and the failure counter is
	// untouched: hitting the limit is back-pressure, not an error.
	require.False(t, s.ConnectPeer("10.0.0.2", 9999))

	stats := s.Stats()
	require.Equal(t, 200, stats.ActivePeers)
	require.Equal(t, uint64(0), stats.FailedConnections)
}

func TestDisconnectPeerFoldsStats(t *testing.T) {
	disconnected := make(chan string, 1)

	s := NewPeerService(10, func(peerKey string) {
		disconnected <- peerKey
	})

	require.True(t, s.ConnectPeer("1.2.3.4", 6881))
	s.UpdatePeerActivity("1.2.3.4:6881", 100, 2048, 3, 1)

	s.DisconnectPeer("1.2.3.4:6881")
	require.Equal(t, 0, s.ActiveConnections())
	require.Equal(t, "1.2.3.4:6881", <-disconnected)

	stats := s.Stats()
	require.Equal(t, uint64(100), stats.TotalBytesSent)
	require.Equal(t, uint64(2048), stats.TotalBytesReceived)
	require.Equal(t, uint64(3), stats.TotalPiecesDownloaded)
	require.Equal(t, uint64(1), stats.TotalPiecesUploaded)
}

func TestDisconnectUnknownPeerIsNoop(t *testing.T) {
	s := NewPeerService(10, nil)
	s.DisconnectPeer("9.9.9.9:1")
	require.Equal(t, 0, s.ActiveConnections())
}

func TestUpdateActivityStampsTime(t *testing.T) {
	s := NewPeerService(10, nil)
	require.True(t, s.ConnectPeer("1.2.3.4", 6881))

	before, ok := s.GetPeer("1.2.3.4:6881")
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	s.UpdatePeerActivity("1.2.3.4:6881", 1, 1, 0, 0)

	after, ok := s.GetPeer("1.2.3.4:6881")
	require.True(t, ok)
	require.True(t, after.LastActivity.After(before.LastActivity))
}

func TestBestPeersOrdering(t *testing.T) {
	s := NewPeerService(10, nil)

	for i := 0; i < 3; i++ {
		require.True(t, s.ConnectPeer("10.0.0.1", uint16(1000+i)))
	}

	s.UpdatePeerActivity("10.0.0.1:1001", 0, 0, 10, 5)
	s.UpdatePeerActivity("10.0.0.1:1002", 0, 0, 2, 0)

	best := s.BestPeers(2)
	require.Len(t, best, 2)
	require.Equal(t, uint16(1001), best[0].Port)
	require.Equal(t, uint16(1002), best[1].Port)
}

func TestConnectionSuccessRate(t *testing.T) {
	s := NewPeerService(10, nil)

	require.True(t, s.ConnectPeer("1.2.3.4", 1))
	require.True(t, s.ConnectPeer("1.2.3.4", 2))
	s.RecordFailedConnection()

	stats := s.Stats()
	require.Equal(t, uint64(2), stats.TotalConnections)
	require.Equal(t, uint64(1), stats.FailedConnections)
	require.InDelta(t, 0.5, stats.ConnectionSuccessRate, 1e-9)
}

func TestPeerServiceHealthCheck(t *testing.T) {
	s := NewPeerService(100, nil)

	check := s.HealthCheck(t.Context())
	require.True(t, check.Healthy)
	require.InDelta(t, 1.0, check.Score, 1e-9)

	for i := 0; i < 50; i++ {
		require.True(t, s.ConnectPeer("10.0.0.1", uint16(1000+i)))
	}

	check = s.HealthCheck(t.Context())
	require.True(t, check.Healthy)
	require.InDelta(t, 0.5, check.Score, 0.01)
	require.Contains(t, check.Message, "Active: 50")
}

func TestPeerServiceStartStop(t *testing.T) {
	s := NewPeerService(10, nil)
	ctx := t.Context()

	require.NoError(t, s.Start(ctx))

	for i := 0; i < 5; i++ {
		require.True(t, s.ConnectPeer("10.0.0.1", uint16(1000+i)))
	}

	require.NoError(t, s.Stop(ctx))
	require.Equal(t, 0, s.ActiveConnections())
}

func TestActiveConnectionsMatchesMap(t *testing.T) {
	s := NewPeerService(50, nil)

	for i := 0; i < 20; i++ {
		require.True(t, s.ConnectPeer("10.0.0.1", uint16(1000+i)))
	}

	for i := 0; i < 7; i++ {
		s.DisconnectPeer(fmt.Sprintf("10.0.0.1:%d", 1000+i))
	}

	require.Equal(t, 13, s.ActiveConnections())
	require.Len(t, s.ListPeers(), 13)
}
