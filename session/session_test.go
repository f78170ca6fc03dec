package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"TorrentCore/fabric"
	"TorrentCore/torrent"
	"TorrentCore/wire"
)

func hybridDescriptor() *torrent.Descriptor {
	d := &torrent.Descriptor{
		Name:  "test",
		HasV1: true,
		HasV2: true,
	}

	for i := range d.InfoHashV1 {
		d.InfoHashV1[i] = byte(i + 1)
	}

	for i := range d.InfoHashV2 {
		d.InfoHashV2[i] = byte(0xC0 + i)
	}

	return d
}

func quietConfig() Config {
	config := DefaultConfig()
	config.AcceptInbound = false
	config.NAT.AutoMapPorts = false
	config.NAT.EnableNATPMP = false
	config.NAT.EnableUPnP = false

	return config
}

func TestGeneratePeerID(t *testing.T) {
	id, err := GeneratePeerID()
	require.NoError(t, err)
	require.Equal(t, "-TC0001-", string(id[:8]))

	other, err := GeneratePeerID()
	require.NoError(t, err)
	require.NotEqual(t, id, other)
}

func TestNewRejectsHashlessDescriptor(t *testing.T) {
	_, err := New(quietConfig(), &torrent.Descriptor{Name: "empty"}, nil, nil, nil)
	require.Error(t, err)
}

func TestPrivateTorrentHasNoPex(t *testing.T) {
	d := hybridDescriptor()
	d.Private = true

	sess, err := New(quietConfig(), d, nil, nil, nil)
	require.NoError(t, err)
	require.Nil(t, sess.PEX())

	d.Private = false
	sess, err = New(quietConfig(), d, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, sess.PEX())
}

func TestServicesRegistered(t *testing.T) {
	sess, err := New(quietConfig(), hybridDescriptor(), nil, nil, nil)
	require.NoError(t, err)

	infos := sess.Services().ListServices()
	require.Len(t, infos, 3)

	names := make(map[string]bool)
	for _, info := range infos {
		names[info.Name] = true
		require.Equal(t, fabric.StateStopped, info.State)
	}

	require.True(t, names["peer_service"])
	require.True(t, names["storage_service"])
	require.True(t, names["tracker_service"])
}

func TestStartStopLifecycle(t *testing.T) {
	d := hybridDescriptor()
	d.AnnounceURLs = []string{"udp://tracker.example:6969/announce", "http://tracker.example/announce"}

	sess, err := New(quietConfig(), d, nil, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sess.Start(ctx))

	info, ok := sess.Services().GetServiceInfo("peer_service")
	require.True(t, ok)
	require.Equal(t, fabric.StateRunning, info.State)

	require.Len(t, sess.Trackers().HealthyTrackers(), 2)

	sess.Stop(ctx)

	info, ok = sess.Services().GetServiceInfo("peer_service")
	require.True(t, ok)
	require.Equal(t, fabric.StateStopped, info.State)
}

func TestSupportedVersionsFollowDescriptor(t *testing.T) {
	d := hybridDescriptor()
	require.Equal(t, []wire.Version{wire.Hybrid, wire.V2, wire.V1}, d.SupportedVersions())

	v1only := &torrent.Descriptor{HasV1: true}
	require.Equal(t, []wire.Version{wire.V1}, v1only.SupportedVersions())

	v2only := &torrent.Descriptor{HasV2: true}
	require.Equal(t, []wire.Version{wire.V2}, v2only.SupportedVersions())
}

func TestConnectedPeersEmptyWithoutConnections(t *testing.T) {
	sess, err := New(quietConfig(), hybridDescriptor(), nil, nil, nil)
	require.NoError(t, err)
	require.Empty(t, sess.ConnectedPeers())
	require.Equal(t, 0, sess.ActiveConnections())
}

func TestSendPexToUnknownPeerFails(t *testing.T) {
	sess, err := New(quietConfig(), hybridDescriptor(), nil, nil, nil)
	require.NoError(t, err)
	require.False(t, sess.SendPex("1.2.3.4:6881", []byte{1, 1}, true))
}

func TestExtensionHandshakeRegistersPexSession(t *testing.T) {
	sess, err := New(quietConfig(), hybridDescriptor(), nil, nil, nil)
	require.NoError(t, err)

	sess.OnExtensionHandshake("1.2.3.4:6881", map[string]int64{wire.UtPexName: 5})

	pexSession, ok := sess.PEX().Session("1.2.3.4:6881")
	require.True(t, ok)
	require.True(t, pexSession.Supported)
	require.Equal(t, byte(5), pexSession.UtPexID)

	// Peers without ut_pex get an unsupported session.
	sess.OnExtensionHandshake("5.6.7.8:6881", map[string]int64{"other_ext": 9})

	pexSession, ok = sess.PEX().Session("5.6.7.8:6881")
	require.True(t, ok)
	require.False(t, pexSession.Supported)
}

func TestPeerDisconnectEvictsEverywhere(t *testing.T) {
	sess, err := New(quietConfig(), hybridDescriptor(), nil, nil, nil)
	require.NoError(t, err)

	sess.OnExtensionHandshake("1.2.3.4:6881", map[string]int64{wire.UtPexName: 5})
	sess.OnPeerDisconnected("1.2.3.4:6881", nil)

	_, ok := sess.PEX().Session("1.2.3.4:6881")
	require.False(t, ok)
	require.Nil(t, sess.Connection("1.2.3.4:6881"))
}

func TestAnnounceWithoutAnnouncerIsEmpty(t *testing.T) {
	sess, err := New(quietConfig(), hybridDescriptor(), nil, nil, nil)
	require.NoError(t, err)
	require.Empty(t, sess.Announce(context.Background(), 0, 0, 1<<20, "started"))
}

// stubAnnouncer returns one canned peer for every tracker.
type stubAnnouncer struct {
	requests []fabric.AnnounceRequest
}

func (a *stubAnnouncer) Announce(ctx context.Context, trackerURL string, req fabric.AnnounceRequest) ([]string, error) {
	a.requests = append(a.requests, req)
	return []string{"9.9.9.9:1234"}, nil
}

func TestAnnounceFeedsPexKnownPeers(t *testing.T) {
	d := hybridDescriptor()
	d.AnnounceURLs = []string{"udp://tracker.example:6969/announce"}

	announcer := &stubAnnouncer{}

	sess, err := New(quietConfig(), d, announcer, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sess.Start(ctx))

	defer sess.Stop(ctx)

	peers := sess.Announce(ctx, 10, 20, 30, "started")
	require.Equal(t, []string{"9.9.9.9:1234"}, peers)

	require.Len(t, announcer.requests, 1)
	require.Equal(t, uint16(sess.config.ListenPort), announcer.requests[0].Port)
	require.Equal(t, uint64(10), announcer.requests[0].Uploaded)

	require.Equal(t, 1, sess.PEX().PeerCount())
}
