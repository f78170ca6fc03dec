package peer

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"TorrentCore/wire"
)

// recordingSink captures event-sink invocations.
type recordingSink struct {
	mu            sync.Mutex
	connected     []string
	disconnected  []string
	bitfields     map[string][]byte
	pieces        int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{bitfields: make(map[string][]byte)}
}

func (s *recordingSink) OnPeerConnected(peerKey string, version wire.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = append(s.connected, peerKey)
}

func (s *recordingSink) OnPeerDisconnected(peerKey string, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnected = append(s.disconnected, peerKey)
}

func (s *recordingSink) OnBitfieldReceived(peerKey string, bitfield []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bitfields[peerKey] = bitfield
}

func (s *recordingSink) OnPieceReceived(peerKey string, index, offset uint32, block []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pieces++
}

func (s *recordingSink) OnExtensionHandshake(string, map[string]int64) {}

// fakePeer accepts one TCP connection and answers the handshake with the
// provided bytes after reading expectLen bytes from the client.
func fakePeer(t *testing.T, expectLen int, response []byte) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		buf := make([]byte, expectLen)

		_, err = io.ReadFull(conn, buf)
		if err != nil {
			conn.Close()
			return
		}

		conn.Write(response)
		// Keep the socket open so the client's short remainder probe times
		// out instead of erroring.
		time.Sleep(2 * time.Second)
		conn.Close()
	}()

	return listener.Addr().String()
}

func testSpecHashes() ([]byte, []byte, [wire.PeerIDLen]byte) {
	v1 := make([]byte, wire.InfoHashV1Len)
	v2 := make([]byte, wire.InfoHashV2Len)

	for i := range v1 {
		v1[i] = byte(i + 1)
	}

	for i := range v2 {
		v2[i] = byte(0xB0 + i)
	}

	var id [wire.PeerIDLen]byte
	copy(id[:], "-TC0001-abcdefghijkl")

	return v1, v2, id
}

func TestConnectV1PeerAgainstV2OnlyClient(t *testing.T) {
	// End-to-end scenario: the peer answers with a plain 68-byte v1
	// handshake while we only support v2. Negotiation returns none, the
	// socket is closed, and no connection goes active.
	v1, v2, id := testSpecHashes()

	var peerV1 [wire.InfoHashV1Len]byte
	copy(peerV1[:], v1)

	var peerID [wire.PeerIDLen]byte
	copy(peerID[:], "-XX0001-zzzzzzzzzzzz")

	addr := fakePeer(t, wire.HandshakeV2Size, wire.CreateV1Handshake(peerV1, peerID, false))

	sink := newRecordingSink()
	conn := NewConnection(addr, sink)

	err := conn.Connect(HandshakeSpec{
		SupportedVersions: []wire.Version{wire.V2},
		InfoHashV2:        v2,
		PeerID:            id,
		Encryption:        EncryptionDisabled,
	})

	require.Error(t, err)
	require.Contains(t, err.Error(), "no common protocol version")
	require.Equal(t, Disconnected, conn.State())

	sink.mu.Lock()
	require.Empty(t, sink.connected)
	require.Len(t, sink.disconnected, 1)
	sink.mu.Unlock()
}

func TestConnectHybridPeerAgainstHybridClient(t *testing.T) {
	// End-to-end scenario: the peer answers with a 68-byte handshake whose
	// reserved byte 0 is 0x01 and a matching v1 hash; we support hybrid.
	v1, v2, id := testSpecHashes()

	var peerV1 [wire.InfoHashV1Len]byte
	copy(peerV1[:], v1)

	var peerID [wire.PeerIDLen]byte
	copy(peerID[:], "-XX0001-zzzzzzzzzzzz")

	response := wire.CreateV1Handshake(peerV1, peerID, false)
	response[1+wire.ProtocolStringLen] = 0x01

	addr := fakePeer(t, wire.HandshakeHybridSize, response)

	sink := newRecordingSink()
	conn := NewConnection(addr, sink)

	err := conn.Connect(HandshakeSpec{
		SupportedVersions: []wire.Version{wire.Hybrid},
		InfoHashV1:        v1,
		InfoHashV2:        v2,
		PeerID:            id,
		Encryption:        EncryptionDisabled,
	})

	require.NoError(t, err)
	require.Equal(t, Active, conn.State())
	require.Equal(t, wire.Hybrid, conn.Version())
	require.Equal(t, peerID, conn.PeerID())

	sink.mu.Lock()
	require.Equal(t, []string{addr}, sink.connected)
	sink.mu.Unlock()

	conn.Close()
	require.Equal(t, Disconnected, conn.State())
}

func TestConnectHashMismatchCloses(t *testing.T) {
	v1, _, id := testSpecHashes()

	var wrongHash [wire.InfoHashV1Len]byte // zeroes, will not match

	var peerID [wire.PeerIDLen]byte
	copy(peerID[:], "-XX0001-zzzzzzzzzzzz")

	addr := fakePeer(t, wire.HandshakeV1Size, wire.CreateV1Handshake(wrongHash, peerID, false))

	conn := NewConnection(addr, nil)

	err := conn.Connect(HandshakeSpec{
		SupportedVersions: []wire.Version{wire.V1, wire.Hybrid},
		InfoHashV1:        v1,
		PeerID:            id,
		Encryption:        EncryptionDisabled,
	})

	require.Error(t, err)

	hsErr, ok := err.(*wire.HandshakeError)
	require.True(t, ok)
	require.Equal(t, "hash mismatch", hsErr.Reason)
	require.Equal(t, Disconnected, conn.State())
}

func TestConnectFromWrongState(t *testing.T) {
	conn := NewConnection("127.0.0.1:1", nil)
	conn.Close()

	err := conn.Connect(HandshakeSpec{SupportedVersions: []wire.Version{wire.V1}})
	require.Error(t, err)
}

func TestMessageExchangeOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := NewConnection("pipe", nil)
	conn.mu.Lock()
	conn.conn = client
	conn.rw = client
	conn.state = Active
	conn.mu.Unlock()

	go func() {
		// Read the client's message, then answer with a bitfield.
		header := make([]byte, 4)
		io.ReadFull(server, header)

		body := make([]byte, binary.BigEndian.Uint32(header))
		io.ReadFull(server, body)

		payload := []byte{0b10100000}
		frame := make([]byte, 4)
		binary.BigEndian.PutUint32(frame, uint32(1+len(payload)))
		frame = append(frame, byte(Bitfield))
		frame = append(frame, payload...)
		server.Write(frame)
	}()

	require.NoError(t, conn.SendMessage(Message{ID: Interested}))

	msg, err := conn.ReceiveMessage()
	require.NoError(t, err)
	require.Equal(t, Bitfield, msg.ID)

	conn.HandleMessage(msg)
	require.True(t, conn.HasPiece(0))
	require.False(t, conn.HasPiece(1))
	require.True(t, conn.HasPiece(2))
	require.False(t, conn.HasPiece(9))

	stats := conn.Stats()
	require.Equal(t, uint64(1), stats.BytesReceived)
	require.False(t, stats.LastActivity.IsZero())
}

func TestReceiveKeepAlive(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := NewConnection("pipe", nil)
	conn.mu.Lock()
	conn.conn = client
	conn.rw = client
	conn.state = Active
	conn.mu.Unlock()

	go server.Write([]byte{0, 0, 0, 0})

	msg, err := conn.ReceiveMessage()
	require.NoError(t, err)
	require.Equal(t, MessageID(0), msg.ID)
	require.Empty(t, msg.Payload)
}

func TestReceiveOversizeMessageRejected(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := NewConnection("pipe", nil)
	conn.mu.Lock()
	conn.conn = client
	conn.rw = client
	conn.state = Active
	conn.mu.Unlock()

	go func() {
		frame := make([]byte, 4)
		binary.BigEndian.PutUint32(frame, 1<<21)
		server.Write(frame)
	}()

	_, err := conn.ReceiveMessage()
	require.Error(t, err)
	require.Contains(t, err.Error(), "too large")
}

func TestPieceMessageDispatch(t *testing.T) {
	sink := newRecordingSink()
	conn := NewConnection("pipe", sink)
	conn.mu.Lock()
	conn.state = Active
	conn.mu.Unlock()

	payload := make([]byte, 8+16)
	binary.BigEndian.PutUint32(payload[0:4], 3)
	binary.BigEndian.PutUint32(payload[4:8], 16384)

	conn.HandleMessage(&Message{ID: Piece, Payload: payload})

	sink.mu.Lock()
	require.Equal(t, 1, sink.pieces)
	sink.mu.Unlock()

	require.Equal(t, uint64(1), conn.Stats().PiecesReceived)
}

func TestUpgradeRequiresActiveV1(t *testing.T) {
	_, v2, id := testSpecHashes()

	conn := NewConnection("127.0.0.1:1", nil)
	require.False(t, conn.UpgradeToV2(v2, id))

	// Wrong hash length is rejected outright.
	conn.mu.Lock()
	conn.state = Active
	conn.version = wire.V1
	conn.mu.Unlock()
	require.False(t, conn.UpgradeToV2(v2[:16], id))
}

func TestCloseIsIdempotent(t *testing.T) {
	sink := newRecordingSink()
	conn := NewConnection("127.0.0.1:1", sink)

	conn.Close()
	conn.Close()

	sink.mu.Lock()
	require.Len(t, sink.disconnected, 1)
	sink.mu.Unlock()
}
