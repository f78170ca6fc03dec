package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jackpal/bencode-go"
)

// --------------------------------------------------------------------------------------------- //

// v2 message identifiers (BEP 52).
const (
	MsgIDPieceLayerRequest  byte = 20
	MsgIDPieceLayerResponse byte = 21
	MsgIDFileTreeRequest    byte = 22
	MsgIDFileTreeResponse   byte = 23
)

// MsgIDExtended is the BEP 10 extension protocol message identifier.
const MsgIDExtended byte = 20

// --------------------------------------------------------------------------------------------- //

/*
ProtocolError reports an invalid message id, length or payload in a framed message.
*/
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s", e.Detail)
}

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Detail: fmt.Sprintf(format, args...)}
}

// --------------------------------------------------------------------------------------------- //

// frame prepends the 4-byte big-endian length to a message body.
func frame(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)

	return out
}

// --------------------------------------------------------------------------------------------- //

/*
PieceLayerRequest asks a peer for the piece layer of the file rooted at PiecesRoot.
*/
type PieceLayerRequest struct {
	PiecesRoot [InfoHashV2Len]byte
}

/*
NewPieceLayerRequest validates the root length and builds the request.

Parameters:
  - piecesRoot: 32-byte SHA-256 Merkle root of the file's piece layer.

Returns:
  - *PieceLayerRequest: The message.
  - error: *ProtocolError if the root is not 32 bytes.
*/
func NewPieceLayerRequest(piecesRoot []byte) (*PieceLayerRequest, error) {
	if len(piecesRoot) != InfoHashV2Len {
		return nil, protocolErrorf("pieces root must be %d bytes, got %d", InfoHashV2Len, len(piecesRoot))
	}

	var req PieceLayerRequest
	copy(req.PiecesRoot[:], piecesRoot)

	return &req, nil
}

// Serialize frames the request as <len=33><id=20><pieces_root>.
func (m *PieceLayerRequest) Serialize() []byte {
	body := make([]byte, 0, 1+InfoHashV2Len)
	body = append(body, MsgIDPieceLayerRequest)
	body = append(body, m.PiecesRoot[:]...)

	return frame(body)
}

/*
DeserializePieceLayerRequest decodes a request body (without the length prefix).

Parameters:
  - data: Message bytes starting at the id byte.

Returns:
  - *PieceLayerRequest: The decoded message.
  - error: *ProtocolError on wrong id or size.
*/
func DeserializePieceLayerRequest(data []byte) (*PieceLayerRequest, error) {
	if len(data) < 1+InfoHashV2Len {
		return nil, protocolErrorf("piece layer request too short: %d bytes", len(data))
	}

	if data[0] != MsgIDPieceLayerRequest {
		return nil, protocolErrorf("invalid message id %d (expected %d)", data[0], MsgIDPieceLayerRequest)
	}

	return NewPieceLayerRequest(data[1 : 1+InfoHashV2Len])
}

// --------------------------------------------------------------------------------------------- //

/*
PieceLayerResponse carries the per-piece SHA-256 hashes for the file rooted at PiecesRoot.
*/
type PieceLayerResponse struct {
	PiecesRoot  [InfoHashV2Len]byte
	PieceHashes [][InfoHashV2Len]byte
}

/*
NewPieceLayerResponse validates every hash length and builds the response.

Parameters:
  - piecesRoot: 32-byte Merkle root.
  - pieceHashes: Zero or more 32-byte piece hashes.

Returns:
  - *PieceLayerResponse: The message.
  - error: *ProtocolError if any hash has the wrong length.
*/
func NewPieceLayerResponse(piecesRoot []byte, pieceHashes [][]byte) (*PieceLayerResponse, error) {
	if len(piecesRoot) != InfoHashV2Len {
		return nil, protocolErrorf("pieces root must be %d bytes, got %d", InfoHashV2Len, len(piecesRoot))
	}

	resp := &PieceLayerResponse{}
	copy(resp.PiecesRoot[:], piecesRoot)

	for i, h := range pieceHashes {
		if len(h) != InfoHashV2Len {
			return nil, protocolErrorf("piece hash %d must be %d bytes, got %d", i, InfoHashV2Len, len(h))
		}

		var hash [InfoHashV2Len]byte
		copy(hash[:], h)
		resp.PieceHashes = append(resp.PieceHashes, hash)
	}

	return resp, nil
}

// Serialize frames the response as <len><id=21><pieces_root><hashes...>.
func (m *PieceLayerResponse) Serialize() []byte {
	body := make([]byte, 0, 1+InfoHashV2Len+len(m.PieceHashes)*InfoHashV2Len)
	body = append(body, MsgIDPieceLayerResponse)
	body = append(body, m.PiecesRoot[:]...)

	for _, h := range m.PieceHashes {
		body = append(body, h[:]...)
	}

	return frame(body)
}

/*
DeserializePieceLayerResponse decodes a response body (without the length prefix).

Parameters:
  - data: Message bytes starting at the id byte.

Returns:
  - *PieceLayerResponse: The decoded message.
  - error: *ProtocolError on wrong id, short body, or a hash payload whose
    length is not a multiple of 32.
*/
func DeserializePieceLayerResponse(data []byte) (*PieceLayerResponse, error) {
	if len(data) < 1+InfoHashV2Len {
		return nil, protocolErrorf("piece layer response too short: %d bytes", len(data))
	}

	if data[0] != MsgIDPieceLayerResponse {
		return nil, protocolErrorf("invalid message id %d (expected %d)", data[0], MsgIDPieceLayerResponse)
	}

	layer := data[1+InfoHashV2Len:]
	if len(layer)%InfoHashV2Len != 0 {
		return nil, protocolErrorf("piece layer length %d is not a multiple of %d", len(layer), InfoHashV2Len)
	}

	resp := &PieceLayerResponse{}
	copy(resp.PiecesRoot[:], data[1:1+InfoHashV2Len])

	for i := 0; i < len(layer); i += InfoHashV2Len {
		var hash [InfoHashV2Len]byte
		copy(hash[:], layer[i:i+InfoHashV2Len])
		resp.PieceHashes = append(resp.PieceHashes, hash)
	}

	return resp, nil
}

// --------------------------------------------------------------------------------------------- //

/*
FileTreeRequest asks a peer for the complete v2 file tree. The message carries no payload.
*/
type FileTreeRequest struct{}

// Serialize frames the request as <len=1><id=22>.
func (m *FileTreeRequest) Serialize() []byte {
	return frame([]byte{MsgIDFileTreeRequest})
}

/*
DeserializeFileTreeRequest decodes a request body (without the length prefix).
*/
func DeserializeFileTreeRequest(data []byte) (*FileTreeRequest, error) {
	if len(data) < 1 {
		return nil, protocolErrorf("file tree request too short: %d bytes", len(data))
	}

	if data[0] != MsgIDFileTreeRequest {
		return nil, protocolErrorf("invalid message id %d (expected %d)", data[0], MsgIDFileTreeRequest)
	}

	return &FileTreeRequest{}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
FileTreeResponse carries the torrent's bencoded file tree. The body is opaque
to the wire layer; it must simply be non-empty.
*/
type FileTreeResponse struct {
	FileTree []byte
}

/*
NewFileTreeResponse validates the body and builds the response.
*/
func NewFileTreeResponse(fileTree []byte) (*FileTreeResponse, error) {
	if len(fileTree) == 0 {
		return nil, protocolErrorf("file tree data cannot be empty")
	}

	return &FileTreeResponse{FileTree: fileTree}, nil
}

// Serialize frames the response as <len><id=23><bencoded file tree>.
func (m *FileTreeResponse) Serialize() []byte {
	body := make([]byte, 0, 1+len(m.FileTree))
	body = append(body, MsgIDFileTreeResponse)
	body = append(body, m.FileTree...)

	return frame(body)
}

/*
DeserializeFileTreeResponse decodes a response body (without the length prefix).

Returns *ProtocolError when the body is empty.
*/
func DeserializeFileTreeResponse(data []byte) (*FileTreeResponse, error) {
	if len(data) < 1 {
		return nil, protocolErrorf("file tree response too short: %d bytes", len(data))
	}

	if data[0] != MsgIDFileTreeResponse {
		return nil, protocolErrorf("invalid message id %d (expected %d)", data[0], MsgIDFileTreeResponse)
	}

	if len(data) == 1 {
		return nil, protocolErrorf("file tree data is empty")
	}

	return &FileTreeResponse{FileTree: data[1:]}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
EncodeExtensionMessage frames a BEP 10 extension message as
<len><id=20><extID><payload>.

Parameters:
  - extID: The extension message id within the extension protocol.
  - payload: The extension payload (typically bencoded).

Returns:
  - []byte: The framed message.
*/
func EncodeExtensionMessage(extID byte, payload []byte) []byte {
	body := make([]byte, 0, 2+len(payload))
	body = append(body, MsgIDExtended, extID)
	body = append(body, payload...)

	return frame(body)
}

/*
DecodeExtensionMessage splits an extension message body (without the length
prefix) into its extension id and payload.

Returns *ProtocolError when the body is too short or not an extension message.
*/
func DecodeExtensionMessage(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, protocolErrorf("extension message too short: %d bytes", len(data))
	}

	if data[0] != MsgIDExtended {
		return 0, nil, protocolErrorf("not an extension message (id %d)", data[0])
	}

	return data[1], data[2:], nil
}

// --------------------------------------------------------------------------------------------- //

// UtPexName is the ut_pex key advertised in the extension handshake "m" dictionary.
const UtPexName = "ut_pex"

// extensionHandshake mirrors the BEP 10 handshake dictionary.
type extensionHandshake struct {
	M map[string]int64 `bencode:"m"`
	V string           `bencode:"v"`
}

/*
EncodeExtensionHandshake bencodes the BEP 10 handshake dictionary advertising
our local extension ids.

Parameters:
  - extensions: Map of extension name to local message id.
  - client: Client version string placed in the "v" key.

Returns:
  - []byte: The bencoded dictionary.
  - error: Non-nil if bencoding fails.
*/
func EncodeExtensionHandshake(extensions map[string]int64, client string) ([]byte, error) {
	var buf bytes.Buffer

	err := bencode.Marshal(&buf, extensionHandshake{M: extensions, V: client})
	if err != nil {
		return nil, fmt.Errorf("encoding extension handshake: %w", err)
	}

	return buf.Bytes(), nil
}

/*
DecodeExtensionHandshake parses a bencoded BEP 10 handshake dictionary and
returns the peer's advertised extension ids.
*/
func DecodeExtensionHandshake(payload []byte) (map[string]int64, error) {
	// Decoded generically: bencode-go cannot unmarshal into a map[string]int64.
	raw, err := bencode.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, protocolErrorf("decoding extension handshake: %v", err)
	}

	dict, _ := raw.(map[string]interface{})
	m, _ := dict["m"].(map[string]interface{})

	out := make(map[string]int64, len(m))
	for name, id := range m {
		if n, ok := id.(int64); ok {
			out[name] = n
		}
	}

	return out, nil
}

// --------------------------------------------------------------------------------------------- //

// ut_pex discriminator bytes carried after the ut_pex id.
const (
	PexDropped byte = 0
	PexAdded   byte = 1
)

/*
EncodePexPayload builds a ut_pex payload: the peer's ut_pex id, the
added/dropped discriminator, then the concatenated 6-byte compact records.

Parameters:
  - utPexID: The extension message id the peer advertised for ut_pex.
  - compact: Concatenated 6-byte IPv4+port records.
  - added: True for an added list, false for a dropped list.

Returns:
  - []byte: The ut_pex payload (not framed).
*/
func EncodePexPayload(utPexID byte, compact []byte, added bool) []byte {
	discriminator := PexDropped
	if added {
		discriminator = PexAdded
	}

	out := make([]byte, 0, 2+len(compact))
	out = append(out, utPexID, discriminator)
	out = append(out, compact...)

	return out
}

// --------------------------------------------------------------------------------------------- //

/*
EncodeCompactPeers packs "ip:port" addresses into 6-byte compact records
(4 address bytes + 2 big-endian port bytes). Non-IPv4 addresses are skipped.

Parameters:
  - addrs: Addresses in "ip:port" form.

Returns:
  - []byte: The concatenated compact records.
*/
func EncodeCompactPeers(addrs []string) []byte {
	out := make([]byte, 0, len(addrs)*6)

	for _, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}

		ip := net.ParseIP(host)
		if ip == nil {
			continue
		}

		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}

		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			continue
		}

		out = append(out, ip4[0], ip4[1], ip4[2], ip4[3], byte(port>>8), byte(port&0xFF))
	}

	return out
}

/*
ParseCompactPeers converts a compact peer list into "ip:port" addresses.
Each peer occupies 6 bytes: 4 for the IPv4 address and 2 for the port.

Parameters:
  - compact: The compact peer bytes.

Returns:
  - []string: Parsed addresses.
  - error: *ProtocolError when the length is not a multiple of 6.
*/
func ParseCompactPeers(compact []byte) ([]string, error) {
	if len(compact)%6 != 0 {
		return nil, protocolErrorf("invalid peers length: %d (must be multiple of 6)", len(compact))
	}

	var result []string

	for i := 0; i < len(compact); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", compact[i], compact[i+1], compact[i+2], compact[i+3])
		port := binary.BigEndian.Uint16(compact[i+4 : i+6])
		result = append(result, net.JoinHostPort(ip, strconv.Itoa(int(port))))
	}

	return result, nil
}

// --------------------------------------------------------------------------------------------- //

// IsHTTPTracker reports whether a tracker URL uses HTTP or HTTPS.
func IsHTTPTracker(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// IsUDPTracker reports whether a tracker URL uses UDP.
func IsUDPTracker(url string) bool {
	return strings.HasPrefix(url, "udp://")
}

// --------------------------------------------------------------------------------------------- //
