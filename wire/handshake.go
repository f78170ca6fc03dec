package wire

import (
	"bytes"
	"fmt"
)

// --------------------------------------------------------------------------------------------- //

const (
	// ProtocolString is the fixed BitTorrent protocol identifier.
	ProtocolString = "BitTorrent protocol"

	// ProtocolStringLen is the length byte carried in every handshake.
	ProtocolStringLen = 19

	// ReservedLen is the number of reserved bytes following the protocol string.
	ReservedLen = 8

	// InfoHashV1Len is the length of a SHA-1 info hash.
	InfoHashV1Len = 20

	// InfoHashV2Len is the length of a SHA-256 info hash.
	InfoHashV2Len = 32

	// PeerIDLen is the length of a peer identifier.
	PeerIDLen = 20

	// HandshakeV1Size is the size of a v1 or standard hybrid handshake.
	HandshakeV1Size = 1 + ProtocolStringLen + ReservedLen + InfoHashV1Len + PeerIDLen // 68

	// HandshakeV2Size is the size of a v2-only handshake.
	HandshakeV2Size = 1 + ProtocolStringLen + ReservedLen + InfoHashV2Len + PeerIDLen // 80

	// HandshakeHybridSize is the size of an extended hybrid handshake carrying both hashes.
	HandshakeHybridSize = 1 + ProtocolStringLen + ReservedLen + InfoHashV1Len + InfoHashV2Len + PeerIDLen // 100
)

// --------------------------------------------------------------------------------------------- //

/*
Version identifies the BitTorrent protocol generation negotiated on a connection.

Values:
  - V1: Original protocol, SHA-1 info hashes (BEP 3).
  - V2: New protocol, SHA-256 info hashes (BEP 52).
  - Hybrid: Both v1 and v2 dictionaries present for the same content.
*/
type Version int

const (
	V1 Version = iota + 1
	V2
	Hybrid
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	case Hybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// priority returns the negotiation rank, Hybrid > V2 > V1.
func (v Version) priority() int {
	switch v {
	case Hybrid:
		return 3
	case V2:
		return 2
	case V1:
		return 1
	default:
		return 0
	}
}

// --------------------------------------------------------------------------------------------- //

/*
HandshakeError reports a malformed or mismatched handshake.

Fields:
  - Reason: Short classification ("too short", "invalid protocol", "invalid size", "hash mismatch").
  - Detail: Free-form context for logging.
*/
type HandshakeError struct {
	Reason string
	Detail string
}

func (e *HandshakeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("handshake: %s", e.Reason)
	}

	return fmt.Sprintf("handshake: %s: %s", e.Reason, e.Detail)
}

func handshakeErrorf(reason, format string, args ...interface{}) *HandshakeError {
	return &HandshakeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// --------------------------------------------------------------------------------------------- //

/*
Handshake holds a parsed BitTorrent handshake of any generation.

Fields:
  - Reserved: The 8 reserved bytes (bit 0 of byte 0 = v2 capable, bit 4 of byte 5 = BEP 10 extensions).
  - Version: Detected protocol generation.
  - InfoHashV1: 20-byte SHA-1 hash; valid only when HasV1 is true.
  - InfoHashV2: 32-byte SHA-256 hash; valid only when HasV2 is true.
  - PeerID: 20-byte peer identifier.
*/
type Handshake struct {
	Reserved   [ReservedLen]byte
	Version    Version
	HasV1      bool
	HasV2      bool
	InfoHashV1 [InfoHashV1Len]byte
	InfoHashV2 [InfoHashV2Len]byte
	PeerID     [PeerIDLen]byte
}

// SupportsExtensions reports whether the peer advertised the BEP 10 extension protocol.
func (h *Handshake) SupportsExtensions() bool {
	return h.Reserved[5]&0x10 != 0
}

// SupportsV2 reports whether the peer set the v2 capability bit.
func (h *Handshake) SupportsV2() bool {
	return h.Reserved[0]&0x01 != 0
}

// --------------------------------------------------------------------------------------------- //

/*
CreateV1Handshake builds a 68-byte v1 handshake.

Parameters:
  - infoHash: 20-byte SHA-1 info hash.
  - peerID: 20-byte peer identifier.
  - extensions: Whether to advertise the BEP 10 extension protocol.

Returns:
  - []byte: The serialized handshake.
*/
func CreateV1Handshake(infoHash [InfoHashV1Len]byte, peerID [PeerIDLen]byte, extensions bool) []byte {
	buf := make([]byte, 0, HandshakeV1Size)
	buf = append(buf, ProtocolStringLen)
	buf = append(buf, ProtocolString...)

	var reserved [ReservedLen]byte
	if extensions {
		reserved[5] |= 0x10
	}

	buf = append(buf, reserved[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)

	return buf
}

// --------------------------------------------------------------------------------------------- //

/*
CreateV2Handshake builds an 80-byte v2 handshake with the v2 capability bit set.

Parameters:
  - infoHashV2: 32-byte SHA-256 info hash.
  - peerID: 20-byte peer identifier.

Returns:
  - []byte: The serialized handshake.
*/
func CreateV2Handshake(infoHashV2 [InfoHashV2Len]byte, peerID [PeerIDLen]byte) []byte {
	buf := make([]byte, 0, HandshakeV2Size)
	buf = append(buf, ProtocolStringLen)
	buf = append(buf, ProtocolString...)

	var reserved [ReservedLen]byte
	reserved[0] |= 0x01

	buf = append(buf, reserved[:]...)
	buf = append(buf, infoHashV2[:]...)
	buf = append(buf, peerID[:]...)

	return buf
}

// --------------------------------------------------------------------------------------------- //

/*
CreateHybridHandshake builds a 100-byte extended hybrid handshake carrying both info hashes.

Parameters:
  - infoHashV1: 20-byte SHA-1 info hash.
  - infoHashV2: 32-byte SHA-256 info hash.
  - peerID: 20-byte peer identifier.

Returns:
  - []byte: The serialized handshake.
*/
func CreateHybridHandshake(infoHashV1 [InfoHashV1Len]byte, infoHashV2 [InfoHashV2Len]byte, peerID [PeerIDLen]byte) []byte {
	buf := make([]byte, 0, HandshakeHybridSize)
	buf = append(buf, ProtocolStringLen)
	buf = append(buf, ProtocolString...)

	var reserved [ReservedLen]byte
	reserved[0] |= 0x01

	buf = append(buf, reserved[:]...)
	buf = append(buf, infoHashV1[:]...)
	buf = append(buf, infoHashV2[:]...)
	buf = append(buf, peerID[:]...)

	return buf
}

// --------------------------------------------------------------------------------------------- //

/*
DetectVersion classifies a raw handshake by reserved bits and total size.

Classification:
  - 68 bytes, v2 bit clear: V1
  - 68 bytes, v2 bit set: Hybrid (v1 hash only)
  - 80 bytes: V2
  - 100 bytes: Hybrid (both hashes)

Parameters:
  - raw: The complete handshake bytes.

Returns:
  - Version: Detected protocol generation.
  - error: *HandshakeError if the handshake is malformed.
*/
func DetectVersion(raw []byte) (Version, error) {
	if len(raw) < HandshakeV1Size {
		return 0, handshakeErrorf("too short", "%d bytes (minimum %d)", len(raw), HandshakeV1Size)
	}

	if raw[0] != ProtocolStringLen {
		return 0, handshakeErrorf("invalid protocol", "protocol string length %d", raw[0])
	}

	if string(raw[1:1+ProtocolStringLen]) != ProtocolString {
		return 0, handshakeErrorf("invalid protocol", "protocol string %q", raw[1:1+ProtocolStringLen])
	}

	v2Bit := raw[1+ProtocolStringLen]&0x01 != 0
	remaining := len(raw) - (1 + ProtocolStringLen + ReservedLen)

	switch remaining {
	case InfoHashV1Len + PeerIDLen:
		if v2Bit {
			return Hybrid, nil
		}

		return V1, nil

	case InfoHashV2Len + PeerIDLen:
		return V2, nil

	case InfoHashV1Len + InfoHashV2Len + PeerIDLen:
		return Hybrid, nil

	default:
		return 0, handshakeErrorf("invalid size", "%d bytes", len(raw))
	}
}

// --------------------------------------------------------------------------------------------- //

/*
ParseHandshake decodes a raw handshake of any generation into a Handshake value.

Parameters:
  - raw: The complete handshake bytes (68, 80 or 100 bytes).

Returns:
  - *Handshake: The parsed handshake.
  - error: *HandshakeError if the handshake is malformed.
*/
func ParseHandshake(raw []byte) (*Handshake, error) {
	version, err := DetectVersion(raw)
	if err != nil {
		return nil, err
	}

	hs := &Handshake{Version: version}
	copy(hs.Reserved[:], raw[1+ProtocolStringLen:1+ProtocolStringLen+ReservedLen])

	offset := 1 + ProtocolStringLen + ReservedLen

	switch {
	case len(raw) == HandshakeV2Size:
		copy(hs.InfoHashV2[:], raw[offset:offset+InfoHashV2Len])
		hs.HasV2 = true
		offset += InfoHashV2Len

	case len(raw) == HandshakeHybridSize:
		copy(hs.InfoHashV1[:], raw[offset:offset+InfoHashV1Len])
		hs.HasV1 = true
		offset += InfoHashV1Len

		copy(hs.InfoHashV2[:], raw[offset:offset+InfoHashV2Len])
		hs.HasV2 = true
		offset += InfoHashV2Len

	default: // 68 bytes, v1 or standard hybrid
		copy(hs.InfoHashV1[:], raw[offset:offset+InfoHashV1Len])
		hs.HasV1 = true
		offset += InfoHashV1Len
	}

	copy(hs.PeerID[:], raw[offset:offset+PeerIDLen])

	return hs, nil
}

// --------------------------------------------------------------------------------------------- //

/*
Negotiate selects the highest common protocol version between a peer and our
ordered support list, with priority Hybrid > V2 > V1.

Compatibility: a Hybrid peer matches any supported version; a V1 peer matches
V1 or Hybrid; a V2 peer matches V2 or Hybrid.

Parameters:
  - peerVersion: The version detected from the peer's handshake.
  - supported: The versions we support.

Returns:
  - Version: The negotiated version.
  - bool: False when there is no common version.
*/
func Negotiate(peerVersion Version, supported []Version) (Version, bool) {
	supports := func(v Version) bool {
		for _, s := range supported {
			if s == v {
				return true
			}
		}

		return false
	}

	switch peerVersion {
	case Hybrid:
		best := Version(0)

		for _, s := range supported {
			if s.priority() > best.priority() {
				best = s
			}
		}

		if best == 0 {
			return 0, false
		}

		return best, true

	case V2:
		if supports(Hybrid) {
			return Hybrid, true
		}

		if supports(V2) {
			return V2, true
		}

		return 0, false

	case V1:
		if supports(Hybrid) {
			return Hybrid, true
		}

		if supports(V1) {
			return V1, true
		}

		return 0, false

	default:
		return 0, false
	}
}

// --------------------------------------------------------------------------------------------- //

/*
ValidateInfoHashes compares the peer's disclosed hashes against our expected
hashes for the versions both sides carry.

Parameters:
  - hs: The parsed peer handshake.
  - wantV1: Expected SHA-1 hash, nil to skip.
  - wantV2: Expected SHA-256 hash, nil to skip.

Returns:
  - error: *HandshakeError with reason "hash mismatch" on any byte difference.
*/
func ValidateInfoHashes(hs *Handshake, wantV1 []byte, wantV2 []byte) error {
	if wantV1 != nil && hs.HasV1 && !bytes.Equal(hs.InfoHashV1[:], wantV1) {
		return handshakeErrorf("hash mismatch", "v1 hash %x", hs.InfoHashV1)
	}

	if wantV2 != nil && hs.HasV2 && !bytes.Equal(hs.InfoHashV2[:], wantV2) {
		return handshakeErrorf("hash mismatch", "v2 hash %x", hs.InfoHashV2)
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //
