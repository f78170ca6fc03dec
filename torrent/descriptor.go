package torrent

import (
	"fmt"

	"TorrentCore/wire"
)

// --------------------------------------------------------------------------------------------- //

/*
Descriptor is the opaque torrent handle the core consumes. It is produced by
an external metainfo parser; the core never decodes .torrent files itself.

Fields:
  - Name: Display name of the torrent.
  - InfoHashV1 / InfoHashV2: Binary identifiers; HasV1/HasV2 mark presence.
    A torrent is v1-only, v2-only, or hybrid (both set, same content).
  - Private: BEP 27 private flag; disables PEX and DHT for the torrent.
  - PieceLength / NumPieces / TotalSize: Piece layout.
  - AnnounceURLs: Flattened tracker announce list.
  - FileTree: Opaque bencoded v2 file tree bytes, empty for v1-only.
  - PiecesRoots: Per-file SHA-256 Merkle roots for v2 torrents.
*/
type Descriptor struct {
	Name string

	HasV1      bool
	HasV2      bool
	InfoHashV1 [wire.InfoHashV1Len]byte
	InfoHashV2 [wire.InfoHashV2Len]byte

	Private bool

	PieceLength int64
	NumPieces   int
	TotalSize   int64

	AnnounceURLs []string

	FileTree    []byte
	PiecesRoots [][wire.InfoHashV2Len]byte
}

// --------------------------------------------------------------------------------------------- //

/*
Version classifies the descriptor by which info hashes are present.

Returns:
  - wire.Version: V1, V2 or Hybrid.
  - error: Non-nil when neither hash is set.
*/
func (d *Descriptor) Version() (wire.Version, error) {
	switch {
	case d.HasV1 && d.HasV2:
		return wire.Hybrid, nil
	case d.HasV2:
		return wire.V2, nil
	case d.HasV1:
		return wire.V1, nil
	default:
		return 0, fmt.Errorf("torrent %q carries no info hash", d.Name)
	}
}

// --------------------------------------------------------------------------------------------- //

/*
SupportedVersions expands the descriptor into the handshake support list a
session offers to peers, ordered by preference.
*/
func (d *Descriptor) SupportedVersions() []wire.Version {
	switch {
	case d.HasV1 && d.HasV2:
		return []wire.Version{wire.Hybrid, wire.V2, wire.V1}
	case d.HasV2:
		return []wire.Version{wire.V2}
	case d.HasV1:
		return []wire.Version{wire.V1}
	default:
		return nil
	}
}

// --------------------------------------------------------------------------------------------- //

/*
HashV1Slice returns the v1 hash as a slice, or nil when absent. Handshake
code treats a nil slice as "do not send / do not validate".
*/
func (d *Descriptor) HashV1Slice() []byte {
	if !d.HasV1 {
		return nil
	}

	out := make([]byte, wire.InfoHashV1Len)
	copy(out, d.InfoHashV1[:])

	return out
}

// HashV2Slice returns the v2 hash as a slice, or nil when absent.
func (d *Descriptor) HashV2Slice() []byte {
	if !d.HasV2 {
		return nil
	}

	out := make([]byte, wire.InfoHashV2Len)
	copy(out, d.InfoHashV2[:])

	return out
}

// --------------------------------------------------------------------------------------------- //
