package torrent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"TorrentCore/wire"
)

func TestVersionClassification(t *testing.T) {
	d := &Descriptor{HasV1: true}
	version, err := d.Version()
	require.NoError(t, err)
	require.Equal(t, wire.V1, version)

	d = &Descriptor{HasV2: true}
	version, err = d.Version()
	require.NoError(t, err)
	require.Equal(t, wire.V2, version)

	d = &Descriptor{HasV1: true, HasV2: true}
	version, err = d.Version()
	require.NoError(t, err)
	require.Equal(t, wire.Hybrid, version)

	_, err = (&Descriptor{}).Version()
	require.Error(t, err)
}

func TestHashSlices(t *testing.T) {
	d := &Descriptor{HasV1: true}
	for i := range d.InfoHashV1 {
		d.InfoHashV1[i] = byte(i)
	}

	v1 := d.HashV1Slice()
	require.Len(t, v1, wire.InfoHashV1Len)
	require.Equal(t, d.InfoHashV1[:], v1)
	require.Nil(t, d.HashV2Slice())

	// The slice is a copy, not an alias.
	v1[0] = 0xFF
	require.Equal(t, byte(0), d.InfoHashV1[0])
}
