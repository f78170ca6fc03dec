package peer

import (
	"context"
	"io"

	"github.com/anacrolix/torrent/mse"
	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------------------------- //

/*
EncryptionMode is the MSE policy for outbound connections.

Values:
  - EncryptionDisabled: Never negotiate MSE.
  - EncryptionPreferred: Attempt MSE; fall back to plaintext when it fails.
  - EncryptionRequired: MSE failure closes the connection.
*/
type EncryptionMode int

const (
	EncryptionDisabled EncryptionMode = iota
	EncryptionPreferred
	EncryptionRequired
)

func (m EncryptionMode) String() string {
	switch m {
	case EncryptionDisabled:
		return "disabled"
	case EncryptionPreferred:
		return "preferred"
	case EncryptionRequired:
		return "required"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------------------------- //

/*
negotiateMSE runs the MSE pre-handshake as initiator, keyed on the torrent's
info hash, immediately after the socket connects and before the BitTorrent
handshake. On success every further byte flows through the negotiated
cipher. Preferred mode treats failure as success-with-plaintext.

Parameters:
  - rw: The raw socket.
  - skey: The MSE secret key (the info hash).
  - mode: The encryption policy; must not be EncryptionDisabled.

Returns:
  - io.ReadWriter: The stream to use from here on.
  - bool: Whether the stream is cipher-wrapped.
  - error: Non-nil only when the policy forbids continuing.
*/
func negotiateMSE(rw io.ReadWriter, skey []byte, mode EncryptionMode) (io.ReadWriter, bool, error) {
	ret, method, err := mse.InitiateHandshake(rw, skey, nil, mse.AllSupportedCrypto)
	if err != nil {
		if mode == EncryptionRequired {
			return nil, false, err
		}

		log.Debugf("MSE negotiation failed, continuing in plaintext: %v", err)

		return rw, false, nil
	}

	encrypted := method&mse.CryptoMethodRC4 != 0

	if !encrypted && mode == EncryptionRequired {
		// The peer talked MSE but selected plaintext; required mode rejects that.
		return nil, false, errPlaintextSelected
	}

	return ret, encrypted, nil
}

// ReceiveMSE runs the MSE pre-handshake as receiver for inbound connections
// whose first bytes are not a plaintext BitTorrent handshake.
func ReceiveMSE(rw io.ReadWriter, skey []byte) (io.ReadWriter, bool, error) {
	keys := func(callback func(skey []byte) (more bool)) {
		callback(skey)
	}

	ret, method, err := mse.ReceiveHandshake(context.TODO(), rw, keys, mse.DefaultCryptoSelector)
	if err != nil {
		return nil, false, err
	}

	return ret, method&mse.CryptoMethodRC4 != 0, nil
}

type plaintextError struct{}

func (plaintextError) Error() string {
	return "mse: peer selected plaintext but encryption is required"
}

var errPlaintextSelected = plaintextError{}

// --------------------------------------------------------------------------------------------- //
