package session

import (
	"github.com/opd-ai/go-tor/pkg/crypto"
	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
)

// PeerIdentity bundles what a handshake learns about the far side: its
// long-term fingerprint and DER-encoded public key, for callers that
// want to record a newly-seen peer (trust-on-first-use) in a contact
// store.
type PeerIdentity struct {
	Fingerprint  []byte
	PublicKeyDER []byte
}

// RecordTransport carries one opaque, already-framed byte record at a
// time between two endpoints. A rudp.Conn wrapped in a small
// length-prefix adapter, or a relay.Client wrapped in an adapter that
// sends each record as one DATA frame, satisfies it; this lets
// the handshake run over whichever carrier the caller already
// established, per spec.md §4.2.
type RecordTransport interface {
	WriteRecord(record []byte) error
	ReadRecord() ([]byte, error)
}

// PerformHandshake runs the 1-RTT signed-ephemeral-key exchange over
// transport and returns the resulting SecureChannel. expectedFingerprint
// is the long-term fingerprint the caller expects to be talking to (from
// a DHT lookup or contact-store entry); a mismatch fails authentication
// immediately, per spec.md §4.2. initiator breaks the send/receive tie so
// both sides don't write simultaneously onto a carrier that serializes
// writes (the relay and RUDP carriers both tolerate concurrent
// send/receive, but ordering the exchange keeps behavior identical
// across carriers).
func PerformHandshake(transport RecordTransport, identityKeyPair *crypto.KeyPair, expectedFingerprint []byte, initiator bool) (*SecureChannel, *PeerIdentity, error) {
	localMsg, localEphemeral, err := BuildSignedEphemeralKey(identityKeyPair)
	if err != nil {
		return nil, nil, anonetErrors.CryptoError("session: failed to build signed ephemeral key", err)
	}
	localIdentityDER, err := identityKeyPair.PublicKeyDER()
	if err != nil {
		return nil, nil, anonetErrors.CryptoError("session: failed to encode identity public key", err)
	}

	var peerMsg *SignedEphemeralKey
	if initiator {
		if err := transport.WriteRecord(localMsg.Marshal()); err != nil {
			return nil, nil, anonetErrors.NetworkError("session: failed to send signed ephemeral key", err)
		}
		peerMsg, err = recvSignedEphemeralKey(transport)
		if err != nil {
			return nil, nil, err
		}
	} else {
		peerMsg, err = recvSignedEphemeralKey(transport)
		if err != nil {
			return nil, nil, err
		}
		if err := transport.WriteRecord(localMsg.Marshal()); err != nil {
			return nil, nil, anonetErrors.NetworkError("session: failed to send signed ephemeral key", err)
		}
	}

	if err := peerMsg.Verify(expectedFingerprint); err != nil {
		return nil, nil, anonetErrors.AuthError("session: peer handshake verification failed", err)
	}

	keys, err := DeriveSessionKeys(localEphemeral, localIdentityDER, peerMsg)
	if err != nil {
		return nil, nil, anonetErrors.CryptoError("session: failed to derive session keys", err)
	}
	peer := &PeerIdentity{
		Fingerprint:  crypto.Fingerprint(peerMsg.IdentityPublicDER),
		PublicKeyDER: peerMsg.IdentityPublicDER,
	}
	return NewSecureChannel(keys), peer, nil
}

func recvSignedEphemeralKey(transport RecordTransport) (*SignedEphemeralKey, error) {
	raw, err := transport.ReadRecord()
	if err != nil {
		return nil, anonetErrors.NetworkError("session: failed to receive signed ephemeral key", err)
	}
	msg, err := UnmarshalSignedEphemeralKey(raw)
	if err != nil {
		return nil, anonetErrors.ProtocolError("session: malformed signed ephemeral key", err)
	}
	return msg, nil
}
