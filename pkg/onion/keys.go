package onion

import (
	"fmt"

	"github.com/opd-ai/go-tor/pkg/crypto"
)

// hkdfInfoPrefix matches spec.md §4.8's per-hop HKDF info string
// ("ONION_HOP_i"), keeping each hop's derived key distinct even when
// two hops happen to land on the same ECDH shared secret.
const hkdfInfoPrefix = "ONION_HOP_"

// deriveHopKey derives the AES-256-GCM key for hop position hopIndex
// (1-based: guard=1, middle=2, exit=3) from the raw ECDH shared secret,
// per spec.md §4.8.
func deriveHopKey(sharedSecret []byte, hopIndex int) ([]byte, error) {
	info := []byte(fmt.Sprintf("%s%d", hkdfInfoPrefix, hopIndex))
	key, err := crypto.HKDFExpand(nil, sharedSecret, info, crypto.AES256KeySize)
	if err != nil {
		return nil, fmt.Errorf("onion: failed to derive hop %d key: %w", hopIndex, err)
	}
	return key, nil
}
