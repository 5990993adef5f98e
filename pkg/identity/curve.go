package identity

import (
	"crypto/elliptic"
	"math/big"
)

// curveP256Order returns the order N of the P-256 curve, used to
// reduce a PBKDF2 seed into a valid private scalar.
func curveP256Order() *big.Int {
	return elliptic.P256().Params().N
}
