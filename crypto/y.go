package crypto

import "encoding/hex"

// ProofY computes the hex-encoded compressed Y point a proof's secret
// hashes to. Y is the proof's unique identity for double-spend
// tracking: two proofs with the same secret always collide on Y
// regardless of amount or keyset, which is exactly the property the
// proof store relies on.
func ProofY(secret string) string {
	point := HashToCurve([]byte(secret))
	return hex.EncodeToString(point.SerializeCompressed())
}
