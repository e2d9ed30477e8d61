package crypto

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// domainSeparator is prefixed to every message before hash_to_curve, per
// NUT-00. It has no trailing separator and is never NUL-terminated.
const domainSeparator = "Secp256k1_HashToCurve_Cashu_"

// HashToCurve deterministically maps an arbitrary message to a point on
// secp256k1 with an even Y coordinate. It hashes the domain-separated
// message once, then appends a 4-byte little-endian counter to the
// digest and rehashes on each rejection until a valid X coordinate is
// found. Failure to terminate is statistically impossible.
func HashToCurve(message []byte) *secp256k1.PublicKey {
	prefixed := make([]byte, 0, len(domainSeparator)+len(message))
	prefixed = append(prefixed, domainSeparator...)
	prefixed = append(prefixed, message...)
	msgHash := sha256.Sum256(prefixed)

	var counter uint32
	for {
		counterBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(counterBytes, counter)

		candidate := append(append([]byte{}, msgHash[:]...), counterBytes...)
		digest := sha256.Sum256(candidate)

		pkBytes := append([]byte{0x02}, digest[:]...)
		if point, err := secp256k1.ParsePubKey(pkBytes); err == nil {
			return point
		}
		counter++
	}
}

// BlindMessage computes B_ = hash_to_curve(secret) + r*G for a freshly
// generated or caller-supplied blinding factor r.
func BlindMessage(secret []byte, blindingFactor []byte) (*secp256k1.PublicKey, *secp256k1.PrivateKey) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y := HashToCurve(secret)
	Y.AsJacobian(&ypoint)

	r, rpub := btcec.PrivKeyFromBytes(blindingFactor)
	rpub.AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r
}

// SignBlindedMessage computes C_ = k*B_. The signer never sees secret.
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// UnblindSignature computes C = C_ - r*K, where K = k*G is the mint's
// public key for the claimed amount.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey, K *secp256k1.PublicKey) *secp256k1.PublicKey {
	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)
	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	return secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
}

// Verify checks that k*hash_to_curve(secret) == C, i.e. C is a genuine
// signature on secret under the mint's secret key k. The mint runs this
// using the secret key stored for the proof's claimed (keyset_id,
// amount); a proof cannot be relabeled to a different amount because the
// check would then use the wrong k.
func Verify(secret []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y := HashToCurve(secret)
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}
