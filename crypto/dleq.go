package crypto

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// GenerateDLEQ produces a NUT-12 discrete-log-equality proof that the
// same secret key k was used to compute both A = k*G (the keyset's
// published public key) and C_ = k*B_ (the blind signature), without
// revealing k. Returns (e, s) as scalars.
func GenerateDLEQ(k *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey) (*secp256k1.PrivateKey, *secp256k1.PrivateKey, error) {
	rBytes := make([]byte, 32)
	if _, err := rand.Read(rBytes); err != nil {
		return nil, nil, err
	}
	r := secp256k1.PrivKeyFromBytes(rBytes)

	R1 := r.PubKey()

	var bPoint secp256k1.JacobianPoint
	B_.AsJacobian(&bPoint)
	var R2Jacobian secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&r.Key, &bPoint, &R2Jacobian)
	R2Jacobian.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Jacobian.X, &R2Jacobian.Y)

	e := hashDLEQChallenge(R1, R2, A, B_)

	// s = r + e*k
	var eScalar secp256k1.ModNScalar
	eScalar.Set(&e.Key)
	var ek secp256k1.ModNScalar
	ek.Mul2(&eScalar, &k.Key)

	var sScalar secp256k1.ModNScalar
	sScalar.Set(&r.Key)
	sScalar.Add(&ek)

	s := secp256k1.NewPrivateKey(&sScalar)
	return e, s, nil
}

// VerifyDLEQ checks a NUT-12 proof (e, s) against the keyset public key
// A, the blinded message B_, and the blind signature C_.
func VerifyDLEQ(e, s *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey) bool {
	if e == nil || s == nil || A == nil || B_ == nil || C_ == nil {
		return false
	}

	// R1 = s*G - e*A
	sG := s.PubKey()
	var aPoint secp256k1.JacobianPoint
	A.AsJacobian(&aPoint)
	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)
	var eAJacobian secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&eNeg, &aPoint, &eAJacobian)

	var sGJacobian secp256k1.JacobianPoint
	sG.AsJacobian(&sGJacobian)

	var R1Jacobian secp256k1.JacobianPoint
	secp256k1.AddNonConst(&sGJacobian, &eAJacobian, &R1Jacobian)
	R1Jacobian.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Jacobian.X, &R1Jacobian.Y)

	// R2 = s*B_ - e*C_
	var bPoint secp256k1.JacobianPoint
	B_.AsJacobian(&bPoint)
	var sBJacobian secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s.Key, &bPoint, &sBJacobian)

	var cPoint secp256k1.JacobianPoint
	C_.AsJacobian(&cPoint)
	var eCJacobian secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&eNeg, &cPoint, &eCJacobian)

	var R2Jacobian secp256k1.JacobianPoint
	secp256k1.AddNonConst(&sBJacobian, &eCJacobian, &R2Jacobian)
	R2Jacobian.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Jacobian.X, &R2Jacobian.Y)

	expected := hashDLEQChallenge(R1, R2, A, B_)
	return expected.Key.Equals(&e.Key)
}

func hashDLEQChallenge(R1, R2, A, B_ *secp256k1.PublicKey) *secp256k1.PrivateKey {
	h := sha256.New()
	h.Write(R1.SerializeCompressed())
	h.Write(R2.SerializeCompressed())
	h.Write(A.SerializeCompressed())
	h.Write(B_.SerializeCompressed())
	digest := h.Sum(nil)
	return secp256k1.PrivKeyFromBytes(digest)
}
