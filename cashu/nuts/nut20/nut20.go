// Package nut20 implements the mint-quote signature binding: a client
// may lock a mint quote to a pubkey at creation time, and must then sign
// the outputs of the issue request with that key.
package nut20

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nutvault/mint/cashu"
)

func quoteMessage(quoteId string, outputs cashu.BlindedMessages) []byte {
	msg := []byte(quoteId)
	for _, o := range outputs {
		msg = append(msg, []byte(o.B_)...)
	}
	return msg
}

// SignMintQuote produces a hex-encoded Schnorr signature over the quote
// id concatenated with every output's B_, in order.
func SignMintQuote(privateKey *btcec.PrivateKey, quoteId string, outputs cashu.BlindedMessages) (string, error) {
	hash := sha256.Sum256(quoteMessage(quoteId, outputs))
	sig, err := schnorr.Sign(privateKey, hash[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifyMintQuoteSignature checks a NUT-20 signature against the quote's
// locked pubkey.
func VerifyMintQuoteSignature(pubkey *btcec.PublicKey, quoteId string, outputs cashu.BlindedMessages, signature string) bool {
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	hash := sha256.Sum256(quoteMessage(quoteId, outputs))
	return sig.Verify(hash[:], pubkey)
}
