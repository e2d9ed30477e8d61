// Package nut10 implements the NUT-10 well-known secret framing that
// P2PK and HTLC spending conditions are built on top of.
package nut10

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nutvault/mint/cashu"
)

type SecretKind int

const (
	AnyoneCanSpend SecretKind = iota
	P2PK
	HTLC
)

func (kind SecretKind) String() string {
	switch kind {
	case P2PK:
		return "P2PK"
	case HTLC:
		return "HTLC"
	default:
		return "anyonecanspend"
	}
}

// WellKnownSecret is the parsed form of a NUT-10 framed secret:
// `["<kind>", {nonce, data, tags}]`.
type WellKnownSecret struct {
	Nonce string     `json:"nonce"`
	Data  string     `json:"data"`
	Tags  [][]string `json:"tags"`
}

// SecretType inspects a proof's secret and reports which spending
// condition, if any, it is framed as. A secret that is not valid NUT-10
// JSON is a plain random secret (AnyoneCanSpend).
func SecretType(proof cashu.Proof) SecretKind {
	kind, _, ok := parse(proof.Secret)
	if !ok {
		return AnyoneCanSpend
	}
	return kind
}

func parse(secret string) (SecretKind, WellKnownSecret, bool) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(secret), &raw); err != nil {
		return AnyoneCanSpend, WellKnownSecret{}, false
	}
	if len(raw) < 2 {
		return AnyoneCanSpend, WellKnownSecret{}, false
	}

	var kindStr string
	if err := json.Unmarshal(raw[0], &kindStr); err != nil {
		return AnyoneCanSpend, WellKnownSecret{}, false
	}

	var kind SecretKind
	switch kindStr {
	case "P2PK":
		kind = P2PK
	case "HTLC":
		kind = HTLC
	default:
		return AnyoneCanSpend, WellKnownSecret{}, false
	}

	var data WellKnownSecret
	if err := json.Unmarshal(raw[1], &data); err != nil {
		return AnyoneCanSpend, WellKnownSecret{}, false
	}
	return kind, data, true
}

// SerializeSecret marshals a kind and its payload into the NUT-10 JSON
// array framing, to be stored verbatim in a proof's secret field.
func SerializeSecret(kind SecretKind, secretData WellKnownSecret) (string, error) {
	jsonSecret, err := json.Marshal(secretData)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%q, %s]", kind.String(), string(jsonSecret)), nil
}

// DeserializeSecret parses a NUT-10 framed secret. It returns an error
// if the secret is not validly framed; callers use SecretType first to
// decide whether a secret is framed at all.
func DeserializeSecret(secret string) (WellKnownSecret, error) {
	_, data, ok := parse(secret)
	if !ok {
		return WellKnownSecret{}, errors.New("invalid NUT-10 secret")
	}
	return data, nil
}

// SpendingCondition is the caller-facing description used to mint a new
// locked secret (used by tests constructing fixtures; wallet-side
// issuance of locked tokens is out of scope for the mint core).
type SpendingCondition struct {
	Kind SecretKind
	Data string
	Tags [][]string
}

func NewSecretFromSpendingCondition(sc SpendingCondition) (string, error) {
	if sc.Kind != P2PK && sc.Kind != HTLC {
		return "", fmt.Errorf("invalid NUT-10 kind %q for new secret", sc.Kind)
	}

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}

	return SerializeSecret(sc.Kind, WellKnownSecret{
		Nonce: hex.EncodeToString(nonceBytes),
		Data:  sc.Data,
		Tags:  sc.Tags,
	})
}
