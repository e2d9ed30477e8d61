package cashu

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// TokenV4Proof is one proof entry inside a TokenV4 keyset group, using
// the short field names of the CBOR wire format (NUT-00).
type TokenV4Proof struct {
	Amount  uint64 `cbor:"a"`
	Secret  string `cbor:"s"`
	C       []byte `cbor:"c"`
	Witness string `cbor:"w,omitempty"`
}

// TokenV4KeysetProofs groups proofs sharing one keyset id.
type TokenV4KeysetProofs struct {
	Id     []byte         `cbor:"i"`
	Proofs []TokenV4Proof `cbor:"p"`
}

// TokenV4 is the CBOR-framed cashu token format ("cashuB..." base64url).
// Only encoding/decoding of already-verified proofs is implemented here;
// the core never needs to parse a token for its own operations (proofs
// arrive already split into cashu.Proofs by the out-of-scope transport
// layer) but this keeps the wire model complete for callers that embed
// this package directly.
type TokenV4 struct {
	Mint    string                 `cbor:"m"`
	Unit    string                 `cbor:"u"`
	Tokens  []TokenV4KeysetProofs  `cbor:"t"`
	Memo    string                 `cbor:"d,omitempty"`
}

const tokenV4Prefix = "cashuB"

func (t TokenV4) Serialize() (string, error) {
	raw, err := cbor.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encoding token: %w", err)
	}
	return tokenV4Prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func DeserializeTokenV4(s string) (TokenV4, error) {
	if len(s) < len(tokenV4Prefix) || s[:len(tokenV4Prefix)] != tokenV4Prefix {
		return TokenV4{}, fmt.Errorf("not a cashuB token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[len(tokenV4Prefix):])
	if err != nil {
		return TokenV4{}, fmt.Errorf("decoding token: %w", err)
	}
	var t TokenV4
	if err := cbor.Unmarshal(raw, &t); err != nil {
		return TokenV4{}, fmt.Errorf("unmarshalling token: %w", err)
	}
	return t, nil
}

// ProofsToTokenV4 groups proofs by keyset id for CBOR serialization.
func ProofsToTokenV4(mint, unit string, proofs Proofs) (TokenV4, error) {
	groups := make(map[string][]TokenV4Proof)
	order := make([]string, 0)
	for _, p := range proofs {
		cBytes, err := decodeHex(p.C)
		if err != nil {
			return TokenV4{}, fmt.Errorf("decoding proof C: %w", err)
		}
		if _, ok := groups[p.Id]; !ok {
			order = append(order, p.Id)
		}
		groups[p.Id] = append(groups[p.Id], TokenV4Proof{
			Amount:  p.Amount,
			Secret:  p.Secret,
			C:       cBytes,
			Witness: p.Witness,
		})
	}

	tokens := make([]TokenV4KeysetProofs, 0, len(order))
	for _, id := range order {
		idBytes, err := decodeHex(id)
		if err != nil {
			return TokenV4{}, fmt.Errorf("decoding keyset id: %w", err)
		}
		tokens = append(tokens, TokenV4KeysetProofs{Id: idBytes, Proofs: groups[id]})
	}

	return TokenV4{Mint: mint, Unit: unit, Tokens: tokens}, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
