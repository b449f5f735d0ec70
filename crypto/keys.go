package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// KeyHRP is the human-readable prefix used for the textual form of vault
// public keys.
const KeyHRP = "vault"

// KeyLen is the raw byte length of every principal, program, and vault key.
const KeyLen = 32

// PublicKey identifies a vault, an integration program, or a delegate
// principal. The flat array form lets keys embed directly in RLP records and
// act as map keys.
type PublicKey [KeyLen]byte

// PublicKeyFromBytes copies b into a PublicKey, rejecting any length other
// than KeyLen.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var key PublicKey
	if len(b) != KeyLen {
		return key, fmt.Errorf("crypto: public key must be %d bytes, got %d", KeyLen, len(b))
	}
	copy(key[:], b)
	return key, nil
}

// PublicKeyFromHex decodes a 64-character hex string into a PublicKey.
func PublicKeyFromHex(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("crypto: invalid hex key: %w", err)
	}
	return PublicKeyFromBytes(raw)
}

// DecodePublicKey parses the bech32 textual form produced by String.
func DecodePublicKey(s string) (PublicKey, error) {
	hrp, decoded, err := bech32.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("crypto: invalid bech32 string: %w", err)
	}
	if hrp != KeyHRP {
		return PublicKey{}, fmt.Errorf("crypto: unexpected key prefix %q", hrp)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return PublicKey{}, fmt.Errorf("crypto: error converting bits: %w", err)
	}
	return PublicKeyFromBytes(conv)
}

// Bytes returns a copy of the raw key bytes.
func (k PublicKey) Bytes() []byte {
	return append([]byte(nil), k[:]...)
}

// IsZero reports whether the key is the all-zero placeholder.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

func (k PublicKey) String() string {
	conv, err := bech32.ConvertBits(k[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(KeyHRP, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// MarshalText implements encoding.TextMarshaler so keys render as bech32 in
// JSON payloads and map keys.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PublicKey) UnmarshalText(text []byte) error {
	decoded, err := DecodePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = decoded
	return nil
}
