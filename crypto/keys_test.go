package crypto

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcutil/bech32"
)

func TestPublicKeyRoundTrip(t *testing.T) {
	raw := make([]byte, KeyLen)
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	key, err := PublicKeyFromBytes(raw)
	if err != nil {
		t.Fatalf("PublicKeyFromBytes: %v", err)
	}
	decoded, err := DecodePublicKey(key.String())
	if err != nil {
		t.Fatalf("DecodePublicKey: %v", err)
	}
	if decoded != key {
		t.Fatalf("round trip mismatch: %s != %s", decoded, key)
	}
	if !bytes.Equal(decoded.Bytes(), raw) {
		t.Fatalf("bytes mismatch")
	}
}

func TestPublicKeyFromBytesRejectsWrongLength(t *testing.T) {
	if _, err := PublicKeyFromBytes(make([]byte, 20)); err == nil {
		t.Fatal("expected error for 20-byte input")
	}
}

func TestDecodePublicKeyRejectsWrongPrefix(t *testing.T) {
	conv, err := bech32.ConvertBits(make([]byte, KeyLen), 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits: %v", err)
	}
	encoded, err := bech32.Encode("other", conv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodePublicKey(encoded); err == nil {
		t.Fatal("expected error for foreign prefix")
	}
}

func TestPublicKeyFromHex(t *testing.T) {
	key, err := PublicKeyFromHex("d41f7a9c02b1e6530fa884cc1d6e9b25708a3ef14c5d2b8e6091c73fa5280b14")
	if err != nil {
		t.Fatalf("PublicKeyFromHex: %v", err)
	}
	if key.IsZero() {
		t.Fatal("expected non-zero key")
	}
	if _, err := PublicKeyFromHex("zz"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}
