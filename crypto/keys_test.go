package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(MarketPrefix)+"1") {
		t.Fatalf("expected %q prefix, got %q", MarketPrefix, encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), addr.Bytes()) {
		t.Fatalf("address mismatch after round trip: %x != %x", decoded.Bytes(), addr.Bytes())
	}
	if decoded.Prefix() != MarketPrefix {
		t.Fatalf("unexpected prefix %q", decoded.Prefix())
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	if _, err := DecodeAddress("not-a-bech32-address"); err == nil {
		t.Fatal("expected error for malformed address")
	}
	if _, err := DecodeAddress("mkt1qqqq"); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestPrivateKeyFromBytes(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore from full key: %v", err)
	}
	if !bytes.Equal(restored.PubKey().PublicKey, key.PubKey().PublicKey) {
		t.Fatal("restored key has different public key")
	}

	seed := key.PrivateKey.Seed()
	fromSeed, err := PrivateKeyFromBytes(seed)
	if err != nil {
		t.Fatalf("restore from seed: %v", err)
	}
	if !bytes.Equal(fromSeed.PubKey().PublicKey, key.PubKey().PublicKey) {
		t.Fatal("seed-restored key has different public key")
	}

	if _, err := PrivateKeyFromBytes(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short key material")
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := []byte("market ledger digest")
	sig := key.Sign(digest)
	if !key.PubKey().Verify(digest, sig) {
		t.Fatal("signature did not verify")
	}
	if key.PubKey().Verify([]byte("different digest"), sig) {
		t.Fatal("signature verified against wrong digest")
	}
	other, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if other.PubKey().Verify(digest, sig) {
		t.Fatal("signature verified under wrong key")
	}
}
