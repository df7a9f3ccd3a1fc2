package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix defines the human-readable prefix of rendered addresses.
type AddressPrefix string

const (
	// MarketPrefix is the prefix shared by every identity on the market
	// ledger: wallets, mints, and derived program addresses.
	MarketPrefix AddressPrefix = "mkt"
)

// IdentityLength is the size of every ledger identity in bytes.
const IdentityLength = 32

// Address represents a 32-byte ledger identity with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != IdentityLength {
		panic("address must be 32 bytes long")
	}
	buf := make([]byte, IdentityLength)
	copy(buf, b)
	return Address{prefix: prefix, bytes: buf}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != IdentityLength {
		return Address{}, fmt.Errorf("address must decode to %d bytes, got %d", IdentityLength, len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// --- Key Management ---

type PrivateKey struct {
	ed25519.PrivateKey
}

type PublicKey struct {
	ed25519.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return []byte(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{k.PrivateKey.Public().(ed25519.PublicKey)}
}

// Sign signs the given digest with the private key.
func (k *PrivateKey) Sign(digest []byte) []byte {
	return ed25519.Sign(k.PrivateKey, digest)
}

func (k *PublicKey) Address() Address {
	return NewAddress(MarketPrefix, k.PublicKey)
}

// Identity returns the public key as a fixed 32-byte ledger identity.
func (k *PublicKey) Identity() [IdentityLength]byte {
	var id [IdentityLength]byte
	copy(id[:], k.PublicKey)
	return id
}

// Verify reports whether sig is a valid signature of digest by this key.
func (k *PublicKey) Verify(digest, sig []byte) bool {
	return len(k.PublicKey) == ed25519.PublicKeySize && ed25519.Verify(k.PublicKey, digest, sig)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	switch len(b) {
	case ed25519.SeedSize:
		return &PrivateKey{ed25519.NewKeyFromSeed(b)}, nil
	case ed25519.PrivateKeySize:
		key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(key, b)
		return &PrivateKey{key}, nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(b))
	}
}

func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	key := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(key, b)
	return &PublicKey{key}, nil
}
