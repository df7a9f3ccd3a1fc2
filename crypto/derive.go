package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// derivationTag domain-separates derived addresses from every other use of
// the hash. It is appended after the program identity.
var derivationTag = []byte("ProgramDerivedAddress")

// ErrNoDerivedAddress is returned when every bump candidate for a seed set
// lands on the curve. With 255 candidates this is not expected in practice.
var ErrNoDerivedAddress = errors.New("crypto: derived address search exhausted")

// DeriveAddress finds the canonical derived address for a program and seed
// set: the first off-curve digest of seeds||bump||program||tag, searching
// bump from 255 downward. Off-curve means no ed25519 private key exists for
// the address, so it can never satisfy a signature check; only logic holding
// the (seeds, bump) proof may act for it.
func DeriveAddress(program [IdentityLength]byte, seeds ...[]byte) ([IdentityLength]byte, byte, error) {
	for bump := byte(255); bump > 0; bump-- {
		candidate := deriveCandidate(program, bump, seeds)
		if !isOnCurve(candidate[:]) {
			return candidate, bump, nil
		}
	}
	return [IdentityLength]byte{}, 0, ErrNoDerivedAddress
}

// DeriveAddressWithBump recomputes a derived address for a known bump, as
// recorded by a prior DeriveAddress call. The result must still be
// off-curve; a bump that yields an on-curve point was never valid.
func DeriveAddressWithBump(program [IdentityLength]byte, bump byte, seeds ...[]byte) ([IdentityLength]byte, error) {
	if bump == 0 {
		return [IdentityLength]byte{}, fmt.Errorf("crypto: derivation bump must be non-zero")
	}
	candidate := deriveCandidate(program, bump, seeds)
	if isOnCurve(candidate[:]) {
		return [IdentityLength]byte{}, fmt.Errorf("crypto: derived address for bump %d is on curve", bump)
	}
	return candidate, nil
}

func deriveCandidate(program [IdentityLength]byte, bump byte, seeds [][]byte) [IdentityLength]byte {
	data := make([]byte, 0, 128)
	for _, seed := range seeds {
		data = append(data, seed...)
	}
	data = append(data, bump)
	data = append(data, program[:]...)
	data = append(data, derivationTag...)
	return sha256.Sum256(data)
}

// isOnCurve reports whether the bytes decode to a valid edwards25519 point,
// meaning a private key could exist for them.
func isOnCurve(point []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// ProgramID derives a stable 32-byte program identity from a name. Program
// identities seed address derivation and own program-held accounts.
func ProgramID(name string) [IdentityLength]byte {
	return sha256.Sum256([]byte("program:" + name))
}
