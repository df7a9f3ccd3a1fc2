package token

import (
	"nftmarket/crypto"
)

// ModuleName identifies the token module for pause guards.
const ModuleName = "token"

// SeedTokenAccount is the namespace tag for associated token account
// derivation. Every (mint, owner) pair has exactly one associated address,
// for wallets and program-derived owners alike.
const SeedTokenAccount = "token"

// ProgramID is the token program's identity. It seeds the derivation of
// associated token account addresses.
var ProgramID = crypto.ProgramID(ModuleName)

// AuthorityRole selects which of a mint's authorities SetAuthority targets.
type AuthorityRole uint8

const (
	AuthorityMint AuthorityRole = iota + 1
	AuthorityFreeze
)

// Valid reports whether the role value is within the supported range.
func (r AuthorityRole) Valid() bool {
	switch r {
	case AuthorityMint, AuthorityFreeze:
		return true
	default:
		return false
	}
}

// AssociatedTokenAddress derives the canonical token account address for a
// (mint, owner) pair. The mint participates in the derivation, so an account
// at this address can only ever carry the mint's denomination.
func AssociatedTokenAddress(mint, owner [32]byte) ([32]byte, byte, error) {
	return crypto.DeriveAddress(ProgramID, []byte(SeedTokenAccount), mint[:], owner[:])
}
