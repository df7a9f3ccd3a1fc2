package market

import (
	"nftmarket/crypto"
)

// ModuleName identifies the marketplace module for pause guards and events.
const ModuleName = "market"

// SeedListing is the namespace tag for listing address derivation. One
// listing address exists per asset, so at most one listing can be live for
// an asset at any time.
const SeedListing = "listing"

// ProgramID is the market program's identity. It owns every listing record
// and seeds the derivation of listing addresses.
var ProgramID = crypto.ProgramID(ModuleName)

// Listing records an active sale offer: who is selling which asset at what
// price, plus the derivation bump proving the record's address. The
// persisted layout is seller (32 bytes), asset (32 bytes), price (8 bytes)
// and bump (1 byte).
type Listing struct {
	Seller [32]byte
	Asset  [32]byte
	Price  uint64
	Bump   byte
}

// Copy returns an independent copy safe for the caller to mutate.
func (l *Listing) Copy() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	return &clone
}

// Empty reports whether the listing carries no identity at all. Stored
// listings always have a seller and an asset.
func (l *Listing) Empty() bool {
	return l == nil || (l.Seller == [32]byte{} && l.Asset == [32]byte{})
}

// DeriveListingAddress computes the canonical listing address for an asset
// together with its derivation bump.
func DeriveListingAddress(asset [32]byte) ([32]byte, byte, error) {
	return crypto.DeriveAddress(ProgramID, []byte(SeedListing), asset[:])
}

// VerifyListingAddress recomputes the listing address for an asset using a
// recorded bump and reports whether it matches the expected address.
func VerifyListingAddress(asset [32]byte, bump byte, expected [32]byte) bool {
	derived, err := crypto.DeriveAddressWithBump(ProgramID, bump, []byte(SeedListing), asset[:])
	if err != nil {
		return false
	}
	return derived == expected
}
