package market

import (
	"errors"

	"nftmarket/native/token"
)

// Sentinel errors returned by the marketplace engine. Each maps to a stable
// tag and a violation kind surfaced through receipts, so callers can tell
// "not eligible to list" from "already sold" from "insufficient funds"
// without parsing messages.
var (
	ErrInvalidMintDecimals    = errors.New("market: mint decimals must be zero")
	ErrInvalidMintSupply      = errors.New("market: mint supply must be one")
	ErrInvalidMintAuthority   = errors.New("market: mint authority must be renounced")
	ErrInvalidFreezeAuthority = errors.New("market: freeze authority must be renounced")
	ErrInvalidNftAmount       = errors.New("market: seller must hold exactly one unit")
	ErrInvalidPrice           = errors.New("market: price must be greater than zero")
	ErrInvalidEscrowAmount    = errors.New("market: escrow must hold exactly one unit")
	ErrInsufficientFunds      = errors.New("market: insufficient funds")
	ErrSelfBuyNotAllowed      = errors.New("market: self buy is not allowed")
	ErrListingExists          = errors.New("market: listing already exists")
	ErrListingNotFound        = errors.New("market: listing not found")
	ErrEscrowNotFound         = errors.New("market: escrow account not found")
	ErrMintNotFound           = errors.New("market: asset mint not found")
	ErrTokenAccountNotFound   = errors.New("market: token account not found")
	ErrIdentityMismatch       = errors.New("market: account does not match its derivation")
	ErrOwnerMismatch          = errors.New("market: token account owner mismatch")
	ErrNotSeller              = errors.New("market: caller is not the listing seller")
	ErrSellerMismatch         = errors.New("market: seller does not match listing")
	ErrAssetMismatch          = errors.New("market: asset does not match listing")
)

// Violation kinds group error tags into the categories client software
// dispatches on.
const (
	KindEligibility   = "EligibilityViolation"
	KindPricing       = "PricingViolation"
	KindIdentity      = "IdentityMismatch"
	KindAuthorization = "AuthorizationViolation"
	KindFunds         = "FundsViolation"
	KindState         = "StateViolation"
)

type errorClass struct {
	tag  string
	kind string
}

var errorClasses = []struct {
	err   error
	class errorClass
}{
	{ErrInvalidMintDecimals, errorClass{"InvalidMintDecimals", KindEligibility}},
	{ErrInvalidMintSupply, errorClass{"InvalidMintSupply", KindEligibility}},
	{ErrInvalidMintAuthority, errorClass{"InvalidMintAuthority", KindEligibility}},
	{ErrInvalidFreezeAuthority, errorClass{"InvalidFreezeAuthority", KindEligibility}},
	{ErrInvalidNftAmount, errorClass{"InvalidNftAmount", KindEligibility}},
	{ErrInvalidPrice, errorClass{"InvalidPrice", KindPricing}},
	{ErrInvalidEscrowAmount, errorClass{"InvalidEscrowAmount", KindState}},
	{ErrInsufficientFunds, errorClass{"InsufficientFunds", KindFunds}},
	{ErrSelfBuyNotAllowed, errorClass{"SelfBuyNotAllowed", KindAuthorization}},
	{ErrListingExists, errorClass{"ListingAlreadyExists", KindState}},
	{ErrListingNotFound, errorClass{"ListingNotFound", KindState}},
	{ErrEscrowNotFound, errorClass{"EscrowNotFound", KindState}},
	{ErrMintNotFound, errorClass{"MintNotFound", KindState}},
	{ErrTokenAccountNotFound, errorClass{"TokenAccountNotFound", KindState}},
	{ErrIdentityMismatch, errorClass{"ConstraintSeeds", KindIdentity}},
	{ErrOwnerMismatch, errorClass{"ConstraintTokenOwner", KindIdentity}},
	{ErrNotSeller, errorClass{"ConstraintHasOne", KindAuthorization}},
	{ErrSellerMismatch, errorClass{"ConstraintHasOne", KindIdentity}},
	{ErrAssetMismatch, errorClass{"ConstraintHasOne", KindIdentity}},
	// Token engine failures that surface through market operations.
	{token.ErrAccountNotFound, errorClass{"TokenAccountNotFound", KindState}},
	{token.ErrAccountNotEmpty, errorClass{"InvalidEscrowAmount", KindState}},
	{token.ErrUnauthorized, errorClass{"ConstraintTokenOwner", KindIdentity}},
	{token.ErrInsufficientBalance, errorClass{"InvalidNftAmount", KindEligibility}},
}

// ErrorTag returns the stable tag for a marketplace error, or the empty
// string for errors outside the taxonomy.
func ErrorTag(err error) string {
	for _, entry := range errorClasses {
		if errors.Is(err, entry.err) {
			return entry.class.tag
		}
	}
	return ""
}

// Kind returns the violation kind for a marketplace error, or the empty
// string for errors outside the taxonomy.
func Kind(err error) string {
	for _, entry := range errorClasses {
		if errors.Is(err, entry.err) {
			return entry.class.kind
		}
	}
	return ""
}
