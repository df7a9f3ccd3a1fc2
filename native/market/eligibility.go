package market

import "nftmarket/core/types"

// ValidateEligibility checks that an asset qualifies for listing. The checks
// run in a fixed order and the first failure wins, so callers observing an
// error can rely on every earlier property having held:
//
//  1. the mint has zero decimals
//  2. exactly one unit was ever minted
//  3. the mint authority is renounced
//  4. the freeze authority is renounced
//  5. the seller's token account holds the single unit
//  6. the asking price is positive
//
// Price is deliberately checked last: a misconfigured asset surfaces as an
// asset problem even when the price is also wrong.
func ValidateEligibility(mint *types.Mint, sellerToken *types.TokenAccount, price uint64) error {
	if mint == nil {
		return ErrMintNotFound
	}
	if sellerToken == nil {
		return ErrTokenAccountNotFound
	}
	if mint.Decimals != 0 {
		return ErrInvalidMintDecimals
	}
	if mint.Supply != 1 {
		return ErrInvalidMintSupply
	}
	if mint.HasMintAuthority() {
		return ErrInvalidMintAuthority
	}
	if mint.HasFreezeAuthority() {
		return ErrInvalidFreezeAuthority
	}
	if sellerToken.Amount != 1 {
		return ErrInvalidNftAmount
	}
	if price == 0 {
		return ErrInvalidPrice
	}
	return nil
}
