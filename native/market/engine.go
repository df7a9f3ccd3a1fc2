package market

import (
	"bytes"
	"errors"
	"math/big"

	"nftmarket/core/events"
	"nftmarket/core/types"
	nativecommon "nftmarket/native/common"
	"nftmarket/native/token"
)

var (
	errNilState  = errors.New("market engine: state not configured")
	errNilTokens = errors.New("market engine: token engine not configured")
)

type engineState interface {
	ListingGet(addr [32]byte) (*Listing, bool)
	ListingCreate(addr [32]byte, l *Listing) error
	ListingDelete(addr [32]byte) error
	MintGet(asset [32]byte) (*types.Mint, bool)
	TokenGet(addr [32]byte) (*types.TokenAccount, bool)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Params configures the storage reserve held by listing records. Token
// account reserves come from the token engine's own params.
type Params struct {
	ListingReserve *big.Int
}

func (p Params) normalized() Params {
	out := Params{ListingReserve: big.NewInt(0)}
	if p.ListingReserve != nil {
		out.ListingReserve = new(big.Int).Set(p.ListingReserve)
	}
	return out
}

// Engine implements the marketplace state machine: List escrows an asset
// under a derived listing identity, Cancel returns it to the seller, Buy
// exchanges it for payment. Callers pass client-declared addresses for the
// listing, the escrow and the wallet token accounts; the engine re-derives
// every one of them and rejects mismatches before touching state. Escrowed
// assets move only under the listing's derived authority, which no signing
// key can produce.
type Engine struct {
	state   engineState
	tokens  *token.Engine
	emitter events.Emitter
	pauses  nativecommon.PauseView
	params  Params
}

// NewEngine constructs a market engine bound to the supplied token engine.
func NewEngine(tokens *token.Engine) *Engine {
	return &Engine{
		tokens:  tokens,
		emitter: events.NoopEmitter{},
		params:  Params{}.normalized(),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses configures the pause view for this engine and the underlying
// token engine.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
	if e.tokens != nil {
		e.tokens.SetPauses(p)
	}
}

// SetParams configures the listing storage reserve.
func (e *Engine) SetParams(p Params) { e.params = p.normalized() }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: evt})
}

// Listing returns a copy of the listing stored at addr.
func (e *Engine) Listing(addr [32]byte) (*Listing, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	listing, ok := e.state.ListingGet(addr)
	if !ok {
		return nil, false, nil
	}
	return listing.Copy(), true, nil
}

// List escrows one unit of the asset and records a sale offer at the derived
// listing address. The asset must pass eligibility, the declared addresses
// must match their derivations, and no listing may already exist for the
// asset. The seller funds the listing reserve and, when the escrow token
// account does not exist yet, its reserve too.
func (e *Engine) List(seller, asset, listingAddr, escrowAddr, sellerTokenAddr [32]byte, price uint64) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.tokens == nil {
		return nil, errNilTokens
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}

	mint, ok := e.state.MintGet(asset)
	if !ok {
		return nil, ErrMintNotFound
	}
	derivedListing, bump, err := DeriveListingAddress(asset)
	if err != nil {
		return nil, err
	}
	if listingAddr != derivedListing {
		return nil, ErrIdentityMismatch
	}
	if _, exists := e.state.ListingGet(derivedListing); exists {
		return nil, ErrListingExists
	}

	derivedEscrow, err := e.resolveEscrow(asset, derivedListing, escrowAddr)
	if err != nil {
		return nil, err
	}
	escrowExists := false
	if escrow, ok := e.state.TokenGet(derivedEscrow); ok {
		escrowExists = true
		// A leftover escrow from an earlier cycle is reused, but only empty:
		// anything stuck inside would otherwise be swept into custody.
		if escrow.Amount != 0 {
			return nil, ErrInvalidEscrowAmount
		}
	}

	derivedSellerToken, _, err := token.AssociatedTokenAddress(asset, seller)
	if err != nil {
		return nil, err
	}
	if sellerTokenAddr != derivedSellerToken {
		return nil, ErrOwnerMismatch
	}
	sellerToken, ok := e.state.TokenGet(derivedSellerToken)
	if !ok {
		return nil, ErrTokenAccountNotFound
	}
	if !bytes.Equal(sellerToken.Mint, asset[:]) || !bytes.Equal(sellerToken.Owner, seller[:]) {
		return nil, ErrOwnerMismatch
	}

	if err := ValidateEligibility(mint, sellerToken, price); err != nil {
		return nil, err
	}

	tokenParams := e.tokens.Params()
	required := new(big.Int).Set(e.params.ListingReserve)
	if !escrowExists {
		required.Add(required, tokenParams.AccountReserve)
	}
	sellerAccount, err := e.loadAccount(seller[:])
	if err != nil {
		return nil, err
	}
	if sellerAccount.Spendable(tokenParams.MinimumReserve).Cmp(required) < 0 {
		return nil, ErrInsufficientFunds
	}

	if !escrowExists {
		if _, err := e.tokens.CreateAccount(seller, asset, derivedListing); err != nil {
			return nil, err
		}
	}
	if err := e.tokens.Transfer(seller, derivedSellerToken, derivedEscrow, 1); err != nil {
		return nil, err
	}
	if err := e.chargeListingReserve(seller, derivedListing, tokenParams.MinimumReserve); err != nil {
		return nil, err
	}
	listing := &Listing{Seller: seller, Asset: asset, Price: price, Bump: bump}
	if err := e.state.ListingCreate(derivedListing, listing); err != nil {
		return nil, err
	}
	e.emit(NewListedEvent(derivedListing, listing))
	return listing.Copy(), nil
}

// Cancel withdraws a listing. Only the recorded seller may call it; the
// escrowed unit returns to the seller's token account and both the escrow
// and the listing are destroyed, their reserves refunded to the seller.
func (e *Engine) Cancel(caller, asset, listingAddr, escrowAddr, sellerTokenAddr [32]byte) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.tokens == nil {
		return nil, errNilTokens
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}

	listing, derivedListing, err := e.resolveListing(asset, listingAddr)
	if err != nil {
		return nil, err
	}
	if listing.Seller != caller {
		return nil, ErrNotSeller
	}

	derivedSellerToken, _, err := token.AssociatedTokenAddress(asset, caller)
	if err != nil {
		return nil, err
	}
	if sellerTokenAddr != derivedSellerToken {
		return nil, ErrOwnerMismatch
	}
	sellerToken, ok := e.state.TokenGet(derivedSellerToken)
	if !ok {
		return nil, ErrTokenAccountNotFound
	}
	if !bytes.Equal(sellerToken.Mint, asset[:]) || !bytes.Equal(sellerToken.Owner, caller[:]) {
		return nil, ErrOwnerMismatch
	}
	derivedEscrow, err := e.resolveEscrow(asset, derivedListing, escrowAddr)
	if err != nil {
		return nil, err
	}
	if err := e.checkEscrowHolds(derivedEscrow); err != nil {
		return nil, err
	}

	// The listing address is the escrow's owner; passing it as the transfer
	// authority is the only way escrowed units ever leave custody.
	if err := e.tokens.Transfer(derivedListing, derivedEscrow, derivedSellerToken, 1); err != nil {
		return nil, err
	}
	if err := e.tokens.CloseAccount(derivedListing, derivedEscrow, listing.Seller); err != nil {
		return nil, err
	}
	if err := e.closeListing(derivedListing, listing.Seller); err != nil {
		return nil, err
	}
	e.emit(NewSaleCancelledEvent(derivedListing, listing))
	return listing.Copy(), nil
}

// Buy settles a listing: payment moves from buyer to seller, the escrowed
// unit moves to the buyer, and the consumed listing and escrow are destroyed
// with their reserves refunded to the seller. The buyer's token account is
// created on the fly when absent, funded by the buyer.
func (e *Engine) Buy(buyer, seller, asset, listingAddr, escrowAddr, buyerTokenAddr [32]byte) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.tokens == nil {
		return nil, errNilTokens
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}

	listing, derivedListing, err := e.resolveListing(asset, listingAddr)
	if err != nil {
		return nil, err
	}
	if listing.Seller != seller {
		return nil, ErrSellerMismatch
	}

	derivedEscrow, err := e.resolveEscrow(asset, derivedListing, escrowAddr)
	if err != nil {
		return nil, err
	}
	derivedBuyerToken, _, err := token.AssociatedTokenAddress(asset, buyer)
	if err != nil {
		return nil, err
	}
	if buyerTokenAddr != derivedBuyerToken {
		return nil, ErrOwnerMismatch
	}
	buyerTokenExists := false
	if buyerToken, ok := e.state.TokenGet(derivedBuyerToken); ok {
		buyerTokenExists = true
		if !bytes.Equal(buyerToken.Mint, asset[:]) || !bytes.Equal(buyerToken.Owner, buyer[:]) {
			return nil, ErrOwnerMismatch
		}
	}

	if buyer == seller {
		return nil, ErrSelfBuyNotAllowed
	}
	if listing.Price == 0 {
		return nil, ErrInvalidPrice
	}
	if err := e.checkEscrowHolds(derivedEscrow); err != nil {
		return nil, err
	}

	tokenParams := e.tokens.Params()
	price := new(big.Int).SetUint64(listing.Price)
	required := new(big.Int).Set(price)
	if !buyerTokenExists {
		required.Add(required, tokenParams.AccountReserve)
	}
	buyerAccount, err := e.loadAccount(buyer[:])
	if err != nil {
		return nil, err
	}
	if buyerAccount.Spendable(tokenParams.MinimumReserve).Cmp(required) < 0 {
		return nil, ErrInsufficientFunds
	}

	if !buyerTokenExists {
		if _, err := e.tokens.CreateAccount(buyer, asset, buyer); err != nil {
			return nil, err
		}
	}
	if err := e.payPrice(buyer, listing.Seller, price); err != nil {
		return nil, err
	}
	if err := e.tokens.Transfer(derivedListing, derivedEscrow, derivedBuyerToken, 1); err != nil {
		return nil, err
	}
	if err := e.tokens.CloseAccount(derivedListing, derivedEscrow, listing.Seller); err != nil {
		return nil, err
	}
	if err := e.closeListing(derivedListing, listing.Seller); err != nil {
		return nil, err
	}
	e.emit(NewSoldEvent(derivedListing, listing, buyer))
	return listing.Copy(), nil
}

// resolveListing validates the declared listing address against its
// derivation and loads the listing record. The stored bump must reproduce
// the same listing address, proving the record belongs to the asset it
// claims.
func (e *Engine) resolveListing(asset, listingAddr [32]byte) (*Listing, [32]byte, error) {
	var zero [32]byte
	derivedListing, _, err := DeriveListingAddress(asset)
	if err != nil {
		return nil, zero, err
	}
	if listingAddr != derivedListing {
		return nil, zero, ErrIdentityMismatch
	}
	listing, ok := e.state.ListingGet(derivedListing)
	if !ok {
		return nil, zero, ErrListingNotFound
	}
	if !VerifyListingAddress(asset, listing.Bump, derivedListing) {
		return nil, zero, ErrIdentityMismatch
	}
	if listing.Asset != asset {
		return nil, zero, ErrAssetMismatch
	}
	return listing, derivedListing, nil
}

// resolveEscrow validates the declared escrow address against the
// associated-token derivation for (asset, listing) and, when the account
// exists, its recorded mint and owner.
func (e *Engine) resolveEscrow(asset, listingAddr, escrowAddr [32]byte) ([32]byte, error) {
	var zero [32]byte
	derivedEscrow, _, err := token.AssociatedTokenAddress(asset, listingAddr)
	if err != nil {
		return zero, err
	}
	if escrowAddr != derivedEscrow {
		return zero, ErrOwnerMismatch
	}
	if escrow, ok := e.state.TokenGet(derivedEscrow); ok {
		if !bytes.Equal(escrow.Mint, asset[:]) || !bytes.Equal(escrow.Owner, listingAddr[:]) {
			return zero, ErrOwnerMismatch
		}
	}
	return derivedEscrow, nil
}

// checkEscrowHolds verifies the escrow token account exists and holds the
// single escrowed unit.
func (e *Engine) checkEscrowHolds(escrowAddr [32]byte) error {
	escrow, ok := e.state.TokenGet(escrowAddr)
	if !ok {
		return ErrEscrowNotFound
	}
	if escrow.Amount != 1 {
		return ErrInvalidEscrowAmount
	}
	return nil
}

func (e *Engine) chargeListingReserve(seller, listingAddr [32]byte, retained *big.Int) error {
	amount := e.params.ListingReserve
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	payer, err := e.loadAccount(seller[:])
	if err != nil {
		return err
	}
	if payer.Spendable(retained).Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	holder, err := e.loadAccount(listingAddr[:])
	if err != nil {
		return err
	}
	payer.Balance = new(big.Int).Sub(payer.Balance, amount)
	holder.Balance = new(big.Int).Add(holder.Balance, amount)
	if err := e.state.PutAccount(seller[:], payer); err != nil {
		return err
	}
	return e.state.PutAccount(listingAddr[:], holder)
}

func (e *Engine) payPrice(buyer, seller [32]byte, price *big.Int) error {
	if price.Sign() == 0 {
		return nil
	}
	payerAccount, err := e.loadAccount(buyer[:])
	if err != nil {
		return err
	}
	if payerAccount.Balance.Cmp(price) < 0 {
		return ErrInsufficientFunds
	}
	sellerAccount, err := e.loadAccount(seller[:])
	if err != nil {
		return err
	}
	payerAccount.Balance = new(big.Int).Sub(payerAccount.Balance, price)
	sellerAccount.Balance = new(big.Int).Add(sellerAccount.Balance, price)
	if err := e.state.PutAccount(buyer[:], payerAccount); err != nil {
		return err
	}
	return e.state.PutAccount(seller[:], sellerAccount)
}

// closeListing destroys the listing record and refunds the native balance
// held at its address, the storage reserve, to the seller.
func (e *Engine) closeListing(addr [32]byte, seller [32]byte) error {
	holder, err := e.loadAccount(addr[:])
	if err != nil {
		return err
	}
	if holder.Balance.Sign() > 0 {
		recipient, err := e.loadAccount(seller[:])
		if err != nil {
			return err
		}
		recipient.Balance = new(big.Int).Add(recipient.Balance, holder.Balance)
		holder.Balance = big.NewInt(0)
		if err := e.state.PutAccount(addr[:], holder); err != nil {
			return err
		}
		if err := e.state.PutAccount(seller[:], recipient); err != nil {
			return err
		}
	}
	return e.state.ListingDelete(addr)
}

func (e *Engine) loadAccount(addr []byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return types.NewAccount(), nil
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc, nil
}
