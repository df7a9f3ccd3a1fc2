package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"nftmarket/core/state"
	"nftmarket/core/types"
	"nftmarket/crypto"
	nativecommon "nftmarket/native/common"
	"nftmarket/native/market"
	"nftmarket/native/token"
	"nftmarket/storage/trie"
)

const (
	testListingReserve = 3_000_000
	testAccountReserve = 2_000_000
	testMinimumReserve = 1_000_000
	testInitialBalance = 500_000_000
)

type pauseViewStub struct {
	paused map[string]bool
}

func (p pauseViewStub) IsPaused(module string) bool { return p.paused[module] }

type marketTestEnv struct {
	t      *testing.T
	sp     *StateProcessor
	height uint64
}

func newMarketTestEnv(t *testing.T) *marketTestEnv {
	t.Helper()
	tr, err := trie.NewTrie()
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	manager := state.NewManager(tr)
	err = manager.SetParams(state.Params{
		ListingReserve:      big.NewInt(testListingReserve),
		TokenAccountReserve: big.NewInt(testAccountReserve),
		MinimumReserve:      big.NewInt(testMinimumReserve),
	})
	if err != nil {
		t.Fatalf("set params: %v", err)
	}
	if _, err := tr.Commit(tr.Root(), 0); err != nil {
		t.Fatalf("commit genesis: %v", err)
	}
	return &marketTestEnv{t: t, sp: NewStateProcessor(tr)}
}

func (env *marketTestEnv) newKey() *crypto.PrivateKey {
	env.t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		env.t.Fatalf("generate key: %v", err)
	}
	return key
}

func (env *marketTestEnv) fundedKey(amount int64) *crypto.PrivateKey {
	env.t.Helper()
	key := env.newKey()
	id := key.PubKey().Identity()
	manager := state.NewManager(env.sp.Trie)
	account, err := manager.GetAccount(id[:])
	if err != nil {
		env.t.Fatalf("get account: %v", err)
	}
	account.Balance = new(big.Int).Add(account.Balance, big.NewInt(amount))
	if err := manager.PutAccount(id[:], account); err != nil {
		env.t.Fatalf("put account: %v", err)
	}
	env.commit()
	return key
}

func (env *marketTestEnv) commit() {
	env.t.Helper()
	if _, err := env.sp.Commit(env.height + 1); err != nil {
		env.t.Fatalf("commit: %v", err)
	}
	env.height++
}

func (env *marketTestEnv) account(id [32]byte) *types.Account {
	env.t.Helper()
	manager := state.NewManager(env.sp.Trie)
	account, err := manager.GetAccount(id[:])
	if err != nil {
		env.t.Fatalf("get account: %v", err)
	}
	return account
}

func (env *marketTestEnv) tokenAccount(addr [32]byte) (*types.TokenAccount, bool) {
	manager := state.NewManager(env.sp.Trie)
	return manager.TokenGet(addr)
}

func (env *marketTestEnv) listing(addr [32]byte) (*market.Listing, bool) {
	manager := state.NewManager(env.sp.Trie)
	return manager.ListingGet(addr)
}

func (env *marketTestEnv) signedTx(key *crypto.PrivateKey, txType types.TxType, to []byte, value *big.Int, payload interface{}) *types.Transaction {
	env.t.Helper()
	var data []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			env.t.Fatalf("marshal payload: %v", err)
		}
		data = encoded
	}
	id := key.PubKey().Identity()
	tx := &types.Transaction{
		Type:  txType,
		Nonce: env.account(id).Nonce,
		To:    to,
		Value: value,
		Data:  data,
	}
	if err := tx.Sign(key); err != nil {
		env.t.Fatalf("sign transaction: %v", err)
	}
	return tx
}

func (env *marketTestEnv) mustApply(tx *types.Transaction) {
	env.t.Helper()
	if err := env.sp.ApplyTransaction(tx); err != nil {
		env.t.Fatalf("apply %s: %v", tx.Type, err)
	}
	env.commit()
}

// applyRejected runs a transaction expected to fail and resets the trie to
// the pre-transaction root, the way the node does.
func (env *marketTestEnv) applyRejected(tx *types.Transaction) error {
	env.t.Helper()
	parent := env.sp.CurrentRoot()
	err := env.sp.ApplyTransaction(tx)
	if err == nil {
		env.t.Fatalf("expected %s to be rejected", tx.Type)
	}
	if resetErr := env.sp.ResetToRoot(parent); resetErr != nil {
		env.t.Fatalf("reset to root: %v", resetErr)
	}
	return err
}

// issueAssetTo walks an asset through the full issuance flow as the owner:
// declare the mint, create the owner's associated account, mint the single
// unit, and renounce the mint authority. Returns the owner's token address.
func (env *marketTestEnv) issueAssetTo(owner *crypto.PrivateKey, asset [32]byte) [32]byte {
	env.t.Helper()
	ownerID := owner.PubKey().Identity()
	env.mustApply(env.signedTx(owner, types.TxTypeCreateMint, nil, nil, map[string]interface{}{
		"asset":    asset[:],
		"decimals": 0,
	}))
	env.mustApply(env.signedTx(owner, types.TxTypeCreateTokenAccount, nil, nil, map[string]interface{}{
		"mint": asset[:],
	}))
	tokenAddr, _, err := token.AssociatedTokenAddress(asset, ownerID)
	if err != nil {
		env.t.Fatalf("derive token account: %v", err)
	}
	env.mustApply(env.signedTx(owner, types.TxTypeMintAsset, nil, nil, map[string]interface{}{
		"mint":   asset[:],
		"to":     tokenAddr[:],
		"amount": 1,
	}))
	env.mustApply(env.signedTx(owner, types.TxTypeSetAuthority, nil, nil, map[string]interface{}{
		"mint": asset[:],
		"role": "mint",
	}))
	return tokenAddr
}

// marketAddresses derives the full address set for market operations on an
// asset.
func (env *marketTestEnv) marketAddresses(asset [32]byte) (listingAddr, escrowAddr [32]byte) {
	env.t.Helper()
	listingAddr, _, err := market.DeriveListingAddress(asset)
	if err != nil {
		env.t.Fatalf("derive listing address: %v", err)
	}
	escrowAddr, _, err = token.AssociatedTokenAddress(asset, listingAddr)
	if err != nil {
		env.t.Fatalf("derive escrow address: %v", err)
	}
	return listingAddr, escrowAddr
}

func (env *marketTestEnv) listPayload(seller [32]byte, asset [32]byte, price uint64) map[string]interface{} {
	env.t.Helper()
	listingAddr, escrowAddr := env.marketAddresses(asset)
	sellerToken, _, err := token.AssociatedTokenAddress(asset, seller)
	if err != nil {
		env.t.Fatalf("derive seller token address: %v", err)
	}
	return map[string]interface{}{
		"asset":        asset[:],
		"listing":      listingAddr[:],
		"escrow":       escrowAddr[:],
		"tokenAccount": sellerToken[:],
		"price":        price,
	}
}

func (env *marketTestEnv) buyPayload(buyer, seller [32]byte, asset [32]byte) map[string]interface{} {
	env.t.Helper()
	listingAddr, escrowAddr := env.marketAddresses(asset)
	buyerToken, _, err := token.AssociatedTokenAddress(asset, buyer)
	if err != nil {
		env.t.Fatalf("derive buyer token address: %v", err)
	}
	return map[string]interface{}{
		"asset":        asset[:],
		"listing":      listingAddr[:],
		"escrow":       escrowAddr[:],
		"tokenAccount": buyerToken[:],
		"seller":       seller[:],
	}
}

func assetID(fill byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

func TestListEscrowsAssetAndChargesReserves(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()

	asset := assetID(0xA1)
	sellerToken := env.issueAssetTo(seller, asset)
	listingAddr, escrowAddr := env.marketAddresses(asset)
	balanceBefore := new(big.Int).Set(env.account(sellerID).Balance)

	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 500)))

	listing, ok := env.listing(listingAddr)
	if !ok {
		t.Fatalf("expected listing at derived address")
	}
	if listing.Seller != sellerID || listing.Asset != asset || listing.Price != 500 {
		t.Fatalf("unexpected listing: %+v", listing)
	}
	if !market.VerifyListingAddress(asset, listing.Bump, listingAddr) {
		t.Fatalf("stored bump does not reproduce the listing address")
	}

	escrow, ok := env.tokenAccount(escrowAddr)
	if !ok {
		t.Fatalf("expected escrow token account")
	}
	if escrow.Amount != 1 {
		t.Fatalf("escrow holds %d units, want 1", escrow.Amount)
	}
	if !bytes.Equal(escrow.Owner, listingAddr[:]) {
		t.Fatalf("escrow owner is not the listing authority")
	}
	if sellerAcc, _ := env.tokenAccount(sellerToken); sellerAcc.Amount != 0 {
		t.Fatalf("seller still holds %d units", sellerAcc.Amount)
	}

	// The seller funded the listing reserve and the new escrow account's
	// reserve; both sit at the derived addresses until the listing closes.
	spent := new(big.Int).Sub(balanceBefore, env.account(sellerID).Balance)
	wantSpent := big.NewInt(testListingReserve + testAccountReserve)
	if spent.Cmp(wantSpent) != 0 {
		t.Fatalf("seller spent %s, want %s", spent, wantSpent)
	}
	if held := env.account(listingAddr).Balance; held.Cmp(big.NewInt(testListingReserve)) != 0 {
		t.Fatalf("listing address holds %s, want %d", held, testListingReserve)
	}
	if held := env.account(escrowAddr).Balance; held.Cmp(big.NewInt(testAccountReserve)) != 0 {
		t.Fatalf("escrow address holds %s, want %d", held, testAccountReserve)
	}
	if nonce := env.account(sellerID).Nonce; nonce != 5 {
		t.Fatalf("seller nonce is %d, want 5", nonce)
	}
}

func TestCancelReturnsAssetAndRefundsThenRelist(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()

	asset := assetID(0xB2)
	sellerToken := env.issueAssetTo(seller, asset)
	listingAddr, escrowAddr := env.marketAddresses(asset)
	balanceBeforeList := new(big.Int).Set(env.account(sellerID).Balance)

	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 500)))
	env.mustApply(env.signedTx(seller, types.TxTypeCancelListing, nil, nil, env.listPayload(sellerID, asset, 0)))

	if _, ok := env.listing(listingAddr); ok {
		t.Fatalf("listing should be destroyed after cancel")
	}
	if _, ok := env.tokenAccount(escrowAddr); ok {
		t.Fatalf("escrow account should be destroyed after cancel")
	}
	if sellerAcc, _ := env.tokenAccount(sellerToken); sellerAcc.Amount != 1 {
		t.Fatalf("seller holds %d units after cancel, want 1", sellerAcc.Amount)
	}
	if got := env.account(sellerID).Balance; got.Cmp(balanceBeforeList) != 0 {
		t.Fatalf("seller balance %s after cancel, want %s back", got, balanceBeforeList)
	}
	if held := env.account(listingAddr).Balance; held.Sign() != 0 {
		t.Fatalf("listing address still holds %s", held)
	}
	if held := env.account(escrowAddr).Balance; held.Sign() != 0 {
		t.Fatalf("escrow address still holds %s", held)
	}

	// The same asset can be listed again after a cancel.
	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 750)))
	listing, ok := env.listing(listingAddr)
	if !ok || listing.Price != 750 {
		t.Fatalf("expected relisted asset at price 750, got %+v", listing)
	}
}

func TestBuySettlesPaymentAssetAndReserves(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	buyer := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()
	buyerID := buyer.PubKey().Identity()

	asset := assetID(0xC3)
	sellerToken := env.issueAssetTo(seller, asset)
	listingAddr, escrowAddr := env.marketAddresses(asset)
	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 500)))

	sellerBefore := new(big.Int).Set(env.account(sellerID).Balance)
	buyerBefore := new(big.Int).Set(env.account(buyerID).Balance)

	env.mustApply(env.signedTx(buyer, types.TxTypeBuyAsset, nil, nil, env.buyPayload(buyerID, sellerID, asset)))

	if _, ok := env.listing(listingAddr); ok {
		t.Fatalf("listing should be destroyed after buy")
	}
	if _, ok := env.tokenAccount(escrowAddr); ok {
		t.Fatalf("escrow account should be destroyed after buy")
	}
	buyerToken, _, err := token.AssociatedTokenAddress(asset, buyerID)
	if err != nil {
		t.Fatalf("derive buyer token address: %v", err)
	}
	if acc, ok := env.tokenAccount(buyerToken); !ok || acc.Amount != 1 {
		t.Fatalf("buyer token account should hold the unit, got %+v", acc)
	}
	if acc, _ := env.tokenAccount(sellerToken); acc.Amount != 0 {
		t.Fatalf("seller token account should be empty, holds %d", acc.Amount)
	}

	// Buyer paid the price plus the reserve for their new token account.
	buyerSpent := new(big.Int).Sub(buyerBefore, env.account(buyerID).Balance)
	if want := big.NewInt(500 + testAccountReserve); buyerSpent.Cmp(want) != 0 {
		t.Fatalf("buyer spent %s, want %s", buyerSpent, want)
	}
	// Seller received the price plus both refunded reserves.
	sellerGained := new(big.Int).Sub(env.account(sellerID).Balance, sellerBefore)
	if want := big.NewInt(500 + testListingReserve + testAccountReserve); sellerGained.Cmp(want) != 0 {
		t.Fatalf("seller gained %s, want %s", sellerGained, want)
	}

	events := env.sp.Events()
	if len(events) == 0 {
		t.Fatalf("expected buffered market events")
	}
	last := events[len(events)-1]
	if last.Type != market.EventTypeAssetSold {
		t.Fatalf("last event is %q, want %q", last.Type, market.EventTypeAssetSold)
	}
	if last.Attributes["price"] != "500" {
		t.Fatalf("sold event price = %q", last.Attributes["price"])
	}
}

func TestBuyerCanRelistPurchasedAsset(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	buyer := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()
	buyerID := buyer.PubKey().Identity()

	asset := assetID(0xD4)
	env.issueAssetTo(seller, asset)
	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 500)))
	env.mustApply(env.signedTx(buyer, types.TxTypeBuyAsset, nil, nil, env.buyPayload(buyerID, sellerID, asset)))

	// The new owner lists the same asset at a new price.
	env.mustApply(env.signedTx(buyer, types.TxTypeListAsset, nil, nil, env.listPayload(buyerID, asset, 200_000_000)))
	listingAddr, _ := env.marketAddresses(asset)
	listing, ok := env.listing(listingAddr)
	if !ok {
		t.Fatalf("expected relisted asset")
	}
	if listing.Seller != buyerID || listing.Price != 200_000_000 {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	// The previous owner has no claim on the new listing.
	err := env.applyRejected(env.signedTx(seller, types.TxTypeCancelListing, nil, nil, env.listPayload(sellerID, asset, 0)))
	if !errors.Is(err, market.ErrNotSeller) {
		t.Fatalf("expected not-seller rejection, got %v", err)
	}
}

func TestHighValuePurchaseWithExactFunds(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()

	const price = 200_000_000
	buyer := env.fundedKey(price + testAccountReserve + testMinimumReserve)
	buyerID := buyer.PubKey().Identity()

	asset := assetID(0xE5)
	env.issueAssetTo(seller, asset)
	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, price)))
	sellerBefore := new(big.Int).Set(env.account(sellerID).Balance)

	env.mustApply(env.signedTx(buyer, types.TxTypeBuyAsset, nil, nil, env.buyPayload(buyerID, sellerID, asset)))

	// Exact funding leaves the buyer at the minimum reserve floor.
	if got := env.account(buyerID).Balance; got.Cmp(big.NewInt(testMinimumReserve)) != 0 {
		t.Fatalf("buyer balance %s, want %d", got, testMinimumReserve)
	}
	sellerGained := new(big.Int).Sub(env.account(sellerID).Balance, sellerBefore)
	if want := big.NewInt(price + testListingReserve + testAccountReserve); sellerGained.Cmp(want) != 0 {
		t.Fatalf("seller gained %s, want %s", sellerGained, want)
	}
}

func TestBuyInsufficientFundsLeavesNoTrace(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()

	const price = 200_000_000
	// One unit short of price + account reserve + minimum reserve.
	buyer := env.fundedKey(price + testAccountReserve + testMinimumReserve - 1)
	buyerID := buyer.PubKey().Identity()

	asset := assetID(0xF6)
	env.issueAssetTo(seller, asset)
	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, price)))

	rootBefore := env.sp.CurrentRoot()
	buyerBefore := new(big.Int).Set(env.account(buyerID).Balance)

	err := env.applyRejected(env.signedTx(buyer, types.TxTypeBuyAsset, nil, nil, env.buyPayload(buyerID, sellerID, asset)))
	if !errors.Is(err, market.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	if env.sp.CurrentRoot() != rootBefore {
		t.Fatalf("state root changed after rejected buy")
	}
	listingAddr, escrowAddr := env.marketAddresses(asset)
	if _, ok := env.listing(listingAddr); !ok {
		t.Fatalf("listing should survive a rejected buy")
	}
	if escrow, ok := env.tokenAccount(escrowAddr); !ok || escrow.Amount != 1 {
		t.Fatalf("escrow should still hold the unit")
	}
	buyerToken, _, err := token.AssociatedTokenAddress(asset, buyerID)
	if err != nil {
		t.Fatalf("derive buyer token address: %v", err)
	}
	if _, ok := env.tokenAccount(buyerToken); ok {
		t.Fatalf("buyer token account should not have been created")
	}
	if got := env.account(buyerID).Balance; got.Cmp(buyerBefore) != 0 {
		t.Fatalf("buyer balance changed: %s", got)
	}
	if nonce := env.account(buyerID).Nonce; nonce != 0 {
		t.Fatalf("buyer nonce advanced to %d on a rejected transaction", nonce)
	}
}

func TestSelfBuyRejected(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()

	asset := assetID(0x11)
	env.issueAssetTo(seller, asset)
	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 500)))

	err := env.applyRejected(env.signedTx(seller, types.TxTypeBuyAsset, nil, nil, env.buyPayload(sellerID, sellerID, asset)))
	if !errors.Is(err, market.ErrSelfBuyNotAllowed) {
		t.Fatalf("expected self-buy rejection, got %v", err)
	}
}

func TestListRejectsIneligibleAssetsInOrder(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()

	sellerTokenFor := func(asset [32]byte) [32]byte {
		addr, _, err := token.AssociatedTokenAddress(asset, sellerID)
		if err != nil {
			t.Fatalf("derive token address: %v", err)
		}
		return addr
	}

	cases := []struct {
		name    string
		asset   [32]byte
		setup   func(asset [32]byte)
		price   uint64
		wantErr error
	}{
		{
			name:  "nonzero decimals reported first",
			asset: assetID(0x21),
			setup: func(asset [32]byte) {
				// Violates every rule at once; decimals must win.
				dest := sellerTokenFor(asset)
				env.mustApply(env.signedTx(seller, types.TxTypeCreateMint, nil, nil, map[string]interface{}{
					"asset": asset[:], "decimals": 6, "withFreezeAuthority": true,
				}))
				env.mustApply(env.signedTx(seller, types.TxTypeCreateTokenAccount, nil, nil, map[string]interface{}{
					"mint": asset[:],
				}))
				env.mustApply(env.signedTx(seller, types.TxTypeMintAsset, nil, nil, map[string]interface{}{
					"mint": asset[:], "to": dest[:], "amount": 5,
				}))
			},
			price:   500,
			wantErr: market.ErrInvalidMintDecimals,
		},
		{
			name:  "supply above one",
			asset: assetID(0x22),
			setup: func(asset [32]byte) {
				dest := sellerTokenFor(asset)
				env.mustApply(env.signedTx(seller, types.TxTypeCreateMint, nil, nil, map[string]interface{}{
					"asset": asset[:], "decimals": 0,
				}))
				env.mustApply(env.signedTx(seller, types.TxTypeCreateTokenAccount, nil, nil, map[string]interface{}{
					"mint": asset[:],
				}))
				env.mustApply(env.signedTx(seller, types.TxTypeMintAsset, nil, nil, map[string]interface{}{
					"mint": asset[:], "to": dest[:], "amount": 2,
				}))
				env.mustApply(env.signedTx(seller, types.TxTypeSetAuthority, nil, nil, map[string]interface{}{
					"mint": asset[:], "role": "mint",
				}))
			},
			price:   500,
			wantErr: market.ErrInvalidMintSupply,
		},
		{
			name:  "mint authority retained",
			asset: assetID(0x23),
			setup: func(asset [32]byte) {
				dest := sellerTokenFor(asset)
				env.mustApply(env.signedTx(seller, types.TxTypeCreateMint, nil, nil, map[string]interface{}{
					"asset": asset[:], "decimals": 0,
				}))
				env.mustApply(env.signedTx(seller, types.TxTypeCreateTokenAccount, nil, nil, map[string]interface{}{
					"mint": asset[:],
				}))
				env.mustApply(env.signedTx(seller, types.TxTypeMintAsset, nil, nil, map[string]interface{}{
					"mint": asset[:], "to": dest[:], "amount": 1,
				}))
			},
			price:   500,
			wantErr: market.ErrInvalidMintAuthority,
		},
		{
			name:  "freeze authority retained",
			asset: assetID(0x24),
			setup: func(asset [32]byte) {
				dest := sellerTokenFor(asset)
				env.mustApply(env.signedTx(seller, types.TxTypeCreateMint, nil, nil, map[string]interface{}{
					"asset": asset[:], "decimals": 0, "withFreezeAuthority": true,
				}))
				env.mustApply(env.signedTx(seller, types.TxTypeCreateTokenAccount, nil, nil, map[string]interface{}{
					"mint": asset[:],
				}))
				env.mustApply(env.signedTx(seller, types.TxTypeMintAsset, nil, nil, map[string]interface{}{
					"mint": asset[:], "to": dest[:], "amount": 1,
				}))
				env.mustApply(env.signedTx(seller, types.TxTypeSetAuthority, nil, nil, map[string]interface{}{
					"mint": asset[:], "role": "mint",
				}))
			},
			price:   500,
			wantErr: market.ErrInvalidFreezeAuthority,
		},
		{
			name:  "seller does not hold the unit",
			asset: assetID(0x25),
			setup: func(asset [32]byte) {
				env.issueAssetTo(seller, asset)
				// Move the unit to another owner; the seller keeps an empty account.
				other := env.fundedKey(testInitialBalance)
				otherID := other.PubKey().Identity()
				env.mustApply(env.signedTx(seller, types.TxTypeCreateTokenAccount, nil, nil, map[string]interface{}{
					"mint": asset[:], "owner": otherID[:],
				}))
				otherToken, _, err := token.AssociatedTokenAddress(asset, otherID)
				if err != nil {
					t.Fatalf("derive token address: %v", err)
				}
				source := sellerTokenFor(asset)
				env.mustApply(env.signedTx(seller, types.TxTypeTokenTransfer, nil, nil, map[string]interface{}{
					"from": source[:], "to": otherToken[:], "amount": 1,
				}))
			},
			price:   500,
			wantErr: market.ErrInvalidNftAmount,
		},
		{
			name:  "zero price checked last",
			asset: assetID(0x26),
			setup: func(asset [32]byte) {
				env.issueAssetTo(seller, asset)
			},
			price:   0,
			wantErr: market.ErrInvalidPrice,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setup(tc.asset)
			err := env.applyRejected(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, tc.asset, tc.price)))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestListRejectsMismatchedAddressDeclarations(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()

	asset := assetID(0x31)
	env.issueAssetTo(seller, asset)

	var wrong [32]byte
	wrong[0] = 0xFF

	cases := []struct {
		name    string
		mutate  func(payload map[string]interface{})
		wantErr error
	}{
		{
			name:    "wrong listing address",
			mutate:  func(p map[string]interface{}) { p["listing"] = wrong[:] },
			wantErr: market.ErrIdentityMismatch,
		},
		{
			name:    "wrong escrow address",
			mutate:  func(p map[string]interface{}) { p["escrow"] = wrong[:] },
			wantErr: market.ErrOwnerMismatch,
		},
		{
			name:    "wrong seller token account",
			mutate:  func(p map[string]interface{}) { p["tokenAccount"] = wrong[:] },
			wantErr: market.ErrOwnerMismatch,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := env.listPayload(sellerID, asset, 500)
			tc.mutate(payload)
			err := env.applyRejected(env.signedTx(seller, types.TxTypeListAsset, nil, nil, payload))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestListTwiceRejected(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()

	asset := assetID(0x41)
	env.issueAssetTo(seller, asset)
	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 500)))

	err := env.applyRejected(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 600)))
	if !errors.Is(err, market.ErrListingExists) {
		t.Fatalf("expected listing-exists rejection, got %v", err)
	}
}

func TestBuyRejectsWrongSellerDeclaration(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	buyer := env.fundedKey(testInitialBalance)
	impostor := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()
	buyerID := buyer.PubKey().Identity()
	impostorID := impostor.PubKey().Identity()

	asset := assetID(0x42)
	env.issueAssetTo(seller, asset)
	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 500)))

	err := env.applyRejected(env.signedTx(buyer, types.TxTypeBuyAsset, nil, nil, env.buyPayload(buyerID, impostorID, asset)))
	if !errors.Is(err, market.ErrSellerMismatch) {
		t.Fatalf("expected seller mismatch, got %v", err)
	}
}

func TestNonceReplayAndGapsRejected(t *testing.T) {
	env := newMarketTestEnv(t)
	sender := env.fundedKey(testInitialBalance)
	recipient := env.fundedKey(testInitialBalance)
	recipientID := recipient.PubKey().Identity()

	tx := env.signedTx(sender, types.TxTypeTransfer, recipientID[:], big.NewInt(1000), nil)
	env.mustApply(tx)

	// Replaying the exact same signed transaction must fail.
	err := env.applyRejected(tx)
	if !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected nonce mismatch on replay, got %v", err)
	}

	// A nonce in the future is just as invalid.
	future := &types.Transaction{
		Type:  types.TxTypeTransfer,
		Nonce: 5,
		To:    recipientID[:],
		Value: big.NewInt(1000),
	}
	if err := future.Sign(sender); err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	err = env.applyRejected(future)
	if !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected nonce mismatch on gap, got %v", err)
	}
}

func TestUnknownTxTypeRejected(t *testing.T) {
	env := newMarketTestEnv(t)
	sender := env.fundedKey(testInitialBalance)

	tx := env.signedTx(sender, types.TxType(0x7F), nil, nil, nil)
	err := env.applyRejected(tx)
	if !errors.Is(err, ErrUnknownTxType) {
		t.Fatalf("expected unknown type rejection, got %v", err)
	}
}

func TestTamperedTransactionRejected(t *testing.T) {
	env := newMarketTestEnv(t)
	sender := env.fundedKey(testInitialBalance)
	recipient := env.fundedKey(testInitialBalance)
	recipientID := recipient.PubKey().Identity()

	tx := env.signedTx(sender, types.TxTypeTransfer, recipientID[:], big.NewInt(1000), nil)
	tx.Value = big.NewInt(400_000_000)

	err := env.applyRejected(tx)
	if !errors.Is(err, types.ErrInvalidSignature) {
		t.Fatalf("expected signature rejection, got %v", err)
	}
}

func TestTransferMovesBalanceAndGuardsReserve(t *testing.T) {
	env := newMarketTestEnv(t)
	sender := env.fundedKey(testInitialBalance)
	recipient := env.fundedKey(testInitialBalance)
	senderID := sender.PubKey().Identity()
	recipientID := recipient.PubKey().Identity()

	env.mustApply(env.signedTx(sender, types.TxTypeTransfer, recipientID[:], big.NewInt(25_000), nil))
	if got := env.account(recipientID).Balance; got.Cmp(big.NewInt(testInitialBalance+25_000)) != 0 {
		t.Fatalf("recipient balance %s", got)
	}
	if got := env.account(senderID).Balance; got.Cmp(big.NewInt(testInitialBalance-25_000)) != 0 {
		t.Fatalf("sender balance %s", got)
	}

	// Draining below the minimum reserve is refused.
	overdraft := new(big.Int).Sub(env.account(senderID).Balance, big.NewInt(testMinimumReserve-1))
	err := env.applyRejected(env.signedTx(sender, types.TxTypeTransfer, recipientID[:], overdraft, nil))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	// A self transfer moves nothing but still consumes the nonce.
	nonceBefore := env.account(senderID).Nonce
	env.mustApply(env.signedTx(sender, types.TxTypeTransfer, senderID[:], big.NewInt(1000), nil))
	if got := env.account(senderID).Balance; got.Cmp(big.NewInt(testInitialBalance-25_000)) != 0 {
		t.Fatalf("self transfer changed balance: %s", got)
	}
	if got := env.account(senderID).Nonce; got != nonceBefore+1 {
		t.Fatalf("self transfer nonce %d, want %d", got, nonceBefore+1)
	}

	// Envelope validation failures.
	err = env.applyRejected(env.signedTx(sender, types.TxTypeTransfer, []byte{0x01, 0x02}, big.NewInt(1000), nil))
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected identity rejection, got %v", err)
	}
	err = env.applyRejected(env.signedTx(sender, types.TxTypeTransfer, recipientID[:], nil, nil))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected amount rejection, got %v", err)
	}
}

func TestResetDiscardsPendingWritesAndEvents(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()

	asset := assetID(0x51)
	sellerToken := env.issueAssetTo(seller, asset)
	listingAddr, _ := env.marketAddresses(asset)
	parent := env.sp.CurrentRoot()

	// Apply without committing: the listing exists only in pending state.
	tx := env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 500))
	if err := env.sp.ApplyTransaction(tx); err != nil {
		t.Fatalf("apply list: %v", err)
	}
	if env.sp.PendingRoot() == parent {
		t.Fatalf("pending root should differ from committed root")
	}
	if _, ok := env.listing(listingAddr); !ok {
		t.Fatalf("listing should be visible in pending state")
	}
	if len(env.sp.Events()) == 0 {
		t.Fatalf("expected a buffered listed event")
	}

	if err := env.sp.ResetToRoot(parent); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if env.sp.CurrentRoot() != parent {
		t.Fatalf("reset did not restore the committed root")
	}
	if _, ok := env.listing(listingAddr); ok {
		t.Fatalf("listing survived the reset")
	}
	if acc, _ := env.tokenAccount(sellerToken); acc.Amount != 1 {
		t.Fatalf("seller token account not restored, holds %d", acc.Amount)
	}
	if len(env.sp.Events()) != 0 {
		t.Fatalf("events survived the reset")
	}
}

func TestModulePausesBlockOperations(t *testing.T) {
	env := newMarketTestEnv(t)
	seller := env.fundedKey(testInitialBalance)
	recipient := env.fundedKey(testInitialBalance)
	sellerID := seller.PubKey().Identity()
	recipientID := recipient.PubKey().Identity()

	asset := assetID(0x61)
	env.issueAssetTo(seller, asset)

	env.sp.SetPauses(pauseViewStub{paused: map[string]bool{"market": true}})
	err := env.applyRejected(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 500)))
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause rejection, got %v", err)
	}

	// Pausing the market leaves native transfers and token operations alone.
	env.mustApply(env.signedTx(seller, types.TxTypeTransfer, recipientID[:], big.NewInt(1000), nil))

	env.sp.SetPauses(pauseViewStub{paused: map[string]bool{"token": true}})
	pausedAsset := assetID(0x62)
	err = env.applyRejected(env.signedTx(seller, types.TxTypeCreateMint, nil, nil, map[string]interface{}{
		"asset": pausedAsset[:], "decimals": 0,
	}))
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause rejection, got %v", err)
	}

	env.sp.SetPauses(nil)
	env.mustApply(env.signedTx(seller, types.TxTypeListAsset, nil, nil, env.listPayload(sellerID, asset, 500)))
}

func TestMalformedPayloadRejected(t *testing.T) {
	env := newMarketTestEnv(t)
	sender := env.fundedKey(testInitialBalance)

	tx := &types.Transaction{
		Type:  types.TxTypeListAsset,
		Nonce: 0,
		Data:  []byte("{not json"),
	}
	if err := tx.Sign(sender); err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	err := env.applyRejected(tx)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected payload rejection, got %v", err)
	}

	empty := &types.Transaction{Type: types.TxTypeCreateMint, Nonce: 0}
	if err := empty.Sign(sender); err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	err = env.applyRejected(empty)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected payload rejection, got %v", err)
	}
}
