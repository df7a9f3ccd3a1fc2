package token

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"nftmarket/core/types"
	nativecommon "nftmarket/native/common"
)

var errNilState = errors.New("token engine: state not configured")

type engineState interface {
	MintGet(asset [32]byte) (*types.Mint, bool)
	MintCreate(asset [32]byte, mint *types.Mint) error
	MintPut(asset [32]byte, mint *types.Mint) error
	TokenGet(addr [32]byte) (*types.TokenAccount, bool)
	TokenCreate(addr [32]byte, account *types.TokenAccount) error
	TokenPut(addr [32]byte, account *types.TokenAccount) error
	TokenDelete(addr [32]byte) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Params configures the storage reserves the engine charges and honors.
type Params struct {
	// AccountReserve is moved from the payer to a token account's address
	// when the account is created, and refunded when it is closed.
	AccountReserve *big.Int
	// MinimumReserve is the balance every native account must retain after
	// a debit.
	MinimumReserve *big.Int
}

func (p Params) normalized() Params {
	out := Params{AccountReserve: big.NewInt(0), MinimumReserve: big.NewInt(0)}
	if p.AccountReserve != nil {
		out.AccountReserve = new(big.Int).Set(p.AccountReserve)
	}
	if p.MinimumReserve != nil {
		out.MinimumReserve = new(big.Int).Set(p.MinimumReserve)
	}
	return out
}

// Engine implements the token primitive: mints, associated token accounts,
// and custody transfers. Authority values passed in must be either a
// runtime-verified signer or a program-derived identity the caller
// re-derived itself; derived identities have no signing key, so they can
// only ever reach the engine through program logic.
type Engine struct {
	state  engineState
	pauses nativecommon.PauseView
	params Params
}

// NewEngine creates a token engine with zero reserves. Callers configure
// state and params before use.
func NewEngine() *Engine {
	return &Engine{params: Params{}.normalized()}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses configures the pause view consulted before mutations.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetParams configures the storage reserve amounts.
func (e *Engine) SetParams(p Params) { e.params = p.normalized() }

// Params returns a copy of the configured reserve amounts.
func (e *Engine) Params() Params { return e.params.normalized() }

// CreateMint declares a new asset denomination. The creator starts as mint
// authority and, when requested, freeze authority; renouncing both later is
// what makes an asset eligible for listing.
func (e *Engine) CreateMint(creator, asset [32]byte, decimals uint8, withFreezeAuthority bool) (*types.Mint, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if asset == ([32]byte{}) {
		return nil, fmt.Errorf("token: asset identity must not be zero")
	}
	if _, exists := e.state.MintGet(asset); exists {
		return nil, ErrMintExists
	}
	mint := &types.Mint{
		Decimals:      decimals,
		Supply:        0,
		MintAuthority: append([]byte(nil), creator[:]...),
	}
	if withFreezeAuthority {
		mint.FreezeAuthority = append([]byte(nil), creator[:]...)
	}
	if err := e.state.MintCreate(asset, mint); err != nil {
		return nil, err
	}
	return mint.Clone(), nil
}

// CreateAccount creates the associated token account for (mint, owner),
// charging the storage reserve to the payer. Creation is permissionless:
// the payer needs no relation to the owner.
func (e *Engine) CreateAccount(payer, mint, owner [32]byte) ([32]byte, error) {
	var zero [32]byte
	if e == nil || e.state == nil {
		return zero, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return zero, err
	}
	if _, ok := e.state.MintGet(mint); !ok {
		return zero, ErrMintNotFound
	}
	addr, _, err := AssociatedTokenAddress(mint, owner)
	if err != nil {
		return zero, err
	}
	if _, exists := e.state.TokenGet(addr); exists {
		return addr, ErrAccountExists
	}
	if err := e.chargeReserve(payer, addr, e.params.AccountReserve); err != nil {
		return zero, err
	}
	account := &types.TokenAccount{
		Mint:   append([]byte(nil), mint[:]...),
		Owner:  append([]byte(nil), owner[:]...),
		Amount: 0,
	}
	if err := e.state.TokenCreate(addr, account); err != nil {
		return zero, err
	}
	return addr, nil
}

// MintTo mints new units of an asset into a token account. Only the current
// mint authority may mint; a renounced authority makes supply immutable.
func (e *Engine) MintTo(authority, mint, dest [32]byte, amount uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	mintRec, ok := e.state.MintGet(mint)
	if !ok {
		return ErrMintNotFound
	}
	if !mintRec.HasMintAuthority() {
		return ErrAuthorityRenounced
	}
	if !bytes.Equal(mintRec.MintAuthority, authority[:]) {
		return ErrUnauthorized
	}
	destAcc, ok := e.state.TokenGet(dest)
	if !ok {
		return ErrAccountNotFound
	}
	if !bytes.Equal(destAcc.Mint, mint[:]) {
		return ErrMintMismatch
	}
	if amount == 0 {
		return nil
	}
	newSupply := mintRec.Supply + amount
	if newSupply < mintRec.Supply {
		return ErrSupplyOverflow
	}
	mintRec.Supply = newSupply
	destAcc.Amount += amount
	if err := e.state.MintPut(mint, mintRec); err != nil {
		return err
	}
	return e.state.TokenPut(dest, destAcc)
}

// SetAuthority rotates or renounces one of a mint's authorities. Passing a
// nil newAuthority renounces the role permanently.
func (e *Engine) SetAuthority(caller, mint [32]byte, role AuthorityRole, newAuthority *[32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	if !role.Valid() {
		return ErrInvalidRole
	}
	mintRec, ok := e.state.MintGet(mint)
	if !ok {
		return ErrMintNotFound
	}
	switch role {
	case AuthorityMint:
		if !mintRec.HasMintAuthority() {
			return ErrAuthorityRenounced
		}
		if !bytes.Equal(mintRec.MintAuthority, caller[:]) {
			return ErrUnauthorized
		}
		if newAuthority == nil {
			mintRec.MintAuthority = nil
		} else {
			mintRec.MintAuthority = append([]byte(nil), newAuthority[:]...)
		}
	case AuthorityFreeze:
		if !mintRec.HasFreezeAuthority() {
			return ErrAuthorityRenounced
		}
		if !bytes.Equal(mintRec.FreezeAuthority, caller[:]) {
			return ErrUnauthorized
		}
		if newAuthority == nil {
			mintRec.FreezeAuthority = nil
		} else {
			mintRec.FreezeAuthority = append([]byte(nil), newAuthority[:]...)
		}
	}
	return e.state.MintPut(mint, mintRec)
}

// Transfer moves units between token accounts of the same mint. The
// authority must be the source account's owner.
func (e *Engine) Transfer(authority, from, to [32]byte, amount uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	fromAcc, ok := e.state.TokenGet(from)
	if !ok {
		return ErrAccountNotFound
	}
	toAcc, ok := e.state.TokenGet(to)
	if !ok {
		return ErrAccountNotFound
	}
	if !bytes.Equal(fromAcc.Owner, authority[:]) {
		return ErrUnauthorized
	}
	if !bytes.Equal(fromAcc.Mint, toAcc.Mint) {
		return ErrMintMismatch
	}
	if fromAcc.Amount < amount {
		return ErrInsufficientBalance
	}
	if amount == 0 || from == to {
		return nil
	}
	fromAcc.Amount -= amount
	toAcc.Amount += amount
	if err := e.state.TokenPut(from, fromAcc); err != nil {
		return err
	}
	return e.state.TokenPut(to, toAcc)
}

// CloseAccount deletes an empty token account and refunds its storage
// reserve. The refund goes to reserveTo regardless of who paid at creation.
func (e *Engine) CloseAccount(authority, addr, reserveTo [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	acc, ok := e.state.TokenGet(addr)
	if !ok {
		return ErrAccountNotFound
	}
	if !bytes.Equal(acc.Owner, authority[:]) {
		return ErrUnauthorized
	}
	if acc.Amount != 0 {
		return ErrAccountNotEmpty
	}
	if err := e.refundReserve(addr, reserveTo); err != nil {
		return err
	}
	return e.state.TokenDelete(addr)
}

// Account returns a copy of the token account stored at addr.
func (e *Engine) Account(addr [32]byte) (*types.TokenAccount, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	acc, ok := e.state.TokenGet(addr)
	if !ok {
		return nil, false, nil
	}
	return acc.Clone(), true, nil
}

// Mint returns a copy of the mint record stored for the asset.
func (e *Engine) Mint(asset [32]byte) (*types.Mint, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	mint, ok := e.state.MintGet(asset)
	if !ok {
		return nil, false, nil
	}
	return mint.Clone(), true, nil
}

func (e *Engine) chargeReserve(from, to [32]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	payer, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	payer = ensureAccount(payer)
	if payer.Spendable(e.params.MinimumReserve).Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	holder, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	holder = ensureAccount(holder)
	payer.Balance = new(big.Int).Sub(payer.Balance, amount)
	holder.Balance = new(big.Int).Add(holder.Balance, amount)
	if err := e.state.PutAccount(from[:], payer); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], holder)
}

func (e *Engine) refundReserve(from, to [32]byte) error {
	holder, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	holder = ensureAccount(holder)
	if holder.Balance.Sign() == 0 {
		return nil
	}
	recipient, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	recipient = ensureAccount(recipient)
	recipient.Balance = new(big.Int).Add(recipient.Balance, holder.Balance)
	holder.Balance = big.NewInt(0)
	if err := e.state.PutAccount(from[:], holder); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], recipient)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return types.NewAccount()
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}
