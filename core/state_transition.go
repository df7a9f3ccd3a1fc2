package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"nftmarket/core/events"
	"nftmarket/core/state"
	"nftmarket/core/types"
	nativecommon "nftmarket/native/common"
	"nftmarket/native/market"
	"nftmarket/native/token"
	"nftmarket/storage/trie"
)

// Envelope-level rejections. Failures inside an operation carry the module
// sentinels (market.Err*, token.Err*) instead.
var (
	ErrNonceMismatch     = errors.New("core: transaction nonce does not match account nonce")
	ErrUnknownTxType     = errors.New("core: unknown transaction type")
	ErrInvalidPayload    = errors.New("core: malformed transaction payload")
	ErrInvalidIdentity   = errors.New("core: identity must be 32 bytes")
	ErrInvalidAmount     = errors.New("core: transfer amount must be positive")
	ErrInsufficientFunds = errors.New("core: insufficient funds")
)

// StateProcessor executes transactions against the state trie. It owns the
// split between the committed root and the pending, uncommitted mutations:
// the node commits after every accepted transaction and resets to the
// committed root after every rejected one, so a failed transaction leaves no
// trace in state.
type StateProcessor struct {
	Trie         *trie.Trie
	TokenEngine  *token.Engine
	MarketEngine *market.Engine

	pauses        nativecommon.PauseView
	committedRoot common.Hash
	events        []types.Event
}

// NewStateProcessor wires the token and market engines over the provided
// trie. The engines are bound to a fresh state manager before every
// transaction, so the processor can be reset or copied without re-wiring.
func NewStateProcessor(tr *trie.Trie) *StateProcessor {
	tokenEngine := token.NewEngine()
	marketEngine := market.NewEngine(tokenEngine)
	return &StateProcessor{
		Trie:          tr,
		TokenEngine:   tokenEngine,
		MarketEngine:  marketEngine,
		committedRoot: tr.Root(),
	}
}

// SetPauses installs the module pause switches consulted by the engines.
func (sp *StateProcessor) SetPauses(p nativecommon.PauseView) {
	sp.pauses = p
}

// CurrentRoot returns the root of the last committed state.
func (sp *StateProcessor) CurrentRoot() common.Hash {
	return sp.committedRoot
}

// PendingRoot returns the root including uncommitted mutations.
func (sp *StateProcessor) PendingRoot() common.Hash {
	return sp.Trie.Hash()
}

// ResetToRoot abandons pending mutations and reloads the trie at root. Events
// buffered for the abandoned state are discarded with it.
func (sp *StateProcessor) ResetToRoot(root common.Hash) error {
	if err := sp.Trie.Reset(root); err != nil {
		return err
	}
	sp.committedRoot = root
	sp.events = nil
	return nil
}

// Commit persists pending mutations and advances the committed root.
func (sp *StateProcessor) Commit(height uint64) (common.Hash, error) {
	root, err := sp.Trie.Commit(sp.committedRoot, height)
	if err != nil {
		return common.Hash{}, err
	}
	sp.committedRoot = root
	return root, nil
}

// Copy returns a processor over an independent copy of the trie. Pending
// mutations and buffered events carry over; the copy shares the underlying
// node database, so committed roots stay resolvable from both sides.
func (sp *StateProcessor) Copy() (*StateProcessor, error) {
	trCopy, err := sp.Trie.Copy()
	if err != nil {
		return nil, err
	}
	clone := NewStateProcessor(trCopy)
	clone.pauses = sp.pauses
	clone.committedRoot = sp.committedRoot
	clone.events = sp.Events()
	return clone, nil
}

// configureEngines binds both engines to a manager over the current trie and
// refreshes their parameters from state. Called before each transaction so
// the engines always observe the latest committed or pending data.
func (sp *StateProcessor) configureEngines() (*state.Manager, error) {
	manager := state.NewManager(sp.Trie)
	params, err := manager.Params()
	if err != nil {
		return nil, fmt.Errorf("load chain params: %w", err)
	}
	sp.TokenEngine.SetState(manager)
	sp.TokenEngine.SetParams(token.Params{
		AccountReserve: params.TokenAccountReserve,
		MinimumReserve: params.MinimumReserve,
	})
	sp.TokenEngine.SetPauses(sp.pauses)
	sp.MarketEngine.SetState(manager)
	sp.MarketEngine.SetEmitter(stateProcessorEmitter{sp: sp})
	sp.MarketEngine.SetParams(market.Params{ListingReserve: params.ListingReserve})
	sp.MarketEngine.SetPauses(sp.pauses)
	return manager, nil
}

// ApplyTransaction verifies the envelope and executes the operation against
// the pending state. On error the trie may hold partial writes; the caller is
// expected to reset to the previous committed root, which restores the exact
// pre-transaction state including the sender's nonce.
func (sp *StateProcessor) ApplyTransaction(tx *types.Transaction) error {
	if tx == nil {
		return errors.New("core: nil transaction")
	}
	sender, err := tx.SenderIdentity()
	if err != nil {
		return err
	}
	manager, err := sp.configureEngines()
	if err != nil {
		return err
	}
	account, err := manager.GetAccount(sender[:])
	if err != nil {
		return err
	}
	if tx.Nonce != account.Nonce {
		return fmt.Errorf("%w: got %d, want %d", ErrNonceMismatch, tx.Nonce, account.Nonce)
	}

	switch tx.Type {
	case types.TxTypeTransfer:
		err = sp.applyTransfer(manager, sender, tx)
	case types.TxTypeCreateMint:
		err = sp.applyCreateMint(sender, tx)
	case types.TxTypeCreateTokenAccount:
		err = sp.applyCreateTokenAccount(sender, tx)
	case types.TxTypeMintAsset:
		err = sp.applyMintAsset(sender, tx)
	case types.TxTypeSetAuthority:
		err = sp.applySetAuthority(sender, tx)
	case types.TxTypeTokenTransfer:
		err = sp.applyTokenTransfer(sender, tx)
	case types.TxTypeListAsset:
		err = sp.applyListAsset(sender, tx)
	case types.TxTypeCancelListing:
		err = sp.applyCancelListing(sender, tx)
	case types.TxTypeBuyAsset:
		err = sp.applyBuyAsset(sender, tx)
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownTxType, byte(tx.Type))
	}
	if err != nil {
		return err
	}
	return sp.bumpNonce(manager, sender)
}

// bumpNonce reloads the sender account after the operation ran, so balance
// changes made by the engines are preserved, and advances the nonce.
func (sp *StateProcessor) bumpNonce(manager *state.Manager, sender [32]byte) error {
	account, err := manager.GetAccount(sender[:])
	if err != nil {
		return err
	}
	account.Nonce++
	return manager.PutAccount(sender[:], account)
}

func (sp *StateProcessor) applyTransfer(manager *state.Manager, from [32]byte, tx *types.Transaction) error {
	to, err := identityFromBytes(tx.To)
	if err != nil {
		return err
	}
	amount := tx.Value
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	sender, err := manager.GetAccount(from[:])
	if err != nil {
		return err
	}
	minimum := sp.TokenEngine.Params().MinimumReserve
	if sender.Spendable(minimum).Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	if to == from {
		return nil
	}
	sender.Balance = new(big.Int).Sub(sender.Balance, amount)
	if err := manager.PutAccount(from[:], sender); err != nil {
		return err
	}
	recipient, err := manager.GetAccount(to[:])
	if err != nil {
		return err
	}
	recipient.Balance = new(big.Int).Add(recipient.Balance, amount)
	return manager.PutAccount(to[:], recipient)
}

func (sp *StateProcessor) applyCreateMint(sender [32]byte, tx *types.Transaction) error {
	var payload struct {
		Asset               []byte `json:"asset"`
		Decimals            uint8  `json:"decimals"`
		WithFreezeAuthority bool   `json:"withFreezeAuthority"`
	}
	if err := decodePayload(tx.Data, &payload); err != nil {
		return err
	}
	asset, err := identityFromBytes(payload.Asset)
	if err != nil {
		return err
	}
	_, err = sp.TokenEngine.CreateMint(sender, asset, payload.Decimals, payload.WithFreezeAuthority)
	return err
}

func (sp *StateProcessor) applyCreateTokenAccount(sender [32]byte, tx *types.Transaction) error {
	var payload struct {
		Mint  []byte `json:"mint"`
		Owner []byte `json:"owner,omitempty"`
	}
	if err := decodePayload(tx.Data, &payload); err != nil {
		return err
	}
	mint, err := identityFromBytes(payload.Mint)
	if err != nil {
		return err
	}
	// The owner defaults to the payer but may be any identity, including a
	// derived listing address. Account creation is deliberately
	// permissionless: only the payer's funds are at stake.
	owner := sender
	if len(payload.Owner) > 0 {
		owner, err = identityFromBytes(payload.Owner)
		if err != nil {
			return err
		}
	}
	_, err = sp.TokenEngine.CreateAccount(sender, mint, owner)
	return err
}

func (sp *StateProcessor) applyMintAsset(sender [32]byte, tx *types.Transaction) error {
	var payload struct {
		Mint   []byte `json:"mint"`
		To     []byte `json:"to"`
		Amount uint64 `json:"amount"`
	}
	if err := decodePayload(tx.Data, &payload); err != nil {
		return err
	}
	mint, err := identityFromBytes(payload.Mint)
	if err != nil {
		return err
	}
	dest, err := identityFromBytes(payload.To)
	if err != nil {
		return err
	}
	return sp.TokenEngine.MintTo(sender, mint, dest, payload.Amount)
}

func (sp *StateProcessor) applySetAuthority(sender [32]byte, tx *types.Transaction) error {
	var payload struct {
		Mint      []byte `json:"mint"`
		Role      string `json:"role"`
		Authority []byte `json:"authority,omitempty"`
	}
	if err := decodePayload(tx.Data, &payload); err != nil {
		return err
	}
	mint, err := identityFromBytes(payload.Mint)
	if err != nil {
		return err
	}
	role, err := parseAuthorityRole(payload.Role)
	if err != nil {
		return err
	}
	// An absent authority renounces the role permanently.
	var newAuthority *[32]byte
	if len(payload.Authority) > 0 {
		id, err := identityFromBytes(payload.Authority)
		if err != nil {
			return err
		}
		newAuthority = &id
	}
	return sp.TokenEngine.SetAuthority(sender, mint, role, newAuthority)
}

func (sp *StateProcessor) applyTokenTransfer(sender [32]byte, tx *types.Transaction) error {
	var payload struct {
		From   []byte `json:"from"`
		To     []byte `json:"to"`
		Amount uint64 `json:"amount"`
	}
	if err := decodePayload(tx.Data, &payload); err != nil {
		return err
	}
	from, err := identityFromBytes(payload.From)
	if err != nil {
		return err
	}
	to, err := identityFromBytes(payload.To)
	if err != nil {
		return err
	}
	return sp.TokenEngine.Transfer(sender, from, to, payload.Amount)
}

// listingPayload carries the full account list for a market operation. The
// client declares every address and the engine re-derives each one, so a
// payload naming the wrong listing, escrow, or token account is rejected
// before any state moves.
type listingPayload struct {
	Asset        []byte `json:"asset"`
	Listing      []byte `json:"listing"`
	Escrow       []byte `json:"escrow"`
	TokenAccount []byte `json:"tokenAccount"`
	Seller       []byte `json:"seller,omitempty"`
	Price        uint64 `json:"price,omitempty"`
}

func (p *listingPayload) identities() (asset, listing, escrow, tokenAccount [32]byte, err error) {
	if asset, err = identityFromBytes(p.Asset); err != nil {
		return
	}
	if listing, err = identityFromBytes(p.Listing); err != nil {
		return
	}
	if escrow, err = identityFromBytes(p.Escrow); err != nil {
		return
	}
	tokenAccount, err = identityFromBytes(p.TokenAccount)
	return
}

func (sp *StateProcessor) applyListAsset(sender [32]byte, tx *types.Transaction) error {
	var payload listingPayload
	if err := decodePayload(tx.Data, &payload); err != nil {
		return err
	}
	asset, listing, escrow, sellerToken, err := payload.identities()
	if err != nil {
		return err
	}
	_, err = sp.MarketEngine.List(sender, asset, listing, escrow, sellerToken, payload.Price)
	return err
}

func (sp *StateProcessor) applyCancelListing(sender [32]byte, tx *types.Transaction) error {
	var payload listingPayload
	if err := decodePayload(tx.Data, &payload); err != nil {
		return err
	}
	asset, listing, escrow, sellerToken, err := payload.identities()
	if err != nil {
		return err
	}
	_, err = sp.MarketEngine.Cancel(sender, asset, listing, escrow, sellerToken)
	return err
}

func (sp *StateProcessor) applyBuyAsset(sender [32]byte, tx *types.Transaction) error {
	var payload listingPayload
	if err := decodePayload(tx.Data, &payload); err != nil {
		return err
	}
	asset, listing, escrow, buyerToken, err := payload.identities()
	if err != nil {
		return err
	}
	seller, err := identityFromBytes(payload.Seller)
	if err != nil {
		return err
	}
	_, err = sp.MarketEngine.Buy(sender, seller, asset, listing, escrow, buyerToken)
	return err
}

func decodePayload(data []byte, out interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func identityFromBytes(raw []byte) ([32]byte, error) {
	var id [32]byte
	if len(raw) != len(id) {
		return id, fmt.Errorf("%w: got %d", ErrInvalidIdentity, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func parseAuthorityRole(role string) (token.AuthorityRole, error) {
	switch role {
	case "mint":
		return token.AuthorityMint, nil
	case "freeze":
		return token.AuthorityFreeze, nil
	default:
		return 0, fmt.Errorf("%w: %q", token.ErrInvalidRole, role)
	}
}

// stateProcessorEmitter bridges engine events into the processor's buffer.
type stateProcessorEmitter struct {
	sp *StateProcessor
}

func (e stateProcessorEmitter) Emit(evt events.Event) {
	if e.sp == nil || evt == nil {
		return
	}
	type eventCarrier interface {
		Event() *types.Event
	}
	carrier, ok := evt.(eventCarrier)
	if !ok {
		return
	}
	e.sp.AppendEvent(carrier.Event())
}

// AppendEvent buffers a copy of the event for the in-flight transaction.
func (sp *StateProcessor) AppendEvent(evt *types.Event) {
	if evt == nil {
		return
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	sp.events = append(sp.events, types.Event{Type: evt.Type, Attributes: attrs})
}

// Events returns a deep copy of the buffered events.
func (sp *StateProcessor) Events() []types.Event {
	out := make([]types.Event, len(sp.events))
	for i := range sp.events {
		attrs := make(map[string]string, len(sp.events[i].Attributes))
		for k, v := range sp.events[i].Attributes {
			attrs[k] = v
		}
		out[i] = types.Event{Type: sp.events[i].Type, Attributes: attrs}
	}
	return out
}

// drainEvents hands the buffered events to the caller and clears the buffer.
// The node drains once per transaction so each receipt carries only its own.
func (sp *StateProcessor) drainEvents() []types.Event {
	out := sp.Events()
	sp.events = nil
	return out
}
