package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"nftmarket/core"
	"nftmarket/core/genesis"
	"nftmarket/core/types"
	"nftmarket/crypto"
	"nftmarket/native/market"
	"nftmarket/native/token"
)

// scenario is a scripted sequence of signed transactions driven through a
// freshly built ledger. Actors are named parties funded at genesis; assets are
// named identities assigned on first use. Each step either must apply or, when
// Expect names an error tag, must be rejected with exactly that tag.
type scenario struct {
	Description string               `toml:"Description"`
	Params      scenarioParams       `toml:"Params"`
	Actors      map[string]actorSpec `toml:"Actors"`
	Steps       []scenarioStep       `toml:"Steps"`
}

// scenarioParams carries reserve rates as decimal strings, mirroring the
// genesis params. They apply only when the scenario supplies the genesis.
type scenarioParams struct {
	ListingReserve      string `toml:"ListingReserve"`
	TokenAccountReserve string `toml:"TokenAccountReserve"`
	MinimumReserve      string `toml:"MinimumReserve"`
}

func (p scenarioParams) isZero() bool {
	return strings.TrimSpace(p.ListingReserve) == "" &&
		strings.TrimSpace(p.TokenAccountReserve) == "" &&
		strings.TrimSpace(p.MinimumReserve) == ""
}

type actorSpec struct {
	Balance string `toml:"Balance"`
}

// scenarioStep is one transaction. Op selects the operation; the remaining
// fields are read per op. Actor names always refer to declared actors, never
// raw addresses: the runner derives every address the same way a client
// library would.
type scenarioStep struct {
	Op    string `toml:"Op"`
	Actor string `toml:"Actor"`
	Asset string `toml:"Asset"`

	To        string `toml:"To"`
	Owner     string `toml:"Owner"`
	Seller    string `toml:"Seller"`
	Authority string `toml:"Authority"`
	Role      string `toml:"Role"`

	Amount string `toml:"Amount"`
	Units  uint64 `toml:"Units"`
	Price  uint64 `toml:"Price"`

	Decimals            uint8 `toml:"Decimals"`
	WithFreezeAuthority bool  `toml:"WithFreezeAuthority"`

	Expect string `toml:"Expect"`
}

// loadScenario reads and validates a scenario file. Unknown keys are rejected
// the same way the daemon config rejects them.
func loadScenario(path string) (*scenario, error) {
	var s scenario
	meta, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("scenario file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("scenario file %s: %w", path, err)
	}
	return &s, nil
}

func (s *scenario) validate() error {
	for name, actor := range s.Actors {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("actor name must not be blank")
		}
		if _, err := parseNativeAmount(actor.Balance); err != nil {
			return fmt.Errorf("actor %q: Balance: %w", name, err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario declares no steps")
	}
	for i := range s.Steps {
		if err := s.validateStep(&s.Steps[i]); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *scenario) validateStep(step *scenarioStep) error {
	if err := s.requireActor("Actor", step.Actor); err != nil {
		return err
	}
	switch step.Op {
	case "transfer":
		if err := s.requireActor("To", step.To); err != nil {
			return err
		}
		if _, err := parseNativeAmount(step.Amount); err != nil {
			return fmt.Errorf("Amount: %w", err)
		}
	case "create_mint":
		return s.requireAsset(step)
	case "create_token_account":
		if err := s.requireAsset(step); err != nil {
			return err
		}
		if step.Owner != "" {
			return s.requireActor("Owner", step.Owner)
		}
	case "mint_asset":
		if err := s.requireAsset(step); err != nil {
			return err
		}
		if step.To != "" {
			if err := s.requireActor("To", step.To); err != nil {
				return err
			}
		}
		if step.Units == 0 {
			return fmt.Errorf("Units must be positive")
		}
	case "set_authority":
		if err := s.requireAsset(step); err != nil {
			return err
		}
		if step.Role != "mint" && step.Role != "freeze" {
			return fmt.Errorf("Role must be %q or %q, got %q", "mint", "freeze", step.Role)
		}
		if step.Authority != "" {
			return s.requireActor("Authority", step.Authority)
		}
	case "token_transfer":
		if err := s.requireAsset(step); err != nil {
			return err
		}
		if err := s.requireActor("To", step.To); err != nil {
			return err
		}
		if step.Units == 0 {
			return fmt.Errorf("Units must be positive")
		}
	case "list", "cancel":
		return s.requireAsset(step)
	case "buy":
		if err := s.requireAsset(step); err != nil {
			return err
		}
		return s.requireActor("Seller", step.Seller)
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

func (s *scenario) requireActor(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%s must name an actor", field)
	}
	if _, ok := s.Actors[name]; !ok {
		return fmt.Errorf("%s references undeclared actor %q", field, name)
	}
	return nil
}

func (s *scenario) requireAsset(step *scenarioStep) error {
	if strings.TrimSpace(step.Asset) == "" {
		return fmt.Errorf("Asset must be named")
	}
	return nil
}

// fundGenesis generates a fresh keypair per actor and adds each actor's
// opening balance to the spec's allocations. The returned keys drive step
// signing.
func (s *scenario) fundGenesis(spec *genesis.GenesisSpec) (map[string]*crypto.PrivateKey, error) {
	keys := make(map[string]*crypto.PrivateKey, len(s.Actors))
	if len(s.Actors) == 0 {
		return keys, nil
	}
	if spec.Alloc == nil {
		spec.Alloc = make(map[string]string, len(s.Actors))
	}
	for name, actor := range s.Actors {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("actor %q: %w", name, err)
		}
		addr := key.PubKey().Address().String()
		if _, taken := spec.Alloc[addr]; taken {
			return nil, fmt.Errorf("actor %q: address %s already allocated", name, addr)
		}
		balance := strings.TrimSpace(actor.Balance)
		if balance == "" {
			balance = "0"
		}
		spec.Alloc[addr] = balance
		keys[name] = key
	}
	return keys, nil
}

// genesisFor builds the spec backing a scenario run when no genesis file is
// configured: the scripted reserve params plus the actors' opening balances.
func (s *scenario) genesisFor(now time.Time) (*genesis.GenesisSpec, map[string]*crypto.PrivateKey, error) {
	spec := &genesis.GenesisSpec{
		GenesisTime: now.UTC().Format(time.RFC3339),
		Params: genesis.ParamsSpec{
			ListingReserve:      s.Params.ListingReserve,
			TokenAccountReserve: s.Params.TokenAccountReserve,
			MinimumReserve:      s.Params.MinimumReserve,
		},
	}
	keys, err := s.fundGenesis(spec)
	if err != nil {
		return nil, nil, err
	}
	return spec, keys, nil
}

func parseNativeAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

// Client-side payload shapes. Field names mirror what the processor decodes;
// the ledger re-derives and verifies every declared address.
type mintPayload struct {
	Asset               []byte `json:"asset"`
	Decimals            uint8  `json:"decimals"`
	WithFreezeAuthority bool   `json:"withFreezeAuthority,omitempty"`
}

type tokenAccountPayload struct {
	Mint  []byte `json:"mint"`
	Owner []byte `json:"owner,omitempty"`
}

type mintToPayload struct {
	Mint   []byte `json:"mint"`
	To     []byte `json:"to"`
	Amount uint64 `json:"amount"`
}

type authorityPayload struct {
	Mint      []byte `json:"mint"`
	Role      string `json:"role"`
	Authority []byte `json:"authority,omitempty"`
}

type tokenTransferPayload struct {
	From   []byte `json:"from"`
	To     []byte `json:"to"`
	Amount uint64 `json:"amount"`
}

type marketPayload struct {
	Asset        []byte `json:"asset"`
	Listing      []byte `json:"listing"`
	Escrow       []byte `json:"escrow"`
	TokenAccount []byte `json:"tokenAccount"`
	Seller       []byte `json:"seller,omitempty"`
	Price        uint64 `json:"price,omitempty"`
}

// scenarioRunner drives scripted steps through a live node, checking each
// receipt against the step's expectation.
type scenarioRunner struct {
	node   *core.Node
	log    *slog.Logger
	actors map[string]*crypto.PrivateKey
	assets map[string][32]byte
}

func newScenarioRunner(node *core.Node, log *slog.Logger, actors map[string]*crypto.PrivateKey) *scenarioRunner {
	if log == nil {
		log = slog.Default()
	}
	return &scenarioRunner{
		node:   node,
		log:    log,
		actors: actors,
		assets: make(map[string][32]byte),
	}
}

func (r *scenarioRunner) run(s *scenario) error {
	r.log.Info("running scenario",
		"description", strings.TrimSpace(s.Description),
		"actors", len(s.Actors),
		"steps", len(s.Steps))
	for i := range s.Steps {
		if err := r.runStep(i+1, &s.Steps[i]); err != nil {
			return err
		}
	}
	listings, err := r.node.Listings()
	if err != nil {
		return err
	}
	r.log.Info("scenario complete",
		"steps", len(s.Steps),
		"height", r.node.Height(),
		"open_listings", len(listings),
		"root", r.node.StateRoot().Hex())
	return nil
}

func (r *scenarioRunner) runStep(number int, step *scenarioStep) error {
	tx, err := r.buildTransaction(step)
	if err != nil {
		return fmt.Errorf("step %d (%s): %w", number, step.Op, err)
	}
	receipt, err := r.node.Apply(tx)
	if err != nil {
		return fmt.Errorf("step %d (%s): %w", number, step.Op, err)
	}
	expect := strings.TrimSpace(step.Expect)
	switch {
	case expect == "" && receipt.Status != types.ReceiptStatusSuccess:
		return fmt.Errorf("step %d (%s): rejected with %s", number, step.Op, receipt.ErrorTag)
	case expect != "" && receipt.Status == types.ReceiptStatusSuccess:
		return fmt.Errorf("step %d (%s): applied, but the script expected rejection %s", number, step.Op, expect)
	case expect != "" && receipt.ErrorTag != expect:
		return fmt.Errorf("step %d (%s): rejected with %s, expected %s", number, step.Op, receipt.ErrorTag, expect)
	}
	if expect == "" {
		r.log.Info("step applied",
			"step", number,
			"op", step.Op,
			"actor", step.Actor,
			"height", receipt.Height)
	} else {
		r.log.Info("step rejected as scripted",
			"step", number,
			"op", step.Op,
			"actor", step.Actor,
			"tag", receipt.ErrorTag)
	}
	return nil
}

func (r *scenarioRunner) buildTransaction(step *scenarioStep) (*types.Transaction, error) {
	switch step.Op {
	case "transfer":
		to, err := r.actorIdentity(step.To)
		if err != nil {
			return nil, err
		}
		amount, err := parseNativeAmount(step.Amount)
		if err != nil {
			return nil, err
		}
		return r.signedTx(step.Actor, types.TxTypeTransfer, to[:], amount, nil)

	case "create_mint":
		asset, err := r.assetIdentity(step.Asset)
		if err != nil {
			return nil, err
		}
		return r.signedTx(step.Actor, types.TxTypeCreateMint, nil, nil, &mintPayload{
			Asset:               asset[:],
			Decimals:            step.Decimals,
			WithFreezeAuthority: step.WithFreezeAuthority,
		})

	case "create_token_account":
		asset, err := r.assetIdentity(step.Asset)
		if err != nil {
			return nil, err
		}
		payload := &tokenAccountPayload{Mint: asset[:]}
		if step.Owner != "" {
			owner, err := r.actorIdentity(step.Owner)
			if err != nil {
				return nil, err
			}
			payload.Owner = owner[:]
		}
		return r.signedTx(step.Actor, types.TxTypeCreateTokenAccount, nil, nil, payload)

	case "mint_asset":
		asset, err := r.assetIdentity(step.Asset)
		if err != nil {
			return nil, err
		}
		recipient := step.To
		if recipient == "" {
			recipient = step.Actor
		}
		owner, err := r.actorIdentity(recipient)
		if err != nil {
			return nil, err
		}
		dest, _, err := token.AssociatedTokenAddress(asset, owner)
		if err != nil {
			return nil, err
		}
		return r.signedTx(step.Actor, types.TxTypeMintAsset, nil, nil, &mintToPayload{
			Mint:   asset[:],
			To:     dest[:],
			Amount: step.Units,
		})

	case "set_authority":
		asset, err := r.assetIdentity(step.Asset)
		if err != nil {
			return nil, err
		}
		payload := &authorityPayload{Mint: asset[:], Role: step.Role}
		if step.Authority != "" {
			authority, err := r.actorIdentity(step.Authority)
			if err != nil {
				return nil, err
			}
			payload.Authority = authority[:]
		}
		return r.signedTx(step.Actor, types.TxTypeSetAuthority, nil, nil, payload)

	case "token_transfer":
		asset, err := r.assetIdentity(step.Asset)
		if err != nil {
			return nil, err
		}
		sender, err := r.actorIdentity(step.Actor)
		if err != nil {
			return nil, err
		}
		recipient, err := r.actorIdentity(step.To)
		if err != nil {
			return nil, err
		}
		from, _, err := token.AssociatedTokenAddress(asset, sender)
		if err != nil {
			return nil, err
		}
		to, _, err := token.AssociatedTokenAddress(asset, recipient)
		if err != nil {
			return nil, err
		}
		return r.signedTx(step.Actor, types.TxTypeTokenTransfer, nil, nil, &tokenTransferPayload{
			From:   from[:],
			To:     to[:],
			Amount: step.Units,
		})

	case "list":
		asset, err := r.assetIdentity(step.Asset)
		if err != nil {
			return nil, err
		}
		seller, err := r.actorIdentity(step.Actor)
		if err != nil {
			return nil, err
		}
		listing, escrow, err := marketAddresses(asset)
		if err != nil {
			return nil, err
		}
		sellerToken, _, err := token.AssociatedTokenAddress(asset, seller)
		if err != nil {
			return nil, err
		}
		return r.signedTx(step.Actor, types.TxTypeListAsset, nil, nil, &marketPayload{
			Asset:        asset[:],
			Listing:      listing[:],
			Escrow:       escrow[:],
			TokenAccount: sellerToken[:],
			Price:        step.Price,
		})

	case "cancel":
		asset, err := r.assetIdentity(step.Asset)
		if err != nil {
			return nil, err
		}
		seller, err := r.actorIdentity(step.Actor)
		if err != nil {
			return nil, err
		}
		listing, escrow, err := marketAddresses(asset)
		if err != nil {
			return nil, err
		}
		sellerToken, _, err := token.AssociatedTokenAddress(asset, seller)
		if err != nil {
			return nil, err
		}
		return r.signedTx(step.Actor, types.TxTypeCancelListing, nil, nil, &marketPayload{
			Asset:        asset[:],
			Listing:      listing[:],
			Escrow:       escrow[:],
			TokenAccount: sellerToken[:],
		})

	case "buy":
		asset, err := r.assetIdentity(step.Asset)
		if err != nil {
			return nil, err
		}
		buyer, err := r.actorIdentity(step.Actor)
		if err != nil {
			return nil, err
		}
		seller, err := r.actorIdentity(step.Seller)
		if err != nil {
			return nil, err
		}
		listing, escrow, err := marketAddresses(asset)
		if err != nil {
			return nil, err
		}
		buyerToken, _, err := token.AssociatedTokenAddress(asset, buyer)
		if err != nil {
			return nil, err
		}
		return r.signedTx(step.Actor, types.TxTypeBuyAsset, nil, nil, &marketPayload{
			Asset:        asset[:],
			Listing:      listing[:],
			Escrow:       escrow[:],
			TokenAccount: buyerToken[:],
			Seller:       seller[:],
		})

	default:
		return nil, fmt.Errorf("unknown op %q", step.Op)
	}
}

func (r *scenarioRunner) actorKey(name string) (*crypto.PrivateKey, error) {
	key, ok := r.actors[name]
	if !ok {
		return nil, fmt.Errorf("actor %q has no key", name)
	}
	return key, nil
}

func (r *scenarioRunner) actorIdentity(name string) ([32]byte, error) {
	key, err := r.actorKey(name)
	if err != nil {
		return [32]byte{}, err
	}
	return key.PubKey().Identity(), nil
}

// assetIdentity returns the identity backing an asset name, assigning a fresh
// keypair identity on first use. A keypair identity cannot collide with any
// derived address.
func (r *scenarioRunner) assetIdentity(name string) ([32]byte, error) {
	if id, ok := r.assets[name]; ok {
		return id, nil
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return [32]byte{}, err
	}
	id := key.PubKey().Identity()
	r.assets[name] = id
	r.log.Info("asset identity assigned",
		"asset", name,
		"address", crypto.NewAddress(crypto.MarketPrefix, id[:]).String())
	return id, nil
}

// signedTx builds and signs a transaction for the named actor at the actor's
// current nonce.
func (r *scenarioRunner) signedTx(actor string, txType types.TxType, to []byte, value *big.Int, payload any) (*types.Transaction, error) {
	key, err := r.actorKey(actor)
	if err != nil {
		return nil, err
	}
	identity := key.PubKey().Identity()
	account, err := r.node.GetAccount(identity[:])
	if err != nil {
		return nil, err
	}
	var data []byte
	if payload != nil {
		if data, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	tx := &types.Transaction{
		Type:  txType,
		Nonce: account.Nonce,
		To:    to,
		Value: value,
		Data:  data,
	}
	if err := tx.Sign(key); err != nil {
		return nil, err
	}
	return tx, nil
}

// marketAddresses derives the listing and escrow addresses every market
// operation must declare.
func marketAddresses(asset [32]byte) (listing, escrow [32]byte, err error) {
	listing, _, err = market.DeriveListingAddress(asset)
	if err != nil {
		return
	}
	escrow, _, err = token.AssociatedTokenAddress(asset, listing)
	return
}
