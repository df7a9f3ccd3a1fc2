package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"nftmarket/core/genesis"
	"nftmarket/core/state"
	"nftmarket/core/types"
	"nftmarket/crypto"
	nativecommon "nftmarket/native/common"
	"nftmarket/native/market"
	"nftmarket/native/token"
	"nftmarket/observability"
	"nftmarket/storage"
	"nftmarket/storage/journal"
	"nftmarket/storage/trie"
)

// ErrNoJournal is returned by activity queries when the node runs without a
// journal attached.
var ErrNoJournal = errors.New("core: activity journal not configured")

var nodeTipKey = []byte("ledger/tip")

type tipRecord struct {
	Height uint64
	Root   []byte
}

// Node is the central controller. It owns the state processor, assigns
// heights, seals receipts, and records outcomes in the activity journal.
// Every transaction is its own commit unit: it either lands in full at a new
// height or leaves the ledger exactly as it was.
type Node struct {
	db      storage.Database
	state   *StateProcessor
	journal *journal.Journal
	metrics *observability.LedgerMetrics
	log     *slog.Logger

	stateMu sync.Mutex
	height  uint64
}

// NewNode builds the genesis state described by spec on a fresh trie and
// returns a node positioned at height zero.
func NewNode(db storage.Database, spec *genesis.GenesisSpec) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: nil database")
	}
	stateTrie, err := trie.NewTrie()
	if err != nil {
		return nil, err
	}
	genesisRoot, err := genesis.BuildGenesisState(spec, stateTrie)
	if err != nil {
		return nil, fmt.Errorf("build genesis state: %w", err)
	}

	node := &Node{
		db:    db,
		state: NewStateProcessor(stateTrie),
		log:   slog.Default().With("component", "node"),
	}
	if err := node.persistTip(0, genesisRoot); err != nil {
		return nil, fmt.Errorf("persist genesis tip: %w", err)
	}
	node.log.Info("genesis state built", "root", genesisRoot.Hex())
	return node, nil
}

// SetJournal attaches the activity journal. Receipts are only durable once a
// journal is attached.
func (n *Node) SetJournal(j *journal.Journal) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.journal = j
}

// SetPauses installs the pause switches consulted before market operations.
func (n *Node) SetPauses(p nativecommon.PauseView) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.state.SetPauses(p)
}

// SetMetrics attaches the ledger metrics sink.
func (n *Node) SetMetrics(m *observability.LedgerMetrics) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.metrics = m
}

// SetLogger replaces the node's logger.
func (n *Node) SetLogger(log *slog.Logger) {
	if log != nil {
		n.log = log
	}
}

// Apply executes one transaction as an atomic unit. On success the state is
// committed at the next height; on rejection the state is rolled back to the
// pre-transaction root, so a failed transaction has no effect at all, nonce
// included. Both outcomes produce a sealed receipt, and both are recorded in
// the journal. The returned error reports infrastructure faults only; a
// rejected transaction comes back as a failed receipt with a nil error.
func (n *Node) Apply(tx *types.Transaction) (*types.Receipt, error) {
	if tx == nil {
		return nil, fmt.Errorf("core: nil transaction")
	}
	txHash, err := tx.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash transaction: %w", err)
	}

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	start := time.Now()
	parentRoot := n.state.CurrentRoot()
	applyErr := n.state.ApplyTransaction(tx)

	receipt := &types.Receipt{TxHash: txHash}
	if applyErr != nil {
		if err := n.state.ResetToRoot(parentRoot); err != nil {
			return nil, fmt.Errorf("rollback to %s: %w", parentRoot.Hex(), err)
		}
		receipt.Height = n.height
		receipt.Status = types.ReceiptStatusFailed
		receipt.ErrorTag = errorTag(applyErr)
		receipt.Root = parentRoot.Bytes()
		n.log.Warn("transaction rejected",
			"op", tx.Type.String(),
			"tag", receipt.ErrorTag,
			"height", n.height,
			"err", applyErr)
	} else {
		newRoot, err := n.state.Commit(n.height + 1)
		if err != nil {
			if rbErr := n.state.ResetToRoot(parentRoot); rbErr != nil {
				return nil, fmt.Errorf("state commit failed: %v (rollback failed: %w)", err, rbErr)
			}
			return nil, fmt.Errorf("state commit failed: %w", err)
		}
		n.height++
		receipt.Height = n.height
		receipt.Status = types.ReceiptStatusSuccess
		receipt.Root = newRoot.Bytes()
		receipt.Events = n.state.drainEvents()
		if err := n.persistTip(n.height, newRoot); err != nil {
			return nil, fmt.Errorf("persist tip: %w", err)
		}
		n.log.Info("transaction applied",
			"op", tx.Type.String(),
			"height", n.height,
			"root", newRoot.Hex())
	}

	n.observe(tx, receipt, time.Since(start))
	if n.journal != nil {
		if err := n.journal.Record(receipt, receiptParticipants(tx, receipt)...); err != nil {
			return nil, fmt.Errorf("record receipt: %w", err)
		}
	}
	return receipt, nil
}

// Simulate runs a transaction against a copy of the current state and reports
// the outcome without committing anything. The live state is untouched either
// way.
func (n *Node) Simulate(tx *types.Transaction) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	stateCopy, err := n.state.Copy()
	if err != nil {
		return err
	}
	return stateCopy.ApplyTransaction(tx)
}

func (n *Node) persistTip(height uint64, root common.Hash) error {
	enc, err := rlp.EncodeToBytes(tipRecord{Height: height, Root: root.Bytes()})
	if err != nil {
		return err
	}
	return n.db.Put(nodeTipKey, enc)
}

// ReadTip reports the last committed tip recorded in a node database, with
// ok=false when the database has never held one.
func ReadTip(db storage.Database) (uint64, common.Hash, bool, error) {
	enc, err := db.Get(nodeTipKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, common.Hash{}, false, nil
	}
	if err != nil {
		return 0, common.Hash{}, false, err
	}
	var record tipRecord
	if err := rlp.DecodeBytes(enc, &record); err != nil {
		return 0, common.Hash{}, false, err
	}
	return record.Height, common.BytesToHash(record.Root), true, nil
}

func (n *Node) observe(tx *types.Transaction, receipt *types.Receipt, duration time.Duration) {
	if n.metrics == nil {
		return
	}
	failed := receipt.Status == types.ReceiptStatusFailed
	n.metrics.ObserveApply(tx.Type.String(), receipt.ErrorTag, failed, duration)
	if failed {
		return
	}
	n.metrics.SetHeight(receipt.Height)
	events := observability.Events()
	for _, evt := range receipt.Events {
		events.RecordEvent(evt.Type)
	}
	switch tx.Type {
	case types.TxTypeListAsset, types.TxTypeCancelListing, types.TxTypeBuyAsset:
		manager := state.NewManager(n.state.Trie)
		if addrs, err := manager.ListingAddresses(); err == nil {
			n.metrics.SetOpenListings(len(addrs))
		}
	}
	if tx.Type != types.TxTypeBuyAsset {
		return
	}
	for _, evt := range receipt.Events {
		if evt.Type != market.EventTypeAssetSold {
			continue
		}
		if price, err := strconv.ParseUint(evt.Attributes["price"], 10, 64); err == nil {
			n.metrics.AddSaleVolume(price)
		}
	}
}

// receiptParticipants collects the identities a receipt should be indexed
// under: the verified sender, a direct payment target, and the seller/buyer
// identities carried in market events.
func receiptParticipants(tx *types.Transaction, receipt *types.Receipt) [][]byte {
	var participants [][]byte
	if sender, err := tx.SenderIdentity(); err == nil {
		participants = append(participants, sender[:])
	}
	if len(tx.To) == crypto.IdentityLength {
		participants = append(participants, append([]byte(nil), tx.To...))
	}
	for _, evt := range receipt.Events {
		for _, key := range []string{"seller", "buyer"} {
			raw, ok := evt.Attributes[key]
			if !ok {
				continue
			}
			decoded, err := hex.DecodeString(raw)
			if err != nil || len(decoded) != crypto.IdentityLength {
				continue
			}
			participants = append(participants, decoded)
		}
	}
	return participants
}

// errorTag maps a rejection to its stable receipt tag. Module errors carry
// their own taxonomy; envelope-level failures map here.
func errorTag(err error) string {
	if err == nil {
		return ""
	}
	if tag := market.ErrorTag(err); tag != "" {
		return tag
	}
	if tag := token.ErrorTag(err); tag != "" {
		return tag
	}
	switch {
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "ModulePaused"
	case errors.Is(err, ErrNonceMismatch):
		return "NonceMismatch"
	case errors.Is(err, types.ErrInvalidSignature):
		return "InvalidSignature"
	case errors.Is(err, ErrUnknownTxType):
		return "UnknownTxType"
	case errors.Is(err, ErrInvalidPayload):
		return "InvalidPayload"
	case errors.Is(err, ErrInvalidIdentity):
		return "InvalidIdentity"
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrInsufficientFunds):
		return "InsufficientFunds"
	default:
		return "Rejected"
	}
}

// --- Query surface ---

// Height returns the height of the last committed transaction.
func (n *Node) Height() uint64 {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.height
}

// StateRoot returns the last committed state root.
func (n *Node) StateRoot() common.Hash {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.CurrentRoot()
}

// GetAccount returns the account stored at addr. Unknown addresses come back
// as zero-value accounts.
func (n *Node) GetAccount(addr []byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.state.Trie)
	return manager.GetAccount(addr)
}

// Listing returns the listing stored at a derived listing address.
func (n *Node) Listing(addr [32]byte) (*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.state.Trie)
	listing, ok := manager.ListingGet(addr)
	if !ok {
		return nil, market.ErrListingNotFound
	}
	return listing, nil
}

// Listings returns every open listing in creation order.
func (n *Node) Listings() ([]*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.state.Trie)
	addrs, err := manager.ListingAddresses()
	if err != nil {
		return nil, err
	}
	listings := make([]*market.Listing, 0, len(addrs))
	for _, addr := range addrs {
		listing, ok := manager.ListingGet(addr)
		if !ok {
			return nil, fmt.Errorf("core: listing index entry %x has no record", addr)
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

// Mint returns the mint declared for an asset.
func (n *Node) Mint(asset [32]byte) (*types.Mint, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.state.Trie)
	mint, ok := manager.MintGet(asset)
	if !ok {
		return nil, token.ErrMintNotFound
	}
	return mint, nil
}

// TokenAccount returns the token account stored at addr.
func (n *Node) TokenAccount(addr [32]byte) (*types.TokenAccount, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.state.Trie)
	account, ok := manager.TokenGet(addr)
	if !ok {
		return nil, token.ErrAccountNotFound
	}
	return account, nil
}

// Receipt returns the journaled receipt for a transaction hash.
func (n *Node) Receipt(txHash []byte) (*types.Receipt, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if n.journal == nil {
		return nil, ErrNoJournal
	}
	return n.journal.Receipt(txHash)
}

// RecentActivity returns up to limit receipts, newest first.
func (n *Node) RecentActivity(limit int) ([]*types.Receipt, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if n.journal == nil {
		return nil, ErrNoJournal
	}
	return n.journal.Recent(limit)
}

// AccountHistory returns up to limit receipts touching addr, newest first.
func (n *Node) AccountHistory(addr []byte, limit int) ([]*types.Receipt, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if n.journal == nil {
		return nil, ErrNoJournal
	}
	return n.journal.AccountHistory(addr, limit)
}
