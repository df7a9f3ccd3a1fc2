package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"
)

// Trie wraps go-ethereum's trie implementation to expose a simplified API for
// the rest of the codebase. The node database is held in memory: ledger state
// is rebuilt from genesis at boot, while receipts and the activity journal
// carry the durable record.
//
// The wrapper keeps track of the last committed root and recreates the
// underlying trie after each commit/reset so the instance can be reused
// across transactions. Earlier roots stay resolvable, which is what makes
// rollback possible.
//
// The keys passed into Get/Update/Delete are expected to be fully hashed
// (keccak256) before insertion.
//
// Trie is not safe for concurrent use.
type Trie struct {
	trieDB *triedb.Database
	trie   *gethtrie.Trie
	root   common.Hash
}

// NewTrie creates an empty trie over a fresh in-memory node database.
func NewTrie() (*Trie, error) {
	backend := rawdb.NewDatabase(memorydb.New())
	trieDB := triedb.NewDatabase(backend, triedb.HashDefaults)
	underlying, err := gethtrie.New(gethtrie.TrieID(gethtypes.EmptyRootHash), trieDB)
	if err != nil {
		return nil, err
	}
	return &Trie{
		trieDB: trieDB,
		trie:   underlying,
		root:   gethtypes.EmptyRootHash,
	}, nil
}

// Get retrieves a value from the trie for the provided key.
func (t *Trie) Get(key []byte) ([]byte, error) {
	return t.trie.Get(key)
}

// Update inserts or updates a value in the trie for the provided key.
func (t *Trie) Update(key, value []byte) error {
	return t.trie.Update(key, value)
}

// Delete removes the value stored for the provided key.
func (t *Trie) Delete(key []byte) error {
	return t.trie.Delete(key)
}

// Hash returns the root hash of the trie reflecting all in-memory mutations.
func (t *Trie) Hash() common.Hash {
	return t.trie.Hash()
}

// Root returns the last committed root hash.
func (t *Trie) Root() common.Hash {
	return t.root
}

// Reset discards any in-memory changes and reloads the trie at the provided
// root. It is primarily used to roll back rejected state transitions.
func (t *Trie) Reset(root common.Hash) error {
	underlying, err := gethtrie.New(gethtrie.TrieID(root), t.trieDB)
	if err != nil {
		return err
	}
	t.trie = underlying
	t.root = root
	return nil
}

// Copy creates a copy of the trie wrapper using go-ethereum's trie cloning
// facilities. The returned trie shares the same underlying database but can
// be mutated independently.
func (t *Trie) Copy() (*Trie, error) {
	copied := t.trie.Copy()
	return &Trie{
		trieDB: t.trieDB,
		trie:   copied,
		root:   t.root,
	}, nil
}

// Commit persists the trie changes to the node database and returns the new
// root hash. After committing the wrapper recreates the underlying trie so
// it can be reused for subsequent transitions.
func (t *Trie) Commit(parent common.Hash, blockNumber uint64) (common.Hash, error) {
	newRoot, nodes := t.trie.Commit(false)
	if nodes != nil {
		merged := trienode.NewMergedNodeSet()
		if err := merged.Merge(nodes); err != nil {
			return common.Hash{}, err
		}
		if err := t.trieDB.Update(newRoot, parent, blockNumber, merged, nil); err != nil {
			return common.Hash{}, err
		}
		if err := t.trieDB.Commit(newRoot, false); err != nil {
			return common.Hash{}, err
		}
	}
	underlying, err := gethtrie.New(gethtrie.TrieID(newRoot), t.trieDB)
	if err != nil {
		return common.Hash{}, err
	}
	t.trie = underlying
	t.root = newRoot
	return newRoot, nil
}
