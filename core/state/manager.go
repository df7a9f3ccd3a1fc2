package state

import (
	"fmt"
	"math/big"
	"reflect"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nftmarket/storage/trie"
)

// Manager provides typed access to the ledger state stored in the trie:
// native accounts, mints, token accounts, listings and chain parameters.
// It performs no validation of its own; engines own the business rules.
type Manager struct {
	trie *trie.Trie
}

// NewManager creates a state manager operating on the provided trie.
func NewManager(tr *trie.Trie) *Manager {
	return &Manager{trie: tr}
}

var (
	mintPrefix      = []byte("mint:")
	tokenAcctPrefix = []byte("token-account:")
	listingPrefix   = []byte("listing:")
	listingIndexKey = ethcrypto.Keccak256([]byte("listing-index"))
	paramsKey       = ethcrypto.Keccak256([]byte("chain-params"))
)

func prefixedKey(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// Params holds the chain-wide storage reserve configuration. Reserves are
// charged when records are created and refunded when they are destroyed;
// MinimumReserve is the balance every funded account must retain.
type Params struct {
	ListingReserve      *big.Int
	TokenAccountReserve *big.Int
	MinimumReserve      *big.Int
}

func (p Params) normalized() Params {
	out := Params{
		ListingReserve:      big.NewInt(0),
		TokenAccountReserve: big.NewInt(0),
		MinimumReserve:      big.NewInt(0),
	}
	if p.ListingReserve != nil {
		out.ListingReserve = new(big.Int).Set(p.ListingReserve)
	}
	if p.TokenAccountReserve != nil {
		out.TokenAccountReserve = new(big.Int).Set(p.TokenAccountReserve)
	}
	if p.MinimumReserve != nil {
		out.MinimumReserve = new(big.Int).Set(p.MinimumReserve)
	}
	return out
}

// SetParams persists the chain parameter record.
func (m *Manager) SetParams(p Params) error {
	encoded, err := rlp.EncodeToBytes(p.normalized())
	if err != nil {
		return err
	}
	return m.trie.Update(paramsKey, encoded)
}

// Params loads the chain parameter record. Absent parameters default to
// zero reserves.
func (m *Manager) Params() (Params, error) {
	data, err := m.trie.Get(paramsKey)
	if err != nil {
		return Params{}.normalized(), err
	}
	if len(data) == 0 {
		return Params{}.normalized(), nil
	}
	var p Params
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return Params{}.normalized(), err
	}
	return p.normalized(), nil
}

// KVPut stores an RLP-encodable value under an arbitrary key. Intended for
// small bookkeeping records outside the typed accessors.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.trie.Update(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it
// into the provided destination. The boolean reports whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. A missing value
// initialises the destination with an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
