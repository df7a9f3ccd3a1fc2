package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"nftmarket/native/market"
)

func listingKey(addr [32]byte) []byte {
	return prefixedKey(listingPrefix, addr[:])
}

// ListingGet loads the listing record stored at addr.
func (m *Manager) ListingGet(addr [32]byte) (*market.Listing, bool) {
	data, err := m.trie.Get(listingKey(addr))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	listing := new(market.Listing)
	if err := rlp.DecodeBytes(data, listing); err != nil {
		return nil, false
	}
	return listing, true
}

// ListingCreate stores a new listing record, insert-if-absent. The listing
// address derives from the asset identity alone, so this is the uniqueness
// guarantee keeping at most one live listing per asset.
func (m *Manager) ListingCreate(addr [32]byte, listing *market.Listing) error {
	if listing == nil || listing.Empty() {
		return fmt.Errorf("state: empty listing")
	}
	if _, exists := m.ListingGet(addr); exists {
		return market.ErrListingExists
	}
	encoded, err := rlp.EncodeToBytes(listing)
	if err != nil {
		return err
	}
	if err := m.trie.Update(listingKey(addr), encoded); err != nil {
		return err
	}
	return m.listingIndexAdd(addr)
}

// ListingDelete removes the listing record at addr.
func (m *Manager) ListingDelete(addr [32]byte) error {
	if err := m.trie.Delete(listingKey(addr)); err != nil {
		return err
	}
	return m.listingIndexRemove(addr)
}

// ListingAddresses returns the addresses of all live listings in creation
// order.
func (m *Manager) ListingAddresses() ([][32]byte, error) {
	index, err := m.loadListingIndex()
	if err != nil {
		return nil, err
	}
	out := make([][32]byte, 0, len(index))
	for _, raw := range index {
		if len(raw) != 32 {
			return nil, fmt.Errorf("state: malformed listing index entry")
		}
		var addr [32]byte
		copy(addr[:], raw)
		out = append(out, addr)
	}
	return out, nil
}

func (m *Manager) loadListingIndex() ([][]byte, error) {
	data, err := m.trie.Get(listingIndexKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return [][]byte{}, nil
	}
	var index [][]byte
	if err := rlp.DecodeBytes(data, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (m *Manager) writeListingIndex(index [][]byte) error {
	encoded, err := rlp.EncodeToBytes(index)
	if err != nil {
		return err
	}
	return m.trie.Update(listingIndexKey, encoded)
}

func (m *Manager) listingIndexAdd(addr [32]byte) error {
	index, err := m.loadListingIndex()
	if err != nil {
		return err
	}
	for _, existing := range index {
		if len(existing) == 32 && [32]byte(existing) == addr {
			return nil
		}
	}
	index = append(index, append([]byte(nil), addr[:]...))
	return m.writeListingIndex(index)
}

func (m *Manager) listingIndexRemove(addr [32]byte) error {
	index, err := m.loadListingIndex()
	if err != nil {
		return err
	}
	filtered := index[:0]
	for _, existing := range index {
		if len(existing) == 32 && [32]byte(existing) == addr {
			continue
		}
		filtered = append(filtered, existing)
	}
	if len(filtered) == len(index) {
		return nil
	}
	return m.writeListingIndex(filtered)
}
