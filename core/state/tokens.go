package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"nftmarket/core/types"
	"nftmarket/native/token"
)

func mintKey(asset [32]byte) []byte {
	return prefixedKey(mintPrefix, asset[:])
}

func tokenAccountKey(addr [32]byte) []byte {
	return prefixedKey(tokenAcctPrefix, addr[:])
}

// MintGet loads the mint record for an asset.
func (m *Manager) MintGet(asset [32]byte) (*types.Mint, bool) {
	data, err := m.trie.Get(mintKey(asset))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	mint := new(types.Mint)
	if err := rlp.DecodeBytes(data, mint); err != nil {
		return nil, false
	}
	return mint, true
}

// MintCreate stores a new mint record. The write is insert-if-absent: a
// record already present under the asset identity is never overwritten.
func (m *Manager) MintCreate(asset [32]byte, mint *types.Mint) error {
	if mint == nil {
		return fmt.Errorf("state: nil mint")
	}
	if _, exists := m.MintGet(asset); exists {
		return token.ErrMintExists
	}
	return m.MintPut(asset, mint)
}

// MintPut overwrites the mint record for an asset.
func (m *Manager) MintPut(asset [32]byte, mint *types.Mint) error {
	if mint == nil {
		return fmt.Errorf("state: nil mint")
	}
	encoded, err := rlp.EncodeToBytes(mint)
	if err != nil {
		return err
	}
	return m.trie.Update(mintKey(asset), encoded)
}

// TokenGet loads the token account stored at addr.
func (m *Manager) TokenGet(addr [32]byte) (*types.TokenAccount, bool) {
	data, err := m.trie.Get(tokenAccountKey(addr))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	account := new(types.TokenAccount)
	if err := rlp.DecodeBytes(data, account); err != nil {
		return nil, false
	}
	return account, true
}

// TokenCreate stores a new token account record, insert-if-absent.
func (m *Manager) TokenCreate(addr [32]byte, account *types.TokenAccount) error {
	if account == nil {
		return fmt.Errorf("state: nil token account")
	}
	if _, exists := m.TokenGet(addr); exists {
		return token.ErrAccountExists
	}
	return m.TokenPut(addr, account)
}

// TokenPut overwrites the token account record at addr.
func (m *Manager) TokenPut(addr [32]byte, account *types.TokenAccount) error {
	if account == nil {
		return fmt.Errorf("state: nil token account")
	}
	encoded, err := rlp.EncodeToBytes(account)
	if err != nil {
		return err
	}
	return m.trie.Update(tokenAccountKey(addr), encoded)
}

// TokenDelete removes the token account record at addr. Deleting an absent
// record is a no-op.
func (m *Manager) TokenDelete(addr [32]byte) error {
	return m.trie.Delete(tokenAccountKey(addr))
}
