package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"nftmarket/core/types"
)

func accountStateKey(addr []byte) []byte {
	return ethcrypto.Keccak256(addr)
}

// GetAccount reconstructs the native account stored under the provided
// address. Unknown addresses yield a fresh zero-balance account rather than
// an error: every identity implicitly has an account.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	stateAcc, err := m.loadStateAccount(addr)
	if err != nil {
		return nil, err
	}
	account := types.NewAccount()
	if stateAcc != nil {
		account.Nonce = stateAcc.Nonce
		if stateAcc.Balance != nil {
			account.Balance = stateAcc.Balance.ToBig()
		}
	}
	return account, nil
}

// PutAccount persists the provided account state under the supplied address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("nil account")
	}
	bal := account.Balance
	if bal == nil {
		bal = big.NewInt(0)
	}
	if bal.Sign() < 0 {
		return fmt.Errorf("negative balance")
	}
	balance, overflow := uint256.FromBig(bal)
	if overflow {
		return fmt.Errorf("balance overflow")
	}
	stateAcc := &gethtypes.StateAccount{
		Nonce:    account.Nonce,
		Balance:  balance,
		Root:     gethtypes.EmptyRootHash,
		CodeHash: gethtypes.EmptyCodeHash.Bytes(),
	}
	return m.writeStateAccount(addr, stateAcc)
}

func (m *Manager) loadStateAccount(addr []byte) (*gethtypes.StateAccount, error) {
	data, err := m.trie.Get(accountStateKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	stateAcc := new(gethtypes.StateAccount)
	if err := rlp.DecodeBytes(data, stateAcc); err != nil {
		return nil, err
	}
	if stateAcc.Root == (common.Hash{}) {
		stateAcc.Root = gethtypes.EmptyRootHash
	}
	if len(stateAcc.CodeHash) == 0 {
		stateAcc.CodeHash = gethtypes.EmptyCodeHash.Bytes()
	}
	return stateAcc, nil
}

func (m *Manager) writeStateAccount(addr []byte, stateAcc *gethtypes.StateAccount) error {
	encoded, err := rlp.EncodeToBytes(stateAcc)
	if err != nil {
		return err
	}
	return m.trie.Update(accountStateKey(addr), encoded)
}
