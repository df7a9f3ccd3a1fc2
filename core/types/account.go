package types

import "math/big"

// Account is a native-balance account on the market ledger. Nonce orders the
// account's transactions; Balance holds the payment currency that Buy moves
// and that storage reserves are charged against.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// NewAccount returns an empty account with a zero balance.
func NewAccount() *Account {
	return &Account{Balance: new(big.Int)}
}

// Clone returns a deep copy safe for the caller to mutate.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{Nonce: a.Nonce, Balance: new(big.Int)}
	if a.Balance != nil {
		clone.Balance.Set(a.Balance)
	}
	return clone
}

// Spendable returns the balance available above the retained reserve. The
// reserve is the ledger minimum every account must keep after a debit.
func (a *Account) Spendable(reserve *big.Int) *big.Int {
	balance := new(big.Int)
	if a != nil && a.Balance != nil {
		balance.Set(a.Balance)
	}
	if reserve != nil {
		balance.Sub(balance, reserve)
	}
	if balance.Sign() < 0 {
		balance.SetInt64(0)
	}
	return balance
}
