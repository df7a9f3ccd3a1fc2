package types

// Mint is the on-ledger metadata of an asset denomination. A single-edition
// asset eligible for listing has Decimals 0, Supply 1, and both authorities
// renounced (nil).
type Mint struct {
	Decimals        uint8  `json:"decimals"`
	Supply          uint64 `json:"supply"`
	MintAuthority   []byte `json:"mintAuthority,omitempty"`
	FreezeAuthority []byte `json:"freezeAuthority,omitempty"`
}

// Clone returns a deep copy safe for the caller to mutate.
func (m *Mint) Clone() *Mint {
	if m == nil {
		return nil
	}
	clone := &Mint{Decimals: m.Decimals, Supply: m.Supply}
	if m.MintAuthority != nil {
		clone.MintAuthority = append([]byte(nil), m.MintAuthority...)
	}
	if m.FreezeAuthority != nil {
		clone.FreezeAuthority = append([]byte(nil), m.FreezeAuthority...)
	}
	return clone
}

// HasMintAuthority reports whether new supply can still be minted.
func (m *Mint) HasMintAuthority() bool {
	return m != nil && len(m.MintAuthority) > 0
}

// HasFreezeAuthority reports whether token accounts of this mint can still
// be frozen.
func (m *Mint) HasFreezeAuthority() bool {
	return m != nil && len(m.FreezeAuthority) > 0
}

// TokenAccount holds units of one mint for one owner. The owner may be a
// wallet key or a derived program address; outbound transfers require the
// owner's authority either way.
type TokenAccount struct {
	Mint   []byte `json:"mint"`
	Owner  []byte `json:"owner"`
	Amount uint64 `json:"amount"`
}

// Clone returns a deep copy safe for the caller to mutate.
func (t *TokenAccount) Clone() *TokenAccount {
	if t == nil {
		return nil
	}
	return &TokenAccount{
		Mint:   append([]byte(nil), t.Mint...),
		Owner:  append([]byte(nil), t.Owner...),
		Amount: t.Amount,
	}
}
