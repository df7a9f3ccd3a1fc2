package genesis

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"nftmarket/core/state"
	"nftmarket/core/types"
	"nftmarket/native/token"
	"nftmarket/storage/trie"
)

// BuildGenesisState applies the spec to an empty trie in deterministic order
// and commits the result at height zero. Two nodes fed the same spec arrive
// at the same root.
func BuildGenesisState(spec *GenesisSpec, tr *trie.Trie) (common.Hash, error) {
	if spec == nil {
		return common.Hash{}, fmt.Errorf("genesis spec must not be nil")
	}
	if tr == nil {
		return common.Hash{}, fmt.Errorf("trie must not be nil")
	}
	if err := spec.validate(); err != nil {
		return common.Hash{}, err
	}

	manager := state.NewManager(tr)
	parentRoot := tr.Root()

	// 1) Reserve parameters
	if err := manager.SetParams(state.Params{
		ListingReserve:      new(big.Int).Set(spec.Params.listingReserve),
		TokenAccountReserve: new(big.Int).Set(spec.Params.tokenAccountReserve),
		MinimumReserve:      new(big.Int).Set(spec.Params.minimumReserve),
	}); err != nil {
		return common.Hash{}, fmt.Errorf("persist params: %w", err)
	}

	// 2) Allocations (addresses sorted)
	allocAddresses := make([]string, 0, len(spec.Alloc))
	for addr := range spec.Alloc {
		allocAddresses = append(allocAddresses, addr)
	}
	sort.Strings(allocAddresses)
	for _, addrStr := range allocAddresses {
		parsed, err := ParseBech32Account(addrStr)
		if err != nil {
			return common.Hash{}, fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		amount, err := parseAmountString(spec.Alloc[addrStr])
		if err != nil {
			return common.Hash{}, fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		account, err := manager.GetAccount(parsed[:])
		if err != nil {
			return common.Hash{}, fmt.Errorf("load account %q: %w", addrStr, err)
		}
		account.Balance = amount
		if err := manager.PutAccount(parsed[:], account); err != nil {
			return common.Hash{}, fmt.Errorf("persist account %q: %w", addrStr, err)
		}
	}

	// 3) Mints (sorted by asset identity)
	mints := append([]MintSpec(nil), spec.Mints...)
	sort.Slice(mints, func(i, j int) bool {
		return strings.Compare(mints[i].Asset, mints[j].Asset) < 0
	})
	for i := range mints {
		entry := &mints[i]
		asset, err := ParseBech32Account(entry.Asset)
		if err != nil {
			return common.Hash{}, fmt.Errorf("mint %q: %w", entry.Asset, err)
		}
		mint := &types.Mint{Decimals: entry.Decimals, Supply: entry.Supply}
		if strings.TrimSpace(entry.MintAuthority) != "" {
			authority, err := ParseBech32Account(entry.MintAuthority)
			if err != nil {
				return common.Hash{}, fmt.Errorf("mint %q mintAuthority: %w", entry.Asset, err)
			}
			mint.MintAuthority = append([]byte(nil), authority[:]...)
		}
		if strings.TrimSpace(entry.FreezeAuthority) != "" {
			authority, err := ParseBech32Account(entry.FreezeAuthority)
			if err != nil {
				return common.Hash{}, fmt.Errorf("mint %q freezeAuthority: %w", entry.Asset, err)
			}
			mint.FreezeAuthority = append([]byte(nil), authority[:]...)
		}
		if err := manager.MintCreate(asset, mint); err != nil {
			return common.Hash{}, fmt.Errorf("mint %q: %w", entry.Asset, err)
		}
	}

	// 4) Token accounts at their associated addresses (sorted by mint then
	// owner). Each account is endowed with the storage reserve so closing it
	// later refunds the same amount any runtime-created account would.
	entries := append([]TokenAccountSpec(nil), spec.TokenAccounts...)
	sort.Slice(entries, func(i, j int) bool {
		if cmp := strings.Compare(entries[i].Mint, entries[j].Mint); cmp != 0 {
			return cmp < 0
		}
		return strings.Compare(entries[i].Owner, entries[j].Owner) < 0
	})
	for i := range entries {
		entry := &entries[i]
		mint, err := ParseBech32Account(entry.Mint)
		if err != nil {
			return common.Hash{}, fmt.Errorf("tokenAccount mint %q: %w", entry.Mint, err)
		}
		owner, err := ParseBech32Account(entry.Owner)
		if err != nil {
			return common.Hash{}, fmt.Errorf("tokenAccount owner %q: %w", entry.Owner, err)
		}
		addr, _, err := token.AssociatedTokenAddress(mint, owner)
		if err != nil {
			return common.Hash{}, fmt.Errorf("derive token account for %q/%q: %w", entry.Mint, entry.Owner, err)
		}
		if err := manager.TokenCreate(addr, &types.TokenAccount{
			Mint:   append([]byte(nil), mint[:]...),
			Owner:  append([]byte(nil), owner[:]...),
			Amount: entry.Amount,
		}); err != nil {
			return common.Hash{}, fmt.Errorf("create token account for %q/%q: %w", entry.Mint, entry.Owner, err)
		}
		if spec.Params.tokenAccountReserve.Sign() > 0 {
			reserveHolder, err := manager.GetAccount(addr[:])
			if err != nil {
				return common.Hash{}, fmt.Errorf("load reserve account: %w", err)
			}
			reserveHolder.Balance = new(big.Int).Add(reserveHolder.Balance, spec.Params.tokenAccountReserve)
			if err := manager.PutAccount(addr[:], reserveHolder); err != nil {
				return common.Hash{}, fmt.Errorf("persist reserve account: %w", err)
			}
		}
	}

	// 5) Commit at height zero
	root, err := tr.Commit(parentRoot, 0)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commit genesis state: %w", err)
	}
	return root, nil
}
