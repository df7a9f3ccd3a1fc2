package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"
)

// GenesisSpec is the JSON description of the ledger's initial state: storage
// reserve parameters, native balance allocations, pre-declared mints, and
// their token accounts.
type GenesisSpec struct {
	GenesisTime   string             `json:"genesisTime"`
	Params        ParamsSpec         `json:"params"`
	Alloc         map[string]string  `json:"alloc,omitempty"`
	Mints         []MintSpec         `json:"mints,omitempty"`
	TokenAccounts []TokenAccountSpec `json:"tokenAccounts,omitempty"`

	genesisTimestamp time.Time
}

// ParamsSpec carries the reserve rates as decimal strings; empty means zero.
type ParamsSpec struct {
	ListingReserve      string `json:"listingReserve,omitempty"`
	TokenAccountReserve string `json:"tokenAccountReserve,omitempty"`
	MinimumReserve      string `json:"minimumReserve,omitempty"`

	listingReserve      *big.Int
	tokenAccountReserve *big.Int
	minimumReserve      *big.Int
}

// MintSpec declares an asset mint. Empty authority fields mean the authority
// is renounced from genesis, which is what a sale-eligible asset needs.
type MintSpec struct {
	Asset           string `json:"asset"`
	Decimals        uint8  `json:"decimals"`
	Supply          uint64 `json:"supply"`
	MintAuthority   string `json:"mintAuthority,omitempty"`
	FreezeAuthority string `json:"freezeAuthority,omitempty"`
}

// TokenAccountSpec seeds holdings. The account address is not declared: the
// loader derives the associated address for (mint, owner), the only location
// the runtime will ever look for it.
type TokenAccountSpec struct {
	Mint   string `json:"mint"`
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"`
}

// LoadGenesisSpec reads and validates a genesis spec file.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseGenesisSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseGenesisSpec decodes and validates raw JSON. Unknown fields are
// rejected so a typo cannot silently drop an allocation.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// GenesisTimestamp returns the parsed genesis time.
func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

func (s *GenesisSpec) validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	if err := s.Params.validate(); err != nil {
		return fmt.Errorf("params: %w", err)
	}

	// alloc
	accounts := make([]string, 0, len(s.Alloc))
	for account := range s.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		if _, err := ParseBech32Account(account); err != nil {
			return fmt.Errorf("alloc[%q]: %w", account, err)
		}
		if _, err := parseAmountString(s.Alloc[account]); err != nil {
			return fmt.Errorf("alloc[%q]: %w", account, err)
		}
	}

	// mints
	mintAssets := make(map[string]*MintSpec, len(s.Mints))
	for i := range s.Mints {
		mint := &s.Mints[i]
		asset, err := ParseBech32Account(mint.Asset)
		if err != nil {
			return fmt.Errorf("mints[%d]: asset: %w", i, err)
		}
		if asset == ([32]byte{}) {
			return fmt.Errorf("mints[%d]: asset identity must not be zero", i)
		}
		key := string(asset[:])
		if _, exists := mintAssets[key]; exists {
			return fmt.Errorf("mints[%d]: duplicate asset %q", i, mint.Asset)
		}
		mintAssets[key] = mint
		if mint.Decimals > 18 {
			return fmt.Errorf("mints[%d]: decimals must be 18 or fewer", i)
		}
		if strings.TrimSpace(mint.MintAuthority) != "" {
			if _, err := ParseBech32Account(mint.MintAuthority); err != nil {
				return fmt.Errorf("mints[%d]: mintAuthority: %w", i, err)
			}
		}
		if strings.TrimSpace(mint.FreezeAuthority) != "" {
			if _, err := ParseBech32Account(mint.FreezeAuthority); err != nil {
				return fmt.Errorf("mints[%d]: freezeAuthority: %w", i, err)
			}
		}
	}

	// token accounts: every account references a declared mint, no two share
	// an associated address, and per-mint amounts must sum to the declared
	// supply so genesis cannot introduce unbacked units.
	held := make(map[string]uint64, len(mintAssets))
	seenAccounts := make(map[string]struct{}, len(s.TokenAccounts))
	for i := range s.TokenAccounts {
		entry := &s.TokenAccounts[i]
		asset, err := ParseBech32Account(entry.Mint)
		if err != nil {
			return fmt.Errorf("tokenAccounts[%d]: mint: %w", i, err)
		}
		key := string(asset[:])
		if _, exists := mintAssets[key]; !exists {
			return fmt.Errorf("tokenAccounts[%d]: undeclared mint %q", i, entry.Mint)
		}
		owner, err := ParseBech32Account(entry.Owner)
		if err != nil {
			return fmt.Errorf("tokenAccounts[%d]: owner: %w", i, err)
		}
		accountKey := key + string(owner[:])
		if _, dup := seenAccounts[accountKey]; dup {
			return fmt.Errorf("tokenAccounts[%d]: duplicate account for mint %q owner %q", i, entry.Mint, entry.Owner)
		}
		seenAccounts[accountKey] = struct{}{}
		total := held[key] + entry.Amount
		if total < held[key] {
			return fmt.Errorf("tokenAccounts[%d]: holdings overflow for mint %q", i, entry.Mint)
		}
		held[key] = total
	}
	for key, mint := range mintAssets {
		if held[key] != mint.Supply {
			return fmt.Errorf("mint %q: declared supply %d but token accounts hold %d", mint.Asset, mint.Supply, held[key])
		}
	}
	return nil
}

func (p *ParamsSpec) validate() error {
	listing, err := parseAmountString(p.ListingReserve)
	if err != nil {
		return fmt.Errorf("listingReserve: %w", err)
	}
	account, err := parseAmountString(p.TokenAccountReserve)
	if err != nil {
		return fmt.Errorf("tokenAccountReserve: %w", err)
	}
	minimum, err := parseAmountString(p.MinimumReserve)
	if err != nil {
		return fmt.Errorf("minimumReserve: %w", err)
	}
	p.listingReserve = listing
	p.tokenAccountReserve = account
	p.minimumReserve = minimum
	return nil
}

func parseAmountString(value string) (*big.Int, error) {
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

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
