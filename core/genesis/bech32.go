package genesis

import (
	"fmt"
	"strings"

	"nftmarket/crypto"
)

// ParseBech32Account decodes a bech32 ledger identity, enforcing the market
// address prefix.
func ParseBech32Account(addr string) ([32]byte, error) {
	var out [32]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(addr))
	if err != nil {
		return out, fmt.Errorf("decode bech32 account: %w", err)
	}
	if decoded.Prefix() != crypto.MarketPrefix {
		return out, fmt.Errorf("decode bech32 account: unsupported prefix %q", decoded.Prefix())
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}
