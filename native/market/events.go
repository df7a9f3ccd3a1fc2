package market

import (
	"encoding/hex"
	"strconv"

	"nftmarket/core/types"
)

const (
	EventTypeAssetListed   = "market.listed"
	EventTypeSaleCancelled = "market.sale_cancelled"
	EventTypeAssetSold     = "market.sold"
)

// NewListedEvent returns the canonical event payload emitted when an asset is
// placed in escrow for sale.
func NewListedEvent(addr [32]byte, l *Listing) *types.Event {
	return newListingEvent(EventTypeAssetListed, addr, l, nil)
}

// NewSaleCancelledEvent returns the canonical event payload emitted when a
// seller withdraws a listing.
func NewSaleCancelledEvent(addr [32]byte, l *Listing) *types.Event {
	return newListingEvent(EventTypeSaleCancelled, addr, l, nil)
}

// NewSoldEvent returns the canonical event payload emitted when a purchase
// settles.
func NewSoldEvent(addr [32]byte, l *Listing, buyer [32]byte) *types.Event {
	return newListingEvent(EventTypeAssetSold, addr, l, buyer[:])
}

func newListingEvent(eventType string, addr [32]byte, l *Listing, buyer []byte) *types.Event {
	attrs := make(map[string]string)
	attrs["listing"] = hex.EncodeToString(addr[:])
	if l != nil {
		attrs["seller"] = hex.EncodeToString(l.Seller[:])
		attrs["asset"] = hex.EncodeToString(l.Asset[:])
		attrs["price"] = strconv.FormatUint(l.Price, 10)
		attrs["bump"] = strconv.FormatUint(uint64(l.Bump), 10)
	}
	if len(buyer) > 0 {
		attrs["buyer"] = hex.EncodeToString(buyer)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
