package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

// ReceiptStatus is the terminal outcome of an applied transaction.
type ReceiptStatus uint8

const (
	ReceiptStatusFailed ReceiptStatus = iota
	ReceiptStatusSuccess
)

// ErrReceiptDigest is returned when a decoded receipt's content digest does
// not match its payload.
var ErrReceiptDigest = errors.New("types: receipt digest mismatch")

// Receipt records the outcome of one transaction: the post-state root on
// success, the stable error tag on failure, and the events emitted. Digest
// is a BLAKE3 hash of the canonical encoding, checked on read-back.
type Receipt struct {
	TxHash   []byte        `json:"txHash"`
	Height   uint64        `json:"height"`
	Status   ReceiptStatus `json:"status"`
	ErrorTag string        `json:"errorTag,omitempty"`
	Root     []byte        `json:"root"`
	Events   []Event       `json:"events,omitempty"`
	Digest   []byte        `json:"digest"`
}

// Event attributes live in a map, so the canonical encoding flattens them
// into key-sorted pairs before hashing.
type receiptEventRLP struct {
	Type   string
	Keys   []string
	Values []string
}

type receiptBodyRLP struct {
	TxHash   []byte
	Height   uint64
	Status   uint8
	ErrorTag string
	Root     []byte
	Events   []receiptEventRLP
}

type receiptEnvelopeRLP struct {
	Body   receiptBodyRLP
	Digest []byte
}

func (r *Receipt) canonicalBody() receiptBodyRLP {
	body := receiptBodyRLP{
		TxHash:   r.TxHash,
		Height:   r.Height,
		Status:   uint8(r.Status),
		ErrorTag: r.ErrorTag,
		Root:     r.Root,
	}
	for _, evt := range r.Events {
		keys := make([]string, 0, len(evt.Attributes))
		for key := range evt.Attributes {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		values := make([]string, 0, len(keys))
		for _, key := range keys {
			values = append(values, evt.Attributes[key])
		}
		body.Events = append(body.Events, receiptEventRLP{Type: evt.Type, Keys: keys, Values: values})
	}
	return body
}

// CanonicalDigest hashes the canonical receipt body with BLAKE3.
func (r *Receipt) CanonicalDigest() ([]byte, error) {
	enc, err := rlp.EncodeToBytes(r.canonicalBody())
	if err != nil {
		return nil, err
	}
	digest := blake3.Sum256(enc)
	return digest[:], nil
}

// MarshalBinary seals the receipt and encodes body plus digest.
func (r *Receipt) MarshalBinary() ([]byte, error) {
	digest, err := r.CanonicalDigest()
	if err != nil {
		return nil, err
	}
	r.Digest = digest
	return rlp.EncodeToBytes(receiptEnvelopeRLP{Body: r.canonicalBody(), Digest: digest})
}

// DecodeReceipt decodes an envelope produced by MarshalBinary, verifying the
// content digest.
func DecodeReceipt(b []byte) (*Receipt, error) {
	var envelope receiptEnvelopeRLP
	if err := rlp.DecodeBytes(b, &envelope); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	receipt := &Receipt{
		TxHash:   envelope.Body.TxHash,
		Height:   envelope.Body.Height,
		Status:   ReceiptStatus(envelope.Body.Status),
		ErrorTag: envelope.Body.ErrorTag,
		Root:     envelope.Body.Root,
		Digest:   envelope.Digest,
	}
	for _, evt := range envelope.Body.Events {
		if len(evt.Keys) != len(evt.Values) {
			return nil, fmt.Errorf("decode receipt: event %q has %d keys and %d values", evt.Type, len(evt.Keys), len(evt.Values))
		}
		attrs := make(map[string]string, len(evt.Keys))
		for i, key := range evt.Keys {
			attrs[key] = evt.Values[i]
		}
		receipt.Events = append(receipt.Events, Event{Type: evt.Type, Attributes: attrs})
	}
	recomputed, err := receipt.CanonicalDigest()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(recomputed, envelope.Digest) {
		return nil, ErrReceiptDigest
	}
	return receipt, nil
}
