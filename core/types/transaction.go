package types

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"nftmarket/crypto"
)

// TxType defines the purpose of a transaction.
type TxType byte

const (
	TxTypeTransfer           TxType = 0x01 // native payment between accounts
	TxTypeCreateMint         TxType = 0x02 // declare a new asset denomination
	TxTypeCreateTokenAccount TxType = 0x03 // create the associated token account for (owner, mint)
	TxTypeMintAsset          TxType = 0x04 // mint units to a token account
	TxTypeSetAuthority       TxType = 0x05 // rotate or renounce a mint's authority
	TxTypeTokenTransfer      TxType = 0x06 // owner-signed move between token accounts
	TxTypeListAsset          TxType = 0x07 // escrow an asset under a new listing
	TxTypeCancelListing      TxType = 0x08 // reclaim an escrowed asset, ending its listing
	TxTypeBuyAsset           TxType = 0x09 // exchange payment for an escrowed asset
)

// String returns the canonical operation name, used in logs and metric labels.
func (t TxType) String() string {
	switch t {
	case TxTypeTransfer:
		return "transfer"
	case TxTypeCreateMint:
		return "create_mint"
	case TxTypeCreateTokenAccount:
		return "create_token_account"
	case TxTypeMintAsset:
		return "mint_asset"
	case TxTypeSetAuthority:
		return "set_authority"
	case TxTypeTokenTransfer:
		return "token_transfer"
	case TxTypeListAsset:
		return "list_asset"
	case TxTypeCancelListing:
		return "cancel_listing"
	case TxTypeBuyAsset:
		return "buy_asset"
	default:
		return fmt.Sprintf("unknown_0x%02x", byte(t))
	}
}

// ErrInvalidSignature is returned when a transaction's signature does not
// verify against its declared sender key.
var ErrInvalidSignature = errors.New("types: invalid transaction signature")

// Transaction is a signed instruction against the ledger. From carries the
// sender's ed25519 public key; derived addresses have no key and therefore
// can never appear as a sender.
type Transaction struct {
	Type      TxType   `json:"type"`
	Nonce     uint64   `json:"nonce"`
	From      []byte   `json:"from"`
	To        []byte   `json:"to,omitempty"`
	Value     *big.Int `json:"value,omitempty"`
	Data      []byte   `json:"data,omitempty"`
	Signature []byte   `json:"signature,omitempty"`

	sender *crypto.PublicKey
}

// Hash returns the signing digest: SHA-256 over the RLP encoding of the
// unsigned envelope.
func (tx *Transaction) Hash() ([]byte, error) {
	envelope := struct {
		Type  byte
		Nonce uint64
		From  []byte
		To    []byte
		Value *big.Int
		Data  []byte
	}{byte(tx.Type), tx.Nonce, tx.From, tx.To, tx.Value, tx.Data}

	enc, err := rlp.EncodeToBytes(envelope)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(enc)
	return digest[:], nil
}

// Sign stamps the sender key onto the transaction and signs its digest.
func (tx *Transaction) Sign(key *crypto.PrivateKey) error {
	if key == nil {
		return errors.New("types: nil private key")
	}
	pub := key.PubKey()
	tx.From = append([]byte(nil), pub.PublicKey...)
	tx.sender = nil
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	tx.Signature = key.Sign(hash)
	return nil
}

// Sender verifies the signature and returns the sender's public key. The
// verified key is cached; mutating a verified transaction is a bug.
func (tx *Transaction) Sender() (*crypto.PublicKey, error) {
	if tx.sender != nil {
		return tx.sender, nil
	}
	pub, err := crypto.PublicKeyFromBytes(tx.From)
	if err != nil {
		return nil, err
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	if !pub.Verify(hash, tx.Signature) {
		return nil, ErrInvalidSignature
	}
	tx.sender = pub
	return pub, nil
}

// SenderIdentity returns the verified sender as a fixed 32-byte identity.
func (tx *Transaction) SenderIdentity() ([crypto.IdentityLength]byte, error) {
	pub, err := tx.Sender()
	if err != nil {
		return [crypto.IdentityLength]byte{}, err
	}
	return pub.Identity(), nil
}
