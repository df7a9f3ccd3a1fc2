package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	bolt "go.etcd.io/bbolt"

	"nftmarket/core/types"
)

var (
	bucketReceipts = []byte("receipts")
	bucketActivity = []byte("activity")
	bucketAccounts = []byte("accounts")
	bucketMeta     = []byte("meta")

	metaKeyHeight = []byte("height")
	metaKeyRoot   = []byte("root")

	// ErrNotFound is returned when no receipt exists for a transaction hash.
	ErrNotFound = errors.New("journal: receipt not found")
)

// Journal is the durable activity record. Ledger state lives in the in-memory
// trie and is rebuilt from genesis at boot; the journal is what survives a
// restart: every receipt ever issued, in application order, with the latest
// committed height and root alongside.
type Journal struct {
	db *bolt.DB
}

// Open initialises (and migrates) the BoltDB-backed journal.
func Open(path string, options *bolt.Options) (*Journal, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketReceipts, bucketActivity, bucketAccounts, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends the receipt to the activity log, indexes it by transaction
// hash, and files it under each participant address. Failed receipts are
// recorded too: the journal answers "what happened to my transaction", not
// just "what changed state".
func (j *Journal) Record(receipt *types.Receipt, participants ...[]byte) error {
	if receipt == nil {
		return errors.New("journal: nil receipt")
	}
	if len(receipt.TxHash) == 0 {
		return errors.New("journal: receipt missing transaction hash")
	}
	encoded, err := receipt.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		receipts := tx.Bucket(bucketReceipts)
		if err := receipts.Put(receipt.TxHash, encoded); err != nil {
			return err
		}
		activity := tx.Bucket(bucketActivity)
		seq, err := activity.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		if err := activity.Put(key[:], append([]byte(nil), receipt.TxHash...)); err != nil {
			return err
		}
		accounts := tx.Bucket(bucketAccounts)
		seen := make(map[string]struct{}, len(participants))
		for _, addr := range participants {
			if len(addr) == 0 {
				continue
			}
			if _, dup := seen[string(addr)]; dup {
				continue
			}
			seen[string(addr)] = struct{}{}
			if err := appendAccountEntry(accounts, addr, receipt.TxHash); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		var height [8]byte
		binary.BigEndian.PutUint64(height[:], receipt.Height)
		if err := meta.Put(metaKeyHeight, height[:]); err != nil {
			return err
		}
		return meta.Put(metaKeyRoot, append([]byte(nil), receipt.Root...))
	})
}

// appendAccountEntry grows the per-address hash list. Lists are RLP-encoded
// and rewritten whole; the journal is an archive, not a hot path.
func appendAccountEntry(bucket *bolt.Bucket, addr, txHash []byte) error {
	var hashes [][]byte
	if raw := bucket.Get(addr); raw != nil {
		if err := rlp.DecodeBytes(raw, &hashes); err != nil {
			return fmt.Errorf("decode account history: %w", err)
		}
	}
	hashes = append(hashes, append([]byte(nil), txHash...))
	encoded, err := rlp.EncodeToBytes(hashes)
	if err != nil {
		return err
	}
	return bucket.Put(append([]byte(nil), addr...), encoded)
}

// AccountHistory returns up to limit receipts involving the address, newest
// first.
func (j *Journal) AccountHistory(addr []byte, limit int) ([]*types.Receipt, error) {
	if limit <= 0 {
		return nil, nil
	}
	var hashes [][]byte
	if err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAccounts).Get(addr)
		if raw == nil {
			return nil
		}
		return rlp.DecodeBytes(raw, &hashes)
	}); err != nil {
		return nil, err
	}
	receipts := make([]*types.Receipt, 0, limit)
	for i := len(hashes) - 1; i >= 0 && len(receipts) < limit; i-- {
		receipt, err := j.Receipt(hashes[i])
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// Receipt fetches the receipt for a transaction hash, verifying its digest.
func (j *Journal) Receipt(txHash []byte) (*types.Receipt, error) {
	var raw []byte
	err := j.db.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket(bucketReceipts).Get(txHash); value != nil {
			raw = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return types.DecodeReceipt(raw)
}

// Recent returns up to limit receipts, newest first.
func (j *Journal) Recent(limit int) ([]*types.Receipt, error) {
	if limit <= 0 {
		return nil, nil
	}
	var hashes [][]byte
	if err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketActivity).Cursor()
		for k, v := cursor.Last(); k != nil && len(hashes) < limit; k, v = cursor.Prev() {
			hashes = append(hashes, append([]byte(nil), v...))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	receipts := make([]*types.Receipt, 0, len(hashes))
	for _, hash := range hashes {
		receipt, err := j.Receipt(hash)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// Tip reports the height and state root of the most recently recorded
// receipt. ok is false when the journal is empty.
func (j *Journal) Tip() (height uint64, root []byte, ok bool, err error) {
	err = j.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		rawHeight := meta.Get(metaKeyHeight)
		if rawHeight == nil {
			return nil
		}
		height = binary.BigEndian.Uint64(rawHeight)
		if rawRoot := meta.Get(metaKeyRoot); rawRoot != nil {
			root = append([]byte(nil), rawRoot...)
		}
		ok = true
		return nil
	})
	if err != nil {
		return 0, nil, false, err
	}
	return height, root, ok, nil
}
