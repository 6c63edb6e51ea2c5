// Package kv implements the projection backend on top of a tm-db key/value
// store.
//
// Writes of a transaction are staged in a batch and mirrored in an overlay
// so that reads inside the transaction observe them. The batch is written
// with WriteSync when the transaction function succeeds, making every block
// durable as one unit.
package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/tm-projector/internal/projection"
	"github.com/tendermint/tm-projector/types"
)

const (
	// prefixes are namespaced to avoid collisions
	prefixEntry      = int64(1)
	prefixChain      = int64(2)
	prefixHead       = int64(3)
	prefixUndo       = int64(4)
	prefixUndoHeight = int64(5)
)

func entryKey(address string) []byte {
	key, err := orderedcode.Append(nil, prefixEntry, address)
	if err != nil {
		panic(err)
	}
	return key
}

func chainKey(id types.BlockID) []byte {
	key, err := orderedcode.Append(nil, prefixChain, string(id))
	if err != nil {
		panic(err)
	}
	return key
}

func headKey() []byte {
	key, err := orderedcode.Append(nil, prefixHead)
	if err != nil {
		panic(err)
	}
	return key
}

func undoKey(id types.BlockID) []byte {
	key, err := orderedcode.Append(nil, prefixUndo, string(id))
	if err != nil {
		panic(err)
	}
	return key
}

func undoHeightKey(height uint64, id types.BlockID) []byte {
	key, err := orderedcode.Append(nil, prefixUndoHeight, height, string(id))
	if err != nil {
		panic(err)
	}
	return key
}

func prefixRange(prefix int64) (start, end []byte) {
	start, err := orderedcode.Append(nil, prefix)
	if err != nil {
		panic(err)
	}
	end, err = orderedcode.Append(nil, prefix+1)
	if err != nil {
		panic(err)
	}
	return start, end
}

// Backend is a projection.Backend over a tm-db database.
type Backend struct {
	db dbm.DB

	// serializes transactions; tm-db has no isolation of its own
	mtx sync.RWMutex
}

var _ projection.Backend = (*Backend)(nil)

// New wraps db. The Backend takes ownership of db and closes it on Close.
func New(db dbm.DB) *Backend {
	return &Backend{db: db}
}

// Update implements projection.Backend.
func (b *Backend) Update(ctx context.Context, fn func(projection.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	batch := b.db.NewBatch()
	defer batch.Close()

	txn := &txn{reader: reader{db: b.db}, batch: batch, writes: make(map[string][]byte)}
	if err := fn(txn); err != nil {
		return err
	}

	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("%w: writing batch: %v", projection.ErrStorage, err)
	}
	return nil
}

// View implements projection.Backend.
func (b *Backend) View(ctx context.Context, fn func(projection.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mtx.RLock()
	defer b.mtx.RUnlock()

	return fn(reader{db: b.db})
}

// Reset implements projection.Backend.
func (b *Backend) Reset(ctx context.Context) error {
	return b.Update(ctx, func(t projection.Txn) error {
		txn := t.(*txn)
		for _, prefix := range []int64{prefixEntry, prefixChain, prefixHead, prefixUndo, prefixUndoHeight} {
			start, end := prefixRange(prefix)
			keys, err := txn.reader.keys(start, end)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := txn.delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Close implements projection.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}

type reader struct {
	db dbm.DB
}

func (r reader) get(key []byte) ([]byte, error) {
	bz, err := r.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", projection.ErrStorage, err)
	}
	return bz, nil
}

func (r reader) keys(start, end []byte) ([][]byte, error) {
	it, err := r.db.Iterator(start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", projection.ErrStorage, err)
	}
	defer it.Close()

	var keys [][]byte
	for ; it.Valid(); it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		keys = append(keys, key)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", projection.ErrStorage, err)
	}
	return keys, nil
}

func (r reader) GetEntry(address string) (*types.Entry, error) {
	return getEntry(r.get, address)
}

func (r reader) CountEntries() (int64, error) {
	start, end := prefixRange(prefixEntry)
	keys, err := r.keys(start, end)
	return int64(len(keys)), err
}

func (r reader) GetChainRecord(id types.BlockID) (*types.ChainRecord, error) {
	return getChainRecord(r.get, id)
}

func (r reader) GetHead() (types.BlockID, bool, error) {
	return getHead(r.get)
}

func (r reader) GetUndo(id types.BlockID) ([]byte, bool, error) {
	bz, err := r.get(undoKey(id))
	return bz, bz != nil, err
}

func getEntry(get func([]byte) ([]byte, error), address string) (*types.Entry, error) {
	bz, err := get(entryKey(address))
	if err != nil || bz == nil {
		return nil, err
	}
	var e types.Entry
	if err := cbor.Unmarshal(bz, &e); err != nil {
		return nil, fmt.Errorf("%w: decoding entry %s: %v", projection.ErrStorage, address, err)
	}
	return &e, nil
}

func getChainRecord(get func([]byte) ([]byte, error), id types.BlockID) (*types.ChainRecord, error) {
	bz, err := get(chainKey(id))
	if err != nil || bz == nil {
		return nil, err
	}
	var rec types.ChainRecord
	if err := cbor.Unmarshal(bz, &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding chain record %v: %v", projection.ErrStorage, id, err)
	}
	return &rec, nil
}

func getHead(get func([]byte) ([]byte, error)) (types.BlockID, bool, error) {
	bz, err := get(headKey())
	if err != nil || bz == nil {
		return "", false, err
	}
	return types.BlockID(bz), true, nil
}

type txn struct {
	reader
	batch dbm.Batch
	// pending writes; a nil value is a pending delete
	writes map[string][]byte
}

func (t *txn) get(key []byte) ([]byte, error) {
	if bz, ok := t.writes[string(key)]; ok {
		return bz, nil
	}
	return t.reader.get(key)
}

func (t *txn) set(key, value []byte) error {
	if err := t.batch.Set(key, value); err != nil {
		return fmt.Errorf("%w: %v", projection.ErrStorage, err)
	}
	t.writes[string(key)] = value
	return nil
}

func (t *txn) delete(key []byte) error {
	if err := t.batch.Delete(key); err != nil {
		return fmt.Errorf("%w: %v", projection.ErrStorage, err)
	}
	t.writes[string(key)] = nil
	return nil
}

func (t *txn) GetEntry(address string) (*types.Entry, error) {
	return getEntry(t.get, address)
}

func (t *txn) CountEntries() (int64, error) {
	start, end := prefixRange(prefixEntry)
	keys, err := t.mergedKeys(start, end)
	return int64(len(keys)), err
}

func (t *txn) GetChainRecord(id types.BlockID) (*types.ChainRecord, error) {
	return getChainRecord(t.get, id)
}

func (t *txn) GetHead() (types.BlockID, bool, error) {
	return getHead(t.get)
}

func (t *txn) GetUndo(id types.BlockID) ([]byte, bool, error) {
	bz, err := t.get(undoKey(id))
	return bz, bz != nil, err
}

func (t *txn) SetEntry(e types.Entry) error {
	bz, err := cbor.Marshal(e)
	if err != nil {
		return err
	}
	return t.set(entryKey(e.Address), bz)
}

func (t *txn) DeleteEntry(address string) error {
	return t.delete(entryKey(address))
}

func (t *txn) PutChainRecord(rec types.ChainRecord) error {
	bz, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return t.set(chainKey(rec.Header.ID), bz)
}

func (t *txn) DeleteChainRecord(id types.BlockID) error {
	return t.delete(chainKey(id))
}

func (t *txn) SetHead(id types.BlockID) error {
	if id == "" {
		return t.delete(headKey())
	}
	return t.set(headKey(), []byte(id))
}

func (t *txn) PutUndo(id types.BlockID, height uint64, data []byte) error {
	if err := t.set(undoKey(id), data); err != nil {
		return err
	}
	return t.set(undoHeightKey(height, id), []byte{})
}

func (t *txn) DeleteUndo(id types.BlockID) error {
	rec, err := t.GetChainRecord(id)
	if err != nil {
		return err
	}
	if rec != nil {
		if err := t.delete(undoHeightKey(rec.Height, id)); err != nil {
			return err
		}
	} else if err := t.deleteHeightIndex(id); err != nil {
		return err
	}
	return t.delete(undoKey(id))
}

// deleteHeightIndex removes the height index entry of id when its chain
// record is already gone.
func (t *txn) deleteHeightIndex(id types.BlockID) error {
	start, end := prefixRange(prefixUndoHeight)
	keys, err := t.mergedKeys(start, end)
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, keyID, err := parseUndoHeightKey(key)
		if err != nil {
			return err
		}
		if keyID == id {
			return t.delete(key)
		}
	}
	return nil
}

func (t *txn) PruneUndo(maxHeight uint64) (int, error) {
	start, _ := prefixRange(prefixUndoHeight)
	end, err := orderedcode.Append(nil, prefixUndoHeight, maxHeight+1)
	if err != nil {
		return 0, err
	}

	keys, err := t.mergedKeys(start, end)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		_, id, err := parseUndoHeightKey(key)
		if err != nil {
			return 0, err
		}
		if err := t.delete(key); err != nil {
			return 0, err
		}
		if err := t.delete(undoKey(id)); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// mergedKeys returns the keys in [start, end) as seen by the transaction:
// committed keys minus pending deletes plus pending sets, in key order.
func (t *txn) mergedKeys(start, end []byte) ([][]byte, error) {
	committed, err := t.reader.keys(start, end)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(committed))
	var keys [][]byte
	for _, key := range committed {
		seen[string(key)] = true
		if bz, ok := t.writes[string(key)]; ok && bz == nil {
			continue
		}
		keys = append(keys, key)
	}
	for k, bz := range t.writes {
		if bz == nil || seen[k] || k < string(start) || k >= string(end) {
			continue
		}
		keys = append(keys, []byte(k))
	}

	sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })
	return keys, nil
}

func parseUndoHeightKey(key []byte) (uint64, types.BlockID, error) {
	var (
		prefix int64
		height uint64
		id     string
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &height, &id)
	if err != nil {
		return 0, "", fmt.Errorf("%w: parsing undo height key: %v", projection.ErrStorage, err)
	}
	if len(remaining) != 0 || prefix != prefixUndoHeight {
		return 0, "", fmt.Errorf("%w: malformed undo height key", projection.ErrStorage)
	}
	return height, types.BlockID(id), nil
}
