package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/tolelom/framebattles/core"
)

// LevelDB implements DB using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, core.ErrNotFound
	}
	return val, err
}

func (l *LevelDB) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, b: new(leveldb.Batch)}
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

type levelBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *levelBatch) Set(key, value []byte) { b.b.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.b.Delete(key) }
func (b *levelBatch) Reset()                { b.b.Reset() }
func (b *levelBatch) Write() error          { return b.db.Write(b.b, nil) }

// ---- BlockStore implementation ----

const (
	keyTip        = "chain:tip"
	prefixBlock   = "block:"
	prefixHeight  = "height:"
	prefixReceipt = "rcpt:"
)

// KVBlockStore implements core.BlockStore on top of any DB.
type KVBlockStore struct {
	db DB
}

// NewBlockStore wraps a DB as a BlockStore.
func NewBlockStore(db DB) *KVBlockStore {
	return &KVBlockStore{db: db}
}

func (s *KVBlockStore) GetBlock(hash common.Hash) (*core.Block, error) {
	data, err := s.db.Get([]byte(prefixBlock + hash.Hex()))
	if err != nil {
		return nil, err
	}
	var b core.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *KVBlockStore) GetBlockByHeight(height uint64) (*core.Block, error) {
	hash, err := s.db.Get([]byte(fmt.Sprintf("%s%d", prefixHeight, height)))
	if err != nil {
		return nil, err
	}
	return s.GetBlock(common.BytesToHash(hash))
}

func (s *KVBlockStore) GetReceipt(txHash common.Hash) (*core.Receipt, error) {
	data, err := s.db.Get([]byte(prefixReceipt + txHash.Hex()))
	if err != nil {
		return nil, err
	}
	var r core.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *KVBlockStore) GetTip() (common.Hash, error) {
	val, err := s.db.Get([]byte(keyTip))
	if errors.Is(err, core.ErrNotFound) {
		return common.Hash{}, nil
	}
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(val), nil
}

func (s *KVBlockStore) CommitBlock(block *core.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Set([]byte(prefixBlock+block.Hash.Hex()), data)
	batch.Set([]byte(fmt.Sprintf("%s%d", prefixHeight, block.Header.Height)), block.Hash.Bytes())
	for _, r := range block.Receipts {
		rd, err := json.Marshal(r)
		if err != nil {
			return err
		}
		batch.Set([]byte(prefixReceipt+r.TxHash.Hex()), rd)
	}
	batch.Set([]byte(keyTip), block.Hash.Bytes())
	return batch.Write()
}
