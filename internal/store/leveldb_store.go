package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/goleveldb/leveldb"
	"github.com/btcsuite/goleveldb/leveldb/filter"
	"github.com/btcsuite/goleveldb/leveldb/opt"
	"github.com/btcsuite/goleveldb/leveldb/storage"
	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	log "github.com/koinos/koinos-log-golang"
	"github.com/koinos/koinos-proto-golang/koinos/protocol"
	"google.golang.org/protobuf/proto"
)

// Key prefixes
const (
	blockPrefix       = 'b'
	transactionPrefix = 't'
	numberPrefix      = 'n'
)

var headKey = []byte("h")

func blockKey(hash inventory.Hash) []byte {
	return append([]byte{blockPrefix}, hash[:]...)
}

func transactionKey(hash inventory.Hash) []byte {
	return append([]byte{transactionPrefix}, hash[:]...)
}

func numberKey(num uint64) []byte {
	key := make([]byte, 9)
	key[0] = numberPrefix
	binary.BigEndian.PutUint64(key[1:], num)
	return key
}

func itemKey(item inventory.Item) ([]byte, error) {
	switch item.Type {
	case inventory.Block:
		return blockKey(item.Hash), nil
	case inventory.Transaction:
		return transactionKey(item.Hash), nil
	default:
		return nil, fmt.Errorf("%w, unknown inventory type %s", p2perrors.ErrNotFound, item.Type)
	}
}

func convertErr(desc string, err error) error {
	if errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("%w, %s", p2perrors.ErrNotFound, desc)
	}

	return fmt.Errorf("%w, %s: %s", p2perrors.ErrStore, desc, err.Error())
}

// LevelDBStore holds accepted blocks and transactions by hash, and an index
// of the main chain by block number
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens or creates the database at path
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	opts := opt.Options{
		Compression: opt.NoCompression,
		Filter:      filter.NewBloomFilter(10),
		Strict:      opt.DefaultStrict,
	}

	db, err := leveldb.OpenFile(path, &opts)
	if err != nil {
		return nil, convertErr("open "+path, err)
	}

	return &LevelDBStore{db: db}, nil
}

// NewMemLevelDBStore creates a database held in memory
func NewMemLevelDBStore() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, convertErr("open memory storage", err)
	}

	return &LevelDBStore{db: db}, nil
}

// Close the database
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// PutBlock stores a block. A head block also becomes the main chain at its
// height, replacing index entries of abandoned forks.
func (s *LevelDBStore) PutBlock(block *message.Block, head bool) error {
	data, err := proto.Marshal(block.Block)
	if err != nil {
		return fmt.Errorf("%w, %s", p2perrors.ErrSerialization, err.Error())
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(block.ID.Hash()), data)

	if head {
		if err := s.indexMainChain(batch, block); err != nil {
			return err
		}
	}

	if err := s.db.Write(batch, nil); err != nil {
		return convertErr("write block", err)
	}

	return nil
}

func (s *LevelDBStore) indexMainChain(batch *leveldb.Batch, block *message.Block) error {
	num := block.ID.Num()

	oldHead, err := s.getBlockID(headKey, "head block")
	if err != nil && !errors.Is(err, p2perrors.ErrNotFound) {
		return err
	}

	for n := num + 1; err == nil && n <= oldHead.Num(); n++ {
		batch.Delete(numberKey(n))
	}

	batch.Put(numberKey(num), block.ID[:])
	batch.Put(headKey, block.ID[:])

	// Walk back through parents until the index agrees with this chain
	previous := block.Block.Header.Previous
	for n := num; n > 0; n-- {
		parentID, err := inventory.BlockIDFromMultihash(n-1, previous)
		if err != nil {
			break
		}

		indexed, err := s.getBlockID(numberKey(n-1), "parent")
		if err == nil && indexed == parentID {
			break
		}

		parent, err := s.getBlock(parentID.Hash())
		if err != nil {
			break
		}

		log.Debugf("Reindexing main chain block %s", parentID)
		batch.Put(numberKey(n-1), parentID[:])
		previous = parent.Block.Header.Previous
	}

	return nil
}

// PutTransaction stores a transaction
func (s *LevelDBStore) PutTransaction(trx *message.Transaction) error {
	data, err := proto.Marshal(trx.Transaction)
	if err != nil {
		return fmt.Errorf("%w, %s", p2perrors.ErrSerialization, err.Error())
	}

	if err := s.db.Put(transactionKey(trx.Hash), data, nil); err != nil {
		return convertErr("write transaction", err)
	}

	return nil
}

// HasItem returns whether the item is stored
func (s *LevelDBStore) HasItem(item inventory.Item) (bool, error) {
	key, err := itemKey(item)
	if err != nil {
		return false, err
	}

	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, convertErr("has "+item.String(), err)
	}

	return ok, nil
}

// HeadBlockID returns the id of the main chain head
func (s *LevelDBStore) HeadBlockID(ctx context.Context) (inventory.BlockID, error) {
	return s.getBlockID(headKey, "head block")
}

// BlockIDsByNumber implements ChainIndex
func (s *LevelDBStore) BlockIDsByNumber(ctx context.Context, start uint64, count uint32) ([]inventory.BlockID, error) {
	ids := make([]inventory.BlockID, 0, count)

	for num := start; num < start+uint64(count); num++ {
		id, err := s.getBlockID(numberKey(num), fmt.Sprintf("block number %d", num))
		if errors.Is(err, p2perrors.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("%w, block number %d", p2perrors.ErrNotFound, start)
	}

	return ids, nil
}

func (s *LevelDBStore) getBlockID(key []byte, desc string) (inventory.BlockID, error) {
	data, err := s.db.Get(key, nil)
	if err != nil {
		return inventory.BlockID{}, convertErr(desc, err)
	}

	var id inventory.BlockID
	if len(data) != len(id) {
		return id, fmt.Errorf("%w, %s has length %d", p2perrors.ErrStore, desc, len(data))
	}

	copy(id[:], data)
	return id, nil
}

func (s *LevelDBStore) getBlock(hash inventory.Hash) (*message.Block, error) {
	data, err := s.db.Get(blockKey(hash), nil)
	if err != nil {
		return nil, convertErr("block "+hash.String(), err)
	}

	block := &protocol.Block{}
	if err := proto.Unmarshal(data, block); err != nil {
		return nil, fmt.Errorf("%w, %s", p2perrors.ErrDeserialization, err.Error())
	}

	return message.NewBlock(block)
}

func (s *LevelDBStore) getTransaction(hash inventory.Hash) (*message.Transaction, error) {
	data, err := s.db.Get(transactionKey(hash), nil)
	if err != nil {
		return nil, convertErr("transaction "+hash.String(), err)
	}

	trx := &protocol.Transaction{}
	if err := proto.Unmarshal(data, trx); err != nil {
		return nil, fmt.Errorf("%w, %s", p2perrors.ErrDeserialization, err.Error())
	}

	return message.NewTransaction(trx)
}

// GetData implements DataStore
func (s *LevelDBStore) GetData(ctx context.Context, item inventory.Item) (message.Message, error) {
	switch item.Type {
	case inventory.Block:
		return s.getBlock(item.Hash)
	case inventory.Transaction:
		return s.getTransaction(item.Hash)
	default:
		return nil, fmt.Errorf("%w, unknown inventory type %s", p2perrors.ErrNotFound, item.Type)
	}
}
