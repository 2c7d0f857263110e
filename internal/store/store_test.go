package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	"github.com/koinos/koinos-proto-golang/koinos"
	"github.com/koinos/koinos-proto-golang/koinos/protocol"
	"github.com/koinos/koinos-proto-golang/koinos/rpc/block_store"
	"github.com/koinos/koinos-proto-golang/koinos/rpc/chain"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func blockIDAt(s ChainIndex, num uint64) (inventory.BlockID, error) {
	ids, err := s.BlockIDsByNumber(context.Background(), num, 1)
	if err != nil {
		return inventory.BlockID{}, err
	}

	return ids[0], nil
}

func newMemStore(t *testing.T) *LevelDBStore {
	s, err := NewMemLevelDBStore()
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

// makeChain creates blocks 1..n where each block links to the previous one.
// The fork tag makes ids unique per chain.
func makeChain(t *testing.T, fork string, n uint64, parent *message.Block) []*message.Block {
	blocks := make([]*message.Block, 0, n)

	start := uint64(1)
	var previous []byte
	if parent != nil {
		start = parent.ID.Num() + 1
		previous = parent.Block.Id
	}

	for height := start; height < start+n; height++ {
		id, err := multihash.Sum([]byte(fmt.Sprintf("%s-%d", fork, height)), multihash.SHA2_256, -1)
		require.NoError(t, err)

		block, err := message.NewBlock(&protocol.Block{
			Id: id,
			Header: &protocol.BlockHeader{
				Height:   height,
				Previous: previous,
			},
		})
		require.NoError(t, err)

		blocks = append(blocks, block)
		previous = id
	}

	return blocks
}

func TestLevelDBStoreBlocks(t *testing.T) {
	s := newMemStore(t)
	blocks := makeChain(t, "main", 5, nil)

	for _, block := range blocks {
		require.NoError(t, s.PutBlock(block, true))
	}

	head, err := s.HeadBlockID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, blocks[4].ID, head)

	for _, block := range blocks {
		id, err := blockIDAt(s, block.ID.Num())
		require.NoError(t, err)
		assert.Equal(t, block.ID, id)

		msg, err := s.GetData(context.Background(), inventory.NewItem(block.ID.Hash(), inventory.Block))
		require.NoError(t, err)
		assert.True(t, proto.Equal(block.Block, msg.(*message.Block).Block))
	}

	ids, err := s.BlockIDsByNumber(context.Background(), 4, 10)
	require.NoError(t, err)
	assert.Equal(t, []inventory.BlockID{blocks[3].ID, blocks[4].ID}, ids)

	ok, err := s.HasItem(inventory.NewItem(blocks[2].ID.Hash(), inventory.Block))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasItem(inventory.NewItem(blocks[2].ID.Hash(), inventory.Transaction))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetData(context.Background(), inventory.NewItem(inventory.Hash{9}, inventory.Block))
	assert.ErrorIs(t, err, p2perrors.ErrNotFound)
}

func TestLevelDBStoreForkSwitch(t *testing.T) {
	s := newMemStore(t)
	main := makeChain(t, "main", 5, nil)
	for _, block := range main {
		require.NoError(t, s.PutBlock(block, true))
	}

	// Fork off block 2, first stored as non head blocks
	fork := makeChain(t, "fork", 2, main[1])
	require.NoError(t, s.PutBlock(fork[0], false))

	id, err := blockIDAt(s, 3)
	require.NoError(t, err)
	assert.Equal(t, main[2].ID, id)

	// The fork becomes head at a lower height than the old head
	require.NoError(t, s.PutBlock(fork[1], true))

	head, err := s.HeadBlockID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fork[1].ID, head)

	id, err = blockIDAt(s, 3)
	require.NoError(t, err)
	assert.Equal(t, fork[0].ID, id)

	id, err = blockIDAt(s, 2)
	require.NoError(t, err)
	assert.Equal(t, main[1].ID, id)

	_, err = blockIDAt(s, 5)
	assert.ErrorIs(t, err, p2perrors.ErrNotFound)
}

func TestLevelDBStoreTransactions(t *testing.T) {
	s := newMemStore(t)

	id, err := multihash.Sum([]byte("trx"), multihash.SHA2_256, -1)
	require.NoError(t, err)

	trx, err := message.NewTransaction(&protocol.Transaction{Id: id})
	require.NoError(t, err)
	require.NoError(t, s.PutTransaction(trx))

	msg, err := s.GetData(context.Background(), inventory.NewItem(trx.Hash, inventory.Transaction))
	require.NoError(t, err)
	assert.Equal(t, trx.Hash, msg.(*message.Transaction).Hash)

	_, err = s.GetData(context.Background(), inventory.NewItem(trx.Hash, inventory.Block))
	assert.ErrorIs(t, err, p2perrors.ErrNotFound)
}

type mapStore struct {
	items map[inventory.Item]message.Message
	err   error
}

func (m *mapStore) GetData(ctx context.Context, item inventory.Item) (message.Message, error) {
	if m.err != nil {
		return nil, m.err
	}

	if msg, ok := m.items[item]; ok {
		return msg, nil
	}

	return nil, fmt.Errorf("%w, %s", p2perrors.ErrNotFound, item)
}

func TestFallbackStore(t *testing.T) {
	block := makeChain(t, "main", 1, nil)[0]
	item := inventory.NewItem(block.ID.Hash(), inventory.Block)

	empty := &mapStore{items: map[inventory.Item]message.Message{}}
	full := &mapStore{items: map[inventory.Item]message.Message{item: block}}
	broken := &mapStore{err: fmt.Errorf("%w, disk gone", p2perrors.ErrStore)}

	msg, err := NewFallbackStore(empty, full).GetData(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, block, msg)

	msg, err = NewFallbackStore(broken, full).GetData(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, block, msg)

	_, err = NewFallbackStore(empty, empty).GetData(context.Background(), item)
	assert.ErrorIs(t, err, p2perrors.ErrNotFound)

	_, err = NewFallbackStore(broken, empty).GetData(context.Background(), item)
	assert.ErrorIs(t, err, p2perrors.ErrStore)
}

type chainRPC struct {
	blocks []*message.Block
}

func (c *chainRPC) GetHeadBlock(ctx context.Context) (*chain.GetHeadInfoResponse, error) {
	if len(c.blocks) == 0 {
		return nil, errors.New("no head")
	}

	head := c.blocks[len(c.blocks)-1]
	return &chain.GetHeadInfoResponse{
		HeadTopology: &koinos.BlockTopology{Id: head.Block.Id, Height: head.ID.Num()},
	}, nil
}

func (c *chainRPC) ApplyBlock(ctx context.Context, block *protocol.Block) (*chain.SubmitBlockResponse, error) {
	return &chain.SubmitBlockResponse{}, nil
}

func (c *chainRPC) ApplyTransaction(ctx context.Context, trx *protocol.Transaction) (*chain.SubmitTransactionResponse, error) {
	return &chain.SubmitTransactionResponse{}, nil
}

func (c *chainRPC) GetBlocksByHeight(ctx context.Context, blockID multihash.Multihash, height uint64, numBlocks uint32) (*block_store.GetBlocksByHeightResponse, error) {
	resp := &block_store.GetBlocksByHeightResponse{}
	for _, block := range c.blocks {
		if block.ID.Num() >= height && block.ID.Num() < height+uint64(numBlocks) {
			resp.BlockItems = append(resp.BlockItems, &block_store.BlockItem{
				BlockId:     block.Block.Id,
				BlockHeight: block.ID.Num(),
				Block:       block.Block,
			})
		}
	}

	return resp, nil
}

func (c *chainRPC) IsConnectedToBlockStore(ctx context.Context) (bool, error) {
	return true, nil
}

func (c *chainRPC) IsConnectedToChain(ctx context.Context) (bool, error) {
	return true, nil
}

func TestBlockStoreRPC(t *testing.T) {
	main := makeChain(t, "main", 4, nil)
	fork := makeChain(t, "fork", 1, main[1])
	s := NewBlockStoreRPC(&chainRPC{blocks: main})

	msg, err := s.GetData(context.Background(), inventory.NewItem(main[2].ID.Hash(), inventory.Block))
	require.NoError(t, err)
	assert.Equal(t, main[2].ID, msg.(*message.Block).ID)

	_, err = s.GetData(context.Background(), inventory.NewItem(fork[0].ID.Hash(), inventory.Block))
	assert.ErrorIs(t, err, p2perrors.ErrNotFound)

	_, err = s.GetData(context.Background(), inventory.NewItem(inventory.NewBlockID(10, inventory.Hash{}).Hash(), inventory.Block))
	assert.ErrorIs(t, err, p2perrors.ErrNotFound)

	_, err = s.GetData(context.Background(), inventory.NewItem(main[0].ID.Hash(), inventory.Transaction))
	assert.ErrorIs(t, err, p2perrors.ErrNotFound)

	head, err := s.HeadBlockID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, main[3].ID, head)

	ids, err := s.BlockIDsByNumber(context.Background(), 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []inventory.BlockID{main[1].ID, main[2].ID, main[3].ID}, ids)

	ids, err = s.BlockIDsByNumber(context.Background(), 4, 5)
	require.NoError(t, err)
	assert.Equal(t, []inventory.BlockID{main[3].ID}, ids)

	_, err = s.BlockIDsByNumber(context.Background(), 5, 1)
	assert.ErrorIs(t, err, p2perrors.ErrNotFound)
}

func TestFallbackIndex(t *testing.T) {
	main := makeChain(t, "main", 3, nil)

	local := newMemStore(t)
	for _, block := range main[:2] {
		require.NoError(t, local.PutBlock(block, true))
	}

	down := NewBlockStoreRPC(&chainRPC{})
	index := NewFallbackIndex(down, local)

	head, err := index.HeadBlockID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, main[1].ID, head)

	remote := NewBlockStoreRPC(&chainRPC{blocks: main})
	index = NewFallbackIndex(remote, local)

	head, err = index.HeadBlockID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, main[2].ID, head)

	id, err := blockIDAt(NewFallbackIndex(down, local), 1)
	require.NoError(t, err)
	assert.Equal(t, main[0].ID, id)

	_, err = NewFallbackIndex().HeadBlockID(context.Background())
	assert.ErrorIs(t, err, p2perrors.ErrNotFound)
}
