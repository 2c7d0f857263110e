package node

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koinos/koinos-invsync/internal/options"
	"github.com/koinos/koinos-proto-golang/koinos"
	"github.com/koinos/koinos-proto-golang/koinos/broadcast"
	"github.com/koinos/koinos-proto-golang/koinos/protocol"
	"github.com/koinos/koinos-proto-golang/koinos/rpc/block_store"
	"github.com/koinos/koinos-proto-golang/koinos/rpc/chain"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestRPC struct {
	HeadID        multihash.Multihash
	AppliedBlocks map[string]*protocol.Block
	AppliedTrx    map[string]*protocol.Transaction
	Mutex         sync.Mutex
}

// GetHeadBlock rpc call
func (k *TestRPC) GetHeadBlock(ctx context.Context) (*chain.GetHeadInfoResponse, error) {
	return &chain.GetHeadInfoResponse{
		HeadTopology: &koinos.BlockTopology{Id: k.HeadID, Height: 0},
	}, nil
}

// ApplyBlock rpc call
func (k *TestRPC) ApplyBlock(ctx context.Context, block *protocol.Block) (*chain.SubmitBlockResponse, error) {
	k.Mutex.Lock()
	defer k.Mutex.Unlock()

	k.AppliedBlocks[string(block.Id)] = block
	return &chain.SubmitBlockResponse{}, nil
}

// ApplyTransaction rpc call
func (k *TestRPC) ApplyTransaction(ctx context.Context, trx *protocol.Transaction) (*chain.SubmitTransactionResponse, error) {
	k.Mutex.Lock()
	defer k.Mutex.Unlock()

	k.AppliedTrx[string(trx.Id)] = trx
	return &chain.SubmitTransactionResponse{}, nil
}

// GetBlocksByHeight rpc call
func (k *TestRPC) GetBlocksByHeight(ctx context.Context, blockID multihash.Multihash, height uint64, numBlocks uint32) (*block_store.GetBlocksByHeightResponse, error) {
	return &block_store.GetBlocksByHeightResponse{}, nil
}

func (k *TestRPC) IsConnectedToBlockStore(ctx context.Context) (bool, error) {
	return true, nil
}

func (k *TestRPC) IsConnectedToChain(ctx context.Context) (bool, error) {
	return true, nil
}

func (k *TestRPC) applied() (int, int) {
	k.Mutex.Lock()
	defer k.Mutex.Unlock()

	return len(k.AppliedBlocks), len(k.AppliedTrx)
}

func NewTestRPC(t *testing.T) *TestRPC {
	genesis, err := multihash.Sum([]byte("genesis"), multihash.SHA2_256, -1)
	require.NoError(t, err)

	return &TestRPC{
		HeadID:        genesis,
		AppliedBlocks: make(map[string]*protocol.Block),
		AppliedTrx:    make(map[string]*protocol.Transaction),
	}
}

func TestBasicNode(t *testing.T) {
	ctx := context.Background()

	rpc := NewTestRPC(t)

	// With an explicit seed
	bn, err := NewKoinosInvSyncNode(ctx, "/ip4/127.0.0.1/tcp/8765", rpc, nil, "test1", options.NewConfig())
	if err != nil {
		t.Fatal(err)
	}

	addr := bn.GetPeerAddress()
	// Check peer address
	if !strings.HasPrefix(addr.String(), "/ip4/127.0.0.1/tcp/8765/p2p/12D3KooW") {
		t.Errorf("Peer address returned by node is not correct: %s", addr)
	}

	seededID := bn.Host.ID()
	bn.Close()

	// The same seed gives the same identity
	bn, err = NewKoinosInvSyncNode(ctx, "/ip4/127.0.0.1/tcp/8765", rpc, nil, "test1", options.NewConfig())
	if err != nil {
		t.Fatal(err)
	}

	if bn.Host.ID() != seededID {
		t.Errorf("Seeded node identity changed. Expected: %s, Was %s", seededID, bn.Host.ID())
	}

	bn.Close()

	// With blank seed
	bn, err = NewKoinosInvSyncNode(ctx, "/ip4/127.0.0.1/tcp/8765", rpc, nil, "", options.NewConfig())
	if err != nil {
		t.Fatal(err)
	}

	bn.Close()

	// Give an invalid listen address
	bn, err = NewKoinosInvSyncNode(ctx, "---", rpc, nil, "", options.NewConfig())
	if err == nil {
		bn.Close()
		t.Error("Starting a node with an invalid address should give an error, but it did not")
	}
}

func makeBlock(t *testing.T, height uint64, previous multihash.Multihash) *protocol.Block {
	id, err := multihash.Sum([]byte{byte(height)}, multihash.SHA2_256, -1)
	require.NoError(t, err)

	return &protocol.Block{
		Id:     id,
		Header: &protocol.BlockHeader{Height: height, Previous: previous},
	}
}

func TestAcceptedItemsReachPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcA := NewTestRPC(t)
	nodeA, err := NewKoinosInvSyncNode(ctx, "/ip4/127.0.0.1/tcp/0", rpcA, nil, "nodeA", options.NewConfig())
	require.NoError(t, err)
	defer nodeA.Close()

	configB := options.NewConfig()
	configB.NodeOptions.InitialPeers = []string{nodeA.GetPeerAddress().String()}

	rpcB := NewTestRPC(t)
	nodeB, err := NewKoinosInvSyncNode(ctx, "/ip4/127.0.0.1/tcp/0", rpcB, nil, "nodeB", configB)
	require.NoError(t, err)
	defer nodeB.Close()

	nodeA.Start(ctx)
	nodeB.Start(ctx)

	require.Eventually(t, func() bool {
		return nodeA.ConnectionManager.IsConnected(ctx, nodeB.Host.ID())
	}, 10*time.Second, 50*time.Millisecond)

	block := makeBlock(t, 1, rpcA.HeadID)
	require.NoError(t, nodeA.HandleBlockAccepted(&broadcast.BlockAccepted{Block: block, Head: true}))

	trxID, err := multihash.Sum([]byte("trx"), multihash.SHA2_256, -1)
	require.NoError(t, err)
	require.NoError(t, nodeA.HandleTransactionAccepted(&broadcast.TransactionAccepted{
		Transaction: &protocol.Transaction{Id: trxID},
	}))

	assert.Eventually(t, func() bool {
		blocks, trxs := rpcB.applied()
		return blocks == 1 && trxs == 1
	}, 10*time.Second, 50*time.Millisecond)

	blocks, trxs := rpcA.applied()
	assert.Equal(t, 0, blocks)
	assert.Equal(t, 0, trxs)
}
