package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/options"
	"github.com/koinos/koinos-invsync/internal/store"
	"github.com/koinos/koinos-proto-golang/koinos"
	"github.com/koinos/koinos-proto-golang/koinos/protocol"
	"github.com/koinos/koinos-proto-golang/koinos/rpc/block_store"
	"github.com/koinos/koinos-proto-golang/koinos/rpc/chain"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	id    peer.ID
	state *PeerSyncState

	mu          sync.Mutex
	sent        []message.Message
	disconnects []message.ReasonCode
	queueFull   bool
}

func newTestPeer(id peer.ID, clk clock.Clock) *testPeer {
	return newTestPeerWithOptions(id, clk, options.NewPeerConnectionOptions())
}

func newTestPeerWithOptions(id peer.ID, clk clock.Clock, peerOpts *options.PeerConnectionOptions) *testPeer {
	return &testPeer{
		id:    id,
		state: NewPeerSyncState(clk, peerOpts, options.NewFetchOptions()),
	}
}

func (p *testPeer) ID() peer.ID {
	return p.id
}

func (p *testPeer) State() *PeerSyncState {
	return p.state
}

func (p *testPeer) SendMessage(msg message.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sent = append(p.sent, msg)
}

func (p *testPeer) TrySendMessage(msg message.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.queueFull {
		return false
	}

	p.sent = append(p.sent, msg)
	return true
}

func (p *testPeer) setQueueFull(full bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queueFull = full
}

func (p *testPeer) Disconnect(reason message.ReasonCode) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.disconnects = append(p.disconnects, reason)
}

func (p *testPeer) messages() []message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]message.Message(nil), p.sent...)
}

func (p *testPeer) disconnectReasons() []message.ReasonCode {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]message.ReasonCode(nil), p.disconnects...)
}

func (p *testPeer) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sent = nil
	p.disconnects = nil
}

func makeID(t *testing.T, data string) multihash.Multihash {
	id, err := multihash.Sum([]byte(data), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return id
}

// makeChain creates linked blocks 1..n. The fork tag makes ids unique per chain.
func makeChain(t *testing.T, fork string, n uint64) []*message.Block {
	blocks := make([]*message.Block, 0, n)
	var previous []byte

	for height := uint64(1); height <= n; height++ {
		id := makeID(t, fmt.Sprintf("%s-%d", fork, height))
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

func makeTransaction(t *testing.T, data string, payloadSize int) *message.Transaction {
	trx, err := message.NewTransaction(&protocol.Transaction{
		Id:         makeID(t, data),
		Signatures: [][]byte{make([]byte, payloadSize)},
	})
	require.NoError(t, err)
	return trx
}

func newChainStore(t *testing.T, blocks []*message.Block) *store.LevelDBStore {
	s, err := store.NewMemLevelDBStore()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, block := range blocks {
		require.NoError(t, s.PutBlock(block, true))
	}

	return s
}

type testRPC struct {
	mu                sync.Mutex
	appliedBlocks     []*protocol.Block
	appliedTrx        []*protocol.Transaction
	applyBlockErr     error
	applyTrxErr       error
	head              *koinos.BlockTopology
	connectedToChain  bool
	connectedToBlocks bool
}

func (r *testRPC) GetHeadBlock(ctx context.Context) (*chain.GetHeadInfoResponse, error) {
	if r.head == nil {
		return nil, errors.New("no head")
	}

	return &chain.GetHeadInfoResponse{HeadTopology: r.head}, nil
}

func (r *testRPC) ApplyBlock(ctx context.Context, block *protocol.Block) (*chain.SubmitBlockResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.applyBlockErr != nil {
		return nil, r.applyBlockErr
	}

	r.appliedBlocks = append(r.appliedBlocks, block)
	return &chain.SubmitBlockResponse{}, nil
}

func (r *testRPC) ApplyTransaction(ctx context.Context, trx *protocol.Transaction) (*chain.SubmitTransactionResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.applyTrxErr != nil {
		return nil, r.applyTrxErr
	}

	r.appliedTrx = append(r.appliedTrx, trx)
	return &chain.SubmitTransactionResponse{}, nil
}

func (r *testRPC) GetBlocksByHeight(ctx context.Context, blockID multihash.Multihash, height uint64, numBlocks uint32) (*block_store.GetBlocksByHeightResponse, error) {
	return &block_store.GetBlocksByHeightResponse{}, nil
}

func (r *testRPC) IsConnectedToBlockStore(ctx context.Context) (bool, error) {
	return r.connectedToBlocks, nil
}

func (r *testRPC) IsConnectedToChain(ctx context.Context) (bool, error) {
	return r.connectedToChain, nil
}

func (r *testRPC) blockCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.appliedBlocks)
}
