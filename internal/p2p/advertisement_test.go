package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/options"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type staticPeers []Peer

func (s staticPeers) Peers() []Peer {
	return s
}

func inventoryOf(msgs []message.Message) map[inventory.Type][]inventory.Hash {
	hashes := make(map[inventory.Type][]inventory.Hash)
	for _, msg := range msgs {
		inv := msg.(*message.Inventory)
		hashes[inv.InvType] = append(hashes[inv.InvType], inv.Hashes...)
	}
	return hashes
}

func TestAdvertisementLookup(t *testing.T) {
	clk := clock.NewMock()
	opts := options.NewAdvertiserOptions()
	index := NewPeerAdvertisementIndex(clk, *opts)

	block := makeChain(t, "main", 1)[0]
	trx := makeTransaction(t, "a", 10)

	require.NoError(t, index.Broadcast(block))
	require.NoError(t, index.Broadcast(trx))

	msg, ok := index.Lookup(blockItem(block))
	require.True(t, ok)
	assert.Same(t, block, msg)

	msg, ok = index.Lookup(trxItem(trx))
	require.True(t, ok)
	assert.Same(t, trx, msg)

	_, ok = index.Lookup(inventory.NewItem(trx.Hash, inventory.Block))
	assert.False(t, ok)

	assert.Equal(t, 1, index.TransactionAdvertiseRate(time.Minute))

	clk.Add(opts.BlockCacheDuration + time.Second)
	_, ok = index.Lookup(blockItem(block))
	assert.False(t, ok)
	_, ok = index.Lookup(trxItem(trx))
	assert.True(t, ok)
	assert.Equal(t, 0, index.TransactionAdvertiseRate(time.Minute))

	assert.ErrorIs(t, index.Broadcast(&message.Disconnect{}), p2perrors.ErrBadMessage)
}

func TestAdvertisementSpread(t *testing.T) {
	clk := clock.NewMock()
	index := NewPeerAdvertisementIndex(clk, *options.NewAdvertiserOptions())

	block := makeChain(t, "main", 1)[0]
	fromA := makeTransaction(t, "a", 10)
	other := makeTransaction(t, "b", 10)

	peerA := newTestPeer("peerA", clk)
	peerB := newTestPeer("peerB", clk)
	peerA.State().MarkAdvertisedByPeer(trxItem(fromA))

	require.NoError(t, index.Broadcast(fromA))
	require.NoError(t, index.Broadcast(block))
	require.NoError(t, index.Broadcast(other))

	index.spread([]Peer{peerA, peerB})

	sentA := peerA.messages()
	require.Len(t, sentA, 2)
	assert.Equal(t, inventory.Block, sentA[0].(*message.Inventory).InvType)
	assert.Equal(t, map[inventory.Type][]inventory.Hash{
		inventory.Block:       {block.ID.Hash()},
		inventory.Transaction: {other.Hash},
	}, inventoryOf(sentA))

	assert.Equal(t, map[inventory.Type][]inventory.Hash{
		inventory.Block:       {block.ID.Hash()},
		inventory.Transaction: {fromA.Hash, other.Hash},
	}, inventoryOf(peerB.messages()))

	assert.True(t, peerB.State().AdvertisedToPeer(trxItem(fromA)))
	assert.False(t, peerA.State().AdvertisedToPeer(trxItem(fromA)))

	// Nothing pending, nothing sent
	peerA.clear()
	index.spread([]Peer{peerA})
	assert.Empty(t, peerA.messages())

	// Already advertised items are not announced twice
	require.NoError(t, index.Broadcast(other))
	index.spread([]Peer{peerA})
	assert.Empty(t, peerA.messages())
}

func TestAdvertisementSpreadSkipsFullQueue(t *testing.T) {
	clk := clock.NewMock()
	index := NewPeerAdvertisementIndex(clk, *options.NewAdvertiserOptions())

	stalled := newTestPeer("stalled", clk)
	healthy := newTestPeer("healthy", clk)
	stalled.setQueueFull(true)

	trx := makeTransaction(t, "a", 10)
	require.NoError(t, index.Broadcast(trx))
	index.spread([]Peer{stalled, healthy})

	assert.Empty(t, stalled.messages())
	assert.False(t, stalled.State().AdvertisedToPeer(trxItem(trx)))

	assert.Equal(t, map[inventory.Type][]inventory.Hash{
		inventory.Transaction: {trx.Hash},
	}, inventoryOf(healthy.messages()))
	assert.True(t, healthy.State().AdvertisedToPeer(trxItem(trx)))

	// Once the queue drains the peer is advertised to again, once per item
	stalled.setQueueFull(false)
	require.NoError(t, index.Broadcast(trx))
	require.NoError(t, index.Broadcast(trx))
	index.spread([]Peer{stalled, healthy})

	assert.Equal(t, map[inventory.Type][]inventory.Hash{
		inventory.Transaction: {trx.Hash},
	}, inventoryOf(stalled.messages()))
	assert.Len(t, healthy.messages(), 1)
}

func TestAdvertisementSpreadChunks(t *testing.T) {
	clk := clock.NewMock()
	opts := options.NewAdvertiserOptions()
	opts.MaxInventorySize = 2
	index := NewPeerAdvertisementIndex(clk, *opts)

	trxs := make([]*message.Transaction, 5)
	for i := range trxs {
		trxs[i] = makeTransaction(t, string(rune('a'+i)), 10)
		require.NoError(t, index.Broadcast(trxs[i]))
	}

	p := newTestPeer("peerA", clk)
	index.spread([]Peer{p})

	sent := p.messages()
	require.Len(t, sent, 3)
	assert.Len(t, sent[0].(*message.Inventory).Hashes, 2)
	assert.Len(t, sent[1].(*message.Inventory).Hashes, 2)
	assert.Len(t, sent[2].(*message.Inventory).Hashes, 1)

	hashes := inventoryOf(sent)[inventory.Transaction]
	for i, trx := range trxs {
		assert.Equal(t, trx.Hash, hashes[i])
	}
}

func TestAdvertisementStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := clock.NewMock()
	opts := options.NewAdvertiserOptions()
	index := NewPeerAdvertisementIndex(clk, *opts)
	p := newTestPeer("peerA", clk)

	ctx, cancel := context.WithCancel(context.Background())
	index.Start(ctx, staticPeers{p})

	require.NoError(t, index.Broadcast(makeTransaction(t, "a", 10)))

	assert.Eventually(t, func() bool {
		clk.Add(opts.SpreadInterval)
		return len(p.messages()) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
}
