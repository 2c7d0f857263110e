package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/options"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	log "github.com/koinos/koinos-log-golang"
)

// PeerProvider returns a snapshot of the connected peers
type PeerProvider interface {
	Peers() []Peer
}

// PeerAdvertisementIndex keeps recently broadcast items warm for peers fetching
// them and spreads their inventory to connected peers. It is shared by all
// peer connections.
type PeerAdvertisementIndex struct {
	transactions     *timedCache[inventory.Hash, message.Message]
	blocks           *timedCache[inventory.Hash, message.Message]
	trxAdvertiseRate *RateWindow

	clock clock.Clock
	opts  options.AdvertiserOptions

	pending []inventory.Item
	mu      sync.Mutex
}

// NewPeerAdvertisementIndex creates a new PeerAdvertisementIndex
func NewPeerAdvertisementIndex(clk clock.Clock, opts options.AdvertiserOptions) *PeerAdvertisementIndex {
	return &PeerAdvertisementIndex{
		transactions:     newTimedCache[inventory.Hash, message.Message](opts.TransactionCacheSize, opts.TransactionCacheDuration, clk),
		blocks:           newTimedCache[inventory.Hash, message.Message](opts.BlockCacheSize, opts.BlockCacheDuration, clk),
		trxAdvertiseRate: NewRateWindow(clk, opts.RateWindowSpan),
		clock:            clk,
		opts:             opts,
		pending:          make([]inventory.Item, 0),
	}
}

// Lookup returns the cached payload for item
func (a *PeerAdvertisementIndex) Lookup(item inventory.Item) (message.Message, bool) {
	switch item.Type {
	case inventory.Transaction:
		return a.transactions.Get(item.Hash)
	case inventory.Block:
		return a.blocks.Get(item.Hash)
	default:
		return nil, false
	}
}

// TransactionAdvertiseRate returns the number of transactions advertised within d
func (a *PeerAdvertisementIndex) TransactionAdvertiseRate(d time.Duration) int {
	return a.trxAdvertiseRate.CountSince(d)
}

// Broadcast caches a locally accepted block or transaction and queues its
// inventory for spreading
func (a *PeerAdvertisementIndex) Broadcast(msg message.Message) error {
	var item inventory.Item

	switch m := msg.(type) {
	case *message.Block:
		item = inventory.NewItem(m.ID.Hash(), inventory.Block)
		a.blocks.Add(item.Hash, m)
	case *message.Transaction:
		item = inventory.NewItem(m.Hash, inventory.Transaction)
		a.transactions.Add(item.Hash, m)
		a.trxAdvertiseRate.Record(1)
	default:
		return fmt.Errorf("%w, cannot broadcast %s", p2perrors.ErrBadMessage, msg.Type())
	}

	a.mu.Lock()
	a.pending = append(a.pending, item)
	a.mu.Unlock()

	log.Debugf("Queued %s for advertisement", item)
	return nil
}

func (a *PeerAdvertisementIndex) takePending() []inventory.Item {
	a.mu.Lock()
	defer a.mu.Unlock()

	items := a.pending
	a.pending = make([]inventory.Item, 0)
	return items
}

// spread announces the pending items to every peer that has not seen them.
// Peers whose send queue is full are skipped and their items stay unmarked.
func (a *PeerAdvertisementIndex) spread(peers []Peer) {
	items := a.takePending()
	if len(items) == 0 {
		return
	}

	for _, p := range peers {
		a.spreadTo(p, items)
	}
}

func (a *PeerAdvertisementIndex) spreadTo(p Peer, items []inventory.Item) {
	state := p.State()
	hashes := make(map[inventory.Type][]inventory.Hash)
	queued := mapset.NewThreadUnsafeSet[inventory.Item]()

	for _, item := range items {
		if state.AdvertisedByPeer(item) || state.AdvertisedToPeer(item) || !queued.Add(item) {
			continue
		}

		hashes[item.Type] = append(hashes[item.Type], item.Hash)
	}

	for _, t := range []inventory.Type{inventory.Block, inventory.Transaction} {
		list := hashes[t]
		for len(list) > 0 {
			n := len(list)
			if a.opts.MaxInventorySize > 0 && n > a.opts.MaxInventorySize {
				n = a.opts.MaxInventorySize
			}

			if !p.TrySendMessage(&message.Inventory{InvType: t, Hashes: list[:n]}) {
				log.Debugf("Send queue to peer %s is full, skipping advertisement", p.ID())
				return
			}

			for _, h := range list[:n] {
				state.MarkAdvertisedToPeer(inventory.NewItem(h, t))
			}
			list = list[n:]
		}
	}
}

// Start the spread loop
func (a *PeerAdvertisementIndex) Start(ctx context.Context, peers PeerProvider) {
	go func() {
		ticker := a.clock.Ticker(a.opts.SpreadInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.spread(peers.Peers())
			case <-ctx.Done():
				return
			}
		}
	}()
}
