package p2p

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/options"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	"github.com/koinos/koinos-invsync/internal/store"
	log "github.com/koinos/koinos-log-golang"
	"github.com/koinos/koinos-proto-golang/koinos/protocol"
)

// AdvertisementIndex answers what this node has recently advertised
type AdvertisementIndex interface {
	Lookup(item inventory.Item) (message.Message, bool)
	TransactionAdvertiseRate(d time.Duration) int
}

// FetchInvDataHandler serves FetchInvData requests from peers
type FetchInvDataHandler struct {
	index          AdvertisementIndex
	store          store.DataStore
	blockFetchRate *RateWindow
	opts           options.FetchOptions
}

// NewFetchInvDataHandler creates a new FetchInvDataHandler. blockFetchRate counts
// advertised blocks fetched and is shared by every connection.
func NewFetchInvDataHandler(index AdvertisementIndex, dataStore store.DataStore, blockFetchRate *RateWindow, opts options.FetchOptions) *FetchInvDataHandler {
	return &FetchInvDataHandler{
		index:          index,
		store:          dataStore,
		blockFetchRate: blockFetchRate,
		opts:           opts,
	}
}

// HandleFetchInvData admits the request and sends the requested items to the peer.
// Admission failures return ErrBadMessage and send nothing. A request that
// cannot be resolved disconnects the peer and returns ErrFetchFail.
func (h *FetchInvDataHandler) HandleFetchInvData(ctx context.Context, p Peer, msg *message.FetchInvData) error {
	items := msg.Items()

	if err := h.checkFetch(p.State(), msg.InvType, items); err != nil {
		log.Debugf("Rejected fetch of %d %s items from peer %s: %s", len(items), msg.InvType, p.ID(), err.Error())
		return err
	}

	return h.respond(ctx, p, items)
}

func (h *FetchInvDataHandler) checkFetch(state *PeerSyncState, invType inventory.Type, items []inventory.Item) error {
	switch invType {
	case inventory.Transaction:
		return h.checkTransactionFetch(state, items)
	case inventory.Block:
		if advertisedAll(state, items) {
			return h.checkAdvertisedBlockFetch(items)
		}
		return h.checkSyncBlockFetch(state, items)
	default:
		return fmt.Errorf("%w, unknown inventory type %s", p2perrors.ErrBadMessage, invType)
	}
}

func advertisedAll(state *PeerSyncState, items []inventory.Item) bool {
	for _, item := range items {
		if !state.AdvertisedToPeer(item) {
			return false
		}
	}

	return true
}

func (h *FetchInvDataHandler) checkTransactionFetch(state *PeerSyncState, items []inventory.Item) error {
	state.FetchRate().Record(len(items))

	fetchCount := state.FetchRate().CountSince(h.opts.TransactionFetchWindow)
	maxCount := h.index.TransactionAdvertiseRate(h.opts.AdvertiseWindow)
	if fetchCount > maxCount {
		return fmt.Errorf("%w, transaction fetch count %d exceeds advertised count %d", p2perrors.ErrBadMessage, fetchCount, maxCount)
	}

	for _, item := range items {
		if !state.AdvertisedToPeer(item) {
			return fmt.Errorf("%w, transaction %s was not advertised", p2perrors.ErrBadMessage, item.Hash)
		}
	}

	return nil
}

func (h *FetchInvDataHandler) checkAdvertisedBlockFetch(items []inventory.Item) error {
	h.blockFetchRate.Record(len(items))

	count := h.blockFetchRate.CountSince(h.opts.AdvertiseWindow)
	maxCount := h.opts.MaxAdvertisedBlockFetches()
	if count > maxCount {
		return fmt.Errorf("%w, advertised block fetch count %d exceeds %d", p2perrors.ErrBadMessage, count, maxCount)
	}

	return nil
}

func (h *FetchInvDataHandler) checkSyncBlockFetch(state *PeerSyncState, items []inventory.Item) error {
	if !state.NeedSyncFromUs() {
		return fmt.Errorf("%w, unsolicited sync block fetch", p2perrors.ErrBadMessage)
	}

	var minNum uint64
	lastNum := state.LastSyncBlockID().Num()
	if window := 2 * h.opts.SyncFetchBatchSize; lastNum > window {
		minNum = lastNum - window
	}

	seen := mapset.NewThreadUnsafeSet[inventory.Hash]()
	for _, item := range items {
		num := inventory.BlockID(item.Hash).Num()
		if num < minNum {
			return fmt.Errorf("%w, sync block %d is behind the sync window starting at %d", p2perrors.ErrBadMessage, num, minNum)
		}

		if !seen.Add(item.Hash) || state.SyncBlockServed(item.Hash) {
			return fmt.Errorf("%w, sync block %d requested repeatedly", p2perrors.ErrBadMessage, num)
		}
	}

	for _, item := range items {
		state.MarkSyncBlockServed(item.Hash)
	}

	return nil
}

func (h *FetchInvDataHandler) respond(ctx context.Context, p Peer, items []inventory.Item) error {
	state := p.State()
	batch := make([]*protocol.Transaction, 0)
	size := 0

	for _, item := range items {
		msg, err := h.resolve(ctx, item)
		if err != nil {
			log.Errorf("Could not resolve %s for peer %s: %s", item, p.ID(), err.Error())
			p.Disconnect(message.ReasonFetchFail)
			return fmt.Errorf("%w, %s", p2perrors.ErrFetchFail, err.Error())
		}

		switch m := msg.(type) {
		case *message.Block:
			state.AdvanceBlockBothHave(m.ID)
			p.SendMessage(m)
		case *message.Transaction:
			batch = append(batch, m.Transaction)
			size += m.Size()
			if size > h.opts.MaxTransactionBatchBytes {
				p.SendMessage(&message.Transactions{Transactions: batch})
				batch = make([]*protocol.Transaction, 0)
				size = 0
			}
		}
	}

	if len(batch) > 0 {
		p.SendMessage(&message.Transactions{Transactions: batch})
	}

	return nil
}

// resolve returns the payload for item from the advertisement cache, falling
// back to the data store
func (h *FetchInvDataHandler) resolve(ctx context.Context, item inventory.Item) (message.Message, error) {
	msg, ok := h.index.Lookup(item)
	if !ok {
		var err error
		msg, err = h.store.GetData(ctx, item)
		if err != nil {
			return nil, err
		}
	}

	switch m := msg.(type) {
	case *message.Block:
		if item.Type == inventory.Block && m.ID.Hash() == item.Hash {
			return m, nil
		}
	case *message.Transaction:
		if item.Type == inventory.Transaction && m.Hash == item.Hash {
			return m, nil
		}
	}

	return nil, fmt.Errorf("resolved %T does not match %s", msg, item)
}
