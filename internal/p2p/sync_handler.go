package p2p

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/options"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	"github.com/koinos/koinos-invsync/internal/store"
	log "github.com/koinos/koinos-log-golang"
	"github.com/multiformats/go-multihash"
)

// InventoryChecker reports whether an item is held locally
type InventoryChecker interface {
	HasItem(item inventory.Item) (bool, error)
}

// SyncHandler drives the chain inventory exchange with a peer
type SyncHandler struct {
	chain   store.ChainIndex
	checker InventoryChecker
	opts    options.FetchOptions
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(chain store.ChainIndex, checker InventoryChecker, opts options.FetchOptions) *SyncHandler {
	return &SyncHandler{
		chain:   chain,
		checker: checker,
		opts:    opts,
	}
}

// HasItem returns whether item is held locally. Blocks on the main chain count
// even when the local inventory does not hold them.
func (h *SyncHandler) HasItem(ctx context.Context, item inventory.Item) (bool, error) {
	has, err := h.checker.HasItem(item)
	if err != nil || has || item.Type != inventory.Block {
		return has, err
	}

	id := inventory.BlockID(item.Hash)
	ids, err := h.chain.BlockIDsByNumber(ctx, id.Num(), 1)
	if errors.Is(err, p2perrors.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return ids[0] == id, nil
}

// Summary returns main chain ids from block 1 up to the head, thinning out
// exponentially with distance from the head. Ids are in ascending order.
func (h *SyncHandler) Summary(ctx context.Context) ([]inventory.BlockID, error) {
	head, err := h.chain.HeadBlockID(ctx)
	if err != nil {
		return nil, err
	}

	if head.Num() == 0 {
		return []inventory.BlockID{head}, nil
	}

	summary := []inventory.BlockID{head}
	num, step := head.Num(), uint64(1)
	for num > 1 {
		if num > step {
			num -= step
			step *= 2
		} else {
			num = 1
		}

		ids, err := h.chain.BlockIDsByNumber(ctx, num, 1)
		if errors.Is(err, p2perrors.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}

		summary = append(summary, ids[0])
	}

	for i, j := 0, len(summary)-1; i < j; i, j = i+1, j-1 {
		summary[i], summary[j] = summary[j], summary[i]
	}

	return summary, nil
}

// RequestSync sends the chain summary to the peer, asking for the blocks it has beyond it
func (h *SyncHandler) RequestSync(ctx context.Context, p Peer) error {
	summary, err := h.Summary(ctx)
	if err != nil {
		return err
	}

	log.Debugf("Requesting sync from peer %s, summary head %s", p.ID(), summary[len(summary)-1])

	p.State().SetSyncRequested(true)
	p.SendMessage(&message.SyncBlockChain{BlockIDs: summary})
	return nil
}

// ContinueSync requests the next chain inventory once every fetched block arrived
// and the peer reported more blocks remaining
func (h *SyncHandler) ContinueSync(ctx context.Context, p Peer) error {
	state := p.State()
	if state.PendingRequests() > 0 || state.SyncRemain() == 0 {
		return nil
	}

	state.SetSyncRemain(0)
	return h.RequestSync(ctx, p)
}

// HandlePeerHead starts syncing from the peer if its head block is unknown
func (h *SyncHandler) HandlePeerHead(ctx context.Context, p Peer, id multihash.Multihash, height uint64) error {
	if height == 0 {
		return nil
	}

	headID, err := inventory.BlockIDFromMultihash(height, id)
	if err != nil {
		return fmt.Errorf("%w, peer head, %s", p2perrors.ErrPeerRPC, err.Error())
	}

	has, err := h.HasItem(ctx, inventory.NewItem(headID.Hash(), inventory.Block))
	if err != nil {
		return err
	}

	if has {
		p.State().AdvanceBlockBothHave(headID)
		return nil
	}

	return h.RequestSync(ctx, p)
}

// HandleSyncBlockChain answers a peer's chain summary with the main chain ids
// following the highest summary id this node holds
func (h *SyncHandler) HandleSyncBlockChain(ctx context.Context, p Peer, msg *message.SyncBlockChain) error {
	if len(msg.BlockIDs) == 0 {
		return fmt.Errorf("%w, empty sync summary", p2perrors.ErrBadMessage)
	}

	if maxLen := maxSummaryLength(msg.BlockIDs[len(msg.BlockIDs)-1].Num()); len(msg.BlockIDs) > maxLen {
		return fmt.Errorf("%w, sync summary of %d ids exceeds %d", p2perrors.ErrBadMessage, len(msg.BlockIDs), maxLen)
	}

	for i := 1; i < len(msg.BlockIDs); i++ {
		if msg.BlockIDs[i].Num() <= msg.BlockIDs[i-1].Num() {
			return fmt.Errorf("%w, sync summary is not ascending", p2perrors.ErrBadMessage)
		}
	}

	common, err := h.commonBlock(ctx, msg.BlockIDs)
	if err != nil {
		return err
	}

	head, err := h.chain.HeadBlockID(ctx)
	if err != nil {
		return err
	}

	ids := []inventory.BlockID{common}
	if head.Num() > common.Num() {
		following, err := h.chain.BlockIDsByNumber(ctx, common.Num()+1, uint32(h.opts.SyncFetchBatchSize))
		if err != nil && !errors.Is(err, p2perrors.ErrNotFound) {
			return err
		}
		ids = append(ids, following...)
	}

	last := ids[len(ids)-1]

	var remain uint64
	if len(ids) > 1 && head.Num() > last.Num() {
		remain = head.Num() - last.Num()
	}

	p.State().SetSyncFromUs(len(ids) > 1, last)
	p.SendMessage(&message.ChainInventory{BlockIDs: ids, RemainNum: remain})

	log.Debugf("Sent chain inventory of %d blocks to peer %s, %d remaining", len(ids), p.ID(), remain)
	return nil
}

// maxSummaryLength bounds a chain summary whose highest block is num. Summary
// steps double, so a summary holds about log2(num) ids.
func maxSummaryLength(num uint64) int {
	return 2*bits.Len64(num) + 4
}

// commonBlock returns the highest summary id on the main chain. A genesis id
// is always held in common.
func (h *SyncHandler) commonBlock(ctx context.Context, summary []inventory.BlockID) (inventory.BlockID, error) {
	for i := len(summary) - 1; i >= 0; i-- {
		id := summary[i]
		if id.Num() == 0 {
			return id, nil
		}

		ids, err := h.chain.BlockIDsByNumber(ctx, id.Num(), 1)
		if errors.Is(err, p2perrors.ErrNotFound) {
			continue
		} else if err != nil {
			return inventory.BlockID{}, err
		}

		if ids[0] == id {
			return id, nil
		}
	}

	return inventory.BlockID{}, fmt.Errorf("%w, no common block in sync summary", p2perrors.ErrBadMessage)
}

// HandleChainInventory fetches the blocks of a chain inventory this node does not hold
func (h *SyncHandler) HandleChainInventory(ctx context.Context, p Peer, msg *message.ChainInventory) error {
	state := p.State()
	if !state.SyncRequested() {
		return fmt.Errorf("%w, unrequested chain inventory", p2perrors.ErrBadMessage)
	}

	ids := msg.BlockIDs
	if len(ids) == 0 {
		return fmt.Errorf("%w, empty chain inventory", p2perrors.ErrBadMessage)
	}

	if uint64(len(ids)-1) > h.opts.SyncFetchBatchSize {
		return fmt.Errorf("%w, chain inventory of %d blocks exceeds batch size", p2perrors.ErrBadMessage, len(ids))
	}

	if msg.RemainNum > 0 && uint64(len(ids)-1) < h.opts.SyncFetchBatchSize {
		return fmt.Errorf("%w, partial chain inventory with %d remaining", p2perrors.ErrBadMessage, msg.RemainNum)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i].Num() != ids[i-1].Num()+1 {
			return fmt.Errorf("%w, chain inventory is not consecutive", p2perrors.ErrBadMessage)
		}
	}

	state.SetSyncRequested(false)
	state.SetSyncRemain(msg.RemainNum)
	state.AdvanceBlockBothHave(ids[0])

	request := make([]inventory.Hash, 0)
	for _, id := range ids[1:] {
		item := inventory.NewItem(id.Hash(), inventory.Block)
		if state.IsRequested(item) {
			continue
		}

		has, err := h.HasItem(ctx, item)
		if err != nil {
			return err
		}

		if has {
			state.AdvanceBlockBothHave(id)
			continue
		}

		if !state.MarkRequested(item) {
			log.Debugf("Too many outstanding requests to peer %s, deferring sync blocks", p.ID())
			break
		}
		request = append(request, item.Hash)
	}

	if len(request) > 0 {
		p.SendMessage(&message.FetchInvData{InvType: inventory.Block, Hashes: request})
		return nil
	}

	return h.ContinueSync(ctx, p)
}
