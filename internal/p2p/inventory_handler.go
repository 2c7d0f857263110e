package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/options"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	"github.com/koinos/koinos-invsync/internal/rpc"
	log "github.com/koinos/koinos-log-golang"
	"github.com/koinos/koinos-proto-golang/koinos/protocol"
)

// InventoryHandler fetches advertised items and applies the ones delivered
type InventoryHandler struct {
	localRPC         rpc.LocalRPC
	sync             *SyncHandler
	applyTimeout     time.Duration
	maxInventorySize int
}

// NewInventoryHandler creates a new InventoryHandler
func NewInventoryHandler(localRPC rpc.LocalRPC, syncHandler *SyncHandler, peerOpts *options.PeerConnectionOptions, advertiserOpts *options.AdvertiserOptions) *InventoryHandler {
	return &InventoryHandler{
		localRPC:         localRPC,
		sync:             syncHandler,
		applyTimeout:     peerOpts.ApplicatorTimeout,
		maxInventorySize: advertiserOpts.MaxInventorySize,
	}
}

// HandleInventory requests the advertised items this node does not hold.
// Blocks beyond the next height start a sync instead.
func (h *InventoryHandler) HandleInventory(ctx context.Context, p Peer, msg *message.Inventory) error {
	if !msg.InvType.Valid() {
		return fmt.Errorf("%w, unknown inventory type %s", p2perrors.ErrBadMessage, msg.InvType)
	}

	if len(msg.Hashes) > h.maxInventorySize {
		return fmt.Errorf("%w, inventory of %d items exceeds %d", p2perrors.ErrBadMessage, len(msg.Hashes), h.maxInventorySize)
	}

	var headNum uint64
	if msg.InvType == inventory.Block {
		head, err := h.sync.chain.HeadBlockID(ctx)
		if err != nil {
			return err
		}
		headNum = head.Num()
	}

	state := p.State()
	request := make([]inventory.Hash, 0)
	gap := false
	full := false

	for _, hash := range msg.Hashes {
		item := inventory.NewItem(hash, msg.InvType)
		state.MarkAdvertisedByPeer(item)

		if full || state.IsRequested(item) {
			continue
		}

		has, err := h.sync.HasItem(ctx, item)
		if err != nil {
			return err
		}

		if has {
			if item.Type == inventory.Block {
				state.AdvanceBlockBothHave(inventory.BlockID(hash))
			}
			continue
		}

		if item.Type == inventory.Block && inventory.BlockID(hash).Num() > headNum+1 {
			gap = true
			continue
		}

		if !state.MarkRequested(item) {
			log.Debugf("Too many outstanding requests to peer %s, ignoring remaining inventory", p.ID())
			full = true
			continue
		}
		request = append(request, hash)
	}

	if len(request) > 0 {
		p.SendMessage(&message.FetchInvData{InvType: msg.InvType, Hashes: request})
	}

	if gap && !state.SyncRequested() && state.SyncRemain() == 0 {
		log.Debugf("Peer %s advertised blocks beyond head %d", p.ID(), headNum)
		return h.sync.RequestSync(ctx, p)
	}

	return nil
}

// HandleBlock applies a block fetched from the peer
func (h *InventoryHandler) HandleBlock(ctx context.Context, p Peer, msg *message.Block) error {
	state := p.State()
	item := inventory.NewItem(msg.ID.Hash(), inventory.Block)

	if !state.TakeRequested(item) {
		return fmt.Errorf("%w, unrequested block %s", p2perrors.ErrBadMessage, msg.ID)
	}

	state.MarkAdvertisedByPeer(item)

	applyCtx, cancel := context.WithTimeout(ctx, h.applyTimeout)
	defer cancel()

	if _, err := h.localRPC.ApplyBlock(applyCtx, msg.Block); err != nil {
		if errors.Is(err, p2perrors.ErrLocalRPCTimeout) {
			return err
		}
		return fmt.Errorf("%w, %s", p2perrors.ErrBlockApplication, err.Error())
	}

	state.AdvanceBlockBothHave(msg.ID)
	log.Debugf("Applied block %s from peer %s", msg.ID, p.ID())

	return h.sync.ContinueSync(ctx, p)
}

// HandleTransaction applies a single transaction fetched from the peer
func (h *InventoryHandler) HandleTransaction(ctx context.Context, p Peer, msg *message.Transaction) error {
	return h.applyTransactions(ctx, p, []*protocol.Transaction{msg.Transaction})
}

// HandleTransactions applies a batch of transactions fetched from the peer
func (h *InventoryHandler) HandleTransactions(ctx context.Context, p Peer, msg *message.Transactions) error {
	return h.applyTransactions(ctx, p, msg.Transactions)
}

// applyTransactions applies every transaction and returns the first failure
func (h *InventoryHandler) applyTransactions(ctx context.Context, p Peer, transactions []*protocol.Transaction) error {
	state := p.State()
	var firstErr error

	for _, trx := range transactions {
		if err := h.applyTransaction(ctx, state, trx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return firstErr
	}

	return h.sync.ContinueSync(ctx, p)
}

func (h *InventoryHandler) applyTransaction(ctx context.Context, state *PeerSyncState, trx *protocol.Transaction) error {
	hash, err := inventory.TransactionHash(trx)
	if err != nil {
		return err
	}

	item := inventory.NewItem(hash, inventory.Transaction)
	if !state.TakeRequested(item) {
		return fmt.Errorf("%w, unrequested transaction %s", p2perrors.ErrBadMessage, hash)
	}

	state.MarkAdvertisedByPeer(item)

	applyCtx, cancel := context.WithTimeout(ctx, h.applyTimeout)
	defer cancel()

	if _, err := h.localRPC.ApplyTransaction(applyCtx, trx); err != nil {
		if errors.Is(err, p2perrors.ErrLocalRPCTimeout) {
			return err
		}
		return fmt.Errorf("%w, %s", p2perrors.ErrTransactionApplication, err.Error())
	}

	return nil
}
