package store

import (
	"context"
	"fmt"

	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	"github.com/koinos/koinos-invsync/internal/rpc"
)

// BlockStoreRPC resolves main chain blocks through the local koinos block store.
// Transactions are never found.
type BlockStoreRPC struct {
	localRPC rpc.LocalRPC
}

// NewBlockStoreRPC creates a BlockStoreRPC
func NewBlockStoreRPC(localRPC rpc.LocalRPC) *BlockStoreRPC {
	return &BlockStoreRPC{localRPC: localRPC}
}

// GetData implements DataStore
func (b *BlockStoreRPC) GetData(ctx context.Context, item inventory.Item) (message.Message, error) {
	if item.Type != inventory.Block {
		return nil, fmt.Errorf("%w, %s", p2perrors.ErrNotFound, item)
	}

	head, err := b.localRPC.GetHeadBlock(ctx)
	if err != nil {
		return nil, err
	}

	num := inventory.BlockID(item.Hash).Num()
	if head.HeadTopology == nil || num > head.HeadTopology.Height {
		return nil, fmt.Errorf("%w, %s is above head", p2perrors.ErrNotFound, item)
	}

	blocks, err := b.localRPC.GetBlocksByHeight(ctx, head.HeadTopology.Id, num, 1)
	if err != nil {
		return nil, err
	}

	if blocks == nil || len(blocks.BlockItems) != 1 || blocks.BlockItems[0].Block == nil {
		return nil, fmt.Errorf("%w, %s", p2perrors.ErrNotFound, item)
	}

	block, err := message.NewBlock(blocks.BlockItems[0].Block)
	if err != nil {
		return nil, err
	}

	if block.ID.Hash() != item.Hash {
		return nil, fmt.Errorf("%w, %s is not in the main chain", p2perrors.ErrNotFound, item)
	}

	return block, nil
}

// HeadBlockID implements ChainIndex
func (b *BlockStoreRPC) HeadBlockID(ctx context.Context) (inventory.BlockID, error) {
	head, err := b.localRPC.GetHeadBlock(ctx)
	if err != nil {
		return inventory.BlockID{}, err
	}

	if head.HeadTopology == nil {
		return inventory.BlockID{}, fmt.Errorf("%w, missing head topology", p2perrors.ErrLocalRPC)
	}

	return inventory.BlockIDFromMultihash(head.HeadTopology.Height, head.HeadTopology.Id)
}

// BlockIDsByNumber implements ChainIndex
func (b *BlockStoreRPC) BlockIDsByNumber(ctx context.Context, start uint64, count uint32) ([]inventory.BlockID, error) {
	head, err := b.localRPC.GetHeadBlock(ctx)
	if err != nil {
		return nil, err
	}

	if head.HeadTopology == nil || start > head.HeadTopology.Height {
		return nil, fmt.Errorf("%w, block number %d", p2perrors.ErrNotFound, start)
	}

	if start == head.HeadTopology.Height {
		id, err := inventory.BlockIDFromMultihash(start, head.HeadTopology.Id)
		if err != nil {
			return nil, err
		}
		return []inventory.BlockID{id}, nil
	}

	blocks, err := b.localRPC.GetBlocksByHeight(ctx, head.HeadTopology.Id, start, count)
	if err != nil {
		return nil, err
	}

	ids := make([]inventory.BlockID, 0, len(blocks.GetBlockItems()))
	for _, item := range blocks.GetBlockItems() {
		id, err := inventory.BlockIDFromMultihash(item.BlockHeight, item.BlockId)
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
