package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
)

// DataStore resolves inventory items to their payloads. Items that are not
// held return an error wrapping p2perrors.ErrNotFound.
type DataStore interface {
	GetData(ctx context.Context, item inventory.Item) (message.Message, error)
}

// ChainIndex answers which blocks form the main chain
type ChainIndex interface {
	// HeadBlockID returns the id of the main chain head
	HeadBlockID(ctx context.Context) (inventory.BlockID, error)

	// BlockIDsByNumber returns the consecutive main chain ids starting at start,
	// at most count of them. Returns ErrNotFound when start is not in the chain.
	BlockIDsByNumber(ctx context.Context, start uint64, count uint32) ([]inventory.BlockID, error)
}

// FallbackStore tries each store in order until one holds the item
type FallbackStore struct {
	stores []DataStore
}

// NewFallbackStore creates a FallbackStore
func NewFallbackStore(stores ...DataStore) *FallbackStore {
	return &FallbackStore{stores: stores}
}

// GetData returns the first payload found. When no store holds the item the
// last failure other than not found is returned, if any.
func (f *FallbackStore) GetData(ctx context.Context, item inventory.Item) (message.Message, error) {
	var lastErr error

	for _, s := range f.stores {
		msg, err := s.GetData(ctx, item)
		if err == nil {
			return msg, nil
		}

		if !errors.Is(err, p2perrors.ErrNotFound) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return nil, fmt.Errorf("%w, %s", p2perrors.ErrNotFound, item)
}

// FallbackIndex queries each index in order until one answers
type FallbackIndex struct {
	indices []ChainIndex
}

// NewFallbackIndex creates a FallbackIndex
func NewFallbackIndex(indices ...ChainIndex) *FallbackIndex {
	return &FallbackIndex{indices: indices}
}

// HeadBlockID implements ChainIndex
func (f *FallbackIndex) HeadBlockID(ctx context.Context) (inventory.BlockID, error) {
	err := fmt.Errorf("%w, no chain index", p2perrors.ErrNotFound)

	for _, index := range f.indices {
		var id inventory.BlockID
		if id, err = index.HeadBlockID(ctx); err == nil {
			return id, nil
		}
	}

	return inventory.BlockID{}, err
}

// BlockIDsByNumber implements ChainIndex
func (f *FallbackIndex) BlockIDsByNumber(ctx context.Context, start uint64, count uint32) ([]inventory.BlockID, error) {
	err := fmt.Errorf("%w, no chain index", p2perrors.ErrNotFound)

	for _, index := range f.indices {
		var ids []inventory.BlockID
		if ids, err = index.BlockIDsByNumber(ctx, start, count); err == nil {
			return ids, nil
		}
	}

	return nil, err
}
