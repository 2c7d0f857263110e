package p2p

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/options"
)

// PeerSyncState is the per connection record of what each side has told the
// other and where the peer stands in sync
type PeerSyncState struct {
	// Inventory this node advertised to the peer. Only these may be fetched
	// through the advertised paths.
	advertisedSpread *timedCache[inventory.Item, struct{}]

	// Inventory the peer advertised to this node
	advertisedReceive *timedCache[inventory.Item, struct{}]

	// Block hashes already served to the peer during sync
	syncBlockIDCache *timedCache[inventory.Hash, struct{}]

	// Items fetched from the peer and not yet delivered. Entries expire after
	// the request timeout.
	requested          *timedCache[inventory.Item, struct{}]
	maxPendingRequests int

	// Transaction items requested by the peer
	fetchRate *RateWindow

	mu              sync.Mutex
	blockBothHave   inventory.BlockID
	lastSyncBlockID inventory.BlockID
	needSyncFromUs  bool
	syncRequested   bool
	syncRemain      uint64
}

// NewPeerSyncState creates the state for a newly established connection
func NewPeerSyncState(clk clock.Clock, peerOpts *options.PeerConnectionOptions, fetchOpts *options.FetchOptions) *PeerSyncState {
	return &PeerSyncState{
		advertisedSpread:  newTimedCache[inventory.Item, struct{}](peerOpts.AdvertisementCacheSize, peerOpts.AdvertisementCacheDuration, clk),
		advertisedReceive: newTimedCache[inventory.Item, struct{}](peerOpts.AdvertisementCacheSize, peerOpts.AdvertisementCacheDuration, clk),
		syncBlockIDCache:  newTimedCache[inventory.Hash, struct{}](int(2*fetchOpts.SyncFetchBatchSize), peerOpts.SyncCacheDuration, clk),
		requested:          newTimedCache[inventory.Item, struct{}](peerOpts.MaxPendingRequests, peerOpts.RequestTimeout, clk),
		maxPendingRequests: peerOpts.MaxPendingRequests,
		fetchRate:         NewRateWindow(clk, fetchOpts.TransactionFetchWindow),
	}
}

// MarkAdvertisedToPeer records that item was announced to the peer
func (s *PeerSyncState) MarkAdvertisedToPeer(item inventory.Item) {
	s.advertisedSpread.Add(item, struct{}{})
}

// AdvertisedToPeer returns whether item was announced to the peer
func (s *PeerSyncState) AdvertisedToPeer(item inventory.Item) bool {
	return s.advertisedSpread.Contains(item)
}

// MarkAdvertisedByPeer records that the peer announced item
func (s *PeerSyncState) MarkAdvertisedByPeer(item inventory.Item) {
	s.advertisedReceive.Add(item, struct{}{})
}

// AdvertisedByPeer returns whether the peer announced item
func (s *PeerSyncState) AdvertisedByPeer(item inventory.Item) bool {
	return s.advertisedReceive.Contains(item)
}

// SyncBlockServed returns whether the block hash was already served during sync
func (s *PeerSyncState) SyncBlockServed(hash inventory.Hash) bool {
	return s.syncBlockIDCache.Contains(hash)
}

// MarkSyncBlockServed records a block hash served during sync
func (s *PeerSyncState) MarkSyncBlockServed(hash inventory.Hash) {
	s.syncBlockIDCache.Add(hash, struct{}{})
}

// MarkRequested records an item fetched from the peer. Returns false, leaving
// the item unrecorded, when the peer already has the maximum number of
// outstanding requests.
func (s *PeerSyncState) MarkRequested(item inventory.Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.requested.Contains(item) {
		return true
	}

	if s.requested.Prune() >= s.maxPendingRequests {
		return false
	}

	s.requested.Add(item, struct{}{})
	return true
}

// IsRequested returns whether item was fetched from the peer and is still outstanding
func (s *PeerSyncState) IsRequested(item inventory.Item) bool {
	return s.requested.Contains(item)
}

// TakeRequested removes item from the outstanding requests, reporting whether it was there
func (s *PeerSyncState) TakeRequested(item inventory.Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requested.Remove(item)
}

// PendingRequests returns the number of outstanding requests that have not timed out
func (s *PeerSyncState) PendingRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requested.Prune()
}

// FetchRate returns the window counting transaction items requested by the peer
func (s *PeerSyncState) FetchRate() *RateWindow {
	return s.fetchRate
}

// BlockBothHave returns the highest block both sides are known to hold
func (s *PeerSyncState) BlockBothHave() inventory.BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blockBothHave
}

// AdvanceBlockBothHave moves the both have block to id if id is higher.
// Returns whether it moved.
func (s *PeerSyncState) AdvanceBlockBothHave(id inventory.BlockID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.blockBothHave.IsZero() && id.Num() <= s.blockBothHave.Num() {
		return false
	}

	s.blockBothHave = id
	return true
}

// NeedSyncFromUs returns whether the peer is catching up from this node
func (s *PeerSyncState) NeedSyncFromUs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.needSyncFromUs
}

// LastSyncBlockID returns the last block id sent to the peer in a chain inventory
func (s *PeerSyncState) LastSyncBlockID() inventory.BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastSyncBlockID
}

// SetSyncFromUs updates the peer's catch up state
func (s *PeerSyncState) SetSyncFromUs(need bool, lastSyncBlockID inventory.BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.needSyncFromUs = need
	s.lastSyncBlockID = lastSyncBlockID
}

// SyncRemain returns the number of blocks the peer reported beyond the last chain inventory
func (s *PeerSyncState) SyncRemain() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.syncRemain
}

// SetSyncRemain records the remaining count from a chain inventory
func (s *PeerSyncState) SetSyncRemain(remain uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncRemain = remain
}

// SyncRequested returns whether a chain inventory is expected from the peer
func (s *PeerSyncState) SyncRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.syncRequested
}

// SetSyncRequested records whether a chain inventory is expected from the peer
func (s *PeerSyncState) SetSyncRequested(requested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncRequested = requested
}
