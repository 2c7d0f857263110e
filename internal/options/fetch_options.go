package options

import "time"

const (
	maxTransactionBatchBytesDefault = 1000000
	syncFetchBatchSizeDefault       = 2000
	blockProducedIntervalDefault    = 3 * time.Second
	transactionFetchWindowDefault   = 10 * time.Second
	advertiseWindowDefault          = 60 * time.Second

	// Maximum number of blocks that can be produced in this window
	blockFetchCapWindow = 2 * time.Minute
)

// FetchOptions are options for the fetch request handler
type FetchOptions struct {
	MaxTransactionBatchBytes int
	SyncFetchBatchSize       uint64
	BlockProducedInterval    time.Duration
	TransactionFetchWindow   time.Duration
	AdvertiseWindow          time.Duration
}

// MaxAdvertisedBlockFetches returns the number of advertised blocks a peer may
// fetch within AdvertiseWindow
func (o *FetchOptions) MaxAdvertisedBlockFetches() int {
	if o.BlockProducedInterval <= 0 {
		return 0
	}

	return int(blockFetchCapWindow / o.BlockProducedInterval)
}

// NewFetchOptions returns default initialized FetchOptions
func NewFetchOptions() *FetchOptions {
	return &FetchOptions{
		MaxTransactionBatchBytes: maxTransactionBatchBytesDefault,
		SyncFetchBatchSize:       syncFetchBatchSizeDefault,
		BlockProducedInterval:    blockProducedIntervalDefault,
		TransactionFetchWindow:   transactionFetchWindowDefault,
		AdvertiseWindow:          advertiseWindowDefault,
	}
}
