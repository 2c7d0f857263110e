package options

import "time"

const (
	spreadIntervalDefault           = 30 * time.Millisecond
	maxInventorySizeDefault         = 1000
	transactionCacheSizeDefault     = 50000
	transactionCacheDurationDefault = time.Hour
	blockCacheSizeDefault           = 10
	blockCacheDurationDefault       = time.Minute
)

// AdvertiserOptions are options for the advertisement index and its spread loop
type AdvertiserOptions struct {
	SpreadInterval           time.Duration
	MaxInventorySize         int
	TransactionCacheSize     int
	TransactionCacheDuration time.Duration
	BlockCacheSize           int
	BlockCacheDuration       time.Duration
	RateWindowSpan           time.Duration
}

// NewAdvertiserOptions returns default initialized AdvertiserOptions
func NewAdvertiserOptions() *AdvertiserOptions {
	return &AdvertiserOptions{
		SpreadInterval:           spreadIntervalDefault,
		MaxInventorySize:         maxInventorySizeDefault,
		TransactionCacheSize:     transactionCacheSizeDefault,
		TransactionCacheDuration: transactionCacheDurationDefault,
		BlockCacheSize:           blockCacheSizeDefault,
		BlockCacheDuration:       blockCacheDurationDefault,
		RateWindowSpan:           advertiseWindowDefault,
	}
}
