package options

import (
	"time"
)

const (
	localRPCTimeoutDefault            = time.Second * 6
	applicatorTimeoutDefault          = localRPCTimeoutDefault * 2
	remoteRPCTimeoutDefault           = time.Second * 6
	handshakeRetryTimeDefault         = time.Second * 6
	sendQueueSizeDefault              = 256
	writeTimeoutDefault               = time.Second * 10
	advertisementCacheSizeDefault     = 20000
	advertisementCacheDurationDefault = time.Hour
	syncCacheDurationDefault          = time.Minute * 10
	requestTimeoutDefault             = time.Minute
	maxPendingRequestsDefault         = 10000
)

// PeerConnectionOptions are options for PeerConnection
type PeerConnectionOptions struct {
	LocalRPCTimeout            time.Duration
	ApplicatorTimeout          time.Duration
	RemoteRPCTimeout           time.Duration
	HandshakeRetryTime         time.Duration
	SendQueueSize              int
	WriteTimeout               time.Duration
	AdvertisementCacheSize     int
	AdvertisementCacheDuration time.Duration
	SyncCacheDuration          time.Duration
	RequestTimeout             time.Duration
	MaxPendingRequests         int
}

// NewPeerConnectionOptions returns default initialized PeerConnectionOptions
func NewPeerConnectionOptions() *PeerConnectionOptions {
	return &PeerConnectionOptions{
		LocalRPCTimeout:            localRPCTimeoutDefault,
		ApplicatorTimeout:          applicatorTimeoutDefault,
		RemoteRPCTimeout:           remoteRPCTimeoutDefault,
		HandshakeRetryTime:         handshakeRetryTimeDefault,
		SendQueueSize:              sendQueueSizeDefault,
		WriteTimeout:               writeTimeoutDefault,
		AdvertisementCacheSize:     advertisementCacheSizeDefault,
		AdvertisementCacheDuration: advertisementCacheDurationDefault,
		SyncCacheDuration:          syncCacheDurationDefault,
		RequestTimeout:             requestTimeoutDefault,
		MaxPendingRequests:         maxPendingRequestsDefault,
	}
}
