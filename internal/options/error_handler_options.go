package options

import (
	"time"
)

const (
	errorScoreDecayHalflifeDefault = time.Minute * 10
	errorScoreThresholdDefault     = 100000

	badMessageErrorScoreDefault             = errorScoreThresholdDefault
	deserializationErrorScoreDefault        = 5000
	serializationErrorScoreDefault          = 0
	blockApplicationErrorScoreDefault       = 5000
	transactionApplicationErrorScoreDefault = 1000
	localRPCErrorScoreDefault               = 0
	peerRPCErrorScoreDefault                = 1000
	localRPCTimeoutErrorScoreDefault        = 0
	peerRPCTimeoutErrorScoreDefault         = 1000
	storeErrorScoreDefault                  = 0
	unknownErrorScoreDefault                = blockApplicationErrorScoreDefault
)

// PeerErrorHandlerOptions are options for PeerErrorHandler
type PeerErrorHandlerOptions struct {
	ErrorScoreDecayHalflife time.Duration
	ErrorScoreThreshold     uint64

	BadMessageErrorScore             uint64
	DeserializationErrorScore        uint64
	SerializationErrorScore          uint64
	BlockApplicationErrorScore       uint64
	TransactionApplicationErrorScore uint64
	LocalRPCErrorScore               uint64
	PeerRPCErrorScore                uint64
	LocalRPCTimeoutErrorScore        uint64
	PeerRPCTimeoutErrorScore         uint64
	StoreErrorScore                  uint64
	UnknownErrorScore                uint64
}

// NewPeerErrorHandlerOptions returns default initialized PeerErrorHandlerOptions
func NewPeerErrorHandlerOptions() *PeerErrorHandlerOptions {
	return &PeerErrorHandlerOptions{
		ErrorScoreDecayHalflife:          errorScoreDecayHalflifeDefault,
		ErrorScoreThreshold:              errorScoreThresholdDefault,
		BadMessageErrorScore:             badMessageErrorScoreDefault,
		DeserializationErrorScore:        deserializationErrorScoreDefault,
		SerializationErrorScore:          serializationErrorScoreDefault,
		BlockApplicationErrorScore:       blockApplicationErrorScoreDefault,
		TransactionApplicationErrorScore: transactionApplicationErrorScoreDefault,
		LocalRPCErrorScore:               localRPCErrorScoreDefault,
		PeerRPCErrorScore:                peerRPCErrorScoreDefault,
		LocalRPCTimeoutErrorScore:        localRPCTimeoutErrorScoreDefault,
		PeerRPCTimeoutErrorScore:         peerRPCTimeoutErrorScoreDefault,
		StoreErrorScore:                  storeErrorScoreDefault,
		UnknownErrorScore:                unknownErrorScoreDefault,
	}
}
