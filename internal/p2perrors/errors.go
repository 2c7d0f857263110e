package p2perrors

import (
	"errors"
)

var (
	// ErrBadMessage represents a protocol message that violates admission rules
	ErrBadMessage = errors.New("bad message")

	// ErrFetchFail represents a validated inventory item that could not be resolved locally
	ErrFetchFail = errors.New("fetch failed")

	// ErrNotFound represents an item that is not held by a data store
	ErrNotFound = errors.New("item not found")

	// ErrDeserialization represents any sort of error deserializing a message or payload
	ErrDeserialization = errors.New("error during deserialization")

	// ErrSerialization represents any sort of error serializing a message or payload
	ErrSerialization = errors.New("error during serialization")

	// ErrBlockApplication represents any error applying the block in chain
	ErrBlockApplication = errors.New("block application failed")

	// ErrTransactionApplication represents any error applying a transaction to the mem pool
	ErrTransactionApplication = errors.New("transaction application failed")

	// ErrLocalRPC represents an error occurred during a local rpc
	ErrLocalRPC = errors.New("local RPC error")

	// ErrPeerRPC represents an error occurred during a peer rpc
	ErrPeerRPC = errors.New("peer RPC error")

	// ErrLocalRPCTimeout represents a local rpc timed out
	ErrLocalRPCTimeout = errors.New("local RPC request timed out")

	// ErrPeerRPCTimeout represents a peer rpc timed out
	ErrPeerRPCTimeout = errors.New("peer RPC request timed out")

	// ErrStore represents a failure of the local data store
	ErrStore = errors.New("data store error")

	// ErrProtocolMismatch represents when a peer's protocol version does not match ours
	ErrProtocolMismatch = errors.New("protocol version mismatch")

	// ErrProtocolMissing represents when a peer's protocol version is missing
	ErrProtocolMissing = errors.New("protocol version is missing")
)
