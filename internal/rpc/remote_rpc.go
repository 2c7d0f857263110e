package rpc

import (
	"context"

	"github.com/multiformats/go-multihash"
)

// RemoteRPC interface for remote node RPC methods required for koinos-invsync to function
type RemoteRPC interface {
	GetHeadBlock(ctx context.Context) (id multihash.Multihash, height uint64, err error)
}
