package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/koinos/koinos-invsync/internal/p2perrors"
	gorpc "github.com/libp2p/go-libp2p-gorpc"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
)

// PeerRPC implements RemoteRPC interface by communicating via libp2p's gorpc
type PeerRPC struct {
	client *gorpc.Client
	peerID peer.ID
}

// NewPeerRPC creates a PeerRPC
func NewPeerRPC(client *gorpc.Client, peerID peer.ID) *PeerRPC {
	return &PeerRPC{client: client, peerID: peerID}
}

// GetHeadBlock rpc call
func (p *PeerRPC) GetHeadBlock(ctx context.Context) (id multihash.Multihash, height uint64, err error) {
	rpcReq := &GetHeadBlockRequest{}
	rpcResp := &GetHeadBlockResponse{}
	err = p.client.CallContext(ctx, p.peerID, "PeerRPCService", "GetHeadBlock", rpcReq, rpcResp)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%w, %s", p2perrors.ErrPeerRPCTimeout, err)
		}
		return nil, 0, fmt.Errorf("%w, %s", p2perrors.ErrPeerRPC, err)
	}
	return rpcResp.ID, rpcResp.Height, nil
}
