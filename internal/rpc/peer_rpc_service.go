package rpc

import (
	"context"

	"github.com/multiformats/go-multihash"
)

// PeerRPCID Identifies the peer rpc service
const PeerRPCID = "/koinos/invsync/rpc/1.0.0"

// GetHeadBlockRequest is the request of PeerRPCService.GetHeadBlock
type GetHeadBlockRequest struct {
}

// GetHeadBlockResponse is the response of PeerRPCService.GetHeadBlock
type GetHeadBlockResponse struct {
	ID     multihash.Multihash
	Height uint64
}

// PeerRPCService answers peer rpc calls from the local node
type PeerRPCService struct {
	local LocalRPC
}

// NewPeerRPCService creates a PeerRPCService
func NewPeerRPCService(local LocalRPC) *PeerRPCService {
	return &PeerRPCService{
		local: local,
	}
}

// GetHeadBlock returns the local head block id and height
func (p *PeerRPCService) GetHeadBlock(ctx context.Context, request *GetHeadBlockRequest, response *GetHeadBlockResponse) error {
	rpcResult, err := p.local.GetHeadBlock(ctx)
	if err != nil {
		return err
	}

	response.ID = rpcResult.HeadTopology.Id
	response.Height = rpcResult.HeadTopology.Height
	return nil
}
