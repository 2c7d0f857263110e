package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/koinos/koinos-invsync/internal/p2perrors"
	koinosmq "github.com/koinos/koinos-mq-golang"
	"github.com/koinos/koinos-proto-golang/koinos/protocol"
	"github.com/koinos/koinos-proto-golang/koinos/rpc"
	"github.com/koinos/koinos-proto-golang/koinos/rpc/block_store"
	chainrpc "github.com/koinos/koinos-proto-golang/koinos/rpc/chain"
	"github.com/multiformats/go-multihash"
)

// RPC service constants
const (
	ChainRPC      = "chain"
	BlockStoreRPC = "block_store"
)

// KoinosRPC implements LocalRPC implementation by communicating with a local Koinos node via AMQP
type KoinosRPC struct {
	mq *koinosmq.Client
}

// NewKoinosRPC factory
func NewKoinosRPC(mq *koinosmq.Client) *KoinosRPC {
	rpc := new(KoinosRPC)
	rpc.mq = mq
	return rpc
}

// call sends a request to a koinos microservice and unmarshals its response variant
func (k *KoinosRPC) call(ctx context.Context, method string, service string, args proto.Message, response proto.Message) error {
	data, err := proto.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w %s, %s", p2perrors.ErrSerialization, method, err)
	}

	responseBytes, err := k.mq.RPCContext(ctx, "application/octet-stream", service, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w %s, %s", p2perrors.ErrLocalRPCTimeout, method, err)
		}
		return fmt.Errorf("%w %s, %s", p2perrors.ErrLocalRPC, method, err)
	}

	err = proto.Unmarshal(responseBytes, response)
	if err != nil {
		return fmt.Errorf("%w %s, %s", p2perrors.ErrDeserialization, method, err)
	}

	return nil
}

func (k *KoinosRPC) chainCall(ctx context.Context, method string, args *chainrpc.ChainRequest) (*chainrpc.ChainResponse, error) {
	responseVariant := &chainrpc.ChainResponse{}
	if err := k.call(ctx, method, ChainRPC, args, responseVariant); err != nil {
		return nil, err
	}

	if t, ok := responseVariant.Response.(*chainrpc.ChainResponse_Error); ok {
		return nil, fmt.Errorf("%w %s, chain rpc error, %s", p2perrors.ErrLocalRPC, method, t.Error.GetMessage())
	}

	return responseVariant, nil
}

// GetHeadBlock rpc call
func (k *KoinosRPC) GetHeadBlock(ctx context.Context) (*chainrpc.GetHeadInfoResponse, error) {
	args := &chainrpc.ChainRequest{
		Request: &chainrpc.ChainRequest_GetHeadInfo{
			GetHeadInfo: &chainrpc.GetHeadInfoRequest{},
		},
	}

	responseVariant, err := k.chainCall(ctx, "GetHeadBlock", args)
	if err != nil {
		return nil, err
	}

	t, ok := responseVariant.Response.(*chainrpc.ChainResponse_GetHeadInfo)
	if !ok {
		return nil, fmt.Errorf("%w GetHeadBlock, unexpected chain rpc response", p2perrors.ErrLocalRPC)
	}

	return t.GetHeadInfo, nil
}

// ApplyBlock rpc call
func (k *KoinosRPC) ApplyBlock(ctx context.Context, block *protocol.Block) (*chainrpc.SubmitBlockResponse, error) {
	args := &chainrpc.ChainRequest{
		Request: &chainrpc.ChainRequest_SubmitBlock{
			SubmitBlock: &chainrpc.SubmitBlockRequest{
				Block: block,
			},
		},
	}

	responseVariant, err := k.chainCall(ctx, "ApplyBlock", args)
	if err != nil {
		return nil, err
	}

	t, ok := responseVariant.Response.(*chainrpc.ChainResponse_SubmitBlock)
	if !ok {
		return nil, fmt.Errorf("%w ApplyBlock, unexpected chain rpc response", p2perrors.ErrLocalRPC)
	}

	return t.SubmitBlock, nil
}

// ApplyTransaction rpc call
func (k *KoinosRPC) ApplyTransaction(ctx context.Context, trx *protocol.Transaction) (*chainrpc.SubmitTransactionResponse, error) {
	args := &chainrpc.ChainRequest{
		Request: &chainrpc.ChainRequest_SubmitTransaction{
			SubmitTransaction: &chainrpc.SubmitTransactionRequest{
				Transaction: trx,
				Broadcast:   true,
			},
		},
	}

	responseVariant, err := k.chainCall(ctx, "ApplyTransaction", args)
	if err != nil {
		return nil, err
	}

	t, ok := responseVariant.Response.(*chainrpc.ChainResponse_SubmitTransaction)
	if !ok {
		return nil, fmt.Errorf("%w ApplyTransaction, unexpected chain rpc response", p2perrors.ErrLocalRPC)
	}

	return t.SubmitTransaction, nil
}

// GetBlocksByHeight rpc call
func (k *KoinosRPC) GetBlocksByHeight(ctx context.Context, blockID multihash.Multihash, height uint64, numBlocks uint32) (*block_store.GetBlocksByHeightResponse, error) {
	args := &block_store.BlockStoreRequest{
		Request: &block_store.BlockStoreRequest_GetBlocksByHeight{
			GetBlocksByHeight: &block_store.GetBlocksByHeightRequest{
				HeadBlockId:         blockID,
				AncestorStartHeight: height,
				NumBlocks:           numBlocks,
				ReturnBlock:         true,
				ReturnReceipt:       false,
			},
		},
	}

	responseVariant := &block_store.BlockStoreResponse{}
	if err := k.call(ctx, "GetBlocksByHeight", BlockStoreRPC, args, responseVariant); err != nil {
		return nil, err
	}

	var response *block_store.GetBlocksByHeightResponse
	var err error

	switch t := responseVariant.Response.(type) {
	case *block_store.BlockStoreResponse_GetBlocksByHeight:
		response = t.GetBlocksByHeight
	case *block_store.BlockStoreResponse_Error:
		err = fmt.Errorf("%w GetBlocksByHeight, block_store rpc error, %s", p2perrors.ErrLocalRPC, t.Error.GetMessage())
	default:
		err = fmt.Errorf("%w GetBlocksByHeight, unexpected block_store rpc response", p2perrors.ErrLocalRPC)
	}

	return response, err
}

// IsConnectedToBlockStore returns if the AMQP connection can currently communicate
// with the block store microservice.
func (k *KoinosRPC) IsConnectedToBlockStore(ctx context.Context) (bool, error) {
	args := &block_store.BlockStoreRequest{
		Request: &block_store.BlockStoreRequest_Reserved{
			Reserved: &rpc.ReservedRpc{},
		},
	}

	if err := k.call(ctx, "IsConnectedToBlockStore", BlockStoreRPC, args, &block_store.BlockStoreResponse{}); err != nil {
		return false, err
	}

	return true, nil
}

// IsConnectedToChain returns if the AMQP connection can currently communicate
// with the chain microservice.
func (k *KoinosRPC) IsConnectedToChain(ctx context.Context) (bool, error) {
	args := &chainrpc.ChainRequest{
		Request: &chainrpc.ChainRequest_Reserved{
			Reserved: &rpc.ReservedRpc{},
		},
	}

	if err := k.call(ctx, "IsConnectedToChain", ChainRPC, args, &chainrpc.ChainResponse{}); err != nil {
		return false, err
	}

	return true, nil
}
