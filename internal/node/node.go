package node

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/options"
	"github.com/koinos/koinos-invsync/internal/p2p"
	"github.com/koinos/koinos-invsync/internal/rpc"
	"github.com/koinos/koinos-invsync/internal/store"
	log "github.com/koinos/koinos-log-golang"
	koinosmq "github.com/koinos/koinos-mq-golang"
	"github.com/koinos/koinos-proto-golang/koinos/broadcast"
	"google.golang.org/protobuf/proto"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	multiaddr "github.com/multiformats/go-multiaddr"
)

// Broadcast topics of accepted blocks and transactions
const (
	BlockAcceptTopic       = "koinos.block.accept"
	TransactionAcceptTopic = "koinos.transaction.accept"
)

// KoinosInvSyncNode is the core object representing the inventory sync node
type KoinosInvSyncNode struct {
	Host              host.Host
	Store             *store.LevelDBStore
	Advertiser        *p2p.PeerAdvertisementIndex
	ConnectionManager *p2p.ConnectionManager
	PeerErrorHandler  *p2p.PeerErrorHandler

	localRPC rpc.LocalRPC
	cancel   context.CancelFunc
	config   *options.Config
}

func keyReader(seed string) io.Reader {
	if seed == "" {
		return crand.Reader
	}

	sum := sha256.Sum256([]byte(seed))
	return bytes.NewReader(sum[:])
}

// NewKoinosInvSyncNode creates a libp2p node object listening on the given multiaddress.
// seed derives the node identity, an empty seed generates a random one.
// requestHandler may be nil, in which case accepted items must be fed through HandleBlockAccepted
// and HandleTransactionAccepted.
func NewKoinosInvSyncNode(ctx context.Context, listenAddr string, localRPC rpc.LocalRPC, requestHandler *koinosmq.RequestHandler, seed string, config *options.Config) (*KoinosInvSyncNode, error) {
	privateKey, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 0, keyReader(seed))
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	peerErrorChan := make(chan p2p.PeerError)
	disconnectPeerChan := make(chan peer.ID)

	errorHandler := p2p.NewPeerErrorHandler(clk, disconnectPeerChan, peerErrorChan, config.PeerErrorHandlerOptions)

	host, err := libp2p.New(
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.Identity(privateKey),
		libp2p.ProtocolVersion(p2p.InvSyncProtocolVersionString()),
		libp2p.ConnectionGater(errorHandler),
	)
	if err != nil {
		return nil, err
	}

	dataStore, err := openStore(config.NodeOptions.DataDir)
	if err != nil {
		host.Close()
		return nil, err
	}

	initialPeers := make([]peer.AddrInfo, 0, len(config.NodeOptions.InitialPeers))
	for _, peerStr := range config.NodeOptions.InitialPeers {
		ma, err := multiaddr.NewMultiaddr(peerStr)
		if err != nil {
			log.Warnf("Invalid initial peer %s: %s", peerStr, err.Error())
			continue
		}

		addr, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			log.Warnf("Invalid initial peer %s: %s", peerStr, err.Error())
			continue
		}

		initialPeers = append(initialPeers, *addr)
	}

	blockStore := store.NewBlockStoreRPC(localRPC)
	advertiser := p2p.NewPeerAdvertisementIndex(clk, config.AdvertiserOptions)
	syncHandler := p2p.NewSyncHandler(store.NewFallbackIndex(blockStore, dataStore), dataStore, config.FetchOptions)

	handlers := &p2p.Handlers{
		Fetch: p2p.NewFetchInvDataHandler(
			advertiser,
			store.NewFallbackStore(dataStore, blockStore),
			p2p.NewRateWindow(clk, config.FetchOptions.AdvertiseWindow),
			config.FetchOptions,
		),
		Inventory: p2p.NewInventoryHandler(localRPC, syncHandler, &config.PeerConnectionOptions, &config.AdvertiserOptions),
		Sync:      syncHandler,
	}

	node := &KoinosInvSyncNode{
		Host:             host,
		Store:            dataStore,
		Advertiser:       advertiser,
		PeerErrorHandler: errorHandler,
		localRPC:         localRPC,
		config:           config,
	}

	node.ConnectionManager = p2p.NewConnectionManager(
		host,
		clk,
		localRPC,
		handlers,
		&config.ConnectionManagerOptions,
		&config.PeerConnectionOptions,
		&config.FetchOptions,
		initialPeers,
		peerErrorChan,
		disconnectPeerChan,
	)

	if requestHandler != nil {
		requestHandler.SetBroadcastHandler(BlockAcceptTopic, node.handleBroadcast)
		requestHandler.SetBroadcastHandler(TransactionAcceptTopic, node.handleBroadcast)
	}

	return node, nil
}

func openStore(dataDir string) (*store.LevelDBStore, error) {
	if dataDir == "" {
		return store.NewMemLevelDBStore()
	}

	return store.NewLevelDBStore(dataDir)
}

func (n *KoinosInvSyncNode) handleBroadcast(topic string, data []byte) {
	switch topic {
	case BlockAcceptTopic:
		blockAccept := &broadcast.BlockAccepted{}
		if err := proto.Unmarshal(data, blockAccept); err != nil {
			log.Warnf("Unable to parse %s broadcast: %s", topic, err.Error())
			return
		}

		if err := n.HandleBlockAccepted(blockAccept); err != nil {
			log.Warnf("Error handling accepted block: %s", err.Error())
		}

	case TransactionAcceptTopic:
		trxAccept := &broadcast.TransactionAccepted{}
		if err := proto.Unmarshal(data, trxAccept); err != nil {
			log.Warnf("Unable to parse %s broadcast: %s", topic, err.Error())
			return
		}

		if err := n.HandleTransactionAccepted(trxAccept); err != nil {
			log.Warnf("Error handling accepted transaction: %s", err.Error())
		}

	default:
		log.Warnf("Received broadcast on unexpected topic %s", topic)
	}
}

// HandleBlockAccepted stores a block accepted by the chain and advertises it to peers
func (n *KoinosInvSyncNode) HandleBlockAccepted(blockAccept *broadcast.BlockAccepted) error {
	block, err := message.NewBlock(blockAccept.Block)
	if err != nil {
		return err
	}

	if err := n.Store.PutBlock(block, blockAccept.Head); err != nil {
		return err
	}

	return n.Advertiser.Broadcast(block)
}

// HandleTransactionAccepted stores a transaction accepted by the chain and advertises it to peers
func (n *KoinosInvSyncNode) HandleTransactionAccepted(trxAccept *broadcast.TransactionAccepted) error {
	trx, err := message.NewTransaction(trxAccept.Transaction)
	if err != nil {
		return err
	}

	if err := n.Store.PutTransaction(trx); err != nil {
		return err
	}

	return n.Advertiser.Broadcast(trx)
}

// GetListenAddress returns the multiaddress on which the node is listening
func (n *KoinosInvSyncNode) GetListenAddress() multiaddr.Multiaddr {
	return n.Host.Addrs()[0]
}

// GetPeerAddress returns the multiaddress to which other peers should connect
func (n *KoinosInvSyncNode) GetPeerAddress() multiaddr.Multiaddr {
	hostAddr, _ := multiaddr.NewMultiaddr(fmt.Sprintf("/p2p/%s", n.Host.ID()))
	return n.GetListenAddress().Encapsulate(hostAddr)
}

// Start the node
func (n *KoinosInvSyncNode) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)

	n.PeerErrorHandler.Start(ctx)
	n.ConnectionManager.Start(ctx)
	n.Advertiser.Start(ctx, n.ConnectionManager)
}

// Close closes the node
func (n *KoinosInvSyncNode) Close() error {
	if n.cancel != nil {
		n.cancel()
	}

	if err := n.Host.Close(); err != nil {
		return err
	}

	return n.Store.Close()
}
