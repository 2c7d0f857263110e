package p2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/benbjohnson/clock"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/options"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	"github.com/koinos/koinos-invsync/internal/rpc"
	log "github.com/koinos/koinos-log-golang"

	gorpc "github.com/libp2p/go-libp2p-gorpc"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	multiaddr "github.com/multiformats/go-multiaddr"
)

// InvSyncProtocolID identifies the inventory message stream
const InvSyncProtocolID protocol.ID = "/koinos/invsync/1.0.0"

type connectionMessage struct {
	net  network.Network
	conn network.Conn
}

type peerAddressMessage struct {
	id         peer.ID
	returnChan chan<- multiaddr.Multiaddr
}

type peersMessage struct {
	returnChan chan<- []Peer
}

type isConnectedMessage struct {
	id         peer.ID
	returnChan chan<- bool
}

type peerConnectionContext struct {
	peer   *PeerConnection
	conn   network.Conn
	cancel context.CancelFunc
}

// ConnectionManager opens an inventory stream to every connected peer and
// attempts to reconnect to the initial peers using the network.Notifiee interface.
type ConnectionManager struct {
	host   host.Host
	server *gorpc.Server
	client *gorpc.Client
	clock  clock.Clock
	ctx    context.Context

	handlers  *Handlers
	opts      *options.ConnectionManagerOptions
	peerOpts  *options.PeerConnectionOptions
	fetchOpts *options.FetchOptions

	initialPeers   map[peer.ID]peer.AddrInfo
	connectedPeers map[peer.ID]*peerConnectionContext

	peerConnectedChan    chan connectionMessage
	peerDisconnectedChan chan connectionMessage
	peerStreamChan       chan network.Stream
	peerClosedChan       chan *PeerConnection
	peerErrorChan        chan<- PeerError
	disconnectPeerChan   <-chan peer.ID
	peerAddressChan      chan *peerAddressMessage
	peersChan            chan *peersMessage
	isConnectedChan      chan *isConnectedMessage
}

// NewConnectionManager creates a new ConnectionManager
func NewConnectionManager(
	host host.Host,
	clk clock.Clock,
	localRPC rpc.LocalRPC,
	handlers *Handlers,
	managerOpts *options.ConnectionManagerOptions,
	peerOpts *options.PeerConnectionOptions,
	fetchOpts *options.FetchOptions,
	initialPeers []peer.AddrInfo,
	peerErrorChan chan<- PeerError,
	disconnectPeerChan <-chan peer.ID) *ConnectionManager {

	connectionManager := ConnectionManager{
		host:                 host,
		client:               gorpc.NewClient(host, rpc.PeerRPCID),
		server:               gorpc.NewServer(host, rpc.PeerRPCID),
		clock:                clk,
		ctx:                  context.Background(),
		handlers:             handlers,
		opts:                 managerOpts,
		peerOpts:             peerOpts,
		fetchOpts:            fetchOpts,
		initialPeers:         make(map[peer.ID]peer.AddrInfo),
		connectedPeers:       make(map[peer.ID]*peerConnectionContext),
		peerConnectedChan:    make(chan connectionMessage),
		peerDisconnectedChan: make(chan connectionMessage),
		peerStreamChan:       make(chan network.Stream),
		peerClosedChan:       make(chan *PeerConnection),
		peerErrorChan:        peerErrorChan,
		disconnectPeerChan:   disconnectPeerChan,
		peerAddressChan:      make(chan *peerAddressMessage),
		peersChan:            make(chan *peersMessage),
		isConnectedChan:      make(chan *isConnectedMessage),
	}

	log.Debug("Registering Peer RPC Service")
	err := connectionManager.server.Register(rpc.NewPeerRPCService(localRPC))
	if err != nil {
		log.Errorf("Error registering Peer RPC Service: %s", err.Error())
		panic(err)
	}
	log.Debug("Peer RPC Service successfully registered")

	for _, peer := range initialPeers {
		connectionManager.initialPeers[peer.ID] = peer
	}

	return &connectionManager
}

// OpenedStream is part of the libp2p network.Notifiee interface
func (c *ConnectionManager) OpenedStream(n network.Network, s network.Stream) {
}

// ClosedStream is part of the libp2p network.Notifiee interface
func (c *ConnectionManager) ClosedStream(n network.Network, s network.Stream) {
}

// Connected is part of the libp2p network.Notifiee interface
func (c *ConnectionManager) Connected(net network.Network, conn network.Conn) {
	select {
	case c.peerConnectedChan <- connectionMessage{net: net, conn: conn}:
	case <-c.ctx.Done():
	}
}

// Disconnected is part of the libp2p network.Notifiee interface
func (c *ConnectionManager) Disconnected(net network.Network, conn network.Conn) {
	select {
	case c.peerDisconnectedChan <- connectionMessage{net: net, conn: conn}:
	case <-c.ctx.Done():
	}
}

// Listen is part of the libp2p network.Notifiee interface
func (c *ConnectionManager) Listen(n network.Network, _ multiaddr.Multiaddr) {
}

// ListenClose is part of the libp2p network.Notifiee interface
func (c *ConnectionManager) ListenClose(n network.Network, _ multiaddr.Multiaddr) {
}

// GetPeerAddress returns the remote address of a connected peer
func (c *ConnectionManager) GetPeerAddress(ctx context.Context, id peer.ID) multiaddr.Multiaddr {
	returnChan := make(chan multiaddr.Multiaddr, 1)

	select {
	case c.peerAddressChan <- &peerAddressMessage{id, returnChan}:
	case <-ctx.Done():
		return nil
	}

	select {
	case addr := <-returnChan:
		return addr
	case <-ctx.Done():
		return nil
	}
}

// Peers returns the peers with an open inventory stream
func (c *ConnectionManager) Peers() []Peer {
	returnChan := make(chan []Peer, 1)

	select {
	case c.peersChan <- &peersMessage{returnChan}:
	case <-c.ctx.Done():
		return nil
	}

	select {
	case peers := <-returnChan:
		return peers
	case <-c.ctx.Done():
		return nil
	}
}

// IsConnected returns whether an inventory stream to the peer is open
func (c *ConnectionManager) IsConnected(ctx context.Context, pid peer.ID) bool {
	returnChan := make(chan bool, 1)

	select {
	case c.isConnectedChan <- &isConnectedMessage{pid, returnChan}:
	case <-ctx.Done():
		return false
	}

	select {
	case connected := <-returnChan:
		return connected
	case <-ctx.Done():
		return false
	}
}

func (c *ConnectionManager) readProtocolVersion(pid peer.ID) (string, error) {
	peerVersion, err := c.host.Peerstore().Get(pid, "ProtocolVersion")
	if err != nil {
		return "", err
	}

	switch peerVersion := peerVersion.(type) {
	case string:
		return peerVersion, nil
	default:
		return "", p2perrors.ErrProtocolMissing
	}
}

// GetProtocolVersion waits for identify to report the peer's protocol version
// and checks it is compatible
func (c *ConnectionManager) GetProtocolVersion(ctx context.Context, pid peer.ID) (*semver.Version, error) {
	versionCtx, cancel := context.WithTimeout(ctx, c.opts.ProtocolVersionTimeout)
	defer cancel()

	for {
		versionString, err := c.readProtocolVersion(pid)
		if err == nil && len(versionString) > 0 {
			return ParseProtocolVersion(versionString)
		}

		select {
		case <-c.clock.After(c.opts.ProtocolVersionRetryTime):
		case <-versionCtx.Done():
			return nil, fmt.Errorf("%w, peer %s", p2perrors.ErrProtocolMissing, pid)
		}
	}
}

func (c *ConnectionManager) checkProtocolVersion(ctx context.Context, pid peer.ID) bool {
	version, err := c.GetProtocolVersion(ctx, pid)
	if err != nil {
		if errors.Is(err, p2perrors.ErrProtocolMismatch) {
			log.Infof("Closing connection to peer %s: %s", pid, err.Error())
			c.host.Network().ClosePeer(pid)
		} else {
			log.Debugf("Could not read protocol version of peer %s: %s", pid, err.Error())
		}
		return false
	}

	log.Debugf("Peer %s speaks protocol version %s", pid, version)
	return true
}

func (c *ConnectionManager) openStream(ctx context.Context, conn network.Conn) {
	if !c.checkProtocolVersion(ctx, conn.RemotePeer()) {
		return
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.opts.StreamOpenTimeout)
	defer cancel()

	s, err := c.host.NewStream(streamCtx, conn.RemotePeer(), InvSyncProtocolID)
	if err != nil {
		log.Infof("Error opening stream to peer %s: %s", conn.RemotePeer(), err.Error())
		return
	}

	select {
	case c.peerStreamChan <- s:
	case <-ctx.Done():
		s.Reset()
	}
}

func (c *ConnectionManager) handleConnected(ctx context.Context, msg connectionMessage) {
	pid := msg.conn.RemotePeer()
	s := fmt.Sprintf("%s/p2p/%s", msg.conn.RemoteMultiaddr(), pid)

	log.Debugf("Connected to peer: %s", s)

	// The dialing side opens the inventory stream
	if _, ok := c.connectedPeers[pid]; !ok && msg.conn.Stat().Direction == network.DirOutbound {
		go c.openStream(ctx, msg.conn)
	}
}

func (c *ConnectionManager) handleStream(ctx context.Context, stream network.Stream) {
	pid := stream.Conn().RemotePeer()

	if _, ok := c.connectedPeers[pid]; ok {
		log.Debugf("Closing duplicate stream from peer %s", pid)
		if err := message.NewEncoder(stream).Encode(&message.Disconnect{Reason: message.ReasonDuplicatePeer}); err != nil {
			log.Debugf("Error sending disconnect to peer %s: %s", pid, err.Error())
		}
		stream.Close()
		return
	}

	childCtx, cancel := context.WithCancel(ctx)
	peerConn := &peerConnectionContext{
		peer: NewPeerConnection(
			pid,
			stream,
			NewPeerSyncState(c.clock, c.peerOpts, c.fetchOpts),
			c.clock,
			c.handlers,
			rpc.NewPeerRPC(c.client, pid),
			c.peerErrorChan,
			c.peerOpts,
		),
		conn:   stream.Conn(),
		cancel: cancel,
	}

	peerConn.peer.Start(childCtx)
	c.connectedPeers[pid] = peerConn

	go func() {
		select {
		case <-peerConn.peer.Done():
			select {
			case c.peerClosedChan <- peerConn.peer:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()

	log.Infof("Opened inventory stream with peer %s", pid)
}

func (c *ConnectionManager) handlePeerClosed(peerConn *PeerConnection) {
	if current, ok := c.connectedPeers[peerConn.ID()]; ok && current.peer == peerConn {
		current.cancel()
		delete(c.connectedPeers, peerConn.ID())
		log.Infof("Closed inventory stream with peer %s", peerConn.ID())
	}
}

func (c *ConnectionManager) handleDisconnected(msg connectionMessage) {
	pid := msg.conn.RemotePeer()

	if peerConn, ok := c.connectedPeers[pid]; ok && peerConn.conn == msg.conn {
		peerConn.cancel()
		delete(c.connectedPeers, pid)
	} else {
		return
	}

	s := fmt.Sprintf("%s/p2p/%s", msg.conn.RemoteMultiaddr(), msg.conn.RemotePeer())
	log.Debugf("Disconnected from peer: %s", s)
}

func (c *ConnectionManager) handleDisconnectPeer(id peer.ID) {
	log.Infof("Disconnecting from peer %s, too many errors", id)

	peerConn, ok := c.connectedPeers[id]
	if !ok {
		c.host.Network().ClosePeer(id)
		return
	}

	peerConn.peer.Disconnect(message.ReasonTooManyErrors)
	go func() {
		<-peerConn.peer.Done()
		c.host.Network().ClosePeer(id)
	}()
}

func (c *ConnectionManager) handleGetPeerAddress(msg *peerAddressMessage) {
	var addr multiaddr.Multiaddr
	if peer, ok := c.connectedPeers[msg.id]; ok {
		addr = peer.conn.RemoteMultiaddr()
	}

	msg.returnChan <- addr
}

func (c *ConnectionManager) handlePeers(msg *peersMessage) {
	peers := make([]Peer, 0, len(c.connectedPeers))
	for _, peerConn := range c.connectedPeers {
		peers = append(peers, peerConn.peer)
	}

	msg.returnChan <- peers
}

func (c *ConnectionManager) handleIsConnected(msg *isConnectedMessage) {
	_, connected := c.connectedPeers[msg.id]
	msg.returnChan <- connected
}

func (c *ConnectionManager) connectInitialPeers(ctx context.Context) {
	for {
		for peer, addr := range c.initialPeers {
			if c.host.Network().Connectedness(peer) != network.Connected {
				log.Infof("Attempting to connect to seed %v", peer)
				if err := c.host.Connect(ctx, addr); err != nil {
					log.Infof("Error connecting to seed %v: %s", peer, err)
				}
			}
		}

		select {
		case <-c.clock.After(c.opts.ReconnectInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (c *ConnectionManager) managerLoop(ctx context.Context) {
	for {
		select {
		case connMsg := <-c.peerConnectedChan:
			c.handleConnected(ctx, connMsg)
		case connMsg := <-c.peerDisconnectedChan:
			c.handleDisconnected(connMsg)
		case stream := <-c.peerStreamChan:
			c.handleStream(ctx, stream)
		case peerConn := <-c.peerClosedChan:
			c.handlePeerClosed(peerConn)
		case id := <-c.disconnectPeerChan:
			c.handleDisconnectPeer(id)
		case peerAddrMsg := <-c.peerAddressChan:
			c.handleGetPeerAddress(peerAddrMsg)
		case peersMsg := <-c.peersChan:
			c.handlePeers(peersMsg)
		case isConnectedMsg := <-c.isConnectedChan:
			c.handleIsConnected(isConnectedMsg)

		case <-ctx.Done():
			for _, conn := range c.connectedPeers {
				conn.cancel()
			}

			c.connectedPeers = make(map[peer.ID]*peerConnectionContext)
			return
		}
	}
}

// Start the connection manager
func (c *ConnectionManager) Start(ctx context.Context) {
	c.ctx = ctx

	c.host.SetStreamHandler(InvSyncProtocolID, func(s network.Stream) {
		if !c.checkProtocolVersion(ctx, s.Conn().RemotePeer()) {
			s.Reset()
			return
		}

		select {
		case c.peerStreamChan <- s:
		case <-ctx.Done():
			s.Reset()
		}
	})

	c.host.Network().Notify(c)

	go c.managerLoop(ctx)

	go func() {
		for _, peer := range c.host.Network().Peers() {
			conns := c.host.Network().ConnsToPeer(peer)
			if len(conns) > 0 {
				c.Connected(c.host.Network(), conns[0])
			}
		}

		c.connectInitialPeers(ctx)
	}()
}
