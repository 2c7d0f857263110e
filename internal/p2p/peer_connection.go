package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/koinos/koinos-invsync/internal/message"
	"github.com/koinos/koinos-invsync/internal/options"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	"github.com/koinos/koinos-invsync/internal/rpc"
	log "github.com/koinos/koinos-log-golang"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer is a connected remote node as seen by the message handlers
type Peer interface {
	ID() peer.ID
	State() *PeerSyncState
	SendMessage(msg message.Message)
	TrySendMessage(msg message.Message) bool
	Disconnect(reason message.ReasonCode)
}

// Handlers process the messages received from peers
type Handlers struct {
	Fetch     *FetchInvDataHandler
	Inventory *InventoryHandler
	Sync      *SyncHandler
}

func (h *Handlers) dispatch(ctx context.Context, p Peer, msg message.Message) error {
	switch m := msg.(type) {
	case *message.Inventory:
		return h.Inventory.HandleInventory(ctx, p, m)
	case *message.FetchInvData:
		return h.Fetch.HandleFetchInvData(ctx, p, m)
	case *message.Block:
		return h.Inventory.HandleBlock(ctx, p, m)
	case *message.Transaction:
		return h.Inventory.HandleTransaction(ctx, p, m)
	case *message.Transactions:
		return h.Inventory.HandleTransactions(ctx, p, m)
	case *message.SyncBlockChain:
		return h.Sync.HandleSyncBlockChain(ctx, p, m)
	case *message.ChainInventory:
		return h.Sync.HandleChainInventory(ctx, p, m)
	default:
		return fmt.Errorf("%w, unexpected %s message", p2perrors.ErrBadMessage, msg.Type())
	}
}

// PeerConnection handles the message stream to a peer
type PeerConnection struct {
	id     peer.ID
	stream io.ReadWriteCloser
	state  *PeerSyncState
	clock  clock.Clock
	opts   *options.PeerConnectionOptions

	handlers      *Handlers
	peerRPC       rpc.RemoteRPC
	peerErrorChan chan<- PeerError

	sendChan  chan message.Message
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	reason    message.ReasonCode
	notify    bool
}

// ID returns the peer's id
func (p *PeerConnection) ID() peer.ID {
	return p.id
}

// State returns the sync state of the connection
func (p *PeerConnection) State() *PeerSyncState {
	return p.state
}

// SendMessage queues msg for the peer. Messages sent after the connection
// closed are dropped.
func (p *PeerConnection) SendMessage(msg message.Message) {
	select {
	case p.sendChan <- msg:
	case <-p.closed:
	}
}

// TrySendMessage queues msg only if the send queue has room. Returns whether
// msg was queued.
func (p *PeerConnection) TrySendMessage(msg message.Message) bool {
	select {
	case <-p.closed:
		return false
	default:
	}

	select {
	case p.sendChan <- msg:
		return true
	default:
		return false
	}
}

// Disconnect closes the connection, telling the peer why
func (p *PeerConnection) Disconnect(reason message.ReasonCode) {
	p.close(reason, true)
}

// Done is closed once the connection has shut down
func (p *PeerConnection) Done() <-chan struct{} {
	return p.done
}

func (p *PeerConnection) close(reason message.ReasonCode, notify bool) {
	p.closeOnce.Do(func() {
		p.reason = reason
		p.notify = notify
		close(p.closed)
	})
}

func (p *PeerConnection) reportError(ctx context.Context, err error) {
	select {
	case p.peerErrorChan <- PeerError{id: p.id, err: err}:
	case <-ctx.Done():
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// setWriteDeadline bounds the next write by WriteTimeout when the stream supports deadlines
func (p *PeerConnection) setWriteDeadline() {
	if p.opts.WriteTimeout <= 0 {
		return
	}

	if d, ok := p.stream.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout)); err != nil {
			log.Debugf("Error setting write deadline for peer %s: %s", p.id, err.Error())
		}
	}
}

func (p *PeerConnection) writeLoop(ctx context.Context) {
	defer close(p.done)
	encoder := message.NewEncoder(p.stream)

	for {
		select {
		case msg := <-p.sendChan:
			p.setWriteDeadline()
			if err := encoder.Encode(msg); err != nil {
				log.Debugf("Error writing %s to peer %s: %s", msg.Type(), p.id, err.Error())
				p.close(message.ReasonUnknown, false)
			}

		case <-p.closed:
			if p.notify {
				log.Infof("Disconnecting from peer %s: %s", p.id, p.reason)
				p.setWriteDeadline()
				if err := encoder.Encode(&message.Disconnect{Reason: p.reason}); err != nil {
					log.Debugf("Error sending disconnect to peer %s: %s", p.id, err.Error())
				}
			}
			p.stream.Close()
			return

		case <-ctx.Done():
			p.close(message.ReasonRequested, true)
		}
	}
}

func (p *PeerConnection) readLoop(ctx context.Context) {
	decoder := message.NewDecoder(p.stream)

	for {
		msg, err := decoder.Decode()
		if err != nil {
			select {
			case <-p.closed:
				return
			default:
			}

			if errors.Is(err, p2perrors.ErrDeserialization) {
				p.reportError(ctx, err)
				p.Disconnect(message.ReasonBadProtocol)
			} else {
				log.Debugf("Stream from peer %s closed: %s", p.id, err.Error())
				p.close(message.ReasonUnknown, false)
			}
			return
		}

		if d, ok := msg.(*message.Disconnect); ok {
			log.Infof("Peer %s disconnected: %s", p.id, d.Reason)
			p.close(d.Reason, false)
			return
		}

		if err := p.handlers.dispatch(ctx, p, msg); err != nil {
			// Failed fetches already disconnected the peer
			if !errors.Is(err, p2perrors.ErrFetchFail) {
				p.reportError(ctx, err)
			}
		}
	}
}

func (p *PeerConnection) handshake(ctx context.Context) error {
	rpcContext, cancel := context.WithTimeout(ctx, p.opts.RemoteRPCTimeout)
	defer cancel()

	headID, height, err := p.peerRPC.GetHeadBlock(rpcContext)
	if err != nil {
		return err
	}

	return p.handlers.Sync.HandlePeerHead(ctx, p, headID, height)
}

// Start the connection's stream loops and the handshake
func (p *PeerConnection) Start(ctx context.Context) {
	go p.writeLoop(ctx)
	go p.readLoop(ctx)

	go func() {
		for {
			// Does the handshake in a loop until we are successful
			// or the connection is closed, sleeping between attempts
			err := p.handshake(ctx)
			if err == nil {
				return
			}

			p.reportError(ctx, err)

			select {
			case <-p.clock.After(p.opts.HandshakeRetryTime):
			case <-p.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// NewPeerConnection creates a PeerConnection
func NewPeerConnection(
	id peer.ID,
	stream io.ReadWriteCloser,
	state *PeerSyncState,
	clk clock.Clock,
	handlers *Handlers,
	peerRPC rpc.RemoteRPC,
	peerErrorChan chan<- PeerError,
	opts *options.PeerConnectionOptions) *PeerConnection {

	return &PeerConnection{
		id:            id,
		stream:        stream,
		state:         state,
		clock:         clk,
		opts:          opts,
		handlers:      handlers,
		peerRPC:       peerRPC,
		peerErrorChan: peerErrorChan,
		sendChan:      make(chan message.Message, opts.SendQueueSize),
		closed:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}
