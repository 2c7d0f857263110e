package message

import (
	"fmt"

	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-proto-golang/koinos/protocol"
	"google.golang.org/protobuf/proto"
)

// Type identifies the concrete message carried in an envelope
type Type uint8

// Message types
const (
	TypeInventory Type = iota + 1
	TypeFetchInvData
	TypeBlock
	TypeTransaction
	TypeTransactions
	TypeSyncBlockChain
	TypeChainInventory
	TypeDisconnect
)

func (t Type) String() string {
	switch t {
	case TypeInventory:
		return "Inventory"
	case TypeFetchInvData:
		return "FetchInvData"
	case TypeBlock:
		return "Block"
	case TypeTransaction:
		return "Transaction"
	case TypeTransactions:
		return "Transactions"
	case TypeSyncBlockChain:
		return "SyncBlockChain"
	case TypeChainInventory:
		return "ChainInventory"
	case TypeDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// ReasonCode explains why a connection is terminated
type ReasonCode uint32

// Disconnect reasons
const (
	ReasonUnknown ReasonCode = iota
	ReasonRequested
	ReasonBadProtocol
	ReasonFetchFail
	ReasonTooManyErrors
	ReasonDuplicatePeer
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonBadProtocol:
		return "bad protocol"
	case ReasonFetchFail:
		return "fetch fail"
	case ReasonTooManyErrors:
		return "too many errors"
	case ReasonDuplicatePeer:
		return "duplicate peer"
	default:
		return "unknown"
	}
}

// Message is implemented by every protocol message
type Message interface {
	Type() Type
}

// Inventory advertises items held by the sender
type Inventory struct {
	InvType inventory.Type   `cbor:"1,keyasint"`
	Hashes  []inventory.Hash `cbor:"2,keyasint"`
}

// Type implements Message
func (*Inventory) Type() Type { return TypeInventory }

// FetchInvData requests the payloads of previously announced items
type FetchInvData struct {
	InvType inventory.Type   `cbor:"1,keyasint"`
	Hashes  []inventory.Hash `cbor:"2,keyasint"`
}

// Type implements Message
func (*FetchInvData) Type() Type { return TypeFetchInvData }

// Items returns the requested hashes as inventory items, in request order
func (m *FetchInvData) Items() []inventory.Item {
	items := make([]inventory.Item, len(m.Hashes))
	for i, h := range m.Hashes {
		items[i] = inventory.NewItem(h, m.InvType)
	}
	return items
}

// Block carries one block
type Block struct {
	ID    inventory.BlockID
	Block *protocol.Block
}

// Type implements Message
func (*Block) Type() Type { return TypeBlock }

// NewBlock wraps a koinos block, deriving its BlockID
func NewBlock(block *protocol.Block) (*Block, error) {
	id, err := inventory.BlockIDFromBlock(block)
	if err != nil {
		return nil, err
	}

	return &Block{ID: id, Block: block}, nil
}

// Transaction carries one transaction. It is what caches and stores resolve for
// a transaction item; peers receive transactions in Transactions batches.
type Transaction struct {
	Hash        inventory.Hash
	Transaction *protocol.Transaction
}

// Type implements Message
func (*Transaction) Type() Type { return TypeTransaction }

// Size returns the serialized size of the transaction
func (m *Transaction) Size() int {
	return proto.Size(m.Transaction)
}

// NewTransaction wraps a koinos transaction, deriving its hash
func NewTransaction(trx *protocol.Transaction) (*Transaction, error) {
	h, err := inventory.TransactionHash(trx)
	if err != nil {
		return nil, err
	}

	return &Transaction{Hash: h, Transaction: trx}, nil
}

// Transactions carries a batch of transactions
type Transactions struct {
	Transactions []*protocol.Transaction
}

// Type implements Message
func (*Transactions) Type() Type { return TypeTransactions }

// SyncBlockChain asks the receiver for the main chain ids following the
// highest summary id the receiver holds. Ids are in ascending order.
type SyncBlockChain struct {
	BlockIDs []inventory.BlockID `cbor:"1,keyasint"`
}

// Type implements Message
func (*SyncBlockChain) Type() Type { return TypeSyncBlockChain }

// ChainInventory answers SyncBlockChain. The first id is the common block.
type ChainInventory struct {
	BlockIDs  []inventory.BlockID `cbor:"1,keyasint"`
	RemainNum uint64              `cbor:"2,keyasint"`
}

// Type implements Message
func (*ChainInventory) Type() Type { return TypeChainInventory }

// Disconnect tells the peer why the connection is being closed
type Disconnect struct {
	Reason ReasonCode `cbor:"1,keyasint"`
}

// Type implements Message
func (*Disconnect) Type() Type { return TypeDisconnect }
