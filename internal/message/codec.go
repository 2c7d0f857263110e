package message

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/koinos/koinos-invsync/internal/inventory"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	"github.com/koinos/koinos-proto-golang/koinos/protocol"
	"google.golang.org/protobuf/proto"
)

type envelope struct {
	Type    Type            `cbor:"1,keyasint"`
	Payload cbor.RawMessage `cbor:"2,keyasint"`
}

// Block and transaction payloads travel as protobuf bytes inside the cbor envelope
type wireBlock struct {
	Block []byte `cbor:"1,keyasint"`
}

type wireTransaction struct {
	Transaction []byte `cbor:"1,keyasint"`
}

type wireTransactions struct {
	Transactions [][]byte `cbor:"1,keyasint"`
}

// Encoder writes messages to a stream
type Encoder struct {
	enc *cbor.Encoder
}

// NewEncoder creates an Encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: cbor.NewEncoder(w)}
}

// Encode writes one message
func (e *Encoder) Encode(msg Message) error {
	payload, err := marshalPayload(msg)
	if err != nil {
		return err
	}

	return e.enc.Encode(envelope{Type: msg.Type(), Payload: payload})
}

// Decoder reads messages from a stream
type Decoder struct {
	dec *cbor.Decoder
}

// NewDecoder creates a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: cbor.NewDecoder(r)}
}

// Decode reads the next message and resolves its concrete type. Stream errors
// are returned as is, malformed input wraps ErrDeserialization.
func (d *Decoder) Decode() (Message, error) {
	var env envelope
	if err := d.dec.Decode(&env); err != nil {
		var syntaxErr *cbor.SyntaxError
		var typeErr *cbor.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w, %s", p2perrors.ErrDeserialization, err.Error())
		}
		return nil, err
	}

	return unmarshalPayload(env)
}

func marshalPayload(msg Message) ([]byte, error) {
	var v interface{}

	switch m := msg.(type) {
	case *Block:
		b, err := proto.Marshal(m.Block)
		if err != nil {
			return nil, fmt.Errorf("%w, %s", p2perrors.ErrSerialization, err.Error())
		}
		v = wireBlock{Block: b}
	case *Transaction:
		b, err := proto.Marshal(m.Transaction)
		if err != nil {
			return nil, fmt.Errorf("%w, %s", p2perrors.ErrSerialization, err.Error())
		}
		v = wireTransaction{Transaction: b}
	case *Transactions:
		wire := wireTransactions{Transactions: make([][]byte, len(m.Transactions))}
		for i, trx := range m.Transactions {
			b, err := proto.Marshal(trx)
			if err != nil {
				return nil, fmt.Errorf("%w, %s", p2perrors.ErrSerialization, err.Error())
			}
			wire.Transactions[i] = b
		}
		v = wire
	case *Inventory, *FetchInvData, *SyncBlockChain, *ChainInventory, *Disconnect:
		v = m
	default:
		return nil, fmt.Errorf("%w, unknown message type %T", p2perrors.ErrSerialization, msg)
	}

	payload, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w, %s", p2perrors.ErrSerialization, err.Error())
	}

	return payload, nil
}

func unmarshalPayload(env envelope) (Message, error) {
	var msg Message
	var err error

	switch env.Type {
	case TypeInventory:
		m := &Inventory{}
		err = unmarshalInventory(env.Payload, &m.InvType, m)
		msg = m
	case TypeFetchInvData:
		m := &FetchInvData{}
		err = unmarshalInventory(env.Payload, &m.InvType, m)
		msg = m
	case TypeBlock:
		msg, err = unmarshalBlock(env.Payload)
	case TypeTransaction:
		msg, err = unmarshalTransaction(env.Payload)
	case TypeTransactions:
		msg, err = unmarshalTransactions(env.Payload)
	case TypeSyncBlockChain:
		m := &SyncBlockChain{}
		err = cbor.Unmarshal(env.Payload, m)
		msg = m
	case TypeChainInventory:
		m := &ChainInventory{}
		err = cbor.Unmarshal(env.Payload, m)
		msg = m
	case TypeDisconnect:
		m := &Disconnect{}
		err = cbor.Unmarshal(env.Payload, m)
		msg = m
	default:
		return nil, fmt.Errorf("%w, unknown message type %d", p2perrors.ErrDeserialization, env.Type)
	}

	if err != nil {
		if errors.Is(err, p2perrors.ErrDeserialization) {
			return nil, err
		}
		return nil, fmt.Errorf("%w, %s: %s", p2perrors.ErrDeserialization, env.Type, err.Error())
	}

	return msg, nil
}

func unmarshalInventory(payload []byte, invType *inventory.Type, v interface{}) error {
	if err := cbor.Unmarshal(payload, v); err != nil {
		return err
	}

	if !invType.Valid() {
		return fmt.Errorf("%w, invalid inventory type %d", p2perrors.ErrDeserialization, *invType)
	}

	return nil
}

func unmarshalBlock(payload []byte) (Message, error) {
	var wire wireBlock
	if err := cbor.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}

	block := &protocol.Block{}
	if err := proto.Unmarshal(wire.Block, block); err != nil {
		return nil, err
	}

	return NewBlock(block)
}

func unmarshalTransaction(payload []byte) (Message, error) {
	var wire wireTransaction
	if err := cbor.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}

	trx := &protocol.Transaction{}
	if err := proto.Unmarshal(wire.Transaction, trx); err != nil {
		return nil, err
	}

	return NewTransaction(trx)
}

func unmarshalTransactions(payload []byte) (Message, error) {
	var wire wireTransactions
	if err := cbor.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}

	m := &Transactions{Transactions: make([]*protocol.Transaction, len(wire.Transactions))}
	for i, b := range wire.Transactions {
		trx := &protocol.Transaction{}
		if err := proto.Unmarshal(b, trx); err != nil {
			return nil, err
		}
		m.Transactions[i] = trx
	}

	return m, nil
}
