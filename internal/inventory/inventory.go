package inventory

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
	"github.com/koinos/koinos-proto-golang/koinos/protocol"
	"github.com/multiformats/go-multihash"
)

// HashSize is the length in bytes of an inventory digest
const HashSize = 32

// blockNumSize is the number of leading bytes of a BlockID holding the block number
const blockNumSize = 8

// Hash is the digest identifying a block or a transaction
type Hash [HashSize]byte

// String returns the hex encoding of the hash
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HashFromBytes copies a digest into a Hash, failing on a length mismatch
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w, digest length %d, expected %d", p2perrors.ErrDeserialization, len(b), HashSize)
	}

	copy(h[:], b)
	return h, nil
}

// UnmarshalCBOR decodes a byte string digest, rejecting any other length
func (h *Hash) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("%w, %s", p2perrors.ErrDeserialization, err.Error())
	}

	decoded, err := HashFromBytes(b)
	if err != nil {
		return err
	}

	*h = decoded
	return nil
}

// Type is the kind of an inventory item
type Type uint8

// Inventory item types
const (
	Block Type = iota + 1
	Transaction
)

func (t Type) String() string {
	switch t {
	case Block:
		return "block"
	case Transaction:
		return "transaction"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid returns whether t is a known inventory type
func (t Type) Valid() bool {
	return t == Block || t == Transaction
}

// Item identifies one block or transaction. It is comparable and used as a map key.
type Item struct {
	Hash Hash
	Type Type
}

// NewItem creates an Item
func NewItem(hash Hash, t Type) Item {
	return Item{Hash: hash, Type: t}
}

func (i Item) String() string {
	return fmt.Sprintf("%s %s", i.Type, i.Hash)
}

// BlockID is a block hash whose leading 8 bytes hold the big-endian block number
type BlockID Hash

// NewBlockID builds a BlockID from a block number and a block digest.
// The leading bytes of the digest are replaced by the number.
func NewBlockID(num uint64, digest Hash) BlockID {
	id := BlockID(digest)
	binary.BigEndian.PutUint64(id[:blockNumSize], num)
	return id
}

// Num returns the block number encoded in the id
func (b BlockID) Num() uint64 {
	return binary.BigEndian.Uint64(b[:blockNumSize])
}

// Hash returns the id as an inventory hash
func (b BlockID) Hash() Hash {
	return Hash(b)
}

// UnmarshalCBOR decodes a byte string block id, rejecting any other length
func (b *BlockID) UnmarshalCBOR(data []byte) error {
	return (*Hash)(b).UnmarshalCBOR(data)
}

// IsZero returns whether the id is unset
func (b BlockID) IsZero() bool {
	return b == BlockID{}
}

func (b BlockID) String() string {
	return fmt.Sprintf("Num: %d, ID: %s", b.Num(), Hash(b))
}

// BlockIDFromBlock derives the BlockID of a koinos block from its multihash id and height
func BlockIDFromBlock(block *protocol.Block) (BlockID, error) {
	if block == nil || block.Header == nil {
		return BlockID{}, fmt.Errorf("%w, block missing header", p2perrors.ErrDeserialization)
	}

	return BlockIDFromMultihash(block.Header.Height, block.Id)
}

// BlockIDFromMultihash derives the BlockID of the block at height num with the given multihash id
func BlockIDFromMultihash(num uint64, id []byte) (BlockID, error) {
	digest, err := digestOf(id)
	if err != nil {
		return BlockID{}, err
	}

	return NewBlockID(num, digest), nil
}

// TransactionHash derives the inventory hash of a koinos transaction from its multihash id
func TransactionHash(trx *protocol.Transaction) (Hash, error) {
	if trx == nil {
		return Hash{}, fmt.Errorf("%w, nil transaction", p2perrors.ErrDeserialization)
	}

	return digestOf(trx.Id)
}

func digestOf(id []byte) (Hash, error) {
	mh, err := multihash.Decode(id)
	if err != nil {
		return Hash{}, fmt.Errorf("%w, %s", p2perrors.ErrDeserialization, err.Error())
	}

	return HashFromBytes(mh.Digest)
}
