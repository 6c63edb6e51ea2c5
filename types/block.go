package types

import (
	"errors"
	"fmt"
)

const (
	// NullBlockID is the previous block id of a genesis block. Sent as the
	// last known block id it asks the source to deliver from genesis.
	NullBlockID BlockID = "0000000000000000"

	// MinBlockIDLength and MaxBlockIDLength bound the hex encoded length of a
	// block id.
	MinBlockIDLength = 16
	MaxBlockIDLength = 128
)

// BlockID is the opaque, source assigned identity of a block, encoded as
// lowercase hex.
type BlockID string

func (id BlockID) String() string { return string(id) }

// IsNull reports whether id is the genesis sentinel.
func (id BlockID) IsNull() bool { return id == NullBlockID }

// Short returns an abbreviated id for log lines.
func (id BlockID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// ValidateBasic performs stateless validation of the id encoding.
func (id BlockID) ValidateBasic() error {
	if len(id) < MinBlockIDLength || len(id) > MaxBlockIDLength {
		return fmt.Errorf("block id length %d out of range [%d, %d]",
			len(id), MinBlockIDLength, MaxBlockIDLength)
	}
	if err := validateHex(string(id)); err != nil {
		return fmt.Errorf("block id %q: %w", string(id), err)
	}
	return nil
}

// BlockHeader identifies a block and its position in the chain. Headers are
// immutable values.
type BlockHeader struct {
	ID         BlockID `cbor:"1,keyasint"`
	Num        uint64  `cbor:"2,keyasint"`
	PreviousID BlockID `cbor:"3,keyasint"`
	StateRoot  string  `cbor:"4,keyasint"`
}

// IsGenesis reports whether the header has no parent.
func (h BlockHeader) IsGenesis() bool { return h.PreviousID.IsNull() }

func (h BlockHeader) String() string {
	return fmt.Sprintf("Block{#%d %s prev:%s}", h.Num, h.ID.Short(), h.PreviousID.Short())
}

// ValidateBasic performs stateless validation of the header fields.
func (h BlockHeader) ValidateBasic() error {
	if err := h.ID.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	if h.ID.IsNull() {
		return errors.New("block id is the null sentinel")
	}
	if err := h.PreviousID.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid previous id: %w", err)
	}
	if h.PreviousID == h.ID {
		return errors.New("block is its own parent")
	}
	if h.StateRoot == "" {
		return errors.New("missing state root")
	}
	if err := validateHex(h.StateRoot); err != nil {
		return fmt.Errorf("invalid state root: %w", err)
	}
	return nil
}

// CommittedBlock is a decoded block together with its ordered state changes.
type CommittedBlock struct {
	Header  BlockHeader
	Changes []StateChange
}

// ValidateBasic validates the header and every change.
func (b CommittedBlock) ValidateBasic() error {
	if err := b.Header.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	for i, c := range b.Changes {
		if err := c.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid state change #%d: %w", i, err)
		}
	}
	return nil
}

// ChainRecord is the locally persisted view of an applied block. Height is
// the position in the local chain: 0 for genesis, parent height + 1 otherwise.
type ChainRecord struct {
	Header BlockHeader `cbor:"1,keyasint"`
	Height uint64      `cbor:"2,keyasint"`
}

// validateHex accepts only lowercase, even length hex.
func validateHex(s string) error {
	if len(s)%2 != 0 {
		return errors.New("odd hex length")
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("invalid hex character %q at %d", c, i)
		}
	}
	return nil
}
