package types

import (
	"errors"
	"fmt"
)

const (
	// MaxAddressLength is the maximum hex length of a state address.
	MaxAddressLength = 256
	// MaxValueSize is the maximum size in bytes of a state value.
	MaxValueSize = 4 << 20
)

// ChangeOp is the kind of a state change.
type ChangeOp uint8

const (
	OpSet    ChangeOp = 1
	OpDelete ChangeOp = 2
)

func (op ChangeOp) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("ChangeOp(%d)", uint8(op))
	}
}

// StateChange is a single mutation of one address.
type StateChange struct {
	Address string
	Value   []byte
	Op      ChangeOp
}

// ValidateBasic checks the address encoding and value bounds.
func (c StateChange) ValidateBasic() error {
	if c.Address == "" {
		return errors.New("empty address")
	}
	if len(c.Address) > MaxAddressLength {
		return fmt.Errorf("address length %d exceeds %d", len(c.Address), MaxAddressLength)
	}
	if err := validateHex(c.Address); err != nil {
		return fmt.Errorf("address %q: %w", c.Address, err)
	}
	switch c.Op {
	case OpSet:
		if len(c.Value) > MaxValueSize {
			return fmt.Errorf("value size %d exceeds %d", len(c.Value), MaxValueSize)
		}
	case OpDelete:
	default:
		return fmt.Errorf("unknown op %v", c.Op)
	}
	return nil
}

// Entry is one row of the projection.
type Entry struct {
	Address string  `cbor:"1,keyasint"`
	Value   []byte  `cbor:"2,keyasint"`
	BlockID BlockID `cbor:"3,keyasint"` // block that last wrote the entry
}

// InverseOp undoes one state change. When Existed is false the address did
// not exist before the change and undoing it deletes the address.
type InverseOp struct {
	Address string  `cbor:"1,keyasint"`
	Value   []byte  `cbor:"2,keyasint"`
	BlockID BlockID `cbor:"3,keyasint,omitempty"`
	Existed bool    `cbor:"4,keyasint"`
}
