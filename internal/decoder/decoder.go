// Package decoder turns event source envelopes into typed messages. It holds
// no state besides its immutable options and performs no chain or projection
// logic: a decoded block is only known to be well formed, not to fit the
// local chain.
package decoder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tendermint/tm-projector/internal/eventstream"
	"github.com/tendermint/tm-projector/types"
)

// ErrMalformedEvent is wrapped by every decode and validation failure.
var ErrMalformedEvent = errors.New("malformed event")

// Message is the closed set of messages a Decoder produces.
type Message interface {
	isMessage()
}

// StateDelta carries one committed block pushed by the source.
type StateDelta struct {
	Block types.CommittedBlock
}

// Heartbeat is an empty event list. It carries no block.
type Heartbeat struct{}

// SubscribeAck is the source's answer to a subscription request.
type SubscribeAck struct {
	Status  eventstream.SubscribeStatus
	Message string
	// TipID is empty when the source did not report its tip.
	TipID  types.BlockID
	TipNum uint64
}

// BlockResponse answers a request for a single block. Block is only set when
// Status is OK.
type BlockResponse struct {
	Status eventstream.BlockStatus
	Block  types.CommittedBlock
}

// Unsubscribed acknowledges an unsubscribe request.
type Unsubscribed struct {
	Status eventstream.UnsubscribeStatus
}

func (StateDelta) isMessage()    {}
func (Heartbeat) isMessage()     {}
func (SubscribeAck) isMessage()  {}
func (BlockResponse) isMessage() {}
func (Unsubscribed) isMessage()  {}

// Decoder decodes envelopes. The zero value keeps every state change.
type Decoder struct {
	prefixes []string
}

// New returns a Decoder that keeps only the state changes whose address
// starts with one of namespacePrefixes. No prefixes keeps every change.
func New(namespacePrefixes []string) *Decoder {
	prefixes := make([]string, 0, len(namespacePrefixes))
	for _, p := range namespacePrefixes {
		prefixes = append(prefixes, strings.ToLower(p))
	}
	return &Decoder{prefixes: prefixes}
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// Decode decodes env into one of the Message types.
func (d *Decoder) Decode(env eventstream.Envelope) (Message, error) {
	switch env.MessageType {
	case eventstream.MessageTypeClientEvents:
		var list eventstream.EventList
		if err := eventstream.Decode(env.Content, &list); err != nil {
			return nil, malformed("client events: %v", err)
		}
		if len(list.Events) == 0 {
			return Heartbeat{}, nil
		}
		block, err := d.DecodeEvents(list)
		if err != nil {
			return nil, err
		}
		return StateDelta{Block: block}, nil

	case eventstream.MessageTypeSubscribeResponse:
		var resp eventstream.SubscribeResponse
		if err := eventstream.Decode(env.Content, &resp); err != nil {
			return nil, malformed("subscribe response: %v", err)
		}
		ack := SubscribeAck{
			Status:  resp.Status,
			Message: resp.ResponseMessage,
			TipID:   types.BlockID(resp.TipBlockID),
			TipNum:  resp.TipBlockNum,
		}
		if ack.TipID != "" {
			if err := ack.TipID.ValidateBasic(); err != nil {
				return nil, malformed("subscribe response tip: %v", err)
			}
		}
		return ack, nil

	case eventstream.MessageTypeBlockResponse:
		var resp eventstream.BlockResponse
		if err := eventstream.Decode(env.Content, &resp); err != nil {
			return nil, malformed("block response: %v", err)
		}
		if resp.Status != eventstream.BlockStatusOK {
			return BlockResponse{Status: resp.Status}, nil
		}
		block, err := d.DecodeEvents(resp.Events)
		if err != nil {
			return nil, err
		}
		return BlockResponse{Status: resp.Status, Block: block}, nil

	case eventstream.MessageTypeUnsubscribeResponse:
		var resp eventstream.UnsubscribeResponse
		if err := eventstream.Decode(env.Content, &resp); err != nil {
			return nil, malformed("unsubscribe response: %v", err)
		}
		return Unsubscribed{Status: resp.Status}, nil

	default:
		return nil, malformed("unexpected message type %v", env.MessageType)
	}
}

// DecodeEvents builds the block described by list: exactly one block-commit
// event plus any number of state-delta events, applied in list order.
func (d *Decoder) DecodeEvents(list eventstream.EventList) (types.CommittedBlock, error) {
	var (
		header  *types.BlockHeader
		changes []types.StateChange
	)
	for i, ev := range list.Events {
		switch ev.EventType {
		case eventstream.EventTypeBlockCommit:
			if header != nil {
				return types.CommittedBlock{}, malformed("more than one block-commit event")
			}
			h, err := decodeHeader(ev)
			if err != nil {
				return types.CommittedBlock{}, err
			}
			header = &h

		case eventstream.EventTypeStateDelta:
			var scl eventstream.StateChangeList
			if err := eventstream.Decode(ev.Data, &scl); err != nil {
				return types.CommittedBlock{}, malformed("state-delta event #%d: %v", i, err)
			}
			for _, sc := range scl.StateChanges {
				change, err := decodeChange(sc)
				if err != nil {
					return types.CommittedBlock{}, err
				}
				if d.keep(change.Address) {
					changes = append(changes, change)
				}
			}

		default:
			// the source may publish event types we do not subscribe to
			continue
		}
	}

	if header == nil {
		return types.CommittedBlock{}, malformed("no block-commit event")
	}

	block := types.CommittedBlock{Header: *header, Changes: changes}
	if err := block.ValidateBasic(); err != nil {
		return types.CommittedBlock{}, malformed("block %s: %v", header.ID.Short(), err)
	}
	return block, nil
}

func (d *Decoder) keep(address string) bool {
	if len(d.prefixes) == 0 {
		return true
	}
	for _, p := range d.prefixes {
		if strings.HasPrefix(address, p) {
			return true
		}
	}
	return false
}

func decodeHeader(ev eventstream.Event) (types.BlockHeader, error) {
	attr := func(key string) (string, error) {
		v, ok := ev.Attr(key)
		if !ok {
			return "", malformed("block-commit event without %s", key)
		}
		return v, nil
	}

	id, err := attr(eventstream.AttrBlockID)
	if err != nil {
		return types.BlockHeader{}, err
	}
	numStr, err := attr(eventstream.AttrBlockNum)
	if err != nil {
		return types.BlockHeader{}, err
	}
	prev, err := attr(eventstream.AttrPreviousBlockID)
	if err != nil {
		return types.BlockHeader{}, err
	}
	root, err := attr(eventstream.AttrStateRootHash)
	if err != nil {
		return types.BlockHeader{}, err
	}

	num, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return types.BlockHeader{}, malformed("block_num %q: %v", numStr, err)
	}

	h := types.BlockHeader{
		ID:         types.BlockID(id),
		Num:        num,
		PreviousID: types.BlockID(prev),
		StateRoot:  root,
	}
	if err := h.ValidateBasic(); err != nil {
		return types.BlockHeader{}, malformed("block-commit: %v", err)
	}
	return h, nil
}

func decodeChange(sc eventstream.StateChange) (types.StateChange, error) {
	var op types.ChangeOp
	switch sc.Type {
	case eventstream.StateChangeSet:
		op = types.OpSet
	case eventstream.StateChangeDelete:
		op = types.OpDelete
	default:
		return types.StateChange{}, malformed("state change type %d for %s", sc.Type, sc.Address)
	}

	change := types.StateChange{Address: sc.Address, Op: op}
	if op == types.OpSet {
		change.Value = sc.Value
		if change.Value == nil {
			change.Value = []byte{}
		}
	}
	if err := change.ValidateBasic(); err != nil {
		return types.StateChange{}, malformed("state change: %v", err)
	}
	return change, nil
}
