package eventstream

import "fmt"

// MessageType tags the payload carried by an Envelope.
type MessageType uint8

const (
	MessageTypeSubscribeRequest    MessageType = 1
	MessageTypeSubscribeResponse   MessageType = 2
	MessageTypeUnsubscribeRequest  MessageType = 3
	MessageTypeUnsubscribeResponse MessageType = 4
	MessageTypeClientEvents        MessageType = 5
	MessageTypeBlockRequest        MessageType = 6
	MessageTypeBlockResponse       MessageType = 7
)

var messageTypeNames = map[MessageType]string{
	MessageTypeSubscribeRequest:    "SubscribeRequest",
	MessageTypeSubscribeResponse:   "SubscribeResponse",
	MessageTypeUnsubscribeRequest:  "UnsubscribeRequest",
	MessageTypeUnsubscribeResponse: "UnsubscribeResponse",
	MessageTypeClientEvents:        "ClientEvents",
	MessageTypeBlockRequest:        "BlockRequest",
	MessageTypeBlockResponse:       "BlockResponse",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Envelope is the unit of transport: one per binary websocket frame.
// Responses echo the correlation id of their request; pushed events carry
// an empty one.
type Envelope struct {
	_             struct{} `cbor:",toarray"`
	MessageType   MessageType
	CorrelationID string
	Content       []byte
}

// Event types emitted by the validator.
const (
	EventTypeBlockCommit = "block-commit"
	EventTypeStateDelta  = "state-delta"
)

// Attribute keys of a block-commit event.
const (
	AttrBlockID         = "block_id"
	AttrBlockNum        = "block_num"
	AttrPreviousBlockID = "previous_block_id"
	AttrStateRootHash   = "state_root_hash"
)

// FilterType selects how an EventFilter matches attribute values.
type FilterType uint8

const (
	FilterSimpleAny FilterType = 1
	FilterSimpleAll FilterType = 2
	FilterRegexAny  FilterType = 3
	FilterRegexAll  FilterType = 4
)

type EventFilter struct {
	_           struct{} `cbor:",toarray"`
	Key         string
	MatchString string
	FilterType  FilterType
}

type EventSubscription struct {
	_         struct{} `cbor:",toarray"`
	EventType string
	Filters   []EventFilter
}

// SubscribeRequest asks the source to push events starting after the most
// recent block in LastKnownBlockIDs that it recognizes. Ids are ordered most
// recent first.
type SubscribeRequest struct {
	_                 struct{} `cbor:",toarray"`
	Subscriptions     []EventSubscription
	LastKnownBlockIDs []string
}

type SubscribeStatus uint8

const (
	SubscribeStatusOK            SubscribeStatus = 1
	SubscribeStatusInvalidFilter SubscribeStatus = 2
	SubscribeStatusInternalError SubscribeStatus = 3
	SubscribeStatusUnknownBlock  SubscribeStatus = 4
)

func (s SubscribeStatus) String() string {
	switch s {
	case SubscribeStatusOK:
		return "OK"
	case SubscribeStatusInvalidFilter:
		return "INVALID_FILTER"
	case SubscribeStatusInternalError:
		return "INTERNAL_ERROR"
	case SubscribeStatusUnknownBlock:
		return "UNKNOWN_BLOCK"
	default:
		return fmt.Sprintf("SubscribeStatus(%d)", uint8(s))
	}
}

// SubscribeResponse reports the outcome of a subscription along with the
// source's chain tip at the time it was accepted.
type SubscribeResponse struct {
	_               struct{} `cbor:",toarray"`
	Status          SubscribeStatus
	ResponseMessage string
	TipBlockID      string
	TipBlockNum     uint64
}

type UnsubscribeRequest struct {
	_ struct{} `cbor:",toarray"`
}

type UnsubscribeStatus uint8

const (
	UnsubscribeStatusOK            UnsubscribeStatus = 1
	UnsubscribeStatusInternalError UnsubscribeStatus = 2
)

type UnsubscribeResponse struct {
	_      struct{} `cbor:",toarray"`
	Status UnsubscribeStatus
}

type Attribute struct {
	_     struct{} `cbor:",toarray"`
	Key   string
	Value string
}

type Event struct {
	_          struct{} `cbor:",toarray"`
	EventType  string
	Attributes []Attribute
	Data       []byte
}

// Attr returns the value of the first attribute named key.
func (e Event) Attr(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// EventList is the content of a ClientEvents message. An empty list is a
// heartbeat.
type EventList struct {
	_      struct{} `cbor:",toarray"`
	Events []Event
}

type StateChangeType uint8

const (
	StateChangeSet    StateChangeType = 1
	StateChangeDelete StateChangeType = 2
)

type StateChange struct {
	_       struct{} `cbor:",toarray"`
	Address string
	Value   []byte
	Type    StateChangeType
}

// StateChangeList is the data of a state-delta event.
type StateChangeList struct {
	_            struct{} `cbor:",toarray"`
	StateChanges []StateChange
}

// BlockRequest asks the source for the events of a single block.
type BlockRequest struct {
	_       struct{} `cbor:",toarray"`
	BlockID string
}

type BlockStatus uint8

const (
	BlockStatusOK            BlockStatus = 1
	BlockStatusNotFound      BlockStatus = 2
	BlockStatusInternalError BlockStatus = 3
)

func (s BlockStatus) String() string {
	switch s {
	case BlockStatusOK:
		return "OK"
	case BlockStatusNotFound:
		return "NOT_FOUND"
	case BlockStatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("BlockStatus(%d)", uint8(s))
	}
}

// BlockResponse carries the same events a ClientEvents message would have
// carried for the requested block.
type BlockResponse struct {
	_      struct{} `cbor:",toarray"`
	Status BlockStatus
	Events EventList
}
