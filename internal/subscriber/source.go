package subscriber

import (
	"context"
	"fmt"
	"time"

	"github.com/tendermint/tm-projector/config"
	"github.com/tendermint/tm-projector/internal/chain"
	"github.com/tendermint/tm-projector/internal/decoder"
	"github.com/tendermint/tm-projector/internal/eventstream"
	"github.com/tendermint/tm-projector/libs/log"
	"github.com/tendermint/tm-projector/types"
)

//go:generate mockery --case underscore --name Source

// Source is a single subscription connection to the validator.
// *eventstream.Client implements it.
type Source interface {
	Subscribe(ctx context.Context, req eventstream.SubscribeRequest) (*eventstream.SubscribeResponse, error)
	Unsubscribe(ctx context.Context) error
	FetchBlock(ctx context.Context, id types.BlockID) (eventstream.Envelope, error)
	Next(ctx context.Context) (eventstream.Envelope, error)
	// LastActivity returns the time of the last inbound traffic.
	LastActivity() time.Time
	Close() error
}

// Dialer opens a new connection to the source.
type Dialer func(ctx context.Context) (Source, error)

// NewEventStreamDialer returns a Dialer connecting to cfg.Endpoint over
// websocket.
func NewEventStreamDialer(cfg *config.EventSourceConfig, logger log.Logger) Dialer {
	return func(ctx context.Context) (Source, error) {
		c, err := eventstream.Dial(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Subscriptions returns the event subscriptions sent with every subscribe
// request: all block commits, and the state deltas under namespacePrefixes.
func Subscriptions(namespacePrefixes []string) []eventstream.EventSubscription {
	delta := eventstream.EventSubscription{EventType: eventstream.EventTypeStateDelta}
	for _, p := range namespacePrefixes {
		delta.Filters = append(delta.Filters, eventstream.EventFilter{
			Key:         "address",
			MatchString: "^" + p + ".*",
			FilterType:  eventstream.FilterRegexAny,
		})
	}
	return []eventstream.EventSubscription{
		{EventType: eventstream.EventTypeBlockCommit},
		delta,
	}
}

// blockFetcher retrieves blocks over the subscription connection.
type blockFetcher struct {
	src     Source
	decoder *decoder.Decoder
}

var _ chain.Fetcher = blockFetcher{}

func (f blockFetcher) FetchBlock(ctx context.Context, id types.BlockID) (types.CommittedBlock, error) {
	env, err := f.src.FetchBlock(ctx, id)
	if err != nil {
		return types.CommittedBlock{}, err
	}
	msg, err := f.decoder.Decode(env)
	if err != nil {
		return types.CommittedBlock{}, err
	}
	resp, ok := msg.(decoder.BlockResponse)
	if !ok {
		return types.CommittedBlock{}, fmt.Errorf("%w: %T in response to block request", decoder.ErrMalformedEvent, msg)
	}
	if resp.Status != eventstream.BlockStatusOK {
		return types.CommittedBlock{}, fmt.Errorf("%w: %v (status %d)", ErrBlockUnavailable, id, resp.Status)
	}
	return resp.Block, nil
}
