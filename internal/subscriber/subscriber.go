// Package subscriber keeps a projection in step with the canonical chain of a
// validator's event source.
//
// The Subscriber runs a single control loop per connection. Each state
// delta is classified against the recorded chain: a block already recorded
// is dropped, a block extending the head is committed, and any other block
// starts fork reconciliation, which rolls the projection back to the common
// ancestor and replays the source's branch. Transport failures lead to a
// reconnect with exponential backoff; everything the loop cannot recover
// from ends in a FaultError.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tendermint/tm-projector/config"
	"github.com/tendermint/tm-projector/internal/chain"
	"github.com/tendermint/tm-projector/internal/decoder"
	"github.com/tendermint/tm-projector/internal/eventstream"
	"github.com/tendermint/tm-projector/internal/projection"
	"github.com/tendermint/tm-projector/internal/rollback"
	"github.com/tendermint/tm-projector/libs/log"
	"github.com/tendermint/tm-projector/libs/service"
	"github.com/tendermint/tm-projector/types"
)

const unsubscribeTimeout = time.Second

// Subscriber drives the projection from the event source.
type Subscriber struct {
	service.BaseService

	cfg           *config.SubscriberConfig
	subscriptions []eventstream.EventSubscription
	dial          Dialer
	store         *projection.Store
	tracker       *chain.Tracker
	decoder       *decoder.Decoder
	logger        log.Logger
	metrics       *Metrics

	state uint32 // atomic

	// consecutive malformed messages, carried across reconnects
	malformed int

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Option sets an optional parameter on the Subscriber.
type Option func(*Subscriber)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Subscriber) { s.metrics = metrics }
}

// New returns a Subscriber projecting the state deltas under
// namespacePrefixes into store.
func New(
	cfg *config.SubscriberConfig,
	namespacePrefixes []string,
	dial Dialer,
	store *projection.Store,
	logger log.Logger,
	options ...Option,
) *Subscriber {
	logger = logger.With("module", "subscriber")
	s := &Subscriber{
		cfg:           cfg,
		subscriptions: Subscriptions(namespacePrefixes),
		dial:          dial,
		store:         store,
		tracker:       chain.NewTracker(store, cfg.MaxForkDepth, logger),
		decoder:       decoder.New(namespacePrefixes),
		logger:        logger,
		metrics:       NopMetrics(),
	}
	for _, option := range options {
		option(s)
	}
	s.BaseService = *service.NewBaseService(logger, "Subscriber", s)
	return s
}

// OnStart runs the control loop in the background. The service stops by
// itself once the loop returns.
func (s *Subscriber) OnStart(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		s.err = s.Run(ctx)
		close(s.done)
		if err := s.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
			s.logger.Error("stopping subscriber", "err", err)
		}
	}()
	return nil
}

// OnStop cancels the control loop and waits for it to return. A block being
// committed is always committed in full.
func (s *Subscriber) OnStop() {
	s.cancel()
	<-s.done
}

// Err returns the error the control loop ended with. It is only valid after
// Wait returned.
func (s *Subscriber) Err() error { return s.err }

// State returns the current controller state.
func (s *Subscriber) State() State {
	return State(atomic.LoadUint32(&s.state))
}

func (s *Subscriber) setState(state State) {
	prev := State(atomic.SwapUint32(&s.state, uint32(state)))
	if prev != state {
		s.logger.Debug("state transition", "from", prev, "to", state)
	}
	s.metrics.State.Set(float64(state))
}

// Run connects to the source and applies its blocks until ctx is canceled,
// reconnecting whenever the connection fails. It returns nil after ctx was
// canceled and a *FaultError on an unrecoverable condition.
func (s *Subscriber) Run(ctx context.Context) error {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = s.cfg.ReconnectInitialInterval
	reconnect.MaxInterval = s.cfg.ReconnectMaxInterval
	reconnect.Multiplier = s.cfg.ReconnectMultiplier
	reconnect.Reset()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			s.metrics.Reconnects.Add(1)
		}
		err := s.session(ctx, reconnect)

		var ferr *FaultError
		if errors.As(err, &ferr) {
			s.setState(Faulted)
			s.logger.Error("subscriber faulted", "kind", ferr.Kind, "err", ferr.Err)
			return ferr
		}
		if ctx.Err() != nil {
			s.setState(Stopped)
			return nil
		}

		s.setState(Disconnected)
		delay := reconnect.NextBackOff()
		if delay == backoff.Stop {
			delay = s.cfg.ReconnectMaxInterval
		}
		s.logger.Error("lost event source; reconnecting", "err", err, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(Stopped)
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to failure.
func (s *Subscriber) session(ctx context.Context, reconnect *backoff.ExponentialBackOff) (err error) {
	s.setState(Subscribing)

	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	src, err := s.dial(connCtx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			s.logger.Debug("closing event source", "err", cerr)
		}
	}()

	watchdog := NewWatchdog(s.logger, s.cfg.HeartbeatTimeout, src.LastActivity, func() {
		cancel(ErrHeartbeatTimeout)
	})
	if err := watchdog.Start(connCtx); err != nil {
		return err
	}
	defer func() {
		if serr := watchdog.Stop(); serr != nil && !errors.Is(serr, service.ErrAlreadyStopped) {
			s.logger.Error("stopping watchdog", "err", serr)
		}
	}()

	resp, err := s.subscribe(connCtx, src)
	if err != nil {
		return err
	}

	defer func() {
		var ferr *FaultError
		if ctx.Err() == nil && !errors.As(err, &ferr) {
			return
		}
		uctx, ucancel := context.WithTimeout(context.WithoutCancel(ctx), unsubscribeTimeout)
		defer ucancel()
		if uerr := src.Unsubscribe(uctx); uerr != nil {
			s.logger.Debug("unsubscribe failed", "err", uerr)
		}
	}()

	tipNum, syncing, err := s.syncTarget(connCtx, resp)
	if err != nil {
		return err
	}
	if syncing {
		s.setState(Syncing)
		s.logger.Info("syncing with event source", "tip", resp.TipBlockID, "tip_num", tipNum)
	} else {
		s.setState(Following)
		s.logger.Info("following event source")
	}

	fetcher := blockFetcher{src: src, decoder: s.decoder}
	for {
		env, err := src.Next(connCtx)
		if err != nil {
			if cause := context.Cause(connCtx); errors.Is(cause, ErrHeartbeatTimeout) {
				return cause
			}
			return err
		}

		msg, err := s.decoder.Decode(env)
		if err != nil {
			s.logger.Error("dropping malformed event", "err", err, "consecutive", s.malformed+1)
			if ferr := s.countMalformed(err); ferr != nil {
				return ferr
			}
			continue
		}

		switch msg := msg.(type) {
		case decoder.Heartbeat:
			s.metrics.Heartbeats.Add(1)
			s.malformed = 0

		case decoder.StateDelta:
			applied, err := s.handleBlock(connCtx, fetcher, msg.Block)
			if err != nil {
				return err
			}
			if applied {
				s.malformed = 0
				reconnect.Reset()
			}
			if s.State() == Syncing && msg.Block.Header.Num >= tipNum {
				s.setState(Following)
				s.logger.Info("caught up with event source", "head", msg.Block.Header)
			}

		default:
			s.logger.Debug("ignoring uncorrelated message", "msg", fmt.Sprintf("%T", msg))
		}
	}
}

// subscribe offers the most recent recorded block ids to the source. While
// the source knows none of them, older windows are offered until the chain
// is exhausted and the subscription starts from genesis.
func (s *Subscriber) subscribe(ctx context.Context, src Source) (*eventstream.SubscribeResponse, error) {
	window := s.cfg.KnownBlocksWindow
	for skip := 0; ; skip += window {
		ids, err := withStorage(ctx, s, func(ctx context.Context) ([]types.BlockID, error) {
			return s.store.KnownBlockIDs(ctx, skip, window)
		})
		if err != nil {
			return nil, storageFault(err)
		}

		req := eventstream.SubscribeRequest{
			Subscriptions:     s.subscriptions,
			LastKnownBlockIDs: make([]string, len(ids)),
		}
		for i, id := range ids {
			req.LastKnownBlockIDs[i] = id.String()
		}

		resp, err := src.Subscribe(ctx, req)
		if err != nil {
			return nil, err
		}

		switch resp.Status {
		case eventstream.SubscribeStatusOK:
			s.logger.Info("subscribed", "from", ids[0].Short(), "tip", resp.TipBlockID)
			return resp, nil

		case eventstream.SubscribeStatusUnknownBlock:
			if len(ids) == 1 && ids[0].IsNull() {
				return nil, fault(FaultSubscriptionRejected,
					fmt.Errorf("%w: source refuses to start from genesis: %s", ErrSubscriptionRejected, resp.ResponseMessage))
			}
			s.logger.Info("source knows none of the offered blocks; offering older ones",
				"oldest", ids[len(ids)-1].Short())

		default:
			return nil, fault(FaultSubscriptionRejected,
				fmt.Errorf("%w: status %d: %s", ErrSubscriptionRejected, resp.Status, resp.ResponseMessage))
		}
	}
}

// syncTarget returns the block number up to which the source replays
// history, and whether that history is still missing locally.
func (s *Subscriber) syncTarget(ctx context.Context, resp *eventstream.SubscribeResponse) (uint64, bool, error) {
	if resp.TipBlockID == "" {
		return 0, false, nil
	}
	tip := types.BlockID(resp.TipBlockID)
	if err := tip.ValidateBasic(); err != nil {
		s.logger.Error("ignoring invalid tip in subscribe response", "tip", resp.TipBlockID, "err", err)
		return 0, false, nil
	}

	known, err := withStorage(ctx, s, func(ctx context.Context) (bool, error) {
		return s.tracker.Contains(ctx, tip)
	})
	if err != nil {
		return 0, false, storageFault(err)
	}
	return resp.TipBlockNum, !known, nil
}

// countMalformed records a malformed message and returns a fault once
// MaxConsecutiveMalformed of them arrived without a block being applied.
func (s *Subscriber) countMalformed(err error) error {
	s.malformed++
	s.metrics.MalformedEvents.Add(1)
	if s.malformed >= s.cfg.MaxConsecutiveMalformed {
		return fault(FaultMalformed, fmt.Errorf("%d consecutive malformed events, last: %w", s.malformed, err))
	}
	return nil
}

// handleBlock reports whether b changed the projection. Known blocks are
// discarded.
func (s *Subscriber) handleBlock(ctx context.Context, fetcher chain.Fetcher, b types.CommittedBlock) (bool, error) {
	s.metrics.BlocksReceived.Add(1)

	known, err := withStorage(ctx, s, func(ctx context.Context) (bool, error) {
		return s.tracker.Contains(ctx, b.Header.ID)
	})
	if err != nil {
		return false, storageFault(err)
	}
	if known {
		s.metrics.DuplicateBlocks.Add(1)
		s.logger.Debug("discarding known block", "block", b.Header)
		return false, nil
	}

	accepts, err := withStorage(ctx, s, func(ctx context.Context) (bool, error) {
		return s.tracker.Accepts(ctx, b.Header)
	})
	if err != nil {
		return false, storageFault(err)
	}
	if accepts {
		return true, s.commit(ctx, b)
	}
	return true, s.reconcile(ctx, fetcher, b)
}

// reconcile moves the projection onto the branch ending in divergent. Once
// the first block was rolled back, the whole fork is applied even if ctx is
// canceled.
func (s *Subscriber) reconcile(ctx context.Context, fetcher chain.Fetcher, divergent types.CommittedBlock) error {
	prev := s.State()
	s.setState(Reconciling)

	fork, err := retryStorage(ctx, s, func(ctx context.Context) (*chain.Fork, error) {
		return s.tracker.FindCommonAncestor(ctx, divergent, fetcher)
	})
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrForkTooDeep):
		return fault(FaultForkTooDeep, err)
	case projection.IsRetryable(err):
		return fault(FaultStorage, err)
	case errors.Is(err, chain.ErrBrokenChain):
		return fault(FaultInternal, err)
	case errors.Is(err, decoder.ErrMalformedEvent):
		s.logger.Error("source sent a malformed block", "err", err, "consecutive", s.malformed+1)
		if ferr := s.countMalformed(err); ferr != nil {
			return ferr
		}
		return err
	default:
		return err
	}

	s.logger.Info("resolving fork", "fork", fork.String(), "divergent", divergent.Header)

	for _, h := range fork.Undo {
		id := h.ID
		_, err := withStorage(ctx, s, func(ctx context.Context) (*types.ChainRecord, error) {
			return s.store.RollbackBlock(ctx, id)
		})
		if errors.Is(err, rollback.ErrNoUndo) {
			return fault(FaultForkTooDeep, fmt.Errorf("rolling back %v: %w", h, err))
		}
		if err != nil {
			return storageFault(fmt.Errorf("rolling back %v: %w", h, err))
		}
	}
	for _, b := range fork.Redo {
		if err := s.commit(ctx, b); err != nil {
			return err
		}
	}

	s.metrics.ForksResolved.Add(1)
	s.metrics.ForkDepth.Observe(float64(fork.Depth()))
	s.setState(prev)
	return nil
}

func (s *Subscriber) commit(ctx context.Context, b types.CommittedBlock) error {
	_, err := withStorage(ctx, s, func(ctx context.Context) (*types.ChainRecord, error) {
		return s.store.CommitBlock(ctx, b)
	})
	if err != nil {
		return storageFault(fmt.Errorf("committing %v: %w", b.Header, err))
	}
	return nil
}

// withStorage runs a storage operation to completion regardless of ctx,
// retrying it on storage failures.
func withStorage[T any](ctx context.Context, s *Subscriber, fn func(context.Context) (T, error)) (T, error) {
	return retryStorage(context.WithoutCancel(ctx), s, fn)
}

// retryStorage calls fn up to StorageRetries times while it fails with
// projection.ErrStorage. Any other error is returned at once.
func retryStorage[T any](ctx context.Context, s *Subscriber, fn func(context.Context) (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.StorageRetryInterval
	bo.Multiplier = 2

	v, err := backoff.Retry(ctx,
		func() (T, error) {
			v, err := fn(ctx)
			if err != nil && !projection.IsRetryable(err) {
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.cfg.StorageRetries)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			s.metrics.StorageRetries.Add(1)
			s.logger.Error("storage operation failed; retrying", "err", err, "delay", delay)
		}),
	)
	var perr *backoff.PermanentError
	if errors.As(err, &perr) {
		err = perr.Err
	}
	return v, err
}

func storageFault(err error) error {
	if projection.IsRetryable(err) {
		return fault(FaultStorage, err)
	}
	return fault(FaultInternal, err)
}
