package eventstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tendermint/tm-projector/config"
	"github.com/tendermint/tm-projector/libs/log"
	"github.com/tendermint/tm-projector/types"
)

var (
	// ErrTransport is wrapped by every error caused by the connection itself.
	ErrTransport = errors.New("event source transport failure")
	// ErrClosed is returned after Close or once the connection dropped.
	ErrClosed = fmt.Errorf("%w: connection closed", ErrTransport)
	// ErrQueueOverflow is the reason for dropping a connection whose consumer
	// falls behind by more than MaxQueuedEvents.
	ErrQueueOverflow = fmt.Errorf("%w: event queue overflow", ErrTransport)
)

// Client is a websocket connection to the validator's event subscription
// endpoint. A Client is good for exactly one connection; reconnecting means
// dialing a new Client.
//
// All reads happen on a single read routine that never blocks on the
// consumer: responses are routed to their waiting request by correlation id
// and every other message is appended to an in-memory queue drained by Next.
type Client struct {
	cfg    *config.EventSourceConfig
	logger log.Logger
	conn   *websocket.Conn

	send chan []byte

	mtx     sync.Mutex
	pending map[string]chan Envelope
	queue   []Envelope
	readErr error

	notify chan struct{}
	quit   chan struct{}
	// closed by the read routine when the connection is gone
	readDone chan struct{}

	lastActivity int64 // atomic, unix nanos

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to cfg.Endpoint and starts the read and write routines.
func Dial(ctx context.Context, cfg *config.EventSourceConfig, logger log.Logger) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTransport, cfg.Endpoint, err)
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger.With("endpoint", cfg.Endpoint),
		conn:     conn,
		send:     make(chan []byte),
		pending:  make(map[string]chan Envelope),
		notify:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	c.touch()

	c.wg.Add(2)
	go c.readRoutine()
	go c.writeRoutine()

	c.logger.Info("connected to event source")
	return c, nil
}

// LastActivity returns the time of the last inbound frame or pong.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

func (c *Client) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// Subscribe sends req and waits for the source's response.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResponse, error) {
	env, err := c.request(ctx, MessageTypeSubscribeRequest, req)
	if err != nil {
		return nil, err
	}
	if env.MessageType != MessageTypeSubscribeResponse {
		return nil, fmt.Errorf("%w: unexpected %v in response to subscribe", ErrTransport, env.MessageType)
	}

	var resp SubscribeResponse
	if err := Decode(env.Content, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding subscribe response: %v", ErrTransport, err)
	}
	return &resp, nil
}

// Unsubscribe asks the source to stop pushing events.
func (c *Client) Unsubscribe(ctx context.Context) error {
	env, err := c.request(ctx, MessageTypeUnsubscribeRequest, UnsubscribeRequest{})
	if err != nil {
		return err
	}

	var resp UnsubscribeResponse
	if env.MessageType != MessageTypeUnsubscribeResponse {
		return fmt.Errorf("%w: unexpected %v in response to unsubscribe", ErrTransport, env.MessageType)
	}
	if err := Decode(env.Content, &resp); err != nil {
		return fmt.Errorf("%w: decoding unsubscribe response: %v", ErrTransport, err)
	}
	if resp.Status != UnsubscribeStatusOK {
		return fmt.Errorf("unsubscribe rejected with status %d", resp.Status)
	}
	return nil
}

// FetchBlock requests the events of a single block. The returned envelope
// is a BlockResponse left for the caller to decode.
func (c *Client) FetchBlock(ctx context.Context, id types.BlockID) (Envelope, error) {
	env, err := c.request(ctx, MessageTypeBlockRequest, BlockRequest{BlockID: id.String()})
	if err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Next blocks until the next pushed message is available. Once the connection
// dropped, queued messages are still returned before the transport error.
func (c *Client) Next(ctx context.Context) (Envelope, error) {
	for {
		c.mtx.Lock()
		if len(c.queue) > 0 {
			env := c.queue[0]
			c.queue[0] = Envelope{}
			c.queue = c.queue[1:]
			c.mtx.Unlock()
			return env, nil
		}
		readErr := c.readErr
		c.mtx.Unlock()

		if readErr != nil {
			return Envelope{}, readErr
		}

		select {
		case <-c.notify:
		case <-c.readDone:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// Close sends a close frame and tears the connection down. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	c.wg.Wait()
	return nil
}

func (c *Client) request(ctx context.Context, t MessageType, content interface{}) (Envelope, error) {
	correlationID := uuid.New().String()
	env, err := NewEnvelope(t, correlationID, content)
	if err != nil {
		return Envelope{}, err
	}
	bz, err := MarshalEnvelope(env)
	if err != nil {
		return Envelope{}, err
	}

	respCh := make(chan Envelope, 1)
	c.mtx.Lock()
	if c.readErr != nil {
		c.mtx.Unlock()
		return Envelope{}, c.readErr
	}
	c.pending[correlationID] = respCh
	c.mtx.Unlock()

	defer func() {
		c.mtx.Lock()
		delete(c.pending, correlationID)
		c.mtx.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case c.send <- bz:
	case <-c.readDone:
		return Envelope{}, c.err()
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%w: sending %v: %v", ErrTransport, t, ctx.Err())
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-c.readDone:
		return Envelope{}, c.err()
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%w: waiting for response to %v: %v", ErrTransport, t, ctx.Err())
	}
}

func (c *Client) err() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

// fail records the first error that brought the connection down.
func (c *Client) fail(err error) {
	c.mtx.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mtx.Unlock()
}

// The client ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writeRoutine() {
	ticker := time.NewTicker(c.cfg.PingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.wg.Done()
	}()

	for {
		select {
		case bz := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.BinaryMessage, bz); err != nil {
				c.logger.Error("failed to send request", "err", err)
				c.fail(fmt.Errorf("%w: write: %v", ErrTransport, err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				c.logger.Error("failed to write ping", "err", err)
				c.fail(fmt.Errorf("%w: ping: %v", ErrTransport, err))
				return
			}
			c.logger.Debug("sent ping")
		case <-c.readDone:
			return
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)) //nolint:errcheck
			c.conn.WriteMessage( //nolint:errcheck
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		}
	}
}

// The client ensures that there is at most one reader to a connection by
// executing all reads from this goroutine.
func (c *Client) readRoutine() {
	defer func() {
		c.conn.Close()
		close(c.readDone)
		c.wg.Done()
	}()

	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.logger.Debug("got pong")
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
				c.fail(ErrClosed)
			default:
				c.logger.Error("failed to read message", "err", err)
				c.fail(fmt.Errorf("%w: read: %v", ErrTransport, err))
			}
			return
		}
		c.touch()

		env, err := UnmarshalEnvelope(data)
		if err != nil {
			// The frame is passed on with an unknown type so the
			// consumer accounts for it as a malformed event.
			c.logger.Debug("undecodable frame", "err", err, "size", len(data))
			env = Envelope{Content: data}
		}

		if !c.deliver(env) {
			c.logger.Error("event queue overflow", "limit", c.cfg.MaxQueuedEvents)
			c.fail(ErrQueueOverflow)
			return
		}
	}
}

// deliver routes env to a waiting request or appends it to the queue. It
// returns false when the queue is full.
func (c *Client) deliver(env Envelope) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if env.CorrelationID != "" {
		if ch, ok := c.pending[env.CorrelationID]; ok {
			delete(c.pending, env.CorrelationID)
			ch <- env
			return true
		}
	}

	if len(c.queue) >= c.cfg.MaxQueuedEvents {
		return false
	}
	c.queue = append(c.queue, env)

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}
