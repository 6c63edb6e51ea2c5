// Package eventstreamtest provides an in-process validator event source for
// tests.
package eventstreamtest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/tm-projector/internal/eventstream"
	"github.com/tendermint/tm-projector/types"
)

// BlockEvents returns the events the source publishes for b.
func BlockEvents(b types.CommittedBlock) eventstream.EventList {
	changes := make([]eventstream.StateChange, 0, len(b.Changes))
	for _, c := range b.Changes {
		sc := eventstream.StateChange{Address: c.Address, Value: c.Value, Type: eventstream.StateChangeSet}
		if c.Op == types.OpDelete {
			sc = eventstream.StateChange{Address: c.Address, Type: eventstream.StateChangeDelete}
		}
		changes = append(changes, sc)
	}
	data, err := eventstream.Encode(eventstream.StateChangeList{StateChanges: changes})
	if err != nil {
		panic(err)
	}

	return eventstream.EventList{Events: []eventstream.Event{
		{
			EventType: eventstream.EventTypeBlockCommit,
			Attributes: []eventstream.Attribute{
				{Key: eventstream.AttrBlockID, Value: b.Header.ID.String()},
				{Key: eventstream.AttrBlockNum, Value: strconv.FormatUint(b.Header.Num, 10)},
				{Key: eventstream.AttrPreviousBlockID, Value: b.Header.PreviousID.String()},
				{Key: eventstream.AttrStateRootHash, Value: b.Header.StateRoot},
			},
		},
		{
			EventType: eventstream.EventTypeStateDelta,
			Data:      data,
		},
	}}
}

// ClientEvents returns the pushed envelope carrying b.
func ClientEvents(b types.CommittedBlock) eventstream.Envelope {
	return MustEnvelope(eventstream.MessageTypeClientEvents, "", BlockEvents(b))
}

// MustEnvelope is eventstream.NewEnvelope that panics on error.
func MustEnvelope(t eventstream.MessageType, correlationID string, content interface{}) eventstream.Envelope {
	env, err := eventstream.NewEnvelope(t, correlationID, content)
	if err != nil {
		panic(err)
	}
	return env
}

// Server is a fake validator. It keeps a canonical chain, answers
// subscription and block requests, and pushes new blocks to subscribed
// connections.
type Server struct {
	t   testing.TB
	srv *httptest.Server

	upgrader websocket.Upgrader

	mtx             sync.Mutex
	chain           []types.CommittedBlock
	blocks          map[types.BlockID]types.CommittedBlock
	conns           map[*serverConn]struct{}
	subscribeStatus eventstream.SubscribeStatus
	subscriptions   []eventstream.SubscribeRequest
	unsubscribes    int
	connects        int
	wg              sync.WaitGroup
}

type serverConn struct {
	ws         *websocket.Conn
	writeMtx   sync.Mutex
	subscribed bool
}

func (c *serverConn) write(bz []byte) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, bz)
}

// NewServer starts a Server that is shut down when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		t:               t,
		blocks:          make(map[types.BlockID]types.CommittedBlock),
		conns:           make(map[*serverConn]struct{}),
		subscribeStatus: eventstream.SubscribeStatusOK,
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Endpoint returns the websocket URL of the server.
func (s *Server) Endpoint() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
	s.wg.Wait()
}

// SetChain replaces the canonical chain without pushing anything.
func (s *Server) SetChain(blocks []types.CommittedBlock) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.chain = append([]types.CommittedBlock{}, blocks...)
	for _, b := range blocks {
		s.blocks[b.Header.ID] = b
	}
}

// AddBlocks makes blocks fetchable by id without changing the canonical
// chain.
func (s *Server) AddBlocks(blocks ...types.CommittedBlock) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, b := range blocks {
		s.blocks[b.Header.ID] = b
	}
}

// Push makes b the canonical tip, truncating the chain after b's parent, and
// sends it to every subscribed connection.
func (s *Server) Push(blocks ...types.CommittedBlock) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, b := range blocks {
		s.blocks[b.Header.ID] = b
		if b.Header.IsGenesis() {
			s.chain = []types.CommittedBlock{b}
		} else {
			ix := s.indexOf(b.Header.PreviousID)
			require.GreaterOrEqual(s.t, ix, 0, "parent of %v is not canonical", b.Header)
			s.chain = append(s.chain[:ix+1:ix+1], b)
		}
		s.broadcast(ClientEvents(b))
	}
}

// Send pushes env to every subscribed connection.
func (s *Server) Send(env eventstream.Envelope) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.broadcast(env)
}

// SendRaw pushes an arbitrary frame to every subscribed connection.
func (s *Server) SendRaw(frame []byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for c := range s.conns {
		if c.subscribed {
			c.write(frame) //nolint:errcheck
		}
	}
}

// SetSubscribeStatus makes every following subscription fail with status.
func (s *Server) SetSubscribeStatus(status eventstream.SubscribeStatus) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.subscribeStatus = status
}

// DropConnections closes every open connection.
func (s *Server) DropConnections() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for c := range s.conns {
		c.ws.Close()
		delete(s.conns, c)
	}
}

// Subscriptions returns every subscription request received so far.
func (s *Server) Subscriptions() []eventstream.SubscribeRequest {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]eventstream.SubscribeRequest{}, s.subscriptions...)
}

// Connects returns the number of accepted connections.
func (s *Server) Connects() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.connects
}

// Unsubscribes returns the number of unsubscribe requests received.
func (s *Server) Unsubscribes() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.unsubscribes
}

func (s *Server) indexOf(id types.BlockID) int {
	for i, b := range s.chain {
		if b.Header.ID == id {
			return i
		}
	}
	return -1
}

func (s *Server) broadcast(env eventstream.Envelope) {
	bz, err := eventstream.MarshalEnvelope(env)
	require.NoError(s.t, err)
	for c := range s.conns {
		if c.subscribed {
			c.write(bz) //nolint:errcheck
		}
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &serverConn{ws: ws}

	s.mtx.Lock()
	s.conns[c] = struct{}{}
	s.connects++
	s.wg.Add(1)
	s.mtx.Unlock()

	defer func() {
		s.mtx.Lock()
		delete(s.conns, c)
		s.mtx.Unlock()
		ws.Close()
		s.wg.Done()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := eventstream.UnmarshalEnvelope(data)
		if err != nil {
			return
		}
		if !s.handleRequest(c, env) {
			return
		}
	}
}

func (s *Server) handleRequest(c *serverConn, env eventstream.Envelope) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	reply := func(t eventstream.MessageType, content interface{}) bool {
		bz, err := eventstream.MarshalEnvelope(MustEnvelope(t, env.CorrelationID, content))
		require.NoError(s.t, err)
		return c.write(bz) == nil
	}

	switch env.MessageType {
	case eventstream.MessageTypeSubscribeRequest:
		var req eventstream.SubscribeRequest
		if err := eventstream.Decode(env.Content, &req); err != nil {
			return false
		}
		s.subscriptions = append(s.subscriptions, req)

		if s.subscribeStatus != eventstream.SubscribeStatusOK {
			return reply(eventstream.MessageTypeSubscribeResponse, eventstream.SubscribeResponse{
				Status:          s.subscribeStatus,
				ResponseMessage: "rejected",
			})
		}

		start := -1
		for _, id := range req.LastKnownBlockIDs {
			if types.BlockID(id).IsNull() {
				start = 0
				break
			}
			if ix := s.indexOf(types.BlockID(id)); ix >= 0 {
				start = ix + 1
				break
			}
		}
		if start < 0 {
			return reply(eventstream.MessageTypeSubscribeResponse, eventstream.SubscribeResponse{
				Status:          eventstream.SubscribeStatusUnknownBlock,
				ResponseMessage: "no known block",
			})
		}

		resp := eventstream.SubscribeResponse{Status: eventstream.SubscribeStatusOK}
		if len(s.chain) > 0 {
			tip := s.chain[len(s.chain)-1].Header
			resp.TipBlockID, resp.TipBlockNum = tip.ID.String(), tip.Num
		}
		if !reply(eventstream.MessageTypeSubscribeResponse, resp) {
			return false
		}

		for _, b := range s.chain[start:] {
			bz, err := eventstream.MarshalEnvelope(ClientEvents(b))
			require.NoError(s.t, err)
			if c.write(bz) != nil {
				return false
			}
		}
		c.subscribed = true
		return true

	case eventstream.MessageTypeBlockRequest:
		var req eventstream.BlockRequest
		if err := eventstream.Decode(env.Content, &req); err != nil {
			return false
		}
		b, ok := s.blocks[types.BlockID(req.BlockID)]
		if !ok {
			return reply(eventstream.MessageTypeBlockResponse, eventstream.BlockResponse{
				Status: eventstream.BlockStatusNotFound,
			})
		}
		return reply(eventstream.MessageTypeBlockResponse, eventstream.BlockResponse{
			Status: eventstream.BlockStatusOK,
			Events: BlockEvents(b),
		})

	case eventstream.MessageTypeUnsubscribeRequest:
		s.unsubscribes++
		c.subscribed = false
		return reply(eventstream.MessageTypeUnsubscribeResponse, eventstream.UnsubscribeResponse{
			Status: eventstream.UnsubscribeStatusOK,
		})

	default:
		return false
	}
}
