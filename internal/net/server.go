package net

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/engine"
	"fenrir/internal/utils"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	MAX_RECV_SIZE      = 4 * 1024
	defaultNWorkers    = 10
	pollInterval       = 50 * time.Millisecond
	frameTimeout       = 5 * time.Second
	writeTimeout       = 5 * time.Second
	defaultCallTimeout = 5 * time.Second
)

var ErrUnexpectedMessage = errors.New("unexpected message")

// Gateway is the sequencer surface the server drives.
type Gateway interface {
	Submit(ctx context.Context, req common.OrderRequest) (engine.Result, error)
	Cancel(ctx context.Context, symbol, orderID, reason string) (engine.Result, error)
	Amend(ctx context.Context, symbol, orderID string, change common.Amendment) (engine.Result, error)
	Snapshot(symbol string) (*engine.Snapshot, error)
}

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	addr   string
	conn   net.Conn
	r      *bufio.Reader
	wmu    sync.Mutex
	owners map[string]struct{} // guarded by Server.mu
	closed atomic.Bool
}

func (c *ClientSession) send(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = c.conn.Write(b)
	return err
}

// Server accepts long-lived TCP sessions speaking the binary protocol.
// Sessions take turns on a worker pool: a worker reads at most one frame,
// handles it and puts the session back. Reports are routed to every
// session that placed orders under the report's owner.
type Server struct {
	address string
	gateway Gateway
	pool    *utils.WorkerPool[*ClientSession]

	mu       sync.Mutex
	sessions map[string]*ClientSession
	owners   map[string]map[string]*ClientSession
}

func New(address string, workers int, gateway Gateway) *Server {
	if workers <= 0 {
		workers = defaultNWorkers
	}
	return &Server{
		address:  address,
		gateway:  gateway,
		pool:     utils.NewWorkerPool[*ClientSession]("tcp", workers),
		sessions: make(map[string]*ClientSession),
		owners:   make(map[string]map[string]*ClientSession),
	}
}

func (s *Server) Name() string { return "tcp" }

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is done. The listener
// and every session are closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	t, ctx := tomb.WithContext(ctx)

	s.pool.Setup(t, func(t *tomb.Tomb, c *ClientSession) error {
		return s.handleConnection(ctx, t, c)
	})

	t.Go(func() error {
		<-t.Dying()
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		s.closeSessions()
		return nil
	})

	t.Go(func() error {
		return s.accept(t, listener)
	})

	log.Info().
		Str("address", listener.Addr().String()).
		Int("workers", s.pool.Size()).
		Msg("tcp server running")

	err := t.Wait()
	log.Info().Msg("tcp server shut down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) accept(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}

		c := s.addClientSession(conn)
		log.Info().Str("address", c.addr).Msg("new client added")

		if !s.pool.AddTask(t, c) {
			s.dropClientSession(c, nil)
			return nil
		}
	}
}

// handleConnection waits briefly for the next frame. Idle sessions go
// straight back to the pool so a handful of workers can serve many
// connections. Errors returned from here are fatal to the server.
func (s *Server) handleConnection(ctx context.Context, t *tomb.Tomb, c *ClientSession) error {
	if c.closed.Load() {
		return nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		s.dropClientSession(c, err)
		return nil
	}
	if _, err := c.r.Peek(1); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			s.requeue(t, c)
			return nil
		}
		s.dropClientSession(c, err)
		return nil
	}

	// A frame has started; give the rest of it time to arrive.
	if err := c.conn.SetReadDeadline(time.Now().Add(frameTimeout)); err != nil {
		s.dropClientSession(c, err)
		return nil
	}
	msg, err := ReadMessage(c.r, MAX_RECV_SIZE)
	switch {
	case errors.Is(err, ErrMalformed):
		log.Warn().Err(err).Str("address", c.addr).Msg("error parsing message")
		s.sendError(c, err)
	case err != nil:
		s.dropClientSession(c, err)
		return nil
	default:
		s.handleMessage(ctx, c, msg)
	}

	s.requeue(t, c)
	return nil
}

// requeue hands the session back to the pool without blocking the worker
// on a full task queue.
func (s *Server) requeue(t *tomb.Tomb, c *ClientSession) {
	if c.closed.Load() || s.pool.TryAddTask(c) {
		return
	}
	go s.pool.AddTask(t, c)
}

func (s *Server) handleMessage(ctx context.Context, c *ClientSession, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	switch m := msg.(type) {
	case HeartbeatMessage:
		s.reply(c, HeartbeatMessage{})

	case NewOrderMessage:
		if m.Owner == "" {
			m.Owner = c.addr
		}
		req, err := m.Request()
		if err != nil {
			s.reply(c, AckReportMessage{
				Result:        engine.Rejected,
				Symbol:        m.Symbol,
				ClientOrderID: m.ClientOrderID,
				Reason:        err.Error(),
			})
			return
		}
		// Register ownership first: reports may be published before the
		// result comes back.
		s.own(c, req.Owner)
		res, err := s.gateway.Submit(ctx, req)
		s.ack(c, res, err, m.ClientOrderID)

	case CancelOrderMessage:
		res, err := s.gateway.Cancel(ctx, m.Symbol, m.OrderID, m.Reason)
		s.ack(c, res, err, "")

	case AmendOrderMessage:
		res, err := s.gateway.Amend(ctx, m.Symbol, m.OrderID, m.Amendment())
		s.ack(c, res, err, "")

	case SnapshotRequestMessage:
		snap, err := s.gateway.Snapshot(m.Symbol)
		if err != nil {
			s.sendError(c, err)
			return
		}
		s.reply(c, SnapshotReportMessage{Snapshot: *snap.Truncate(int(m.Depth))})

	default:
		s.sendError(c, fmt.Errorf("%w: %d", ErrUnexpectedMessage, msg.GetType()))
	}
}

func (s *Server) ack(c *ClientSession, res engine.Result, err error, clientOrderID string) {
	if err != nil {
		log.Debug().Err(err).Str("address", c.addr).Msg("command failed")
		s.sendError(c, err)
		return
	}
	s.reply(c, AckReportMessage{
		Result:        res.Kind,
		Symbol:        res.Symbol,
		Sequence:      res.Sequence,
		OrderID:       res.OrderID,
		ClientOrderID: clientOrderID,
		Reason:        res.Reason,
	})
}

func (s *Server) sendError(c *ClientSession, err error) {
	s.reply(c, ErrorReportMessage{Err: err.Error(), Timestamp: time.Now().UTC()})
}

func (s *Server) reply(c *ClientSession, m Message) {
	if err := c.send(m); err != nil {
		s.dropClientSession(c, err)
	}
}

// Deliver routes trade and order status events to the sessions of their
// owners. Book deltas are market data and not sent on order sessions.
func (s *Server) Deliver(_ context.Context, events []common.Event) error {
	for _, ev := range events {
		switch e := ev.(type) {
		case common.TradeEvent:
			maker, taker := executionReports(e.Trade)
			s.report(e.MakerOwner, maker)
			s.report(e.TakerOwner, taker)
		case common.OrderStatusEvent:
			s.report(e.Owner, StatusReportMessage{Status: e})
		}
	}
	return nil
}

func (s *Server) report(owner string, m Message) {
	if owner == "" {
		return
	}
	s.mu.Lock()
	targets := make([]*ClientSession, 0, len(s.owners[owner]))
	for _, c := range s.owners[owner] {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.reply(c, m)
	}
}

// Sessions reports how many clients are connected.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// addClientSession is an atomic map add
func (s *Server) addClientSession(conn net.Conn) *ClientSession {
	c := &ClientSession{
		addr:   conn.RemoteAddr().String(),
		conn:   conn,
		r:      bufio.NewReaderSize(conn, MAX_RECV_SIZE),
		owners: make(map[string]struct{}),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[c.addr] = c
	return c
}

func (s *Server) own(c *ClientSession, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed.Load() {
		return
	}
	byAddr, ok := s.owners[owner]
	if !ok {
		byAddr = make(map[string]*ClientSession)
		s.owners[owner] = byAddr
	}
	byAddr[c.addr] = c
	c.owners[owner] = struct{}{}
}

// dropClientSession closes the connection and forgets the session. It is
// safe to call more than once.
func (s *Server) dropClientSession(c *ClientSession, cause error) {
	if c.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	delete(s.sessions, c.addr)
	for owner := range c.owners {
		delete(s.owners[owner], c.addr)
		if len(s.owners[owner]) == 0 {
			delete(s.owners, owner)
		}
	}
	s.mu.Unlock()

	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Err(err).Str("address", c.addr).Msg("unable to close connection")
	}
	entry := log.Info()
	if cause != nil && !errors.Is(cause, net.ErrClosed) {
		entry = entry.Err(cause)
	}
	entry.Str("address", c.addr).Msg("client session closed")
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	all := make([]*ClientSession, 0, len(s.sessions))
	for _, c := range s.sessions {
		all = append(all, c)
	}
	s.mu.Unlock()

	for _, c := range all {
		s.dropClientSession(c, nil)
	}
}
