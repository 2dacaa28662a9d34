package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-sync/pkg/checkpoint"
	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/metrics"
	"github.com/dd0wney/cluso-sync/pkg/negotiate"
	"github.com/dd0wney/cluso-sync/pkg/pusher"
	"github.com/dd0wney/cluso-sync/pkg/store"
	"github.com/dd0wney/cluso-sync/pkg/syncerr"
	"github.com/dd0wney/cluso-sync/pkg/transport"
	"github.com/dd0wney/cluso-sync/pkg/wsframe"
)

// closeTimeout bounds the final checkpoint save and the closing handshake.
const closeTimeout = 5 * time.Second

const outgoingQueueSize = 64

var errSessionClosed = errors.New("session closed")

// Events are the facts a session reports to whoever runs it. Callbacks may
// be invoked from any goroutine and must not block.
type Events struct {
	// Connected is called once the WebSocket is open.
	Connected func()
	// Activity reports push progress; busy is false while caught up.
	Activity func(busy bool, progress pusher.Progress)
}

func (ev Events) connected() {
	if ev.Connected != nil {
		ev.Connected()
	}
}

func (ev Events) activity(busy bool, progress pusher.Progress) {
	if ev.Activity != nil {
		ev.Activity(busy, progress)
	}
}

// Runner runs one replication session to completion. It returns nil when the
// session ended cleanly: a one-shot push finished, or ctx was cancelled and
// the session wound down. Runs are never concurrent.
type Runner interface {
	Run(ctx context.Context, ev Events) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, ev Events) error

func (f RunnerFunc) Run(ctx context.Context, ev Events) error { return f(ctx, ev) }

// connector opens sessions against the configured peer. It owns the
// checkpointer so progress carries over from one session to the next.
type connector struct {
	cfg       *Config
	db        store.Database
	cp        *checkpoint.Checkpointer
	transport transport.Options
	logger    logging.Logger
	metrics   *metrics.Registry
	loaded    bool
}

func (c *connector) Run(ctx context.Context, ev Events) error {
	if !c.loaded {
		if _, err := c.cp.Read(c.db); err != nil {
			return syncerr.Storage(err).Err()
		}
		c.loaded = true
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	s := &session{
		connector: c,
		conn:      conn,
		out:       make(chan []byte, outgoingQueueSize),
		pending:   make(map[uint64]func(*Message, error)),
		saved:     make(chan struct{}, 1),
		fatal:     make(chan error, 1),
	}
	return s.run(ctx, ev)
}

func (c *connector) connect(ctx context.Context) (*wsframe.Conn, error) {
	addr, err := c.cfg.syncAddress()
	if err != nil {
		return nil, err
	}
	proxy, err := c.cfg.proxySpec()
	if err != nil {
		return nil, syncerr.Network(syncerr.InvalidURL).Message("invalid proxy").Cause(err).Err()
	}

	opts := []negotiate.Option{
		negotiate.WithWebSocket(Protocol),
		negotiate.WithUserAgent(c.cfg.UserAgent),
		negotiate.WithHeaders(c.cfg.headers()),
		negotiate.WithLogger(c.logger),
		negotiate.WithResponseObserver(func(d negotiate.Disposition, status int) {
			c.metrics.RecordDisposition(d.String())
		}),
	}
	if proxy != nil {
		opts = append(opts, negotiate.WithProxy(*proxy))
	}
	n := negotiate.New(addr, opts...)

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	start := time.Now()
	op := logging.StartTimer(c.logger, "websocket connected", logging.URL(addr.URL()))
	sock, err := negotiate.Run(hctx, n, func() *transport.Socket {
		return transport.New(c.transport)
	}, c.cfg.authenticator())
	if err != nil {
		c.logger.Warn("connection failed",
			logging.URL(addr.URL()),
			logging.Status(n.Status()),
			logging.Error(err))
		return nil, err
	}
	op.End(logging.Int("redirects", n.RedirectCount()))
	c.metrics.RecordHandshake(time.Since(start))

	netConn, r := sock.Detach()
	return wsframe.NewClient(netConn, r), nil
}

// session is one open connection. The reader goroutine dispatches replies
// and peer requests; the writer goroutine owns outgoing frames.
type session struct {
	*connector
	conn    *wsframe.Conn
	out     chan []byte
	ctx     context.Context
	closing atomic.Bool

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]func(*Message, error)
	peerRev string
	pusher  *pusher.Pusher

	saved chan struct{}
	fatal chan error
}

func (s *session) run(stop context.Context, ev Events) error {
	defer s.conn.Close()
	ev.connected()

	// The session's own context outlives stop so the last checkpoint can
	// still be saved after a stop request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	s.ctx = gctx

	g.Go(func() error { return s.readLoop() })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error {
		err := s.replicate(gctx, stop, ev)
		s.shutdown(err)
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		s.conn.Close()
		return nil
	})

	err := g.Wait()
	s.failPending(errSessionClosed)
	if errors.Is(err, errSessionClosed) {
		return nil
	}
	return err
}

func (s *session) replicate(ctx, stop context.Context, ev Events) error {
	if err := s.exchangeCheckpoint(ctx); err != nil {
		return err
	}
	s.cp.EnableAutosave(s.cfg.CheckpointSaveDelay, s.saveCheckpoint)
	defer s.cp.StopAutosave()

	opts := s.cfg.pusherOptions()
	opts.Logger = s.logger
	opts.Metrics = s.metrics
	opts.OnStatus = func(st pusher.Status) { ev.activity(st.Busy, st.Progress) }
	opts.OnError = func(err error) { s.failSession(err) }
	p := pusher.New(s.db, s.cp, pusher.SenderFunc(s.sendRev), opts)
	s.mu.Lock()
	s.pusher = p
	s.mu.Unlock()
	defer p.Stop()

	p.Start(s.cp.LocalMinSequence())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.fatal:
		return err
	case <-p.Finished():
		s.logger.Info("one-shot replication complete")
	case <-stop.Done():
		s.logger.Info("stopping replication")
	}
	p.Stop()
	s.flushCheckpoint(ctx)
	return nil
}

// exchangeCheckpoint fetches the peer's copy of the checkpoint and resets
// whatever the local copy claims that the peer does not confirm.
func (s *session) exchangeCheckpoint(ctx context.Context) error {
	initial := s.cp.InitialCheckpointID()
	reply, err := s.call(ctx, MsgGetCheckpoint, GetCheckpointRequest{Client: initial})

	peer := checkpoint.New(0, "")
	rev := ""
	switch {
	case syncerr.HTTPStatus(err) == http.StatusNotFound:
		s.logger.Debug("peer has no checkpoint", logging.String("checkpoint_id", initial))
	case err != nil:
		return fmt.Errorf("get checkpoint: %w", err)
	default:
		var resp CheckpointResponse
		if err := reply.Decode(&resp); err != nil {
			return syncerr.Sync(syncerr.RemoteError).Message("bad getCheckpoint reply").Cause(err).Err()
		}
		rev = resp.Rev
		if decoded, err := checkpoint.Decode(resp.Checkpoint); err != nil {
			s.logger.Warn("ignoring unreadable peer checkpoint", logging.Error(err))
		} else {
			peer = decoded
		}
	}

	// A copied database saves under a new ID the peer has nothing for.
	if initial != s.cp.CheckpointID() {
		rev = ""
	}
	s.mu.Lock()
	s.peerRev = rev
	s.mu.Unlock()

	if !s.cp.ValidateWith(peer) {
		s.metrics.RecordCheckpointReset()
	}
	return nil
}

// saveCheckpoint is the autosave callback: the checkpoint goes to the peer
// first and is stored locally once the peer has accepted it.
func (s *session) saveCheckpoint(data []byte) {
	s.mu.Lock()
	rev := s.peerRev
	s.mu.Unlock()

	req := SetCheckpointRequest{Client: s.cp.CheckpointID(), Rev: rev, Checkpoint: json.RawMessage(data)}
	s.request(MsgSetCheckpoint, req, func(reply *Message, err error) {
		if err == nil {
			var resp SetCheckpointResponse
			if err = reply.Decode(&resp); err == nil {
				s.mu.Lock()
				s.peerRev = resp.Rev
				s.mu.Unlock()
				err = s.cp.Write(s.db, data)
			}
		}
		s.metrics.RecordCheckpointSave(err)

		switch {
		case err == nil:
			s.logger.Debug("checkpoint saved", logging.Sequence(s.cp.LocalMinSequence()))
			s.cp.SaveCompleted()
			s.signalSaved()
		case syncerr.HTTPStatus(err) == http.StatusConflict:
			s.logger.Warn("checkpoint conflict on peer; refreshing revision")
			s.refreshPeerRev()
		default:
			s.logger.Warn("checkpoint save failed", logging.Error(err))
			s.cp.SaveFailed()
			s.signalSaved()
		}
	})
}

// refreshPeerRev learns the peer's current checkpoint revision after a
// conflict; the next autosave then overwrites it.
func (s *session) refreshPeerRev() {
	s.request(MsgGetCheckpoint, GetCheckpointRequest{Client: s.cp.CheckpointID()}, func(reply *Message, err error) {
		var resp CheckpointResponse
		if err == nil {
			err = reply.Decode(&resp)
		}
		if err == nil || syncerr.HTTPStatus(err) == http.StatusNotFound {
			s.mu.Lock()
			s.peerRev = resp.Rev
			s.mu.Unlock()
		}
		s.cp.SaveFailed()
		s.signalSaved()
	})
}

func (s *session) signalSaved() {
	select {
	case s.saved <- struct{}{}:
	default:
	}
}

// flushCheckpoint saves any unsaved progress before the connection closes.
func (s *session) flushCheckpoint(ctx context.Context) {
	timeout := time.NewTimer(closeTimeout)
	defer timeout.Stop()
	for attempt := 0; s.cp.IsUnsaved(); attempt++ {
		if attempt > 3 {
			s.logger.Warn("giving up on final checkpoint save")
			return
		}
		s.cp.Save()
		select {
		case <-s.saved:
		case <-ctx.Done():
			return
		case <-timeout.C:
			s.logger.Warn("timed out saving final checkpoint")
			return
		}
	}
}

// sendRev is the pusher's Sender.
func (s *session) sendRev(rev *pusher.RevToSend, body []byte, done func(error)) {
	msg := RevMessage{
		DocID:    rev.DocID,
		RevID:    rev.RevID,
		Deleted:  rev.Deleted,
		Body:     body,
		Sequence: rev.Sequence,
	}
	s.logger.Debug("sending rev", logging.DocID(rev.DocID), logging.RevID(rev.RevID), logging.Sequence(rev.Sequence))
	s.request(MsgRev, msg, func(_ *Message, err error) { done(err) })
}

// call sends a request and waits for its reply.
func (s *session) call(ctx context.Context, typ MessageType, data any) (*Message, error) {
	type result struct {
		msg *Message
		err error
	}
	ch := make(chan result, 1)
	s.request(typ, data, func(m *Message, err error) { ch <- result{m, err} })
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request sends a request; onReply runs on the reader goroutine, or with an
// error if the session ends first.
func (s *session) request(typ MessageType, data any, onReply func(*Message, error)) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		onReply(nil, syncerr.Sync(syncerr.Unexpected).Cause(err).Err())
		return
	}
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		onReply(nil, errSessionClosed)
		return
	}
	s.nextID++
	msg.ID = s.nextID
	s.pending[msg.ID] = onReply
	s.mu.Unlock()

	if err := s.send(msg); err != nil {
		if cb := s.takePending(msg.ID); cb != nil {
			cb(nil, err)
		}
	}
}

func (s *session) takePending(id uint64) func(*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := s.pending[id]
	delete(s.pending, id)
	return cb
}

func (s *session) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, cb := range pending {
		cb(nil, err)
	}
}

func (s *session) send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return syncerr.Sync(syncerr.Unexpected).Cause(err).Err()
	}
	select {
	case s.out <- data:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

func (s *session) reply(req *Message, data any, err error) {
	if req.NoReply {
		return
	}
	var msg *Message
	if err != nil {
		msg = NewErrorReply(req, err)
	} else if msg, err = NewReply(req, data); err != nil {
		msg = NewErrorReply(req, err)
	}
	s.send(msg)
}

func (s *session) failSession(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-s.out:
			if err := s.conn.WriteMessage(wsframe.OpText, data); err != nil {
				if s.closing.Load() {
					return nil
				}
				return syncerr.FromNetError(err)
			}
		}
	}
}

func (s *session) readLoop() error {
	for {
		op, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return errSessionClosed
			}
			s.logger.Info("connection closed by peer", logging.Error(err))
			return err
		}
		if op != wsframe.OpText && op != wsframe.OpBinary {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.conn.WriteClose(syncerr.CloseBadMessage, "malformed message")
			return syncerr.WebSocket(syncerr.CloseBadMessage).Cause(err).Err()
		}
		s.handle(&msg)
	}
}

// shutdown starts the closing handshake once replication is over. The
// reader then sees the peer's echo (or times out) and ends the session.
func (s *session) shutdown(err error) {
	s.closing.Store(true)
	code, reason := syncerr.CloseNormal, ""
	if err != nil {
		code, reason = syncerr.CloseGoingAway, err.Error()
		if e, ok := syncerr.As(err); ok && e.Domain == syncerr.WebSocketDomain {
			code = e.Code
		}
	}
	s.conn.WriteClose(code, reason)
	s.conn.SetReadDeadline(time.Now().Add(closeTimeout))
}

func (s *session) handle(msg *Message) {
	switch msg.Type {
	case MsgReply:
		cb := s.takePending(msg.ReplyTo)
		if cb == nil {
			s.logger.Debug("reply to unknown request", logging.Uint64("reply_to", msg.ReplyTo))
			return
		}
		cb(msg, msg.Err())
	case MsgRev:
		s.handleRev(msg)
	case MsgGetAttachment:
		s.handleGetAttachment(msg)
	default:
		s.reply(msg, nil, syncerr.Sync(syncerr.Unsupported).Message("%s is not served by this side", msg.Type).Err())
	}
}

// handleRev stores a revision the peer pushed to us and advances the remote
// cursor to its sequence.
func (s *session) handleRev(msg *Message) {
	var rev RevMessage
	if err := msg.Decode(&rev); err != nil {
		s.reply(msg, nil, syncerr.Sync(syncerr.CorruptRevisionData).Cause(err).Err())
		return
	}
	_, err := s.db.PutForeign(store.Document{
		ID:      rev.DocID,
		RevID:   rev.RevID,
		Deleted: rev.Deleted,
		Body:    rev.Body,
	})
	if err != nil {
		s.logger.Warn("failed to store incoming revision",
			logging.DocID(rev.DocID), logging.RevID(rev.RevID), logging.Error(err))
		if errors.Is(err, store.ErrConflict) {
			err = syncerr.HTTP(http.StatusConflict).Cause(err).Err()
		}
		s.reply(msg, nil, err)
		return
	}
	if rev.Sequence > 0 {
		s.cp.SetRemoteMinSequence(strconv.FormatUint(rev.Sequence, 10))
	}
	s.reply(msg, nil, nil)
}

func (s *session) handleGetAttachment(msg *Message) {
	var req GetAttachmentRequest
	if err := msg.Decode(&req); err != nil {
		s.reply(msg, nil, syncerr.HTTP(http.StatusBadRequest).Cause(err).Err())
		return
	}

	s.mu.Lock()
	p := s.pusher
	s.mu.Unlock()
	if p != nil {
		p.BlobStarted()
		defer p.BlobFinished()
	}

	data, err := s.db.GetRaw(store.BlobsNamespace, req.Digest)
	if errors.Is(err, store.ErrNotFound) {
		s.reply(msg, nil, syncerr.HTTP(http.StatusNotFound).Message("no attachment %s", req.Digest).Err())
		return
	}
	if err != nil {
		s.reply(msg, nil, syncerr.Storage(err).Err())
		return
	}
	s.reply(msg, AttachmentResponse{Data: data}, nil)
}
