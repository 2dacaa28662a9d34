// Package peer is the passive side of replication: an HTTP endpoint that
// accepts a replicator's WebSocket, keeps its checkpoints and stores the
// revisions it pushes.
package peer

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dd0wney/cluso-sync/pkg/audit"
	"github.com/dd0wney/cluso-sync/pkg/auth"
	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/metrics"
	"github.com/dd0wney/cluso-sync/pkg/replicator"
	"github.com/dd0wney/cluso-sync/pkg/store"
	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

const (
	defaultRealm     = "cluso-sync"
	maxMessageSize   = 32 << 20
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Options configure a Handler.
type Options struct {
	// Username and Password, if set, are required as Basic credentials.
	// PasswordHash is a bcrypt hash used instead of Password.
	Username     string
	Password     string
	PasswordHash string
	Realm        string
	// Tokens, if set, accepts Bearer tokens and makes the challenge Bearer.
	// A token can narrow access to one database or to read-only.
	Tokens auth.TokenValidator
	// ReadOnly rejects incoming revisions with 403.
	ReadOnly bool

	Logger  logging.Logger
	Metrics *metrics.Registry
	Audit   audit.Logger
}

// Handler serves the sync endpoint for one database.
type Handler struct {
	db       store.Database
	opts     Options
	logger   logging.Logger
	upgrader websocket.Upgrader

	active atomic.Int64

	// serializes checkpoint read-modify-write across connections
	cpMu sync.Mutex
}

// New creates a Handler serving db.
func New(db store.Database, opts Options) *Handler {
	if opts.Realm == "" {
		opts.Realm = defaultRealm
	}
	return &Handler{
		db:     db,
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).With(logging.Component("peer")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: handshakeTimeout,
			Subprotocols:     []string{replicator.Protocol},
			// replicators are not browsers; there is no origin to check
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g, err := h.authorize(r)
	if err != nil {
		if !errors.Is(err, errNoCredentials) {
			h.logger.Info("authentication failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
			h.audit(g, audit.NewFailedEvent(g.user, audit.ActionAuth, audit.ResourceDatabase, g.db, err))
		}
		scheme := "Basic"
		if h.opts.Tokens != nil {
			scheme = "Bearer"
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("%s realm=%q", scheme, h.opts.Realm))
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected a WebSocket upgrade", http.StatusUpgradeRequired)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", logging.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	h.active.Add(1)
	h.opts.Metrics.PeerConnected(1)
	defer func() {
		h.active.Add(-1)
		h.opts.Metrics.PeerConnected(-1)
	}()
	logger := h.logger.With(logging.String("remote_addr", g.remote), logging.String("user", g.user))
	logger.Info("replicator connected", logging.Bool("read_only", g.readOnly))
	connected := audit.NewEvent(g.user, audit.ActionConnect, audit.ResourceDatabase, g.db)
	connected.Metadata = map[string]any{"read_only": g.readOnly}
	h.audit(g, connected)

	err = h.serve(conn, g)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Info("replicator disconnected")
		h.audit(g, audit.NewEvent(g.user, audit.ActionDisconnect, audit.ResourceDatabase, g.db))
	} else {
		logger.Warn("replicator connection failed", logging.Error(err))
		h.audit(g, audit.NewFailedEvent(g.user, audit.ActionDisconnect, audit.ResourceDatabase, g.db, err))
	}
	conn.Close()
}

// Connections returns the number of replicators currently connected.
func (h *Handler) Connections() int {
	return int(h.active.Load())
}

var (
	errNoCredentials  = errors.New("no credentials")
	errBadCredentials = errors.New("invalid username or password")
	errWrongDatabase  = errors.New("token is not valid for this database")
)

// grant is who is connected and what they may do.
type grant struct {
	user     string
	db       string
	remote   string
	readOnly bool
}

func (h *Handler) authorize(r *http.Request) (grant, error) {
	g := grant{db: r.PathValue("db"), remote: r.RemoteAddr, readOnly: h.opts.ReadOnly}
	if h.opts.Username == "" && h.opts.Tokens == nil {
		return g, nil
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && h.opts.Tokens != nil {
		claims, err := h.opts.Tokens.ValidateToken(r.Context(), token)
		if err != nil {
			return g, fmt.Errorf("%s: %w", h.opts.Tokens.Name(), err)
		}
		g.user = claims.Subject
		if g.db != "" && !claims.AllowsDatabase(g.db) {
			return g, errWrongDatabase
		}
		g.readOnly = g.readOnly || claims.ReadOnly()
		return g, nil
	}

	if h.opts.Username == "" {
		return g, errNoCredentials
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return g, errNoCredentials
	}
	g.user = user
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.opts.Username)) == 1
	var passOK bool
	if h.opts.PasswordHash != "" {
		passOK = auth.CheckPassword(h.opts.PasswordHash, pass)
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), []byte(h.opts.Password)) == 1
	}
	if !userOK || !passOK {
		return g, errBadCredentials
	}
	return g, nil
}

func (h *Handler) audit(g grant, e *audit.Event) {
	if h.opts.Audit == nil {
		return
	}
	e.Database = g.db
	e.RemoteAddr = g.remote
	if err := h.opts.Audit.Log(e); err != nil {
		h.logger.Error("audit log failed", logging.Error(err))
	}
}

// serve answers requests in order until the connection closes.
func (h *Handler) serve(conn *websocket.Conn, g grant) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg replicator.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, "malformed message"),
				time.Now().Add(writeTimeout))
			return err
		}
		if msg.Type == replicator.MsgReply {
			continue
		}

		reply := h.handle(&msg, g)
		if msg.NoReply {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			return err
		}
	}
}

func (h *Handler) handle(msg *replicator.Message, g grant) *replicator.Message {
	var (
		data any
		err  error
	)
	switch msg.Type {
	case replicator.MsgGetCheckpoint:
		data, err = h.getCheckpoint(msg)
	case replicator.MsgSetCheckpoint:
		data, err = h.setCheckpoint(msg, g)
	case replicator.MsgRev:
		if g.readOnly {
			var rev replicator.RevMessage
			_ = msg.Decode(&rev)
			err = syncerr.HTTP(http.StatusForbidden).Message("database is read-only").Err()
			h.audit(g, audit.NewFailedEvent(g.user, audit.ActionPush, audit.ResourceDocument, rev.DocID, err))
		} else {
			err = h.rev(msg)
		}
	default:
		err = syncerr.Sync(syncerr.Unsupported).Message("%s is not supported", msg.Type).Err()
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	h.opts.Metrics.RecordPeerMessage(msg.Type.String(), status)

	if err != nil {
		return replicator.NewErrorReply(msg, err)
	}
	reply, err := replicator.NewReply(msg, data)
	if err != nil {
		return replicator.NewErrorReply(msg, err)
	}
	return reply
}

// storedCheckpoint is how a client's checkpoint is kept on this side.
type storedCheckpoint struct {
	Rev        string          `json:"rev"`
	Checkpoint json.RawMessage `json:"checkpoint"`
}

func (h *Handler) loadCheckpoint(client string) (*storedCheckpoint, error) {
	data, err := h.db.GetRaw(store.PeerCheckpointsNamespace, client)
	if err != nil {
		return nil, err
	}
	var sc storedCheckpoint
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, syncerr.Storage(err).Message("corrupt checkpoint for %s", client).Err()
	}
	return &sc, nil
}

func (h *Handler) getCheckpoint(msg *replicator.Message) (any, error) {
	var req replicator.GetCheckpointRequest
	if err := msg.Decode(&req); err != nil || req.Client == "" {
		return nil, syncerr.HTTP(http.StatusBadRequest).Message("missing client").Err()
	}
	h.cpMu.Lock()
	sc, err := h.loadCheckpoint(req.Client)
	h.cpMu.Unlock()
	if errors.Is(err, store.ErrNotFound) {
		return nil, syncerr.HTTP(http.StatusNotFound).Message("no checkpoint for %s", req.Client).Err()
	}
	if err != nil {
		return nil, err
	}
	return replicator.CheckpointResponse{Rev: sc.Rev, Checkpoint: sc.Checkpoint}, nil
}

// setCheckpoint stores a checkpoint if the caller's revision matches the
// stored one. Revisions are "<generation>-cc".
func (h *Handler) setCheckpoint(msg *replicator.Message, g grant) (any, error) {
	var req replicator.SetCheckpointRequest
	if err := msg.Decode(&req); err != nil || req.Client == "" || len(req.Checkpoint) == 0 {
		return nil, syncerr.HTTP(http.StatusBadRequest).Message("missing client or checkpoint").Err()
	}

	h.cpMu.Lock()
	defer h.cpMu.Unlock()

	current := ""
	sc, err := h.loadCheckpoint(req.Client)
	switch {
	case err == nil:
		current = sc.Rev
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if req.Rev != current {
		return nil, syncerr.HTTP(http.StatusConflict).Message("checkpoint revision mismatch").Err()
	}

	rev := fmt.Sprintf("%d-cc", store.RevGeneration(current)+1)
	data, err := json.Marshal(storedCheckpoint{Rev: rev, Checkpoint: req.Checkpoint})
	if err != nil {
		return nil, err
	}
	if err := h.db.PutRaw(store.PeerCheckpointsNamespace, req.Client, data); err != nil {
		return nil, syncerr.Storage(err).Err()
	}
	h.logger.Debug("checkpoint stored", logging.String("client", req.Client), logging.RevID(rev))
	stored := audit.NewEvent(g.user, audit.ActionCheckpoint, audit.ResourceCheckpoint, req.Client)
	stored.Metadata = map[string]any{"rev": rev}
	h.audit(g, stored)
	return replicator.SetCheckpointResponse{Rev: rev}, nil
}

func (h *Handler) rev(msg *replicator.Message) error {
	var rev replicator.RevMessage
	if err := msg.Decode(&rev); err != nil {
		return syncerr.Sync(syncerr.CorruptRevisionData).Cause(err).Err()
	}
	if strings.TrimSpace(rev.DocID) == "" || rev.RevID == "" {
		return syncerr.HTTP(http.StatusBadRequest).Message("revision needs a doc_id and rev_id").Err()
	}
	_, err := h.db.PutForeign(store.Document{
		ID:      rev.DocID,
		RevID:   rev.RevID,
		Deleted: rev.Deleted,
		Body:    rev.Body,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return syncerr.HTTP(http.StatusConflict).Cause(err).Err()
		}
		return syncerr.Storage(err).Err()
	}
	h.logger.Debug("revision received", logging.DocID(rev.DocID), logging.RevID(rev.RevID))
	return nil
}
