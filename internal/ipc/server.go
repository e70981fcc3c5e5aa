package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zerofrip/system-shizuku/internal/identity"
	"github.com/zerofrip/system-shizuku/internal/management"
	"github.com/zerofrip/system-shizuku/internal/permission"
	"github.com/zerofrip/system-shizuku/internal/session"
	"github.com/zerofrip/system-shizuku/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the broker's transport: a chi router exposing one-shot HTTP
// JSON-RPC for stateless calls and a websocket endpoint for anything
// that needs session affinity (attach_session, request_permission's
// eventual push, process ownership liveness).
type Server struct {
	log  zerolog.Logger
	perm *permission.Engine
	mgmt *management.Engine
	sess *session.Manager
	sup  *supervisor.Supervisor
	reg  *Registry

	router chi.Router
}

type Deps struct {
	Permission *permission.Engine
	Management *management.Engine
	Sessions   *session.Manager
	Supervisor *supervisor.Supervisor
	Registry   *Registry
	Log        zerolog.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{
		log:  d.Log,
		perm: d.Permission,
		mgmt: d.Management,
		sess: d.Sessions,
		sup:  d.Supervisor,
		reg:  d.Registry,
	}
	r := chi.NewRouter()
	r.Post("/rpc", s.handleUnary)
	r.Get("/ws", s.handleWS)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// resolvePeer reads the caller identity off the request. The real
// platform binds this from the kernel-verified connection credentials;
// here it is carried as query parameters, matching how the rest of the
// pack's HTTP test harnesses fake an authenticated caller.
func resolvePeer(r *http.Request) identity.Peer {
	q := r.URL.Query()
	appID, _ := strconv.ParseInt(q.Get("app_id"), 10, 64)
	user, _ := strconv.Atoi(q.Get("user"))
	return identity.Peer{AppID: appID, User: user, Package: q.Get("package")}
}

// handleUnary serves stateless calls (ping, get_my_permission, the
// management surface) over plain HTTP. Anything needing session
// affinity is rejected with TRANSPORT_UNAVAILABLE — there is no
// persistent connection here to attach a token or track owner liveness
// against.
func (s *Server) handleUnary(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, newError(nil, &WireError{Code: codeParseError, Message: "invalid JSON-RPC envelope"}))
		return
	}
	peer := resolvePeer(r)
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	resp := s.dispatch(ctx, peer, "", nil, nil, &req)
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// procTable tracks the process handles a single connection has spawned,
// so wait/exit_value/destroy calls on that connection can resolve an id
// without a global process registry leaking across owners.
type procTable struct {
	mu    sync.Mutex
	procs map[string]*supervisor.Handle
}

func newProcTable() *procTable { return &procTable{procs: make(map[string]*supervisor.Handle)} }

func (t *procTable) put(h *supervisor.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[h.ID] = h
}

func (t *procTable) get(id string) (*supervisor.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.procs[id]
	return h, ok
}

// wsConn is one persistent peer connection. Writes are serialized through
// a single goroutine draining send, so pushNotification from an engine
// goroutine never races the request/response loop's writes.
type wsConn struct {
	conn   *websocket.Conn
	peerID session.PeerID
	send   chan *Response
	procs  *procTable
	log    zerolog.Logger
}

func (c *wsConn) pushNotification(method string, params interface{}) {
	select {
	case c.send <- newNotification(method, params):
	default:
		c.log.Warn().Str("method", method).Msg("notification dropped, send buffer full")
	}
}

func (c *wsConn) writeLoop() {
	for resp := range c.send {
		if err := c.conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peer := resolvePeer(r)
	wc := &wsConn{
		conn:   conn,
		peerID: session.PeerID(newPeerID()),
		send:   make(chan *Response, 32),
		procs:  newProcTable(),
		log:    s.log,
	}
	go wc.writeLoop()

	defer func() {
		close(wc.send)
		conn.Close()
		s.reg.unsubscribeAll(wc)
		s.sess.PeerDied(wc.peerID)
		s.sup.OwnerDied(wc.peerID)
	}()

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		resp := s.dispatch(ctx, peer, wc.peerID, wc, wc.procs, &req)
		cancel()
		wc.send <- resp
	}
}

var peerIDSeq struct {
	mu  sync.Mutex
	n   uint64
}

// newPeerID mints a process-unique connection identifier. It does not
// need to be unguessable — it is only ever compared for equality inside
// the session manager and process table, never sent to a peer.
func newPeerID() string {
	peerIDSeq.mu.Lock()
	peerIDSeq.n++
	n := peerIDSeq.n
	peerIDSeq.mu.Unlock()
	return "conn-" + strconv.FormatUint(n, 10)
}
