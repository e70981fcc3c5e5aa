package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zerofrip/system-shizuku/internal/apperr"
	"github.com/zerofrip/system-shizuku/internal/identity"
	"github.com/zerofrip/system-shizuku/internal/model"
	"github.com/zerofrip/system-shizuku/internal/session"
	"github.com/zerofrip/system-shizuku/internal/supervisor"
)

// dispatch resolves one JSON-RPC request against the broker's engines.
// pt and procs are nil for a stateless HTTP call; methods that require
// session affinity refuse to run in that case.
func (s *Server) dispatch(ctx context.Context, peer identity.Peer, peerID session.PeerID, pt pushTarget, procs *procTable, req *Request) *Response {
	if req.JSONRPC != jsonrpcVersion {
		return newError(req.ID, &WireError{Code: codeInvalidRequest, Message: "jsonrpc must be \"2.0\""})
	}

	switch req.Method {
	// The "compat." prefix is the IShizukuService-equivalent compatibility
	// shim spec.md §9 calls for: a second, narrower namespace mirroring
	// the public surface for ecosystem compatibility. It shares every
	// case body below with its public counterpart, so it necessarily
	// routes through the same Permission Engine and Store rather than
	// keeping any grant state of its own.
	case "ping", "compat.ping":
		return newResult(req.ID, map[string]int{"version": s.perm.Ping()})

	case "get_my_permission", "compat.get_my_permission":
		var p struct {
			Package string `json:"package"`
			User    int    `json:"user"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		grant, err := s.perm.GetMyPermission(peer, p.Package, p.User)
		if err != nil {
			return newError(req.ID, toWireError(err))
		}
		return newResult(req.ID, grant)

	case "request_permission", "compat.request_permission":
		var p struct {
			Package string `json:"package"`
			User    int    `json:"user"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		cb := newBlockingCallback()
		if err := s.perm.RequestPermission(ctx, peer, p.Package, p.User, cb); err != nil {
			return newError(req.ID, toWireError(err))
		}
		select {
		case g := <-cb.granted:
			return newResult(req.ID, map[string]interface{}{"granted": true, "grant": g.grant, "token": g.token})
		case <-cb.denied:
			return newResult(req.ID, map[string]interface{}{"granted": false})
		case <-ctx.Done():
			return newError(req.ID, &WireError{Code: codeInternalError, Message: "timed out awaiting consent decision"})
		}

	case "attach_session", "compat.attach_session":
		if pt == nil {
			return newError(req.ID, toWireError(apperr.New(apperr.KindTransportUnavailable, "attach_session requires a persistent connection")))
		}
		var p struct {
			Token string `json:"token"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		if err := s.perm.AttachSession(peer, p.Token, peerID, peer.Package, peer.User); err != nil {
			return newError(req.ID, toWireError(err))
		}
		s.reg.subscribe(peer.Package, peer.User, pt)
		return newResult(req.ID, map[string]bool{"attached": true})

	case "mgmt.list_permissions":
		var p struct {
			User int `json:"user"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		grants, err := s.mgmt.List(peer, p.User)
		if err != nil {
			return newError(req.ID, toWireError(err))
		}
		return newResult(req.ID, grants)

	case "mgmt.get_permission":
		var p struct {
			Package string `json:"package"`
			User    int    `json:"user"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		grant, err := s.mgmt.Get(peer, p.Package, p.User)
		if err != nil {
			return newError(req.ID, toWireError(err))
		}
		return newResult(req.ID, grant)

	case "mgmt.revoke_permission":
		var p struct {
			Package string `json:"package"`
			User    int    `json:"user"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		if err := s.mgmt.Revoke(peer, p.Package, p.User); err != nil {
			return newError(req.ID, toWireError(err))
		}
		return newResult(req.ID, map[string]bool{"ok": true})

	case "mgmt.revoke_all_permissions":
		var p struct {
			User int `json:"user"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		if err := s.mgmt.RevokeAll(peer, p.User); err != nil {
			return newError(req.ID, toWireError(err))
		}
		return newResult(req.ID, map[string]bool{"ok": true})

	case "mgmt.get_audit_log":
		var p struct {
			Package string `json:"package"`
			User    int    `json:"user"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		events, err := s.mgmt.AuditLog(peer, p.Package, p.User)
		if err != nil {
			return newError(req.ID, toWireError(err))
		}
		return newResult(req.ID, events)

	case "new_process":
		if procs == nil {
			return newError(req.ID, toWireError(apperr.New(apperr.KindTransportUnavailable, "new_process requires a persistent connection")))
		}
		var p struct {
			Package string   `json:"package"`
			User    int      `json:"user"`
			Argv    []string `json:"argv"`
			Env     []string `json:"env,omitempty"`
			Dir     string   `json:"dir,omitempty"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		h, err := s.sup.NewProcess(peerID, p.Package, p.User, supervisor.Spec{Argv: p.Argv, Env: p.Env, Dir: p.Dir})
		if err != nil {
			return newError(req.ID, toWireError(err))
		}
		procs.put(h)
		return newResult(req.ID, map[string]string{"id": h.ID})

	case "wait_process":
		if procs == nil {
			return newError(req.ID, toWireError(apperr.New(apperr.KindTransportUnavailable, "wait_process requires a persistent connection")))
		}
		var p struct {
			ID string `json:"id"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		h, ok := procs.get(p.ID)
		if !ok {
			return newError(req.ID, &WireError{Code: codeInvalidParams, Message: "unknown process id"})
		}
		code := h.Wait()
		return newResult(req.ID, map[string]int{"exitCode": code})

	case "wait_process_for":
		if procs == nil {
			return newError(req.ID, toWireError(apperr.New(apperr.KindTransportUnavailable, "wait_process_for requires a persistent connection")))
		}
		var p struct {
			ID        string `json:"id"`
			TimeoutMs int    `json:"timeoutMs"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		h, ok := procs.get(p.ID)
		if !ok {
			return newError(req.ID, &WireError{Code: codeInvalidParams, Message: "unknown process id"})
		}
		done := make(chan struct{})
		timer := time.AfterFunc(time.Duration(p.TimeoutMs)*time.Millisecond, func() { close(done) })
		defer timer.Stop()
		exited := h.WaitFor(done)
		return newResult(req.ID, map[string]bool{"exited": exited})

	case "process_exit_value":
		if procs == nil {
			return newError(req.ID, toWireError(apperr.New(apperr.KindTransportUnavailable, "process_exit_value requires a persistent connection")))
		}
		var p struct {
			ID string `json:"id"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		h, ok := procs.get(p.ID)
		if !ok {
			return newError(req.ID, &WireError{Code: codeInvalidParams, Message: "unknown process id"})
		}
		code, err := h.ExitValue()
		if err != nil {
			return newError(req.ID, toWireError(err))
		}
		return newResult(req.ID, map[string]int{"exitCode": code})

	case "destroy_process":
		if procs == nil {
			return newError(req.ID, toWireError(apperr.New(apperr.KindTransportUnavailable, "destroy_process requires a persistent connection")))
		}
		var p struct {
			ID string `json:"id"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		h, ok := procs.get(p.ID)
		if !ok {
			return newError(req.ID, &WireError{Code: codeInvalidParams, Message: "unknown process id"})
		}
		_ = h.Destroy()
		return newResult(req.ID, map[string]bool{"ok": true})

	default:
		return newError(req.ID, &WireError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)})
	}
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func invalidParams(id interface{}, err error) *Response {
	return newError(id, &WireError{Code: codeInvalidParams, Message: "invalid params", Data: err.Error()})
}

// blockingCallback adapts permission.GrantCallback to the request/response
// model a unary RPC call needs: the handler blocks on one of two channels
// until the consent UI resolves.
type blockingCallback struct {
	granted chan grantResult
	denied  chan struct{}
}

type grantResult struct {
	grant model.Grant
	token string
}

func newBlockingCallback() *blockingCallback {
	return &blockingCallback{granted: make(chan grantResult, 1), denied: make(chan struct{}, 1)}
}

func (c *blockingCallback) OnGranted(g model.Grant, token string) {
	c.granted <- grantResult{grant: g, token: token}
}

func (c *blockingCallback) OnDenied(pkg string, user int) {
	c.denied <- struct{}{}
}
