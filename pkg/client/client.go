// Package client is the Go SDK for talking to a system_shizuku broker,
// adapted from the teacher's client package (client/client.go,
// client/types.go): an HTTP client for stateless calls plus a reconnecting
// websocket connection for anything that needs session affinity, with the
// same request-id/pending-channel dispatch shape.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Options configures the client.
type Options struct {
	// BaseURL is the broker's surface, e.g. "http://localhost:7288".
	BaseURL string
	// AppID/User/Package identify this caller for every call issued.
	AppID   int64
	User    int
	Package string

	Timeout               time.Duration
	AutoReconnect         bool
	MaxReconnectAttempts  int
	ReconnectDelay        time.Duration
}

// ConnectionState mirrors the teacher client's connection state machine.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Notification is delivered for every unsolicited push the broker sends
// over the websocket (method set, ID unset).
type Notification struct {
	Method string
	Params json.RawMessage
}

// Client talks to one broker instance.
type Client struct {
	opts       Options
	httpClient *http.Client

	wsMu  sync.Mutex
	ws    *websocket.Conn
	state atomic.Value // ConnectionState

	requestID       int64
	pendingMu       sync.Mutex
	pendingRequests map[int64]chan *Response

	notifications chan Notification

	reconnectAttempts int
	done              chan struct{}
}

func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = time.Second
	}
	c := &Client{
		opts:            opts,
		httpClient:      &http.Client{Timeout: opts.Timeout},
		pendingRequests: make(map[int64]chan *Response),
		notifications:   make(chan Notification, 16),
		done:            make(chan struct{}),
	}
	c.state.Store(StateDisconnected)
	return c
}

func (c *Client) State() ConnectionState { return c.state.Load().(ConnectionState) }

// Notifications returns the channel permission_changed pushes arrive on.
// Only populated once Connect has succeeded and attach_session has been
// called on the resulting connection.
func (c *Client) Notifications() <-chan Notification { return c.notifications }

func (c *Client) identityQuery() string {
	return fmt.Sprintf("app_id=%d&user=%d&package=%s", c.opts.AppID, c.opts.User, url.QueryEscape(c.opts.Package))
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws?%s", scheme, u.Host, c.identityQuery()), nil
}

// Connect opens the persistent websocket connection used by
// attach_session, request_permission's eventual push, and process
// operations.
func (c *Client) Connect() error {
	state := c.State()
	if state == StateConnected || state == StateConnecting {
		return nil
	}
	c.state.Store(StateConnecting)

	wsURL, err := c.wsURL()
	if err != nil {
		c.state.Store(StateDisconnected)
		return err
	}

	c.wsMu.Lock()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		c.wsMu.Unlock()
		c.state.Store(StateDisconnected)
		return fmt.Errorf("connect: %w", err)
	}
	c.ws = conn
	c.wsMu.Unlock()

	c.state.Store(StateConnected)
	c.reconnectAttempts = 0
	go c.readLoop()
	return nil
}

func (c *Client) Disconnect() {
	c.wsMu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.wsMu.Unlock()
	c.state.Store(StateDisconnected)
	c.clearPending(fmt.Errorf("client disconnected"))
}

func (c *Client) Close() {
	close(c.done)
	c.Disconnect()
}

// Call issues method over the live websocket if connected, or falls back
// to a one-shot HTTP POST /rpc for stateless calls. result may be nil.
func (c *Client) Call(method string, params interface{}, result interface{}) error {
	if c.State() == StateConnected {
		return c.callWS(method, params, result)
	}
	return c.callHTTP(method, params, result)
}

func (c *Client) callHTTP(method string, params interface{}, result interface{}) error {
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	body, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: paramsBytes, ID: 1})
	if err != nil {
		return err
	}

	url := c.opts.BaseURL + "/rpc?" + c.identityQuery()
	httpResp, err := c.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return unpack(&resp, result)
}

func (c *Client) callWS(method string, params interface{}, result interface{}) error {
	id := atomic.AddInt64(&c.requestID, 1)
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: paramsBytes, ID: id}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pendingRequests[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingRequests, id)
		c.pendingMu.Unlock()
	}()

	c.wsMu.Lock()
	if c.ws == nil {
		c.wsMu.Unlock()
		return fmt.Errorf("%s: websocket not connected", method)
	}
	err = c.ws.WriteJSON(req)
	c.wsMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: write: %w", method, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return fmt.Errorf("%s: connection lost while waiting for response", method)
		}
		return unpack(resp, result)
	case <-time.After(c.opts.Timeout):
		return fmt.Errorf("%s: timeout", method)
	case <-c.done:
		return fmt.Errorf("%s: client closed", method)
	}
}

func unpack(resp *Response, result interface{}) error {
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

func (c *Client) readLoop() {
	for {
		c.wsMu.Lock()
		ws := c.ws
		c.wsMu.Unlock()
		if ws == nil {
			return
		}

		var resp Response
		if err := ws.ReadJSON(&resp); err != nil {
			c.handleDisconnect()
			return
		}

		if resp.ID == 0 && resp.Method != "" {
			select {
			case c.notifications <- Notification{Method: resp.Method, Params: resp.Result}:
			default:
			}
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pendingRequests[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *Client) handleDisconnect() {
	wasConnected := c.State() == StateConnected
	c.state.Store(StateDisconnected)

	c.wsMu.Lock()
	c.ws = nil
	c.wsMu.Unlock()
	c.clearPending(fmt.Errorf("connection lost"))

	if wasConnected && c.opts.AutoReconnect && c.reconnectAttempts < c.opts.MaxReconnectAttempts {
		c.reconnectAttempts++
		c.state.Store(StateReconnecting)
		delay := c.opts.ReconnectDelay * time.Duration(c.reconnectAttempts)
		time.Sleep(delay)
		_ = c.Connect()
	}
}

func (c *Client) clearPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, ch := range c.pendingRequests {
		close(ch)
	}
	c.pendingRequests = make(map[int64]chan *Response)
}
