package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/qqacp/bridge/internal/common/logger"
	"go.uber.org/zap"
)

// Client is a duplex JSON-RPC 2.0 link over a subprocess's stdin/stdout.
// One Client serves exactly one agent connection.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[interface{}]chan *Response
	mu        sync.Mutex

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)

	logger   *logger.Logger
	done     chan struct{}
	closeErr error
}

// NewClient wraps stdin/stdout streams in a JSON-RPC client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[interface{}]chan *Response),
		logger:  log.With(zap.String("component", "jsonrpc")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for peer notifications (e.g. session/update).
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for peer-initiated requests (e.g.
// session/request_permission). The handler must eventually call SendResponse.
func (c *Client) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// SendResponse replies to a peer-initiated request.
func (c *Client) SendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	return c.send(&Response{JSONRPC: "2.0", ID: id, Result: resultJSON, Error: rpcErr})
}

// Start launches the background read loop. Call once after construction.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop closes the link. Any Call blocked awaiting a response returns
// immediately with an error instead of waiting out its context; each
// call's buffered response channel is left to the collector so a racing
// handleResponse can never send on a closed channel.
func (c *Client) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	c.closeErr = fmt.Errorf("jsonrpc link closed")
	close(c.done)
	c.mu.Unlock()
}

// Call sends a request and blocks for its response, ctx cancellation, or
// link closure, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, c.closeErr
	default:
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closeErr
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
	}
	return c.send(&Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	c.logger.Debug("sent", zap.ByteString("data", data))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.logger.Debug("received", zap.ByteString("data", line))

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("malformed jsonrpc line", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		hasResult := msg.Result != nil
		hasError := msg.Error != nil

		switch {
		case hasID && !hasMethod && (hasResult || hasError):
			c.handleResponse(&Response{JSONRPC: "2.0", ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod && !hasID:
			c.handleNotification(&Notification{JSONRPC: "2.0", Method: msg.Method, Params: msg.Params})
		default:
			c.logger.Warn("unrecognized jsonrpc message shape")
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop terminated", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)

	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()

	if ok {
		ch <- resp
		return
	}
	c.logger.Warn("response for unknown request id", zap.Any("id", resp.ID))
}

// normalizeID converts a JSON-unmarshaled id (float64) to the int64 used
// for request ids, so pending-map lookups succeed.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func (c *Client) handleNotification(notif *Notification) {
	if c.onNotification != nil {
		c.onNotification(notif.Method, notif.Params)
	}
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("request with no handler registered", zap.String("method", method))
	c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"})
}
