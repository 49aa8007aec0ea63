// Package transport implements the OneBot-11 WebSocket server: the
// single inbound accept loop, the outbound echo correlator, and the
// sendText/sendContent reply API.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qqacp/bridge/internal/chat"
	"github.com/qqacp/bridge/internal/common/logger"
	"github.com/qqacp/bridge/internal/message"
	"github.com/qqacp/bridge/internal/reply"
	"github.com/qqacp/bridge/pkg/onebot"
)

// Dispatcher receives every inbound chat message, already parsed.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg message.Message)
}

// AgentDisconnector is the subset of AgentManager the transport needs on
// peer close.
type AgentDisconnector interface {
	DisconnectAll(ctx context.Context)
}

const apiCallTimeout = 10 * time.Second

// Server is the single-client OneBot WebSocket endpoint.
type Server struct {
	addr       string
	dispatcher Dispatcher
	agents     AgentDisconnector
	log        *logger.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	botID   string
	echoCtr atomic.Int64
	pending map[string]chan *onebot.Event
}

// New builds a Server bound to addr ("host:port").
func New(addr string, dispatcher Dispatcher, agents AgentDisconnector, log *logger.Logger) *Server {
	return &Server{
		addr:       addr,
		dispatcher: dispatcher,
		agents:     agents,
		log:        log.With(zap.String("component", "transport")),
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		pending:    make(map[string]chan *onebot.Event),
	}
}

// ListenAndServe blocks serving the WebSocket endpoint until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	srv := &http.Server{Addr: s.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		// Non-goal: no multiplexing. A new client replaces the old one.
		old := s.conn
		s.mu.Unlock()
		old.Close()
	} else {
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Info("transport client connected")
	s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		pending := s.pending
		s.pending = make(map[string]chan *onebot.Event)
		s.mu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
		s.log.Info("transport client disconnected")
		s.agents.DisconnectAll(context.Background())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev onebot.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("malformed onebot event", zap.Error(err))
			continue
		}
		s.handleEvent(&ev)
	}
}

func (s *Server) handleEvent(ev *onebot.Event) {
	if ev.Echo != "" {
		s.resolvePending(ev)
		return
	}

	switch ev.PostType {
	case "meta_event":
		if ev.MetaEventType == "lifecycle" && ev.SelfID != 0 {
			s.mu.Lock()
			s.botID = strconv.FormatInt(ev.SelfID, 10)
			s.mu.Unlock()
			s.log.Info("bot id learned", zap.Int64("self_id", ev.SelfID))
		}
	case "message":
		s.mu.Lock()
		botID := s.botID
		s.mu.Unlock()
		msg := message.Parse(ev, botID)
		// Dispatch on its own goroutine: a prompt turn blocks until the
		// agent answers, and its replies need this read loop free to
		// deliver their acknowledgements.
		go s.dispatcher.Dispatch(context.Background(), msg)
	}
}

func (s *Server) resolvePending(ev *onebot.Event) {
	s.mu.Lock()
	ch, ok := s.pending[ev.Echo]
	if ok {
		delete(s.pending, ev.Echo)
	}
	s.mu.Unlock()
	if ok {
		ch <- ev
	}
}

// SendText sends a plain-text reply to chatID.
func (s *Server) SendText(ctx context.Context, id chat.ID, text string) error {
	return s.SendContent(ctx, id, reply.Parts{reply.NewText(text)})
}

// SendContent sends an ordered sequence of reply parts to chatID,
// converted to OneBot segments.
func (s *Server) SendContent(ctx context.Context, id chat.ID, parts reply.Parts) error {
	segments := message.ToSegments(parts)

	action := onebot.ActionSendPrivateMsg
	params := onebot.SendMsgParams{Message: segments}
	if id.IsGroup() {
		action = onebot.ActionSendGroupMsg
		groupID, err := strconv.ParseInt(string(id)[len("group:"):], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid group chat id %q: %w", id, err)
		}
		params.GroupID = groupID
	} else {
		userID, err := strconv.ParseInt(string(id)[len("private:"):], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid private chat id %q: %w", id, err)
		}
		params.UserID = userID
	}

	_, err := s.call(ctx, action, params)
	return err
}

func (s *Server) call(ctx context.Context, action string, params interface{}) (*onebot.Event, error) {
	echo := strconv.FormatInt(s.echoCtr.Add(1), 10)
	respCh := make(chan *onebot.Event, 1)

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("transport not connected")
	}
	s.pending[echo] = respCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, echo)
		s.mu.Unlock()
	}()

	data, err := json.Marshal(onebot.APICall{Action: action, Params: params, Echo: echo})
	if err != nil {
		return nil, fmt.Errorf("marshal api call: %w", err)
	}

	s.mu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, data)
	s.mu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("write api call: %w", writeErr)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("transport disconnected while awaiting %s", action)
		}
		return resp, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("timed out waiting for %s acknowledgement", action)
	}
}
