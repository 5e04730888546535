// Package control implements the Control & Progress Surface of spec §4.7:
// a local WebSocket server that pushes config/progress/chunk/status/error
// frames to every connected client and accepts start/pause/resume/cancel
// commands.
//
// Each connection gets its own writer goroutine fed by a buffered channel,
// decoupling the event-bus fan-out from the network write, plus a ticker
// that sends WebSocket control pings on the same loop. Framing is JSON
// text messages, matching spec §6.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/bitrise-io/upload-agent/internal/events"
)

var validate = validator.New()

const (
	pingInterval   = 30 * time.Second
	pongWait       = 90 * time.Second
	writeChanDepth = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // localhost-only control surface, spec §4.7
	},
}

// Command is an inbound frame, spec §6: "{action, filePath?, uploadId?, backendUrl?}".
type Command struct {
	Action     string `json:"action" validate:"required"`
	FilePath   string `json:"filePath,omitempty" validate:"required_if=Action start"`
	UploadID   string `json:"uploadId,omitempty"`
	BackendURL string `json:"backendUrl,omitempty" validate:"omitempty,url"`
}

// CommandHandler validates and executes a Command. Implemented by the Job
// Supervisor; the control server never drives job state itself (spec §9).
type CommandHandler interface {
	HandleCommand(cmd Command)
}

// ConfigFrame builds the config snapshot pushed on every new connection.
type ConfigFrame func() events.Config

// StatusFrame builds the resume/bootstrap report pushed right after the
// config frame on every new connection. Returns nil when the State Store
// has no job to report.
type StatusFrame func() *events.Status

// Server owns the WebSocket listener. It has its own independent lifetime
// signal and outlives individual jobs (spec §9, "Hierarchical cancellation").
type Server struct {
	addr    string
	bus     *events.Bus
	handler CommandHandler
	config  ConfigFrame
	status  StatusFrame
	logger  log.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
}

type conn struct {
	ws        *websocket.Conn
	writeChan chan interface{}
	closeChan chan struct{}
	closeOnce sync.Once
}

// New builds a Server bound to addr (e.g. "localhost:8787").
func New(addr string, bus *events.Bus, handler CommandHandler, config ConfigFrame, status StatusFrame, logger log.Logger) *Server {
	return &Server{
		addr:    addr,
		bus:     bus,
		handler: handler,
		config:  config,
		status:  status,
		logger:  logger,
		conns:   make(map[*conn]struct{}),
	}
}

// Run serves the control surface until ctx is cancelled. The listener's
// own shutdown is independent of any job's cancellation signal.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	srv := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("control: websocket upgrade failed: %v", err)
		return
	}

	c := &conn{
		ws:        ws,
		writeChan: make(chan interface{}, writeChanDepth),
		closeChan: make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	sub, unsubscribe := s.bus.Subscribe(writeChanDepth)

	go c.writeLoop()
	go s.fanIn(c, sub)

	c.enqueue(s.config())
	if s.status != nil {
		if report := s.status(); report != nil {
			c.enqueue(report)
		}
	}

	defer func() {
		unsubscribe()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.close()
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugf("control: read error: %v", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Warnf("control: malformed command, ignoring: %v", err)
			continue
		}
		if err := validate.Struct(cmd); err != nil {
			s.logger.Warnf("control: invalid command, ignoring: %v", err)
			continue
		}

		switch cmd.Action {
		case "start", "pause", "resume", "cancel", "delete":
			s.handler.HandleCommand(cmd)
		default:
			// unknown actions are ignored, spec §4.7
		}
	}
}

// fanIn forwards bus events to this connection's write channel until the
// subscription or the connection closes.
func (s *Server) fanIn(c *conn, sub <-chan interface{}) {
	for {
		select {
		case <-c.closeChan:
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			c.enqueue(event)
		}
	}
}

func (c *conn) enqueue(event interface{}) {
	select {
	case c.writeChan <- event:
	default:
		// slow consumer: drop rather than block the publisher (spec §9
		// Bus.Publish contract carries through to the per-connection buffer)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.close()
				return
			}
		case event := <-c.writeChan:
			if err := c.ws.WriteJSON(event); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.ws.Close()
	})
}
