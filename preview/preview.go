// Package preview serves the frames painted by the engine over HTTP.
package preview

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grafana/cefshim/api"
	"github.com/grafana/cefshim/common"
	"github.com/grafana/cefshim/log"
)

var _ api.FrameSink = &Server{}

const writeTimeout = 10 * time.Second

// Server is a frame sink that serves the latest frame as a PNG image and
// streams new frames to websocket clients.
type Server struct {
	logger   *log.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	latest  api.Frame
	hasLast bool
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	// frames holds at most the newest frame not yet sent.
	frames chan api.Frame
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.frames) })
}

// offer replaces any pending frame with f.
func (c *client) offer(f api.Frame) {
	for {
		select {
		case c.frames <- f:
			return
		default:
		}
		select {
		case <-c.frames:
		default:
		}
	}
}

// New returns a preview server.
func New(logger *log.Logger) *Server {
	s := &Server{
		logger:  logger,
		mux:     http.NewServeMux(),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.mux.HandleFunc("/frame.png", s.handleFrame)
	s.mux.HandleFunc("/ws", s.handleWebSocket)

	return s
}

// HandleFrame implements api.FrameSink.
func (s *Server) HandleFrame(frame api.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.latest, s.hasLast = frame, true
	for c := range s.clients {
		c.offer(frame)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	frame, ok := s.latest, s.hasLast
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "no frame painted yet", http.StatusNotFound)
		return
	}
	b, err := common.EncodePNG(frame)
	if err != nil {
		s.logger.Errorf("preview:handleFrame", "encoding frame %d: %v", frame.Seq, err)
		http.Error(w, "encoding frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugf("preview:handleWebSocket", "upgrading connection: %v", err)
		return
	}

	c := &client{conn: conn, frames: make(chan api.Frame, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	if s.hasLast {
		c.offer(s.latest)
	}
	s.mu.Unlock()

	s.logger.Debugf("preview:handleWebSocket", "client connected remote:%s", r.RemoteAddr)

	go s.writePump(c)
	go s.readPump(c)
}

// readPump discards client messages and unregisters the client once the
// connection is gone.
func (s *Server) readPump(c *client) {
	defer s.remove(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugf("preview:readPump", "reading: %v", err)
			}
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()

	for frame := range c.frames {
		b, err := common.EncodePNG(frame)
		if err != nil {
			s.logger.Debugf("preview:writePump", "skipping frame %d: %v", frame.Seq, err)
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
			s.logger.Debugf("preview:writePump", "writing frame %d: %v", frame.Seq, err)
			s.remove(c)
			return
		}
	}

	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeTimeout),
	)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.clients)
}

// Close disconnects every websocket client. Frames handled afterwards are
// ignored.
func (s *Server) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.closed = true
	s.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// Serve serves the preview on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		s.Close()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
