// Package server exposes the engine to channel collaborators over a
// websocket JSON protocol, plus an HTTP health check.
//
// Each websocket message is {"id", "op", "payload"} and is answered with
// {"id", "ok", "result"} or {"id", "ok": false, "error": {"code", "message"}}.
// Requests on one connection run concurrently; responses carry the request id.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-recall/logging"
)

// Request is one websocket call.
type Request struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// Error is a failed call.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response answers a Request.
type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Server serves /ws and /health.
type Server struct {
	recall      Recall
	upgrader    websocket.Upgrader
	log         *slog.Logger
	timeout     time.Duration
	maxInFlight int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = logging.Component(l, "server")
	}
}

// WithRequestTimeout bounds each call (default 10s).
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxInFlight bounds concurrent calls per connection (default 16).
func WithMaxInFlight(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxInFlight = n
		}
	}
}

// New creates a server around recall.
func New(recall Recall, opts ...Option) *Server {
	s := &Server{
		recall: recall,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Collaborators are services, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:         logging.Component(nil, "server"),
		timeout:     10 * time.Second,
		maxInFlight: 16,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.log.Debug("collaborator connected", "remote", r.RemoteAddr)

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
		slots   = make(chan struct{}, s.maxInFlight)
	)
	write := func(resp Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(resp); err != nil {
			s.log.Debug("write failed", "id", resp.ID, "error", err)
		}
	}
	defer wg.Wait()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", "error", err)
			}
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			write(Response{Error: &Error{Code: "invalid_input", Message: "malformed message"}})
			continue
		}

		slots <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-slots
				wg.Done()
			}()
			write(s.call(r.Context(), req))
		}()
	}
}

func (s *Server) call(ctx context.Context, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := Dispatch(ctx, s.recall, req.Op, req.Payload)
	if err != nil {
		code := ErrorCode(err)
		if code == "internal" || code == "unavailable" {
			s.log.Error("call failed", "id", req.ID, "op", req.Op, "error", err)
		}
		return Response{ID: req.ID, Error: &Error{Code: code, Message: err.Error()}}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}
