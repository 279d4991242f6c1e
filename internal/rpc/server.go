package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/geocoder89/authhub/internal/observability"
	"go.opentelemetry.io/otel"
)

// Handler handles one command. A returned *Error crosses the channel as-is;
// any other error is flattened to the generic 500 envelope.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Server is the service side of the command channel. Every request is
// handled in its own goroutine so a slow bcrypt or DB call never blocks the
// other commands multiplexed on the same connection.
type Server struct {
	log  *slog.Logger
	prom *observability.Prom

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	lis      net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

type ServerOption func(*Server)

func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

func WithServerMetrics(p *observability.Prom) ServerOption {
	return func(s *Server) { s.prom = p }
}

func NewServer(opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
		conns:    make(map[net.Conn]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handle registers the handler for a command name. Registration happens
// before Serve; there is no locking on the read path.
func (s *Server) Handle(cmd string, h Handler) {
	s.handlers[cmd] = h
}

func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)

	if err != nil {
		return err
	}

	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	s.log.Info("command channel listening", "addr", lis.Addr().String())

	for {
		conn, err := lis.Accept()

		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()

			if closed {
				return nil
			}

			s.log.Error("accept failed", "err", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	w := &connWriter{enc: json.NewEncoder(conn)}
	dec := json.NewDecoder(bufio.NewReader(conn))

	for {
		var req request

		if err := dec.Decode(&req); err != nil {
			// EOF or a broken peer; in-flight handlers finish and their
			// writes fail silently against the closed conn
			return
		}

		s.wg.Add(1)
		go func(req request) {
			defer s.wg.Done()
			s.handleRequest(w, req)
		}(req)
	}
}

func (s *Server) handleRequest(w *connWriter, req request) {
	tracer := otel.Tracer("authhub/rpc")
	ctx, span := tracer.Start(s.ctx, "rpc."+req.Cmd)
	defer span.End()

	s.prom.RPCStarted()
	defer s.prom.RPCFinished()

	start := time.Now()

	h, ok := s.handlers[req.Cmd]

	if !ok {
		s.log.Warn("unknown command", "cmd", req.Cmd)
		s.prom.ObserveRPC(req.Cmd, "error", time.Since(start))
		w.send(response{ID: req.ID, Error: true, Status: http.StatusInternalServerError, Message: GenericMessage})
		return
	}

	data, err := h(ctx, req.Payload)

	if err != nil {
		status, message := toWire(err)

		// the wire only ever carries the translated pair; the original
		// error stays in the log
		if status == http.StatusInternalServerError && message == GenericMessage {
			s.log.ErrorContext(ctx, "command failed", "cmd", req.Cmd, "err", err)
		} else {
			s.log.DebugContext(ctx, "command rejected", "cmd", req.Cmd, "status", status)
		}

		s.prom.ObserveRPC(req.Cmd, "error", time.Since(start))
		w.send(response{ID: req.ID, Error: true, Status: status, Message: message})
		return
	}

	raw, err := json.Marshal(data)

	if err != nil {
		s.log.ErrorContext(ctx, "marshal response failed", "cmd", req.Cmd, "err", err)
		s.prom.ObserveRPC(req.Cmd, "error", time.Since(start))
		w.send(response{ID: req.ID, Error: true, Status: http.StatusInternalServerError, Message: GenericMessage})
		return
	}

	s.prom.ObserveRPC(req.Cmd, "ok", time.Since(start))
	w.send(response{ID: req.ID, Error: false, Data: raw})
}

// Shutdown stops accepting, closes live connections (failing their in-flight
// requests cleanly on the client side) and waits for handlers to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lis := s.lis
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.cancel()

	if lis != nil {
		_ = lis.Close()
	}

	for _, conn := range conns {
		_ = conn.Close()
	}

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connWriter serializes response frames onto a shared connection.
type connWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *connWriter) send(res response) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.enc.Encode(res)
}
