package graceful

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Mode selects how an HTTPServer shuts down.
type Mode string

const (
	ModeGraceful  Mode = "graceful"
	ModeImmediate Mode = "immediate"
)

// ParseMode accepts "graceful" and "immediate"; empty means immediate.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeGraceful:
		return ModeGraceful, nil
	case ModeImmediate, "":
		return ModeImmediate, nil
	}
	return "", fmt.Errorf("unknown shutdown mode %q", s)
}

// HTTPServer is an http.Server that counts in-flight requests so that it can
// be shut down gracefully.
type HTTPServer struct {
	addr     string
	srv      *http.Server
	active   atomic.Int64
	shutdown *Shutdown

	mu       sync.Mutex
	ln       net.Listener
	stopOnce sync.Once
	stopped  chan struct{}
	served   chan struct{}
	ready    chan struct{}
}

// NewHTTPServer wraps handler. Options only apply in graceful mode.
func NewHTTPServer(addr string, handler http.Handler, mode Mode, opts ...Option) *HTTPServer {
	s := &HTTPServer{addr: addr, stopped: make(chan struct{}), served: make(chan struct{}), ready: make(chan struct{})}
	s.srv = &http.Server{Handler: s.count(handler), ReadHeaderTimeout: 10 * time.Second}
	if mode == ModeGraceful {
		s.shutdown = New(s, opts...)
	}
	return s
}

func (s *HTTPServer) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.active.Add(1)
		defer s.active.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves in the background.
func (s *HTTPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	log.Info().Str("addr", ln.Addr().String()).Msg("http server started")
	go func() {
		defer close(s.served)
		close(s.ready)
		err := s.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("http server")
		}
	}()
	return nil
}

// Ready is closed once the server is serving its listener.
func (s *HTTPServer) Ready() <-chan struct{} { return s.ready }

// Port returns the bound port, or 0 before Start.
func (s *HTTPServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	if tcp, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func (s *HTTPServer) ActiveRequests() int64 { return s.active.Load() }

// StopAccepting closes the listener. Connections already open finish their
// current request and are then closed.
func (s *HTTPServer) StopAccepting() error {
	s.srv.SetKeepAlivesEnabled(false)
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// ShutDownGracefully reports Immediate when the server runs in immediate mode.
func (s *HTTPServer) ShutDownGracefully(cb func(Result)) { s.shutdown.ShutDownGracefully(cb) }

// Shutdown returns the coordinator, nil in immediate mode.
func (s *HTTPServer) Shutdown() *Shutdown { return s.shutdown }

// Stop closes the server and every connection, aborting a running graceful
// shutdown.
func (s *HTTPServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.shutdown.Abort()
		err = s.srv.Close()
		s.mu.Lock()
		started := s.ln != nil
		s.mu.Unlock()
		if started {
			<-s.served
		}
		close(s.stopped)
		log.Info().Str("addr", s.addr).Msg("http server stopped")
	})
	return err
}

// Await blocks until Stop has been called.
func (s *HTTPServer) Await() { <-s.stopped }

// Close shuts down gracefully when configured to, then stops. It makes the
// server usable as an application context.
func (s *HTTPServer) Close() error {
	if s.shutdown != nil {
		done := make(chan struct{})
		s.ShutDownGracefully(func(Result) { close(done) })
		select {
		case <-done:
		case <-s.shutdown.Done():
		}
	}
	return s.Stop()
}
