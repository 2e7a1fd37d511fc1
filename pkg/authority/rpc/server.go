package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/internal/ratelimiter"
	"github.com/marmos91/dittosnap/pkg/authority"
)

// ServerConfig configures the authority server.
type ServerConfig struct {
	// Address is the TCP listen address, e.g. ":7420" or "127.0.0.1:0".
	Address string `mapstructure:"address" validate:"required"`

	// MaxConnections caps concurrent client connections. 0 means unlimited.
	// Connections over the cap are closed immediately after accept.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// RequestsPerSecond is the sustained request rate across all
	// connections. 0 disables rate limiting.
	RequestsPerSecond uint `mapstructure:"requests_per_second"`

	// Burst is the token bucket capacity. Defaults to 2x RequestsPerSecond.
	Burst uint `mapstructure:"burst"`

	// QueueTimeout is how long a rate-limited request may wait for a token
	// before it is answered with StatusBusy.
	QueueTimeout time.Duration `mapstructure:"queue_timeout" validate:"min=0"`

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// WriteTimeout bounds writing a single reply.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`

	// ShutdownTimeout is how long Serve waits for connections to drain
	// before closing them forcibly.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`

	// MaxRecordSize rejects records larger than this many bytes.
	MaxRecordSize int `mapstructure:"max_record_size" validate:"min=0"`
}

// ApplyDefaults fills zero fields with their defaults.
func (c *ServerConfig) ApplyDefaults() {
	if c.Address == "" {
		c.Address = ":7420"
	}
	if c.RequestsPerSecond > 0 && c.Burst == 0 {
		c.Burst = c.RequestsPerSecond * 2
	}
	if c.QueueTimeout == 0 {
		c.QueueTimeout = time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = DefaultMaxRecord
	}
}

// Server exposes an authority.Authority to remote proxies.
//
// One goroutine serves each connection and handles its calls in order, so a
// client that wants concurrency opens several connections (Client pools them).
type Server struct {
	config  ServerConfig
	auth    authority.Authority
	limiter *ratelimiter.RateLimiter
	metrics Metrics

	mu       sync.Mutex
	listener net.Listener

	activeConns       sync.WaitGroup
	activeConnections sync.Map
	connCount         atomic.Int32
	connSemaphore     chan struct{}

	shutdownOnce   sync.Once
	shutdown       chan struct{}
	done           chan struct{}
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc
}

// NewServer creates a server for auth. Call Listen (optional) and Serve.
func NewServer(auth authority.Authority, config ServerConfig, metrics Metrics) *Server {
	config.ApplyDefaults()

	var sem chan struct{}
	if config.MaxConnections > 0 {
		sem = make(chan struct{}, config.MaxConnections)
	}

	var limiter *ratelimiter.RateLimiter
	if config.RequestsPerSecond > 0 {
		limiter = ratelimiter.New(config.RequestsPerSecond, config.Burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:         config,
		auth:           auth,
		limiter:        limiter,
		metrics:        OrNoop(metrics),
		connSemaphore:  sem,
		shutdown:       make(chan struct{}),
		done:           make(chan struct{}),
		shutdownCtx:    ctx,
		cancelRequests: cancel,
	}
}

// Listen binds the configured address. Serve calls it when needed; calling
// it first lets callers learn the bound port through Addr.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Stop is called, then
// drains in-flight connections for up to ShutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	defer close(s.done)

	if err := s.Listen(); err != nil {
		return err
	}
	logger.Info("Authority server listening on %s", s.Addr())

	go func() {
		select {
		case <-ctx.Done():
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return s.drain()
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.initiateShutdown()
			_ = s.drain()
			return fmt.Errorf("accept: %w", err)
		}

		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			default:
				logger.Warn("Connection limit (%d) reached, rejecting %s", s.config.MaxConnections, conn.RemoteAddr())
				_ = conn.Close()
				continue
			}
		}

		s.activeConns.Add(1)
		s.activeConnections.Store(conn, struct{}{})
		s.metrics.SetActiveConnections(s.connCount.Add(1))
		go s.serveConn(conn)
	}
}

// Stop begins a graceful shutdown and waits for Serve to return or ctx to
// expire.
func (s *Server) Stop(ctx context.Context) error {
	s.initiateShutdown()

	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancelRequests()
		s.closeAll()
		return ctx.Err()
	}
}

func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		s.mu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Unlock()
	})
}

// drain waits for connections to finish their current call and go idle.
// Idle connections are woken by closing them.
func (s *Server) drain() error {
	finished := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(finished)
	}()

	// Wake readers blocked on idle connections; a connection in the middle
	// of a call finishes it before noticing the closed socket.
	s.activeConnections.Range(func(key, _ any) bool {
		_ = key.(net.Conn).SetReadDeadline(time.Now())
		return true
	})

	select {
	case <-finished:
		logger.Info("Authority server stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		logger.Warn("Shutdown timeout after %v, closing %d connections", s.config.ShutdownTimeout, s.connCount.Load())
		s.cancelRequests()
		s.closeAll()
		<-finished
		return nil
	}
}

func (s *Server) closeAll() {
	s.activeConnections.Range(func(key, _ any) bool {
		_ = key.(net.Conn).Close()
		return true
	})
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.activeConnections.Delete(conn)
		s.metrics.SetActiveConnections(s.connCount.Add(-1))
		if s.connSemaphore != nil {
			<-s.connSemaphore
		}
		s.activeConns.Done()
	}()

	logger.Debug("Authority connection from %s", conn.RemoteAddr())

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if s.config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		record, err := readRecord(conn, s.config.MaxRecordSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedOrTimeout(err) {
				logger.Debug("Authority connection %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		reply, err := s.dispatch(record)
		if err != nil {
			logger.Debug("Authority connection %s: %v", conn.RemoteAddr(), err)
			return
		}

		if s.config.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		if err := writeRecord(conn, reply); err != nil {
			logger.Debug("Authority connection %s: write reply: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// dispatch decodes one call record and produces the reply record. An error
// means the record was not a call at all and the connection must be dropped.
func (s *Server) dispatch(record []byte) ([]byte, error) {
	r := bytes.NewReader(record)

	var call callHeader
	if _, err := xdr.Unmarshal(r, &call); err != nil {
		return nil, fmt.Errorf("decode call header: %w", err)
	}

	start := time.Now()
	proc := ProcName(call.Procedure)

	var (
		result any
		err    error
	)
	switch {
	case call.Program != Program || call.Version != Version:
		err = authority.NewStatusError(proc, authority.StatusUnsupported,
			"%v: program %#x version %d", ErrProgramMismatch, call.Program, call.Version)
	default:
		if err = s.admit(); err == nil {
			result, err = s.handle(s.shutdownCtx, call.Procedure, r)
		}
	}

	code := authority.Code(err)
	s.metrics.ObserveRequest(proc, time.Since(start), code)

	hdr := replyHeader{XID: call.XID, Status: int32(code)}
	if err != nil {
		hdr.Message = statusMessage(err)
		logger.Debug("Authority %s (xid=%#x): %v", proc, call.XID, err)
	}

	return encode(&hdr, result)
}

// admit applies the request rate limit.
func (s *Server) admit() error {
	if s.limiter == nil || s.limiter.Allow() {
		return nil
	}

	ctx, cancel := context.WithTimeout(s.shutdownCtx, s.config.QueueTimeout)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return authority.NewStatusError("admit", authority.StatusBusy, "request rate limit exceeded")
	}
	return nil
}

func statusMessage(err error) string {
	var se *authority.StatusError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}

func isClosedOrTimeout(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
