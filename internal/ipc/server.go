package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/vimeo/go-clocks"
	"github.com/vimeo/go-retry"

	"github.com/rescale/only/internal/framing"
	"github.com/rescale/only/internal/logging"
)

const (
	// DefaultReadTimeout bounds how long a connection may take to send its message.
	DefaultReadTimeout = 30 * time.Second

	// DefaultShutdownGrace bounds how long Stop waits for in-flight handlers.
	DefaultShutdownGrace = 5 * time.Second
)

// Handler receives every argument list read from a follower. It may be called
// concurrently from several connections.
type Handler func(ctx context.Context, args []string) error

// State is the lifecycle state of a Server.
type State int32

const (
	StateUnbound State = iota
	StateListening
	StateAccepting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats is a snapshot of server counters.
type Stats struct {
	Accepted     uint64
	Delivered    uint64
	Partial      uint64
	Rejected     uint64
	SinkFailures uint64
	Rebinds      uint64
}

type counters struct {
	accepted     atomic.Uint64
	delivered    atomic.Uint64
	partial      atomic.Uint64
	rejected     atomic.Uint64
	sinkFailures atomic.Uint64
	rebinds      atomic.Uint64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithReadTimeout sets the per-connection read deadline.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithShutdownGrace sets how long Stop waits for in-flight handlers before
// giving up on them.
func WithShutdownGrace(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownGrace = d
		}
	}
}

// WithClock sets the clock used for backoff and the shutdown grace period.
func WithClock(c clocks.Clock) ServerOption {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// withListenFunc replaces Listen, for tests.
func withListenFunc(fn func(string) (net.Listener, error)) ServerOption {
	return func(s *Server) { s.listen = fn }
}

// Server accepts follower connections on the leader's endpoint and hands each
// decoded argument list to its Handler.
type Server struct {
	endpoint      string
	handler       Handler
	logger        *logging.Logger
	readTimeout   time.Duration
	shutdownGrace time.Duration
	clock         clocks.Clock
	listen        func(string) (net.Listener, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	state    atomic.Int32
	stopOnce sync.Once
	stats    counters
}

// NewServer creates a server for endpoint. It does not bind until Start.
func NewServer(endpoint string, handler Handler, logger *logging.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logging.NewLoggerWithWriter(io.Discard)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		endpoint:      endpoint,
		handler:       handler,
		logger:        logger.Child(map[string]string{"endpoint": endpoint}),
		readTimeout:   DefaultReadTimeout,
		shutdownGrace: DefaultShutdownGrace,
		clock:         clocks.DefaultClock(),
		listen:        Listen,
		ctx:           ctx,
		cancel:        cancel,
		conns:         make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Endpoint returns the endpoint the server binds.
func (s *Server) Endpoint() string { return s.endpoint }

// State returns the current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted:     s.stats.accepted.Load(),
		Delivered:    s.stats.delivered.Load(),
		Partial:      s.stats.partial.Load(),
		Rejected:     s.stats.rejected.Load(),
		SinkFailures: s.stats.sinkFailures.Load(),
		Rebinds:      s.stats.rebinds.Load(),
	}
}

// Start binds the endpoint and starts accepting connections.
func (s *Server) Start() error {
	if s.State() != StateUnbound {
		return fmt.Errorf("server is %s", s.State())
	}

	listener, err := s.listen(s.endpoint)
	if err != nil {
		if !errors.Is(err, ErrEndpointBind) {
			err = fmt.Errorf("%w: %w", ErrEndpointBind, err)
		}
		return err
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		listener.Close()
		return fmt.Errorf("%w: server stopped", ErrEndpointBind)
	}
	s.listener = listener
	s.wg.Add(1)
	s.mu.Unlock()

	s.state.CompareAndSwap(int32(StateUnbound), int32(StateListening))
	s.logger.Info().Msg("Instance endpoint listening")

	go s.acceptLoop()

	return nil
}

// Stop closes the endpoint and every open connection, then waits for
// in-flight handlers for at most the shutdown grace period. Handlers still
// running after that are abandoned. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Debug().Msg("Stopping instance endpoint")
		s.state.Store(int32(StateClosed))
		s.cancel()

		s.mu.Lock()
		listener := s.listener
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if listener != nil {
			listener.Close()
		}
		for _, c := range conns {
			c.Close()
		}

		s.waitHandlers()

		if listener != nil {
			if err := RemoveEndpoint(s.endpoint); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to remove endpoint")
			}
		}
		s.logger.Info().
			Uint64("accepted", s.stats.accepted.Load()).
			Uint64("delivered", s.stats.delivered.Load()).
			Msg("Instance endpoint stopped")
	})
}

// waitHandlers waits for the accept loop and connection handlers to return,
// bounded by the shutdown grace period.
func (s *Server) waitHandlers() {
	done, finished := context.WithCancel(context.Background())
	defer finished()
	go func() {
		s.wg.Wait()
		finished()
	}()

	if s.clock.SleepFor(done, s.shutdownGrace) {
		s.logger.Warn().
			Dur("grace", s.shutdownGrace).
			Msg("Handlers still running after shutdown grace period, abandoning them")
	}
}

func (s *Server) closing() bool {
	return s.ctx.Err() != nil
}

func (s *Server) currentListener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// acceptLoop accepts connections until the server stops. Each connection is
// handed off before its payload is read, so the next Accept is armed at once.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	b := retry.DefaultBackoff()
	b.MinBackoff = 10 * time.Millisecond
	b.MaxBackoff = time.Second

	for {
		if s.closing() {
			return
		}

		conn, err := s.currentListener().Accept()
		if err != nil {
			if s.closing() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Msg("Endpoint closed unexpectedly, re-binding")
				if !s.rebind(&b) {
					return
				}
				continue
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			if !s.clock.SleepFor(s.ctx, b.Next()) {
				return
			}
			continue
		}
		b.Reset()

		s.state.CompareAndSwap(int32(StateListening), int32(StateAccepting))
		s.stats.accepted.Add(1)

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn)

		s.state.CompareAndSwap(int32(StateAccepting), int32(StateListening))
	}
}

// rebind replaces a broken listener. It returns false if the server stopped
// first.
func (s *Server) rebind(b *retry.Backoff) bool {
	for {
		if !s.clock.SleepFor(s.ctx, b.Next()) {
			return false
		}

		listener, err := s.listen(s.endpoint)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Re-bind failed")
			continue
		}

		s.mu.Lock()
		if s.closing() {
			s.mu.Unlock()
			listener.Close()
			return false
		}
		s.listener = listener
		s.mu.Unlock()

		b.Reset()
		s.stats.rebinds.Add(1)
		s.state.CompareAndSwap(int32(StateAccepting), int32(StateListening))
		s.logger.Info().Msg("Instance endpoint re-bound")
		return true
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// handleConnection reads one message and delivers it. Closing the connection
// afterwards is the follower's acknowledgement.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	log := s.logger.Child(map[string]string{"conn_id": xid.New().String()})

	if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		log.Debug().Err(err).Msg("Failed to set read deadline")
	}

	if err := checkPeer(conn); err != nil {
		s.stats.rejected.Add(1)
		log.Warn().Err(err).Msg("Rejected connection")
		return
	}

	args, err := framing.Decode(conn)
	switch {
	case err == nil:
	case errors.Is(err, framing.ErrPartialMessage):
		s.stats.partial.Add(1)
		log.Warn().Int("args", len(args)).Msg("Follower closed before end of message, delivering partial list")
	default:
		log.Warn().Err(err).Int("args", len(args)).Msg("Failed to read follower message")
		return
	}

	s.deliver(log, args)
}

// deliver invokes the handler. Handler errors and panics are logged and
// counted; they never reach the accept loop.
func (s *Server) deliver(log *logging.Logger, args []string) {
	s.stats.delivered.Add(1)

	defer func() {
		if r := recover(); r != nil {
			s.stats.sinkFailures.Add(1)
			log.Error().Interface("panic", r).Msg("Activation handler panicked")
		}
	}()

	log.Debug().Str("args", strings.Join(args, " ")).Msg("Activation received")
	if err := s.handler(s.ctx, args); err != nil {
		s.stats.sinkFailures.Add(1)
		log.Error().Err(err).Msg("Activation handler failed")
	}
}
