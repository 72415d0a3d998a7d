// Package instance makes an application single-instance per user.
//
// The first launch becomes the leader: it holds the instance lock, listens on
// the instance endpoint and runs the application. Every later launch is a
// follower: it forwards its arguments to the leader and exits with code 0.
package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vimeo/go-clocks"
	"github.com/vimeo/go-retry"

	"github.com/rescale/only/internal/appid"
	"github.com/rescale/only/internal/gate"
	"github.com/rescale/only/internal/ipc"
	"github.com/rescale/only/internal/logging"
)

// Defaults for Options fields left at zero.
const (
	DefaultConnectAttempts = 5
	DefaultConnectTimeout  = 2 * time.Second
)

// ErrNoMain is returned by Run when Options.Main is nil.
var ErrNoMain = errors.New("no main function")

// Options configures Run, Acquire and Forward.
type Options struct {
	// ID identifies the application and user. Required unless Paths is set.
	ID appid.ID

	// Args are forwarded to the leader when this launch is a follower.
	// Usually LaunchArgs().
	Args []string

	// Main runs the application while this process leads. Its return value
	// becomes the exit code.
	Main func(ctx context.Context) int

	// Sink receives activations from followers. Nil only logs them.
	Sink ActivationSink

	// Paths overrides the locations derived from ID and RuntimeDir.
	Paths appid.Paths

	// RuntimeDir holds the lock, PID file and socket. Empty uses
	// appid.DefaultRuntimeDir.
	RuntimeDir string

	Logger *logging.Logger

	// ConnectAttempts bounds follower connection attempts while the leader
	// may still be binding its endpoint.
	ConnectAttempts int

	// ConnectTimeout bounds a single delivery attempt.
	ConnectTimeout time.Duration

	// ReadTimeout bounds how long the leader waits for one follower message.
	ReadTimeout time.Duration

	// Clock drives retry backoff. Nil uses the real clock.
	Clock clocks.Clock
}

func (o *Options) logger() *logging.Logger {
	if o.Logger == nil {
		return logging.NewLoggerWithWriter(io.Discard)
	}
	return o.Logger
}

func (o *Options) paths() (appid.Paths, error) {
	if o.Paths.Lock != "" && o.Paths.Endpoint != "" {
		return o.Paths, nil
	}
	return appid.Resolve(o.ID, o.RuntimeDir)
}

func (o *Options) clock() clocks.Clock {
	if o.Clock == nil {
		return clocks.DefaultClock()
	}
	return o.Clock
}

// Run decides leadership and either runs Main as the leader or forwards Args
// to the existing leader.
//
// A leader returns Main's exit code once Main returns, after closing the
// endpoint and releasing the lock. A follower always returns (0, nil); a
// failed delivery is only logged. Failing to decide leadership or to bind the
// endpoint returns exit code 1 and the error.
func Run(ctx context.Context, opts Options) (int, error) {
	if opts.Main == nil {
		return 1, ErrNoMain
	}
	log := opts.logger()

	lead, leader, err := Acquire(ctx, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start instance")
		return 1, err
	}

	if !leader {
		if err := Forward(ctx, opts); err != nil {
			log.Warn().Err(err).Msg("Failed to forward arguments to running instance")
		}
		return 0, nil
	}

	// Released on every return path, panics in Main included.
	defer lead.Close()

	log.Debug().Str("endpoint", lead.Paths().Endpoint).Msg("Running main as leader")

	return opts.Main(ctx), nil
}

// Leadership is held by the leader until Close.
type Leadership struct {
	paths  appid.Paths
	token  *gate.Token
	server *ipc.Server
	logger *logging.Logger

	closeOnce sync.Once
	closeErr  error
}

// Acquire tries to become the leader without blocking.
//
// It returns (leadership, true, nil) when this process now leads and its
// endpoint accepts activations, and (nil, false, nil) when another process
// leads. Hosts that own their main loop use Acquire directly and call Close
// on shutdown.
func Acquire(ctx context.Context, opts Options) (*Leadership, bool, error) {
	log := opts.logger()

	paths, err := opts.paths()
	if err != nil {
		return nil, false, err
	}

	if err := paths.EnsureDir(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", gate.ErrAcquire, err)
	}

	token, leader, err := gate.Acquire(paths.Lock)
	if err != nil {
		return nil, false, err
	}
	if !leader {
		log.Debug().Str("lock", paths.Lock).Msg("Another instance is running")
		return nil, false, nil
	}

	if err := token.WritePID(paths.PID); err != nil {
		log.Warn().Err(err).Msg("Failed to write PID file")
	}

	srv := ipc.NewServer(paths.Endpoint, sinkHandler(opts.Sink, log), log,
		ipc.WithReadTimeout(opts.ReadTimeout),
		ipc.WithClock(opts.clock()),
	)
	if err := srv.Start(); err != nil {
		srv.Stop()
		token.Release()
		return nil, false, err
	}

	log.Info().
		Str("id", string(opts.ID)).
		Int("pid", os.Getpid()).
		Msg("Running as leader")

	return &Leadership{
		paths:  paths,
		token:  token,
		server: srv,
		logger: log,
	}, true, nil
}

func sinkHandler(sink ActivationSink, log *logging.Logger) ipc.Handler {
	if sink == nil {
		return func(_ context.Context, args []string) error {
			log.Info().Str("args", strings.Join(args, " ")).Msg("Activation requested")
			return nil
		}
	}
	return sink.OnActivationRequested
}

// Paths returns the lock, PID and endpoint locations in use.
func (l *Leadership) Paths() appid.Paths { return l.paths }

// Stats returns the endpoint counters.
func (l *Leadership) Stats() ipc.Stats { return l.server.Stats() }

// Close stops accepting activations and releases the lock. It is safe to
// call more than once.
func (l *Leadership) Close() error {
	l.closeOnce.Do(func() {
		l.server.Stop()
		if err := l.token.Release(); err != nil {
			l.closeErr = err
		}
		st := l.Stats()
		l.logger.Debug().
			Uint64("delivered", st.Delivered).
			Uint64("partial", st.Partial).
			Uint64("rejected", st.Rejected).
			Uint64("sink_failures", st.SinkFailures).
			Uint64("rebinds", st.Rebinds).
			Msg("Leadership released")
	})
	return l.closeErr
}

// Forward delivers opts.Args to the current leader. While the endpoint is
// unavailable, which happens when the leader has not bound it yet, delivery
// is retried with backoff up to ConnectAttempts times.
func Forward(ctx context.Context, opts Options) error {
	log := opts.logger()

	paths, err := opts.paths()
	if err != nil {
		return err
	}

	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = DefaultConnectAttempts
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	clock := opts.clock()

	b := retry.DefaultBackoff()
	b.MinBackoff = 25 * time.Millisecond
	b.MaxBackoff = 400 * time.Millisecond

	for attempt := 1; ; attempt++ {
		err := ipc.Send(ctx, paths.Endpoint, opts.Args, timeout)
		if err == nil {
			log.Debug().Int("attempt", attempt).Msg("Arguments forwarded to running instance")
			return nil
		}
		if !errors.Is(err, ipc.ErrEndpointUnavailable) || attempt >= attempts {
			return fmt.Errorf("forward after %d attempt(s): %w", attempt, err)
		}

		wait := b.Next()
		log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("Leader not reachable yet")
		if !clock.SleepFor(ctx, wait) {
			return fmt.Errorf("forward cancelled: %w", ctx.Err())
		}
	}
}

// LaunchArgs returns this process's command-line arguments without the
// program name. It never returns nil.
func LaunchArgs() []string {
	args := make([]string, 0, len(os.Args))
	if len(os.Args) > 1 {
		args = append(args, os.Args[1:]...)
	}
	return args
}
