//go:build !windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rescale/only/internal/framing"
	"github.com/rescale/only/internal/logging"
)

// socketPath returns a socket path short enough for sun_path.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "only")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

func testLogger() *logging.Logger {
	return logging.NewLoggerWithWriter(io.Discard)
}

// recorder is a Handler that keeps every delivered list.
type recorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recorder) handle(_ context.Context, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	return nil
}

func (r *recorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func startServer(t *testing.T, endpoint string, h Handler, opts ...ServerOption) *Server {
	t.Helper()
	srv := NewServer(endpoint, h, testLogger(), opts...)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func TestSendDeliversArgumentsInOrder(t *testing.T) {
	endpoint := socketPath(t)
	rec := &recorder{}
	srv := startServer(t, endpoint, rec.handle)

	if srv.State() != StateListening {
		t.Fatalf("State() = %s, want listening", srv.State())
	}

	args := []string{"--open", "file.txt", "third arg"}
	if err := Send(context.Background(), endpoint, args, time.Second); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	calls := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(calls))
	}
	if !reflect.DeepEqual(calls[0], args) {
		t.Errorf("delivered %q, want %q", calls[0], args)
	}
}

func TestServerStaysLiveAcrossFollowers(t *testing.T) {
	endpoint := socketPath(t)
	rec := &recorder{}
	srv := startServer(t, endpoint, rec.handle)

	const k = 10
	for i := 0; i <= k; i++ {
		arg := fmt.Sprintf("follower-%d", i)
		if err := Send(context.Background(), endpoint, []string{arg}, time.Second); err != nil {
			t.Fatalf("Send #%d error = %v", i, err)
		}
	}

	calls := rec.snapshot()
	if len(calls) != k+1 {
		t.Fatalf("expected %d deliveries, got %d", k+1, len(calls))
	}
	for i, c := range calls {
		if want := fmt.Sprintf("follower-%d", i); len(c) != 1 || c[0] != want {
			t.Errorf("delivery %d = %q, want [%s]", i, c, want)
		}
	}
	if st := srv.Stats(); st.Accepted != k+1 || st.Delivered != k+1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestConcurrentFollowers(t *testing.T) {
	endpoint := socketPath(t)
	rec := &recorder{}
	startServer(t, endpoint, rec.handle)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := Send(context.Background(), endpoint, []string{fmt.Sprint(i)}, 2*time.Second); err != nil {
				t.Errorf("Send(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, c := range rec.snapshot() {
		seen[c[0]] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d distinct deliveries, got %d", n, len(seen))
	}
}

func TestHandlerFailuresDoNotStopServer(t *testing.T) {
	endpoint := socketPath(t)

	var (
		mu    sync.Mutex
		calls int
		last  []string
	)
	handler := func(_ context.Context, args []string) error {
		mu.Lock()
		calls++
		n := calls
		last = args
		mu.Unlock()
		switch n {
		case 1:
			return errors.New("sink failed")
		case 2:
			panic("sink exploded")
		}
		return nil
	}
	srv := startServer(t, endpoint, handler)

	for i := 0; i < 3; i++ {
		if err := Send(context.Background(), endpoint, []string{fmt.Sprint(i)}, time.Second); err != nil {
			t.Fatalf("Send #%d error = %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}
	if !reflect.DeepEqual(last, []string{"2"}) {
		t.Errorf("last delivery = %q", last)
	}
	if st := srv.Stats(); st.SinkFailures != 2 {
		t.Errorf("SinkFailures = %d, want 2", st.SinkFailures)
	}
	if srv.State() == StateClosed {
		t.Error("server should still be running")
	}
}

func TestSendEndpointUnavailable(t *testing.T) {
	err := Send(context.Background(), socketPath(t), []string{"x"}, 200*time.Millisecond)
	if !errors.Is(err, ErrEndpointUnavailable) {
		t.Fatalf("Send() error = %v, want ErrEndpointUnavailable", err)
	}
}

func TestSendRejectsInvalidArguments(t *testing.T) {
	endpoint := socketPath(t)
	rec := &recorder{}
	srv := startServer(t, endpoint, rec.handle)

	err := Send(context.Background(), endpoint, []string{"two\nlines"}, time.Second)
	if !errors.Is(err, framing.ErrInvalidArgument) {
		t.Fatalf("Send() error = %v, want ErrInvalidArgument", err)
	}
	if st := srv.Stats(); st.Accepted != 0 {
		t.Errorf("nothing should be dialed for invalid arguments, accepted = %d", st.Accepted)
	}
}

func TestSendRejectsOversizedArgument(t *testing.T) {
	endpoint := socketPath(t)
	rec := &recorder{}
	srv := startServer(t, endpoint, rec.handle)

	huge := strings.Repeat("a", framing.MaxLineBytes+10)
	err := Send(context.Background(), endpoint, []string{"ok", huge}, time.Second)
	if !errors.Is(err, framing.ErrArgumentTooLong) {
		t.Fatalf("Send() error = %v, want ErrArgumentTooLong", err)
	}
	if !errors.Is(err, framing.ErrInvalidArgument) {
		t.Errorf("error should wrap ErrInvalidArgument: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if st := srv.Stats(); st.Accepted != 0 {
		t.Errorf("oversized argument should not be dialed, accepted = %d", st.Accepted)
	}
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("nothing should be delivered, got %d lists", len(calls))
	}
}

// rawSend writes payload, half-closes and waits for the server to close.
func rawSend(t *testing.T, endpoint, payload string) {
	t.Helper()
	conn, err := Dial(context.Background(), endpoint)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := io.WriteString(conn, payload); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if err := closeWrite(conn); err != nil {
		t.Fatalf("closeWrite() error = %v", err)
	}
	if _, err := io.Copy(io.Discard, conn); err != nil {
		t.Fatalf("waiting for close: %v", err)
	}
}

func TestPartialMessageIsDelivered(t *testing.T) {
	endpoint := socketPath(t)
	rec := &recorder{}
	srv := startServer(t, endpoint, rec.handle)

	rawSend(t, endpoint, "a\nb\ntrunc")

	calls := rec.snapshot()
	if len(calls) != 1 || !reflect.DeepEqual(calls[0], []string{"a", "b"}) {
		t.Fatalf("deliveries = %q, want [[a b]]", calls)
	}
	if st := srv.Stats(); st.Partial != 1 {
		t.Errorf("Partial = %d, want 1", st.Partial)
	}
}

func TestEmptyConnectionDeliversEmptyList(t *testing.T) {
	endpoint := socketPath(t)
	rec := &recorder{}
	startServer(t, endpoint, rec.handle)

	rawSend(t, endpoint, "")

	calls := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(calls))
	}
	if calls[0] == nil || len(calls[0]) != 0 {
		t.Errorf("expected an empty non-nil list, got %#v", calls[0])
	}
}

func TestReadTimeoutDropsSlowFollower(t *testing.T) {
	endpoint := socketPath(t)
	rec := &recorder{}
	srv := startServer(t, endpoint, rec.handle, WithReadTimeout(100*time.Millisecond))

	conn, err := Dial(context.Background(), endpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	io.WriteString(conn, "a\n")

	// The server gives up and closes its side.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.Copy(io.Discard, conn); err != nil {
		t.Fatalf("expected the server to close the connection: %v", err)
	}
	if len(rec.snapshot()) != 0 {
		t.Error("a timed out message must not be delivered")
	}

	// Later followers still get through.
	if err := Send(context.Background(), endpoint, []string{"next"}, time.Second); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if st := srv.Stats(); st.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", st.Delivered)
	}
}

func TestStopClosesEndpoint(t *testing.T) {
	endpoint := socketPath(t)
	rec := &recorder{}
	srv := NewServer(endpoint, rec.handle, testLogger())
	if srv.State() != StateUnbound {
		t.Fatalf("State() = %s, want unbound", srv.State())
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	// A follower that never finishes must not block Stop.
	idle, err := Dial(context.Background(), endpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer idle.Close()

	done := make(chan struct{})
	go func() {
		srv.Stop()
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}

	if srv.State() != StateClosed {
		t.Errorf("State() = %s, want closed", srv.State())
	}
	if _, err := os.Stat(endpoint); !os.IsNotExist(err) {
		t.Error("socket file should be removed")
	}
	if err := Send(context.Background(), endpoint, []string{"x"}, 200*time.Millisecond); !errors.Is(err, ErrEndpointUnavailable) {
		t.Errorf("Send() after Stop error = %v", err)
	}
	if err := srv.Start(); err == nil {
		t.Error("Start() after Stop should fail")
	}
}

func TestStopAbandonsStuckHandler(t *testing.T) {
	endpoint := socketPath(t)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)

	srv := NewServer(endpoint, func(context.Context, []string) error {
		close(entered)
		<-unblock
		return nil
	}, testLogger(), WithShutdownGrace(100*time.Millisecond))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	go Send(context.Background(), endpoint, []string{"stuck"}, 5*time.Second)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was never called")
	}

	start := time.Now()
	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() blocked on a stuck handler")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Stop() returned after %v, before the grace period", elapsed)
	}

	if srv.State() != StateClosed {
		t.Errorf("State() = %s, want closed", srv.State())
	}
	if _, err := os.Stat(endpoint); !os.IsNotExist(err) {
		t.Error("socket file should be removed")
	}
}

func TestStartBindFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(filepath.Join(blocker, "t.sock"), (&recorder{}).handle, testLogger())
	defer srv.Stop()

	if err := srv.Start(); !errors.Is(err, ErrEndpointBind) {
		t.Fatalf("Start() error = %v, want ErrEndpointBind", err)
	}
	if srv.State() != StateUnbound {
		t.Errorf("State() = %s, want unbound", srv.State())
	}
}

func TestStartRemovesStaleSocket(t *testing.T) {
	endpoint := socketPath(t)
	if err := os.WriteFile(endpoint, []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	startServer(t, endpoint, rec.handle)

	if err := Send(context.Background(), endpoint, []string{"ok"}, time.Second); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	st, err := os.Stat(endpoint)
	if err != nil {
		t.Fatal(err)
	}
	if perm := st.Mode().Perm(); perm != 0600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}
}

func TestRebindAfterListenerFailure(t *testing.T) {
	endpoint := socketPath(t)
	rec := &recorder{}

	var (
		mu        sync.Mutex
		listeners []net.Listener
	)
	listen := func(ep string) (net.Listener, error) {
		ln, err := Listen(ep)
		if err == nil {
			mu.Lock()
			listeners = append(listeners, ln)
			mu.Unlock()
		}
		return ln, err
	}
	srv := startServer(t, endpoint, rec.handle, withListenFunc(listen))

	// Break the listener from outside the server.
	mu.Lock()
	listeners[0].Close()
	mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := Send(context.Background(), endpoint, []string{"after"}, 500*time.Millisecond)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not recover: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if st := srv.Stats(); st.Rebinds != 1 {
		t.Errorf("Rebinds = %d, want 1", st.Rebinds)
	}
	if calls := rec.snapshot(); len(calls) != 1 {
		t.Errorf("expected 1 delivery after re-bind, got %d", len(calls))
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateUnbound:   "unbound",
		StateListening: "listening",
		StateAccepting: "accepting",
		StateClosed:    "closed",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
