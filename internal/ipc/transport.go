// Package ipc carries argument lists from follower processes to the leader
// over a local endpoint: a Unix domain socket on unix, a named pipe on
// windows.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rescale/only/internal/framing"
)

// Transport errors
var (
	// ErrEndpointBind is returned when the leader cannot create its endpoint.
	ErrEndpointBind = errors.New("failed to bind endpoint")

	// ErrEndpointUnavailable is returned when no leader accepts on the endpoint.
	ErrEndpointUnavailable = errors.New("endpoint unavailable")

	// ErrPeerRejected is returned when a connecting process runs as another user.
	ErrPeerRejected = errors.New("peer rejected")
)

// DefaultSendTimeout bounds a whole Send when the caller passes zero.
const DefaultSendTimeout = 2 * time.Second

// Send delivers args to the leader listening on endpoint.
//
// After writing the message Send half-closes its side and waits for the leader
// to close the connection, so it never returns before the leader has consumed
// every byte. Invalid arguments fail before anything is dialed.
func Send(ctx context.Context, endpoint string, args []string, timeout time.Duration) error {
	if err := framing.Validate(args); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := Dial(ctx, endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := framing.Encode(conn, args); err != nil {
		return fmt.Errorf("failed to send arguments: %w", err)
	}
	if err := closeWrite(conn); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}

	// The leader closes the connection once it has read the message.
	if _, err := io.Copy(io.Discard, conn); err != nil {
		return fmt.Errorf("leader did not acknowledge message: %w", err)
	}
	return nil
}

// closeWrite signals end of message where the connection supports it.
func closeWrite(conn net.Conn) error {
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return nil
	}
	return cw.CloseWrite()
}
