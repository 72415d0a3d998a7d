//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// fallbackDescriptor grants authenticated users when the owner SID is unknown.
const fallbackDescriptor = "D:P(A;;GA;;;AU)"

// Listen creates the named pipe at endpoint. Only the current user may
// connect.
func Listen(endpoint string) (net.Listener, error) {
	sd := fallbackDescriptor
	if sid, err := currentUserSID(); err == nil {
		sd = fmt.Sprintf("D:P(A;;GA;;;%s)", sid)
	}

	cfg := &winio.PipeConfig{
		SecurityDescriptor: sd,
		MessageMode:        true,
		InputBufferSize:    4096,
		OutputBufferSize:   4096,
	}

	listener, err := winio.ListenPipe(endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEndpointBind, err)
	}
	return listener, nil
}

// Dial connects to the leader's pipe.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	conn, err := winio.DialPipeContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEndpointUnavailable, err)
	}
	return conn, nil
}

// RemoveEndpoint is a no-op on Windows (named pipes vanish with their last handle).
func RemoveEndpoint(string) error { return nil }

// currentUserSID returns the SID of the current process owner.
func currentUserSID() (string, error) {
	token, err := windows.OpenCurrentProcessToken()
	if err != nil {
		return "", fmt.Errorf("failed to open process token: %w", err)
	}
	defer token.Close()

	user, err := token.GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("failed to get token user: %w", err)
	}

	return user.User.Sid.String(), nil
}
