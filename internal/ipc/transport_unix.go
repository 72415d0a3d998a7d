//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Listen creates the Unix domain socket at endpoint.
//
// The caller must hold leadership: any existing socket file is treated as
// stale and removed.
func Listen(endpoint string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(endpoint), 0700); err != nil {
		return nil, fmt.Errorf("%w: create socket directory: %w", ErrEndpointBind, err)
	}

	// Remove any stale socket file
	if err := os.Remove(endpoint); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: remove stale socket: %w", ErrEndpointBind, err)
	}

	listener, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEndpointBind, err)
	}

	// Set socket permissions (user only)
	if err := os.Chmod(endpoint, 0600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("%w: set socket permissions: %w", ErrEndpointBind, err)
	}

	return listener, nil
}

// Dial connects to the leader's socket.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEndpointUnavailable, err)
	}
	return conn, nil
}

// RemoveEndpoint removes the socket file. Missing files are ignored.
func RemoveEndpoint(endpoint string) error {
	if err := os.Remove(endpoint); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
