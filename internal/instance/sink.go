package instance

import "context"

// ActivationSink receives the arguments of every later launch while this
// process leads. It runs on a connection goroutine, possibly concurrently
// with other activations; moving work onto a UI thread is the sink's job.
type ActivationSink interface {
	OnActivationRequested(ctx context.Context, args []string) error
}

// SinkFunc adapts a function to ActivationSink.
type SinkFunc func(ctx context.Context, args []string) error

// OnActivationRequested calls f.
func (f SinkFunc) OnActivationRequested(ctx context.Context, args []string) error {
	return f(ctx, args)
}
