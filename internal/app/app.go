// Package app contains the top-level orchestration for the native-messaging
// and replay modes.
package app

import (
	"context"
	"errors"

	"github.com/1ureka/douyutap/internal/mainthread"
)

// serve drives the main loop on the calling goroutine while feed pushes
// buffers into the side channel from another one. It returns once feed has
// finished and every callback it produced has run, or when ctx ends.
func serve(ctx context.Context, loop *mainthread.Loop, inv mainthread.Invoker, feed func(ctx context.Context) error) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		err := feed(ctx)
		if err == nil {
			err = loop.Drain(ctx)
		}
		errCh <- err
		cancel()
	}()

	loop.Run(ctx, inv)

	// Interrupted from outside: the feeder may still be blocked on input.
	if parent.Err() != nil {
		return nil
	}
	err := <-errCh
	if errors.Is(err, context.Canceled) || errors.Is(err, mainthread.ErrStopped) {
		return nil
	}
	return err
}
