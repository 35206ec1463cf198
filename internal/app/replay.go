package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/douyutap/internal/bridge"
	"github.com/1ureka/douyutap/internal/capture"
	"github.com/1ureka/douyutap/internal/config"
	"github.com/1ureka/douyutap/internal/mainthread"
	"github.com/1ureka/douyutap/internal/sidechan"
	"github.com/1ureka/douyutap/internal/util"
)

const pagePollInterval = 100 * time.Millisecond

// ReplayOptions selects the capture to replay and where callbacks go.
type ReplayOptions struct {
	Capture     io.Reader
	Instance    string // defaults to a random id
	Listen      string // bridge address; empty discards callbacks
	WaitForPage bool   // hold the replay until a page has connected
}

// RunReplay feeds a recorded session through the side channel. With Listen
// set, callbacks go to pages connected to the WebSocket bridge.
func RunReplay(ctx context.Context, cfg config.Config, opts ReplayOptions) error {
	instance := opts.Instance
	if instance == "" {
		instance = uuid.NewString()
	}

	loop := mainthread.New(mainthread.DefaultQueueSize)

	var (
		reg    sidechan.Registrar = bridge.Discard{}
		inv    mainthread.Invoker = bridge.Discard{}
		server *bridge.Server
	)
	if opts.Listen != "" {
		server = bridge.NewServer()
		port, err := server.Start(opts.Listen)
		if err != nil {
			return err
		}
		defer server.Close()
		reg, inv = server, server

		fmt.Println()
		fmt.Println("╔══════════════════════════════════════════╗")
		fmt.Println("║            Script Bridge Server          ║")
		fmt.Println("╠══════════════════════════════════════════╣")
		fmt.Printf("║  Port     : %-28d ║\n", port)
		fmt.Printf("║  Instance : %-28.28s ║\n", instance)
		fmt.Println("╚══════════════════════════════════════════╝")
		fmt.Println()
	}

	sc, err := sidechan.Init(ctx, cfg, reg, loop)
	if err != nil {
		return fmt.Errorf("failed to initialize side channel: %w", err)
	}
	defer sc.Close()

	return serve(ctx, loop, inv, func(ctx context.Context) error {
		if server != nil && opts.WaitForPage {
			util.LogInfo("waiting for a page to connect...")
			if err := waitForPage(ctx, server); err != nil {
				return err
			}
		}
		return replay(ctx, capture.NewReader(opts.Capture), instance, sc)
	})
}

func waitForPage(ctx context.Context, server *bridge.Server) error {
	ticker := time.NewTicker(pagePollInterval)
	defer ticker.Stop()

	for server.PageCount() == 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func replay(ctx context.Context, r *capture.Reader, instance string, sc *sidechan.SideChannel) error {
	n := 0
	for ctx.Err() == nil {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			util.LogSuccess("[%08x] replayed %d buffers", util.InstanceTag(instance), n)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read capture after %d buffers: %w", n, err)
		}

		sc.ProcessPacket(instance, e.Data, e.Direction)
		n++
	}
	return nil
}
