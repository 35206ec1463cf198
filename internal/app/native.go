package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/1ureka/douyutap/internal/bridge"
	"github.com/1ureka/douyutap/internal/capture"
	"github.com/1ureka/douyutap/internal/config"
	"github.com/1ureka/douyutap/internal/mainthread"
	"github.com/1ureka/douyutap/internal/protocol"
	"github.com/1ureka/douyutap/internal/sidechan"
	"github.com/1ureka/douyutap/internal/util"
)

// NativeOptions wires the native-messaging host to its streams.
type NativeOptions struct {
	In     io.Reader // packet messages from the extension
	Out    io.Writer // callback messages to the extension
	Record io.Writer // optional capture of every received buffer
}

// RunNative orchestrates the native-messaging host:
//  1. Register callback names with the extension
//  2. Feed every packet message through the side channel
//  3. Deliver callbacks back over Out from the main loop
//
// It returns when In reaches EOF and all callbacks have been written, or
// when ctx is cancelled.
func RunNative(ctx context.Context, cfg config.Config, opts NativeOptions) error {
	loop := mainthread.New(mainthread.DefaultQueueSize)
	native := bridge.NewNative(opts.Out)

	sc, err := sidechan.Init(ctx, cfg, native, loop)
	if err != nil {
		return fmt.Errorf("failed to initialize side channel: %w", err)
	}
	defer sc.Close()

	var rec *capture.Writer
	if opts.Record != nil {
		rec = capture.NewWriter(opts.Record)
	}

	util.LogInfo("native host ready, callbacks %s / %s", cfg.ClientCallback(), cfg.ServerCallback())

	return serve(ctx, loop, native, func(ctx context.Context) error {
		return readPackets(ctx, opts.In, sc, rec)
	})
}

func readPackets(ctx context.Context, r io.Reader, sc *sidechan.SideChannel, rec *capture.Writer) error {
	for ctx.Err() == nil {
		msg, err := bridge.ReadMessage(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				util.LogInfo("extension closed the native channel")
				return nil
			}
			return err
		}

		if msg.Type != bridge.MsgTypePacket {
			util.LogDebug("ignoring native message of type %q", msg.Type)
			continue
		}

		dir, err := protocol.ParseDirection(msg.Direction)
		if err != nil {
			util.LogWarning("[%08x] dropping packet: %v", util.InstanceTag(msg.Instance), err)
			continue
		}

		if rec != nil {
			if err := rec.Write(capture.Entry{Direction: dir, Data: msg.Data}); err != nil {
				util.LogWarning("failed to record buffer, recording stopped: %v", err)
				rec = nil
			}
		}

		sc.ProcessPacket(msg.Instance, msg.Data, dir)
	}
	return nil
}
