// Package sidechan de-frames the Douyu records found in plugin network
// buffers and mirrors their text to the configured sinks.
package sidechan

import (
	"context"

	"github.com/1ureka/douyutap/internal/config"
	"github.com/1ureka/douyutap/internal/mainthread"
	"github.com/1ureka/douyutap/internal/protocol"
	"github.com/1ureka/douyutap/internal/util"
)

// Registrar makes callback names known to the browser-side script.
type Registrar interface {
	Register(client, server string)
}

// SideChannel is the record dispatcher. Its sink set is fixed at
// construction, so ProcessPacket may be called from any goroutine.
type SideChannel struct {
	ctx   context.Context
	cfg   config.Config
	pub   Publisher
	sinks []Sink
}

// Init builds the side channel from cfg: it dials the broker when one is
// configured (a failure only disables that sink) and registers the callback
// names with reg. A disabled config yields a side channel that ignores input.
func Init(ctx context.Context, cfg config.Config, reg Registrar, loop *mainthread.Loop) (*SideChannel, error) {
	if !cfg.Enabled {
		util.LogDebug("douyu side channel disabled")
		return New(ctx, cfg, nil, nil), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var pub Publisher
	if cfg.PubSubEnabled() {
		p, err := DialRedis(ctx, cfg.BrokerAddr())
		if err != nil {
			util.LogWarning("pub/sub sink disabled: %v", err)
		} else {
			util.LogInfo("publishing douyu records to %s", cfg.BrokerAddr())
			pub = p
		}
	}

	if reg != nil && loop != nil {
		reg.Register(cfg.ClientCallback(), cfg.ServerCallback())
	}

	return New(ctx, cfg, pub, loop), nil
}

// New assembles a side channel from already-built collaborators. pub and loop
// may be nil to leave their sinks out.
func New(ctx context.Context, cfg config.Config, pub Publisher, loop *mainthread.Loop) *SideChannel {
	// Records still in flight at shutdown are published, each under its own
	// timeout, rather than failing on the cancelled root context.
	ctx = context.WithoutCancel(ctx)

	sc := &SideChannel{ctx: ctx, cfg: cfg, pub: pub}
	if !cfg.Enabled {
		return sc
	}

	sc.sinks = append(sc.sinks, logSink{})
	if pub != nil {
		sc.sinks = append(sc.sinks, pubsubSink{ctx: ctx, pub: pub})
	}
	if loop != nil {
		sc.sinks = append(sc.sinks, callbackSink{
			loop:   loop,
			client: cfg.ClientCallback(),
			server: cfg.ServerCallback(),
		})
	}
	if cfg.ScrapingMode {
		sc.sinks = append(sc.sinks, scrapeSink{ctx: ctx, pub: pub})
	}
	return sc
}

// Enabled reports whether ProcessPacket does anything.
func (sc *SideChannel) Enabled() bool {
	return sc.cfg.Enabled
}

// ProcessPacket scans one buffer received in direction dir and dispatches
// every valid record in wire order. buf is only borrowed for the call.
func (sc *SideChannel) ProcessPacket(instance string, buf []byte, dir protocol.Direction) {
	if !sc.cfg.Enabled {
		return
	}
	util.Stats.AddBuffer(len(buf))

	s := protocol.NewScanner(buf, dir)
	for s.Scan() {
		sc.dispatch(instance, s.Record())
	}

	if err := s.Err(); err != nil {
		util.Stats.AddMalformed()
		util.LogDebug("[%08x] %s buffer abandoned at offset %d of %d: %v",
			util.InstanceTag(instance), dir, s.Offset(), len(buf), err)
	}
}

func (sc *SideChannel) dispatch(instance string, rec protocol.Record) {
	util.Stats.AddRecord()

	text, terminated := rec.Text()
	if !terminated {
		util.Stats.AddUnterminated()
		util.LogWarning("[%08x] record at offset %d may lack terminator, delivering %d declared bytes",
			util.InstanceTag(instance), rec.Offset, len(text))
	}

	d := Delivery{Instance: instance, Direction: rec.Direction(), Payload: text}
	for _, sink := range sc.sinks {
		sink.Deliver(d)
	}
}

// Close releases the broker connection.
func (sc *SideChannel) Close() error {
	if sc.pub == nil {
		return nil
	}
	return sc.pub.Close()
}
