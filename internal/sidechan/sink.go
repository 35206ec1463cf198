package sidechan

import (
	"github.com/1ureka/douyutap/internal/mainthread"
	"github.com/1ureka/douyutap/internal/protocol"
	"github.com/1ureka/douyutap/internal/util"
)

// Delivery is one record's text on its way to the sinks. Payload borrows the
// host buffer: a sink that keeps it past Deliver must copy it.
type Delivery struct {
	Instance  string
	Direction protocol.Direction
	Payload   []byte
}

// Sink receives every validated record. Deliver must not fail loudly:
// problems are logged and absorbed.
type Sink interface {
	Deliver(d Delivery)
}

// logSink writes a direction-tagged line per record.
type logSink struct{}

func (logSink) Deliver(d Delivery) {
	util.LogInfo("[%08x] ~~~ Douyu %s %s", util.InstanceTag(d.Instance), d.Direction.Marker(), d.Payload)
}

// callbackSink hands a copy of each record to the main loop, addressed to the
// script callback for its direction.
type callbackSink struct {
	loop   *mainthread.Loop
	client string
	server string
}

func (s callbackSink) Deliver(d Delivery) {
	name := s.client
	if d.Direction == protocol.Server {
		name = s.server
	}

	// string(d.Payload) copies: the task owns its argument.
	err := s.loop.Post(mainthread.Task{
		Instance: d.Instance,
		Callback: name,
		Arg:      string(d.Payload),
	})
	if err != nil {
		util.LogWarning("[%08x] dropping %s callback: %v", util.InstanceTag(d.Instance), name, err)
		util.Stats.AddDroppedCall()
	}
}
