package sidechan

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/1ureka/douyutap/internal/stt"
	"github.com/1ureka/douyutap/internal/util"
)

// scraped is the JSON published on the douyu.stt channel.
type scraped struct {
	Instance string              `json:"instance"`
	Dir      string              `json:"dir"`
	Type     string              `json:"type"`
	Fields   map[string]string   `json:"fields"`
	Lists    map[string][]string `json:"lists,omitempty"`
}

// scrapeSink decodes the record text and publishes it as structured JSON.
// Without a broker it only logs the decoded message type.
type scrapeSink struct {
	ctx context.Context
	pub Publisher // may be nil
}

func (s scrapeSink) Deliver(d Delivery) {
	tag := util.InstanceTag(d.Instance)

	msg, err := stt.Decode(d.Payload)
	if err != nil {
		util.LogDebug("[%08x] not an stt message: %v", tag, err)
		return
	}

	if s.pub == nil {
		util.LogDebug("[%08x] scraped %s %s (%d fields)", tag, d.Direction.Marker(), msg.Type(), len(msg))
		return
	}

	data, err := json.Marshal(scraped{
		Instance: d.Instance,
		Dir:      d.Direction.Marker(),
		Type:     msg.Type(),
		Fields:   msg.Map(),
		Lists:    lists(msg),
	})
	if err != nil {
		util.LogDebug("[%08x] failed to marshal scraped message: %v", tag, err)
		return
	}

	publish(s.ctx, s.pub, Channel+ScrapeSuffix, data, d.Instance)
}

// lists expands the '/'-terminated list values (gift lists, rank lists) into
// their items. Values that do not parse as a list stay in Fields only.
func lists(msg stt.Message) map[string][]string {
	var out map[string][]string
	for _, f := range msg {
		if !strings.HasSuffix(f.Value, "/") {
			continue
		}
		items, err := stt.List(f.Value)
		if err != nil || len(items) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		out[f.Key] = items
	}
	return out
}
