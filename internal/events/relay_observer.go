package events

import (
	"context"
	"time"

	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/oremus-labs/ol-crawl-gateway/internal/relay"
)

// RelayObserver publishes relay session lifecycle events on a bus.
type RelayObserver struct {
	Bus *Bus
}

// SessionOpened implements relay.Observer.
func (o RelayObserver) SessionOpened(s relay.Session) {
	o.publish(TypeRelayOpened, s.StartedAt, map[string]interface{}{
		"sessionId": s.ID,
		"kind":      s.Kind,
		"taskId":    s.TaskID,
	})
}

// SessionClosed implements relay.Observer.
func (o RelayObserver) SessionClosed(s relay.Session, r relay.Result) {
	data := map[string]interface{}{
		"sessionId": s.ID,
		"kind":      s.Kind,
		"taskId":    s.TaskID,
		"state":     r.State,
		"reason":    r.Reason(),
		"bytes":     r.Bytes,
		"duration":  r.Duration.String(),
	}
	o.publish(TypeRelayClosed, time.Now().UTC(), data)
}

func (o RelayObserver) publish(typ string, ts time.Time, data map[string]interface{}) {
	if o.Bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Bus.Publish(ctx, Event{Type: typ, Timestamp: ts, Data: data}); err != nil {
		logutil.Error("relay_event_publish_failed", err, map[string]interface{}{
			"type":   typ,
			"taskId": data["taskId"],
		})
	}
}
