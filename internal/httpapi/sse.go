package httpapi

import (
	"time"

	"github.com/jkaninda/okapi"
)

// keepaliveInterval is how often an empty event is sent so intermediaries
// don't drop an idle stream.
const keepaliveInterval = 30 * time.Second

// handleEvents handles GET /v1/events with an SSE stream of lifecycle events.
// The stream stays open until the client disconnects.
func (g *Gateway) handleEvents(c *okapi.Context) error {
	sub, cancel := g.bus.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	c.SSEvent("ready", okapi.M{"status": "streaming"})

	for {
		select {
		case <-c.Context().Done():
			return nil
		case <-keepalive.C:
			c.SSEvent("keepalive", okapi.M{})
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			c.SSEvent(string(ev.Type), ev)
		}
	}
}
