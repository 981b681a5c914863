package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pingCorrelationIDLength is the payload length of keep-alive pings.
// The payload is a UUID string, which is always 36 bytes.
const pingCorrelationIDLength = 36

// pingTracker correlates outbound keep-alive pings with inbound pongs.
//
// Each ping carries a unique correlation id and arms a timer. A pong
// echoing the id cancels the timer; expiry means the peer stopped
// responding and the connection is torn down.
type pingTracker struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newPingTracker() *pingTracker {
	return &pingTracker{timers: make(map[string]*time.Timer)}
}

// track arms the expiry timer for a ping id.
func (t *pingTracker) track(id string, timeout time.Duration, expire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timers[id] = time.AfterFunc(timeout, func() {
		if t.forget(id) {
			expire()
		}
	})
}

// settle cancels the timer for a pong's correlation id. It reports
// whether the id had a pending ping.
func (t *pingTracker) settle(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, id)
	return true
}

// forget removes an id without stopping its timer. It reports whether
// the id was still pending, so an expiry that raced a settle fires at
// most once.
func (t *pingTracker) forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[id]
	delete(t.timers, id)
	return ok
}

// stop cancels every pending timer. Further track calls are ignored.
func (t *pingTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// keepAlive runs the ping prober until the connection closes.
//
// Every interval it sends a ping carrying a fresh correlation id and
// expects the matching pong within timeout. A missed pong closes the
// connection with status 1006.
func (c *Conn) keepAlive(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			id := uuid.New().String()
			if err := c.Ping([]byte(id)); err != nil {
				return
			}
			c.pings.track(id, timeout, c.abortTimeout)
		}
	}
}

// abortTimeout tears the connection down after a missed pong. No close
// frame is sent: 1006 is a reserved code reported locally only.
func (c *Conn) abortTimeout() {
	c.reportError(ErrTimeout)
	c.teardown(CloseAbnormalClosure, "WebSocket timeout")
}
