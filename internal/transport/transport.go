// Package transport frames JSON-RPC messages over a byte stream and
// correlates responses back to in-flight requests. A Transport owns exactly
// one connection to one tool server; the registry layers lifecycle on top.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/toolgate-io/toolgate/internal/protocol"
)

var (
	// ErrClosed is returned for calls on a transport whose connection is gone.
	// In-flight calls also resolve with ErrClosed when the connection drops.
	ErrClosed = errors.New("transport closed")

	// ErrTimeout is returned when a call's deadline expires. The pending entry
	// is removed; a response arriving afterwards is discarded.
	ErrTimeout = errors.New("request timed out")
)

const (
	// DefaultTimeout bounds every call that does not carry a tighter context
	// deadline.
	DefaultTimeout = 30 * time.Second

	// notificationBuffer is how many unread server notifications are held
	// before new ones are dropped.
	notificationBuffer = 64
)

// Transport sends requests to one server and delivers its messages back.
type Transport interface {
	// Call sends the request and blocks until the matching response, the
	// context deadline, the transport timeout, or connection loss.
	Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, note *protocol.Request) error

	// Notifications delivers server-initiated messages (notifications and
	// reverse requests). The channel closes when the transport closes.
	Notifications() <-chan protocol.Request

	// Done closes when the connection is gone, whatever the cause.
	Done() <-chan struct{}

	// Close tears down the connection. In-flight calls resolve with ErrClosed.
	Close() error
}

// Options tune a transport. The zero value is usable.
type Options struct {
	// Timeout replaces DefaultTimeout when positive.
	Timeout time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

// pendingTable correlates responses to waiting callers by request id.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[protocol.RequestID]chan *protocol.Response
	closed  bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[protocol.RequestID]chan *protocol.Response)}
}

// register claims the id and returns the channel its response arrives on.
func (p *pendingTable) register(id protocol.RequestID) (chan *protocol.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if _, dup := p.waiters[id]; dup {
		return nil, errors.New("request id already in flight: " + id.String())
	}
	ch := make(chan *protocol.Response, 1)
	p.waiters[id] = ch
	return ch, nil
}

// deliver hands the response to its waiter. Returns false when nobody is
// waiting, which happens for late responses after a timeout.
func (p *pendingTable) deliver(resp *protocol.Response) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.ID]
	if ok {
		delete(p.waiters, resp.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// remove abandons a pending call, typically on timeout or cancellation.
func (p *pendingTable) remove(id protocol.RequestID) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// closeAll resolves every waiter with a closed channel and rejects future
// registrations.
func (p *pendingTable) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
