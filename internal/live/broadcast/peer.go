package broadcast

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"livedash/internal/eventbus"
	"livedash/internal/live/event"
	logx "livedash/pkg/logx"
)

// Peer is one viewer connection with its own outbound queue.
type Peer struct {
	id     string
	token  string
	screen int

	conn Conn
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus

	mu     sync.Mutex
	queue  []event.Update
	closed bool
	notify chan struct{}
	done   chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64

	onClose func(*Peer)
}

func NewPeer(id, token string, screen int, conn Conn, cfg Config, log logx.Logger) *Peer {
	return &Peer{
		id:     id,
		token:  token,
		screen: screen,
		conn:   conn,
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("peer", id), logx.String("token", token)),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Token() string { return p.token }

func (p *Peer) Screen() int { return p.screen }

// Done is closed once the writer has exited and the connection is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Enqueue appends u without blocking. When the queue is full a non-critical
// event is dropped: first an older DATA for the same widget, then the oldest
// non-critical event, otherwise u itself. Critical events are always kept.
// It reports whether u was queued.
func (p *Peer) Enqueue(u event.Update) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	queued, dropped := p.admitLocked(u)
	p.mu.Unlock()

	if dropped != nil {
		p.dropped.Add(1)
		p.log.Debug("peer queue full; event dropped",
			logx.String("kind", string(dropped.Kind)), logx.String("widget", dropped.WidgetID))
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.BroadcastDropped, Data: eventbus.BroadcastEvent{
				Token: p.token, Kind: string(dropped.Kind), PeerID: p.id,
			}})
		}
	}
	if queued {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
	return queued
}

func (p *Peer) admitLocked(u event.Update) (queued bool, dropped *event.Update) {
	if len(p.queue) < p.cfg.QueueSize {
		p.queue = append(p.queue, u)
		return true, nil
	}

	victim := -1
	for i, o := range p.queue {
		if u.Supersedes(o) {
			victim = i
			break
		}
	}
	if victim < 0 {
		for i, o := range p.queue {
			if !o.Kind.Critical() {
				victim = i
				break
			}
		}
	}
	if victim >= 0 {
		d := p.queue[victim]
		p.queue = append(p.queue[:victim], p.queue[victim+1:]...)
		p.queue = append(p.queue, u)
		return true, &d
	}
	if u.Kind.Critical() {
		// Only critical events are queued; let the queue grow.
		p.queue = append(p.queue, u)
		return true, nil
	}
	return false, &u
}

// Close stops the writer. Queued events are discarded.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Peer) Stats() PeerStats {
	p.mu.Lock()
	n := len(p.queue)
	p.mu.Unlock()
	return PeerStats{
		ID:      p.id,
		Token:   p.token,
		Screen:  p.screen,
		Queued:  n,
		Sent:    p.sent.Load(),
		Dropped: p.dropped.Load(),
	}
}

func (p *Peer) next() (event.Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		return event.Update{}, false
	}
	u := p.queue[0]
	p.queue[0] = event.Update{}
	p.queue = p.queue[1:]
	return u, true
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// run is the writer loop. It exits when ctx ends, the peer is closed, a write
// fails, or after a DISCONNECT has been written.
func (p *Peer) run(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(p.cfg.SendRatePerSec), p.cfg.SendBurst)
	defer p.finish()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("peer writer panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	for {
		u, ok := p.next()
		if !ok {
			if p.isClosed() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
				continue
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		err := p.conn.WriteEvent(wctx, u)
		cancel()
		if err != nil {
			p.log.Debug("peer write failed", logx.String("kind", string(u.Kind)), logx.Err(err))
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFailed, Data: eventbus.BroadcastEvent{
					Token: p.token, Kind: string(u.Kind), PeerID: p.id,
				}})
			}
			return
		}
		p.sent.Add(1)
		if u.Kind == event.Disconnect {
			return
		}
	}
}

func (p *Peer) finish() {
	p.Close()
	if err := p.conn.Close(); err != nil {
		p.log.Trace("peer conn close", logx.Err(err))
	}
	if p.onClose != nil {
		p.onClose(p)
	}
	close(p.done)
}
