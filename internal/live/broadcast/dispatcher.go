package broadcast

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"livedash/internal/eventbus"
	"livedash/internal/live/event"
	"livedash/internal/live/registry"
	logx "livedash/pkg/logx"
)

const stripeCount = 64

// stripe serializes publishes for the tokens hashed to it and holds their
// sequence counters.
type stripe struct {
	mu  sync.Mutex
	seq map[string]uint64
}

// Dispatcher delivers events to every peer subscribed to a token.
type Dispatcher struct {
	reg *registry.Registry[*Peer]
	log logx.Logger
	bus eventbus.Bus
	cfg atomic.Pointer[Config]

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	published atomic.Uint64
	stripes   [stripeCount]stripe
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	d := &Dispatcher{reg: registry.New[*Peer](), log: log, bus: bus}
	for i := range d.stripes {
		d.stripes[i].seq = map[string]uint64{}
	}
	d.Apply(cfg)
	return d
}

// Apply sets the queue and pacing used by peers created afterwards.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.cfg.Store(&cfg)
}

func (d *Dispatcher) Config() Config { return *d.cfg.Load() }

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.log.Info("dispatcher started")
}

// Stop closes every peer and waits for their writers (bounded by ctx).
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("dispatcher stopped")
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

// NewPeer builds a peer with the current configuration. It is not attached.
func (d *Dispatcher) NewPeer(id, token string, screen int, conn Conn) *Peer {
	return NewPeer(id, token, screen, conn, d.Config(), d.log)
}

// Attach subscribes p to its token and starts its writer. The peer
// unsubscribes itself when the writer exits.
func (d *Dispatcher) Attach(p *Peer) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrStopped
	}
	ctx := d.ctx
	d.wg.Add(1)
	d.mu.Unlock()

	p.bus = d.bus
	p.onClose = func(p *Peer) {
		d.reg.Unsubscribe(p.token, p)
		d.emit(eventbus.ConnectionClosed, eventbus.BroadcastEvent{Token: p.token, PeerID: p.id, Peers: len(d.reg.ConnectionsFor(p.token))})
	}
	d.reg.Subscribe(p.token, p)
	go func() {
		defer d.wg.Done()
		p.run(ctx)
	}()

	d.log.Debug("peer attached", logx.String("peer", p.id), logx.String("token", p.token), logx.Int("screen", p.screen))
	d.emit(eventbus.ConnectionOpened, eventbus.BroadcastEvent{Token: p.token, PeerID: p.id, Peers: len(d.reg.ConnectionsFor(p.token))})
	return nil
}

// Detach unsubscribes p at once and stops its writer.
func (d *Dispatcher) Detach(p *Peer) {
	d.reg.Unsubscribe(p.token, p)
	p.Close()
}

// Publish queues u on every peer of token and returns how many accepted it.
// It never waits for delivery.
func (d *Dispatcher) Publish(token string, u event.Update) int {
	return d.publish(token, u, func(*Peer) bool { return true })
}

// PublishScreen is Publish restricted to peers showing screen.
func (d *Dispatcher) PublishScreen(token string, screen int, u event.Update) int {
	return d.publish(token, u, func(p *Peer) bool { return p.screen == screen })
}

func (d *Dispatcher) publish(token string, u event.Update, match func(*Peer) bool) int {
	st := d.stripe(token)

	// Holding the stripe lock across the enqueues keeps every peer's queue in
	// publish order for this token. Enqueue never blocks.
	st.mu.Lock()
	seq := st.seq[token] + 1
	st.seq[token] = seq
	u.Token, u.Seq = token, seq
	if u.Date.IsZero() {
		u.Date = time.Now()
	}
	peers := d.reg.ConnectionsFor(token)
	accepted := 0
	for _, p := range peers {
		if match(p) && p.Enqueue(u) {
			accepted++
		}
	}
	st.mu.Unlock()

	d.published.Add(1)
	d.log.Trace("published", logx.String("token", token), logx.String("kind", string(u.Kind)), logx.Uint64("seq", seq), logx.Int("peers", accepted))
	d.emit(eventbus.BroadcastPublished, eventbus.BroadcastEvent{Token: token, Kind: string(u.Kind), Peers: accepted})
	return accepted
}

// Forget drops the sequence counter of a deleted dashboard.
func (d *Dispatcher) Forget(token string) {
	st := d.stripe(token)
	st.mu.Lock()
	delete(st.seq, token)
	st.mu.Unlock()
}

// ConnectionsFor is a snapshot of token's peers.
func (d *Dispatcher) ConnectionsFor(token string) []*Peer {
	return d.reg.ConnectionsFor(token)
}

// Peers returns stats for every attached peer, ordered by token then id.
func (d *Dispatcher) Peers() []PeerStats {
	var out []PeerStats
	for _, t := range d.reg.Tokens() {
		for _, p := range d.reg.ConnectionsFor(t) {
			out = append(out, p.Stats())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token < out[j].Token
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Dispatcher) Published() uint64 { return d.published.Load() }

func (d *Dispatcher) stripe(token string) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return &d.stripes[h.Sum32()%stripeCount]
}

func (d *Dispatcher) emit(typ string, ev eventbus.BroadcastEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
