package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedash/internal/live/event"
	logx "livedash/pkg/logx"
)

func kinds(p *Peer) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.queue))
	for _, u := range p.queue {
		s := string(u.Kind)
		if u.WidgetID != "" {
			s += ":" + u.WidgetID
		}
		if u.Widget != nil {
			s += ":" + string(u.Widget.Payload)
		}
		out = append(out, s)
	}
	return out
}

func TestOverflowPolicy(t *testing.T) {
	t.Parallel()
	// Never started: the queue only fills.
	p := NewPeer("p", "abc", 1, newFakeConn(), Config{QueueSize: 3}, logx.Nop())

	require.True(t, p.Enqueue(data("w1", 1)))
	require.True(t, p.Enqueue(event.New(event.GridLayout, "")))
	require.True(t, p.Enqueue(data("w2", 1)))

	// Superseded DATA for the same widget goes first.
	assert.True(t, p.Enqueue(data("w1", 2)))
	assert.Equal(t, []string{"GRID_LAYOUT", `DATA:w2:{"n":1}`, `DATA:w1:{"n":2}`}, kinds(p))

	// Otherwise the oldest droppable event.
	assert.True(t, p.Enqueue(data("w3", 1)))
	assert.Equal(t, []string{"GRID_LAYOUT", `DATA:w1:{"n":2}`, `DATA:w3:{"n":1}`}, kinds(p))

	// Critical events evict droppable ones.
	assert.True(t, p.Enqueue(event.New(event.Disconnect, "")))
	assert.True(t, p.Enqueue(event.New(event.Reload, "")))
	assert.Equal(t, []string{"GRID_LAYOUT", "DISCONNECT", "RELOAD"}, kinds(p))

	// Nothing droppable left: incoming DATA loses.
	assert.False(t, p.Enqueue(data("w4", 1)))
	// Critical events are never refused.
	assert.True(t, p.Enqueue(event.New(event.Reconfigure, "w1")))
	assert.Equal(t, []string{"GRID_LAYOUT", "DISCONNECT", "RELOAD", "RECONFIGURE:w1"}, kinds(p))

	st := p.Stats()
	assert.Equal(t, 4, st.Queued)
	assert.EqualValues(t, 5, st.Dropped)
}

func TestClosedPeerRejects(t *testing.T) {
	t.Parallel()
	p := NewPeer("p", "abc", 1, newFakeConn(), Config{}, logx.Nop())
	p.Close()
	assert.False(t, p.Enqueue(event.New(event.Disconnect, "")))
	p.Close()
}

func TestCriticalKinds(t *testing.T) {
	t.Parallel()
	for k, want := range map[event.Kind]bool{
		event.Data:              false,
		event.DisplayScreenCode: false,
		event.GridLayout:        true,
		event.Disconnect:        true,
		event.Reconfigure:       true,
		event.Reload:            true,
	} {
		assert.Equal(t, want, k.Critical(), string(k))
	}
}
