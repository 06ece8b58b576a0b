package event

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeData(t *testing.T) {
	t.Parallel()
	u := NewData(Widget{ID: "w1", Payload: json.RawMessage(`{"v":42}`), Status: "SUCCESS"})
	u.Token, u.Seq = "abc", 7
	u.Date = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	b, err := Encode(u)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "DATA", m["type"])
	assert.Equal(t, "abc", m["token"])
	assert.EqualValues(t, 7, m["seq"])
	assert.Equal(t, "w1", m["widgetId"])
	content := m["content"].(map[string]any)
	assert.Equal(t, map[string]any{"v": float64(42)}, content["payload"])

	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, u.Kind, back.Kind)
	assert.Equal(t, u.Seq, back.Seq)
	assert.JSONEq(t, `{"v":42}`, string(back.Widget.Payload))
}

func TestContentlessEventsOmitContent(t *testing.T) {
	t.Parallel()
	b, err := Encode(New(GridLayout, ""))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "content")
	assert.NotContains(t, string(b), "widgetId")
}

func TestSupersedes(t *testing.T) {
	t.Parallel()
	a := NewData(Widget{ID: "w1"})
	b := NewData(Widget{ID: "w1"})
	c := NewData(Widget{ID: "w2"})
	assert.True(t, b.Supersedes(a))
	assert.False(t, c.Supersedes(a))
	assert.False(t, New(Reconfigure, "w1").Supersedes(a))
}
