package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metroroute/internal/domain"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func receive(t *testing.T, c *Client) ProgressMessage {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg ProgressMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return ProgressMessage{}
	}
}

func TestHub_DeliversToFollowers(t *testing.T) {
	h := newTestHub(t)

	everything := NewClient("all", 8)
	one := NewClient("one", 8)
	h.Register(everything)
	h.Register(one)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	h.Subscribe(everything, []string{AllRuns})
	h.Subscribe(one, []string{"run-b"})

	h.Publish(domain.Progress{RunID: "run-a", Done: 1, Total: 4})
	h.Publish(domain.Progress{RunID: "run-b", Done: 4, Total: 4, Final: true})

	msg := receive(t, everything)
	assert.Equal(t, "progress", msg.Type)
	assert.Equal(t, "run-a", msg.Payload.RunID)
	msg = receive(t, everything)
	assert.Equal(t, "summary", msg.Type)

	msg = receive(t, one)
	assert.Equal(t, "run-b", msg.Payload.RunID)
	assert.Equal(t, 4, msg.Payload.Done)
	assert.Empty(t, one.Send)
}

func TestHub_SubscribeReturnsLatest(t *testing.T) {
	h := newTestHub(t)

	h.Publish(domain.Progress{RunID: "run-a", Done: 1, Total: 10})
	h.Publish(domain.Progress{RunID: "run-a", Done: 7, Total: 10})
	require.Eventually(t, func() bool {
		p, ok := h.Latest("run-a")
		return ok && p.Done == 7
	}, time.Second, 5*time.Millisecond)

	c := NewClient("late", 8)
	snapshot := h.Subscribe(c, []string{"run-a"})
	require.Len(t, snapshot, 1)
	assert.Equal(t, 7, snapshot[0].Done)

	assert.Empty(t, h.Subscribe(NewClient("other", 8), []string{"run-z"}))
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	h := newTestHub(t)
	c := NewClient("c", 1)
	h.Register(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	h.Unregister(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-c.Send
	assert.False(t, open)
}

func TestClient_Follows(t *testing.T) {
	c := NewClient("c", 1)
	assert.False(t, c.Follows("x"))
	c.Follow([]string{"x"})
	assert.True(t, c.Follows("x"))
	c.Unfollow([]string{"x"})
	assert.False(t, c.Follows("x"))
	c.Follow([]string{AllRuns})
	assert.True(t, c.Follows("anything"))
}
