package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/inputs"
	"github.com/parleyhq/parley/pkg/models"
)

func TestUserProxyRespondBlocksForAnswer(t *testing.T) {
	requests := make(chan *models.UserInputRequested, 1)
	queue := inputs.NewQueue(func(e models.Event) {
		if req, ok := e.(*models.UserInputRequested); ok {
			requests <- req
		}
	})
	proxy := NewUserProxy("human_proxy", "the human", queue)
	proxy.Deliver(msg("alice", "shall I restart the pod?"))

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := proxy.Respond(context.Background(),
			StateVars{"feedback_context": "alert: data-loss scored 9"}, nil)
		done <- result{resp, err}
	}()

	var req *models.UserInputRequested
	select {
	case req = <-requests:
	case <-time.After(2 * time.Second):
		t.Fatal("no input request emitted")
	}
	assert.Equal(t, "human_proxy", req.Source)
	assert.Contains(t, req.Prompt, "alice said:")
	assert.Contains(t, req.Prompt, "shall I restart the pod?")
	assert.Contains(t, req.Prompt, "alert: data-loss scored 9")

	require.True(t, queue.Provide(req.RequestID, "yes, go ahead"))

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "yes, go ahead", got.resp.ChatMessage.Content)
	assert.Equal(t, "human_proxy", got.resp.ChatMessage.Source)
	assert.Zero(t, proxy.bufferLen)
}

func TestUserProxyRespondCancelled(t *testing.T) {
	queue := inputs.NewQueue(func(models.Event) {})
	proxy := NewUserProxy("human_proxy", "the human", queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := proxy.Respond(ctx, nil, nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestUserProxyBufferSemantics(t *testing.T) {
	proxy := NewUserProxy("human_proxy", "the human", inputs.NewQueue(func(models.Event) {}))

	proxy.Deliver(msg("alice", "one"))
	proxy.Deliver(msg("bob", "two"))
	assert.Equal(t, 2, proxy.bufferLen)

	proxy.Deliver(msg("human_proxy", "my own"))
	assert.Zero(t, proxy.bufferLen)

	proxy.Deliver(msg("alice", "three"))
	proxy.TrimBuffer(2)
	assert.Zero(t, proxy.bufferLen)
	assert.Len(t, proxy.conversation, 3)

	proxy.Reset()
	assert.Empty(t, proxy.conversation)
}
