package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func popType(t *testing.T, q *Queue) FrameType {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := q.Pop(ctx)
	require.NoError(t, err)
	var envelope struct {
		Type FrameType `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	return envelope.Type
}

func TestQueuePushPopOrder(t *testing.T) {
	q := NewQueue(8)
	require.True(t, q.Push(NewStreamEnd("a")))
	require.True(t, q.Push(NewInterruptAcknowledged()))

	assert.Equal(t, FrameStreamEnd, popType(t, q))
	assert.Equal(t, FrameInterruptAcknowledged, popType(t, q))
	assert.Zero(t, q.Len())
}

func TestQueueEvictsStreamFramesFirst(t *testing.T) {
	q := NewQueue(3)
	require.True(t, q.Push(NewRunStartConfirmed("s1")))
	require.True(t, q.Push(NewAgentStream("alice", "chunk-1", "m1")))
	require.True(t, q.Push(NewAgentStream("alice", "chunk-2", "m1")))

	// Queue full: the oldest stream frame goes, not the confirmation.
	require.True(t, q.Push(NewStreamEnd("done")))
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, FrameRunStartConfirmed, popType(t, q))
	assert.Equal(t, FrameAgentStream, popType(t, q))
	assert.Equal(t, FrameStreamEnd, popType(t, q))
}

func TestQueueEvictsOldestWhenNoStreamFrames(t *testing.T) {
	q := NewQueue(2)
	require.True(t, q.Push(NewRunStartConfirmed("s1")))
	require.True(t, q.Push(NewStreamEnd("first")))
	require.True(t, q.Push(NewInterruptAcknowledged()))

	// The oldest non-stream frame was dropped.
	assert.Equal(t, FrameStreamEnd, popType(t, q))
	assert.Equal(t, FrameInterruptAcknowledged, popType(t, q))
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue(4)
	done := make(chan FrameType, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		data, err := q.Pop(ctx)
		if err != nil {
			done <- ""
			return
		}
		var envelope struct {
			Type FrameType `json:"type"`
		}
		_ = json.Unmarshal(data, &envelope)
		done <- envelope.Type
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(NewStreamEnd("now"))

	select {
	case typ := <-done:
		assert.Equal(t, FrameStreamEnd, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("pop never returned")
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(4)
	q.Close()
	assert.False(t, q.Push(NewStreamEnd("late")))

	_, err := q.Pop(context.Background())
	assert.Error(t, err)
}

func TestQueuePopCancelled(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
