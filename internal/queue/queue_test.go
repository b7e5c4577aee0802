package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestNewMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeAttendanceMarked, AttendanceMarked{ClassID: "C", StudentID: "S", Status: "late"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	var body AttendanceMarked
	require.NoError(t, msg.Decode(&body))
	assert.Equal(t, "late", body.Status)
}

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(4)

	msg, err := NewMessage(TypeAttendanceMarked, AttendanceMarked{ClassID: "C1"})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	got := receive(t, ch)
	assert.Equal(t, msg.ID, got.ID)

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestInMemoryFull(t *testing.T) {
	q := NewInMemory(1)
	msg, err := NewMessage(TypeAttendanceMarked, AttendanceMarked{ClassID: "C1"})
	require.NoError(t, err)
	require.NoError(t, q.Publish(context.Background(), msg))
	assert.ErrorIs(t, q.Publish(context.Background(), msg), ErrFull)
}

func TestRedisQueueFIFO(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewRedisQueue(client, "")
	q.timeout = 100 * time.Millisecond

	first, err := NewMessage(TypeAttendanceMarked, AttendanceMarked{StudentID: "A"})
	require.NoError(t, err)
	second, err := NewMessage(TypeAttendanceMarked, AttendanceMarked{StudentID: "B"})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, first))
	require.NoError(t, q.Publish(ctx, second))
	require.NoError(t, client.LPush(ctx, DefaultKey, "not-json").Err())

	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	var body AttendanceMarked
	require.NoError(t, receive(t, ch).Decode(&body))
	assert.Equal(t, "A", body.StudentID)
	require.NoError(t, receive(t, ch).Decode(&body))
	assert.Equal(t, "B", body.StudentID)
}
