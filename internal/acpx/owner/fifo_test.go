package owner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_PushPopOrder(t *testing.T) {
	f := newFIFO()
	a := &Task{RequestID: "a"}
	b := &Task{RequestID: "b"}
	f.push(a)
	f.push(b)

	got1, ok1 := f.pop()
	require.True(t, ok1)
	assert.Equal(t, "a", got1.RequestID)

	got2, ok2 := f.pop()
	require.True(t, ok2)
	assert.Equal(t, "b", got2.RequestID)

	_, ok3 := f.pop()
	assert.False(t, ok3)
}

func TestFIFO_WaitForNext_ReturnsQueuedTaskImmediately(t *testing.T) {
	f := newFIFO()
	f.push(&Task{RequestID: "x"})
	got, ok := f.waitForNext(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, "x", got.RequestID)
}

func TestFIFO_WaitForNext_WakesOnPush(t *testing.T) {
	f := newFIFO()
	done := make(chan *Task, 1)
	go func() {
		got, ok := f.waitForNext(context.Background(), 2*time.Second)
		if ok {
			done <- got
		}
	}()
	time.Sleep(10 * time.Millisecond)
	f.push(&Task{RequestID: "late"})

	select {
	case got := <-done:
		assert.Equal(t, "late", got.RequestID)
	case <-time.After(time.Second):
		t.Fatal("waitForNext never woke on push")
	}
}

func TestFIFO_WaitForNext_TimesOutWhenIdle(t *testing.T) {
	f := newFIFO()
	_, ok := f.waitForNext(context.Background(), 10*time.Millisecond)
	assert.False(t, ok)
}

func TestFIFO_WaitForNext_NeverTimesOutWhenIdleIsZero(t *testing.T) {
	f := newFIFO()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, ok := f.waitForNext(ctx, 0)
	assert.False(t, ok)
}

func TestFIFO_Drain_ClearsAndReturnsAll(t *testing.T) {
	f := newFIFO()
	f.push(&Task{RequestID: "a"})
	f.push(&Task{RequestID: "b"})

	drained := f.drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, f.len())
}
