package common

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cefshim/api"
)

func TestMultiSink(t *testing.T) {
	t.Parallel()

	var a, b []uint64
	m := MultiSink{
		FrameSinkFunc(func(f api.Frame) { a = append(a, f.Seq) }),
		nil,
		FrameSinkFunc(func(f api.Frame) { b = append(b, f.Seq) }),
	}
	m.HandleFrame(api.Frame{Seq: 1})
	m.HandleFrame(api.Frame{Seq: 2})

	assert.Equal(t, []uint64{1, 2}, a)
	assert.Equal(t, []uint64{1, 2}, b)
}

func TestLatestFrame(t *testing.T) {
	t.Parallel()

	l := NewLatestFrame()
	_, ok := l.Frame()
	assert.False(t, ok)

	l.HandleFrame(api.Frame{Seq: 1, Width: 10, Height: 10})
	f, ok := l.Frame()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Already satisfied.
	f, err := l.Wait(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.HandleFrame(api.Frame{Seq: 2})
	}()
	f, err = l.Wait(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Seq)
}

func TestLatestFrameWaitCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLatestFrame().Wait(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFrameQueueDropsOldest(t *testing.T) {
	t.Parallel()

	var drops int
	q := NewFrameQueue(2, func() { drops++ })
	for i := uint64(1); i <= 5; i++ {
		q.HandleFrame(api.Frame{Seq: i})
	}

	assert.Equal(t, uint64(3), q.Dropped())
	assert.Equal(t, 3, drops)

	q.Close()
	var got []uint64
	for f := range q.Frames() {
		got = append(got, f.Seq)
	}
	assert.Equal(t, []uint64{4, 5}, got)

	// Frames after Close are dropped, not sent on a closed channel.
	assert.NotPanics(t, func() { q.HandleFrame(api.Frame{Seq: 6}) })
	assert.Equal(t, uint64(4), q.Dropped())
	assert.NotPanics(t, q.Close)
}

func TestFrameQueueConcurrentProducers(t *testing.T) {
	t.Parallel()

	q := NewFrameQueue(4, nil)
	var received int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range q.Frames() {
			received++
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				q.HandleFrame(api.Frame{})
			}
		}()
	}
	wg.Wait()
	q.Close()
	<-done

	assert.Equal(t, uint64(1000), uint64(received)+q.Dropped())
}
