package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	ctx := context.Background()

	t.Run("PreservesOrder", func(t *testing.T) {
		m := NewFIFO[int](3)
		for i := 1; i <= 3; i++ {
			require.NoError(t, m.Send(ctx, i))
		}
		for i := 1; i <= 3; i++ {
			v, err := m.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, i, v)
		}
	})

	t.Run("SendBlocksWhenFull", func(t *testing.T) {
		m := NewFIFO[int](1)
		require.NoError(t, m.Send(ctx, 1))

		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, m.Send(tctx, 2), context.DeadlineExceeded)
		assert.Equal(t, 1, m.Len())
	})

	t.Run("ReceiveAfterCloseDrains", func(t *testing.T) {
		m := NewFIFO[string](2)
		require.NoError(t, m.Send(ctx, "a"))
		m.Close()
		m.Close()

		v, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a", v)
		_, err = m.Receive(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestDropOldest(t *testing.T) {
	ctx := context.Background()

	t.Run("EvictsOldestWhenFull", func(t *testing.T) {
		m := NewDropOldest[int](2)
		assert.False(t, m.Send(1))
		assert.False(t, m.Send(2))
		assert.True(t, m.Send(3))
		assert.Equal(t, uint64(1), m.Dropped())

		v, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
		v, err = m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, v)
	})

	t.Run("ReceiveWaitsForSend", func(t *testing.T) {
		m := NewDropOldest[int](4)
		go func() {
			time.Sleep(10 * time.Millisecond)
			m.Send(42)
		}()
		v, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("ReceiveHonoursContext", func(t *testing.T) {
		m := NewDropOldest[int](1)
		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := m.Receive(tctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Close", func(t *testing.T) {
		m := NewDropOldest[int](2)
		m.Send(1)
		m.Close()
		assert.False(t, m.Send(2))

		v, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		_, err = m.Receive(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestLatest(t *testing.T) {
	ctx := context.Background()

	t.Run("KeepsOnlyNewest", func(t *testing.T) {
		m := NewLatest[int]()
		m.Publish(1)
		m.Publish(2)
		m.Publish(3)

		v, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, v)

		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err = m.Receive(tctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("LoadDoesNotConsume", func(t *testing.T) {
		m := NewLatest[string]()
		_, ok := m.Load()
		assert.False(t, ok)

		m.Publish("a")
		v, ok := m.Load()
		require.True(t, ok)
		assert.Equal(t, "a", v)

		got, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a", got)
	})

	t.Run("CloseWakesReceiver", func(t *testing.T) {
		m := NewLatest[int]()
		done := make(chan error, 1)
		go func() {
			_, err := m.Receive(ctx)
			done <- err
		}()
		time.Sleep(10 * time.Millisecond)
		m.Close()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("receiver not woken by Close")
		}
	})
}
