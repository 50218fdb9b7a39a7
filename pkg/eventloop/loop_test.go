package eventloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_RunsTasksInOrder(t *testing.T) {
	loop := New(nil)
	defer loop.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, loop.Post(func() { got = append(got, i) }))
	}

	var snapshot []int
	require.True(t, loop.Do(func() { snapshot = append(snapshot, got...) }))

	require.Len(t, snapshot, 100)
	for i, v := range snapshot {
		assert.Equal(t, i, v)
	}
}

func TestRunner_RecoversPanickingTask(t *testing.T) {
	loop := New(nil)
	defer loop.Close()

	loop.Post(func() { panic("boom") })

	ran := false
	require.True(t, loop.Do(func() { ran = true }))
	assert.True(t, ran)
}

func TestRunner_AfterFuncAndStop(t *testing.T) {
	loop := New(nil)
	defer loop.Close()

	fired := make(chan struct{}, 1)
	loop.AfterFunc(10*time.Millisecond, func() { fired <- struct{}{} })

	stopped := loop.AfterFunc(10*time.Millisecond, func() { t.Error("stopped timer fired") })
	stopped.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(20 * time.Millisecond)
}

func TestRunner_PostAfterClose(t *testing.T) {
	loop := New(nil)
	loop.Close()
	loop.Close()

	assert.False(t, loop.Post(func() {}))
	assert.False(t, loop.Do(func() {}))
}

func TestRunner_ConcurrentPosters(t *testing.T) {
	loop := New(nil)
	defer loop.Close()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				loop.Do(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var total int
	loop.Do(func() { total = counter })
	assert.Equal(t, 1000, total)
}

func TestManual_RunPendingIncludesNestedPosts(t *testing.T) {
	loop := NewManual()

	var order []string
	loop.Post(func() {
		order = append(order, "a")
		loop.Post(func() { order = append(order, "c") })
	})
	loop.Post(func() { order = append(order, "b") })

	assert.Empty(t, order)
	assert.Equal(t, 3, loop.RunPending())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestManual_AdvanceFiresTimersInDeadlineOrder(t *testing.T) {
	loop := NewManual()

	var order []string
	loop.AfterFunc(300*time.Millisecond, func() { order = append(order, "late") })
	loop.AfterFunc(100*time.Millisecond, func() {
		order = append(order, "early")
		loop.AfterFunc(100*time.Millisecond, func() { order = append(order, "chained") })
	})

	loop.Advance(150 * time.Millisecond)
	assert.Equal(t, []string{"early"}, order)

	loop.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"early", "chained", "late"}, order)
	assert.Equal(t, 0, loop.PendingTimers())
}

func TestManual_StoppedTimerNeverFires(t *testing.T) {
	loop := NewManual()

	timer := loop.AfterFunc(time.Second, func() { t.Error("fired") })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	loop.Advance(2 * time.Second)
}
