package coordination

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexFIFOOrdering(t *testing.T) {
	m := NewMutex("res")
	require.NoError(t, m.Acquire("w0", time.Second))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	started := make(chan struct{}, 2)
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			require.NoError(t, m.Acquire("w", 2*time.Second))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			require.NoError(t, m.Release("w"))
		}(i)
	}
	<-started
	<-started
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Release("w0"))
	wg.Wait()

	assert.Equal(t, []int{1, 2}, order)
}

func TestMutexReleaseUnlockedErrors(t *testing.T) {
	m := NewMutex("res")
	err := m.Release("nobody")
	require.Error(t, err)
}

func TestMutexTimeout(t *testing.T) {
	m := NewMutex("res")
	require.NoError(t, m.Acquire("owner", time.Second))

	err := m.Acquire("other", 20*time.Millisecond)
	require.Error(t, err)
	var timeoutErr *TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestBarrierReleasesAllOnFill(t *testing.T) {
	b := NewBarrier("b", 3)
	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Arrive(string(rune('a'+i)), time.Second)
		}(i)
	}
	wg.Wait()
	for _, err := range results {
		assert.NoError(t, err)
	}
}

func TestBarrierDuplicateArrivalRejected(t *testing.T) {
	b := NewBarrier("b", 2)
	go b.Arrive("x", time.Second)
	time.Sleep(20 * time.Millisecond)
	err := b.Arrive("x", 20*time.Millisecond)
	require.Error(t, err)
}

func TestSemaphoreOverRelease(t *testing.T) {
	s := NewSemaphore("s", 1)
	err := s.Release()
	require.Error(t, err)
}

func TestSemaphoreTryAcquireNeverBlocks(t *testing.T) {
	s := NewSemaphore("s", 1)
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	require.NoError(t, s.Release())
	assert.True(t, s.TryAcquire())
}

func TestEventOneShotAutoResets(t *testing.T) {
	e := NewEvent("ready", false)
	e.Signal()
	require.NoError(t, e.Wait(10*time.Millisecond))
	err := e.Wait(10 * time.Millisecond)
	require.Error(t, err)
}

func TestEventPersistentStaysSignaled(t *testing.T) {
	e := NewEvent("ready", true)
	e.Signal()
	require.NoError(t, e.Wait(10*time.Millisecond))
	require.NoError(t, e.Wait(10*time.Millisecond))
	e.Reset()
	err := e.Wait(10 * time.Millisecond)
	require.Error(t, err)
}

func TestWaitForAnyAndAll(t *testing.T) {
	e1 := NewEvent("e1", true)
	e2 := NewEvent("e2", true)
	e1.Signal()

	name, err := WaitForAny([]*Event{e1, e2}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "e1", name)

	err = WaitForAll([]*Event{e1, e2}, 30*time.Millisecond)
	require.Error(t, err)

	e2.Signal()
	err = WaitForAll([]*Event{e1, e2}, 30*time.Millisecond)
	require.NoError(t, err)
}

func TestWaitForAnyResolvesOneShotEventSignaledLater(t *testing.T) {
	e1 := NewEvent("e1", false)
	e2 := NewEvent("e2", false)

	go func() {
		time.Sleep(5 * time.Millisecond)
		e2.Signal()
	}()

	name, err := WaitForAny([]*Event{e1, e2}, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "e2", name)
}

func TestWaitForAllResolvesOneShotEventsSignaledLater(t *testing.T) {
	e1 := NewEvent("e1", false)
	e2 := NewEvent("e2", false)

	go func() {
		time.Sleep(5 * time.Millisecond)
		e1.Signal()
		time.Sleep(5 * time.Millisecond)
		e2.Signal()
	}()

	err := WaitForAll([]*Event{e1, e2}, 200*time.Millisecond)
	require.NoError(t, err)
}
