package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minglu/stockintel/internal/domain"
)

func noopRunner(context.Context, domain.Task, func(float64, string)) (int64, error) {
	return 0, nil
}

func waitForStatus(t *testing.T, q *Queue, taskID string, status domain.TaskStatus) domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Get(taskID)
		require.NoError(t, err)
		if task.Status == status {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, status)
	return domain.Task{}
}

func TestSubmitDeduplicatesActiveTicker(t *testing.T) {
	release := make(chan struct{})
	runner := func(context.Context, domain.Task, func(float64, string)) (int64, error) {
		<-release
		return 1, nil
	}
	q := New(Config{Workers: 1}, runner, nil, zerolog.Nop())
	q.Start(context.Background())
	defer q.Stop()

	first, err := q.Submit("600519", "manual")
	require.NoError(t, err)

	dup, err := q.Submit("600519", "manual")
	assert.ErrorIs(t, err, domain.ErrDuplicateTask)
	assert.Equal(t, first.TaskID, dup.TaskID)

	// A different ticker is not affected.
	_, err = q.Submit("00700", "manual")
	require.NoError(t, err)

	close(release)
	waitForStatus(t, q, first.TaskID, domain.TaskCompleted)

	// Once terminal, the ticker accepts a fresh submission.
	again, err := q.Submit("600519", "manual")
	require.NoError(t, err)
	assert.NotEqual(t, first.TaskID, again.TaskID)
}

func TestConcurrentSubmitSingleWinner(t *testing.T) {
	q := New(Config{Workers: 1, QueueSize: 32}, noopRunner, nil, zerolog.Nop())
	// Workers not started: every task stays pending.

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := make(map[string]int)
	duplicates := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := q.Submit("600519", "manual")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners[task.TaskID]++
			} else {
				assert.ErrorIs(t, err, domain.ErrDuplicateTask)
				duplicates++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, winners, 1)
	assert.Equal(t, n-1, duplicates)
}

func TestSubmitQueueBusy(t *testing.T) {
	q := New(Config{Workers: 1, QueueSize: 1}, noopRunner, nil, zerolog.Nop())

	_, err := q.Submit("600519", "manual")
	require.NoError(t, err)

	_, err = q.Submit("00700", "manual")
	assert.ErrorIs(t, err, domain.ErrQueueBusy)
}

func TestLifecycleEvents(t *testing.T) {
	bus := NewBus(32, zerolog.Nop())
	events, cancel := bus.Subscribe()
	defer cancel()

	runner := func(_ context.Context, _ domain.Task, progress func(float64, string)) (int64, error) {
		progress(0.5, "fetching")
		return 42, nil
	}
	q := New(Config{Workers: 1}, runner, bus, zerolog.Nop())
	q.Start(context.Background())
	defer q.Stop()

	task, err := q.Submit("600519", "manual")
	require.NoError(t, err)

	var seen []string
	timeout := time.After(5 * time.Second)
	for {
		var evt Event
		select {
		case evt = <-events:
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
		require.Equal(t, task.TaskID, evt.Task.TaskID)
		assert.GreaterOrEqual(t, evt.Task.Progress, 0.0)
		assert.LessOrEqual(t, evt.Task.Progress, 1.0)
		seen = append(seen, evt.Type)
		if evt.Type == EventTaskProgress {
			assert.Equal(t, 0.5, evt.Task.Progress)
		}
		if evt.Type == EventTaskCompleted {
			assert.Equal(t, int64(42), evt.Task.RecordID)
			assert.Equal(t, 1.0, evt.Task.Progress)
			break
		}
	}
	assert.Equal(t, []string{EventTaskCreated, EventTaskStarted, EventTaskProgress, EventTaskCompleted}, seen)
}

func TestFailedTask(t *testing.T) {
	runner := func(context.Context, domain.Task, func(float64, string)) (int64, error) {
		return 0, fmt.Errorf("history unavailable")
	}
	q := New(Config{Workers: 1}, runner, nil, zerolog.Nop())
	q.Start(context.Background())
	defer q.Stop()

	task, err := q.Submit("600519", "manual")
	require.NoError(t, err)

	failed := waitForStatus(t, q, task.TaskID, domain.TaskFailed)
	assert.Equal(t, "history unavailable", failed.Error)
	require.NotNil(t, failed.CompletedAt)
}

func TestGetUnknownTask(t *testing.T) {
	q := New(Config{}, noopRunner, nil, zerolog.Nop())
	_, err := q.Get("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTerminalRetention(t *testing.T) {
	q := New(Config{Workers: 1, QueueSize: 256}, noopRunner, nil, zerolog.Nop())

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	const total = 150
	for i := 0; i < total; i++ {
		task, err := q.Submit(fmt.Sprintf("%06d", i), "scheduled")
		require.NoError(t, err)
		q.markFinished(task.TaskID, domain.TaskCompleted, int64(i), "")
	}

	// Past the grace window, a new submission triggers cleanup.
	q.now = func() time.Time { return base.Add(5 * time.Second) }
	_, err := q.Submit("600519", "manual")
	require.NoError(t, err)

	tasks := q.List()
	assert.Len(t, tasks, terminalRetention+1)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	events, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: "first"})
	bus.Publish(Event{Type: "second"}) // dropped

	evt := <-events
	assert.Equal(t, "first", evt.Type)
	select {
	case extra := <-events:
		t.Fatalf("unexpected event %s", extra.Type)
	default:
	}
}

func TestBusPublishConcurrentWithCancel(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())

	const subscribers = 8
	cancels := make([]func(), subscribers)
	for i := range cancels {
		_, cancels[i] = bus.Subscribe()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Publish(Event{Type: EventTaskProgress})
		}
	}()
	for _, cancel := range cancels {
		cancel()
	}
	<-done

	assert.Equal(t, 0, bus.Subscribers())
}

func TestBusSubscribeCancel(t *testing.T) {
	bus := NewBus(4, zerolog.Nop())
	events, cancel := bus.Subscribe()
	assert.Equal(t, 1, bus.Subscribers())

	cancel()
	assert.Equal(t, 0, bus.Subscribers())
	_, open := <-events
	assert.False(t, open)

	// Publishing after cancellation is a no-op.
	bus.Publish(Event{Type: "late"})
	cancel() // idempotent
}
