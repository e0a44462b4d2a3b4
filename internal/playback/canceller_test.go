package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanceller_Enqueue_runs_and_swallows_errors(t *testing.T) {
	up := newFakeUpstream(1920, 1080)
	up.cancelErr = func(id string) error {
		if id == "bad" {
			return errors.New("boom")
		}
		return nil
	}
	c := NewCanceller(up, CancellerConfig{Workers: 2, QueueSize: 8, Timeout: time.Second}, testLogger(), nil)

	assert.True(t, c.Enqueue("dev", "bad"))
	assert.True(t, c.Enqueue("dev", "good"))
	assert.False(t, c.Enqueue("dev", ""), "empty ids are skipped")
	c.Close()

	assert.ElementsMatch(t, []cancelCall{{"dev", "bad"}, {"dev", "good"}}, up.cancelled())
}

// blockingCanceller holds every cancel until released.
type blockingCanceller struct {
	release chan struct{}
	started chan string
}

func (b *blockingCanceller) CancelTranscode(ctx context.Context, _, id string) error {
	b.started <- id
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestCanceller_full_queue_still_cancels(t *testing.T) {
	b := &blockingCanceller{release: make(chan struct{}), started: make(chan string, 4)}
	c := NewCanceller(b, CancellerConfig{Workers: 1, QueueSize: 1, Timeout: time.Minute}, testLogger(), nil)

	assert.True(t, c.Enqueue("dev", "a"))
	assert.Equal(t, "a", <-b.started) // worker busy with "a"
	assert.True(t, c.Enqueue("dev", "b"))

	start := time.Now()
	assert.True(t, c.Enqueue("dev", "c"))
	assert.True(t, c.Enqueue("dev", "d"))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Enqueue must not block")

	close(b.release)
	c.Close()
	close(b.started)

	got := []string{"a"}
	for id := range b.started {
		got = append(got, id)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, got)
}

func TestCanceller_Close(t *testing.T) {
	up := newFakeUpstream(0, 0)
	c := NewCanceller(up, CancellerConfig{}, nil, nil)
	c.Close()
	c.Close()
	assert.False(t, c.Enqueue("dev", "late"))
}

func TestCanceller_CancelNow_applies_timeout(t *testing.T) {
	b := &blockingCanceller{release: make(chan struct{}), started: make(chan string, 1)}
	c := NewCanceller(b, CancellerConfig{Workers: 1, QueueSize: 1, Timeout: 20 * time.Millisecond}, testLogger(), nil)
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.CancelNow(context.Background(), "dev", "x")
	}()
	assert.Equal(t, "x", <-b.started)
	wg.Wait()
}
