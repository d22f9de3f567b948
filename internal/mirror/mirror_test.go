package mirror_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"execproxy/internal/mirror"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := mirror.New(16)
	defer p.Stop()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()

	assert.EqualValues(t, 50, n.Load())
}

func TestPool_SubmitDoesNotBlockOnSlowTask(t *testing.T) {
	p := mirror.New(4)
	defer p.Stop()

	start := time.Now()
	p.Submit(func() { time.Sleep(200 * time.Millisecond) })
	p.Submit(func() {})

	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"Submit must return immediately rather than waiting on task completion")
}

func TestPool_TaskPanicDoesNotCrashWorker(t *testing.T) {
	p := mirror.New(4)
	defer p.Stop()

	var ran atomic.Bool
	var wg sync.WaitGroup

	wg.Add(1)
	p.Submit(func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()

	wg.Add(1)
	p.Submit(func() {
		defer wg.Done()
		ran.Store(true)
	})
	wg.Wait()

	assert.True(t, ran.Load(), "pool must keep serving tasks after a panicking task")
}
