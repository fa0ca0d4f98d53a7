package net

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecvLimiter_Burst(t *testing.T) {
	limiter := NewRecvLimiter(1, 5) // 1 frame per second, burst of 5

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(), "frame %d within burst", i)
	}
	assert.False(t, limiter.Allow(), "burst exhausted")
}

func TestRecvLimiter_Unlimited(t *testing.T) {
	limiter := NewRecvLimiter(0, 0)
	for i := 0; i < 10000; i++ {
		if !limiter.Allow() {
			t.Fatalf("unlimited limiter rejected frame %d", i)
		}
	}
}

func TestRecvLimiter_Reload(t *testing.T) {
	limiter := NewRecvLimiter(1, 1)
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	limiter.Reload(1, 10)
	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow(), "reloaded token %d", i)
	}
}

func TestRecvLimiter_Concurrent(t *testing.T) {
	limiter := NewRecvLimiter(1, 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if limiter.Allow() {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// 100 burst tokens plus at most a couple refilled during the test.
	assert.GreaterOrEqual(t, allowed, 100)
	assert.LessOrEqual(t, allowed, 105)
}

func TestSendPacer(t *testing.T) {
	pacer := NewSendPacer(100) // one write per 10ms

	start := time.Now()
	for i := 0; i < 6; i++ {
		pacer.Take()
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	pacer.Reload(0)
	start = time.Now()
	for i := 0; i < 1000; i++ {
		pacer.Take()
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
