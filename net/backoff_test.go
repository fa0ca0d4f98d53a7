package net

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_ZeroNeverRetries(t *testing.T) {
	b := newBackoff(BackoffCfg{})
	_, ok := b.Next()
	assert.False(t, ok)
}

func TestBackoff_Exponential(t *testing.T) {
	b := newBackoff(BackoffCfg{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     500 * time.Millisecond,
		MaxAttempts:  5,
	})

	var got []time.Duration
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, got)
	assert.Equal(t, 5, b.Attempts())

	b.Reset()
	d, ok := b.Next()
	assert.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)
}

func TestBackoff_Unlimited(t *testing.T) {
	b := newBackoff(BackoffCfg{InitialDelay: time.Second, MaxAttempts: -1})
	for i := 0; i < 1000; i++ {
		d, ok := b.Next()
		if !ok || d != time.Second {
			t.Fatalf("attempt %d: got %v, %v", i, d, ok)
		}
	}
}
