package net

import (
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// RecvLimiter is a token bucket on inbound frames of one peer (or one UDP
// node). Frames arriving without a token are dropped, so a flooding peer
// cannot fill the inbound queue.
//
// The limiter is swapped atomically on Reload.
type RecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewRecvLimiter allows limit frames per second with the given burst. A
// limit <= 0 disables limiting.
func NewRecvLimiter(limit float64, burst int) *RecvLimiter {
	l := &RecvLimiter{}
	l.Reload(limit, burst)
	return l
}

func newRateLimiter(limit float64, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = max(1, int(limit))
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// Allow reports whether one more frame may be accepted now.
func (l *RecvLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

// Reload replaces the limit and burst.
func (l *RecvLimiter) Reload(limit float64, burst int) {
	l.limiter.Store(newRateLimiter(limit, burst))
}

// SendPacer spaces outbound writes of one peer evenly (leaky bucket). Take
// blocks only the writer goroutine that calls it.
type SendPacer struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewSendPacer allows limit writes per second. A limit <= 0 disables pacing.
func NewSendPacer(limit int) *SendPacer {
	p := &SendPacer{}
	p.Reload(limit)
	return p
}

// Take blocks until the next write is allowed.
func (p *SendPacer) Take() {
	_ = (*p.limiter.Load()).Take()
}

// Reload replaces the rate.
func (p *SendPacer) Reload(limit int) {
	var limiter ratelimit.Limiter
	if limit <= 0 {
		limiter = ratelimit.NewUnlimited()
	} else {
		limiter = ratelimit.New(limit, ratelimit.WithoutSlack)
	}
	p.limiter.Store(&limiter)
}
