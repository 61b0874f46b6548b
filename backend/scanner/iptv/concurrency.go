package iptvscan

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiter combines a global limiter with lazily created per-host limiters.
type rateLimiter struct {
	global    *rate.Limiter
	perHost   sync.Map // map[string]*rate.Limiter
	hostLimit rate.Limit
	hostBurst int
}

func newRateLimiter(maxPPS, perHostMaxPPS int) *rateLimiter {
	rl := &rateLimiter{}
	if maxPPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(maxPPS), burstFor(maxPPS))
	}
	if perHostMaxPPS > 0 {
		rl.hostLimit = rate.Limit(perHostMaxPPS)
		rl.hostBurst = burstFor(perHostMaxPPS)
	}
	if rl.global == nil && rl.hostLimit <= 0 {
		return nil
	}
	return rl
}

func burstFor(rate int) int {
	if burst := rate / 4; burst > 0 {
		return burst
	}
	return rate
}

func (r *rateLimiter) hostLimiter(host string) *rate.Limiter {
	if l, ok := r.perHost.Load(host); ok {
		return l.(*rate.Limiter)
	}
	l, _ := r.perHost.LoadOrStore(host, rate.NewLimiter(r.hostLimit, r.hostBurst))
	return l.(*rate.Limiter)
}

// wait blocks until host may be probed. The host limiter is passed first so
// a busy host never holds a global token while it waits.
func (r *rateLimiter) wait(ctx context.Context, host string) error {
	if r == nil {
		return nil
	}
	if r.hostLimit > 0 && host != "" {
		if err := r.hostLimiter(host).Wait(ctx); err != nil {
			return err
		}
	}
	if r.global != nil {
		return r.global.Wait(ctx)
	}
	return nil
}
