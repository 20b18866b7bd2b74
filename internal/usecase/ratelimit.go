package usecase

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedSenders caps the limiter map so rotating sender ids cannot
// exhaust memory.
const maxTrackedSenders = 4096

type senderLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SenderLimiter is a per-sender token bucket guarding the routing path
// against message floods. Safe for concurrent use.
type SenderLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	idle    time.Duration
	senders map[string]*senderLimit
}

// NewSenderLimiter allows perMinute messages per sender with the given
// burst. It returns nil, which disables limiting, when perMinute <= 0.
func NewSenderLimiter(perMinute, burst int) *SenderLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	every := rate.Every(time.Minute / time.Duration(perMinute))
	return &SenderLimiter{
		every:   every,
		burst:   burst,
		idle:    time.Duration(float64(burst)/float64(every)*float64(time.Second)) + time.Minute,
		senders: make(map[string]*senderLimit),
	}
}

// Allow reports whether senderID may be routed at now.
func (l *SenderLimiter) Allow(senderID string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.senders) >= maxTrackedSenders {
		l.pruneLocked(now)
	}

	e, ok := l.senders[senderID]
	if !ok {
		e = &senderLimit{limiter: rate.NewLimiter(l.every, l.burst)}
		l.senders[senderID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *SenderLimiter) pruneLocked(now time.Time) {
	for id, e := range l.senders {
		if now.Sub(e.lastSeen) >= l.idle {
			delete(l.senders, id)
		}
	}
	// Hard eviction if still at cap (FIFO-ish via map iteration).
	for len(l.senders) >= maxTrackedSenders {
		for id := range l.senders {
			delete(l.senders, id)
			break
		}
	}
}
