package security

import (
	"sync/atomic"

	"github.com/phuslu/log"

	"threadwait/internal/logger"
	"threadwait/internal/result"
)

// Limit is a resource counter shared by all threads under one context's limit.
// The counter is only ever touched with atomic operations so unrelated
// blocking calls never serialize on it.
type Limit struct {
	class Class
	used  atomic.Int64
	max   atomic.Int64
}

// take reserves one unit. The counter never goes above max, even transiently.
func (l *Limit) take() bool {
	for {
		used := l.used.Load()
		if used >= l.max.Load() {
			return false
		}
		if l.used.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

func (l *Limit) give() {
	if l.used.Add(-1) < 0 {
		panic("security: limit released more often than acquired")
	}
}

// Used returns the number of units currently held.
func (l *Limit) Used() int64 { return l.used.Load() }

// Max returns the configured ceiling.
func (l *Limit) Max() int64 { return l.max.Load() }

// Class returns the resource class of the limit.
func (l *Limit) Class() Class { return l.class }

// Lease is one acquired unit. Release is safe to call from any exit path and
// any number of times; only the first call gives the unit back.
type Lease struct {
	limit    *Limit
	released atomic.Bool
}

// Release returns the unit to the limit.
func (l *Lease) Release() {
	if l == nil || l.limit == nil {
		return
	}
	if l.released.CompareAndSwap(false, true) {
		l.limit.give()
	}
}

// Gate is the resource-limit check consulted by every blocking entry point.
type Gate struct {
	rejections [2]atomic.Uint64 // indexed by classIndex
	log        log.Logger
}

// NewGate creates a gate.
func NewGate() *Gate {
	return &Gate{log: logger.NewLoggerWithContext("limit_gate")}
}

func classIndex(c Class) int {
	if c == ClassThreads {
		return 1
	}
	return 0
}

// Acquire checks ctx's limit for class and, when allowed, takes one unit.
// Exhaustion is reported as result.ResourceLimitExhausted and nothing is held.
// A nil context or an unlimited class yields a lease that holds nothing.
func (g *Gate) Acquire(ctx *Context, class Class) (*Lease, error) {
	if ctx == nil {
		return &Lease{}, nil
	}
	l := ctx.Limit(class)
	if l == nil {
		return &Lease{}, nil
	}
	if !l.take() {
		g.rejections[classIndex(class)].Add(1)
		g.log.Debug().
			Str("context", ctx.Name()).
			Str("class", string(class)).
			Int64("max", l.Max()).
			Msg("resource limit exhausted")
		return nil, result.ResourceLimitExhausted
	}
	return &Lease{limit: l}, nil
}

// Rejections returns how many acquisitions of class were refused.
func (g *Gate) Rejections(class Class) uint64 {
	return g.rejections[classIndex(class)].Load()
}
