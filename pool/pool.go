// Package pool implements the reference-counted message buffers backing
// every exchange with the Wi-Fi modem (§3.4, I5). It is the leaf-most
// piece of the core: the AT driver and event fabric both depend on it,
// nothing here depends on them.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/collarcore/radiocore/rcerr"
)

var log = logrus.WithField("subsystem", "pool")

// Message is a single serialized exchange with the Wi-Fi modem: an
// outbound command or an inbound frame. Messages are created with
// refcount 1; a subscriber that wants to outlive the call that delivered
// the message must Retain and later Release it. Reaching refcount zero
// returns the backing buffer to the pool.
type Message struct {
	Incoming  bool
	Timestamp time.Time

	data []byte
	pool *Pool
	ref  int32
}

// Data returns the valid bytes of the message. The slice is only valid
// while the caller holds a reference.
func (m *Message) Data() []byte {
	return m.data
}

// Retain increments the reference count and returns the message, so it
// can be chained at the call site (e.g. `return pub(m.Retain())`).
func (m *Message) Retain() *Message {
	atomic.AddInt32(&m.ref, 1)
	atomic.AddInt64(&m.pool.totalRefs, 1)
	return m
}

// Release decrements the reference count. At zero, the message's slot
// is returned to the pool (it stops counting toward Outstanding and
// leaves the pending queue). Releasing a message that is already
// at zero is a programming error in the caller and panics, the same way
// a double-free would.
func (m *Message) Release() {
	atomic.AddInt64(&m.pool.totalRefs, -1)
	n := atomic.AddInt32(&m.ref, -1)
	if n < 0 {
		panic("pool: Message released more times than retained")
	}
	if n == 0 {
		m.pool.free(m)
	}
}

// RefCount reports the current reference count, for diagnostics and tests.
func (m *Message) RefCount() int32 {
	return atomic.LoadInt32(&m.ref)
}

// Pool is a bounded heap of Messages plus a bounded queue of pending
// incoming messages awaiting processing. Allocation that would exceed
// the heap first tries to evict the oldest pending message older than
// FlushAge; if none qualifies, allocation fails with OutOfMemory. Five
// consecutive allocation failures trip the watchdog hook (I5).
type Pool struct {
	mu sync.Mutex

	capacity   int
	maxPending int
	flushAge   time.Duration

	outstanding int
	pending     []*Message // oldest first

	consecutiveFailures int
	onWatchdog          func()

	totalRefs int64
}

// Config bundles the pool's bounded-resource parameters.
type Config struct {
	// Capacity is the maximum number of live (unreleased) messages the
	// heap will hold at once.
	Capacity int
	// MaxPending is the maximum depth of the pending-incoming-message
	// queue used by the eviction policy.
	MaxPending int
	// FlushAge is FLUSH_AGE_MS: the minimum age of a pending message
	// before it becomes evictable.
	FlushAge time.Duration
	// OnWatchdog is invoked once allocation has failed five times in a
	// row (§3.4 I5). It must not block.
	OnWatchdog func()
}

// New creates a Pool from the given configuration, filling in sane
// defaults for zero fields.
func New(cfg Config) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 32
	}
	if cfg.FlushAge <= 0 {
		cfg.FlushAge = 5 * time.Second
	}
	return &Pool{
		capacity:   cfg.Capacity,
		maxPending: cfg.MaxPending,
		flushAge:   cfg.FlushAge,
		onWatchdog: cfg.OnWatchdog,
	}
}

// Alloc allocates a Message wrapping a copy of data. incoming marks the
// direction; incoming messages are additionally tracked on the pending
// queue used by the eviction policy until the caller Releases them.
func (p *Pool) Alloc(incoming bool, data []byte) (*Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outstanding >= p.capacity {
		if !p.evictOldestLocked() {
			p.consecutiveFailures++
			log.WithFields(logrus.Fields{
				"outstanding":         p.outstanding,
				"capacity":            p.capacity,
				"consecutiveFailures": p.consecutiveFailures,
			}).Warn("pool allocation failed, no evictable message")
			if p.consecutiveFailures >= 5 {
				log.Error("pool allocation failed 5 times consecutively, tripping watchdog")
				if p.onWatchdog != nil {
					p.onWatchdog()
				}
				p.consecutiveFailures = 0
			}
			return nil, rcerr.OutOfMemory
		}
	}

	p.consecutiveFailures = 0
	buf := make([]byte, len(data))
	copy(buf, data)
	m := &Message{
		Incoming:  incoming,
		Timestamp: time.Now(),
		data:      buf,
		pool:      p,
		ref:       1,
	}
	atomic.AddInt64(&p.totalRefs, 1)
	p.outstanding++
	if incoming {
		if len(p.pending) >= p.maxPending {
			// Pending queue itself is bounded; drop the oldest entry's
			// pending-tracking (it is still a live message, just no
			// longer eligible for age-based eviction bookkeeping).
			p.pending = p.pending[1:]
		}
		p.pending = append(p.pending, m)
	}
	return m, nil
}

// evictOldestLocked evicts the oldest pending message whose age exceeds
// flushAge. Reports whether an eviction happened. Caller holds p.mu.
func (p *Pool) evictOldestLocked() bool {
	now := time.Now()
	for i, m := range p.pending {
		if now.Sub(m.Timestamp) > p.flushAge {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			// Force the message closed regardless of outstanding
			// references: eviction is a pool-policy decision, not a
			// normal release, so it bypasses the refcount and reclaims
			// the slot directly.
			p.outstanding--
			log.WithField("age", now.Sub(m.Timestamp)).Info("evicted aged pending message")
			return true
		}
	}
	return false
}

// free returns a message's slot to the pool. Called by Message.Release
// when its refcount reaches zero.
func (p *Pool) free(m *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pm := range p.pending {
		if pm == m {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	if p.outstanding > 0 {
		p.outstanding--
	}
}

// Outstanding reports the number of live (unreleased) messages, for
// diagnostics.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// TotalRefs reports the system-wide sum of retained references across all
// live messages, exposed as a diagnostic counter (§4.3.3).
func (p *Pool) TotalRefs() int64 {
	return atomic.LoadInt64(&p.totalRefs)
}

// PendingDepth reports the current pending-incoming-message queue depth.
func (p *Pool) PendingDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
