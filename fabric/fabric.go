// Package fabric implements the typed publish/subscribe event bus that
// carries modem state deltas, LTE status updates, inbound MQTT messages
// and the external-collaborator channels (§4.3). Each channel has its
// own Go type; there is no generic "any" event envelope, so a subscriber
// can never receive a payload it cannot switch on by type.
package fabric

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/collarcore/radiocore/pool"
)

var log = logrus.WithField("subsystem", "fabric")

// Radio identifies one of the two physical radios. It belongs to the
// radio package's vocabulary but is kept here as a plain int; no event
// type in this package carries it.
type Radio int

const (
	RadioNone Radio = iota
	RadioWifi
	RadioLte
)

func (r Radio) String() string {
	switch r {
	case RadioWifi:
		return "Wifi"
	case RadioLte:
		return "Lte"
	default:
		return "None"
	}
}

// FieldID names a single DaState attribute for DaEvent.ChangedBits.
// package shadow owns the authoritative list; fabric only needs it as an
// opaque comparable key so DaEvent can be generic over "which field(s)
// changed" without importing shadow (which imports fabric).
type FieldID int

// DaEvent is published on the da_state channel whenever shadow.State
// mutates a tri-state or other attribute (I1). Old/New are the two
// values the field held across the mutation, carried as `any` because
// attribute types are heterogeneous (tri-state, string, struct); the
// field registry in package shadow is what gives them meaning.
type DaEvent struct {
	Timestamp time.Time
	Field     FieldID
	Old       any
	New       any
}

// LteStatusUpdate carries the cellular modem's status snapshot and a
// bitmask of changed bits (§6.3, §6.4).
type LteStatusUpdate struct {
	Timestamp    time.Time
	Status       LteStatusBits
	ChangedMask  LteStatusBits
}

// LteStatusBits is a bitmask over {LTE_CONNECTED, LTE_WORKING,
// MQTT_ENABLED, MQTT_CONNECTED}.
type LteStatusBits uint8

const (
	LteConnected LteStatusBits = 1 << iota
	LteWorking
	LteMqttEnabled
	LteMqttConnected
)

func (b LteStatusBits) Has(flag LteStatusBits) bool { return b&flag != 0 }

// MqttCloudToDevice carries an inbound MQTT message. Payload is
// delivered holding one reference into the shared pool, which the
// subscriber that consumes it must Release.
type MqttCloudToDevice struct {
	Topic   string
	Payload *pool.Message
}

// PowerState carries shutdown/reboot commands (§4.3.1).
type PowerState int

const (
	PowerStateNone PowerState = iota
	PowerStateReboot
	PowerStateShutdown
)

// USBPowerState and BtConnState are the external-collaborator booleans
// (§6.4): whether a USB cable or a Bluetooth link is currently connected.
type USBPowerState bool
type BtConnState bool

// subscriber is the internal record for one registered listener plus its
// work queue.
type subscriber[T any] struct {
	wq      *WorkQueue
	handler func(T)
}

// Topic is a typed, ordered publish/subscribe channel. Delivery to each
// subscriber is in publication order (§4.3.1 "Ordering"); the listener
// itself runs on the publisher's goroutine and must not block — it is
// expected to hand off to its own WorkQueue, which Subscribe does for
// callers automatically when passed one.
type Topic[T any] struct {
	mu   sync.RWMutex
	subs []subscriber[T]
	name string
}

// NewTopic creates a named, empty topic. The name is only used for
// logging.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name}
}

// Subscribe registers handler to run on wq for every future Publish.
// Returns a function that unsubscribes.
func (t *Topic[T]) Subscribe(wq *WorkQueue, handler func(T)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, subscriber[T]{wq: wq, handler: handler})
	idx := len(t.subs) - 1
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if idx < len(t.subs) {
			t.subs[idx].handler = nil
		}
	}
}

// Publish delivers event to every subscriber's work queue. Per §4.3.1,
// da_state events published from within a handler are delivered to all
// subscribers before Publish returns; the actual processing of each
// delivery happens asynchronously on the subscriber's own queue.
func (t *Topic[T]) Publish(event T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.subs {
		if s.handler == nil {
			continue
		}
		h := s.handler
		if ok := s.wq.Submit(func() { h(event) }); !ok {
			log.WithField("topic", t.name).Warn("subscriber work queue rejected item, backlog full or stopped")
		}
	}
}

// WorkQueue is a single-threaded, bounded-backlog task queue owned by one
// subscriber (§4.3.2). Submit reports false (instead of blocking) when
// the queue is stopped or its backlog is full, so the publisher can
// observe the failure rather than wedge.
type WorkQueue struct {
	items chan func()
	done  chan struct{}
	once  sync.Once
	name  string
}

// NewWorkQueue creates a work queue with the given bounded backlog and
// starts its single consumer goroutine.
func NewWorkQueue(name string, backlog int) *WorkQueue {
	if backlog <= 0 {
		backlog = 16
	}
	wq := &WorkQueue{
		items: make(chan func(), backlog),
		done:  make(chan struct{}),
		name:  name,
	}
	go wq.run()
	return wq
}

func (wq *WorkQueue) run() {
	for {
		select {
		case fn := <-wq.items:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.WithFields(logrus.Fields{"queue": wq.name, "panic": r}).Error("work queue item panicked")
					}
				}()
				fn()
			}()
		case <-wq.done:
			return
		}
	}
}

// Submit enqueues fn. Returns false without blocking if the queue is
// stopped or its backlog is full.
func (wq *WorkQueue) Submit(fn func()) bool {
	select {
	case <-wq.done:
		return false
	default:
	}
	select {
	case wq.items <- fn:
		return true
	default:
		return false
	}
}

// Stop halts the consumer goroutine. Further Submit calls return false.
func (wq *WorkQueue) Stop() {
	wq.once.Do(func() { close(wq.done) })
}

// WorkRef wraps a pool.Message so a subscriber can hold a reference to an
// enclosed allocation across its own asynchronous processing (§4.3.3):
// the subscriber gains a reference at submit time via NewWorkRef and
// releases it by calling Release when done.
type WorkRef struct {
	msg *pool.Message
}

// NewWorkRef retains msg on the caller's behalf and returns a handle that
// must be Released exactly once.
func NewWorkRef(msg *pool.Message) *WorkRef {
	return &WorkRef{msg: msg.Retain()}
}

// Message returns the underlying pool message. Valid until Release.
func (w *WorkRef) Message() *pool.Message { return w.msg }

// Release gives up the reference taken by NewWorkRef.
func (w *WorkRef) Release() { w.msg.Release() }
