// Package cellular models the LTE modem as the pure-function
// collaborator described in §6.3: no wire protocol here, just
// power_on/power_off/is_powered/start_mqtt/stop_mqtt plus an observable
// status shadow. The real implementation (SPI/UART bit-shifting to the
// cellular FW) is out of scope (§1); this package is the seam the
// Radio Manager is built and tested against.
package cellular

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/collarcore/radiocore/fabric"
	"github.com/collarcore/radiocore/rcerr"
)

var log = logrus.WithField("subsystem", "cellular")

// Modem is the pure-function LTE collaborator interface (§6.3).
type Modem interface {
	PowerOn() error
	PowerOff() error
	IsPowered() bool
	StartMqtt() error
	StopMqtt() error
}

// Shadow tracks the LTE modem's observable status bits and publishes a
// fabric.LteStatusUpdate on every change, mirroring shadow.State's
// mutate-then-publish discipline (§9) one level down in the stack.
type Shadow struct {
	mu    sync.Mutex
	bits  fabric.LteStatusBits
	topic *fabric.Topic[fabric.LteStatusUpdate]
}

func NewShadow(topic *fabric.Topic[fabric.LteStatusUpdate]) *Shadow {
	return &Shadow{topic: topic}
}

// Set applies value to flag, publishing a LteStatusUpdate iff the bit
// actually flips.
func (s *Shadow) Set(flag fabric.LteStatusBits, value bool) {
	s.mu.Lock()
	old := s.bits
	next := old
	if value {
		next |= flag
	} else {
		next &^= flag
	}
	changed := next != old
	s.bits = next
	s.mu.Unlock()

	if !changed {
		return
	}
	log.WithFields(logrus.Fields{"flag": flag, "value": value}).Debug("lte status bit changed")
	s.topic.Publish(fabric.LteStatusUpdate{
		Timestamp:   time.Now(),
		Status:      next,
		ChangedMask: old ^ next,
	})
}

func (s *Shadow) Bits() fabric.LteStatusBits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits
}

func (s *Shadow) Has(flag fabric.LteStatusBits) bool {
	return s.Bits().Has(flag)
}

// FakeModem is an in-memory Modem used by radio package tests and the
// collard daemon's development wiring, standing in for the real
// cellular driver.
type FakeModem struct {
	mu          sync.Mutex
	powered     bool
	mqttStarted bool

	FailPowerOn   bool
	FailStartMqtt bool
}

func NewFakeModem() *FakeModem { return &FakeModem{} }

func (f *FakeModem) PowerOn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPowerOn {
		return rcerr.BadResponseMsg("fake modem: power on failed")
	}
	f.powered = true
	return nil
}

func (f *FakeModem) PowerOff() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powered = false
	f.mqttStarted = false
	return nil
}

func (f *FakeModem) IsPowered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powered
}

func (f *FakeModem) StartMqtt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.powered {
		return rcerr.NotPowered
	}
	if f.FailStartMqtt {
		return rcerr.BadResponseMsg("fake modem: start mqtt failed")
	}
	f.mqttStarted = true
	return nil
}

func (f *FakeModem) StopMqtt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mqttStarted = false
	return nil
}

func (f *FakeModem) MqttStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mqttStarted
}
