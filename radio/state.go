package radio

import (
	"fmt"
	"strings"
	"time"

	"github.com/collarcore/radiocore/atdriver"
	"github.com/collarcore/radiocore/fabric"
	"github.com/collarcore/radiocore/rcerr"
	"github.com/collarcore/radiocore/tristate"
)

// SrsState is one step of the switch-radios state machine (§4.1.3).
type SrsState int

const (
	Idle SrsState = iota
	WaitingForShadowKnown
	WakingWifi
	SleepingWifi
	EnablingBrokerOnBoot
	EnablingBroker
	DisablingBroker
	WaitForAp
	WaitForBroker
	DisablingLteMqtt
	EnablingLteMqtt
	WaitForLteReady
	StopApProfileUse
)

// String returns the diagnostic label for this step (§7 "user-visible
// behavior": a text description of the RM's current sub-state).
func (s SrsState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case WaitingForShadowKnown:
		return "WaitingForShadowKnown"
	case WakingWifi:
		return "WakingWifi"
	case SleepingWifi:
		return "SleepingWifi"
	case EnablingBrokerOnBoot:
		return "EnablingBrokerOnBoot"
	case EnablingBroker:
		return "EnablingBroker"
	case DisablingBroker:
		return "DisablingBroker"
	case WaitForAp:
		return "WaitForAp"
	case WaitForBroker:
		return "WaitForBroker"
	case DisablingLteMqtt:
		return "DisablingLteMqtt"
	case EnablingLteMqtt:
		return "EnablingLteMqtt"
	case WaitForLteReady:
		return "WaitForLteReady"
	case StopApProfileUse:
		return "StopApProfileUse"
	default:
		return "Unknown"
	}
}

// CurrentState reports the switch state machine's current step, for
// diagnostics.
func (m *Manager) CurrentState() SrsState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.srsState
}

func (m *Manager) setState(s SrsState) {
	m.mu.Lock()
	m.srsState = s
	m.mu.Unlock()
}

// SwitchTo begins an asynchronous switch to target (§4.1.2). It is
// idempotent if a switch to target is already in flight; if force is
// set the switch bookkeeping is committed immediately without moving
// either modem (development only). clear currently only affects
// re-entrant callers that want a fresh attempt even mid-switch to the
// same target.
func (m *Manager) SwitchTo(target fabric.Radio, clear, force bool) error {
	m.mu.Lock()
	if m.switching && m.switchTarget == target && !clear {
		m.mu.Unlock()
		return nil
	}
	m.switchTarget = target
	m.switching = true
	m.switchSince = time.Now()
	m.srsState = WaitingForShadowKnown
	m.mu.Unlock()

	if force {
		m.mu.Lock()
		m.activeRadio = target
		m.switching = false
		m.srsState = Idle
		m.mu.Unlock()
		return nil
	}

	go m.runSwitch(target)
	return nil
}

// runSwitch executes one switch attempt end to end under switchMu,
// enforcing "at most one switch state machine execution in flight"
// (§4.1.3). It reads m.switchTarget at each major step so a concurrent
// SwitchTo call can redirect it mid-flight.
func (m *Manager) runSwitch(target fabric.Radio) {
	if !m.switchMu.TryLock() {
		// another runSwitch is already driving the machine; it will pick
		// up the new target on its own next re-entry.
		return
	}
	defer m.switchMu.Unlock()

	lteResetDone := false
	for {
		m.mu.Lock()
		current := m.switchTarget
		stillSwitching := m.switching
		m.mu.Unlock()
		if !stillSwitching {
			return
		}

		if current == fabric.RadioWifi {
			m.mu.Lock()
			policyOff := !m.wifiEnabledPolicy
			m.mu.Unlock()
			if policyOff {
				m.abortSwitch()
				return
			}
		}

		err := m.enableRadio(current)
		if err != nil {
			if current == fabric.RadioLte {
				if lteResetDone {
					m.abortSwitch()
					return
				}
				lteResetDone = true
			}
			if m.fallbackOnFailure(current) {
				continue
			}
			m.abortSwitch()
			return
		}

		other := fabric.RadioLte
		if current == fabric.RadioLte {
			other = fabric.RadioWifi
		}
		if err := m.disableRadio(other); err != nil {
			log.WithError(err).Warn("failed quiescing non-target radio, continuing switch anyway")
		}

		m.mu.Lock()
		redirected := m.switchTarget != current
		m.mu.Unlock()
		if redirected {
			continue
		}

		m.commitSwitch(current)
		return
	}
}

// fallbackOnFailure applies §4.1.5: Wi-Fi failure falls back to LTE and
// continues; LTE failure hard-resets the cellular modem and retries
// once more within the same runSwitch loop.
func (m *Manager) fallbackOnFailure(failedTarget fabric.Radio) bool {
	if failedTarget == fabric.RadioWifi {
		log.Warn("wifi switch exhausted retries, falling back to lte")
		m.mu.Lock()
		m.switchTarget = fabric.RadioLte
		m.mu.Unlock()
		return true
	}
	log.Warn("lte switch exhausted retries, hard-resetting cellular modem")
	_ = m.lte.PowerOff()
	_ = m.lte.PowerOn()
	return true
}

func (m *Manager) abortSwitch() {
	m.mu.Lock()
	m.switching = false
	m.srsState = Idle
	m.mu.Unlock()
}

func (m *Manager) commitSwitch(target fabric.Radio) {
	m.mu.Lock()
	m.activeRadio = target
	m.switching = false
	m.srsState = Idle
	m.mu.Unlock()

	if target == fabric.RadioWifi && m.OnSwitchedToWifi != nil {
		m.OnSwitchedToWifi()
	}
	if target == fabric.RadioLte && m.OnSwitchedToLte != nil {
		m.OnSwitchedToLte()
	}
}

// enableRadio runs the "Enable T" leg of §4.1.3 step 2.
func (m *Manager) enableRadio(target fabric.Radio) error {
	if target == fabric.RadioWifi {
		return m.withRetry(func() error { return m.enableWifiOnce() })
	}
	return m.withRetry(func() error { return m.enableLteOnce() })
}

func (m *Manager) enableWifiOnce() error {
	m.setState(WakingWifi)
	if err := m.wat.SetSleepMode(atdriver.SleepNone, 0, m.cfg.StepTimeout); err != nil {
		return err
	}

	m.setState(WaitForAp)
	deadline := time.Now().Add(m.cfg.StepTimeout)
	if !m.pollUntilDeadline(deadline, func() bool {
		return m.wifi.ApConnected() == tristate.KnownTrue
	}) {
		return rcerr.Timeout
	}

	m.setState(EnablingBrokerOnBoot)
	if err := m.wat.SendOkErr("AT+NWMQCL=1", m.cfg.StepTimeout); err != nil {
		return err
	}

	m.setState(EnablingBroker)
	m.setState(WaitForBroker)
	deadline = time.Now().Add(m.cfg.StepTimeout)
	if !m.pollUntilDeadline(deadline, func() bool {
		return m.wifi.MqttBrokerConnected() == tristate.KnownTrue
	}) {
		return rcerr.Timeout
	}

	if m.effectiveUseSleepLocked2() {
		m.setState(SleepingWifi)
		return m.wat.SetSleepMode(atdriver.SleepDpmAsleep, 0, m.cfg.StepTimeout)
	}
	return nil
}

func (m *Manager) enableLteOnce() error {
	m.setState(EnablingLteMqtt)
	if !m.lte.IsPowered() {
		if err := m.lte.PowerOn(); err != nil {
			return err
		}
	}

	m.setState(WaitForLteReady)
	deadline := time.Now().Add(m.cfg.StepTimeout)
	if !m.pollUntilDeadline(deadline, func() bool {
		return m.lte.IsPowered()
	}) {
		return rcerr.Timeout
	}

	return m.lte.StartMqtt()
}

// disableRadio quiesces the non-target radio so it cannot race on the
// broker (§4.1.3 step 3).
func (m *Manager) disableRadio(r fabric.Radio) error {
	if r == fabric.RadioLte {
		m.setState(DisablingLteMqtt)
		if err := m.lte.StopMqtt(); err != nil {
			return err
		}
		return m.lte.PowerOff()
	}

	m.setState(DisablingBroker)
	if err := m.wat.SendOkErr("AT+NWMQCL=0", m.cfg.StepTimeout); err != nil {
		return err
	}

	m.setState(StopApProfileUse)
	if err := m.wat.SendOkErr("AT+WFDIS", m.cfg.StepTimeout); err != nil {
		return err
	}

	if m.effectiveUseSleepLocked2() {
		m.setState(SleepingWifi)
		return m.wat.SetSleepMode(atdriver.SleepDpmAsleep, 0, m.cfg.StepTimeout)
	}
	return nil
}

func (m *Manager) effectiveUseSleepLocked2() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveUseSleepLocked()
}

// withRetry runs op, matching the start_op/StillGoing/Failed budget
// described in §4.1.3: a transient error (Timeout/Busy/Asleep/NotPowered)
// consumes one attempt out of cfg.MaxRetries and is retried; a
// modem-reported error (BadResponse/ModemError) also consumes one
// attempt and is retried at once, without waiting out a timeout. Any
// other error gives up immediately.
func (m *Manager) withRetry(op func() error) error {
	remaining := m.cfg.MaxRetries
	for {
		err := op()
		if err == nil {
			return nil
		}
		modemReported := false
		if e, ok := err.(*rcerr.Error); ok {
			modemReported = e.Kind == rcerr.KindBadResponse || e.Kind == rcerr.KindModemError
		}
		if !(rcerr.Transient(err) || modemReported) || remaining <= 0 {
			return err
		}
		remaining--
	}
}

func wfjapCmd(ssid, pass string, sec, keyIdx, enc int) string {
	return fmt.Sprintf("AT+WFJAP=%s,%s,%d,%d,%d", ssid, pass, sec, keyIdx, enc)
}

func fmtAT(tag string, args ...any) string {
	if len(args) == 0 {
		return "AT+" + tag
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprintf("%v", a)
	}
	return "AT+" + tag + "=" + strings.Join(parts, ",")
}
