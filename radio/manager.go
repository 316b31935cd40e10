// Package radio implements the Radio Manager (§4.1): a reference-counted,
// retry-bounded state machine that owns which of the two physical radios
// is currently authorized to carry MQTT. It is the only component
// allowed to flip active_radio, and the only caller of the Wi-Fi AT
// Driver's sleep-mode and MQTT-enable commands for that purpose.
package radio

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/collarcore/radiocore/atdriver"
	"github.com/collarcore/radiocore/cellular"
	"github.com/collarcore/radiocore/fabric"
	"github.com/collarcore/radiocore/rcerr"
	"github.com/collarcore/radiocore/shadow"
	"github.com/collarcore/radiocore/tristate"
)

var log = logrus.WithField("subsystem", "radio")

// Config bundles the switch state machine's step timeout/retry budget
// and the background poll interval used while waiting on shadow
// conditions (AP association, broker connectivity, LTE readiness).
type Config struct {
	StepTimeout      time.Duration
	MaxRetries       int
	PollInterval     time.Duration
	RSSIPollInterval time.Duration // ambient scheduling cadence, see SPEC_FULL.md
}

func (c *Config) applyDefaults() {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.RSSIPollInterval <= 0 {
		c.RSSIPollInterval = 30 * time.Second
	}
}

// apCreds is the last attempted/known AP association, used to short
// circuit a redundant connect_to_ap (§8 boundary case).
type apCreds struct {
	ssid          string
	pass          string
	sec, key, enc int
	valid         bool
}

// Manager is the Radio Manager. mu guards the small Active-Radio
// Record fields (§3.3); switchMu is held for the full duration of one
// switch execution, enforcing "at most one switch state machine
// execution in flight" (§4.1.3).
type Manager struct {
	mu sync.Mutex

	activeRadio  fabric.Radio
	switching    bool
	switchTarget fabric.Radio
	switchSince  time.Time
	srsState     SrsState

	prepRefCount map[fabric.Radio]int
	gotUnicast   bool

	wifiEnabledPolicy bool
	useSleep          bool
	preOverrideSleep  *bool
	usbConnected      bool
	btConnected       bool

	apInFlight bool
	lastAP     apCreds

	switchMu sync.Mutex

	wifi      *shadow.State
	wat       *atdriver.Driver
	lte       cellular.Modem
	lteShadow *cellular.Shadow

	cfg Config

	OnSwitchedToWifi func()
	OnSwitchedToLte  func()

	stop chan struct{}
	once sync.Once
}

// New creates a Manager wired to the given Wi-Fi shadow/driver and LTE
// collaborator. It subscribes to da_state and lte_status_update so it
// can react to an AP flap or an initial LTE-only cold boot without the
// application having to drive it (§4.1, scenarios 1 and 3).
func New(wifi *shadow.State, wat *atdriver.Driver, lte cellular.Modem, lteShadow *cellular.Shadow,
	daTopic *fabric.Topic[fabric.DaEvent], lteTopic *fabric.Topic[fabric.LteStatusUpdate], cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		activeRadio:       fabric.RadioNone,
		prepRefCount:      map[fabric.Radio]int{fabric.RadioWifi: 0, fabric.RadioLte: 0},
		wifiEnabledPolicy: true,
		useSleep:          true,
		wifi:              wifi,
		wat:               wat,
		lte:               lte,
		lteShadow:         lteShadow,
		cfg:               cfg,
		stop:              make(chan struct{}),
	}

	wq := fabric.NewWorkQueue("radio-da-state", 64)
	daTopic.Subscribe(wq, m.onDaEvent)

	lteWq := fabric.NewWorkQueue("radio-lte-status", 16)
	lteTopic.Subscribe(lteWq, m.onLteStatus)

	return m
}

// Close stops the manager's background activity.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.stop) })
}

// GetActiveMqttRadio returns the current active_radio snapshot.
func (m *Manager) GetActiveMqttRadio() fabric.Radio {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeRadio
}

// IsSwitching reports whether a switch is currently in progress.
func (m *Manager) IsSwitching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switching
}

// ReadyForMqtt reports whether the active radio is up and its broker
// shadow says connected.
func (m *Manager) ReadyForMqtt() bool {
	m.mu.Lock()
	active := m.activeRadio
	m.mu.Unlock()

	switch active {
	case fabric.RadioWifi:
		return m.wifi.MqttBrokerConnected() == tristate.KnownTrue
	case fabric.RadioLte:
		return m.lteShadow.Has(fabric.LteMqttConnected)
	default:
		return false
	}
}

// IsActiveRadioMqttConnected is the northbound alias for ReadyForMqtt
// (§6.1).
func (m *Manager) IsActiveRadioMqttConnected() bool { return m.ReadyForMqtt() }

// Enable(false) clears the switching flag, so an in-flight runSwitch
// stops at the top of its next loop iteration; an attempt already under
// way still commits. No enabled flag is stored: Enable(true) has no
// effect, and a later SwitchTo starts a switch as usual.
func (m *Manager) Enable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !v {
		m.switching = false
	}
}

// WifiEnable toggles whether Wi-Fi may be targeted by switch_to at all
// (§4.1.3 step 1: "if Wi-Fi is disabled by policy, abort to Idle").
func (m *Manager) WifiEnable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wifiEnabledPolicy = v
}

// UseSleep sets the sleep policy (§4.1.4). If a USB/BT override is
// currently active, the new value becomes the one restored on
// disconnect rather than taking effect immediately.
func (m *Manager) UseSleep(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preOverrideSleep != nil {
		m.preOverrideSleep = &v
		return
	}
	m.useSleep = v
}

// effectiveUseSleepLocked returns the sleep policy actually in force,
// forced false while USB or BT is connected (§4.1.4). Caller holds mu.
func (m *Manager) effectiveUseSleepLocked() bool {
	if m.usbConnected || m.btConnected {
		return false
	}
	return m.useSleep
}

// SetUSBPowerState and SetBtConnState apply the external-collaborator
// sleep override (§4.1.4, §6.4): on the first of USB-or-BT connecting,
// the current policy is saved and sleep is forced off; when both
// disconnect, the saved policy is restored.
func (m *Manager) SetUSBPowerState(connected bool) {
	m.mu.Lock()
	m.usbConnected = connected
	m.applyOverrideLocked()
	m.mu.Unlock()
	if connected {
		m.prepareWifiBackground()
	}
}

func (m *Manager) SetBtConnState(connected bool) {
	m.mu.Lock()
	m.btConnected = connected
	m.applyOverrideLocked()
	m.mu.Unlock()
	if connected {
		m.prepareWifiBackground()
	}
}

func (m *Manager) applyOverrideLocked() {
	overrideActive := m.usbConnected || m.btConnected
	if overrideActive && m.preOverrideSleep == nil {
		saved := m.useSleep
		m.preOverrideSleep = &saved
		return
	}
	if !overrideActive && m.preOverrideSleep != nil {
		m.useSleep = *m.preOverrideSleep
		m.preOverrideSleep = nil
	}
}

// prepareWifiBackground pre-prepares Wi-Fi without application demand
// when USB or BT connects (§4.1.4), ignoring the result: a failure here
// just leaves Wi-Fi unprepared until the application asks.
func (m *Manager) prepareWifiBackground() {
	go func() {
		if err := m.Prepare(fabric.RadioWifi, false, m.cfg.StepTimeout); err != nil {
			log.WithError(err).Debug("background wifi pre-prepare failed")
		}
	}()
}

// GotUnicastFromAP bumps the Wi-Fi prep-reference exactly once on
// behalf of the modem's downlink-wake indication.
func (m *Manager) GotUnicastFromAP() {
	m.mu.Lock()
	already := m.gotUnicast
	if !already {
		m.gotUnicast = true
	}
	m.mu.Unlock()
	if !already {
		if err := m.Prepare(fabric.RadioWifi, false, m.cfg.StepTimeout); err != nil {
			log.WithError(err).Debug("unicast-triggered wifi prepare failed")
		}
	}
}

// Prepare acquires a prep-reference on r (§4.1.2). On success r is
// awake and, if needMqtt, its broker shadow is KnownTrue. On any
// failure the reference taken at entry is undone (Open Question
// decision: refcount changes only on success).
func (m *Manager) Prepare(r fabric.Radio, needMqtt bool, timeout time.Duration) error {
	if r != fabric.RadioWifi && r != fabric.RadioLte {
		return rcerr.InvalidMsg("prepare: unknown radio")
	}

	m.mu.Lock()
	m.prepRefCount[r]++
	first := m.prepRefCount[r] == 1
	m.mu.Unlock()

	succeeded := false
	defer func() {
		if !succeeded {
			m.mu.Lock()
			m.prepRefCount[r]--
			m.mu.Unlock()
		}
	}()

	deadline := time.Now().Add(timeout)

	if r == fabric.RadioWifi {
		if first {
			if err := m.wat.SetSleepMode(atdriver.SleepNone, 0, m.cfg.StepTimeout); err != nil {
				return err
			}
		}
		if needMqtt {
			if !m.pollUntilDeadline(deadline, func() bool {
				return m.wifi.MqttBrokerConnected() == tristate.KnownTrue
			}) {
				return rcerr.Timeout
			}
		}
	} else {
		if first {
			if err := m.lte.PowerOn(); err != nil {
				return err
			}
		}
		if needMqtt {
			if !m.lteShadow.Has(fabric.LteMqttConnected) {
				if err := m.lte.StartMqtt(); err != nil {
					return err
				}
			}
			if !m.pollUntilDeadline(deadline, func() bool {
				return m.lteShadow.Has(fabric.LteMqttConnected)
			}) {
				return rcerr.Timeout
			}
		}
	}

	succeeded = true
	return nil
}

// Done releases one prep-reference on r. When the last reference drops
// for Wi-Fi, the radio may sleep per the effective sleep policy
// (§4.1.4, I4).
func (m *Manager) Done(r fabric.Radio) error {
	m.mu.Lock()
	if m.prepRefCount[r] <= 0 {
		m.mu.Unlock()
		return rcerr.TooManyReleases
	}
	m.prepRefCount[r]--
	last := m.prepRefCount[r] == 0
	sleepNow := last && r == fabric.RadioWifi && m.effectiveUseSleepLocked()
	m.mu.Unlock()

	if sleepNow {
		go func() {
			if err := m.wat.SetSleepMode(atdriver.SleepDpmAsleep, 0, m.cfg.StepTimeout); err != nil {
				log.WithError(err).Debug("sleep-on-last-done failed")
			}
		}()
	}
	return nil
}

// ConnectToAP initiates an association (§4.1.2). A second attempt with
// identical credentials while already connected to that SSID is
// short-circuited without issuing a wire command (§8 boundary case). A
// concurrent attempt with different credentials is rejected with Busy.
func (m *Manager) ConnectToAP(ssid, pass string, sec, keyIdx, enc int) error {
	m.mu.Lock()
	if name, _ := m.wifi.ApInfo(); m.wifi.ApConnected() == tristate.KnownTrue && name == ssid &&
		m.lastAP.valid && m.lastAP.ssid == ssid && m.lastAP.pass == pass &&
		m.lastAP.sec == sec && m.lastAP.key == keyIdx && m.lastAP.enc == enc {
		m.mu.Unlock()
		return rcerr.InvalidMsg("AlreadyConnected")
	}
	if m.apInFlight {
		m.mu.Unlock()
		return rcerr.Busy
	}
	m.apInFlight = true
	m.lastAP = apCreds{ssid: ssid, pass: pass, sec: sec, key: keyIdx, enc: enc, valid: true}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.apInFlight = false
		m.mu.Unlock()
	}()

	return m.wat.SendOkErr(wfjapCmd(ssid, pass, sec, keyIdx, enc), m.cfg.StepTimeout)
}

// ConnectToAPByIndex associates using a previously stored SSID profile
// index rather than inline credentials.
func (m *Manager) ConnectToAPByIndex(idx int) error {
	m.mu.Lock()
	if m.apInFlight {
		m.mu.Unlock()
		return rcerr.Busy
	}
	m.apInFlight = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.apInFlight = false
		m.mu.Unlock()
	}()
	return m.wat.SendOkErr(fmtAT("SSIDIDX", idx), m.cfg.StepTimeout)
}

func (m *Manager) pollUntilDeadline(deadline time.Time, cond func() bool) bool {
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-time.After(m.cfg.PollInterval):
		case <-m.stop:
			return false
		}
	}
}

// onDaEvent reacts to shadow transitions that should drive a switch
// without application involvement: an AP disassociation while Wi-Fi is
// active falls back to LTE (scenario 3).
func (m *Manager) onDaEvent(ev fabric.DaEvent) {
	if ev.Field != shadow.FieldApConnected {
		return
	}
	newState, ok := ev.New.(tristate.State)
	if !ok || newState != tristate.KnownFalse {
		return
	}
	if m.GetActiveMqttRadio() != fabric.RadioWifi {
		return
	}
	log.Info("ap disassociated while wifi active, falling back to lte")
	_ = m.SwitchTo(fabric.RadioLte, true, false)
}

// onLteStatus reacts to the cellular collaborator's status updates: an
// LTE-only cold boot (no Wi-Fi ever associated) adopts LTE as the
// active radio once it reports connected+mqtt-connected (scenario 1).
func (m *Manager) onLteStatus(ev fabric.LteStatusUpdate) {
	if !ev.Status.Has(fabric.LteConnected) || !ev.Status.Has(fabric.LteMqttConnected) {
		return
	}
	m.mu.Lock()
	already := m.activeRadio != fabric.RadioNone
	m.mu.Unlock()
	if already {
		return
	}
	log.Info("lte connected with no prior active radio, adopting lte")
	_ = m.SwitchTo(fabric.RadioLte, false, false)
}
