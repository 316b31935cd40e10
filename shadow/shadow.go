// Package shadow implements DaState (§3.2): the process-wide model of the
// Wi-Fi modem's externally-visible state. It is written only by the AT
// driver (package atdriver) and read by the Radio Manager and everything
// above it. Every mutation is paired, atomically, with publication of a
// DaEvent on the da_state topic (I1) — State.publish is the single choke
// point through which every field mutation must pass, so no code path
// can mutate without publishing.
package shadow

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/collarcore/radiocore/fabric"
	"github.com/collarcore/radiocore/tristate"
)

var log = logrus.WithField("subsystem", "shadow")

// Field identifiers, one per DaState attribute, used both as the
// DaEvent.Field tag and as the map key for the internal field registry.
const (
	FieldInitialized fabric.FieldID = iota
	FieldPoweredOn
	FieldApConnected
	FieldApName
	FieldIPAddress
	FieldApDisconnectReason
	FieldDpmMode
	FieldIsSleeping
	FieldMqttEnabled
	FieldMqttOnBoot
	FieldMqttBrokerConnected
	FieldMqttCertsInstalled
	FieldMqttClientID
	FieldMqttSubTopics
	FieldNtpServerSet
	FieldDhcpClientNameSet
	FieldMacSet
	FieldXtalSet
	FieldOnboarded
	FieldApProfileDisabled
	FieldUicrBuStatus
	FieldOtaProgress
	FieldRebootCnt
	FieldVersion
	FieldRssi
	FieldLastCmd
)

const (
	maxApNameLen      = 32
	maxIPAddressLen   = 20
	maxSubTopics      = 16
	maxSubTopicLen    = 64
	maxLastCmdLen     = 96
	maxClientIDLen    = 32
	maxDisconnectLen  = 32
	// RssiNotConnected is the sentinel dBm value meaning "no RSSI
	// available because the radio is not associated".
	RssiNotConnected = 1
)

// UicrStatus is the variant for the UICR-backup comparison (§3.2,
// §4.2.6).
type UicrStatus int

const (
	UicrUnknown UicrStatus = iota
	UicrNone
	UicrExists
	UicrMismatch
)

// OtaKind is the OTA progress variant (§3.2).
type OtaKind int

const (
	OtaNone OtaKind = iota
	OtaDownloading
	OtaComplete
	OtaRebooting
	OtaErr
)

// OtaProgress carries the OTA variant plus its payload (percent complete
// or error kind, depending on Kind).
type OtaProgress struct {
	Kind    OtaKind
	Percent int
	ErrCode int
}

// Version is the modem firmware version triple.
type Version struct {
	Major, Minor, Patch int
}

// State is the process-wide DaState record. All fields are private;
// access goes through the typed getters/setters so every mutation is
// forced through the atomic mutate-then-publish helper.
type State struct {
	mu    sync.Mutex
	topic *fabric.Topic[fabric.DaEvent]

	initialized        tristate.State
	poweredOn          tristate.State
	apConnected        tristate.State
	apName             string
	ipAddress          string
	apDisconnectReason string
	dpmMode            tristate.State
	isSleeping         tristate.State
	mqttEnabled        tristate.State
	mqttOnBoot         tristate.State
	mqttBrokerConn     tristate.State
	mqttCertsInstalled tristate.State
	mqttClientID       string
	mqttSubTopics      []string
	ntpServerSet       tristate.State
	dhcpClientNameSet  tristate.State
	macSet             tristate.State
	xtalSet            tristate.State
	onboarded          tristate.State
	apProfileDisabled  tristate.State
	uicrBuStatus       UicrStatus
	uicrBuBytes        []byte
	otaProgress        OtaProgress
	rebootCnt          int
	version            Version
	rssi               int
	lastCmd            string
}

// New creates an all-Unknown/zero-valued State publishing events on
// topic.
func New(topic *fabric.Topic[fabric.DaEvent]) *State {
	return &State{
		topic: topic,
		rssi:  RssiNotConnected,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// publish is the single non-reentrant mutate-then-publish primitive
// (design note in spec.md §9): fn must perform the actual field
// mutation and return (old, new, changed). fn runs under s.mu; publish
// then releases s.mu and emits the DaEvent iff changed, matching
// §4.3.1's requirement that delivery to all subscribers happens before
// the publisher (here, the setter) returns.
func (s *State) publish(field fabric.FieldID, fn func() (old, new any, changed bool)) {
	s.mu.Lock()
	old, newV, changed := fn()
	s.mu.Unlock()
	if !changed {
		return
	}
	log.WithFields(logrus.Fields{"field": field, "old": old, "new": newV}).Debug("shadow field changed")
	s.topic.Publish(fabric.DaEvent{Timestamp: time.Now(), Field: field, Old: old, New: newV})
}

// --- I2: powering down resets all dependent fields ---

// SetPoweredOn sets powered_on. Transitioning to KnownFalse resets every
// other tri-state field to Unknown/KnownFalse per I2, and clears the AP
// name/IP and RSSI, publishing one DaEvent per field that actually
// changed.
func (s *State) SetPoweredOn(v tristate.State) {
	s.publish(FieldPoweredOn, func() (any, any, bool) {
		old := s.poweredOn
		if old == v {
			return old, v, false
		}
		s.poweredOn = v
		return old, v, true
	})
	if v == tristate.KnownFalse {
		s.resetDependentFields()
	}
}

// resetDependentFields enforces I2 by driving every dependent field back
// to Unknown (or KnownFalse where a false reading is meaningful),
// publishing a DaEvent per changed field.
func (s *State) resetDependentFields() {
	s.SetApConnected(tristate.KnownFalse)
	s.setApInfo("", "")
	s.SetDpmMode(tristate.Unknown)
	s.SetIsSleeping(tristate.Unknown)
	s.SetMqttEnabled(tristate.KnownFalse)
	s.setMqttBrokerConnectedInternal(tristate.KnownFalse)
	s.SetMqttCertsInstalled(tristate.Unknown)
	s.SetInitialized(tristate.Unknown)
	s.SetMqttOnBoot(tristate.Unknown)
	s.SetNtpServerSet(tristate.Unknown)
	s.SetDhcpClientNameSet(tristate.Unknown)
	s.SetMacSet(tristate.Unknown)
	s.SetXtalSet(tristate.Unknown)
	s.SetOnboarded(tristate.Unknown)
	s.SetApProfileDisabled(tristate.Unknown)
	s.SetRssi(RssiNotConnected)
}

func (s *State) PoweredOn() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poweredOn
}

// --- simple tri-state fields ---

func (s *State) SetInitialized(v tristate.State) {
	s.publish(FieldInitialized, func() (any, any, bool) {
		old := s.initialized
		if old == v {
			return old, v, false
		}
		s.initialized = v
		return old, v, true
	})
}

func (s *State) Initialized() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *State) SetApConnected(v tristate.State) {
	s.publish(FieldApConnected, func() (any, any, bool) {
		old := s.apConnected
		if old == v {
			return old, v, false
		}
		s.apConnected = v
		return old, v, true
	})
}

func (s *State) ApConnected() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apConnected
}

// SetApInfo records the associated SSID and IP address. Use empty
// strings to clear both on disassociation.
func (s *State) SetApInfo(name, ip string) {
	s.setApInfo(name, ip)
}

func (s *State) setApInfo(name, ip string) {
	name = truncate(name, maxApNameLen)
	ip = truncate(ip, maxIPAddressLen)
	s.publish(FieldApName, func() (any, any, bool) {
		old := s.apName
		if old == name {
			return old, name, false
		}
		s.apName = name
		return old, name, true
	})
	s.publish(FieldIPAddress, func() (any, any, bool) {
		old := s.ipAddress
		if old == ip {
			return old, ip, false
		}
		s.ipAddress = ip
		return old, ip, true
	})
}

func (s *State) ApInfo() (name, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apName, s.ipAddress
}

func (s *State) SetApDisconnectReason(reason string) {
	reason = truncate(reason, maxDisconnectLen)
	s.publish(FieldApDisconnectReason, func() (any, any, bool) {
		old := s.apDisconnectReason
		if old == reason {
			return old, reason, false
		}
		s.apDisconnectReason = reason
		return old, reason, true
	})
}

func (s *State) SetDpmMode(v tristate.State) {
	s.publish(FieldDpmMode, func() (any, any, bool) {
		old := s.dpmMode
		if old == v {
			return old, v, false
		}
		s.dpmMode = v
		return old, v, true
	})
}

func (s *State) DpmMode() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dpmMode
}

func (s *State) SetIsSleeping(v tristate.State) {
	s.publish(FieldIsSleeping, func() (any, any, bool) {
		old := s.isSleeping
		if old == v {
			return old, v, false
		}
		s.isSleeping = v
		return old, v, true
	})
}

func (s *State) IsSleeping() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSleeping
}

func (s *State) SetMqttEnabled(v tristate.State) {
	s.publish(FieldMqttEnabled, func() (any, any, bool) {
		old := s.mqttEnabled
		if old == v {
			return old, v, false
		}
		s.mqttEnabled = v
		return old, v, true
	})
	if v != tristate.KnownTrue {
		// Enabled is a precondition for broker-connected (I3); dropping
		// it invalidates any existing broker-connected claim.
		s.setMqttBrokerConnectedInternal(tristate.KnownFalse)
	}
}

func (s *State) MqttEnabled() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mqttEnabled
}

func (s *State) SetMqttOnBoot(v tristate.State) {
	s.publish(FieldMqttOnBoot, func() (any, any, bool) {
		old := s.mqttOnBoot
		if old == v {
			return old, v, false
		}
		s.mqttOnBoot = v
		return old, v, true
	})
}

func (s *State) MqttOnBoot() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mqttOnBoot
}

// SetMqttBrokerConnected enforces I3: a transition to KnownTrue is only
// accepted when ap_connected, mqtt_enabled and powered_on are all
// KnownTrue; otherwise the call is rejected and the field is left
// unchanged (the caller, atdriver, is expected to not even attempt this
// transition out of order, but the invariant is enforced here too so it
// can never be violated regardless of call site).
func (s *State) SetMqttBrokerConnected(v tristate.State) bool {
	if v == tristate.KnownTrue {
		s.mu.Lock()
		ok := s.apConnected == tristate.KnownTrue && s.mqttEnabled == tristate.KnownTrue && s.poweredOn == tristate.KnownTrue
		s.mu.Unlock()
		if !ok {
			log.Warn("rejected mqtt_broker_connected=KnownTrue, I3 preconditions not met")
			return false
		}
	}
	s.setMqttBrokerConnectedInternal(v)
	return true
}

func (s *State) setMqttBrokerConnectedInternal(v tristate.State) {
	s.publish(FieldMqttBrokerConnected, func() (any, any, bool) {
		old := s.mqttBrokerConn
		if old == v {
			return old, v, false
		}
		s.mqttBrokerConn = v
		return old, v, true
	})
}

func (s *State) MqttBrokerConnected() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mqttBrokerConn
}

func (s *State) SetMqttCertsInstalled(v tristate.State) {
	s.publish(FieldMqttCertsInstalled, func() (any, any, bool) {
		old := s.mqttCertsInstalled
		if old == v {
			return old, v, false
		}
		s.mqttCertsInstalled = v
		return old, v, true
	})
}

func (s *State) SetMqttClientID(id string) {
	id = truncate(id, maxClientIDLen)
	s.publish(FieldMqttClientID, func() (any, any, bool) {
		old := s.mqttClientID
		if old == id {
			return old, id, false
		}
		s.mqttClientID = id
		return old, id, true
	})
}

// SetMqttSubTopics replaces the subtopic list, bounded to maxSubTopics
// entries each bounded to maxSubTopicLen bytes, preserving order.
func (s *State) SetMqttSubTopics(topics []string) {
	bounded := make([]string, 0, len(topics))
	for i, t := range topics {
		if i >= maxSubTopics {
			break
		}
		bounded = append(bounded, truncate(t, maxSubTopicLen))
	}
	s.publish(FieldMqttSubTopics, func() (any, any, bool) {
		old := s.mqttSubTopics
		if stringSlicesEqual(old, bounded) {
			return old, bounded, false
		}
		s.mqttSubTopics = bounded
		return old, bounded, true
	})
}

func (s *State) MqttSubTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.mqttSubTopics))
	copy(out, s.mqttSubTopics)
	return out
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *State) SetNtpServerSet(v tristate.State)      { s.setSimpleTri(FieldNtpServerSet, &s.ntpServerSet, v) }
func (s *State) SetDhcpClientNameSet(v tristate.State) { s.setSimpleTri(FieldDhcpClientNameSet, &s.dhcpClientNameSet, v) }
func (s *State) SetMacSet(v tristate.State)            { s.setSimpleTri(FieldMacSet, &s.macSet, v) }
func (s *State) SetXtalSet(v tristate.State)           { s.setSimpleTri(FieldXtalSet, &s.xtalSet, v) }
func (s *State) SetOnboarded(v tristate.State)         { s.setSimpleTri(FieldOnboarded, &s.onboarded, v) }
func (s *State) SetApProfileDisabled(v tristate.State) { s.setSimpleTri(FieldApProfileDisabled, &s.apProfileDisabled, v) }

func (s *State) Onboarded() tristate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onboarded
}

// setSimpleTri is the shared helper for the tri-state fields above that
// carry no extra invariant beyond I1.
func (s *State) setSimpleTri(field fabric.FieldID, slot *tristate.State, v tristate.State) {
	s.publish(field, func() (any, any, bool) {
		old := *slot
		if old == v {
			return old, v, false
		}
		*slot = v
		return old, v, true
	})
}

func (s *State) SetUicrBuStatus(status UicrStatus, payload []byte) {
	s.publish(FieldUicrBuStatus, func() (any, any, bool) {
		old := s.uicrBuStatus
		if old == status && bytesEqual(s.uicrBuBytes, payload) {
			return old, status, false
		}
		s.uicrBuStatus = status
		s.uicrBuBytes = append([]byte(nil), payload...)
		return old, status, true
	})
}

func (s *State) UicrBuStatus() (UicrStatus, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uicrBuStatus, append([]byte(nil), s.uicrBuBytes...)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *State) SetOtaProgress(p OtaProgress) {
	s.publish(FieldOtaProgress, func() (any, any, bool) {
		old := s.otaProgress
		if old == p {
			return old, p, false
		}
		s.otaProgress = p
		return old, p, true
	})
}

func (s *State) OtaProgress() OtaProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.otaProgress
}

func (s *State) SetRebootCnt(n int) {
	if n < 0 {
		n = 0
	}
	s.publish(FieldRebootCnt, func() (any, any, bool) {
		old := s.rebootCnt
		if old == n {
			return old, n, false
		}
		s.rebootCnt = n
		return old, n, true
	})
}

func (s *State) RebootCnt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebootCnt
}

func (s *State) SetVersion(v Version) {
	s.publish(FieldVersion, func() (any, any, bool) {
		old := s.version
		if old == v {
			return old, v, false
		}
		s.version = v
		return old, v, true
	})
}

func (s *State) Version() Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *State) SetRssi(dbm int) {
	s.publish(FieldRssi, func() (any, any, bool) {
		old := s.rssi
		if old == dbm {
			return old, dbm, false
		}
		s.rssi = dbm
		return old, dbm, true
	})
}

func (s *State) Rssi() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rssi
}

func (s *State) SetLastCmd(cmd string) {
	cmd = truncate(cmd, maxLastCmdLen)
	s.publish(FieldLastCmd, func() (any, any, bool) {
		old := s.lastCmd
		if old == cmd {
			return old, cmd, false
		}
		s.lastCmd = cmd
		return old, cmd, true
	})
}

func (s *State) LastCmd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCmd
}

// Snapshot is a point-in-time, allocation-free-to-read copy of the whole
// shadow for diagnostics (§7 "user-visible behavior") and tests.
type Snapshot struct {
	Initialized        tristate.State
	PoweredOn          tristate.State
	ApConnected        tristate.State
	ApName             string
	IPAddress          string
	ApDisconnectReason string
	DpmMode            tristate.State
	IsSleeping         tristate.State
	MqttEnabled        tristate.State
	MqttOnBoot         tristate.State
	MqttBrokerConn     tristate.State
	MqttCertsInstalled tristate.State
	MqttClientID       string
	MqttSubTopics      []string
	Onboarded          tristate.State
	ApProfileDisabled  tristate.State
	UicrBuStatus       UicrStatus
	OtaProgress        OtaProgress
	RebootCnt          int
	Version            Version
	Rssi               int
	LastCmd            string
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Initialized:        s.initialized,
		PoweredOn:          s.poweredOn,
		ApConnected:        s.apConnected,
		ApName:             s.apName,
		IPAddress:          s.ipAddress,
		ApDisconnectReason: s.apDisconnectReason,
		DpmMode:            s.dpmMode,
		IsSleeping:         s.isSleeping,
		MqttEnabled:        s.mqttEnabled,
		MqttOnBoot:         s.mqttOnBoot,
		MqttBrokerConn:     s.mqttBrokerConn,
		MqttCertsInstalled: s.mqttCertsInstalled,
		MqttClientID:       s.mqttClientID,
		MqttSubTopics:      append([]string(nil), s.mqttSubTopics...),
		Onboarded:          s.onboarded,
		ApProfileDisabled:  s.apProfileDisabled,
		UicrBuStatus:       s.uicrBuStatus,
		OtaProgress:        s.otaProgress,
		RebootCnt:          s.rebootCnt,
		Version:            s.version,
		Rssi:               s.rssi,
		LastCmd:            s.lastCmd,
	}
}
