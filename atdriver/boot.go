package atdriver

import (
	"bytes"
	"fmt"

	"github.com/collarcore/radiocore/rcerr"
	"github.com/collarcore/radiocore/shadow"
	"github.com/collarcore/radiocore/tristate"
)

// runBootConfig runs the one-time boot configuration sequence (§4.2.6)
// triggered by the first +INIT:DONE after power-up. It is spawned on
// its own goroutine from decodeLine so it can acquire d.mu like any
// other caller without blocking the listener.
func (d *Driver) runBootConfig() {
	d.bootMu.Lock()
	if d.bootDone {
		d.bootMu.Unlock()
		return
	}
	d.bootMu.Unlock()

	if err := d.bootCompareUicr(); err != nil {
		log.WithError(err).Error("boot: UICR compare failed")
		return
	}
	if err := d.bootCompareMac(); err != nil {
		log.WithError(err).Warn("boot: MAC compare/set failed")
		return
	}
	if err := d.bootCompareXtal(); err != nil {
		log.WithError(err).Warn("boot: XTAL compare/set failed")
		return
	}
	if err := d.bootDhcpHostname(); err != nil {
		log.WithError(err).Warn("boot: DHCP hostname set failed")
		return
	}
	if err := d.bootDpmDefaults(); err != nil {
		log.WithError(err).Warn("boot: DPM defaults set failed")
		return
	}
	if err := d.bootMqttClientConfig(); err != nil {
		log.WithError(err).Warn("boot: MQTT client config failed")
		return
	}
	if err := d.bootSubscribeTopics(); err != nil {
		log.WithError(err).Warn("boot: topic subscription failed")
		return
	}
	if err := d.bootNtpServer(); err != nil {
		log.WithError(err).Warn("boot: NTP server set failed")
		return
	}

	d.bootMu.Lock()
	d.bootDone = true
	d.bootMu.Unlock()
	log.Info("boot configuration complete")
}

// ResetBootConfig re-arms the one-time boot sequence, so the next
// +INIT:DONE runs it again. The driver does not detect a power cycle
// itself and nothing in this module calls ResetBootConfig; the sequence
// stays done until a caller does.
func (d *Driver) ResetBootConfig() {
	d.bootMu.Lock()
	d.bootDone = false
	d.bootMu.Unlock()
}

// bootCompareUicr compares the persisted UICR backup against the
// on-chip UICR. A missing backup is written; a mismatch is a fatal
// developer error (a backup that doesn't match the chip it was taken
// from means the board was reflashed without re-provisioning).
func (d *Driver) bootCompareUicr() error {
	exists, err := d.store.UicrBackupExists()
	if err != nil {
		return err
	}
	onChip, err := d.store.ReadOnChipUicr()
	if err != nil {
		return err
	}
	if !exists {
		if err := d.store.WriteUicrBackup(onChip); err != nil {
			return err
		}
		d.shadow.SetUicrBuStatus(shadow.UicrNone, onChip)
		return nil
	}
	backup, err := d.store.ReadUicrBackup()
	if err != nil {
		return err
	}
	if !bytes.Equal(backup, onChip) {
		d.shadow.SetUicrBuStatus(shadow.UicrMismatch, backup)
		return rcerr.Fatal
	}
	d.shadow.SetUicrBuStatus(shadow.UicrExists, backup)
	return nil
}

// bootCompareMac compares the modem's reported MAC against the MAC
// recorded in the UICR backup (its last 6 bytes, hex-encoded); a
// mismatch is written back to the modem and the modem restarted, per
// §4.2.6 step 2.
func (d *Driver) bootCompareMac() error {
	backup, err := d.store.ReadUicrBackup()
	if err != nil {
		return err
	}
	want := uicrMacHex(backup)
	if want == "" {
		return nil
	}

	_, captures, err := d.SendAndWait("AT+WFMAC", []*Pattern{mustPattern("+WFMAC:%s")}, d.cfg.DefaultTimeout)
	if err != nil {
		return err
	}
	current := ""
	if len(captures) > 0 {
		current = captures[0]
	}
	if current == want {
		d.shadow.SetMacSet(tristate.KnownTrue)
		return nil
	}
	if err := d.SendOkErr(fmtCmd("WFMAC", want), d.cfg.DefaultTimeout); err != nil {
		return err
	}
	d.shadow.SetMacSet(tristate.KnownTrue)
	return d.SendOkErr("AT+RESTART", d.cfg.DefaultTimeout)
}

func uicrMacHex(uicr []byte) string {
	if len(uicr) < 6 {
		return ""
	}
	tail := uicr[len(uicr)-6:]
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", tail[0], tail[1], tail[2], tail[3], tail[4], tail[5])
}

// bootCompareXtal compares the modem's crystal trim against the
// value baked into the UICR backup (its first byte), writing it back
// only on mismatch, per §4.2.6 step 3.
func (d *Driver) bootCompareXtal() error {
	backup, err := d.store.ReadUicrBackup()
	if err != nil {
		return err
	}
	if len(backup) == 0 {
		return nil
	}
	want := int(backup[0])

	_, captures, err := d.SendAndWait("AT+XTALRD", []*Pattern{mustPattern("+XTALRD:%d")}, d.cfg.DefaultTimeout)
	if err != nil {
		return err
	}
	current := -1
	if len(captures) > 0 {
		if n, ok := atoiOK(captures[0]); ok {
			current = n
		}
	}
	if current != want {
		if err := d.SendOkErr(fmtCmd("XTALWR", want), d.cfg.DefaultTimeout); err != nil {
			return err
		}
	}
	d.shadow.SetXtalSet(tristate.KnownTrue)
	return nil
}

func (d *Driver) bootDhcpHostname() error {
	host := "collar-" + d.cfg.SerialNumber
	if err := d.SendOkErr(fmtCmd("NWDHCHN", host), d.cfg.DefaultTimeout); err != nil {
		return err
	}
	d.shadow.SetDhcpClientNameSet(tristate.KnownTrue)
	return nil
}

func (d *Driver) bootDpmDefaults() error {
	if err := d.SendOkErr(fmtCmd("DPMTIMWU", defaultDpmWakeupMs), d.cfg.DefaultTimeout); err != nil {
		return err
	}
	if err := d.SendOkErr(fmtCmd("DPMKA", defaultDpmKeepAliveMs), d.cfg.DefaultTimeout); err != nil {
		return err
	}
	return nil
}

const (
	defaultDpmWakeupMs    = 3000
	defaultDpmKeepAliveMs = 60000
)

func (d *Driver) bootMqttClientConfig() error {
	if err := d.SendOkErr(fmtCmd("NWMQCID", d.cfg.MqttClientID), d.cfg.DefaultTimeout); err != nil {
		return err
	}
	if err := d.SendOkErr(fmtCmd("NWMQCS", 1), d.cfg.DefaultTimeout); err != nil {
		return err
	}
	if err := d.SendOkErr(fmtCmd("NWMQTLS", 1), d.cfg.DefaultTimeout); err != nil {
		return err
	}
	if err := d.SendOkErr(fmtCmd("NWMQBR", d.cfg.MqttBrokerHost, d.cfg.MqttBrokerPort), d.cfg.DefaultTimeout); err != nil {
		return err
	}
	d.shadow.SetMqttClientID(d.cfg.MqttClientID)
	return nil
}

func (d *Driver) bootSubscribeTopics() error {
	onboarded := d.shadow.Onboarded() == tristate.KnownTrue
	topics := d.cfg.OnboardingTopics
	if onboarded {
		topics = d.cfg.FullTopics
	}
	if len(topics) == 0 {
		return nil
	}
	args := make([]any, 0, len(topics)+1)
	args = append(args, len(topics))
	for _, t := range topics {
		args = append(args, t)
	}
	if err := d.SendOkErr(fmtCmd("NWMQTS", args...), d.cfg.DefaultTimeout); err != nil {
		return err
	}
	d.shadow.SetMqttSubTopics(topics)
	return nil
}

func (d *Driver) bootNtpServer() error {
	if d.cfg.NtpServer == "" {
		return nil
	}
	if err := d.SendOkErr(fmtCmd("NWSNTP", d.cfg.NtpServer), d.cfg.DefaultTimeout); err != nil {
		return err
	}
	d.shadow.SetNtpServerSet(tristate.KnownTrue)
	return nil
}

func mustPattern(format string) *Pattern {
	p, err := NewPattern(format, true)
	if err != nil {
		panic(err)
	}
	return p
}
