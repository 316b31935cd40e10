package atdriver

import (
	"strconv"
	"strings"
	"time"

	"github.com/collarcore/radiocore/fabric"
	"github.com/collarcore/radiocore/shadow"
	"github.com/collarcore/radiocore/tristate"
)

// decodeLine applies the fixed set of prefix handlers (§4.2.4) to an
// inbound line, updating shadow.State (which publishes its own DaEvent)
// and, for +NWMQMSG, publishing to the MQTT channel. Runs on the
// listener goroutine; never touches d.mu.
func (d *Driver) decodeLine(line string) {
	switch {
	case strings.HasPrefix(line, "+INIT:DONE"):
		d.onInitDone(line)
	case strings.HasPrefix(line, "+INIT:WAKEUP"):
		d.onInitWakeup(line)
	case strings.HasPrefix(line, "+WFJAP:1"):
		d.onWfjapConnected(line)
	case strings.HasPrefix(line, "+WFJAP:0"), strings.HasPrefix(line, "+WFDAP"):
		d.onWfjapDisconnected(line)
	case strings.HasPrefix(line, "+DPM_ABNORM_SLEEP"):
		d.shadow.SetDpmMode(tristate.KnownTrue)
		d.shadow.SetIsSleeping(tristate.KnownTrue)
	case strings.HasPrefix(line, "+DPM:"):
		d.onDpm(line)
	case strings.HasPrefix(line, "+NWMQCL:"):
		d.onNwmqcl(line)
	case strings.HasPrefix(line, "+NWMQMSGSND"):
		d.waitersMu.Lock()
		d.lastMqttSend = time.Now()
		d.waitersMu.Unlock()
	case strings.HasPrefix(line, "+NWMQTS:"):
		d.onNwmqts(line)
	case strings.HasPrefix(line, "+NWMQMSG:"):
		d.onNwmqmsg(line)
	case strings.HasPrefix(line, "+NWCCRT:"):
		d.onNwccrt(line)
	case strings.HasPrefix(line, "+NWHTCSTATUS:"), strings.HasPrefix(line, "+NWHTCDATA:"):
		// HTTP download status/body feeds the OTA download engine, which
		// is out of scope (§1); logged only for postmortem.
		log.WithField("line", line).Debug("http download event, not processed (OTA engine out of scope)")
	case strings.HasPrefix(line, "+NWOTADWSTART:"):
		d.onOtaStart(line)
	case strings.HasPrefix(line, "+NWOTADWPROG:"):
		d.onOtaProg(line)
	case strings.HasPrefix(line, "+RSSI:"):
		d.onRssi(line)
	case strings.HasPrefix(line, "+VER:"):
		d.onVersion(line)
	}
}

func parseIntSuffix(line, prefix string) (int, bool) {
	s := strings.TrimPrefix(line, prefix)
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func (d *Driver) onInitDone(line string) {
	rest := strings.TrimPrefix(line, "+INIT:DONE")
	if idx := strings.Index(rest, ",DPM="); idx >= 0 {
		val := strings.TrimSpace(rest[idx+len(",DPM="):])
		d.shadow.SetDpmMode(tristate.FromBool(val == "1" || strings.EqualFold(val, "on")))
	}
	d.shadow.SetApConnected(tristate.KnownFalse)
	d.shadow.SetMqttBrokerConnected(tristate.KnownFalse)
	d.shadow.SetIsSleeping(tristate.KnownFalse)
	d.shadow.SetInitialized(tristate.KnownTrue)

	d.bootMu.Lock()
	needBoot := !d.bootDone
	d.bootMu.Unlock()
	if needBoot {
		go d.runBootConfig()
	}
}

func (d *Driver) onInitWakeup(line string) {
	rest := strings.TrimPrefix(line, "+INIT:WAKEUP,")
	kind := strings.TrimSpace(rest)
	go func() {
		_ = d.Send("AT+MCUWUDONE", d.cfg.DefaultTimeout)
		_ = d.Send("AT+CLRDPMSLPEXT", d.cfg.DefaultTimeout)
	}()
	if kind == "DEAUTH" || kind == "NOBCN" {
		d.shadow.SetApConnected(tristate.KnownFalse)
		d.shadow.SetApInfo("", "")
	}
}

func (d *Driver) onWfjapConnected(line string) {
	p, _ := NewPattern(`+WFJAP:1,'%s',%s`, true)
	captures, ok := p.Match(line)
	if !ok || len(captures) < 2 {
		log.WithField("line", line).Warn("unparseable +WFJAP:1 line")
		return
	}
	d.shadow.SetApConnected(tristate.KnownTrue)
	d.shadow.SetApInfo(captures[0], captures[1])
}

func (d *Driver) onWfjapDisconnected(line string) {
	d.shadow.SetApConnected(tristate.KnownFalse)
	d.shadow.SetApInfo("", "")
	if idx := strings.Index(line, ","); idx >= 0 {
		d.shadow.SetApDisconnectReason(strings.TrimSpace(line[idx+1:]))
	}
}

func (d *Driver) onDpm(line string) {
	n, ok := parseIntSuffix(line, "+DPM:")
	if !ok {
		return
	}
	d.shadow.SetDpmMode(tristate.FromBool(n != 0))
}

func (d *Driver) onNwmqcl(line string) {
	n, ok := parseIntSuffix(line, "+NWMQCL:")
	if !ok {
		return
	}
	if n != 0 {
		d.shadow.SetMqttEnabled(tristate.KnownTrue)
		d.shadow.SetMqttBrokerConnected(tristate.KnownTrue)
	} else {
		d.shadow.SetMqttEnabled(tristate.KnownFalse)
	}
}

func (d *Driver) onNwmqts(line string) {
	rest := strings.TrimPrefix(line, "+NWMQTS:")
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) != 2 {
		return
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return
	}
	topics := splitQuoted(parts[1])
	if n >= 0 && n < len(topics) {
		topics = topics[:n]
	}
	d.shadow.SetMqttSubTopics(topics)
}

// splitQuoted splits a comma-separated list of "t1","t2" tokens,
// stripping the surrounding quotes.
func splitQuoted(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		tok = strings.Trim(tok, `"`)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// onNwmqmsg parses an inbound cloud-to-device MQTT delivery (§4.2.4):
// "+NWMQMSG:<payload>,<topic>,<len>". Payload may itself contain commas
// (it is opaque bytes), so topic and len are taken from the right.
// A declared length exceeding the received payload bytes is rejected
// without allocating a pool buffer (§8 boundary case).
func (d *Driver) onNwmqmsg(line string) {
	body := strings.TrimPrefix(line, "+NWMQMSG:")
	lastComma := strings.LastIndex(body, ",")
	if lastComma < 0 {
		log.WithField("line", line).Warn("malformed +NWMQMSG, no length field")
		return
	}
	lenStr := body[lastComma+1:]
	rest := body[:lastComma]
	secondComma := strings.LastIndex(rest, ",")
	if secondComma < 0 {
		log.WithField("line", line).Warn("malformed +NWMQMSG, no topic field")
		return
	}
	topic := rest[secondComma+1:]
	payload := rest[:secondComma]

	declared, err := strconv.Atoi(strings.TrimSpace(lenStr))
	if err != nil || declared < 0 || declared > len(payload) {
		log.WithFields(map[string]any{"declared": lenStr, "have": len(payload)}).Warn("+NWMQMSG declared length exceeds payload, rejecting")
		return
	}

	if d.pool == nil || d.mqttTopic == nil {
		return
	}
	msg, err := d.pool.Alloc(true, []byte(payload)[:declared])
	if err != nil {
		log.WithError(err).Warn("pool exhausted processing +NWMQMSG")
		return
	}
	// msg is published at refcount 1; the subscriber that ultimately
	// consumes it is responsible for Release, per the pool's ownership
	// contract (§3.4).
	d.mqttTopic.Publish(fabric.MqttCloudToDevice{Topic: topic, Payload: msg})
}

func (d *Driver) onNwccrt(line string) {
	n, ok := parseIntSuffix(line, "+NWCCRT:")
	if !ok {
		return
	}
	d.shadow.SetMqttCertsInstalled(tristate.FromBool(n != 0))
}

func (d *Driver) onOtaStart(line string) {
	n, ok := parseIntSuffix(line, "+NWOTADWSTART:")
	if !ok {
		return
	}
	if n == 0 {
		d.shadow.SetOtaProgress(shadow.OtaProgress{Kind: shadow.OtaDownloading, Percent: 0})
	} else {
		d.shadow.SetOtaProgress(shadow.OtaProgress{Kind: shadow.OtaErr, ErrCode: n})
	}
}

func (d *Driver) onOtaProg(line string) {
	n, ok := parseIntSuffix(line, "+NWOTADWPROG:")
	if !ok {
		return
	}
	d.shadow.SetOtaProgress(shadow.OtaProgress{Kind: shadow.OtaDownloading, Percent: n})
}

func (d *Driver) onRssi(line string) {
	n, ok := parseIntSuffix(line, "+RSSI:")
	if !ok {
		return
	}
	d.shadow.SetRssi(n)
}

func (d *Driver) onVersion(line string) {
	rest := strings.TrimPrefix(line, "+VER:")
	rest = strings.NewReplacer(",", ".").Replace(rest)
	parts := strings.SplitN(rest, ".", 3)
	if len(parts) != 3 {
		return
	}
	v := shadow.Version{}
	var ok1, ok2, ok3 bool
	v.Major, ok1 = atoiOK(parts[0])
	v.Minor, ok2 = atoiOK(parts[1])
	v.Patch, ok3 = atoiOK(parts[2])
	if !ok1 || !ok2 || !ok3 {
		return
	}
	d.shadow.SetVersion(v)
}

func atoiOK(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return n, err == nil
}

// LastMqttSend reports the timestamp of the most recent +NWMQMSGSND
// acknowledgement.
func (d *Driver) LastMqttSend() time.Time {
	d.waitersMu.Lock()
	defer d.waitersMu.Unlock()
	return d.lastMqttSend
}
