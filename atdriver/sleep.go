package atdriver

import (
	"time"

	"github.com/collarcore/radiocore/rcerr"
	"github.com/collarcore/radiocore/tristate"
)

// SleepTarget is one of the four sleep-mode states set_sleep_mode can
// drive the modem toward (§4.2.5).
type SleepTarget int

const (
	SleepNone SleepTarget = iota
	SleepDpmAsleep
	SleepDpmAwake
	SleepRtcAsleep
)

func (t SleepTarget) String() string {
	switch t {
	case SleepNone:
		return "None"
	case SleepDpmAsleep:
		return "DpmAsleep"
	case SleepDpmAwake:
		return "DpmAwake"
	case SleepRtcAsleep:
		return "RtcAsleep"
	default:
		return "Unknown"
	}
}

// subOp is one step of the transition plan, named after the modem
// primitives listed in §4.2.5.
type subOp int

const (
	opWakeNoSleep subOp = iota
	opSetDpmOn
	opSetDpmOff
	opDpmBackToSleep
	opRtcSleep
	opDisconnectAp
	opCheckSleepMode
)

// planTransitionLocked computes the sub-operation sequence from the
// current shadow state to target. Changing DPM mode while associated
// triggers a modem error, so a disassociate is inserted ahead of any
// DPM toggle whenever the shadow reports association.
func planTransitionLocked(dpm, sleeping tristate.State, associated bool, target SleepTarget) []subOp {
	var plan []subOp
	needDisconnect := associated

	switch target {
	case SleepNone:
		if sleeping == tristate.KnownTrue {
			plan = append(plan, opWakeNoSleep)
		}
	case SleepDpmAwake:
		if dpm != tristate.KnownTrue {
			if needDisconnect {
				plan = append(plan, opDisconnectAp)
			}
			plan = append(plan, opSetDpmOn)
		}
		if sleeping == tristate.KnownTrue {
			plan = append(plan, opWakeNoSleep)
		}
	case SleepDpmAsleep:
		if dpm != tristate.KnownTrue {
			if needDisconnect {
				plan = append(plan, opDisconnectAp)
			}
			plan = append(plan, opSetDpmOn)
		}
		plan = append(plan, opDpmBackToSleep)
	case SleepRtcAsleep:
		if dpm == tristate.KnownTrue {
			if needDisconnect {
				plan = append(plan, opDisconnectAp)
			}
			plan = append(plan, opSetDpmOff)
		}
		plan = append(plan, opRtcSleep)
	}
	plan = append(plan, opCheckSleepMode)
	return plan
}

// SetSleepMode drives the modem from its current dpm_mode/is_sleeping
// toward target, running the shortest sub-operation sequence under the
// modem mutex (§4.2.5). A wake attempted within AfterSleepWait of the
// last recorded sleep is refused with TooSoon.
func (d *Driver) SetSleepMode(target SleepTarget, duration time.Duration, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setOwnerLabel("SetSleepMode")

	if err := d.preconditionCheck(true); err != nil {
		return err
	}

	wakesUp := target == SleepNone || target == SleepDpmAwake
	if wakesUp {
		d.waitersMu.Lock()
		last := d.lastSleepAt
		d.waitersMu.Unlock()
		if !last.IsZero() && time.Since(last) < d.cfg.AfterSleepWait {
			return rcerr.TooSoon
		}
	}

	dpm := d.shadow.DpmMode()
	sleeping := d.shadow.IsSleeping()
	associated := d.shadow.ApConnected() == tristate.KnownTrue

	plan := planTransitionLocked(dpm, sleeping, associated, target)
	for _, op := range plan {
		if err := d.runSubOp(op, target, duration, timeout); err != nil {
			return err
		}
	}

	if target == SleepDpmAsleep || target == SleepRtcAsleep {
		d.waitersMu.Lock()
		d.lastSleepAt = time.Now()
		d.waitersMu.Unlock()
	}
	return nil
}

func (d *Driver) runSubOp(op subOp, target SleepTarget, duration, timeout time.Duration) error {
	switch op {
	case opWakeNoSleep:
		if err := d.sendOkErrLocked("AT+SETSLEEP3EXT=0", timeout); err != nil {
			return err
		}
		d.shadow.SetIsSleeping(tristate.KnownFalse)
		return nil
	case opSetDpmOn:
		if err := d.sendOkErrLocked("AT+DPM=1", timeout); err != nil {
			return err
		}
		d.shadow.SetDpmMode(tristate.KnownTrue)
		return nil
	case opSetDpmOff:
		if err := d.sendOkErrLocked("AT+DPM=0", timeout); err != nil {
			return err
		}
		d.shadow.SetDpmMode(tristate.KnownFalse)
		return nil
	case opDpmBackToSleep:
		if err := d.sendOkErrLocked("AT+SETDPMSLPEXT", timeout); err != nil {
			return err
		}
		d.shadow.SetIsSleeping(tristate.KnownTrue)
		return nil
	case opRtcSleep:
		cmd := fmtCmd("TMRFNOINIT", int(duration/time.Second))
		if err := d.sendOkErrLocked(cmd, timeout); err != nil {
			return err
		}
		d.shadow.SetIsSleeping(tristate.KnownTrue)
		return nil
	case opDisconnectAp:
		if err := d.sendOkErrLocked("AT+WFDIS", timeout); err != nil {
			return err
		}
		d.shadow.SetApConnected(tristate.KnownFalse)
		d.shadow.SetApInfo("", "")
		return nil
	case opCheckSleepMode:
		d.shadow.SetIsSleeping(tristate.FromBool(target == SleepDpmAsleep || target == SleepRtcAsleep))
		return nil
	}
	return nil
}

// sendOkErrLocked is SendOkErr's body without re-acquiring d.mu, for use
// from within SetSleepMode's already-locked sub-operation sequence.
func (d *Driver) sendOkErrLocked(cmd string, timeout time.Duration) error {
	d.checkLock()
	if err := d.preconditionCheck(true); err != nil {
		return err
	}

	okPat, _ := NewPattern("OK", true)
	errPat, _ := NewPattern("ERROR:%s", true)
	w := d.registerWaiter([]*Pattern{okPat, errPat})
	defer d.deregisterWaiter(w)

	d.recordLastCmd(cmd)
	if err := d.writeLine(cmd); err != nil {
		return rcerr.Timeout
	}

	idx, captures, err := d.awaitWaiter(w, timeout)
	if err != nil {
		return err
	}
	return okErrResult(idx, captures)
}
