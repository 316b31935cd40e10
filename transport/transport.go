// Package transport provides the physical link to the Wi-Fi modem: a
// half-duplex serial port (§6.2), optionally batched with a Nagle-style
// write coalescer and wrapped with byte-level tracing. Everything here is
// plain io.ReadWriteCloser plumbing; atdriver is the only consumer and
// knows nothing about serial ports, TTY paths or trace hooks.
package transport

import (
	"io"
	"time"

	"github.com/jaracil/nagle"
	"github.com/nayarsystems/iotrace"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var log = logrus.WithField("subsystem", "transport")

// SerialConfig describes how to open the UART to the Wi-Fi modem.
type SerialConfig struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// OpenSerial opens the configured serial port. Zero-valued fields of cfg
// fall back to the common 8N1 defaults.
func OpenSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"device": cfg.Device, "baud": cfg.BaudRate}).Info("opened serial link to wifi modem")
	return port, nil
}

// NagleWrap coalesces small outbound writes (e.g. the byte-at-a-time
// framing atdriver's command builder can produce) into fewer, larger
// writes before they hit the wire, the same role the teacher gives
// nagle.NewNagleWrapper on its TCP leg. size <= 0 disables coalescing
// and returns rwc unchanged.
func NagleWrap(rwc io.ReadWriteCloser, size int, timeout time.Duration) io.ReadWriteCloser {
	if size <= 0 {
		return rwc
	}
	return nagle.NewNagleWrapper(rwc, size, timeout)
}

// TraceHook receives a copy of every chunk written or read on a traced
// link, keyed by direction in Trace's two hook arguments.
type TraceHook func([]byte)

// Trace wraps rwc so every write/read also calls the matching hook,
// mirroring the teacher's cmd/vmodem use of iotrace.NewRWCTracer. No
// caller in this module wraps the Wi-Fi link with it; the AT driver
// records last_cmd itself.
func Trace(rwc io.ReadWriteCloser, bufSize int, flush time.Duration, onWrite, onRead TraceHook) io.ReadWriteCloser {
	return iotrace.NewRWCTracer(rwc, bufSize, flush, onWrite, onRead)
}
